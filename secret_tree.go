package mls

import "fmt"

// keyAndNonce is one generation's derived AEAD key material, mirroring
// the teacher's keyAndNonce in key-schedule.go.
type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{Key: dup(k.Key), Nonce: dup(k.Nonce)}
}

func (k keyAndNonce) erase() {
	zeroize(k.Key)
	zeroize(k.Nonce)
}

// ratchetContentType selects which of the two per-leaf ratchets a
// generation's key material is drawn from, per RFC 9420 §9's secret tree.
type ratchetContentType uint8

const (
	ratchetHandshake   ratchetContentType = 1
	ratchetApplication ratchetContentType = 2
)

// hashRatchet is the per-(leaf, content-type) generation ratchet: each
// Next() derives a key/nonce/secret triple and advances, exactly the
// teacher's hashRatchet in key-schedule.go, retargeted at RFC 9420's
// "key"/"nonce"/"secret" labels.
type hashRatchet struct {
	suite          CipherSuiteProvider
	nextSecret     []byte
	nextGeneration uint32
	cache          map[uint32]keyAndNonce
	keySize        int
	nonceSize      int
	secretSize     int
}

func newHashRatchet(suite CipherSuiteProvider, baseSecret []byte) *hashRatchet {
	return &hashRatchet{
		suite:          suite,
		nextSecret:     baseSecret,
		nextGeneration: 0,
		cache:          map[uint32]keyAndNonce{},
		keySize:        suite.AEADKeySize(),
		nonceSize:      suite.AEADNonceSize(),
		secretSize:     suite.KDFExtractSize(),
	}
}

func (hr *hashRatchet) next() (uint32, keyAndNonce) {
	key := expandWithLabel(hr.suite, hr.nextSecret, "key", []byte{}, hr.keySize)
	nonce := expandWithLabel(hr.suite, hr.nextSecret, "nonce", []byte{}, hr.nonceSize)
	secret := expandWithLabel(hr.suite, hr.nextSecret, "secret", []byte{}, hr.secretSize)

	generation := hr.nextGeneration
	hr.nextGeneration++
	zeroize(hr.nextSecret)
	hr.nextSecret = secret

	kn := keyAndNonce{key, nonce}
	hr.cache[generation] = kn
	return generation, kn.clone()
}

func (hr *hashRatchet) get(generation uint32) (keyAndNonce, error) {
	if kn, ok := hr.cache[generation]; ok {
		return kn.clone(), nil
	}
	if hr.nextGeneration > generation {
		return keyAndNonce{}, newErr(KindValidation, "hashRatchet.get", fmt.Sprintf("generation %d already erased", generation))
	}
	for hr.nextGeneration < generation {
		hr.next()
	}
	_, kn := hr.next()
	return kn, nil
}

func (hr *hashRatchet) erase(generation uint32) {
	if kn, ok := hr.cache[generation]; ok {
		kn.erase()
		delete(hr.cache, generation)
	}
}

// secretTree is the RFC 9420 §9 tree rooted at encryption_secret: each
// leaf's node secret is derived top-down on demand (matching the
// teacher's treeBaseKeySource.Get), and from it two independent
// hashRatchets are spun up: one for handshake content, one for
// application content. This supersedes the teacher's pre-RFC split of a
// no-forward-secrecy handshake source and a tree-backed application
// source — see SPEC_FULL.md "Supplemented features".
type secretTree struct {
	suite   CipherSuiteProvider
	root    nodeIndex
	size    leafCount
	secrets map[nodeIndex][]byte

	handshake   map[leafIndex]*hashRatchet
	application map[leafIndex]*hashRatchet
}

func newSecretTree(suite CipherSuiteProvider, size leafCount, encryptionSecret []byte) *secretTree {
	st := &secretTree{
		suite:       suite,
		root:        root(size),
		size:        size,
		secrets:     map[nodeIndex][]byte{},
		handshake:   map[leafIndex]*hashRatchet{},
		application: map[leafIndex]*hashRatchet{},
	}
	st.secrets[st.root] = encryptionSecret
	return st
}

// leafSecret derives (and caches the intermediate derivation of) the
// node secret for leaf l, consuming ancestors along the way exactly like
// the teacher's treeBaseKeySource.Get.
func (st *secretTree) leafSecret(l leafIndex) []byte {
	senderNode := toNodeIndex(l)
	d := append([]nodeIndex{senderNode}, dirpath(senderNode, st.size)...)
	// d is root-to-leaf once reversed; walk from the first populated
	// ancestor down to the leaf.
	rd := make([]nodeIndex, len(d))
	for i, n := range d {
		rd[len(d)-1-i] = n
	}

	found := -1
	for i, n := range rd {
		if _, ok := st.secrets[n]; ok {
			found = i
			break
		}
	}
	if found < 0 {
		panic("secretTree: no populated ancestor found for leaf")
	}

	for i := found; i < len(rd)-1; i++ {
		n := rd[i]
		l := left(n)
		r := right(n, st.size)
		secret := st.secrets[n]

		st.secrets[l] = expandWithLabel(st.suite, secret, "tree", encodeNodeIndex(l), st.suite.KDFExtractSize())
		st.secrets[r] = expandWithLabel(st.suite, secret, "tree", encodeNodeIndex(r), st.suite.KDFExtractSize())
		zeroize(st.secrets[n])
		delete(st.secrets, n)
	}

	out := dup(st.secrets[senderNode])
	zeroize(st.secrets[senderNode])
	delete(st.secrets, senderNode)
	return out
}

func encodeNodeIndex(n nodeIndex) []byte {
	return mustMarshal(&struct{ N uint32 }{uint32(n)})
}

func (st *secretTree) ratchetFor(l leafIndex, ct ratchetContentType) *hashRatchet {
	var m map[leafIndex]*hashRatchet
	switch ct {
	case ratchetHandshake:
		m = st.handshake
	case ratchetApplication:
		m = st.application
	default:
		panic("secretTree: unknown ratchet content type")
	}

	if r, ok := m[l]; ok {
		return r
	}

	leafSecret := st.leafSecret(l)
	handshakeSecret := expandWithLabel(st.suite, leafSecret, "handshake", []byte{}, st.suite.KDFExtractSize())
	applicationSecret := expandWithLabel(st.suite, leafSecret, "application", []byte{}, st.suite.KDFExtractSize())
	zeroize(leafSecret)

	st.handshake[l] = newHashRatchet(st.suite, handshakeSecret)
	st.application[l] = newHashRatchet(st.suite, applicationSecret)

	return m[l]
}

// next derives the next (generation, key, nonce) for sender under the
// given content type.
func (st *secretTree) next(sender leafIndex, ct ratchetContentType) (uint32, keyAndNonce) {
	return st.ratchetFor(sender, ct).next()
}

// get retrieves or fast-forwards to a specific generation's key material.
func (st *secretTree) get(sender leafIndex, ct ratchetContentType, generation uint32) (keyAndNonce, error) {
	return st.ratchetFor(sender, ct).get(generation)
}

func (st *secretTree) erase(sender leafIndex, ct ratchetContentType, generation uint32) {
	st.ratchetFor(sender, ct).erase(generation)
}

package mls

// pathSecretGenerator derives the successive path secrets described in
// spec.md §4.C: path_secret_{i+1} = ExpandWithLabel(path_secret_i,
// "path", "", Nh), grounded on aws-mls's PathSecretGenerator.
type pathSecretGenerator struct {
	suite   CipherSuiteProvider
	current []byte
	started bool
}

func newPathSecretGenerator(suite CipherSuiteProvider, firstSecret []byte) *pathSecretGenerator {
	return &pathSecretGenerator{suite: suite, current: firstSecret}
}

// next returns the next path secret in the chain. The first call returns
// the generator's seed unchanged (the leaf's own fresh path secret); every
// subsequent call derives forward.
func (g *pathSecretGenerator) next() []byte {
	if !g.started {
		g.started = true
		return dup(g.current)
	}
	next := expandWithLabel(g.suite, g.current, "path", []byte{}, g.suite.KDFExtractSize())
	zeroize(g.current)
	g.current = next
	return dup(g.current)
}

// nodeKeyPair derives the HPKE key pair for a given node secret, per
// spec.md §4.C: DeriveKeyPair(ExpandWithLabel(path_secret, "node", "", Nh)).
func nodeKeyPair(suite CipherSuiteProvider, pathSecret []byte) (sk, pk []byte, err error) {
	seed := expandWithLabel(suite, pathSecret, "node", []byte{}, suite.KDFExtractSize())
	defer zeroize(seed)
	return suite.KEMDerive(seed)
}

// UpdatePathNode is one step of an UpdatePath: the refreshed public key
// for that ancestor, plus the path secret HPKE-sealed to every public
// key in the co-path subtree's resolution (GLOSSARY "UpdatePath").
type UpdatePathNode struct {
	PublicKey             []byte           `tls:"head=2"`
	EncryptedPathSecrets  []HPKECiphertext `tls:"head=4"`
}

// HPKECiphertext is a single HPKE-sealed path secret: the KEM output and
// the AEAD ciphertext.
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=2"`
}

// UpdatePath is a LeafNode plus the vector of per-ancestor refreshed
// public keys and encrypted path secrets (GLOSSARY).
type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []UpdatePathNode `tls:"head=4"`
}

// encryptPath implements spec.md §4.C "Path encryption": given a fresh
// leaf secret, derive successive node secrets along l's filtered direct
// path, seal each to its co-path resolution's public keys with
// groupContext as AAD, and return the UpdatePath, the leaf's own new
// private key, every ancestor's new private key (the committer already
// knows these — it generated them — and must retain them for when a
// later commit finds it in a co-path resolution), and the commit secret.
func (t *RatchetTree) encryptPath(suite CipherSuiteProvider, l leafIndex, leafSecret, groupContext []byte) (path UpdatePath, leafSK, leafPK []byte, ancestorPrivKeys map[nodeIndex][]byte, commitSecret []byte, err error) {
	size := t.size()
	filtered := t.filteredDirectPath(l)

	gen := newPathSecretGenerator(suite, leafSecret)
	ancestorPrivKeys = map[nodeIndex][]byte{}

	leafSK, leafPK, err = nodeKeyPair(suite, gen.next())
	if err != nil {
		return UpdatePath{}, nil, nil, nil, nil, wrapErr(KindCrypto, "encryptPath", "derive leaf key pair", err)
	}

	nodes := make([]UpdatePathNode, 0, len(filtered))

	for i, anc := range filtered {
		pathSecret := gen.next()
		sk, pk, err := nodeKeyPair(suite, pathSecret)
		if err != nil {
			return UpdatePath{}, nil, nil, nil, nil, wrapErr(KindCrypto, "encryptPath", "derive node key pair", err)
		}
		ancestorPrivKeys[anc] = sk

		cpIdx := copath(toNodeIndex(l), size)[i]
		resolution := t.resolution(cpIdx)

		cts := make([]HPKECiphertext, 0, len(resolution))
		for _, rn := range resolution {
			recipientPK, err := t.publicKeyAt(rn)
			if err != nil {
				return UpdatePath{}, nil, nil, nil, nil, err
			}
			kemOutput, ctx, err := suite.HPKESetupS(recipientPK, []byte("mls path secret"))
			if err != nil {
				return UpdatePath{}, nil, nil, nil, nil, wrapErr(KindCrypto, "encryptPath", "hpke setup", err)
			}
			ct, err := ctx.Seal(groupContext, pathSecret)
			if err != nil {
				return UpdatePath{}, nil, nil, nil, nil, wrapErr(KindCrypto, "encryptPath", "hpke seal", err)
			}
			cts = append(cts, HPKECiphertext{KEMOutput: kemOutput, Ciphertext: ct})
		}

		nodes = append(nodes, UpdatePathNode{PublicKey: pk, EncryptedPathSecrets: cts})
	}

	commitSecret = gen.next()
	return UpdatePath{Nodes: nodes}, leafSK, leafPK, ancestorPrivKeys, commitSecret, nil
}

// locateSelfInDirectPath finds the step index (into sender's filtered
// direct path / UpdatePath.Nodes) whose co-path resolution contains
// self's leaf — the same search applyUpdatePath performs before
// decrypting, factored out so a Welcome recipient (who already has the
// plaintext path secret, not a ciphertext to open) can find the same
// starting point.
func (t *RatchetTree) locateSelfInDirectPath(sender, self leafIndex) (int, bool) {
	size := t.size()
	cp := copath(toNodeIndex(sender), size)
	for i, cpIdx := range cp {
		for _, rn := range t.resolution(cpIdx) {
			if isLeaf(rn) && toLeafIndex(rn) == self {
				return i, true
			}
		}
	}
	return 0, false
}

// installPathSecretFrom re-derives ancestor private keys from an
// already-decrypted path secret (the Welcome path, where the secret
// arrived via GroupSecrets rather than a fresh HPKE open), covering
// every ancestor from the join point up to the root — the Welcome
// counterpart of applyUpdatePath's second loop.
func (t *RatchetTree) installPathSecretFrom(suite CipherSuiteProvider, sender leafIndex, foundAt int, pathSecret []byte) (map[nodeIndex][]byte, []byte, error) {
	filtered := t.filteredDirectPath(sender)
	gen := newPathSecretGenerator(suite, pathSecret)

	ancestorPrivKeys := map[nodeIndex][]byte{}
	for i := foundAt; i < len(filtered); i++ {
		secret := gen.next()
		sk, _, err := nodeKeyPair(suite, secret)
		if err != nil {
			return nil, nil, wrapErr(KindCrypto, "installPathSecretFrom", "derive node key pair", err)
		}
		ancestorPrivKeys[filtered[i]] = sk
	}
	// One more step past the last ancestor, mirroring encryptPath's
	// post-loop gen.next() call (see applyUpdatePath).
	commitSecret := gen.next()
	return ancestorPrivKeys, commitSecret, nil
}

func (t *RatchetTree) publicKeyAt(n nodeIndex) ([]byte, error) {
	node := t.get(n)
	if node.Blank {
		return nil, newErr(KindValidation, "publicKeyAt", "resolution referenced a blank node")
	}
	if isLeaf(n) {
		return node.Leaf.HPKEPublicKey, nil
	}
	return node.Parent.PublicKey, nil
}

// applyUpdatePath installs the sender's refreshed public keys along the
// filtered direct path of sender, per spec.md §4.C "Merging". When self
// is found in some step's co-path resolution, it also decrypts that
// step's path secret and re-derives every ancestor private key from
// there up to the root — a member needs all of them, not just the
// nearest one, since any of those ancestors may appear in a future
// committer's co-path resolution for this member. It returns the map of
// newly known ancestor private keys (nodeIndex -> private key, covering
// foundAt..root) and the commit secret derived at the root.
func (t *RatchetTree) applyUpdatePath(suite CipherSuiteProvider, sender leafIndex, self leafIndex, selfSK []byte, path UpdatePath, groupContext []byte) (map[nodeIndex][]byte, []byte, error) {
	size := t.size()
	filtered := t.filteredDirectPath(sender)
	if len(filtered) != len(path.Nodes) {
		return nil, nil, newErr(KindValidation, "applyUpdatePath", "update path length mismatch")
	}

	var pathSecret []byte
	foundAt := -1

	if self != sender {
		cp := copath(toNodeIndex(sender), size)
		for i, cpIdx := range cp {
			resolution := t.resolution(cpIdx)
			for pos, rn := range resolution {
				if isLeaf(rn) && toLeafIndex(rn) == self {
					ct := path.Nodes[i].EncryptedPathSecrets[pos]
					ctxR, err := suite.HPKESetupR(ct.KEMOutput, selfSK, []byte("mls path secret"))
					if err != nil {
						return nil, nil, wrapErr(KindCrypto, "applyUpdatePath", "hpke setup r", err)
					}
					pt, err := ctxR.Open(groupContext, ct.Ciphertext)
					if err != nil {
						return nil, nil, wrapErr(KindCrypto, "applyUpdatePath", "hpke open", err)
					}
					pathSecret = pt
					foundAt = i
					break
				}
			}
			if foundAt >= 0 {
				break
			}
		}
	}

	gen := (*pathSecretGenerator)(nil)
	if pathSecret != nil {
		gen = newPathSecretGenerator(suite, pathSecret)
	}

	ancestorPrivKeys := map[nodeIndex][]byte{}

	for i, anc := range filtered {
		node := treeNode{Parent: &parentNode{PublicKey: dup(path.Nodes[i].PublicKey)}}
		t.Nodes[anc] = node

		if gen != nil && i >= foundAt {
			secret := gen.next()
			sk, _, err := nodeKeyPair(suite, secret)
			if err != nil {
				return nil, nil, wrapErr(KindCrypto, "applyUpdatePath", "derive node key pair", err)
			}
			ancestorPrivKeys[anc] = sk
		}
	}

	if gen == nil {
		if self == sender {
			// the committer's own call path: it already has the commit
			// secret from encryptPath and merely installs public keys here.
			return nil, nil, nil
		}
		return nil, nil, newErr(KindValidation, "applyUpdatePath", "self not found in sender's copath resolution")
	}

	// One more step past the last ancestor, mirroring encryptPath's
	// post-loop gen.next() call: the commit secret is the path secret
	// chain's value one past the root, not the root ancestor's own key
	// secret.
	commitSecret := gen.next()
	return ancestorPrivKeys, commitSecret, nil
}

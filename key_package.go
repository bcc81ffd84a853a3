package mls

// KeyPackage is a signed, pre-computed joining token: an init HPKE key,
// a cipher suite, and a KeyPackage-sourced LeafNode (GLOSSARY).
type KeyPackage struct {
	Version       ProtocolVersion
	CipherSuite   CipherSuite
	InitKey       []byte `tls:"head=2"`
	LeafNode      LeafNode
	Extensions    ExtensionList
	Signature     []byte `tls:"head=2"`
}

type keyPackageTBS struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     []byte `tls:"head=2"`
	LeafNode    LeafNode
	Extensions  ExtensionList
}

func (k KeyPackage) tbs() []byte {
	t := keyPackageTBS{k.Version, k.CipherSuite, k.InitKey, k.LeafNode, k.Extensions}
	return mustMarshal(&t)
}

// NewKeyPackage generates a fresh init key pair, builds and signs a
// KeyPackage-sourced LeafNode, and signs the KeyPackage itself with
// label "KeyPackageTBS". It returns the KeyPackage along with the two
// private keys the caller's keychain must retain: the leaf HPKE
// private key (used once this KeyPackage is consumed by an Add, to
// decrypt UpdatePath secrets) and the init HPKE private key (used to
// decrypt the EncryptedGroupSecrets of a Welcome addressed to this
// KeyPackage).
func NewKeyPackage(suite CipherSuiteProvider, identity SigningIdentity, sigPriv []byte, lifetime Lifetime) (kp KeyPackage, leafPriv []byte, initPriv []byte, err error) {
	initSK, initPK, err := suite.KEMGenerate()
	if err != nil {
		return KeyPackage{}, nil, nil, wrapErr(KindCrypto, "NewKeyPackage", "kem generate", err)
	}

	hpkeSK, hpkePK, err := suite.KEMGenerate()
	if err != nil {
		return KeyPackage{}, nil, nil, wrapErr(KindCrypto, "NewKeyPackage", "kem generate leaf", err)
	}

	leaf, err := newKeyPackageLeafNode(suite, hpkePK, identity, sigPriv, lifetime)
	if err != nil {
		return KeyPackage{}, nil, nil, err
	}

	kp = KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: suite.CipherSuite(),
		InitKey:     initPK,
		LeafNode:    leaf,
		Extensions:  ExtensionList{},
	}

	sig, err := signWithLabel(suite, sigPriv, "KeyPackageTBS", kp.tbs())
	if err != nil {
		return KeyPackage{}, nil, nil, err
	}
	kp.Signature = sig

	return kp, hpkeSK, initSK, nil
}

// Verify checks the KeyPackage's own signature and its embedded leaf
// node's signature, and that the leaf's lifetime covers `now`.
func (k KeyPackage) Verify(suite CipherSuiteProvider, now uint64) error {
	if !verifyWithLabel(suite, k.LeafNode.SigningIdentity.SignatureKey, "KeyPackageTBS", k.tbs(), k.Signature) {
		return newErr(KindAuthentication, "KeyPackage.Verify", "invalid key package signature")
	}
	if err := verifyLeafNodeSignature(suite, k.LeafNode, nil, 0); err != nil {
		return err
	}
	if k.LeafNode.LeafNodeSource != LeafNodeSourceKeyPackage {
		return newErr(KindValidation, "KeyPackage.Verify", "leaf node source must be key_package")
	}
	if !k.LeafNode.Lifetime.validAt(now) {
		return newErr(KindValidation, "KeyPackage.Verify", "leaf node lifetime expired")
	}
	return nil
}

// Ref is the hashed reference used to address a KeyPackage by-reference
// from storage.
func (k KeyPackage) Ref(suite CipherSuiteProvider) []byte {
	return suite.Hash(mustMarshal(&k))
}

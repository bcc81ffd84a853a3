package mls

// ProtocolVersion identifies the wire version of the MLS messages this
// engine produces and accepts.
type ProtocolVersion uint16

const ProtocolVersionMLS10 ProtocolVersion = 1

// Extension is an opaque, typed extension blob carried by LeafNodes,
// KeyPackages, GroupInfo, and the group context's extension list.
type Extension struct {
	ExtensionType uint16
	Data          []byte `tls:"head=4"`
}

// ExtensionList is a simple ordered vector of Extensions; RequiredCapabilities
// lives in this list under a well-known ExtensionType.
type ExtensionList []Extension

const requiredCapabilitiesExtensionType = uint16(0x0003)

func (l ExtensionList) find(t uint16) (Extension, bool) {
	for _, e := range l {
		if e.ExtensionType == t {
			return e, true
		}
	}
	return Extension{}, false
}

// RequiredCapabilities describes the extensions/proposal types/credential
// types every member of a group must support; it is what a
// GroupContextExtensions proposal's new value is validated against
// (spec.md §4.G).
type RequiredCapabilities struct {
	ExtensionTypes   []uint16 `tls:"head=1"`
	ProposalTypes    []uint16 `tls:"head=1"`
	CredentialTypes  []uint16 `tls:"head=1"`
}

func (l ExtensionList) RequiredCapabilities() (RequiredCapabilities, bool) {
	ext, ok := l.find(requiredCapabilitiesExtensionType)
	if !ok {
		return RequiredCapabilities{}, false
	}
	var rc RequiredCapabilities
	if _, err := unmarshal(ext.Data, &rc); err != nil {
		return RequiredCapabilities{}, false
	}
	return rc, true
}

// Capabilities advertises what a member's client can do: protocol
// versions, cipher suites, extension/proposal/credential types.
type Capabilities struct {
	Versions        []uint16 `tls:"head=1"`
	CipherSuites    []uint16 `tls:"head=1"`
	Extensions      []uint16 `tls:"head=1"`
	ProposalTypes   []uint16 `tls:"head=1"`
	CredentialTypes []uint16 `tls:"head=1"`
}

func defaultCapabilities(suite CipherSuite) Capabilities {
	return Capabilities{
		Versions:        []uint16{uint16(ProtocolVersionMLS10)},
		CipherSuites:    []uint16{uint16(suite)},
		Extensions:      []uint16{},
		ProposalTypes:   []uint16{uint16(ProposalAdd), uint16(ProposalUpdate), uint16(ProposalRemove), uint16(ProposalPSK), uint16(ProposalReInit), uint16(ProposalExternalInit), uint16(ProposalGroupContextExtensions)},
		CredentialTypes: []uint16{uint16(BasicCredential)},
	}
}

func (c Capabilities) supportsExtension(t uint16) bool {
	for _, e := range c.Extensions {
		if e == t {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsCredential(t CredentialType) bool {
	for _, e := range c.CredentialTypes {
		if e == uint16(t) {
			return true
		}
	}
	return false
}

// Lifetime bounds the validity window of a KeyPackage-sourced LeafNode.
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

func (l Lifetime) validAt(now uint64) bool {
	return now >= l.NotBefore && now <= l.NotAfter
}

// LeafNodeSource tags why a LeafNode exists: a freshly generated
// KeyPackage, a member's own Update, or a committer's path refresh.
type LeafNodeSource uint8

const (
	LeafNodeSourceKeyPackage LeafNodeSource = 1
	LeafNodeSourceUpdate     LeafNodeSource = 2
	LeafNodeSourceCommit     LeafNodeSource = 3
)

// LeafNode is the signed record placed at a ratchet-tree leaf (spec.md
// §3 "LeafNode lifecycle"). Lifetime is meaningful only for
// LeafNodeSourceKeyPackage; ParentHash only for Update/Commit.
type LeafNode struct {
	HPKEPublicKey   []byte `tls:"head=2"`
	SigningIdentity SigningIdentity
	Capabilities    Capabilities
	LeafNodeSource  LeafNodeSource
	Lifetime        Lifetime
	ParentHash      []byte `tls:"head=1"`
	Extensions      ExtensionList
	Signature       []byte `tls:"head=2"`
}

// leafNodeTBS is the to-be-signed view of a LeafNode: everything except
// the signature, plus a context that is present only for Update/Commit
// sources (spec.md §3: "context is (group_id, leaf_index) for
// Update/Commit and absent for KeyPackage").
type leafNodeTBS struct {
	HPKEPublicKey   []byte `tls:"head=2"`
	SigningIdentity SigningIdentity
	Capabilities    Capabilities
	LeafNodeSource  LeafNodeSource
	Lifetime        Lifetime
	ParentHash      []byte `tls:"head=1"`
	Extensions      ExtensionList
	GroupID         []byte `tls:"head=1"`
	LeafIndex       uint32
	hasContext      bool
}

func (t leafNodeTBS) bytes() []byte {
	body := struct {
		HPKEPublicKey   []byte `tls:"head=2"`
		SigningIdentity SigningIdentity
		Capabilities    Capabilities
		LeafNodeSource  LeafNodeSource
		Lifetime        Lifetime
		ParentHash      []byte `tls:"head=1"`
		Extensions      ExtensionList
	}{t.HPKEPublicKey, t.SigningIdentity, t.Capabilities, t.LeafNodeSource, t.Lifetime, t.ParentHash, t.Extensions}

	out := mustMarshal(&body)
	if t.hasContext {
		ctx := struct {
			GroupID   []byte `tls:"head=1"`
			LeafIndex uint32
		}{t.GroupID, t.LeafIndex}
		out = append(out, mustMarshal(&ctx)...)
	}
	return out
}

func (l LeafNode) tbs(groupID []byte, leafIndex uint32) leafNodeTBS {
	t := leafNodeTBS{
		HPKEPublicKey:   l.HPKEPublicKey,
		SigningIdentity: l.SigningIdentity,
		Capabilities:    l.Capabilities,
		LeafNodeSource:  l.LeafNodeSource,
		Lifetime:        l.Lifetime,
		ParentHash:      l.ParentHash,
		Extensions:      l.Extensions,
	}
	if l.LeafNodeSource != LeafNodeSourceKeyPackage {
		t.hasContext = true
		t.GroupID = groupID
		t.LeafIndex = leafIndex
	}
	return t
}

// signLeafNode signs a LeafNode with label "LeafNodeTBS" (spec.md §4.J).
func signLeafNode(suite CipherSuiteProvider, sk []byte, l *LeafNode, groupID []byte, leafIndex uint32) error {
	sig, err := signWithLabel(suite, sk, "LeafNodeTBS", l.tbs(groupID, leafIndex).bytes())
	if err != nil {
		return err
	}
	l.Signature = sig
	return nil
}

func verifyLeafNodeSignature(suite CipherSuiteProvider, l LeafNode, groupID []byte, leafIndex uint32) error {
	ok := verifyWithLabel(suite, l.SigningIdentity.SignatureKey, "LeafNodeTBS", l.tbs(groupID, leafIndex).bytes(), l.Signature)
	if !ok {
		return newErr(KindAuthentication, "verifyLeafNodeSignature", "invalid leaf node signature")
	}
	return nil
}

// newKeyPackageLeafNode constructs and signs a fresh KeyPackage-sourced
// LeafNode.
func newKeyPackageLeafNode(suite CipherSuiteProvider, hpkePub []byte, identity SigningIdentity, sk []byte, lifetime Lifetime) (LeafNode, error) {
	l := LeafNode{
		HPKEPublicKey:   hpkePub,
		SigningIdentity: identity,
		Capabilities:    defaultCapabilities(suite.CipherSuite()),
		LeafNodeSource:  LeafNodeSourceKeyPackage,
		Lifetime:        lifetime,
		Extensions:      ExtensionList{},
	}
	if err := signLeafNode(suite, sk, &l, nil, 0); err != nil {
		return LeafNode{}, err
	}
	return l, nil
}

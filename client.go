package mls

// Client bundles the per-endpoint storage capabilities spec.md §6 names
// as consumed, not provided: signing identities, generated KeyPackages,
// and shared PSKs. It is intentionally thin — a convenience wrapper
// over the storage interfaces and the free functions in group.go/
// key_package.go/welcome.go, not a builder (spec.md §1's explicit
// "client builder ... out of scope").
type Client struct {
	Suite      CipherSuiteProvider
	Identity   IdentityProvider
	Keychain   Keychain
	KeyPackages KeyPackageStore
	PSKs       PSKStore
}

// NewClient wires up in-memory reference storage for a single endpoint.
// A caller that needs persistence supplies its own Keychain/
// KeyPackageStore/PSKStore implementations directly on the struct.
func NewClient(suite CipherSuiteProvider, idProvider IdentityProvider) *Client {
	return &Client{
		Suite:       suite,
		Identity:    idProvider,
		Keychain:    NewMemoryKeychain(),
		KeyPackages: NewMemoryKeyPackageStore(),
		PSKs:        NewMemoryPSKStore(),
	}
}

// GenerateKeyPackage mints a fresh signature key pair for rawIdentity (a
// BasicCredential), generates and stores a KeyPackage under it, and
// returns the KeyPackage for distribution to whoever will Add this
// client to a group.
func (c *Client) GenerateKeyPackage(rawIdentity []byte, lifetime Lifetime) (KeyPackage, error) {
	sigPriv, sigPub, err := c.Suite.SignatureKeyGenerate()
	if err != nil {
		return KeyPackage{}, wrapErr(KindCrypto, "GenerateKeyPackage", "signature key generate", err)
	}
	identity := basicIdentity(sigPub, rawIdentity)
	c.Keychain.Insert(identity, sigPriv)

	kp, leafPriv, initPriv, err := NewKeyPackage(c.Suite, identity, sigPriv, lifetime)
	if err != nil {
		return KeyPackage{}, err
	}
	if err := c.KeyPackages.Store(kp.Ref(c.Suite), kp, leafPriv, initPriv); err != nil {
		return KeyPackage{}, err
	}
	return kp, nil
}

// CreateGroup starts a brand-new group with this client as its sole,
// founding member, using the key material GenerateKeyPackage stored for
// founderKP.
func (c *Client) CreateGroup(groupID []byte, founderKP KeyPackage, extensions ExtensionList) (*Group, error) {
	_, leafPriv, _, ok := c.KeyPackages.Fetch(founderKP.Ref(c.Suite))
	if !ok {
		return nil, newErr(KindValidation, "Client.CreateGroup", "unknown key package")
	}
	sigPriv, ok := c.Keychain.SigningKey(founderKP.LeafNode.SigningIdentity)
	if !ok {
		return nil, newErr(KindValidation, "Client.CreateGroup", "no signing key for founder identity")
	}
	return CreateGroup(c.Suite, c.Identity, c.PSKs, groupID, founderKP.LeafNode, leafPriv, sigPriv, extensions)
}

// JoinGroup processes a Welcome addressed to kp, a KeyPackage this
// client previously generated via GenerateKeyPackage (so its private
// keys are already in storage).
func (c *Client) JoinGroup(welcome Welcome, kp KeyPackage) (*Group, error) {
	_, leafPriv, initPriv, ok := c.KeyPackages.Fetch(kp.Ref(c.Suite))
	if !ok {
		return nil, newErr(KindValidation, "Client.JoinGroup", "unknown key package")
	}
	sigPriv, ok := c.Keychain.SigningKey(kp.LeafNode.SigningIdentity)
	if !ok {
		return nil, newErr(KindValidation, "Client.JoinGroup", "no signing key for this identity")
	}
	return joinGroupFromWelcome(c.Suite, c.Identity, c.PSKs, welcome, kp, leafPriv, sigPriv, initPriv)
}

// NewAddProposal wraps a joiner's KeyPackage in an Add proposal
// (spec.md §4.G).
func NewAddProposal(kp KeyPackage) Proposal {
	return Proposal{Type: ProposalAdd, Add: &AddProposal{KeyPackage: kp}}
}

// NewRemoveProposal names a leaf to blank (spec.md §4.G).
func NewRemoveProposal(target leafIndex) Proposal {
	return Proposal{Type: ProposalRemove, Remove: &RemoveProposal{Removed: uint32(target)}}
}

// ProposeUpdate builds and signs a fresh Update-sourced LeafNode for
// this member under newSigPriv/newLeafPub, caches the matching private
// keys so that whichever member's Commit eventually lands this Update
// this member can adopt them (see Group.selfUpdateSecrets), and returns
// the signed Propose message for distribution.
func (g *Group) ProposeUpdate(newSigPriv, newLeafPriv, newLeafPub []byte) (MLSMessage, error) {
	if err := g.checkNotTerminal("ProposeUpdate"); err != nil {
		return MLSMessage{}, err
	}

	current := mustLeaf(g.tree, g.index)
	leaf := *current
	leaf.HPKEPublicKey = dup(newLeafPub)
	leaf.LeafNodeSource = LeafNodeSourceUpdate
	leaf.ParentHash = nil
	if err := signLeafNode(g.suite, newSigPriv, &leaf, g.groupID, uint32(g.index)); err != nil {
		return MLSMessage{}, err
	}

	p := Proposal{Type: ProposalUpdate, Update: &UpdateProposal{LeafNode: leaf}}
	msg, err := g.Propose(p)
	if err != nil {
		return MLSMessage{}, err
	}

	ref := makeProposalRef(g.suite, p)
	g.selfUpdateSecrets[string(ref)] = updateSecretPair{leafPriv: dup(newLeafPriv), sigPriv: dup(newSigPriv)}
	return msg, nil
}

package mls

// GroupInfo is the signed snapshot of a just-committed epoch a Welcome
// carries (plus what an external joiner fetches out-of-band) so a
// recipient can reconstruct group state without replaying history
// (spec.md §4.I, GLOSSARY "GroupInfo").
type GroupInfo struct {
	GroupContext    GroupContext
	Extensions      ExtensionList
	ConfirmationTag ConfirmationTag
	SignerIndex     uint32
	Signature       []byte     `tls:"head=2"`
	TreeNodes       []treeNode `tls:"head=4"`
}

type groupInfoTBS struct {
	GroupContext    GroupContext
	Extensions      ExtensionList
	ConfirmationTag ConfirmationTag
	SignerIndex     uint32
	TreeNodes       []treeNode `tls:"head=4"`
}

func (g GroupInfo) tbs() []byte {
	t := groupInfoTBS{g.GroupContext, g.Extensions, g.ConfirmationTag, g.SignerIndex, g.TreeNodes}
	return mustMarshal(&t)
}

func signGroupInfo(suite CipherSuiteProvider, sk []byte, g *GroupInfo) error {
	sig, err := signWithLabel(suite, sk, "GroupInfoTBS", g.tbs())
	if err != nil {
		return err
	}
	g.Signature = sig
	return nil
}

func verifyGroupInfoSignature(suite CipherSuiteProvider, signerKey []byte, g GroupInfo) error {
	if !verifyWithLabel(suite, signerKey, "GroupInfoTBS", g.tbs(), g.Signature) {
		return newErr(KindAuthentication, "verifyGroupInfoSignature", "invalid group info signature")
	}
	return nil
}

// externalPubExtensionType is the well-known GroupInfo extension
// carrying the external-commit HPKE public key derived from
// external_secret (spec.md §4.F "External init").
const externalPubExtensionType = uint16(0x0004)

// GroupSecrets is the per-recipient plaintext a Welcome's
// EncryptedGroupSecrets entry decrypts to: the joiner secret, an
// optional path secret (present only when the recipient already has an
// ancestor on the committer's filtered direct path), and the PSK ids
// the committer resolved (spec.md §4.I).
type GroupSecrets struct {
	JoinerSecret  []byte `tls:"head=1"`
	HasPathSecret bool
	PathSecret    []byte           `tls:"head=1"`
	PSKs          []PreSharedKeyID `tls:"head=2"`
}

func (s GroupSecrets) MarshalTLS() ([]byte, error) {
	out := mustMarshal(&struct {
		JoinerSecret  []byte `tls:"head=1"`
		HasPathSecret bool
	}{s.JoinerSecret, s.HasPathSecret})
	if s.HasPathSecret {
		out = append(out, mustMarshal(&struct {
			PathSecret []byte `tls:"head=1"`
		}{s.PathSecret})...)
	}
	out = append(out, mustMarshal(&struct {
		PSKs []PreSharedKeyID `tls:"head=2"`
	}{s.PSKs})...)
	return out, nil
}

func (s *GroupSecrets) UnmarshalTLS(data []byte) (int, error) {
	var head struct {
		JoinerSecret  []byte `tls:"head=1"`
		HasPathSecret bool
	}
	n, err := unmarshal(data, &head)
	if err != nil {
		return 0, err
	}
	s.JoinerSecret, s.HasPathSecret = head.JoinerSecret, head.HasPathSecret

	if s.HasPathSecret {
		var ps struct {
			PathSecret []byte `tls:"head=1"`
		}
		m, err := unmarshal(data[n:], &ps)
		if err != nil {
			return 0, err
		}
		s.PathSecret = ps.PathSecret
		n += m
	}

	var psks struct {
		PSKs []PreSharedKeyID `tls:"head=2"`
	}
	m, err := unmarshal(data[n:], &psks)
	if err != nil {
		return 0, err
	}
	s.PSKs = psks.PSKs
	return n + m, nil
}

// EncryptedGroupSecrets addresses one new member's GroupSecrets by its
// KeyPackage reference and HPKE-seals it to that KeyPackage's init key
// (spec.md §4.I).
type EncryptedGroupSecrets struct {
	NewMember  []byte         `tls:"head=1"`
	Ciphertext HPKECiphertext
}

// Welcome bundles the encrypted GroupInfo with one EncryptedGroupSecrets
// per new joiner (spec.md §4.I, GLOSSARY "Welcome").
type Welcome struct {
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

// welcomeRecipient is one new joiner's addressing information, gathered
// by the committer from the Add proposals being applied (spec.md §4.I).
type welcomeRecipient struct {
	ref        []byte
	initPubKey []byte
	pathSecret []byte // nil when the recipient has no ancestor on the committer's filtered direct path
}

// buildWelcome implements spec.md §4.I "Welcome construction": seal
// GroupInfo under the welcome secret, then seal each recipient's
// GroupSecrets (joiner secret + its personal path secret, if any) under
// its KeyPackage's init HPKE key.
func buildWelcome(suite CipherSuiteProvider, info GroupInfo, joinerSecret, pskSecret []byte, pskIDs []PreSharedKeyID, recipients []welcomeRecipient) (Welcome, error) {
	ws := newWelcomeSecret(suite, joinerSecret, pskSecret)
	encInfo, err := ws.encrypt(mustMarshal(&info))
	if err != nil {
		return Welcome{}, err
	}

	secrets := make([]EncryptedGroupSecrets, 0, len(recipients))
	for _, r := range recipients {
		gs := GroupSecrets{
			JoinerSecret:  joinerSecret,
			HasPathSecret: r.pathSecret != nil,
			PathSecret:    r.pathSecret,
			PSKs:          pskIDs,
		}
		kemOutput, ctx, err := suite.HPKESetupS(r.initPubKey, []byte("mls welcome"))
		if err != nil {
			return Welcome{}, wrapErr(KindCrypto, "buildWelcome", "hpke setup s", err)
		}
		ct, err := ctx.Seal(nil, mustMarshal(&gs))
		if err != nil {
			return Welcome{}, wrapErr(KindCrypto, "buildWelcome", "hpke seal", err)
		}
		secrets = append(secrets, EncryptedGroupSecrets{
			NewMember:  r.ref,
			Ciphertext: HPKECiphertext{KEMOutput: kemOutput, Ciphertext: ct},
		})
	}

	return Welcome{
		CipherSuite:        suite.CipherSuite(),
		Secrets:            secrets,
		EncryptedGroupInfo: encInfo,
	}, nil
}

// derivePSKSecretFromIDs is computePSKSecret's counterpart for a joiner,
// which only has the resolved PreSharedKeyID list carried in
// GroupSecrets, not a live proposalBundle.
func derivePSKSecretFromIDs(suite CipherSuiteProvider, store PSKStore, ids []PreSharedKeyID) ([]byte, error) {
	secret := make([]byte, suite.KDFExtractSize())
	for _, id := range ids {
		raw, ok := store.Fetch(id)
		if !ok {
			return nil, newErr(KindValidation, "derivePSKSecretFromIDs", "unresolvable PSK id")
		}
		pskExtracted := expandWithLabel(suite, raw, "derived psk", mustMarshal(&id), suite.KDFExtractSize())
		secret = suite.KDFExtract(secret, pskExtracted)
	}
	return secret, nil
}

// joinGroupFromWelcome implements spec.md §4.I "Welcome processing": find
// this KeyPackage's entry, decrypt its GroupSecrets with the init
// private key, derive the welcome secret and decrypt GroupInfo, rebuild
// the tree, verify the GroupInfo signature and confirmation tag, and
// assemble the joined Group.
func joinGroupFromWelcome(suite CipherSuiteProvider, idProvider IdentityProvider, pskStore PSKStore, welcome Welcome, kp KeyPackage, leafPriv, sigPriv, initPriv []byte) (*Group, error) {
	ref := kp.Ref(suite)

	var mine *EncryptedGroupSecrets
	for i := range welcome.Secrets {
		if constantTimeEqual(welcome.Secrets[i].NewMember, ref) {
			mine = &welcome.Secrets[i]
			break
		}
	}
	if mine == nil {
		return nil, newErr(KindValidation, "joinGroupFromWelcome", "welcome has no entry for this key package")
	}

	ctxR, err := suite.HPKESetupR(mine.Ciphertext.KEMOutput, initPriv, []byte("mls welcome"))
	if err != nil {
		return nil, wrapErr(KindCrypto, "joinGroupFromWelcome", "hpke setup r", err)
	}
	pt, err := ctxR.Open(nil, mine.Ciphertext.Ciphertext)
	if err != nil {
		return nil, wrapErr(KindCrypto, "joinGroupFromWelcome", "hpke open", err)
	}

	var secrets GroupSecrets
	if _, err := unmarshal(pt, &secrets); err != nil {
		return nil, wrapErr(KindMalformed, "joinGroupFromWelcome", "decode group secrets", err)
	}

	pskSecret, err := derivePSKSecretFromIDs(suite, pskStore, secrets.PSKs)
	if err != nil {
		return nil, err
	}

	ws := newWelcomeSecret(suite, secrets.JoinerSecret, pskSecret)
	infoBytes, err := ws.decrypt(welcome.EncryptedGroupInfo)
	if err != nil {
		return nil, wrapErr(KindCrypto, "joinGroupFromWelcome", "decrypt group info", err)
	}

	var info GroupInfo
	if _, err := unmarshal(infoBytes, &info); err != nil {
		return nil, wrapErr(KindMalformed, "joinGroupFromWelcome", "decode group info", err)
	}

	tree := importRatchetTree(suite, info.TreeNodes)

	self, ok := findLeafByPublicKey(tree, kp.LeafNode.HPKEPublicKey)
	if !ok {
		return nil, newErr(KindValidation, "joinGroupFromWelcome", "joiner's own leaf not found in welcomed tree")
	}

	signerLeaf, ok := tree.leafAt(leafIndex(info.SignerIndex))
	if !ok {
		return nil, newErr(KindValidation, "joinGroupFromWelcome", "group info signer leaf is blank")
	}
	if err := verifyGroupInfoSignature(suite, signerLeaf.SigningIdentity.SignatureKey, info); err != nil {
		return nil, err
	}
	if err := verifyConfirmationTag(suite, mustDeriveConfirmationKey(suite, secrets.JoinerSecret, pskSecret, info.GroupContext, tree.size()), info.GroupContext.ConfirmedTranscriptHash, info.ConfirmationTag); err != nil {
		return nil, err
	}

	ksr := FromJoiner(suite, secrets.JoinerSecret, info.GroupContext, tree.size(), pskSecret)

	g := &Group{
		suite:            suite,
		idProvider:       idProvider,
		pskStore:         pskStore,
		groupID:          dup(info.GroupContext.GroupID),
		epoch:            info.GroupContext.Epoch,
		tree:             tree,
		context:          info.GroupContext,
		transcript:       transcript{confirmed: dup(info.GroupContext.ConfirmedTranscriptHash), interim: advanceInterim(suite, info.GroupContext.ConfirmedTranscriptHash, info.ConfirmationTag)},
		keySchedule:      ksr.KeySchedule,
		confirmationKey:  ksr.ConfirmationKey,
		epochSecrets:     ksr.EpochSecrets,
		index:            self,
		sigPriv:          dup(sigPriv),
		leafPriv:          leafPriv,
		ancestorPrivKeys:  map[nodeIndex][]byte{},
		pendingProposals:  map[string]Proposal{},
		pendingSenders:    map[string]leafIndex{},
		selfUpdateSecrets: map[string]updateSecretPair{},
	}

	if secrets.HasPathSecret {
		foundAt, ok := tree.locateSelfInDirectPath(leafIndex(info.SignerIndex), self)
		if !ok {
			return nil, newErr(KindValidation, "joinGroupFromWelcome", "path secret present but joiner not on committer's path")
		}
		ancestorPrivKeys, _, err := tree.installPathSecretFrom(suite, leafIndex(info.SignerIndex), foundAt, secrets.PathSecret)
		if err != nil {
			return nil, err
		}
		g.ancestorPrivKeys = ancestorPrivKeys
	}

	return g, nil
}

// mustDeriveConfirmationKey recomputes the confirmation key a joiner
// needs to check the Welcome's GroupInfo confirmation tag — exactly the
// same ladder FromJoiner runs, kept separate so the signature-then-tag
// checks above can short-circuit before the full KeyScheduleResult is
// retained.
func mustDeriveConfirmationKey(suite CipherSuiteProvider, joinerSecret, pskSecret []byte, context GroupContext, size leafCount) []byte {
	return FromJoiner(suite, joinerSecret, context, size, pskSecret).ConfirmationKey
}

// findLeafByPublicKey locates a leaf by its HPKE public key — used by a
// joiner, who doesn't yet know its own assigned leaf index, to find
// itself in the welcomed tree.
func findLeafByPublicKey(tree *RatchetTree, pub []byte) (leafIndex, bool) {
	for l := leafIndex(0); l < leafIndex(tree.size()); l++ {
		leaf, ok := tree.leafAt(l)
		if !ok {
			continue
		}
		if constantTimeEqual(leaf.HPKEPublicKey, pub) {
			return l, true
		}
	}
	return 0, false
}


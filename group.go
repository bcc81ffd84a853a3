package mls

import "sort"

// Group is a single member's view of one MLS group's current epoch
// (spec.md §2 "System overview", §3 "Data model"). Every exported
// operation either produces an outbound MLSMessage or consumes an
// inbound one; there is no other way to observe or mutate group state.
type Group struct {
	suite      CipherSuiteProvider
	idProvider IdentityProvider
	pskStore   PSKStore

	groupID []byte
	epoch   uint64
	tree    *RatchetTree
	context GroupContext

	transcript      transcript
	keySchedule     KeySchedule
	confirmationKey []byte
	epochSecrets    EpochSecrets

	index    leafIndex
	sigPriv  []byte
	leafPriv []byte

	// ancestorPrivKeys holds this member's private key for every
	// ratchet-tree node it currently knows the secret of: its own leaf's
	// direct-path ancestors, refreshed every time a path update (its own
	// or one it was a resolution member of) touches them.
	ancestorPrivKeys map[nodeIndex][]byte

	// pendingProposals/pendingSenders cache PublicMessages carrying
	// Proposals this member has seen (sent or received) since the last
	// Commit, keyed by ProposalRef, so a later Commit can address them
	// by reference (spec.md §3 "Proposal bundle").
	pendingProposals map[string]Proposal
	pendingSenders   map[string]leafIndex

	// selfUpdateSecrets holds the new leaf/signature private keys for any
	// Update proposal this member has authored and cached locally, keyed
	// by the same ProposalRef as pendingProposals, so that whichever
	// member's Commit eventually lands this Update, this member (not the
	// committer) can adopt the matching private keys (spec.md §8's
	// "member i proposes Update, member i+1 commits it" scenario).
	selfUpdateSecrets map[string]updateSecretPair

	pendingReInit *ReInitProposal
}

// updateSecretPair is the private-key half of a self-authored Update
// proposal, retained until that proposal is committed (by this member
// or another) or superseded by a fresh epoch.
type updateSecretPair struct {
	leafPriv []byte
	sigPriv  []byte
}

// CreateGroup starts a brand-new single-member group at epoch 0
// (spec.md §4.H "Group creation"; the teacher predates a unified
// creation path, so this is grounded directly on aws-mls's
// Group::new-equivalent bootstrap in key_schedule.rs's epoch-0 tests).
func CreateGroup(suite CipherSuiteProvider, idProvider IdentityProvider, pskStore PSKStore, groupID []byte, creator LeafNode, leafPriv, sigPriv []byte, extensions ExtensionList) (*Group, error) {
	tree := newRatchetTree(suite)
	idx := tree.addLeaf(creator)

	context := GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             suite.CipherSuite(),
		GroupID:                 dup(groupID),
		Epoch:                   0,
		TreeHash:                tree.rootHash(),
		ConfirmedTranscriptHash: []byte{},
		Extensions:              extensions,
	}

	ksr, err := FromRandomEpochSecret(suite, tree.size())
	if err != nil {
		return nil, err
	}

	return &Group{
		suite:            suite,
		idProvider:       idProvider,
		pskStore:         pskStore,
		groupID:          dup(groupID),
		epoch:            0,
		tree:             tree,
		context:          context,
		transcript:       newTranscript(),
		keySchedule:      ksr.KeySchedule,
		confirmationKey:  ksr.ConfirmationKey,
		epochSecrets:     ksr.EpochSecrets,
		index:            idx,
		sigPriv:          dup(sigPriv),
		leafPriv:         dup(leafPriv),
		ancestorPrivKeys: map[nodeIndex][]byte{},
		pendingProposals: map[string]Proposal{},
		pendingSenders:   map[string]leafIndex{},
		selfUpdateSecrets: map[string]updateSecretPair{},
	}, nil
}

func (g *Group) checkNotTerminal(op string) error {
	if g.pendingReInit != nil {
		return ErrPendingReInit
	}
	return nil
}

// buildOwnPublicMessage wraps a FramedContent body in a
// signature and (for a member sender) a membership tag, against the
// current epoch's context — the common path every Propose/Commit
// outbound message takes (spec.md §4.J).
func (g *Group) buildOwnPublicMessage(contentType ContentType, body func(*FramedContent)) (PublicMessage, AuthenticatedContent, error) {
	content := FramedContent{
		GroupID:     dup(g.groupID),
		Epoch:       g.epoch,
		Sender:      Sender{SenderType: SenderTypeMember, LeafIndex: uint32(g.index)},
		ContentType: contentType,
	}
	body(&content)

	ac, err := newAuthenticatedContent(g.suite, g.sigPriv, WireFormatPublicMessage, content, g.context.bytes())
	if err != nil {
		return PublicMessage{}, AuthenticatedContent{}, err
	}

	tbs := framedContentTBSBytes(WireFormatPublicMessage, content, g.context.bytes())
	authBytes := mustMarshal(&ac.Auth)
	tag, err := g.keySchedule.GetMembershipTag(tbs, authBytes)
	if err != nil {
		return PublicMessage{}, AuthenticatedContent{}, err
	}

	pm := PublicMessage{
		Content:          ac.Content,
		Auth:             ac.Auth,
		HasMembershipTag: true,
		MembershipTag:    tag,
	}
	return pm, ac, nil
}

// Propose implements spec.md §4.G: wrap a single Proposal in a signed,
// membership-tagged PublicMessage, cache it locally for a future
// Commit, and return it for distribution to the rest of the group.
func (g *Group) Propose(p Proposal) (MLSMessage, error) {
	if err := g.checkNotTerminal("Propose"); err != nil {
		return MLSMessage{}, err
	}

	pm, ac, err := g.buildOwnPublicMessage(ContentTypeProposal, func(c *FramedContent) { c.Proposal = p })
	if err != nil {
		return MLSMessage{}, err
	}

	ref := makeProposalRef(g.suite, p)
	g.pendingProposals[string(ref)] = p
	if p.Type == ProposalUpdate {
		g.pendingSenders[string(ref)] = g.index
	}

	_ = ac
	return MLSMessage{Version: ProtocolVersionMLS10, Wire: WireFormatPublicMessage, PublicMessage: &pm}, nil
}

// pendingRefs returns every currently cached proposal as a by-reference
// ProposalOrRef, in insertion-independent but deterministic (sorted)
// order so two calls over the same pending set produce the same bundle.
func (g *Group) pendingRefs() []ProposalOrRef {
	refs := make([]ProposalOrRef, 0, len(g.pendingProposals))
	for ref := range g.pendingProposals {
		refs = append(refs, ProposalOrRef{IsRef: true, Ref: ProposalRef(ref)})
	}
	sort.Slice(refs, func(i, j int) bool { return string(refs[i].Ref) < string(refs[j].Ref) })
	return refs
}

// CommitResult is what a successful Commit (sender or receiver side)
// produces: the new epoch number and, for the sender, the Welcome for
// any members added this epoch.
type CommitResult struct {
	Epoch   uint64
	Welcome *Welcome
}

// Commit implements spec.md §4.H: resolve the pending proposal bundle
// (plus any proposals passed by value), validate and apply it to a
// disposable tree copy, optionally refresh this member's own path,
// advance the key schedule, and emit the signed Commit plus a Welcome
// for any joiners. On success the Group's own state is advanced in
// place; on any error the Group is left exactly as it was.
func (g *Group) Commit(extra []Proposal, updatePath bool) (MLSMessage, *CommitResult, error) {
	if err := g.checkNotTerminal("Commit"); err != nil {
		return MLSMessage{}, nil, err
	}

	refs := g.pendingRefs()
	for _, p := range extra {
		refs = append(refs, ProposalOrRef{IsRef: false, Value: p})
	}

	bundle, err := resolveProposals(g.pendingProposals, refs)
	if err != nil {
		return MLSMessage{}, nil, err
	}
	if err := resolveUpdateProposals(bundle, g.pendingSenders, g.pendingProposals, refs); err != nil {
		return MLSMessage{}, nil, err
	}

	provisional := g.tree.clone()
	addedLeaves, err := applyProposalBundle(g.suite, g.idProvider, provisional, bundle, g.context.bytes())
	if err != nil {
		return MLSMessage{}, nil, err
	}

	pskSecret, err := computePSKSecret(g.suite, g.pskStore, bundle)
	if err != nil {
		return MLSMessage{}, nil, err
	}

	commit := Commit{Proposals: refs}

	var leafSK []byte
	var newAncestorPrivKeys map[nodeIndex][]byte
	var commitSecret []byte
	var recipients []welcomeRecipient

	if updatePath || len(bundle.removes) > 0 || bundle.reinit != nil {
		leafSecret, err := g.suite.RandomBytes(g.suite.KDFExtractSize())
		if err != nil {
			return MLSMessage{}, nil, wrapErr(KindCrypto, "Commit", "random leaf secret", err)
		}

		newLeaf := *mustLeaf(provisional, g.index)
		newLeaf.LeafNodeSource = LeafNodeSourceCommit

		path, sk, pk, ancestorKeys, cs, err := provisional.encryptPath(g.suite, g.index, leafSecret, g.context.bytes())
		if err != nil {
			return MLSMessage{}, nil, err
		}
		newLeaf.HPKEPublicKey = pk

		// Install the freshly derived ancestor public keys into the
		// provisional tree (clearing their unmerged-leaves lists) before
		// computing the parent hash chain or snapshotting tree nodes into
		// a GroupInfo: both need the new keys, not the pre-commit ones.
		if _, _, err := provisional.applyUpdatePath(g.suite, g.index, g.index, nil, path, g.context.bytes()); err != nil {
			return MLSMessage{}, nil, err
		}
		provisional.setParentHashChain(g.index, &newLeaf.ParentHash)
		if err := signLeafNode(g.suite, g.sigPriv, &newLeaf, g.groupID, uint32(g.index)); err != nil {
			return MLSMessage{}, nil, err
		}
		path.LeafNode = newLeaf
		provisional.updateLeaf(g.index, newLeaf)

		leafSK, newAncestorPrivKeys, commitSecret = sk, ancestorKeys, cs
		commit.HasPath = true
		commit.Path = path

		recipients = gatherWelcomeRecipients(g.suite, bundle.adds, leafSecret, provisional, g.index)
	} else {
		commitSecret = make([]byte, g.suite.KDFExtractSize())
		recipients = gatherWelcomeRecipients(g.suite, bundle.adds, nil, provisional, g.index)
	}

	pm, ac, err := g.buildOwnPublicMessage(ContentTypeCommit, func(c *FramedContent) { c.Commit = commit })
	_ = pm
	if err != nil {
		return MLSMessage{}, nil, err
	}

	contentBytes := contentWithoutAuth(WireFormatPublicMessage, ac.Content)
	confirmedHash := g.transcript.advanceConfirmed(g.suite, contentBytes)

	newExtensions := g.context.Extensions
	if bundle.groupContextExts != nil {
		newExtensions = bundle.groupContextExts.Extensions
	}

	newContext := GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             g.suite.CipherSuite(),
		GroupID:                 dup(g.groupID),
		Epoch:                   g.epoch + 1,
		TreeHash:                provisional.rootHash(),
		ConfirmedTranscriptHash: confirmedHash,
		Extensions:              newExtensions,
	}

	ksr := FromKeySchedule(g.keySchedule, commitSecret, newContext, provisional.size(), pskSecret)
	confirmationTag := computeConfirmationTag(g.suite, ksr.ConfirmationKey, confirmedHash)

	finalAC := ac
	finalAC.Auth.HasConfirmation = true
	finalAC.Auth.Confirmation = confirmationTag
	finalPM := PublicMessage{Content: finalAC.Content, Auth: finalAC.Auth}
	tbs := framedContentTBSBytes(WireFormatPublicMessage, finalAC.Content, g.context.bytes())
	tag, err := g.keySchedule.GetMembershipTag(tbs, mustMarshal(&finalAC.Auth))
	if err != nil {
		return MLSMessage{}, nil, err
	}
	finalPM.HasMembershipTag = true
	finalPM.MembershipTag = tag

	var welcome *Welcome
	if len(recipients) > 0 {
		info := GroupInfo{
			GroupContext:    newContext,
			Extensions:      ExtensionList{},
			ConfirmationTag: confirmationTag,
			SignerIndex:     uint32(g.index),
			TreeNodes:       provisional.Nodes,
		}
		if err := signGroupInfo(g.suite, g.sigPriv, &info); err != nil {
			return MLSMessage{}, nil, err
		}
		w, err := buildWelcome(g.suite, info, ksr.JoinerSecret, pskSecret, pskIDsOf(bundle), recipients)
		if err != nil {
			return MLSMessage{}, nil, err
		}
		welcome = &w
	}

	g.tree = provisional
	g.context = newContext
	g.epoch = newContext.Epoch
	g.keySchedule = ksr.KeySchedule
	g.confirmationKey = ksr.ConfirmationKey
	g.epochSecrets = ksr.EpochSecrets
	g.transcript = transcript{confirmed: confirmedHash, interim: advanceInterim(g.suite, confirmedHash, confirmationTag)}
	if leafSK != nil {
		g.leafPriv = leafSK
	} else if _, selfUpdated := bundle.updates[g.index]; selfUpdated {
		if lp, sp, ok := g.consumeSelfUpdateSecret(refs, true); ok {
			g.leafPriv = lp
			g.sigPriv = sp
		}
	}
	for n, sk := range newAncestorPrivKeys {
		g.ancestorPrivKeys[n] = sk
	}
	_ = addedLeaves

	g.pendingProposals = map[string]Proposal{}
	g.pendingSenders = map[string]leafIndex{}
	g.selfUpdateSecrets = map[string]updateSecretPair{}
	if bundle.reinit != nil {
		g.pendingReInit = bundle.reinit
	}

	msg := MLSMessage{Version: ProtocolVersionMLS10, Wire: WireFormatPublicMessage, PublicMessage: &finalPM}
	return msg, &CommitResult{Epoch: g.epoch, Welcome: welcome}, nil
}

// consumeSelfUpdateSecret looks up the private keys cached for a
// self-authored Update proposal among the refs a just-applied Commit
// carried, returning ok=false when this member did not author the
// Update landing on its own leaf this epoch.
func (g *Group) consumeSelfUpdateSecret(refsUsed []ProposalOrRef, selfUpdated bool) (leafPriv, sigPriv []byte, ok bool) {
	if !selfUpdated {
		return nil, nil, false
	}
	for _, r := range refsUsed {
		if !r.IsRef {
			continue
		}
		if pair, have := g.selfUpdateSecrets[string(r.Ref)]; have {
			return pair.leafPriv, pair.sigPriv, true
		}
	}
	return nil, nil, false
}

func mustLeaf(t *RatchetTree, l leafIndex) *LeafNode {
	leaf, ok := t.leafAt(l)
	if !ok {
		panic("mustLeaf: own leaf unexpectedly blank")
	}
	return leaf
}

func pskIDsOf(bundle *proposalBundle) []PreSharedKeyID {
	ids := make([]PreSharedKeyID, 0, len(bundle.psks))
	for _, p := range bundle.psks {
		ids = append(ids, p.PSK)
	}
	return ids
}

// gatherWelcomeRecipients builds the per-joiner addressing the Welcome
// needs: the KeyPackage ref, its init public key, and — when the
// joiner's assigned leaf has an ancestor on the committer's filtered
// direct path — the path secret at that point (spec.md §4.I).
func gatherWelcomeRecipients(suite CipherSuiteProvider, adds []AddProposal, leafSecret []byte, tree *RatchetTree, committer leafIndex) []welcomeRecipient {
	out := make([]welcomeRecipient, 0, len(adds))
	for _, add := range adds {
		joinerLeaf, ok := findLeafByPublicKey(tree, add.KeyPackage.LeafNode.HPKEPublicKey)
		if !ok {
			continue
		}

		r := welcomeRecipient{ref: add.KeyPackage.Ref(suite), initPubKey: add.KeyPackage.InitKey}
		if leafSecret != nil {
			if foundAt, ok := tree.locateSelfInDirectPath(committer, joinerLeaf); ok {
				gen := newPathSecretGenerator(suite, leafSecret)
				gen.next() // leaf secret itself, not a path step
				var step []byte
				for i := 0; i <= foundAt; i++ {
					step = gen.next()
				}
				r.pathSecret = step
			}
		}
		out = append(out, r)
	}
	return out
}

// HandlePublicMessage processes an inbound PublicMessage against this
// Group's current epoch (spec.md §4.H "Receive processing"). Proposal
// messages are cached for a future Commit; Commit messages are
// validated and applied, advancing the epoch; Application messages
// (rare on the plaintext wire format, but legal) are returned decoded.
func (g *Group) HandlePublicMessage(pm PublicMessage) (*CommitResult, []byte, error) {
	if err := g.checkNotTerminal("HandlePublicMessage"); err != nil {
		return nil, nil, err
	}
	if pm.Content.Epoch != g.epoch {
		return nil, nil, ErrStateMismatch
	}

	ac := pm.asAuthenticatedContent()

	if ac.Content.Sender.SenderType == SenderTypeNewMemberCommit {
		if ac.Content.ContentType != ContentTypeCommit || !ac.Content.Commit.HasPath {
			return nil, nil, newErr(KindValidation, "HandlePublicMessage", "new member commit sender requires a path-bearing Commit")
		}
		newMemberLeaf := ac.Content.Commit.Path.LeafNode
		if err := verifyContentSignature(g.suite, newMemberLeaf.SigningIdentity.SignatureKey, ac, g.context.bytes()); err != nil {
			return nil, nil, err
		}
		res, err := g.applyIncomingExternalCommit(ac, newMemberLeaf)
		if err != nil {
			return nil, nil, err
		}
		return res, nil, nil
	}

	senderLeaf, err := g.senderLeafFor(ac.Content.Sender)
	if err != nil {
		return nil, nil, err
	}

	if err := verifyContentSignature(g.suite, senderLeaf.SigningIdentity.SignatureKey, ac, g.context.bytes()); err != nil {
		return nil, nil, err
	}
	if ac.Content.Sender.SenderType == SenderTypeMember {
		tbs := framedContentTBSBytes(WireFormatPublicMessage, ac.Content, g.context.bytes())
		if err := verifyMembershipTag(g.suite, g.keySchedule.MembershipKey, tbs, mustMarshal(&ac.Auth), pm.MembershipTag); err != nil {
			return nil, nil, err
		}
	}

	switch ac.Content.ContentType {
	case ContentTypeProposal:
		ref := makeProposalRef(g.suite, ac.Content.Proposal)
		g.pendingProposals[string(ref)] = ac.Content.Proposal
		if ac.Content.Proposal.Type == ProposalUpdate {
			g.pendingSenders[string(ref)] = leafIndex(ac.Content.Sender.LeafIndex)
		}
		return nil, nil, nil

	case ContentTypeCommit:
		res, err := g.applyIncomingCommit(ac)
		if err != nil {
			return nil, nil, err
		}
		return res, nil, nil

	case ContentTypeApplication:
		return nil, ac.Content.Application, nil

	default:
		return nil, nil, newErr(KindUnsupported, "HandlePublicMessage", "unknown content type")
	}
}

func (g *Group) senderLeafFor(s Sender) (*LeafNode, error) {
	switch s.SenderType {
	case SenderTypeMember:
		leaf, ok := g.tree.leafAt(leafIndex(s.LeafIndex))
		if !ok {
			return nil, newErr(KindValidation, "senderLeafFor", "sender leaf is blank")
		}
		return leaf, nil
	default:
		return nil, newErr(KindUnsupported, "senderLeafFor", "external/new-member senders require out-of-band verification")
	}
}

// applyIncomingCommit is the receiver-side counterpart of Commit: given
// an already signature/membership-tag-verified Commit AuthenticatedContent,
// resolve and apply its proposal bundle, merge its UpdatePath (decrypting
// this member's own copy of the path secret if present), advance the key
// schedule identically to the sender, and verify the resulting
// confirmation tag (spec.md §4.H, §8 "Commit agreement").
func (g *Group) applyIncomingCommit(ac AuthenticatedContent) (*CommitResult, error) {
	commit := ac.Content.Commit
	bundle, err := resolveProposals(g.pendingProposals, commit.Proposals)
	if err != nil {
		return nil, err
	}
	if err := resolveUpdateProposals(bundle, g.pendingSenders, g.pendingProposals, commit.Proposals); err != nil {
		return nil, err
	}

	sender := leafIndex(ac.Content.Sender.LeafIndex)

	provisional := g.tree.clone()
	if _, err := applyProposalBundle(g.suite, g.idProvider, provisional, bundle, g.context.bytes()); err != nil {
		return nil, err
	}

	pskSecret, err := computePSKSecret(g.suite, g.pskStore, bundle)
	if err != nil {
		return nil, err
	}

	var commitSecret []byte
	var newAncestorPrivKeys map[nodeIndex][]byte

	if commit.HasPath {
		provisional.updateLeaf(sender, commit.Path.LeafNode)
		keys, cs, err := provisional.applyUpdatePath(g.suite, sender, g.index, g.leafPriv, commit.Path, g.context.bytes())
		if err != nil {
			return nil, err
		}
		if err := provisional.verifyParentHashChain(sender); err != nil {
			return nil, err
		}
		newAncestorPrivKeys, commitSecret = keys, cs
		if commitSecret == nil {
			commitSecret = make([]byte, g.suite.KDFExtractSize())
		}
	} else {
		commitSecret = make([]byte, g.suite.KDFExtractSize())
	}

	contentBytes := contentWithoutAuth(ac.WireFormat, ac.Content)
	confirmedHash := g.transcript.advanceConfirmed(g.suite, contentBytes)

	newExtensions := g.context.Extensions
	if bundle.groupContextExts != nil {
		newExtensions = bundle.groupContextExts.Extensions
	}

	newContext := GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             g.suite.CipherSuite(),
		GroupID:                 dup(g.groupID),
		Epoch:                   g.epoch + 1,
		TreeHash:                provisional.rootHash(),
		ConfirmedTranscriptHash: confirmedHash,
		Extensions:              newExtensions,
	}

	ksr := FromKeySchedule(g.keySchedule, commitSecret, newContext, provisional.size(), pskSecret)

	if err := verifyConfirmationTag(g.suite, ksr.ConfirmationKey, confirmedHash, ac.Auth.Confirmation); err != nil {
		return nil, err
	}

	g.tree = provisional
	g.context = newContext
	g.epoch = newContext.Epoch
	g.keySchedule = ksr.KeySchedule
	g.confirmationKey = ksr.ConfirmationKey
	g.epochSecrets = ksr.EpochSecrets
	g.transcript = transcript{confirmed: confirmedHash, interim: advanceInterim(g.suite, confirmedHash, ac.Auth.Confirmation)}
	if _, selfUpdated := bundle.updates[g.index]; selfUpdated {
		if lp, sp, ok := g.consumeSelfUpdateSecret(commit.Proposals, true); ok {
			g.leafPriv = lp
			g.sigPriv = sp
		}
	}
	for n, sk := range newAncestorPrivKeys {
		g.ancestorPrivKeys[n] = sk
	}

	g.pendingProposals = map[string]Proposal{}
	g.pendingSenders = map[string]leafIndex{}
	g.selfUpdateSecrets = map[string]updateSecretPair{}
	if bundle.reinit != nil {
		g.pendingReInit = bundle.reinit
	}

	return &CommitResult{Epoch: g.epoch}, nil
}

// Protect encrypts an application message under this member's
// application ratchet at the current epoch (spec.md §4.C "Secret tree",
// §6 "Protect/Unprotect").
func (g *Group) Protect(plaintext []byte) (MLSMessage, error) {
	if err := g.checkNotTerminal("Protect"); err != nil {
		return MLSMessage{}, err
	}

	generation, kn := g.epochSecrets.SecretTree.next(g.index, ratchetApplication)
	defer kn.erase()

	content := FramedContent{
		GroupID:     dup(g.groupID),
		Epoch:       g.epoch,
		Sender:      Sender{SenderType: SenderTypeMember, LeafIndex: uint32(g.index)},
		ContentType: ContentTypeApplication,
		Application: plaintext,
	}

	sig, err := signWithLabel(g.suite, g.sigPriv, "FramedContentTBS", framedContentTBSBytes(WireFormatPrivateMessage, content, g.context.bytes()))
	if err != nil {
		return MLSMessage{}, err
	}

	inner := mustMarshal(&struct {
		Content   FramedContent
		Signature []byte `tls:"head=2"`
	}{content, sig})

	var reuseGuard [4]byte
	if _, err := copyRandom(g.suite, reuseGuard[:]); err != nil {
		return MLSMessage{}, err
	}
	nonce := applyReuseGuard(kn.Nonce, reuseGuard)

	ciphertext, err := g.suite.AEADSeal(kn.Key, inner, g.groupID, nonce)
	if err != nil {
		return MLSMessage{}, wrapErr(KindCrypto, "Protect", "aead seal", err)
	}

	sd := SenderData{LeafIndex: uint32(g.index), Generation: generation, ReuseGuard: reuseGuard}
	sdBytes := mustMarshal(&sd)
	sdKeyNonce := senderDataKeyNonce(g.suite, g.epochSecrets.SenderDataSecret, ciphertext)
	encSD, err := g.suite.AEADSeal(sdKeyNonce.Key, sdBytes, g.groupID, sdKeyNonce.Nonce)
	if err != nil {
		return MLSMessage{}, wrapErr(KindCrypto, "Protect", "seal sender data", err)
	}

	pmsg := PrivateMessage{
		GroupID:             dup(g.groupID),
		Epoch:               g.epoch,
		ContentType:         ContentTypeApplication,
		EncryptedSenderData: encSD,
		Ciphertext:          ciphertext,
	}
	return MLSMessage{Version: ProtocolVersionMLS10, Wire: WireFormatPrivateMessage, PrivateMessage: &pmsg}, nil
}

// Unprotect decrypts a PrivateMessage produced by Protect, verifying its
// embedded signature under the sender leaf's signing key.
func (g *Group) Unprotect(pmsg PrivateMessage) ([]byte, error) {
	if err := g.checkNotTerminal("Unprotect"); err != nil {
		return nil, err
	}
	if pmsg.Epoch != g.epoch {
		return nil, ErrStateMismatch
	}

	sdKeyNonce := senderDataKeyNonce(g.suite, g.epochSecrets.SenderDataSecret, pmsg.Ciphertext)
	sdBytes, err := g.suite.AEADOpen(sdKeyNonce.Key, pmsg.EncryptedSenderData, pmsg.GroupID, sdKeyNonce.Nonce)
	if err != nil {
		return nil, wrapErr(KindCrypto, "Unprotect", "open sender data", err)
	}
	var sd SenderData
	if _, err := unmarshal(sdBytes, &sd); err != nil {
		return nil, wrapErr(KindMalformed, "Unprotect", "decode sender data", err)
	}

	kn, err := g.epochSecrets.SecretTree.get(leafIndex(sd.LeafIndex), ratchetApplication, sd.Generation)
	if err != nil {
		return nil, err
	}
	defer kn.erase()

	nonce := applyReuseGuard(kn.Nonce, sd.ReuseGuard)
	inner, err := g.suite.AEADOpen(kn.Key, pmsg.Ciphertext, pmsg.GroupID, nonce)
	if err != nil {
		return nil, wrapErr(KindCrypto, "Unprotect", "aead open", err)
	}

	var body struct {
		Content   FramedContent
		Signature []byte `tls:"head=2"`
	}
	if _, err := unmarshal(inner, &body); err != nil {
		return nil, wrapErr(KindMalformed, "Unprotect", "decode content", err)
	}

	senderLeaf, ok := g.tree.leafAt(leafIndex(sd.LeafIndex))
	if !ok {
		return nil, newErr(KindValidation, "Unprotect", "sender leaf is blank")
	}
	tbs := framedContentTBSBytes(WireFormatPrivateMessage, body.Content, g.context.bytes())
	if !verifyWithLabel(g.suite, senderLeaf.SigningIdentity.SignatureKey, "FramedContentTBS", tbs, body.Signature) {
		return nil, newErr(KindAuthentication, "Unprotect", "invalid application message signature")
	}

	g.epochSecrets.SecretTree.erase(leafIndex(sd.LeafIndex), ratchetApplication, sd.Generation)
	return body.Content.Application, nil
}

func copyRandom(suite CipherSuiteProvider, dst []byte) (int, error) {
	r, err := suite.RandomBytes(len(dst))
	if err != nil {
		return 0, wrapErr(KindCrypto, "copyRandom", "random bytes", err)
	}
	copy(dst, r)
	return len(dst), nil
}

func applyReuseGuard(nonce []byte, guard [4]byte) []byte {
	out := dup(nonce)
	for i := 0; i < 4 && i < len(out); i++ {
		out[i] ^= guard[i]
	}
	return out
}

// senderDataKeyNonce derives the AEAD key/nonce that protects a
// PrivateMessage's SenderData header, per spec.md §4.F's
// sender_data_secret: both are keyed off the first bytes of the
// message's main ciphertext so recipients don't need the generation
// counter before they can even find the header.
func senderDataKeyNonce(suite CipherSuiteProvider, senderDataSecret, ciphertext []byte) keyAndNonce {
	sample := ciphertext
	if len(sample) > 16 {
		sample = sample[:16]
	}
	key := expandWithLabel(suite, senderDataSecret, "key", sample, suite.AEADKeySize())
	nonce := expandWithLabel(suite, senderDataSecret, "nonce", sample, suite.AEADNonceSize())
	return keyAndNonce{Key: key, Nonce: nonce}
}

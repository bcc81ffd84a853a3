package mls

// ExportGroupInfo produces a signed snapshot of this member's current
// epoch, with the external-pub extension populated from this epoch's
// external_secret, for out-of-band distribution to a prospective joiner
// (spec.md §4.I "External commit"). Any current member may call this;
// it neither mutates nor advances this Group's state.
func (g *Group) ExportGroupInfo() (GroupInfo, error) {
	_, externalPub, err := g.keySchedule.GetExternalKeyPair()
	if err != nil {
		return GroupInfo{}, err
	}

	extensions := make(ExtensionList, len(g.context.Extensions), len(g.context.Extensions)+1)
	copy(extensions, g.context.Extensions)
	extensions = append(extensions, Extension{ExtensionType: externalPubExtensionType, Data: externalPub})

	info := GroupInfo{
		GroupContext:    g.context,
		Extensions:      extensions,
		ConfirmationTag: computeConfirmationTag(g.suite, g.confirmationKey, g.context.ConfirmedTranscriptHash),
		SignerIndex:     uint32(g.index),
		TreeNodes:       g.tree.Nodes,
	}
	if err := signGroupInfo(g.suite, g.sigPriv, &info); err != nil {
		return GroupInfo{}, err
	}
	return info, nil
}

// NewExternalCommit implements the joiner side of spec.md §4.I "External
// commit": given a GroupInfo fetched out-of-band (ExportGroupInfo's
// output, distributed by whatever channel the application uses instead
// of a Welcome), build a Commit whose bundle is an ExternalInit
// proposal carrying the KEM output the joiner encapsulated to the
// group's external public key, and a path update that both refreshes
// the tree's forward secrecy and introduces the joiner's own
// Commit-sourced LeafNode at the position it will occupy. identity/
// sigPriv are the joiner's own fresh signing identity and key — an
// external joiner has no pre-existing KeyPackage to reuse, since
// skipping one is the entire point of this path.
func NewExternalCommit(suite CipherSuiteProvider, idProvider IdentityProvider, pskStore PSKStore, info GroupInfo, identity SigningIdentity, sigPriv []byte) (MLSMessage, *Group, error) {
	provisional := importRatchetTree(suite, info.TreeNodes)

	signerLeaf, ok := provisional.leafAt(leafIndex(info.SignerIndex))
	if !ok {
		return MLSMessage{}, nil, newErr(KindValidation, "NewExternalCommit", "group info signer leaf is blank")
	}
	if err := verifyGroupInfoSignature(suite, signerLeaf.SigningIdentity.SignatureKey, info); err != nil {
		return MLSMessage{}, nil, err
	}

	ext, ok := info.Extensions.find(externalPubExtensionType)
	if !ok {
		return MLSMessage{}, nil, newErr(KindValidation, "NewExternalCommit", "group info has no external-commit public key")
	}
	initSecret, kemOutput, err := EncodeInitSecretForExternal(suite, ext.Data)
	if err != nil {
		return MLSMessage{}, nil, err
	}

	groupContext := info.GroupContext.bytes()

	placeholder := LeafNode{
		SigningIdentity: identity,
		Capabilities:    defaultCapabilities(suite.CipherSuite()),
		LeafNodeSource:  LeafNodeSourceCommit,
		Extensions:      ExtensionList{},
	}
	idx := provisional.addLeaf(placeholder)

	leafSecret, err := suite.RandomBytes(suite.KDFExtractSize())
	if err != nil {
		return MLSMessage{}, nil, wrapErr(KindCrypto, "NewExternalCommit", "random leaf secret", err)
	}

	path, leafSK, leafPK, ancestorPrivKeys, commitSecret, err := provisional.encryptPath(suite, idx, leafSecret, groupContext)
	if err != nil {
		return MLSMessage{}, nil, err
	}

	newLeaf := placeholder
	newLeaf.HPKEPublicKey = leafPK
	if _, _, err := provisional.applyUpdatePath(suite, idx, idx, nil, path, groupContext); err != nil {
		return MLSMessage{}, nil, err
	}
	provisional.setParentHashChain(idx, &newLeaf.ParentHash)
	if err := signLeafNode(suite, sigPriv, &newLeaf, info.GroupContext.GroupID, uint32(idx)); err != nil {
		return MLSMessage{}, nil, err
	}
	path.LeafNode = newLeaf
	provisional.updateLeaf(idx, newLeaf)

	commit := Commit{
		Proposals: []ProposalOrRef{{IsRef: false, Value: Proposal{
			Type:         ProposalExternalInit,
			ExternalInit: &ExternalInitProposal{KEMOutput: kemOutput},
		}}},
		HasPath: true,
		Path:    path,
	}

	content := FramedContent{
		GroupID:     dup(info.GroupContext.GroupID),
		Epoch:       info.GroupContext.Epoch,
		Sender:      Sender{SenderType: SenderTypeNewMemberCommit},
		ContentType: ContentTypeCommit,
		Commit:      commit,
	}

	ac, err := newAuthenticatedContent(suite, sigPriv, WireFormatPublicMessage, content, groupContext)
	if err != nil {
		return MLSMessage{}, nil, err
	}

	tempTranscript := transcript{
		confirmed: dup(info.GroupContext.ConfirmedTranscriptHash),
		interim:   advanceInterim(suite, info.GroupContext.ConfirmedTranscriptHash, info.ConfirmationTag),
	}
	confirmedHash := tempTranscript.advanceConfirmed(suite, contentWithoutAuth(WireFormatPublicMessage, ac.Content))

	newContext := GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             suite.CipherSuite(),
		GroupID:                 dup(info.GroupContext.GroupID),
		Epoch:                   info.GroupContext.Epoch + 1,
		TreeHash:                provisional.rootHash(),
		ConfirmedTranscriptHash: confirmedHash,
		Extensions:              info.GroupContext.Extensions,
	}

	pskSecret := make([]byte, suite.KDFExtractSize())
	ksr := FromExternalInit(suite, initSecret, commitSecret, newContext, provisional.size(), pskSecret)

	confirmationTag := computeConfirmationTag(suite, ksr.ConfirmationKey, confirmedHash)
	finalAC := ac
	finalAC.Auth.HasConfirmation = true
	finalAC.Auth.Confirmation = confirmationTag
	finalPM := PublicMessage{Content: finalAC.Content, Auth: finalAC.Auth}

	g := &Group{
		suite:             suite,
		idProvider:        idProvider,
		pskStore:          pskStore,
		groupID:           dup(info.GroupContext.GroupID),
		epoch:             newContext.Epoch,
		tree:              provisional,
		context:           newContext,
		transcript:        transcript{confirmed: confirmedHash, interim: advanceInterim(suite, confirmedHash, confirmationTag)},
		keySchedule:       ksr.KeySchedule,
		confirmationKey:   ksr.ConfirmationKey,
		epochSecrets:      ksr.EpochSecrets,
		index:             idx,
		sigPriv:           dup(sigPriv),
		leafPriv:          leafSK,
		ancestorPrivKeys:  ancestorPrivKeys,
		pendingProposals:  map[string]Proposal{},
		pendingSenders:    map[string]leafIndex{},
		selfUpdateSecrets: map[string]updateSecretPair{},
	}

	msg := MLSMessage{Version: ProtocolVersionMLS10, Wire: WireFormatPublicMessage, PublicMessage: &finalPM}
	return msg, g, nil
}

// applyIncomingExternalCommit is the existing-member counterpart of
// NewExternalCommit: it admits the new member's LeafNode into a
// provisional tree at the position determined the same deterministic
// way the joiner computed it, verifies that LeafNode's own embedded
// signature (the sender isn't a current member, so there is no tree
// entry to look its signing key up in beforehand), and otherwise
// advances the epoch exactly like applyIncomingCommit — except the
// previous epoch's init_secret is replaced by the one recovered from
// the bundle's ExternalInit proposal via this epoch's external key
// pair (spec.md §4.I "External commit").
func (g *Group) applyIncomingExternalCommit(ac AuthenticatedContent, newMemberLeaf LeafNode) (*CommitResult, error) {
	commit := ac.Content.Commit
	bundle, err := resolveProposals(g.pendingProposals, commit.Proposals)
	if err != nil {
		return nil, err
	}
	if bundle.externalInit == nil {
		return nil, newErr(KindValidation, "applyIncomingExternalCommit", "new member commit must carry an ExternalInit proposal")
	}
	if err := resolveUpdateProposals(bundle, g.pendingSenders, g.pendingProposals, commit.Proposals); err != nil {
		return nil, err
	}

	provisional := g.tree.clone()
	if _, err := applyProposalBundle(g.suite, g.idProvider, provisional, bundle, g.context.bytes()); err != nil {
		return nil, err
	}

	if err := g.idProvider.Validate(newMemberLeaf.SigningIdentity, g.context.bytes()); err != nil {
		return nil, wrapErr(KindValidation, "applyIncomingExternalCommit", "new member identity rejected", err)
	}

	sender := provisional.addLeaf(newMemberLeaf)
	if err := verifyLeafNodeSignature(g.suite, newMemberLeaf, g.groupID, uint32(sender)); err != nil {
		return nil, err
	}

	keys, cs, err := provisional.applyUpdatePath(g.suite, sender, g.index, g.leafPriv, commit.Path, g.context.bytes())
	if err != nil {
		return nil, err
	}
	if err := provisional.verifyParentHashChain(sender); err != nil {
		return nil, err
	}
	commitSecret := cs
	if commitSecret == nil {
		commitSecret = make([]byte, g.suite.KDFExtractSize())
	}

	pskSecret, err := computePSKSecret(g.suite, g.pskStore, bundle)
	if err != nil {
		return nil, err
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

	externalSK, _, err := g.keySchedule.GetExternalKeyPair()
	if err != nil {
		return nil, err
	}
	externalInitSecret, err := DecodeInitSecretForExternal(g.suite, bundle.externalInit.KEMOutput, externalSK)
	if err != nil {
		return nil, err
	}

	ksr := FromExternalInit(g.suite, externalInitSecret, commitSecret, newContext, provisional.size(), pskSecret)
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
	for n, sk := range keys {
		g.ancestorPrivKeys[n] = sk
	}

	g.pendingProposals = map[string]Proposal{}
	g.pendingSenders = map[string]leafIndex{}
	g.selfUpdateSecrets = map[string]updateSecretPair{}

	return &CommitResult{Epoch: g.epoch}, nil
}

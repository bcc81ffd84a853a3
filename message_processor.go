package mls

import "fmt"

// resolveProposals walks a Commit's ProposalOrRef list, resolving
// by-reference entries against the pending-proposal cache, and sorts
// the result into a proposalBundle (spec.md §3 "Proposal bundle").
func resolveProposals(pending map[string]Proposal, refs []ProposalOrRef) (*proposalBundle, error) {
	bundle := newProposalBundle()

	for _, r := range refs {
		var p Proposal
		if r.IsRef {
			cached, ok := pending[string(r.Ref)]
			if !ok {
				return nil, newErr(KindValidation, "resolveProposals", "unknown proposal reference")
			}
			p = cached
		} else {
			p = r.Value
		}

		switch p.Type {
		case ProposalAdd:
			bundle.adds = append(bundle.adds, *p.Add)
		case ProposalUpdate:
			if !r.IsRef {
				return nil, newErr(KindValidation, "resolveProposals", "update proposal must carry sender leaf index via by-ref bundling")
			}
			// by-ref Updates are keyed by sender in resolveUpdateProposals
		case ProposalRemove:
			bundle.removes[leafIndex(p.Remove.Removed)] = *p.Remove
		case ProposalPSK:
			bundle.psks = append(bundle.psks, *p.PSK)
		case ProposalReInit:
			if bundle.reinit != nil {
				return nil, newErr(KindValidation, "resolveProposals", "at most one ReInit proposal per commit")
			}
			bundle.reinit = p.ReInit
		case ProposalExternalInit:
			if bundle.externalInit != nil {
				return nil, newErr(KindValidation, "resolveProposals", "at most one ExternalInit proposal per commit")
			}
			bundle.externalInit = p.ExternalInit
		case ProposalGroupContextExtensions:
			if bundle.groupContextExts != nil {
				return nil, newErr(KindValidation, "resolveProposals", "at most one GroupContextExtensions proposal per commit")
			}
			bundle.groupContextExts = p.GroupContextExtensions
		default:
			return nil, newErr(KindUnsupported, "resolveProposals", "unknown proposal type")
		}
	}

	return bundle, nil
}

// resolveUpdateProposals fills in bundle.updates from the by-ref cache,
// keyed by the sender leaf index recorded when the original Update
// PublicMessage was received (spec.md §4.G: an Update proposal is only
// ever referenced, never inlined by value, since its effect is keyed by
// the sender's leaf).
func resolveUpdateProposals(bundle *proposalBundle, senderOf map[string]leafIndex, pending map[string]Proposal, refs []ProposalOrRef) error {
	for _, r := range refs {
		if !r.IsRef {
			continue
		}
		p, ok := pending[string(r.Ref)]
		if !ok || p.Type != ProposalUpdate {
			continue
		}
		l, ok := senderOf[string(r.Ref)]
		if !ok {
			return newErr(KindValidation, "resolveUpdateProposals", "update proposal missing sender binding")
		}
		bundle.updates[l] = *p.Update
	}
	return nil
}

// validateProposalBundle enforces spec.md §4.G's proposal validity
// table: ReInit must be the only proposal, ExternalInit and ReInit
// exclude each other, a Remove must target an occupied leaf that is not
// also being updated, Add and Update identities must pass the identity
// provider, and an Update must not change its member's identity. The
// at-most-one limits per proposal type are checked in resolveProposals.
func validateProposalBundle(idProvider IdentityProvider, tree *RatchetTree, bundle *proposalBundle, groupContext []byte) error {
	hasOrdinary := len(bundle.adds) > 0 || len(bundle.updates) > 0 || len(bundle.removes) > 0 ||
		len(bundle.psks) > 0 || bundle.groupContextExts != nil

	if bundle.reinit != nil && hasOrdinary {
		return newErr(KindValidation, "validateProposalBundle", "ReInit must be the only proposal in its commit")
	}
	if bundle.externalInit != nil && bundle.reinit != nil {
		return newErr(KindValidation, "validateProposalBundle", "ExternalInit and ReInit are mutually exclusive")
	}

	for l, rm := range bundle.removes {
		if _, ok := tree.leafAt(l); !ok {
			return newErr(KindValidation, "validateProposalBundle", fmt.Sprintf("remove targets already-blank leaf %d", rm.Removed))
		}
		if _, updating := bundle.updates[l]; updating {
			return newErr(KindValidation, "validateProposalBundle", "leaf is both updated and removed in the same commit")
		}
	}

	for _, add := range bundle.adds {
		if err := idProvider.Validate(add.KeyPackage.LeafNode.SigningIdentity, groupContext); err != nil {
			return wrapErr(KindValidation, "validateProposalBundle", "add proposal identity rejected", err)
		}
	}
	for l, up := range bundle.updates {
		if err := idProvider.Validate(up.LeafNode.SigningIdentity, groupContext); err != nil {
			return wrapErr(KindValidation, "validateProposalBundle", "update proposal identity rejected", err)
		}
		existing, ok := tree.leafAt(l)
		if !ok {
			continue
		}
		prevID, err := idProvider.Identity(existing.SigningIdentity)
		if err != nil {
			return err
		}
		newID, err := idProvider.Identity(up.LeafNode.SigningIdentity)
		if err != nil {
			return err
		}
		if !sameIdentity(prevID, newID) {
			return newErr(KindValidation, "validateProposalBundle", "update proposal changes member identity")
		}
	}

	return nil
}

// applyProposalBundle mutates a cloned tree per spec.md §4.G's proposal
// effects, applying Updates, then Adds, then Removes — Removes last in
// the bundle per this implementation's documented Open Question
// decision (DESIGN.md), so a Remove of a sender whose other by-ref
// proposals are also in this bundle doesn't retroactively invalidate
// them.
func applyProposalBundle(suite CipherSuiteProvider, idProvider IdentityProvider, tree *RatchetTree, bundle *proposalBundle, groupContext []byte) ([]leafIndex, error) {
	if err := validateProposalBundle(idProvider, tree, bundle, groupContext); err != nil {
		return nil, err
	}

	for l, up := range bundle.updates {
		tree.updateLeaf(l, up.LeafNode)
	}

	added := make([]leafIndex, 0, len(bundle.adds))
	for _, add := range bundle.adds {
		idx := tree.addLeaf(add.KeyPackage.LeafNode)
		added = append(added, idx)
	}

	for l := range bundle.removes {
		tree.blankLeaf(l)
	}

	return added, nil
}

// computePSKSecret implements spec.md §4.F's psk_secret accumulation:
// Extract each PSK in bundle order against a running secret, starting
// from an all-zero string of the KDF's extract size.
func computePSKSecret(suite CipherSuiteProvider, store PSKStore, bundle *proposalBundle) ([]byte, error) {
	secret := make([]byte, suite.KDFExtractSize())
	if len(bundle.psks) == 0 {
		return secret, nil
	}
	for _, psk := range bundle.psks {
		raw, ok := store.Fetch(psk.PSK)
		if !ok {
			return nil, newErr(KindValidation, "computePSKSecret", "unresolvable PSK id")
		}
		pskExtracted := expandWithLabel(suite, raw, "derived psk", mustMarshal(&psk.PSK), suite.KDFExtractSize())
		secret = suite.KDFExtract(secret, pskExtracted)
	}
	return secret, nil
}

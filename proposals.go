package mls

// ProposalType tags which variant of spec.md §4.G's table a Proposal is.
type ProposalType uint16

const (
	ProposalAdd                    ProposalType = 1
	ProposalUpdate                 ProposalType = 2
	ProposalRemove                 ProposalType = 3
	ProposalPSK                    ProposalType = 4
	ProposalReInit                 ProposalType = 5
	ProposalExternalInit           ProposalType = 6
	ProposalGroupContextExtensions ProposalType = 7
)

// PSKType distinguishes an external PSK (looked up by application-chosen
// id) from a resumption PSK (tied to a prior epoch of this or another
// group).
type PSKType uint8

const (
	PSKTypeExternal   PSKType = 1
	PSKTypeResumption PSKType = 2
)

// PreSharedKeyID identifies a PSK contribution, resolved via the PSK
// store capability (spec.md §6).
type PreSharedKeyID struct {
	PSKType    PSKType
	PSKID      []byte `tls:"head=2"`
	PSKGroupID []byte `tls:"head=2"`
	PSKEpoch   uint64
	Nonce      []byte `tls:"head=1"`
}

// AddProposal carries a joiner's KeyPackage by value.
type AddProposal struct {
	KeyPackage KeyPackage
}

// UpdateProposal carries the sender's replacement LeafNode.
type UpdateProposal struct {
	LeafNode LeafNode
}

// RemoveProposal names a leaf to blank.
type RemoveProposal struct {
	Removed uint32
}

// PSKProposal contributes a pre-shared key to the next epoch's psk_secret.
type PSKProposal struct {
	PSK PreSharedKeyID
}

// ReInitProposal terminates this group's epoch progression in favor of a
// successor group (spec.md §4.G).
type ReInitProposal struct {
	GroupID     []byte `tls:"head=1"`
	Version     ProtocolVersion
	CipherSuite CipherSuite
	Extensions  ExtensionList
}

// ExternalInitProposal carries the KEM output an external joiner used to
// derive the new init_secret (spec.md §4.F "External init").
type ExternalInitProposal struct {
	KEMOutput []byte `tls:"head=2"`
}

// GroupContextExtensionsProposal replaces the group's extension list at
// the next epoch boundary.
type GroupContextExtensionsProposal struct {
	Extensions ExtensionList
}

// Proposal is a tagged union over the seven variants of spec.md §4.G.
// Exactly one of the typed fields is meaningful, selected by Type.
type Proposal struct {
	Type                ProposalType
	Add                 *AddProposal
	Update              *UpdateProposal
	Remove              *RemoveProposal
	PSK                 *PSKProposal
	ReInit              *ReInitProposal
	ExternalInit        *ExternalInitProposal
	GroupContextExtensions *GroupContextExtensionsProposal
}

// MarshalTLS encodes the proposal union, writing only the variant body
// selected by Type.
func (p Proposal) MarshalTLS() ([]byte, error) {
	head := mustMarshal(&p.Type)
	var body []byte
	switch p.Type {
	case ProposalAdd:
		body = mustMarshal(p.Add)
	case ProposalUpdate:
		body = mustMarshal(p.Update)
	case ProposalRemove:
		body = mustMarshal(p.Remove)
	case ProposalPSK:
		body = mustMarshal(p.PSK)
	case ProposalReInit:
		body = mustMarshal(p.ReInit)
	case ProposalExternalInit:
		body = mustMarshal(p.ExternalInit)
	case ProposalGroupContextExtensions:
		body = mustMarshal(p.GroupContextExtensions)
	default:
		return nil, newErr(KindUnsupported, "Proposal.MarshalTLS", "unknown proposal type")
	}
	return append(head, body...), nil
}

// UnmarshalTLS decodes the proposal union.
func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	var t ProposalType
	n, err := unmarshal(data, &t)
	if err != nil {
		return 0, err
	}
	p.Type = t

	rest := data[n:]
	var m int
	switch t {
	case ProposalAdd:
		p.Add = &AddProposal{}
		m, err = unmarshal(rest, p.Add)
	case ProposalUpdate:
		p.Update = &UpdateProposal{}
		m, err = unmarshal(rest, p.Update)
	case ProposalRemove:
		p.Remove = &RemoveProposal{}
		m, err = unmarshal(rest, p.Remove)
	case ProposalPSK:
		p.PSK = &PSKProposal{}
		m, err = unmarshal(rest, p.PSK)
	case ProposalReInit:
		p.ReInit = &ReInitProposal{}
		m, err = unmarshal(rest, p.ReInit)
	case ProposalExternalInit:
		p.ExternalInit = &ExternalInitProposal{}
		m, err = unmarshal(rest, p.ExternalInit)
	case ProposalGroupContextExtensions:
		p.GroupContextExtensions = &GroupContextExtensionsProposal{}
		m, err = unmarshal(rest, p.GroupContextExtensions)
	default:
		return 0, newErr(KindUnsupported, "Proposal.UnmarshalTLS", "unknown proposal type")
	}
	if err != nil {
		return 0, err
	}
	return n + m, nil
}

// ProposalRef is a hashed reference to an earlier Proposal message,
// used for by-reference bundling in a Commit (spec.md §3 "Proposal
// bundle").
type ProposalRef []byte

func makeProposalRef(suite CipherSuiteProvider, p Proposal) ProposalRef {
	return ProposalRef(suite.Hash(mustMarshal(&p)))
}

// ProposalOrRef is a single entry of a Commit's proposal bundle: either
// inlined by value or addressed by reference to an earlier Proposal
// message (spec.md §3 "Proposal bundle").
type ProposalOrRef struct {
	IsRef bool
	Ref   ProposalRef `tls:"head=1"`
	Value Proposal
}

func (r ProposalOrRef) MarshalTLS() ([]byte, error) {
	if r.IsRef {
		return marshal(&struct {
			IsRef bool
			Ref   []byte `tls:"head=1"`
		}{true, r.Ref})
	}
	return marshal(&struct {
		IsRef bool
		Value Proposal
	}{false, r.Value})
}

func (r *ProposalOrRef) UnmarshalTLS(data []byte) (int, error) {
	var isRef bool
	n, err := unmarshal(data, &isRef)
	if err != nil {
		return 0, err
	}
	r.IsRef = isRef
	if isRef {
		var ref struct {
			Ref []byte `tls:"head=1"`
		}
		m, err := unmarshal(data[n:], &ref)
		if err != nil {
			return 0, err
		}
		r.Ref = ref.Ref
		return n + m, nil
	}
	var v Proposal
	m, err := unmarshal(data[n:], &v)
	if err != nil {
		return 0, err
	}
	r.Value = v
	return n + m, nil
}

// proposalBundle is the accumulated, resolved multiset of proposals a
// Commit acts on (spec.md §3 "Proposal bundle"): owned by the commit
// being constructed or validated, discarded once accepted or rejected.
type proposalBundle struct {
	adds             []AddProposal
	updates          map[leafIndex]UpdateProposal
	removes          map[leafIndex]RemoveProposal
	psks             []PSKProposal
	reinit           *ReInitProposal
	externalInit     *ExternalInitProposal
	groupContextExts *GroupContextExtensionsProposal
}

func newProposalBundle() *proposalBundle {
	return &proposalBundle{
		updates: map[leafIndex]UpdateProposal{},
		removes: map[leafIndex]RemoveProposal{},
	}
}

package mls

// WireFormat selects which concrete framing an MLSMessage carries
// (spec.md §6 "Wire formats").
type WireFormat uint16

const (
	WireFormatPublicMessage  WireFormat = 1
	WireFormatPrivateMessage WireFormat = 2
	WireFormatWelcome        WireFormat = 3
	WireFormatGroupInfo      WireFormat = 4
	WireFormatKeyPackage     WireFormat = 5
)

// SenderType tags who produced a FramedContent.
type SenderType uint8

const (
	SenderTypeMember           SenderType = 1
	SenderTypeExternal         SenderType = 2
	SenderTypeNewMemberProposal SenderType = 3
	SenderTypeNewMemberCommit  SenderType = 4
)

// Sender identifies the originator of a FramedContent. LeafIndex is
// meaningful only for SenderTypeMember.
type Sender struct {
	SenderType SenderType
	LeafIndex  uint32
}

// ContentType distinguishes the three payload shapes a FramedContent can
// carry.
type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

// Commit is the bundle of proposals plus an optional path update that
// advances the epoch (spec.md §3, §4.H).
type Commit struct {
	Proposals  []ProposalOrRef `tls:"head=4"`
	HasPath    bool
	Path       UpdatePath
}

func (c Commit) MarshalTLS() ([]byte, error) {
	body := struct {
		Proposals []ProposalOrRef `tls:"head=4"`
		HasPath   bool
	}{c.Proposals, c.HasPath}
	out := mustMarshal(&body)
	if c.HasPath {
		out = append(out, mustMarshal(&c.Path)...)
	}
	return out, nil
}

func (c *Commit) UnmarshalTLS(data []byte) (int, error) {
	var body struct {
		Proposals []ProposalOrRef `tls:"head=4"`
		HasPath   bool
	}
	n, err := unmarshal(data, &body)
	if err != nil {
		return 0, err
	}
	c.Proposals = body.Proposals
	c.HasPath = body.HasPath
	if !c.HasPath {
		return n, nil
	}
	var path UpdatePath
	m, err := unmarshal(data[n:], &path)
	if err != nil {
		return 0, err
	}
	c.Path = path
	return n + m, nil
}

// FramedContent is the common envelope for Application/Proposal/Commit
// payloads (spec.md §6).
type FramedContent struct {
	GroupID     []byte `tls:"head=1"`
	Epoch       uint64
	Sender      Sender
	Authdata    []byte `tls:"head=1"` // application-chosen AAD, opaque to the engine
	ContentType ContentType

	Application []byte   `tls:"head=4"`
	Proposal    Proposal
	Commit      Commit
}

func (c FramedContent) MarshalTLS() ([]byte, error) {
	head := struct {
		GroupID     []byte `tls:"head=1"`
		Epoch       uint64
		Sender      Sender
		Authdata    []byte `tls:"head=1"`
		ContentType ContentType
	}{c.GroupID, c.Epoch, c.Sender, c.Authdata, c.ContentType}
	out := mustMarshal(&head)

	switch c.ContentType {
	case ContentTypeApplication:
		out = append(out, mustMarshal(&struct {
			Application []byte `tls:"head=4"`
		}{c.Application})...)
	case ContentTypeProposal:
		out = append(out, mustMarshal(&c.Proposal)...)
	case ContentTypeCommit:
		out = append(out, mustMarshal(&c.Commit)...)
	default:
		return nil, newErr(KindUnsupported, "FramedContent.MarshalTLS", "unknown content type")
	}
	return out, nil
}

func (c *FramedContent) UnmarshalTLS(data []byte) (int, error) {
	var head struct {
		GroupID     []byte `tls:"head=1"`
		Epoch       uint64
		Sender      Sender
		Authdata    []byte `tls:"head=1"`
		ContentType ContentType
	}
	n, err := unmarshal(data, &head)
	if err != nil {
		return 0, err
	}
	c.GroupID, c.Epoch, c.Sender, c.Authdata, c.ContentType = head.GroupID, head.Epoch, head.Sender, head.Authdata, head.ContentType

	rest := data[n:]
	var m int
	switch c.ContentType {
	case ContentTypeApplication:
		var body struct {
			Application []byte `tls:"head=4"`
		}
		m, err = unmarshal(rest, &body)
		c.Application = body.Application
	case ContentTypeProposal:
		var p Proposal
		m, err = unmarshal(rest, &p)
		c.Proposal = p
	case ContentTypeCommit:
		var cm Commit
		m, err = unmarshal(rest, &cm)
		c.Commit = cm
	default:
		return 0, newErr(KindUnsupported, "FramedContent.UnmarshalTLS", "unknown content type")
	}
	if err != nil {
		return 0, err
	}
	return n + m, nil
}

// FramedContentAuthData is the signature (and, for Commits, the
// confirmation tag) appended after a FramedContent.
type FramedContentAuthData struct {
	Signature       []byte `tls:"head=2"`
	HasConfirmation bool
	Confirmation    ConfirmationTag
}

func (a FramedContentAuthData) MarshalTLS() ([]byte, error) {
	out := mustMarshal(&struct {
		Signature       []byte `tls:"head=2"`
		HasConfirmation bool
	}{a.Signature, a.HasConfirmation})
	if a.HasConfirmation {
		out = append(out, mustMarshal(&a.Confirmation)...)
	}
	return out, nil
}

func (a *FramedContentAuthData) UnmarshalTLS(data []byte) (int, error) {
	var head struct {
		Signature       []byte `tls:"head=2"`
		HasConfirmation bool
	}
	n, err := unmarshal(data, &head)
	if err != nil {
		return 0, err
	}
	a.Signature, a.HasConfirmation = head.Signature, head.HasConfirmation
	if !a.HasConfirmation {
		return n, nil
	}
	var tag ConfirmationTag
	m, err := unmarshal(data[n:], &tag)
	if err != nil {
		return 0, err
	}
	a.Confirmation = tag
	return n + m, nil
}

// AuthenticatedContent pairs a FramedContent with its signature/
// confirmation-tag auth data, plus (for PublicMessage from members) a
// membership tag (spec.md §4.H, §4.J).
type AuthenticatedContent struct {
	WireFormat      WireFormat
	Content         FramedContent
	Auth            FramedContentAuthData
	HasMembershipTag bool
	MembershipTag   MembershipTag
}

// framedContentTBS is the signed view of a FramedContent: the content
// itself, the wire format, and — when available — the group context
// binding it to a specific epoch (spec.md §4.J label "FramedContentTBS").
type framedContentTBS struct {
	Version     ProtocolVersion
	WireFormat  WireFormat
	Content     FramedContent
	HasContext  bool
	GroupContext []byte `tls:"head=4"`
}

func (t framedContentTBS) bytes() []byte {
	out := mustMarshal(&struct {
		Version    ProtocolVersion
		WireFormat WireFormat
		Content    FramedContent
		HasContext bool
	}{t.Version, t.WireFormat, t.Content, t.HasContext})
	if t.HasContext {
		out = append(out, mustMarshal(&struct {
			GroupContext []byte `tls:"head=4"`
		}{t.GroupContext})...)
	}
	return out
}

// contextRequired reports whether FramedContentTBS includes the group
// context: required for members and new-member senders, not for
// external proposers who haven't joined yet.
func contextRequired(s Sender) bool {
	return s.SenderType == SenderTypeMember || s.SenderType == SenderTypeNewMemberCommit || s.SenderType == SenderTypeNewMemberProposal
}

// framedContentTBSBytes builds the exact bytes a FramedContent's
// signature is computed and verified over (spec.md §4.J), factored out
// so both signing/verification here and membership-tag computation in
// group.go work from one definition of "the TBS".
func framedContentTBSBytes(wireFormat WireFormat, content FramedContent, groupContext []byte) []byte {
	tbs := framedContentTBS{
		Version:    ProtocolVersionMLS10,
		WireFormat: wireFormat,
		Content:    content,
		HasContext: contextRequired(content.Sender),
	}
	if tbs.HasContext {
		tbs.GroupContext = groupContext
	}
	return tbs.bytes()
}

func newAuthenticatedContent(suite CipherSuiteProvider, sigKey []byte, wireFormat WireFormat, content FramedContent, groupContext []byte) (AuthenticatedContent, error) {
	sig, err := signWithLabel(suite, sigKey, "FramedContentTBS", framedContentTBSBytes(wireFormat, content, groupContext))
	if err != nil {
		return AuthenticatedContent{}, err
	}

	return AuthenticatedContent{
		WireFormat: wireFormat,
		Content:    content,
		Auth:       FramedContentAuthData{Signature: sig},
	}, nil
}

func verifyContentSignature(suite CipherSuiteProvider, sigPub []byte, ac AuthenticatedContent, groupContext []byte) error {
	tbs := framedContentTBSBytes(ac.WireFormat, ac.Content, groupContext)
	if !verifyWithLabel(suite, sigPub, "FramedContentTBS", tbs, ac.Auth.Signature) {
		return newErr(KindAuthentication, "verifyContentSignature", "invalid content signature")
	}
	return nil
}

// contentWithoutAuth returns the bytes of the FramedContent with its
// WireFormat, but with no auth data attached — the exact input the
// confirmed_transcript_hash update consumes (spec.md §3 "Transcripts").
func contentWithoutAuth(wireFormat WireFormat, content FramedContent) []byte {
	return mustMarshal(&struct {
		WireFormat WireFormat
		Content    FramedContent
	}{wireFormat, content})
}

// PublicMessage is the plaintext-framed wire form: a FramedContent, its
// auth data, and — for member senders only — a membership tag
// (spec.md §6 "Wire formats").
type PublicMessage struct {
	Content         FramedContent
	Auth            FramedContentAuthData
	HasMembershipTag bool
	MembershipTag   MembershipTag
}

func (m PublicMessage) MarshalTLS() ([]byte, error) {
	out := mustMarshal(&struct {
		Content FramedContent
		Auth    FramedContentAuthData
	}{m.Content, m.Auth})
	out = append(out, mustMarshal(&m.HasMembershipTag)...)
	if m.HasMembershipTag {
		out = append(out, mustMarshal(&m.MembershipTag)...)
	}
	return out, nil
}

func (m *PublicMessage) UnmarshalTLS(data []byte) (int, error) {
	var head struct {
		Content FramedContent
		Auth    FramedContentAuthData
	}
	n, err := unmarshal(data, &head)
	if err != nil {
		return 0, err
	}
	m.Content, m.Auth = head.Content, head.Auth

	var hasTag bool
	k, err := unmarshal(data[n:], &hasTag)
	if err != nil {
		return 0, err
	}
	m.HasMembershipTag = hasTag
	n += k
	if !hasTag {
		return n, nil
	}
	var tag MembershipTag
	j, err := unmarshal(data[n:], &tag)
	if err != nil {
		return 0, err
	}
	m.MembershipTag = tag
	return n + j, nil
}

func (m PublicMessage) asAuthenticatedContent() AuthenticatedContent {
	return AuthenticatedContent{
		WireFormat:       WireFormatPublicMessage,
		Content:          m.Content,
		Auth:             m.Auth,
		HasMembershipTag: m.HasMembershipTag,
		MembershipTag:    m.MembershipTag,
	}
}

// SenderData is the AAD-adjacent, separately-encrypted header of a
// PrivateMessage: which leaf and generation produced the ciphertext,
// needed before the recipient can find the right secret-tree ratchet
// (spec.md §6 "Wire formats", GLOSSARY "PrivateMessage").
type SenderData struct {
	LeafIndex  uint32
	Generation uint32
	ReuseGuard [4]byte
}

// PrivateMessage is the AEAD-protected wire form for Application content
// (and, optionally, Proposal/Commit content) encrypted under the secret
// tree (spec.md §4.C "Secret tree", §6).
type PrivateMessage struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               uint64
	ContentType         ContentType
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}

// MLSMessage is the outermost envelope every wire operation produces:
// a version tag plus exactly one WireFormat-selected body (spec.md §6).
type MLSMessage struct {
	Version ProtocolVersion
	Wire    WireFormat

	PublicMessage  *PublicMessage
	PrivateMessage *PrivateMessage
	Welcome        *Welcome
	GroupInfo      *GroupInfo
	KeyPackage     *KeyPackage
}

func (m MLSMessage) MarshalTLS() ([]byte, error) {
	head := mustMarshal(&struct {
		Version ProtocolVersion
		Wire    WireFormat
	}{m.Version, m.Wire})

	var body []byte
	switch m.Wire {
	case WireFormatPublicMessage:
		body = mustMarshal(m.PublicMessage)
	case WireFormatPrivateMessage:
		body = mustMarshal(m.PrivateMessage)
	case WireFormatWelcome:
		body = mustMarshal(m.Welcome)
	case WireFormatGroupInfo:
		body = mustMarshal(m.GroupInfo)
	case WireFormatKeyPackage:
		body = mustMarshal(m.KeyPackage)
	default:
		return nil, newErr(KindUnsupported, "MLSMessage.MarshalTLS", "unknown wire format")
	}
	return append(head, body...), nil
}

func (m *MLSMessage) UnmarshalTLS(data []byte) (int, error) {
	var head struct {
		Version ProtocolVersion
		Wire    WireFormat
	}
	n, err := unmarshal(data, &head)
	if err != nil {
		return 0, err
	}
	m.Version, m.Wire = head.Version, head.Wire

	rest := data[n:]
	var sz int
	switch m.Wire {
	case WireFormatPublicMessage:
		m.PublicMessage = &PublicMessage{}
		sz, err = unmarshal(rest, m.PublicMessage)
	case WireFormatPrivateMessage:
		m.PrivateMessage = &PrivateMessage{}
		sz, err = unmarshal(rest, m.PrivateMessage)
	case WireFormatWelcome:
		m.Welcome = &Welcome{}
		sz, err = unmarshal(rest, m.Welcome)
	case WireFormatGroupInfo:
		m.GroupInfo = &GroupInfo{}
		sz, err = unmarshal(rest, m.GroupInfo)
	case WireFormatKeyPackage:
		m.KeyPackage = &KeyPackage{}
		sz, err = unmarshal(rest, m.KeyPackage)
	default:
		return 0, newErr(KindUnsupported, "MLSMessage.UnmarshalTLS", "unknown wire format")
	}
	if err != nil {
		return 0, err
	}
	return n + sz, nil
}

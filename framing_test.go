package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramedContentApplicationRoundTrip(t *testing.T) {
	content := FramedContent{
		GroupID:     []byte("group"),
		Epoch:       3,
		Sender:      Sender{SenderType: SenderTypeMember, LeafIndex: 1},
		Authdata:    []byte("aad"),
		ContentType: ContentTypeApplication,
		Application: []byte("payload"),
	}

	encoded := mustMarshal(&content)
	var decoded FramedContent
	n, err := unmarshal(encoded, &decoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.Equal(t, content.GroupID, decoded.GroupID)
	require.Equal(t, content.Epoch, decoded.Epoch)
	require.Equal(t, content.Sender, decoded.Sender)
	require.Equal(t, content.Application, decoded.Application)
}

func TestCommitRoundTripWithAndWithoutPath(t *testing.T) {
	noPath := Commit{
		Proposals: []ProposalOrRef{{IsRef: true, Ref: ProposalRef("abc")}},
		HasPath:   false,
	}
	encoded := mustMarshal(&noPath)
	var decoded Commit
	_, err := unmarshal(encoded, &decoded)
	require.NoError(t, err)
	require.False(t, decoded.HasPath)
	require.Equal(t, noPath.Proposals, decoded.Proposals)

	withPath := Commit{
		Proposals: nil,
		HasPath:   true,
		Path: UpdatePath{
			LeafNode: LeafNode{HPKEPublicKey: []byte("pub"), SigningIdentity: basicIdentity([]byte("sig-pub"), []byte("alice")), LeafNodeSource: LeafNodeSourceCommit},
			Nodes:    []UpdatePathNode{},
		},
	}
	encoded2 := mustMarshal(&withPath)
	var decoded2 Commit
	_, err = unmarshal(encoded2, &decoded2)
	require.NoError(t, err)
	require.True(t, decoded2.HasPath)
	require.Equal(t, withPath.Path.LeafNode.HPKEPublicKey, decoded2.Path.LeafNode.HPKEPublicKey)
}

func TestPublicMessageRoundTripWithMembershipTag(t *testing.T) {
	pm := PublicMessage{
		Content: FramedContent{
			GroupID:     []byte("group"),
			Epoch:       1,
			Sender:      Sender{SenderType: SenderTypeMember, LeafIndex: 0},
			ContentType: ContentTypeApplication,
			Application: []byte("hi"),
		},
		Auth:             FramedContentAuthData{Signature: []byte("sig")},
		HasMembershipTag: true,
		MembershipTag:    MembershipTag{Data: []byte("tag")},
	}

	encoded := mustMarshal(&pm)
	var decoded PublicMessage
	_, err := unmarshal(encoded, &decoded)
	require.NoError(t, err)
	require.True(t, decoded.HasMembershipTag)
	require.Equal(t, pm.MembershipTag, decoded.MembershipTag)
	require.Equal(t, pm.Content.Application, decoded.Content.Application)
}

func TestContentSignatureRoundTrip(t *testing.T) {
	suite, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)

	sigPriv, sigPub, err := suite.SignatureKeyGenerate()
	require.NoError(t, err)

	content := FramedContent{
		GroupID:     []byte("group"),
		Epoch:       0,
		Sender:      Sender{SenderType: SenderTypeMember, LeafIndex: 0},
		ContentType: ContentTypeApplication,
		Application: []byte("hello"),
	}
	groupContext := []byte("group-context")

	ac, err := newAuthenticatedContent(suite, sigPriv, WireFormatPublicMessage, content, groupContext)
	require.NoError(t, err)
	require.NoError(t, verifyContentSignature(suite, sigPub, ac, groupContext))

	tampered := ac
	tampered.Content.Application = []byte("tampered")
	require.Error(t, verifyContentSignature(suite, sigPub, tampered, groupContext))
}

func TestMLSMessagePublicMessageRoundTrip(t *testing.T) {
	pm := PublicMessage{
		Content: FramedContent{
			GroupID:     []byte("group"),
			Epoch:       5,
			Sender:      Sender{SenderType: SenderTypeMember, LeafIndex: 2},
			ContentType: ContentTypeApplication,
			Application: []byte("msg"),
		},
		Auth: FramedContentAuthData{Signature: []byte("sig")},
	}
	msg := MLSMessage{Version: ProtocolVersionMLS10, Wire: WireFormatPublicMessage, PublicMessage: &pm}

	encoded := mustMarshal(&msg)
	var decoded MLSMessage
	_, err := unmarshal(encoded, &decoded)
	require.NoError(t, err)
	require.Equal(t, WireFormatPublicMessage, decoded.Wire)
	require.NotNil(t, decoded.PublicMessage)
	require.Equal(t, pm.Content.Application, decoded.PublicMessage.Content.Application)
}

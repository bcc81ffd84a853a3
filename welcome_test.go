package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupSecretsRoundTripWithPathSecret(t *testing.T) {
	gs := GroupSecrets{
		JoinerSecret:  []byte("joiner-secret"),
		HasPathSecret: true,
		PathSecret:    []byte("path-secret"),
		PSKs: []PreSharedKeyID{
			{PSKType: PSKTypeExternal, PSKID: []byte("ext-id")},
		},
	}

	encoded := mustMarshal(&gs)
	var decoded GroupSecrets
	n, err := unmarshal(encoded, &decoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.True(t, decoded.HasPathSecret)
	require.Equal(t, gs.JoinerSecret, decoded.JoinerSecret)
	require.Equal(t, gs.PathSecret, decoded.PathSecret)
	require.Equal(t, gs.PSKs, decoded.PSKs)
}

func TestGroupSecretsRoundTripWithoutPathSecret(t *testing.T) {
	gs := GroupSecrets{JoinerSecret: []byte("joiner-secret"), HasPathSecret: false}

	encoded := mustMarshal(&gs)
	var decoded GroupSecrets
	_, err := unmarshal(encoded, &decoded)
	require.NoError(t, err)
	require.False(t, decoded.HasPathSecret)
	require.Empty(t, decoded.PathSecret)
	require.Equal(t, gs.JoinerSecret, decoded.JoinerSecret)
}

func TestGroupInfoSignatureVerification(t *testing.T) {
	suite, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)

	sigPriv, sigPub, err := suite.SignatureKeyGenerate()
	require.NoError(t, err)

	info := GroupInfo{
		GroupContext: GroupContext{
			Version:     ProtocolVersionMLS10,
			CipherSuite: suite.CipherSuite(),
			GroupID:     []byte("group"),
			Epoch:       1,
		},
		Extensions:      ExtensionList{},
		ConfirmationTag: ConfirmationTag{Data: []byte("tag")},
		SignerIndex:     0,
	}
	require.NoError(t, signGroupInfo(suite, sigPriv, &info))
	require.NoError(t, verifyGroupInfoSignature(suite, sigPub, info))

	tampered := info
	tampered.SignerIndex = 1
	require.Error(t, verifyGroupInfoSignature(suite, sigPub, tampered))
}

// TestWelcomeRoundTripForSingleRecipient has a live founder Group commit
// an Add, then feeds the resulting Welcome to joinGroupFromWelcome, to pin
// down the encrypted-GroupSecrets addressing and GroupInfo encryption
// path spec.md §4.I describes.
func TestWelcomeRoundTripForSingleRecipient(t *testing.T) {
	suite, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)
	idProvider := NewBasicIdentityProvider()
	pskStore := NewMemoryPSKStore()

	founderSigPriv, founderSigPub, err := suite.SignatureKeyGenerate()
	require.NoError(t, err)
	founderIdentity := basicIdentity(founderSigPub, []byte("alice"))
	_, founderHPKEPub, err := suite.KEMGenerate()
	require.NoError(t, err)
	founderLeaf, err := newKeyPackageLeafNode(suite, founderHPKEPub, founderIdentity, founderSigPriv, Lifetime{NotAfter: ^uint64(0)})
	require.NoError(t, err)

	founder, err := CreateGroup(suite, idProvider, pskStore, []byte("welcome-test-group"), founderLeaf, nil, founderSigPriv, ExtensionList{})
	require.NoError(t, err)

	kpBob, leafPrivBob, sigPrivBob, initPrivBob := newTestKeyPackage(t, suite, "bob")
	_, result, err := founder.Commit([]Proposal{NewAddProposal(kpBob)}, false)
	require.NoError(t, err)
	require.Len(t, result.Welcome.Secrets, 1)

	bob, err := joinGroupFromWelcome(suite, idProvider, pskStore, *result.Welcome, kpBob, leafPrivBob, sigPrivBob, initPrivBob)
	require.NoError(t, err)
	require.Equal(t, founder.context.TreeHash, bob.context.TreeHash)
	require.Equal(t, founder.epoch, bob.epoch)
}

package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func allSuites() []CipherSuite {
	return []CipherSuite{
		MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519,
		MLS_128_DHKEMP256_AES128GCM_SHA256_P256,
		MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519,
		MLS_256_DHKEMX448_AES256GCM_SHA512_Ed448,
		MLS_256_DHKEMP521_AES256GCM_SHA512_P521,
		MLS_256_DHKEMX448_CHACHA20POLY1305_SHA512_Ed448,
		MLS_256_DHKEMP384_AES256GCM_SHA384_P384,
	}
}

func TestFromRandomEpochSecretAcrossSuites(t *testing.T) {
	for _, suite := range allSuites() {
		p, err := NewDefaultCipherSuiteProvider(suite)
		require.NoError(t, err, "suite=%v", suite)

		ksr, err := FromRandomEpochSecret(p, 4)
		require.NoError(t, err)
		require.Len(t, ksr.KeySchedule.ExporterSecret, p.KDFExtractSize())
		require.Len(t, ksr.KeySchedule.MembershipKey, p.KDFExtractSize())
		require.NotEqual(t, ksr.KeySchedule.ExporterSecret, ksr.KeySchedule.AuthenticationSecret)
		require.NotNil(t, ksr.EpochSecrets.SecretTree)
	}
}

func TestFromRandomEpochSecretIsNotDeterministic(t *testing.T) {
	p, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)

	a, err := FromRandomEpochSecret(p, 4)
	require.NoError(t, err)
	b, err := FromRandomEpochSecret(p, 4)
	require.NoError(t, err)

	require.NotEqual(t, a.KeySchedule.ExporterSecret, b.KeySchedule.ExporterSecret)
}

// TestFromKeyScheduleIsDeterministic checks that advancing the same
// predecessor KeySchedule with the same commit secret and context always
// produces the same next epoch's secrets — the property two independent
// group members computing the same Commit rely on to land on matching
// epoch state.
func TestFromKeyScheduleIsDeterministic(t *testing.T) {
	p, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)

	first, err := FromRandomEpochSecret(p, 4)
	require.NoError(t, err)

	context := GroupContext{
		Version:     ProtocolVersionMLS10,
		CipherSuite: p.CipherSuite(),
		GroupID:     []byte("group"),
		Epoch:       1,
		TreeHash:    []byte("tree-hash"),
	}
	commitSecret := []byte("commit-secret-material-32-bytes")
	pskSecret := make([]byte, p.KDFExtractSize())

	a := FromKeySchedule(first.KeySchedule, commitSecret, context, 4, pskSecret)
	b := FromKeySchedule(first.KeySchedule, commitSecret, context, 4, pskSecret)

	require.Equal(t, a.KeySchedule.ExporterSecret, b.KeySchedule.ExporterSecret)
	require.Equal(t, a.ConfirmationKey, b.ConfirmationKey)
	require.Equal(t, a.JoinerSecret, b.JoinerSecret)
}

func TestExportSecretVariesByLabelAndContext(t *testing.T) {
	p, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)

	ksr, err := FromRandomEpochSecret(p, 4)
	require.NoError(t, err)

	a := ksr.KeySchedule.ExportSecret("label-a", []byte("ctx-1"), 32)
	b := ksr.KeySchedule.ExportSecret("label-b", []byte("ctx-1"), 32)
	c := ksr.KeySchedule.ExportSecret("label-a", []byte("ctx-2"), 32)

	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
}

func TestExternalInitRoundTrip(t *testing.T) {
	p, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)

	ksr, err := FromRandomEpochSecret(p, 4)
	require.NoError(t, err)

	_, externalPub, err := ksr.KeySchedule.GetExternalKeyPair()
	require.NoError(t, err)
	externalSK, _, err := ksr.KeySchedule.GetExternalKeyPair()
	require.NoError(t, err)

	initSecret, kemOutput, err := EncodeInitSecretForExternal(p, externalPub)
	require.NoError(t, err)

	decoded, err := DecodeInitSecretForExternal(p, kemOutput, externalSK)
	require.NoError(t, err)
	require.Equal(t, initSecret, decoded)
}

package mls

// EpochSecrets bundles the per-epoch values derived alongside the key
// schedule that are kept outside KeySchedule itself: the sender data
// secret and the secret tree rooted at
// encryption_secret (spec.md §3 "Epoch secrets").
type EpochSecrets struct {
	SenderDataSecret []byte
	ResumptionPSK    []byte
	SecretTree       *secretTree
}

// KeySchedule holds the long-lived epoch secrets described in spec.md §3:
// exporter_secret, authentication_secret (the epoch authenticator),
// external_secret, membership_key, and the next epoch's init_secret.
// When the next epoch's KeySchedule replaces it, the old value is simply
// dropped: its byte slices are not zeroized.
type KeySchedule struct {
	suite             CipherSuiteProvider
	ExporterSecret    []byte
	AuthenticationSecret []byte
	ExternalSecret    []byte
	MembershipKey     []byte
	InitSecret        []byte
}

// KeyScheduleResult is everything derived for a new epoch: the
// KeySchedule itself, the confirmation key used to tag the Commit that
// produced it, the joiner secret (needed to build Welcome messages), and
// the EpochSecrets.
type KeyScheduleResult struct {
	KeySchedule     KeySchedule
	ConfirmationKey []byte
	JoinerSecret    []byte
	EpochSecrets    EpochSecrets
}

// secretsProducer derives every epoch-scoped secret from a single
// epoch_secret via DeriveSecret, mirroring aws-mls's SecretsProducer.
type secretsProducer struct {
	suite       CipherSuiteProvider
	epochSecret []byte
}

func (p secretsProducer) derive(label string) []byte {
	return deriveSecret(p.suite, p.epochSecret, label)
}

// fromEpochSecret implements the tail of spec.md §4.F's ladder (step 5
// onward): derive every named secret from epoch_secret via DeriveSecret.
func fromEpochSecret(suite CipherSuiteProvider, epochSecret []byte, secretTreeSize leafCount) KeyScheduleResult {
	p := secretsProducer{suite, epochSecret}

	epochSecrets := EpochSecrets{
		SenderDataSecret: p.derive("sender data"),
		ResumptionPSK:    p.derive("resumption"),
		SecretTree:       newSecretTree(suite, secretTreeSize, p.derive("encryption")),
	}

	ks := KeySchedule{
		suite:                suite,
		ExporterSecret:       p.derive("exporter"),
		AuthenticationSecret: p.derive("authentication"),
		ExternalSecret:       p.derive("external"),
		MembershipKey:        p.derive("membership"),
		InitSecret:           p.derive("init"),
	}

	return KeyScheduleResult{
		KeySchedule:     ks,
		ConfirmationKey: p.derive("confirm"),
		JoinerSecret:    []byte{},
		EpochSecrets:    epochSecrets,
	}
}

// getPreEpochSecret implements spec.md §4.F step 3:
// pre_epoch = Extract(joiner_secret, psk_secret).
func getPreEpochSecret(suite CipherSuiteProvider, joinerSecret, pskSecret []byte) []byte {
	return suite.KDFExtract(joinerSecret, pskSecret)
}

// FromJoiner implements spec.md §4.F steps 3–6, starting from an already
// computed joiner_secret (the path a Welcome recipient takes).
func FromJoiner(suite CipherSuiteProvider, joinerSecret []byte, context GroupContext, secretTreeSize leafCount, pskSecret []byte) KeyScheduleResult {
	preEpoch := getPreEpochSecret(suite, joinerSecret, pskSecret)
	defer zeroize(preEpoch)

	epochSecret := expandWithLabel(suite, preEpoch, "epoch", context.bytes(), suite.KDFExtractSize())
	defer zeroize(epochSecret)

	return fromEpochSecret(suite, epochSecret, secretTreeSize)
}

// FromExternalInit implements spec.md §4.F steps 1–6 with the
// committer's init_secret replaced by one an external joiner derived
// via EncodeInitSecretForExternal/DecodeInitSecretForExternal, instead
// of a predecessor KeySchedule's own InitSecret — the external-commit
// variant of the ladder (spec.md §4.I "External commit"), since an
// external joiner never holds (and must never be given) the group's
// actual previous-epoch init_secret.
func FromExternalInit(suite CipherSuiteProvider, externalInitSecret, commitSecret []byte, context GroupContext, secretTreeSize leafCount, pskSecret []byte) KeyScheduleResult {
	joinerSeed := suite.KDFExtract(externalInitSecret, commitSecret)
	defer zeroize(joinerSeed)

	joinerSecret := expandWithLabel(suite, joinerSeed, "joiner", context.bytes(), suite.KDFExtractSize())

	result := FromJoiner(suite, joinerSecret, context, secretTreeSize, pskSecret)
	result.JoinerSecret = joinerSecret
	return result
}

// FromKeySchedule implements the full spec.md §4.F ladder, steps 1–6,
// advancing from the previous epoch's KeySchedule.
func FromKeySchedule(last KeySchedule, commitSecret []byte, context GroupContext, secretTreeSize leafCount, pskSecret []byte) KeyScheduleResult {
	return FromExternalInit(last.suite, last.InitSecret, commitSecret, context, secretTreeSize, pskSecret)
}

// FromRandomEpochSecret seeds a brand-new group's first epoch from
// random bytes instead of a predecessor key schedule (spec.md §4.F is
// silent on group creation; this is the conventional bootstrap every MLS
// implementation performs for epoch 0).
func FromRandomEpochSecret(suite CipherSuiteProvider, secretTreeSize leafCount) (KeyScheduleResult, error) {
	epochSecret, err := suite.RandomBytes(suite.KDFExtractSize())
	if err != nil {
		return KeyScheduleResult{}, wrapErr(KindCrypto, "FromRandomEpochSecret", "random bytes", err)
	}
	return fromEpochSecret(suite, epochSecret, secretTreeSize), nil
}

// ExportSecret implements spec.md §4.F's exporter formula:
// ExpandWithLabel(DeriveSecret(exporter_secret, label), "exported",
// H(context), len).
func (ks KeySchedule) ExportSecret(label string, context []byte, length int) []byte {
	secret := deriveSecret(ks.suite, ks.ExporterSecret, label)
	defer zeroize(secret)
	contextHash := ks.suite.Hash(context)
	return expandWithLabel(ks.suite, secret, "exported", contextHash, length)
}

// GetMembershipTag computes a MembershipTag over an AuthenticatedContent
// under this epoch's membership key (spec.md §4.J).
func (ks KeySchedule) GetMembershipTag(tbs, authData []byte) (MembershipTag, error) {
	return computeMembershipTag(ks.suite, ks.MembershipKey, tbs, authData)
}

// GetExternalKeyPair derives the HPKE key pair external joiners encap
// to, from external_secret (spec.md §4.F "External init").
func (ks KeySchedule) GetExternalKeyPair() (sk, pk []byte, err error) {
	sk, pk, err = ks.suite.KEMDerive(ks.ExternalSecret)
	if err != nil {
		return nil, nil, wrapErr(KindCrypto, "GetExternalKeyPair", "kem derive", err)
	}
	return sk, pk, nil
}

const externalInitLabel = "MLS 1.0 external init secret"

// EncodeInitSecretForExternal implements spec.md §4.F "External init":
// an external joiner derives init_secret by HPKE-exporting to the
// group's external-secret-derived KEM key pair.
func EncodeInitSecretForExternal(suite CipherSuiteProvider, externalPub []byte) (initSecret, kemOutput []byte, err error) {
	kemOutput, ctx, err := suite.HPKESetupS(externalPub, []byte{})
	if err != nil {
		return nil, nil, wrapErr(KindCrypto, "EncodeInitSecretForExternal", "hpke setup s", err)
	}
	initSecret, err = ctx.Export([]byte(externalInitLabel), suite.KDFExtractSize())
	if err != nil {
		return nil, nil, wrapErr(KindCrypto, "EncodeInitSecretForExternal", "export", err)
	}
	return initSecret, kemOutput, nil
}

// DecodeInitSecretForExternal is the existing-member-independent receive
// side of EncodeInitSecretForExternal: it decapsulates kemOutput with the
// external secret key and exports the same label.
func DecodeInitSecretForExternal(suite CipherSuiteProvider, kemOutput, externalSK []byte) ([]byte, error) {
	ctx, err := suite.HPKESetupR(kemOutput, externalSK, []byte{})
	if err != nil {
		return nil, wrapErr(KindCrypto, "DecodeInitSecretForExternal", "hpke setup r", err)
	}
	initSecret, err := ctx.Export([]byte(externalInitLabel), suite.KDFExtractSize())
	if err != nil {
		return nil, wrapErr(KindCrypto, "DecodeInitSecretForExternal", "export", err)
	}
	return initSecret, nil
}

// welcomeSecret derives the AEAD key/nonce used to encrypt a Welcome
// message body (spec.md §4.F "Welcome messages").
type welcomeSecret struct {
	suite CipherSuiteProvider
	key   []byte
	nonce []byte
}

func getWelcomeSecret(suite CipherSuiteProvider, joinerSecret, pskSecret []byte) []byte {
	preEpoch := getPreEpochSecret(suite, joinerSecret, pskSecret)
	defer zeroize(preEpoch)
	return deriveSecret(suite, preEpoch, "welcome")
}

func newWelcomeSecret(suite CipherSuiteProvider, joinerSecret, pskSecret []byte) welcomeSecret {
	secret := getWelcomeSecret(suite, joinerSecret, pskSecret)
	defer zeroize(secret)

	return welcomeSecret{
		suite: suite,
		key:   expandWithLabel(suite, secret, "key", []byte{}, suite.AEADKeySize()),
		nonce: expandWithLabel(suite, secret, "nonce", []byte{}, suite.AEADNonceSize()),
	}
}

func (w welcomeSecret) encrypt(plaintext []byte) ([]byte, error) {
	ct, err := w.suite.AEADSeal(w.key, plaintext, nil, w.nonce)
	if err != nil {
		return nil, wrapErr(KindCrypto, "welcomeSecret.encrypt", "aead seal", err)
	}
	return ct, nil
}

func (w welcomeSecret) decrypt(ciphertext []byte) ([]byte, error) {
	pt, err := w.suite.AEADOpen(w.key, ciphertext, nil, w.nonce)
	if err != nil {
		return nil, wrapErr(KindCrypto, "welcomeSecret.decrypt", "aead open", err)
	}
	return pt, nil
}

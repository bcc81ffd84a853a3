package mls

// CipherSuite is the 16-bit IANA-registered tag selecting a concrete
// (KEM, KDF, AEAD, signature, hash) tuple. The engine never branches on
// its value directly; it only ever asks a CipherSuiteProvider to act on
// its behalf, per spec.md §6.
type CipherSuite uint16

const (
	MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519         CipherSuite = 0x0001
	MLS_128_DHKEMP256_AES128GCM_SHA256_P256              CipherSuite = 0x0002
	MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519  CipherSuite = 0x0003
	MLS_256_DHKEMX448_AES256GCM_SHA512_Ed448             CipherSuite = 0x0004
	MLS_256_DHKEMP521_AES256GCM_SHA512_P521              CipherSuite = 0x0005
	MLS_256_DHKEMX448_CHACHA20POLY1305_SHA512_Ed448      CipherSuite = 0x0006
	MLS_256_DHKEMP384_AES256GCM_SHA384_P384              CipherSuite = 0x0007
)

// HPKEContextS is the sender-side HPKE context left open by HPKESetupS.
// Callers must Export or Seal exactly once and then discard it — the
// engine never holds one open across a suspension point other than its
// own immediate use (spec.md §5).
type HPKEContextS interface {
	Seal(aad, pt []byte) ([]byte, error)
	Export(context []byte, length int) ([]byte, error)
}

// HPKEContextR is the receiver-side counterpart of HPKEContextS.
type HPKEContextR interface {
	Open(aad, ct []byte) ([]byte, error)
	Export(context []byte, length int) ([]byte, error)
}

// CipherSuiteProvider is the capability the engine consumes for every
// cryptographic operation named in spec.md §6. It is the only boundary
// across which the engine is generic over concrete primitives; every
// method here is a suspension point per spec.md §5.
type CipherSuiteProvider interface {
	CipherSuite() CipherSuite

	Hash(b []byte) []byte
	MAC(key, b []byte) []byte

	KDFExtract(salt, ikm []byte) []byte
	KDFExpand(prk, info []byte, length int) []byte
	KDFExtractSize() int

	AEADSeal(key, pt, aad, nonce []byte) ([]byte, error)
	AEADOpen(key, ct, aad, nonce []byte) ([]byte, error)
	AEADKeySize() int
	AEADNonceSize() int

	// HPKESetupS seals to a recipient public key, returning the KEM
	// output to transmit alongside whatever the context then seals.
	HPKESetupS(pkR []byte, info []byte) (kemOutput []byte, ctx HPKEContextS, err error)
	// HPKESetupR opens against the local private key and the peer's KEM
	// output.
	HPKESetupR(kemOutput []byte, skR []byte, info []byte) (HPKEContextR, error)

	// KEMDerive produces a deterministic HPKE key pair from a seed, used
	// to turn a path secret / external secret into an HPKE key pair.
	KEMDerive(seed []byte) (sk, pk []byte, err error)
	// KEMGenerate produces a fresh random HPKE key pair.
	KEMGenerate() (sk, pk []byte, err error)

	SignatureKeyGenerate() (sk, pk []byte, err error)
	Sign(sk, message []byte) ([]byte, error)
	Verify(pk, sig, message []byte) bool

	RandomBytes(length int) ([]byte, error)
}

// mlsLabel is the TLS-presentation-language-encoded structure underlying
// ExpandWithLabel, per spec.md §4.F: it binds the requested output
// length, an "MLS 1.0 "-prefixed label, and the context.
type mlsLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

const labelPrefix = "MLS 1.0 "

// expandWithLabel implements spec.md §4.F's ExpandWithLabel.
func expandWithLabel(suite CipherSuiteProvider, secret []byte, label string, context []byte, length int) []byte {
	l := mlsLabel{
		Length:  uint16(length),
		Label:   []byte(labelPrefix + label),
		Context: context,
	}
	info, err := marshal(&l)
	if err != nil {
		// mlsLabel is a fixed, always-encodable shape; a failure here
		// indicates a codec bug, not a runtime condition callers can
		// recover from.
		panic(wrapErr(KindMalformed, "expandWithLabel", "encode label", err))
	}
	return suite.KDFExpand(secret, info, length)
}

// deriveSecret implements spec.md §4.F's DeriveSecret.
func deriveSecret(suite CipherSuiteProvider, secret []byte, label string) []byte {
	return expandWithLabel(suite, secret, label, []byte{}, suite.KDFExtractSize())
}

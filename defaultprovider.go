package mls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"
	"math/big"

	"github.com/cisco/go-hpke"
	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// The RFC 9180 HPKE KEM/KDF/AEAD registry IDs, typed as the go-hpke
// package's own id types rather than re-declaring them there, since
// AssembleCipherSuite (called below, and by go-hpke's own
// unmarshalContext) takes exactly these three types.
const (
	hpkeKEMP256   hpke.KEMID = 0x0010
	hpkeKEMP384   hpke.KEMID = 0x0011
	hpkeKEMP521   hpke.KEMID = 0x0012
	hpkeKEMX25519 hpke.KEMID = 0x0020
	hpkeKEMX448   hpke.KEMID = 0x0021

	hpkeKDFSHA256 hpke.KDFID = 0x0001
	hpkeKDFSHA384 hpke.KDFID = 0x0002
	hpkeKDFSHA512 hpke.KDFID = 0x0003

	hpkeAEADAES128GCM        hpke.AEADID = 0x0001
	hpkeAEADAES256GCM        hpke.AEADID = 0x0002
	hpkeAEADChaCha20Poly1305 hpke.AEADID = 0x0003
)

// signatureScheme names the signature algorithm bound to a suite. MLS
// pairs each suite's KEM/AEAD/hash with exactly one signature scheme
// (spec.md §6's suite table), so this is a fixed lookup, not a runtime
// choice.
type signatureScheme int

const (
	sigEd25519 signatureScheme = iota
	sigEd448
	sigP256
	sigP384
	sigP521
)

type suiteParams struct {
	kem  hpke.KEMID
	kdf  hpke.KDFID
	aead hpke.AEADID
	hash func() hash.Hash
	sig  signatureScheme
}

var defaultSuiteParams = map[CipherSuite]suiteParams{
	MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519:        {hpkeKEMX25519, hpkeKDFSHA256, hpkeAEADAES128GCM, sha256.New, sigEd25519},
	MLS_128_DHKEMP256_AES128GCM_SHA256_P256:             {hpkeKEMP256, hpkeKDFSHA256, hpkeAEADAES128GCM, sha256.New, sigP256},
	MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519: {hpkeKEMX25519, hpkeKDFSHA256, hpkeAEADChaCha20Poly1305, sha256.New, sigEd25519},
	MLS_256_DHKEMX448_AES256GCM_SHA512_Ed448:            {hpkeKEMX448, hpkeKDFSHA512, hpkeAEADAES256GCM, sha512.New, sigEd448},
	MLS_256_DHKEMP521_AES256GCM_SHA512_P521:             {hpkeKEMP521, hpkeKDFSHA512, hpkeAEADAES256GCM, sha512.New, sigP521},
	MLS_256_DHKEMX448_CHACHA20POLY1305_SHA512_Ed448:     {hpkeKEMX448, hpkeKDFSHA512, hpkeAEADChaCha20Poly1305, sha512.New, sigEd448},
	MLS_256_DHKEMP384_AES256GCM_SHA384_P384:             {hpkeKEMP384, hpkeKDFSHA384, hpkeAEADAES256GCM, sha512.New384, sigP384},
}

// defaultProvider is the reference CipherSuiteProvider: go-hpke for KEM
// and HPKE context setup, stdlib/x-crypto AEADs for direct
// Protect/Unprotect use, stdlib ed25519/ecdsa plus circl's ed448 for
// signatures, and x/crypto/hkdf for the Extract/Expand primitives the
// key schedule ladder is built from.
type defaultProvider struct {
	suite     CipherSuite
	params    suiteParams
	hpkeSuite hpke.CipherSuite
}

// NewDefaultCipherSuiteProvider constructs the reference
// CipherSuiteProvider for one of the seven suites in spec.md §6's
// table.
func NewDefaultCipherSuiteProvider(suite CipherSuite) (CipherSuiteProvider, error) {
	params, ok := defaultSuiteParams[suite]
	if !ok {
		return nil, newErr(KindUnsupported, "NewDefaultCipherSuiteProvider", "unknown cipher suite")
	}

	hpkeSuite, err := hpke.AssembleCipherSuite(params.kem, params.kdf, params.aead)
	if err != nil {
		return nil, wrapErr(KindCrypto, "NewDefaultCipherSuiteProvider", "assemble hpke suite", err)
	}

	return &defaultProvider{suite: suite, params: params, hpkeSuite: hpkeSuite}, nil
}

func (p *defaultProvider) CipherSuite() CipherSuite { return p.suite }

func (p *defaultProvider) Hash(b []byte) []byte {
	h := p.params.hash()
	h.Write(b)
	return h.Sum(nil)
}

func (p *defaultProvider) MAC(key, b []byte) []byte {
	m := hmac.New(p.params.hash, key)
	m.Write(b)
	return m.Sum(nil)
}

func (p *defaultProvider) KDFExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(p.params.hash, ikm, salt)
}

func (p *defaultProvider) KDFExpand(prk, info []byte, length int) []byte {
	out := make([]byte, length)
	r := hkdf.Expand(p.params.hash, prk, info)
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf.Expand only fails to fill when the caller asks for more
		// than 255*Nh bytes, which no MLS label ever does.
		panic(wrapErr(KindCrypto, "KDFExpand", "read expanded output", err))
	}
	return out
}

func (p *defaultProvider) KDFExtractSize() int {
	return p.params.hash().Size()
}

func (p *defaultProvider) newAEAD(key []byte) (cipher.AEAD, error) {
	switch p.params.aead {
	case hpkeAEADAES128GCM, hpkeAEADAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case hpkeAEADChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, newErr(KindUnsupported, "newAEAD", "unknown aead id")
	}
}

func (p *defaultProvider) AEADSeal(key, pt, aad, nonce []byte) ([]byte, error) {
	a, err := p.newAEAD(key)
	if err != nil {
		return nil, wrapErr(KindCrypto, "AEADSeal", "construct aead", err)
	}
	return a.Seal(nil, nonce, pt, aad), nil
}

func (p *defaultProvider) AEADOpen(key, ct, aad, nonce []byte) ([]byte, error) {
	a, err := p.newAEAD(key)
	if err != nil {
		return nil, wrapErr(KindCrypto, "AEADOpen", "construct aead", err)
	}
	pt, err := a.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, wrapErr(KindCrypto, "AEADOpen", "authentication failed", err)
	}
	return pt, nil
}

func (p *defaultProvider) AEADKeySize() int {
	switch p.params.aead {
	case hpkeAEADAES128GCM:
		return 16
	case hpkeAEADAES256GCM:
		return 32
	case hpkeAEADChaCha20Poly1305:
		return chacha20poly1305.KeySize
	default:
		return 0
	}
}

func (p *defaultProvider) AEADNonceSize() int {
	if p.params.aead == hpkeAEADChaCha20Poly1305 {
		return chacha20poly1305.NonceSize
	}
	return 12 // AES-GCM's standard nonce size, shared by both AEAD_AESGCM suites
}

// hpkeContextS adapts go-hpke's *EncryptContext to HPKEContextS. Seal
// in this version of go-hpke cannot fail (it panics internally on a
// sequence-number wrap, a condition MLS's bounded per-message usage
// never reaches), so the error return is always nil.
type hpkeContextS struct{ ctx *hpke.EncryptContext }

func (c hpkeContextS) Seal(aad, pt []byte) ([]byte, error) {
	return c.ctx.Seal(aad, pt), nil
}

func (c hpkeContextS) Export(context []byte, length int) ([]byte, error) {
	return c.ctx.Export(context, length), nil
}

type hpkeContextR struct{ ctx *hpke.DecryptContext }

func (c hpkeContextR) Open(aad, ct []byte) ([]byte, error) {
	return c.ctx.Open(aad, ct)
}

func (c hpkeContextR) Export(context []byte, length int) ([]byte, error) {
	return c.ctx.Export(context, length), nil
}

func (p *defaultProvider) HPKESetupS(pkR []byte, info []byte) ([]byte, HPKEContextS, error) {
	pk, err := p.hpkeSuite.KEM.Deserialize(pkR)
	if err != nil {
		return nil, nil, wrapErr(KindCrypto, "HPKESetupS", "deserialize recipient key", err)
	}
	enc, ctx, err := hpke.SetupBaseS(p.hpkeSuite, rand.Reader, pk, info)
	if err != nil {
		return nil, nil, wrapErr(KindCrypto, "HPKESetupS", "setup base s", err)
	}
	return enc, hpkeContextS{ctx}, nil
}

func (p *defaultProvider) HPKESetupR(kemOutput []byte, skR []byte, info []byte) (HPKEContextR, error) {
	sk, err := p.hpkeSuite.KEM.DeserializePrivate(skR)
	if err != nil {
		return nil, wrapErr(KindCrypto, "HPKESetupR", "deserialize own private key", err)
	}
	ctx, err := hpke.SetupBaseR(p.hpkeSuite, sk, kemOutput, info)
	if err != nil {
		return nil, wrapErr(KindCrypto, "HPKESetupR", "setup base r", err)
	}
	return hpkeContextR{ctx}, nil
}

func (p *defaultProvider) KEMDerive(seed []byte) (sk, pk []byte, err error) {
	priv, pub, err := p.hpkeSuite.KEM.DeriveKeyPair(seed)
	if err != nil {
		return nil, nil, wrapErr(KindCrypto, "KEMDerive", "derive key pair", err)
	}
	return p.hpkeSuite.KEM.SerializePrivate(priv), p.hpkeSuite.KEM.Serialize(pub), nil
}

func (p *defaultProvider) KEMGenerate() (sk, pk []byte, err error) {
	seed := make([]byte, p.hpkeSuite.KEM.PrivateKeySize())
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, nil, wrapErr(KindCrypto, "KEMGenerate", "read random seed", err)
	}
	defer zeroize(seed)
	return p.KEMDerive(seed)
}

func (p *defaultProvider) ecdsaCurve() elliptic.Curve {
	switch p.params.sig {
	case sigP256:
		return elliptic.P256()
	case sigP384:
		return elliptic.P384()
	case sigP521:
		return elliptic.P521()
	default:
		return nil
	}
}

func (p *defaultProvider) SignatureKeyGenerate() (sk, pk []byte, err error) {
	switch p.params.sig {
	case sigEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, wrapErr(KindCrypto, "SignatureKeyGenerate", "ed25519 generate", err)
		}
		return dup(priv.Seed()), dup([]byte(pub)), nil
	case sigEd448:
		pub, priv, err := ed448.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, wrapErr(KindCrypto, "SignatureKeyGenerate", "ed448 generate", err)
		}
		return dup(priv.Seed()), dup([]byte(pub)), nil
	default:
		curve := p.ecdsaCurve()
		priv, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, nil, wrapErr(KindCrypto, "SignatureKeyGenerate", "ecdsa generate", err)
		}
		size := (curve.Params().BitSize + 7) / 8
		skBytes := make([]byte, size)
		priv.D.FillBytes(skBytes)
		return skBytes, elliptic.Marshal(curve, priv.X, priv.Y), nil
	}
}

// validateECDSAScalar enforces spec.md §8's "Order-range on NIST
// scalars": a private scalar deserialized from storage must be nonzero
// and strictly less than the curve order, or it isn't a valid key at
// all (and, if crafted, could leak bits of the signing key through
// ECDSA's reduction mod N).
func validateECDSAScalar(curve elliptic.Curve, d *big.Int) error {
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return newErr(KindValidation, "validateECDSAScalar", "scalar is zero or exceeds curve order")
	}
	return nil
}

func (p *defaultProvider) Sign(sk, message []byte) ([]byte, error) {
	switch p.params.sig {
	case sigEd25519:
		return ed25519.Sign(ed25519.NewKeyFromSeed(sk), message), nil
	case sigEd448:
		return ed448.Sign(ed448.NewKeyFromSeed(sk), message, ""), nil
	default:
		curve := p.ecdsaCurve()
		d := new(big.Int).SetBytes(sk)
		if err := validateECDSAScalar(curve, d); err != nil {
			return nil, err
		}
		priv := new(ecdsa.PrivateKey)
		priv.Curve = curve
		priv.D = d
		priv.X, priv.Y = curve.ScalarBaseMult(sk)
		digest := p.Hash(message)
		sig, err := ecdsa.SignASN1(rand.Reader, priv, digest)
		if err != nil {
			return nil, wrapErr(KindCrypto, "Sign", "ecdsa sign", err)
		}
		return sig, nil
	}
}

func (p *defaultProvider) Verify(pk, sig, message []byte) bool {
	switch p.params.sig {
	case sigEd25519:
		if len(pk) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pk), message, sig)
	case sigEd448:
		return ed448.Verify(ed448.PublicKey(pk), message, sig, "")
	default:
		curve := p.ecdsaCurve()
		x, y := elliptic.Unmarshal(curve, pk)
		if x == nil {
			return false
		}
		pub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
		digest := p.Hash(message)
		return ecdsa.VerifyASN1(pub, digest, sig)
	}
}

func (p *defaultProvider) RandomBytes(length int) ([]byte, error) {
	b := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, wrapErr(KindCrypto, "RandomBytes", "read random bytes", err)
	}
	return b, nil
}

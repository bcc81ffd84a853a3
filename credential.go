package mls

// CredentialType identifies how a SigningIdentity's credential binds a
// signature key to an external identity. Concrete validation is the
// identity provider's job (spec.md §6); the engine only carries the
// bytes and compares canonical identities.
type CredentialType uint16

const (
	BasicCredential CredentialType = 1
	X509Credential  CredentialType = 2
)

// Credential is a tagged union: a basic credential carries a raw
// identity string, an X.509 credential carries a certificate chain. The
// engine never interprets either — it only hands them to an
// IdentityProvider.
type Credential struct {
	CredentialType CredentialType
	Identity       []byte   `tls:"head=2"`
	Certificates   [][]byte `tls:"head=4"`
}

// MarshalTLS encodes the credential union, writing only the field that
// applies to CredentialType.
func (c Credential) MarshalTLS() ([]byte, error) {
	switch c.CredentialType {
	case BasicCredential:
		return marshal(&struct {
			CredentialType CredentialType
			Identity       []byte `tls:"head=2"`
		}{c.CredentialType, c.Identity})
	case X509Credential:
		return marshal(&struct {
			CredentialType CredentialType
			Certificates   [][]byte `tls:"head=4"`
		}{c.CredentialType, c.Certificates})
	default:
		return nil, newErr(KindUnsupported, "Credential.MarshalTLS", "unknown credential type")
	}
}

// UnmarshalTLS decodes the credential union.
func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	var ct CredentialType
	n, err := unmarshal(data, &ct)
	if err != nil {
		return 0, err
	}

	switch ct {
	case BasicCredential:
		var body struct {
			Identity []byte `tls:"head=2"`
		}
		m, err := unmarshal(data[n:], &body)
		if err != nil {
			return 0, err
		}
		c.CredentialType = ct
		c.Identity = body.Identity
		return n + m, nil
	case X509Credential:
		var body struct {
			Certificates [][]byte `tls:"head=4"`
		}
		m, err := unmarshal(data[n:], &body)
		if err != nil {
			return 0, err
		}
		c.CredentialType = ct
		c.Certificates = body.Certificates
		return n + m, nil
	default:
		return 0, newErr(KindUnsupported, "Credential.UnmarshalTLS", "unknown credential type")
	}
}

// SigningIdentity binds a signature public key to a Credential. It is
// the subject of every LeafNode and KeyPackage signature.
type SigningIdentity struct {
	SignatureKey []byte `tls:"head=2"`
	Credential   Credential
}

func basicIdentity(signatureKey, identity []byte) SigningIdentity {
	return SigningIdentity{
		SignatureKey: dup(signatureKey),
		Credential: Credential{
			CredentialType: BasicCredential,
			Identity:       dup(identity),
		},
	}
}

package mls

import "bytes"

// IdentityProvider is the capability consumed for Add admission and
// Update identity-stability checks (spec.md §6). It maps a
// SigningIdentity to a canonical identity byte string and validates a
// credential against an optional CA context.
type IdentityProvider interface {
	// Identity returns the canonical identity bytes a SigningIdentity
	// represents, used to detect identity changes across Update/Commit.
	Identity(id SigningIdentity) ([]byte, error)
	// Validate checks the credential itself (signature chain, expiry,
	// revocation, ...); groupContext is available for schemes that bind
	// validation to the group (e.g. a per-group trust anchor extension).
	Validate(id SigningIdentity, groupContext []byte) error
}

// BasicIdentityProvider implements IdentityProvider for BasicCredential
// only: the canonical identity is the raw identity bytes, and validation
// accepts any BasicCredential with a non-empty identity, grounded on aws-mls's BasicIdentityValidator used
// throughout tree_kem/update_path.rs's tests.
type BasicIdentityProvider struct{}

func NewBasicIdentityProvider() BasicIdentityProvider { return BasicIdentityProvider{} }

func (BasicIdentityProvider) Identity(id SigningIdentity) ([]byte, error) {
	if id.Credential.CredentialType != BasicCredential {
		return nil, newErr(KindUnsupported, "BasicIdentityProvider.Identity", "not a basic credential")
	}
	return dup(id.Credential.Identity), nil
}

func (BasicIdentityProvider) Validate(id SigningIdentity, _ []byte) error {
	if id.Credential.CredentialType != BasicCredential {
		return newErr(KindUnsupported, "BasicIdentityProvider.Validate", "not a basic credential")
	}
	if len(id.Credential.Identity) == 0 {
		return newErr(KindValidation, "BasicIdentityProvider.Validate", "empty identity")
	}
	return nil
}

func sameIdentity(a, b []byte) bool { return bytes.Equal(a, b) }

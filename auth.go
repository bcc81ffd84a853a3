package mls

import "crypto/subtle"

// signContent is the structure signed over for every sign-with-label
// call (spec.md §4.J): label = "MLS 1.0 " || L, over the caller-supplied
// content bytes.
type signContent struct {
	Label   []byte `tls:"head=1"`
	Content []byte `tls:"head=4"`
}

func signWithLabel(suite CipherSuiteProvider, sk []byte, label string, content []byte) ([]byte, error) {
	sc := signContent{Label: []byte(labelPrefix + label), Content: content}
	tbs, err := marshal(&sc)
	if err != nil {
		return nil, err
	}
	sig, err := suite.Sign(sk, tbs)
	if err != nil {
		return nil, wrapErr(KindCrypto, "signWithLabel", "sign failed", err)
	}
	return sig, nil
}

func verifyWithLabel(suite CipherSuiteProvider, pk []byte, label string, content, sig []byte) bool {
	sc := signContent{Label: []byte(labelPrefix + label), Content: content}
	tbs, err := marshal(&sc)
	if err != nil {
		return false
	}
	return suite.Verify(pk, sig, tbs)
}

// MembershipTag authenticates a PublicMessage as coming from a current
// member, MAC'd under the epoch's membership_key (spec.md §4.J).
type MembershipTag struct {
	Data []byte `tls:"head=1"`
}

// authenticatedContentTBM is the "to be MAC'd" view of an
// AuthenticatedContent: its TBS form plus its auth data, grounded on
// aws-mls's AuthenticatedContentTBM.
type authenticatedContentTBM struct {
	TBS  []byte `tls:"head=4"`
	Auth []byte `tls:"head=4"`
}

func computeMembershipTag(suite CipherSuiteProvider, membershipKey []byte, tbs, authData []byte) (MembershipTag, error) {
	tbm := authenticatedContentTBM{TBS: tbs, Auth: authData}
	enc, err := marshal(&tbm)
	if err != nil {
		return MembershipTag{}, err
	}
	return MembershipTag{Data: suite.MAC(membershipKey, enc)}, nil
}

func verifyMembershipTag(suite CipherSuiteProvider, membershipKey []byte, tbs, authData []byte, tag MembershipTag) error {
	expected, err := computeMembershipTag(suite, membershipKey, tbs, authData)
	if err != nil {
		return err
	}
	if !constantTimeEqual(expected.Data, tag.Data) {
		return newErr(KindAuthentication, "verifyMembershipTag", "membership tag mismatch")
	}
	return nil
}

// ConfirmationTag authenticates that a Commit's sender observed the same
// confirmed_transcript_hash every other member will compute (spec.md
// §4.F step 6, §8 "Confirmation uniqueness").
type ConfirmationTag struct {
	Data []byte `tls:"head=1"`
}

func computeConfirmationTag(suite CipherSuiteProvider, confirmationKey, confirmedTranscriptHash []byte) ConfirmationTag {
	return ConfirmationTag{Data: suite.MAC(confirmationKey, confirmedTranscriptHash)}
}

func verifyConfirmationTag(suite CipherSuiteProvider, confirmationKey, confirmedTranscriptHash []byte, tag ConfirmationTag) error {
	expected := computeConfirmationTag(suite, confirmationKey, confirmedTranscriptHash)
	if !constantTimeEqual(expected.Data, tag.Data) {
		return newErr(KindAuthentication, "verifyConfirmationTag", "confirmation tag mismatch")
	}
	return nil
}

func constantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

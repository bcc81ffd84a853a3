package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestKeyPackage(t *testing.T, suite CipherSuiteProvider, name string) (KeyPackage, []byte, []byte, []byte) {
	t.Helper()
	sigPriv, sigPub, err := suite.SignatureKeyGenerate()
	require.NoError(t, err)
	identity := basicIdentity(sigPub, []byte(name))
	kp, leafPriv, initPriv, err := NewKeyPackage(suite, identity, sigPriv, Lifetime{NotBefore: 0, NotAfter: ^uint64(0)})
	require.NoError(t, err)
	return kp, leafPriv, sigPriv, initPriv
}

func newTestGroupPair(t *testing.T) (suite CipherSuiteProvider, idProvider IdentityProvider, pskStore PSKStore, founder *Group) {
	t.Helper()
	suite, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)
	idProvider = NewBasicIdentityProvider()
	pskStore = NewMemoryPSKStore()

	kp0, leafPriv0, sigPriv0, _ := newTestKeyPackage(t, suite, "alice")
	founder, err = CreateGroup(suite, idProvider, pskStore, []byte("test-group"), kp0.LeafNode, leafPriv0, sigPriv0, ExtensionList{})
	require.NoError(t, err)
	return suite, idProvider, pskStore, founder
}

// TestTwoMemberCreationAndApplicationRoundTrip covers spec.md §8's
// "two-member creation" scenario: a founder Commits an Add for a second
// member, the second member joins from the resulting Welcome, and both
// ends of the application-message ratchet agree.
func TestTwoMemberCreationAndApplicationRoundTrip(t *testing.T) {
	suite, idProvider, pskStore, alice := newTestGroupPair(t)

	kpBob, leafPrivBob, sigPrivBob, initPrivBob := newTestKeyPackage(t, suite, "bob")
	_, result, err := alice.Commit([]Proposal{NewAddProposal(kpBob)}, false)
	require.NoError(t, err)
	require.NotNil(t, result.Welcome)

	bob, err := joinGroupFromWelcome(suite, idProvider, pskStore, *result.Welcome, kpBob, leafPrivBob, sigPrivBob, initPrivBob)
	require.NoError(t, err)

	require.Equal(t, alice.epoch, bob.epoch)
	require.Equal(t, alice.context.TreeHash, bob.context.TreeHash)

	msg, err := alice.Protect([]byte("hello bob"))
	require.NoError(t, err)
	plain, err := bob.Unprotect(*msg.PrivateMessage)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), plain)

	reply, err := bob.Protect([]byte("hi alice"))
	require.NoError(t, err)
	plainReply, err := alice.Unprotect(*reply.PrivateMessage)
	require.NoError(t, err)
	require.Equal(t, []byte("hi alice"), plainReply)
}

// TestEmptyCommitRefreshesPath covers the own-path-update cycle: a
// Commit with no proposals but updatePath=true must still advance the
// epoch and leave both members' key schedules agreeing.
func TestEmptyCommitRefreshesPath(t *testing.T) {
	suite, idProvider, pskStore, alice := newTestGroupPair(t)

	kpBob, leafPrivBob, sigPrivBob, initPrivBob := newTestKeyPackage(t, suite, "bob")
	_, addResult, err := alice.Commit([]Proposal{NewAddProposal(kpBob)}, false)
	require.NoError(t, err)
	bob, err := joinGroupFromWelcome(suite, idProvider, pskStore, *addResult.Welcome, kpBob, leafPrivBob, sigPrivBob, initPrivBob)
	require.NoError(t, err)

	priorLeafPriv := dup(alice.leafPriv)
	commitMsg, result, err := alice.Commit(nil, true)
	require.NoError(t, err)
	require.Nil(t, result.Welcome)
	require.NotEqual(t, priorLeafPriv, alice.leafPriv)

	_, _, err = bob.HandlePublicMessage(*commitMsg.PublicMessage)
	require.NoError(t, err)
	require.Equal(t, alice.epoch, bob.epoch)
	require.Equal(t, alice.context.ConfirmedTranscriptHash, bob.context.ConfirmedTranscriptHash)

	msg, err := alice.Protect([]byte("after refresh"))
	require.NoError(t, err)
	plain, err := bob.Unprotect(*msg.PrivateMessage)
	require.NoError(t, err)
	require.Equal(t, []byte("after refresh"), plain)
}

// TestUpdateProposedByOneMemberCommittedByAnother covers spec.md §8's
// "member i proposes Update, member i+1 commits it" scenario: the
// proposer, not the committer, must end up holding the new leaf/signing
// private keys once the Commit lands.
func TestUpdateProposedByOneMemberCommittedByAnother(t *testing.T) {
	suite, idProvider, pskStore, alice := newTestGroupPair(t)

	kpBob, leafPrivBob, sigPrivBob, initPrivBob := newTestKeyPackage(t, suite, "bob")
	_, addBobResult, err := alice.Commit([]Proposal{NewAddProposal(kpBob)}, false)
	require.NoError(t, err)
	bob, err := joinGroupFromWelcome(suite, idProvider, pskStore, *addBobResult.Welcome, kpBob, leafPrivBob, sigPrivBob, initPrivBob)
	require.NoError(t, err)

	kpCarol, leafPrivCarol, sigPrivCarol, initPrivCarol := newTestKeyPackage(t, suite, "carol")
	addCarolMsg, addCarolResult, err := alice.Commit([]Proposal{NewAddProposal(kpCarol)}, false)
	require.NoError(t, err)
	_, _, err = bob.HandlePublicMessage(*addCarolMsg.PublicMessage)
	require.NoError(t, err)
	carol, err := joinGroupFromWelcome(suite, idProvider, pskStore, *addCarolResult.Welcome, kpCarol, leafPrivCarol, sigPrivCarol, initPrivCarol)
	require.NoError(t, err)

	require.Equal(t, alice.epoch, bob.epoch)
	require.Equal(t, alice.epoch, carol.epoch)

	newSigPriv, _, err := suite.SignatureKeyGenerate()
	require.NoError(t, err)
	newLeafSK, newLeafPK, err := suite.KEMGenerate()
	require.NoError(t, err)

	proposeMsg, err := bob.ProposeUpdate(newSigPriv, newLeafSK, newLeafPK)
	require.NoError(t, err)

	_, _, err = alice.HandlePublicMessage(*proposeMsg.PublicMessage)
	require.NoError(t, err)
	_, _, err = carol.HandlePublicMessage(*proposeMsg.PublicMessage)
	require.NoError(t, err)

	commitMsg, commitResult, err := carol.Commit(nil, false)
	require.NoError(t, err)
	require.Nil(t, commitResult.Welcome)

	_, _, err = alice.HandlePublicMessage(*commitMsg.PublicMessage)
	require.NoError(t, err)
	_, _, err = bob.HandlePublicMessage(*commitMsg.PublicMessage)
	require.NoError(t, err)

	require.Equal(t, newLeafSK, bob.leafPriv)
	require.Equal(t, newSigPriv, bob.sigPriv)
	require.Equal(t, alice.epoch, bob.epoch)
	require.Equal(t, carol.epoch, bob.epoch)

	msg, err := bob.Protect([]byte("updated identity speaking"))
	require.NoError(t, err)
	plain, err := alice.Unprotect(*msg.PrivateMessage)
	require.NoError(t, err)
	require.Equal(t, []byte("updated identity speaking"), plain)
}

// TestRemoveToSingleMember covers spec.md §8's "remove-to-one" scenario:
// removing every other member in one Commit must blank their leaves,
// keep the committer's own leaf, and leave it able to protect messages.
func TestRemoveToSingleMember(t *testing.T) {
	suite, idProvider, pskStore, alice := newTestGroupPair(t)

	kpBob, leafPrivBob, sigPrivBob, initPrivBob := newTestKeyPackage(t, suite, "bob")
	_, addBobResult, err := alice.Commit([]Proposal{NewAddProposal(kpBob)}, false)
	require.NoError(t, err)
	bob, err := joinGroupFromWelcome(suite, idProvider, pskStore, *addBobResult.Welcome, kpBob, leafPrivBob, sigPrivBob, initPrivBob)
	require.NoError(t, err)

	kpCarol, leafPrivCarol, sigPrivCarol, initPrivCarol := newTestKeyPackage(t, suite, "carol")
	addCarolMsg, addCarolResult, err := alice.Commit([]Proposal{NewAddProposal(kpCarol)}, false)
	require.NoError(t, err)
	_, _, err = bob.HandlePublicMessage(*addCarolMsg.PublicMessage)
	require.NoError(t, err)
	_, err = joinGroupFromWelcome(suite, idProvider, pskStore, *addCarolResult.Welcome, kpCarol, leafPrivCarol, sigPrivCarol, initPrivCarol)
	require.NoError(t, err)

	bobIndex := bob.index
	carolIndex := leafIndex(2)

	_, result, err := alice.Commit([]Proposal{
		NewRemoveProposal(bobIndex),
		NewRemoveProposal(carolIndex),
	}, true)
	require.NoError(t, err)
	require.Nil(t, result.Welcome)

	_, ok := alice.tree.leafAt(bobIndex)
	require.False(t, ok)
	_, ok = alice.tree.leafAt(carolIndex)
	require.False(t, ok)

	_, ok = alice.tree.leafAt(alice.index)
	require.True(t, ok)

	msg, err := alice.Protect([]byte("alone now"))
	require.NoError(t, err)
	_ = msg
}

// TestHandlePublicMessageRejectsStaleEpoch covers spec.md §8's
// self-consistency property: a PublicMessage whose epoch no longer
// matches the recipient's current epoch must be rejected with
// ErrStateMismatch rather than reprocessed against the wrong context.
func TestHandlePublicMessageRejectsStaleEpoch(t *testing.T) {
	suite, idProvider, pskStore, alice := newTestGroupPair(t)

	kpBob, leafPrivBob, sigPrivBob, initPrivBob := newTestKeyPackage(t, suite, "bob")
	_, addResult, err := alice.Commit([]Proposal{NewAddProposal(kpBob)}, false)
	require.NoError(t, err)
	bob, err := joinGroupFromWelcome(suite, idProvider, pskStore, *addResult.Welcome, kpBob, leafPrivBob, sigPrivBob, initPrivBob)
	require.NoError(t, err)

	commitMsg, _, err := alice.Commit(nil, true)
	require.NoError(t, err)
	_, _, err = bob.HandlePublicMessage(*commitMsg.PublicMessage)
	require.NoError(t, err)

	_, _, err = bob.HandlePublicMessage(*commitMsg.PublicMessage)
	require.ErrorIs(t, err, ErrStateMismatch)
}

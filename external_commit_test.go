package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestExternalCommitJoinsExistingGroup covers spec.md §8's external
// commit scenario: a prospective member fetches a GroupInfo out of
// band (no Welcome), builds its own Commit via NewExternalCommit, and
// every existing member admits it and agrees on the resulting epoch.
func TestExternalCommitJoinsExistingGroup(t *testing.T) {
	suite, idProvider, pskStore, alice := newTestGroupPair(t)

	kpBob, leafPrivBob, sigPrivBob, initPrivBob := newTestKeyPackage(t, suite, "bob")
	_, addResult, err := alice.Commit([]Proposal{NewAddProposal(kpBob)}, false)
	require.NoError(t, err)
	bob, err := joinGroupFromWelcome(suite, idProvider, pskStore, *addResult.Welcome, kpBob, leafPrivBob, sigPrivBob, initPrivBob)
	require.NoError(t, err)

	info, err := alice.ExportGroupInfo()
	require.NoError(t, err)

	daveSigPriv, daveSigPub, err := suite.SignatureKeyGenerate()
	require.NoError(t, err)
	daveIdentity := basicIdentity(daveSigPub, []byte("dave"))

	commitMsg, dave, err := NewExternalCommit(suite, idProvider, pskStore, info, daveIdentity, daveSigPriv)
	require.NoError(t, err)

	_, _, err = alice.HandlePublicMessage(*commitMsg.PublicMessage)
	require.NoError(t, err)
	_, _, err = bob.HandlePublicMessage(*commitMsg.PublicMessage)
	require.NoError(t, err)

	require.Equal(t, alice.epoch, dave.epoch)
	require.Equal(t, bob.epoch, dave.epoch)
	require.Equal(t, alice.context.TreeHash, dave.context.TreeHash)
	require.Equal(t, alice.context.ConfirmedTranscriptHash, dave.context.ConfirmedTranscriptHash)

	msg, err := alice.Protect([]byte("welcome dave"))
	require.NoError(t, err)
	plain, err := dave.Unprotect(*msg.PrivateMessage)
	require.NoError(t, err)
	require.Equal(t, []byte("welcome dave"), plain)

	reply, err := dave.Protect([]byte("hi from outside"))
	require.NoError(t, err)
	plainReply, err := bob.Unprotect(*reply.PrivateMessage)
	require.NoError(t, err)
	require.Equal(t, []byte("hi from outside"), plainReply)
}

// TestExternalCommitRejectsTamperedGroupInfoSignature covers the
// out-of-band trust boundary an external commit depends on: a GroupInfo
// whose signature doesn't match its signer leaf must be rejected before
// any key material is derived from it.
func TestExternalCommitRejectsTamperedGroupInfoSignature(t *testing.T) {
	suite, idProvider, pskStore, alice := newTestGroupPair(t)

	info, err := alice.ExportGroupInfo()
	require.NoError(t, err)
	info.ConfirmationTag = ConfirmationTag{Data: []byte("tampered")}

	daveSigPriv, daveSigPub, err := suite.SignatureKeyGenerate()
	require.NoError(t, err)
	daveIdentity := basicIdentity(daveSigPub, []byte("dave"))

	_, _, err = NewExternalCommit(suite, idProvider, pskStore, info, daveIdentity, daveSigPriv)
	require.Error(t, err)
}

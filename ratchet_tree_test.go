package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLeaf(t *testing.T, suite CipherSuiteProvider, name string) LeafNode {
	t.Helper()
	_, hpkePub, err := suite.KEMGenerate()
	require.NoError(t, err)
	sigPriv, sigPub, err := suite.SignatureKeyGenerate()
	require.NoError(t, err)
	identity := basicIdentity(sigPub, []byte(name))
	leaf, err := newKeyPackageLeafNode(suite, hpkePub, identity, sigPriv, Lifetime{NotBefore: 0, NotAfter: ^uint64(0)})
	require.NoError(t, err)
	return leaf
}

func TestAddLeafGrowsTreeAndBumpsUnmergedLeaves(t *testing.T) {
	suite, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)

	tree := newRatchetTree(suite)
	a := tree.addLeaf(newTestLeaf(t, suite, "alice"))
	require.Equal(t, leafIndex(0), a)
	require.Equal(t, leafCount(1), tree.size())

	b := tree.addLeaf(newTestLeaf(t, suite, "bob"))
	require.Equal(t, leafIndex(1), b)
	require.Equal(t, leafCount(2), tree.size())

	c := tree.addLeaf(newTestLeaf(t, suite, "carol"))
	require.Equal(t, leafIndex(2), c)
	require.Equal(t, leafCount(4), tree.size())

	// Give the new leaf's root ancestor a key so addLeaf has a populated
	// ancestor to bump.
	rootIdx := root(tree.size())
	tree.Nodes[rootIdx] = treeNode{Parent: &parentNode{PublicKey: []byte("root-pub")}}

	d := tree.addLeaf(newTestLeaf(t, suite, "dave"))
	require.Equal(t, leafIndex(3), d)
	require.Equal(t, leafCount(4), tree.size())

	rootNode := tree.get(rootIdx)
	require.False(t, rootNode.Blank)
	require.Contains(t, rootNode.Parent.UnmergedLeaves, uint32(d))
}

func TestBlankLeafClearsDirectPath(t *testing.T) {
	suite, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)

	tree := newRatchetTree(suite)
	for _, name := range []string{"alice", "bob", "carol", "dave"} {
		tree.addLeaf(newTestLeaf(t, suite, name))
	}

	tree.blankLeaf(leafIndex(1))
	_, ok := tree.leafAt(leafIndex(1))
	require.False(t, ok)

	for _, anc := range dirpath(toNodeIndex(leafIndex(1)), tree.size()) {
		require.True(t, tree.get(anc).Blank, "ancestor %d should be blank", anc)
	}
}

func TestResolutionOfBlankSubtreeIsEmpty(t *testing.T) {
	suite, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)

	tree := newRatchetTree(suite)
	for _, name := range []string{"alice", "bob"} {
		tree.addLeaf(newTestLeaf(t, suite, name))
	}
	r := root(tree.size())
	require.NotEmpty(t, tree.resolution(r))

	tree.blankLeaf(leafIndex(0))
	tree.blankLeaf(leafIndex(1))
	require.Empty(t, tree.resolution(r))
}

func TestParentHashChainSetThenVerifies(t *testing.T) {
	suite, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)

	tree := newRatchetTree(suite)
	for _, name := range []string{"alice", "bob", "carol", "dave"} {
		tree.addLeaf(newTestLeaf(t, suite, name))
	}

	l := leafIndex(0)
	for _, anc := range dirpath(toNodeIndex(l), tree.size()) {
		_, pub, err := suite.KEMGenerate()
		require.NoError(t, err)
		tree.Nodes[anc] = treeNode{Parent: &parentNode{PublicKey: pub}}
	}

	var leafParentHash []byte
	tree.setParentHashChain(l, &leafParentHash)

	leaf, ok := tree.leafAt(l)
	require.True(t, ok)
	updated := *leaf
	updated.ParentHash = leafParentHash
	tree.updateLeaf(l, updated)

	require.NoError(t, tree.verifyParentHashChain(l))
}

func TestParentHashChainRejectsTamperedKey(t *testing.T) {
	suite, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)

	tree := newRatchetTree(suite)
	for _, name := range []string{"alice", "bob", "carol", "dave"} {
		tree.addLeaf(newTestLeaf(t, suite, name))
	}

	l := leafIndex(0)
	for _, anc := range dirpath(toNodeIndex(l), tree.size()) {
		_, pub, err := suite.KEMGenerate()
		require.NoError(t, err)
		tree.Nodes[anc] = treeNode{Parent: &parentNode{PublicKey: pub}}
	}

	var leafParentHash []byte
	tree.setParentHashChain(l, &leafParentHash)
	leaf, ok := tree.leafAt(l)
	require.True(t, ok)
	updated := *leaf
	updated.ParentHash = leafParentHash
	tree.updateLeaf(l, updated)

	anc := dirpath(toNodeIndex(l), tree.size())[0]
	node := tree.get(anc)
	_, tamperedPub, err := suite.KEMGenerate()
	require.NoError(t, err)
	node.Parent.PublicKey = tamperedPub
	tree.Nodes[anc] = node

	require.Error(t, tree.verifyParentHashChain(l))
}

func TestTreeHashChangesWhenLeafChanges(t *testing.T) {
	suite, err := NewDefaultCipherSuiteProvider(MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)

	tree := newRatchetTree(suite)
	tree.addLeaf(newTestLeaf(t, suite, "alice"))
	tree.addLeaf(newTestLeaf(t, suite, "bob"))

	before := tree.rootHash()
	tree.updateLeaf(leafIndex(0), newTestLeaf(t, suite, "alice-updated"))
	after := tree.rootHash()

	require.NotEqual(t, before, after)
}

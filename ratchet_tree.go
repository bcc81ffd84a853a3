package mls

import "sort"

// parentNode is the non-leaf node content described in spec.md §3: an
// HPKE public key, the set of leaves added since it was last refreshed,
// and a parent-hash linking it to its own parent chain.
type parentNode struct {
	PublicKey      []byte   `tls:"head=2"`
	ParentHash     []byte   `tls:"head=1"`
	UnmergedLeaves []uint32 `tls:"head=4"`
}

func (p parentNode) clone() parentNode {
	return parentNode{
		PublicKey:      dup(p.PublicKey),
		ParentHash:     dup(p.ParentHash),
		UnmergedLeaves: append([]uint32{}, p.UnmergedLeaves...),
	}
}

func (p *parentNode) addUnmergedLeaf(l leafIndex) {
	p.UnmergedLeaves = append(p.UnmergedLeaves, uint32(l))
	sort.Slice(p.UnmergedLeaves, func(i, j int) bool { return p.UnmergedLeaves[i] < p.UnmergedLeaves[j] })
}

// treeNode is one slot of the ratchet tree: blank, a leaf, or a parent,
// per spec.md §3. Exactly one of Leaf/Parent is non-nil when !Blank,
// selected by the slot's index parity.
type treeNode struct {
	Blank  bool
	Leaf   *LeafNode
	Parent *parentNode
}

func blankNode() treeNode { return treeNode{Blank: true} }

// MarshalTLS encodes a tree slot as Blank, or Blank=false followed by a
// tag distinguishing Leaf from Parent content — hand-written because
// the slot's shape depends on a pointer being nil, not a fixed enum
// byte the library's struct tags alone can select on.
func (n treeNode) MarshalTLS() ([]byte, error) {
	if n.Blank {
		return marshal(&struct{ Blank bool }{true})
	}
	head, err := marshal(&struct {
		Blank  bool
		IsLeaf bool
	}{false, n.Leaf != nil})
	if err != nil {
		return nil, err
	}
	if n.Leaf != nil {
		return append(head, mustMarshal(n.Leaf)...), nil
	}
	return append(head, mustMarshal(n.Parent)...), nil
}

func (n *treeNode) UnmarshalTLS(data []byte) (int, error) {
	var blank bool
	k, err := unmarshal(data, &blank)
	if err != nil {
		return 0, err
	}
	if blank {
		*n = treeNode{Blank: true}
		return k, nil
	}

	var isLeaf bool
	m, err := unmarshal(data[k:], &isLeaf)
	if err != nil {
		return 0, err
	}
	k += m

	if isLeaf {
		var l LeafNode
		j, err := unmarshal(data[k:], &l)
		if err != nil {
			return 0, err
		}
		*n = treeNode{Leaf: &l}
		return k + j, nil
	}

	var p parentNode
	j, err := unmarshal(data[k:], &p)
	if err != nil {
		return 0, err
	}
	*n = treeNode{Parent: &p}
	return k + j, nil
}

// RatchetTree is the left-balanced binary tree of per-leaf secrets
// (spec.md §3/§4.C). Index 0 holds leaf 0, index 1 its parent (once a
// second leaf exists), and so on up to the root at len(Nodes)-1's
// governing index.
type RatchetTree struct {
	suite CipherSuiteProvider
	Nodes []treeNode `tls:"head=4"`
}

// importRatchetTree rebuilds a RatchetTree from the node slice carried
// in a GroupInfo (spec.md §4.I "ratchet tree delivery").
func importRatchetTree(suite CipherSuiteProvider, nodes []treeNode) *RatchetTree {
	return &RatchetTree{suite: suite, Nodes: nodes}
}

func newRatchetTree(suite CipherSuiteProvider) *RatchetTree {
	return &RatchetTree{suite: suite, Nodes: []treeNode{}}
}

// clone deep-copies the tree so a Commit can be validated and applied
// against a disposable working copy without corrupting the current
// epoch's state if validation fails partway through (spec.md §4.H
// "Provisional state"). A shallow slice copy isn't enough: parentNode's
// UnmergedLeaves is mutated in place by addUnmergedLeaf, so sharing
// *parentNode pointers would leak provisional changes back into the
// live tree.
func (t *RatchetTree) clone() *RatchetTree {
	nodes := make([]treeNode, len(t.Nodes))
	for i, n := range t.Nodes {
		switch {
		case n.Blank:
			nodes[i] = treeNode{Blank: true}
		case n.Leaf != nil:
			l := *n.Leaf
			nodes[i] = treeNode{Leaf: &l}
		default:
			p := n.Parent.clone()
			nodes[i] = treeNode{Parent: &p}
		}
	}
	return &RatchetTree{suite: t.suite, Nodes: nodes}
}

func (t *RatchetTree) size() leafCount {
	if len(t.Nodes) == 0 {
		return 0
	}
	return leafCount((len(t.Nodes) + 1) / 2)
}

func (t *RatchetTree) resize(newSize leafCount) {
	w := int(nodeWidth(newSize))
	for len(t.Nodes) < w {
		t.Nodes = append(t.Nodes, blankNode())
	}
	t.Nodes = t.Nodes[:w]
}

func (t *RatchetTree) get(n nodeIndex) treeNode { return t.Nodes[n] }

func (t *RatchetTree) leafAt(l leafIndex) (*LeafNode, bool) {
	n := t.get(toNodeIndex(l))
	if n.Blank {
		return nil, false
	}
	return n.Leaf, true
}

// resolution of a node is the ordered set of non-blank descendant node
// indices in its subtree (itself included if non-blank), plus — for a
// non-blank parent — its own unmerged-leaf node indices, per spec.md
// §4.C "Path encryption".
func (t *RatchetTree) resolution(n nodeIndex) []nodeIndex {
	size := t.size()
	node := t.get(n)

	if isLeaf(n) {
		if node.Blank {
			return []nodeIndex{}
		}
		return []nodeIndex{n}
	}

	if !node.Blank {
		out := []nodeIndex{n}
		for _, l := range node.Parent.UnmergedLeaves {
			out = append(out, toNodeIndex(leafIndex(l)))
		}
		return out
	}

	out := t.resolution(left(n))
	out = append(out, t.resolution(right(n, size))...)
	return out
}

// filteredDirectPath returns the subsequence of l's direct path whose
// co-path subtree resolution is non-empty — steps with an empty
// resolution receive no encrypted path secret (spec.md §4.C).
func (t *RatchetTree) filteredDirectPath(l leafIndex) []nodeIndex {
	size := t.size()
	full := dirpath(toNodeIndex(l), size)
	cp := copath(toNodeIndex(l), size)

	out := make([]nodeIndex, 0, len(full))
	for i, anc := range full {
		if len(t.resolution(cp[i])) > 0 {
			out = append(out, anc)
		}
	}
	return out
}

// firstBlankLeaf returns the first blank leaf index, or size()
// (append position) if the tree is full.
func (t *RatchetTree) firstBlankLeaf() leafIndex {
	for l := leafIndex(0); l < leafIndex(t.size()); l++ {
		if t.get(toNodeIndex(l)).Blank {
			return l
		}
	}
	return leafIndex(t.size())
}

// addLeaf places leaf at the first blank leaf index (or grows the tree),
// bumping the unmerged-leaves list of every populated ancestor, per the
// Add proposal effect in spec.md §4.G.
func (t *RatchetTree) addLeaf(leaf LeafNode) leafIndex {
	idx := t.firstBlankLeaf()
	if idx == leafIndex(t.size()) {
		newSize := t.size() + 1
		if newSize == 1 {
			newSize = 1
		} else {
			// grow to the next power-of-two leaf count so firstBlankLeaf
			// keeps finding room without repeated reallocation.
			w := leafCount(1)
			for w <= t.size() {
				w *= 2
			}
			newSize = w
		}
		t.resize(newSize)
	}

	t.Nodes[toNodeIndex(idx)] = treeNode{Leaf: &leaf}

	for _, anc := range dirpath(toNodeIndex(idx), t.size()) {
		n := t.get(anc)
		if !n.Blank {
			n.Parent.addUnmergedLeaf(idx)
		}
	}
	return idx
}

// blankLeaf removes the member at l and blanks every ancestor on its
// direct path (spec.md §4.G Remove effect).
func (t *RatchetTree) blankLeaf(l leafIndex) {
	t.Nodes[toNodeIndex(l)] = blankNode()
	for _, anc := range dirpath(toNodeIndex(l), t.size()) {
		t.Nodes[anc] = blankNode()
	}
}

// updateLeaf replaces the LeafNode at l (Update proposal / own-path
// commit effect), clearing any prior unmerged-leaves bookkeeping is not
// needed since unmerged leaves live on ancestors, not the leaf itself.
func (t *RatchetTree) updateLeaf(l leafIndex, leaf LeafNode) {
	t.Nodes[toNodeIndex(l)] = treeNode{Leaf: &leaf}
}

// treeHashNode is the canonical per-node encoding hashed recursively to
// produce the tree hash (spec.md §4.C "Tree hash").
type treeHashNode struct {
	IsBlank   bool
	IsLeaf    bool
	LeafNode  []byte `tls:"head=4"`
	PublicKey []byte `tls:"head=2"`
	ParentHash []byte `tls:"head=1"`
	Unmerged  []uint32 `tls:"head=4"`
	Left      []byte `tls:"head=1"`
	Right     []byte `tls:"head=1"`
}

// treeHash computes the recursive tree hash rooted at n. The result is
// bound into GroupContext and therefore into every Commit (spec.md §3,
// §4.C, §8 "Tree hash stability").
func (t *RatchetTree) treeHash(n nodeIndex) []byte {
	size := t.size()
	node := t.get(n)

	if isLeaf(n) {
		h := treeHashNode{IsLeaf: true, IsBlank: node.Blank}
		if !node.Blank {
			h.LeafNode = mustMarshal(node.Leaf)
		}
		return t.suite.Hash(mustMarshal(&h))
	}

	h := treeHashNode{
		IsLeaf:  false,
		IsBlank: node.Blank,
		Left:    t.treeHash(left(n)),
		Right:   t.treeHash(right(n, size)),
	}
	if !node.Blank {
		h.PublicKey = node.Parent.PublicKey
		h.ParentHash = node.Parent.ParentHash
		h.Unmerged = node.Parent.UnmergedLeaves
	}
	return t.suite.Hash(mustMarshal(&h))
}

func (t *RatchetTree) rootHash() []byte {
	if len(t.Nodes) == 0 {
		return t.suite.Hash([]byte{})
	}
	return t.treeHash(root(t.size()))
}

// parentHashInput is the value a parent hashes to produce the parent
// hash its child chain is checked against (spec.md §4.C "Parent hash").
type parentHashInput struct {
	PublicKey          []byte `tls:"head=2"`
	ParentHash         []byte `tls:"head=1"`
	OriginalSiblingTreeHash []byte `tls:"head=1"`
}

func computeParentHash(suite CipherSuiteProvider, publicKey, parentHash, siblingTreeHash []byte) []byte {
	in := parentHashInput{PublicKey: publicKey, ParentHash: parentHash, OriginalSiblingTreeHash: siblingTreeHash}
	return suite.Hash(mustMarshal(&in))
}

// setParentHashChain recomputes and stores ParentHash top-down along l's
// direct path (root to leaf), then sets the leaf's own ParentHash from
// its immediate parent. This is called by the path generator right after
// it has installed the new public keys for l's direct path (spec.md
// §4.C "Parent hash"). Root's parent hash is the empty string.
func (t *RatchetTree) setParentHashChain(l leafIndex, newLeafParentHash *[]byte) {
	size := t.size()
	path := dirpath(toNodeIndex(l), size) // ancestors, leaf-to-root order

	parentHash := []byte{}
	for i := len(path) - 1; i >= 0; i-- {
		anc := path[i]
		node := t.get(anc)
		if node.Blank {
			continue
		}

		var childIdx nodeIndex
		if i == 0 {
			childIdx = toNodeIndex(l)
		} else {
			childIdx = path[i-1]
		}
		siblingHash := t.treeHash(sibling(childIdx, size))

		node.Parent.ParentHash = parentHash
		t.Nodes[anc] = node
		parentHash = computeParentHash(t.suite, node.Parent.PublicKey, node.Parent.ParentHash, siblingHash)
	}

	if newLeafParentHash != nil {
		*newLeafParentHash = parentHash
	}
}

// verifyParentHashChain recomputes the same top-down chain from the
// tree's current stored public keys and checks it against the stored
// ParentHash fields, including the leaf's own, per spec.md §3 invariant
// "Blank-or-valid parent-hash chain from each leaf to the root" and §8
// "Parent-hash chain".
func (t *RatchetTree) verifyParentHashChain(l leafIndex) error {
	size := t.size()
	path := dirpath(toNodeIndex(l), size)

	parentHash := []byte{}
	for i := len(path) - 1; i >= 0; i-- {
		anc := path[i]
		node := t.get(anc)
		if node.Blank {
			continue
		}

		if !constantTimeEqual(node.Parent.ParentHash, parentHash) {
			return newErr(KindValidation, "verifyParentHashChain", "parent hash mismatch")
		}

		var childIdx nodeIndex
		if i == 0 {
			childIdx = toNodeIndex(l)
		} else {
			childIdx = path[i-1]
		}
		siblingHash := t.treeHash(sibling(childIdx, size))
		parentHash = computeParentHash(t.suite, node.Parent.PublicKey, node.Parent.ParentHash, siblingHash)
	}

	leaf, ok := t.leafAt(l)
	if !ok {
		return newErr(KindValidation, "verifyParentHashChain", "blank leaf removal")
	}
	if !constantTimeEqual(leaf.ParentHash, parentHash) {
		return newErr(KindValidation, "verifyParentHashChain", "leaf parent hash mismatch")
	}
	return nil
}

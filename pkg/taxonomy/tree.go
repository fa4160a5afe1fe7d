package taxonomy

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/RoaringBitmap/roaring"
)

// NodeID is a dense node identifier, assigned in creation order.
type NodeID uint32

// NoParent marks kingdom nodes.
const NoParent NodeID = math.MaxUint32

var (
	ErrUnknownNode = errors.New("taxonomy: unknown node")
	ErrBadRestore  = errors.New("taxonomy: node out of order")
)

// Node is one taxon in the tree. Kmers is populated while building; nodes
// restored from disk only carry KmerCount.
type Node struct {
	ID        NodeID
	Rank      Rank
	Name      string
	Parent    NodeID
	Kmers     *roaring.Bitmap
	KmerCount uint64

	children []NodeID
}

func (n *Node) IsRoot() bool {
	return n.Parent == NoParent
}

// Size is the number of distinct k-mers held by the node.
func (n *Node) Size() uint64 {
	if n.Kmers != nil {
		return n.Kmers.GetCardinality()
	}
	return n.KmerCount
}

type nodeKey struct {
	rank   Rank
	name   string
	parent NodeID
}

// Tree is an arena of nodes indexed by NodeID. It is not safe for
// concurrent mutation; read-only use after construction is.
type Tree struct {
	nodes []*Node
	keys  map[nodeKey]NodeID
	roots []NodeID
}

func NewTree() *Tree {
	return &Tree{
		keys: make(map[nodeKey]NodeID),
	}
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) Node(id NodeID) (*Node, bool) {
	if int64(id) >= int64(len(t.nodes)) {
		return nil, false
	}
	return t.nodes[id], true
}

// Lookup finds the node with the given natural key.
func (t *Tree) Lookup(rank Rank, name string, parent NodeID) (NodeID, bool) {
	id, ok := t.keys[nodeKey{rank: rank, name: name, parent: parent}]
	return id, ok
}

func (t *Tree) Roots() []NodeID {
	return append([]NodeID(nil), t.roots...)
}

func (t *Tree) Children(id NodeID) []NodeID {
	n, ok := t.Node(id)
	if !ok {
		return nil
	}
	return append([]NodeID(nil), n.children...)
}

func (t *Tree) HasChildren(id NodeID) bool {
	n, ok := t.Node(id)
	return ok && len(n.children) > 0
}

// EnsurePath returns the lineage of path, root first, creating the nodes
// that do not exist yet. Nodes are shared with every earlier path that has
// the same prefix.
func (t *Tree) EnsurePath(path Path) ([]NodeID, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	lineage := make([]NodeID, 0, len(path))
	parent := NoParent
	for _, taxon := range path {
		id, ok := t.Lookup(taxon.Rank, taxon.Name, parent)
		if !ok {
			id = t.add(taxon.Rank, taxon.Name, parent)
		}
		lineage = append(lineage, id)
		parent = id
	}
	return lineage, nil
}

func (t *Tree) add(rank Rank, name string, parent NodeID) NodeID {
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, &Node{
		ID:     id,
		Rank:   rank,
		Name:   name,
		Parent: parent,
		Kmers:  roaring.New(),
	})
	t.link(id)
	return id
}

func (t *Tree) link(id NodeID) {
	n := t.nodes[id]
	t.keys[nodeKey{rank: n.Rank, name: n.Name, parent: n.Parent}] = id
	if n.Parent == NoParent {
		t.roots = append(t.roots, id)
		return
	}
	p := t.nodes[n.Parent]
	p.children = append(p.children, id)
}

// Restore appends a node read back from disk. Ids must arrive densely in
// order and parents before their children; the rank invariants are not
// re-checked.
func (t *Tree) Restore(id NodeID, rank Rank, name string, parent NodeID, kmerCount uint64) error {
	if int(id) != len(t.nodes) {
		return fmt.Errorf("%w: got id %d, expected %d", ErrBadRestore, id, len(t.nodes))
	}
	if parent != NoParent && int64(parent) >= int64(len(t.nodes)) {
		return fmt.Errorf("%w: node %d references parent %d", ErrBadRestore, id, parent)
	}
	t.nodes = append(t.nodes, &Node{
		ID:        id,
		Rank:      rank,
		Name:      name,
		Parent:    parent,
		KmerCount: kmerCount,
	})
	t.link(id)
	return nil
}

// AddKmers unions set into every node of lineage.
func (t *Tree) AddKmers(lineage []NodeID, set *roaring.Bitmap) {
	for _, id := range lineage {
		n := t.nodes[id]
		if n.Kmers == nil {
			n.Kmers = roaring.New()
		}
		n.Kmers.Or(set)
	}
}

// Lineage returns the ids from the kingdom down to id.
func (t *Tree) Lineage(id NodeID) ([]NodeID, error) {
	n, ok := t.Node(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	lineage := []NodeID{id}
	for !n.IsRoot() {
		n = t.nodes[n.Parent]
		lineage = append(lineage, n.ID)
	}
	for i, j := 0, len(lineage)-1; i < j; i, j = i+1, j-1 {
		lineage[i], lineage[j] = lineage[j], lineage[i]
	}
	return lineage, nil
}

// Path rebuilds the taxonomy path of id.
func (t *Tree) Path(id NodeID) (Path, error) {
	lineage, err := t.Lineage(id)
	if err != nil {
		return nil, err
	}
	path := make(Path, len(lineage))
	for i, lid := range lineage {
		n := t.nodes[lid]
		path[i] = Taxon{Rank: n.Rank, Name: n.Name}
	}
	return path, nil
}

// FullName is the "K#..;P#.." string of id, or "" for unknown ids.
func (t *Tree) FullName(id NodeID) string {
	path, err := t.Path(id)
	if err != nil {
		return ""
	}
	return path.String()
}

// Walk visits all nodes in id order until fn returns false.
func (t *Tree) Walk(fn func(n *Node) bool) {
	for _, n := range t.nodes {
		if !fn(n) {
			return
		}
	}
}

// CountByRank returns the number of nodes at each rank.
func (t *Tree) CountByRank() [NumRanks]int {
	var counts [NumRanks]int
	for _, n := range t.nodes {
		if n.Rank.Valid() {
			counts[n.Rank]++
		}
	}
	return counts
}

func (t *Tree) String() string {
	var b strings.Builder
	var rec func(id NodeID, depth int)
	rec = func(id NodeID, depth int) {
		n := t.nodes[id]
		fmt.Fprintf(&b, "%s%s (%d, %d kmers)\n", strings.Repeat("  ", depth), Taxon{n.Rank, n.Name}, n.ID, n.Size())
		for _, c := range n.children {
			rec(c, depth+1)
		}
	}
	for _, r := range t.roots {
		rec(r, 0)
	}
	return b.String()
}

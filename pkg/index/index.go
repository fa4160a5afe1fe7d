package index

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/i5heu/taxindex/internal/indexfile"
	"github.com/i5heu/taxindex/pkg/kmer"
	"github.com/i5heu/taxindex/pkg/taxonomy"
	"github.com/sirupsen/logrus"
)

// Index is a read-only taxonomy index: the node table plus the inverted
// (rank, k-mer) -> node ids lookup. It is safe for concurrent readers.
type Index struct {
	params   kmer.Params
	tree     *taxonomy.Tree
	postings [taxonomy.NumRanks]map[uint32][]taxonomy.NodeID
	log      *logrus.Logger
}

// Stats summarizes an index.
type Stats struct {
	Params      kmer.Params
	Nodes       int
	NodesByRank [taxonomy.NumRanks]int
	Postings    int
	Kmers       [taxonomy.NumRanks]int
}

func emptyIndex(params kmer.Params, tree *taxonomy.Tree, log *logrus.Logger) *Index {
	ix := &Index{params: params, tree: tree, log: log}
	for r := range ix.postings {
		ix.postings[r] = make(map[uint32][]taxonomy.NodeID)
	}
	return ix
}

// newIndex derives the inverted index from the per-node k-mer sets. Nodes
// are visited in id order, so every posting list ends up sorted.
func newIndex(params kmer.Params, tree *taxonomy.Tree, log *logrus.Logger) *Index {
	ix := emptyIndex(params, tree, log)
	tree.Walk(func(n *taxonomy.Node) bool {
		if n.Kmers == nil {
			return true
		}
		m := ix.postings[n.Rank]
		it := n.Kmers.Iterator()
		for it.HasNext() {
			code := it.Next()
			m[code] = append(m[code], n.ID)
		}
		return true
	})
	return ix
}

func (ix *Index) Params() kmer.Params {
	return ix.params
}

func (ix *Index) Tree() *taxonomy.Tree {
	return ix.tree
}

// Postings returns the nodes of rank holding code. The slice is shared and
// must not be modified.
func (ix *Index) Postings(rank taxonomy.Rank, code uint32) ([]taxonomy.NodeID, error) {
	if !rank.Valid() {
		return nil, fmt.Errorf("index: invalid rank %d", rank)
	}
	return ix.postings[rank][code], nil
}

// NumPostings is the number of distinct (rank, k-mer) keys.
func (ix *Index) NumPostings() int {
	n := 0
	for _, m := range ix.postings {
		n += len(m)
	}
	return n
}

// EachPosting calls fn for every posting ordered by rank, then k-mer.
func (ix *Index) EachPosting(fn func(indexfile.PostingRecord) error) error {
	for r, m := range ix.postings {
		codes := make([]uint32, 0, len(m))
		for code := range m {
			codes = append(codes, code)
		}
		sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
		for _, code := range codes {
			if err := fn(indexfile.PostingRecord{Rank: taxonomy.Rank(r), Kmer: code, Nodes: m[code]}); err != nil {
				return err
			}
		}
	}
	return nil
}

// KmerSet returns the k-mers of node id. For loaded indexes the set is
// rebuilt from the postings of the node's rank.
func (ix *Index) KmerSet(id taxonomy.NodeID) (*roaring.Bitmap, error) {
	n, ok := ix.tree.Node(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", taxonomy.ErrUnknownNode, id)
	}
	if n.Kmers != nil {
		return n.Kmers.Clone(), nil
	}
	set := roaring.New()
	for code, nodes := range ix.postings[n.Rank] {
		i := sort.Search(len(nodes), func(i int) bool { return nodes[i] >= id })
		if i < len(nodes) && nodes[i] == id {
			set.Add(code)
		}
	}
	return set, nil
}

func (ix *Index) Stats() Stats {
	s := Stats{
		Params:      ix.params,
		Nodes:       ix.tree.Len(),
		NodesByRank: ix.tree.CountByRank(),
		Postings:    ix.NumPostings(),
	}
	for r, m := range ix.postings {
		s.Kmers[r] = len(m)
	}
	return s
}

package index

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/i5heu/taxindex/internal/indexfile"
	"github.com/i5heu/taxindex/pkg/kmer"
	"github.com/i5heu/taxindex/pkg/taxonomy"
	"github.com/sirupsen/logrus"
)

// LoadConfig locates a persisted index.
type LoadConfig struct {
	Dir    string
	Prefix string
	// Expect, when set, must equal the parameters stored in the files.
	Expect kmer.Params
	Logger *logrus.Logger
}

// save writes both files under one build stamp. They are renamed into place
// one after the other; if the second rename fails the directory holds a new
// node table next to an old k-mer index, which Load rejects by the stamp.
func (ix *Index) save(dir, prefix string, compression indexfile.Compression, force bool) error {
	build := rand.Uint64()
	nodes, err := indexfile.Create(NodeTablePath(dir, prefix), indexfile.Header{
		Kind:        indexfile.NodeTable,
		Params:      ix.params,
		Compression: compression,
		Records:     uint64(ix.tree.Len()),
		Build:       build,
	}, force)
	if err != nil {
		return err
	}
	defer nodes.Abort()

	postings, err := indexfile.Create(KmerIndexPath(dir, prefix), indexfile.Header{
		Kind:        indexfile.KmerIndex,
		Params:      ix.params,
		Compression: compression,
		Records:     uint64(ix.NumPostings()),
		Build:       build,
	}, force)
	if err != nil {
		return err
	}
	defer postings.Abort()

	ix.tree.Walk(func(n *taxonomy.Node) bool {
		err = nodes.WriteNode(indexfile.NodeRecord{
			ID:        n.ID,
			Rank:      n.Rank,
			Name:      n.Name,
			Parent:    n.Parent,
			KmerCount: n.Size(),
		})
		return err == nil
	})
	if err != nil {
		return err
	}
	if err := ix.EachPosting(postings.WritePosting); err != nil {
		return err
	}

	// both files must be complete before either replaces an old index
	if err := nodes.Flush(); err != nil {
		return err
	}
	if err := postings.Flush(); err != nil {
		return err
	}
	if err := nodes.Commit(); err != nil {
		return err
	}
	return postings.Commit()
}

// Load reads an index written by Builder.Save.
func Load(conf LoadConfig) (*Index, error) {
	if conf.Prefix == "" {
		conf.Prefix = DefaultPrefix
	}
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	start := time.Now()

	nodes, err := indexfile.Open(NodeTablePath(conf.Dir, conf.Prefix), indexfile.NodeTable)
	if err != nil {
		return nil, err
	}
	defer nodes.Close()

	postings, err := indexfile.Open(KmerIndexPath(conf.Dir, conf.Prefix), indexfile.KmerIndex)
	if err != nil {
		return nil, err
	}
	defer postings.Close()

	params := nodes.Header().Params
	if p := postings.Header().Params; p != params {
		return nil, fmt.Errorf("%w: node table has %s, kmer index has %s", ErrParameterMismatch, params, p)
	}
	if !conf.Expect.IsZero() && conf.Expect != params {
		return nil, fmt.Errorf("%w: index built with %s, expected %s", ErrParameterMismatch, params, conf.Expect)
	}
	if a, b := nodes.Header().Build, postings.Header().Build; a != b {
		return nil, fmt.Errorf("%w: node table %016x, kmer index %016x", ErrBuildMismatch, a, b)
	}

	tree := taxonomy.NewTree()
	for {
		rec, err := nodes.ReadNode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := tree.Restore(rec.ID, rec.Rank, rec.Name, rec.Parent, rec.KmerCount); err != nil {
			return nil, fmt.Errorf("%w: %v", indexfile.ErrCorrupt, err)
		}
	}

	ix := emptyIndex(params, tree, conf.Logger)
	for {
		rec, err := postings.ReadPosting()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		for _, id := range rec.Nodes {
			if int64(id) >= int64(tree.Len()) {
				return nil, fmt.Errorf("%w: kmer %d references node %d of %d", indexfile.ErrCorrupt, rec.Kmer, id, tree.Len())
			}
		}
		ix.postings[rec.Rank][rec.Kmer] = rec.Nodes
	}

	conf.Logger.WithFields(logrus.Fields{
		"dir":      conf.Dir,
		"prefix":   conf.Prefix,
		"params":   params.String(),
		"nodes":    tree.Len(),
		"postings": ix.NumPostings(),
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Info("taxonomy index loaded")
	return ix, nil
}

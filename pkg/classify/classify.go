// Package classify assigns query sequences to the deepest taxon supported
// by their k-mers, descending the taxonomy one rank at a time.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/i5heu/taxindex/pkg/kmer"
	"github.com/i5heu/taxindex/pkg/taxonomy"
	workerpool "github.com/i5heu/taxindex/pkg/workerPool"
	"github.com/sirupsen/logrus"
)

const DefaultThreshold = 0.8

var ErrInvalidThreshold = errors.New("classify: threshold must be in (0, 1]")

// Source is a read-only taxonomy index.
type Source interface {
	Params() kmer.Params
	Tree() *taxonomy.Tree
	// Postings returns the nodes of rank that hold the k-mer code.
	Postings(rank taxonomy.Rank, code uint32) ([]taxonomy.NodeID, error)
}

type Config struct {
	// Threshold is the minimum support a node needs to be accepted.
	Threshold float64
	// Workers bounds ClassifyBatch parallelism.
	Workers int
	Logger  *logrus.Logger
}

// Level is one accepted rank of an assignment.
type Level struct {
	Rank    taxonomy.Rank
	Node    taxonomy.NodeID
	Name    string
	Support float64
}

// Assignment lists accepted levels from Kingdom downwards. It is empty when
// not even a kingdom reaches the threshold.
type Assignment []Level

func (a Assignment) String() string {
	parts := make([]string, len(a))
	for i, l := range a {
		parts[i] = taxonomy.Taxon{Rank: l.Rank, Name: l.Name}.String()
	}
	return strings.Join(parts, ";")
}

// Deepest returns the most specific level, if any.
func (a Assignment) Deepest() (Level, bool) {
	if len(a) == 0 {
		return Level{}, false
	}
	return a[len(a)-1], true
}

type Classifier struct {
	src       Source
	params    kmer.Params
	tree      *taxonomy.Tree
	threshold float64
	workers   int
	log       *logrus.Logger
}

func New(src Source, conf Config) (*Classifier, error) {
	if conf.Threshold == 0 {
		conf.Threshold = DefaultThreshold
	}
	if conf.Threshold < 0 || conf.Threshold > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, conf.Threshold)
	}
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	return &Classifier{
		src:       src,
		params:    src.Params(),
		tree:      src.Tree(),
		threshold: conf.Threshold,
		workers:   conf.Workers,
		log:       conf.Logger,
	}, nil
}

type candidate struct {
	id   taxonomy.NodeID
	hits int
	size uint64
}

// better orders candidates by hits, then reference k-mer count, then the
// lower id.
func (c candidate) better(o candidate) bool {
	if c.hits != o.hits {
		return c.hits > o.hits
	}
	if c.size != o.size {
		return c.size > o.size
	}
	return c.id < o.id
}

// Classify extracts the k-mers of seq with the index parameters and walks
// the taxonomy top-down. At each rank only children of the previously
// accepted node compete; the best one is accepted if its support reaches
// the threshold. Sequences without a single encodable window return an
// empty assignment.
func (c *Classifier) Classify(seq string) (Assignment, error) {
	query := kmer.Extract(seq, c.params)
	total := query.GetCardinality()
	if total == 0 {
		return Assignment{}, nil
	}
	codes := query.ToArray()

	var (
		assignment = Assignment{}
		parent     = taxonomy.NoParent
		hits       = make(map[taxonomy.NodeID]int)
	)
	for rank := taxonomy.Kingdom; rank.Valid(); rank++ {
		if rank != taxonomy.Kingdom && !c.tree.HasChildren(parent) {
			break
		}
		clear(hits)
		for _, code := range codes {
			nodes, err := c.src.Postings(rank, code)
			if err != nil {
				return assignment, fmt.Errorf("postings %s/%d: %w", rank, code, err)
			}
			for _, id := range nodes {
				n, ok := c.tree.Node(id)
				if !ok || n.Parent != parent {
					continue
				}
				hits[id]++
			}
		}

		var best candidate
		found := false
		for id, h := range hits {
			n, _ := c.tree.Node(id)
			cand := candidate{id: id, hits: h, size: n.Size()}
			if !found || cand.better(best) {
				best, found = cand, true
			}
		}
		if !found {
			break
		}
		support := float64(best.hits) / float64(total)
		if support < c.threshold {
			break
		}

		n, _ := c.tree.Node(best.id)
		assignment = append(assignment, Level{Rank: rank, Node: best.id, Name: n.Name, Support: support})
		parent = best.id
	}
	return assignment, nil
}

// Query is one sequence of a batch.
type Query struct {
	Name string
	Seq  string
}

// Result pairs a query with its assignment.
type Result struct {
	Name       string
	Assignment Assignment
	Err        error
}

// ClassifyBatch classifies queries in parallel and returns results in input
// order. Cancelling ctx stops queuing further queries; it returns ctx.Err()
// together with the results of queries that already ran.
func (c *Classifier) ClassifyBatch(ctx context.Context, queries []Query) ([]Result, error) {
	wp := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: c.workers})
	defer wp.Close()

	type indexed struct {
		i int
		r Result
	}
	room := workerpool.NewRoom[indexed](wp, len(queries))
	var ctxErr error
	for i := range queries {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}
		i := i
		room.NewTaskWaitForFreeSlot(func() indexed {
			a, err := c.Classify(queries[i].Seq)
			return indexed{i: i, r: Result{Name: queries[i].Name, Assignment: a, Err: err}}
		})
	}

	results := make([]Result, len(queries))
	for i := range results {
		results[i].Name = queries[i].Name
	}
	for _, done := range room.Collect() {
		results[done.i] = done.r
	}
	if ctxErr != nil {
		c.log.WithField("queued", len(queries)).Warn("classification batch cancelled")
		for i := range results {
			if results[i].Assignment == nil && results[i].Err == nil {
				results[i].Err = ctxErr
			}
		}
		return results, ctxErr
	}
	return results, nil
}

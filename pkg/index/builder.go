package index

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/i5heu/taxindex/internal/diskspace"
	"github.com/i5heu/taxindex/internal/indexfile"
	"github.com/i5heu/taxindex/pkg/kmer"
	"github.com/i5heu/taxindex/pkg/taxonomy"
	workerpool "github.com/i5heu/taxindex/pkg/workerPool"
	"github.com/sirupsen/logrus"
)

// Builder accumulates reference sequences into a taxonomy tree and writes
// the index on Save. Calls are serialized internally; only k-mer extraction
// in AddBatch runs in parallel.
type Builder struct {
	// batchMu keeps Save from closing the pool under a running AddBatch.
	batchMu     sync.Mutex
	mu          sync.Mutex
	config      Config
	params      kmer.Params
	compression indexfile.Compression
	log         *logrus.Logger
	tree        *taxonomy.Tree
	wp          *workerpool.WorkerPool

	added    uint64
	rejected uint64
	closed   bool
	started  time.Time
}

// Record is one reference sequence. Name has the form "<id> <taxonomy path>".
type Record struct {
	Name string
	Seq  string
}

// Rejected reports a record of a batch that was not indexed.
type Rejected struct {
	Index int
	Name  string
	Err   error
}

// NewBuilder validates conf before touching the filesystem, then refuses
// existing index files unless conf.Force is set.
func NewBuilder(conf Config) (*Builder, error) {
	conf.applyDefaults()
	if err := conf.check(); err != nil {
		return nil, err
	}
	compression, err := indexfile.ParseCompression(conf.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if !conf.Force {
		for _, path := range []string{NodeTablePath(conf.OutputDir, conf.Prefix), KmerIndexPath(conf.OutputDir, conf.Prefix)} {
			if indexfile.Exists(path) {
				return nil, fmt.Errorf("%w: %s", ErrOutputExists, path)
			}
		}
	}

	return &Builder{
		config:      conf,
		params:      conf.params(),
		compression: compression,
		log:         conf.Logger,
		tree:        taxonomy.NewTree(),
		started:     time.Now(),
	}, nil
}

func (b *Builder) Params() kmer.Params {
	return b.params
}

// Add indexes seq under the taxonomy path.
func (b *Builder) Add(path string, seq string) error {
	if b.isClosed() {
		return ErrBuilderClosed
	}
	p, err := taxonomy.ParsePath(path)
	if err != nil {
		return b.reject(path, err)
	}
	return b.apply(p, kmer.Extract(seq, b.params))
}

// AddRecord indexes a record whose name is "<id> <taxonomy path>".
func (b *Builder) AddRecord(name string, seq string) error {
	if b.isClosed() {
		return ErrBuilderClosed
	}
	p, err := taxonomy.ParseRecordName(name)
	if err != nil {
		return b.reject(name, err)
	}
	return b.apply(p, kmer.Extract(seq, b.params))
}

type extracted struct {
	index int
	path  taxonomy.Path
	kmers *roaring.Bitmap
	err   error
}

// AddBatch parses and extracts all records in parallel, then adds them to
// the tree in input order. Records with a malformed name are returned as
// rejected and leave the tree untouched; the error is only set for usage
// errors.
func (b *Builder) AddBatch(records []Record) ([]Rejected, error) {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	if b.isClosed() {
		return nil, ErrBuilderClosed
	}

	room := workerpool.NewRoom[extracted](b.pool(), len(records))
	for i := range records {
		i := i
		room.NewTaskWaitForFreeSlot(func() extracted {
			p, err := taxonomy.ParseRecordName(records[i].Name)
			if err != nil {
				return extracted{index: i, err: err}
			}
			return extracted{index: i, path: p, kmers: kmer.Extract(records[i].Seq, b.params)}
		})
	}
	results := room.Collect()
	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })

	var rejected []Rejected
	for _, r := range results {
		err := r.err
		if err != nil {
			err = b.reject(records[r.index].Name, err)
		} else {
			err = b.apply(r.path, r.kmers)
		}
		if errors.Is(err, ErrBuilderClosed) {
			return rejected, err
		}
		if err != nil {
			rejected = append(rejected, Rejected{Index: r.index, Name: records[r.index].Name, Err: err})
		}
	}
	return rejected, nil
}

func (b *Builder) pool() *workerpool.WorkerPool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wp == nil {
		b.wp = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: b.config.Workers})
	}
	return b.wp
}

func (b *Builder) apply(p taxonomy.Path, set *roaring.Bitmap) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBuilderClosed
	}
	lineage, err := b.tree.EnsurePath(p)
	if err != nil {
		b.rejected++
		return err
	}
	b.tree.AddKmers(lineage, set)
	b.added++
	return nil
}

func (b *Builder) reject(name string, err error) error {
	b.mu.Lock()
	b.rejected++
	b.mu.Unlock()
	b.log.WithFields(logrus.Fields{
		"record": name,
		"error":  err,
	}).Debug("rejected reference record")
	return err
}

func (b *Builder) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Added and Rejected count records seen so far.
func (b *Builder) Added() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.added
}

func (b *Builder) Rejected() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Snapshot returns a read-only view of the index built so far. It shares
// the tree with the builder and must not be used concurrently with Add.
func (b *Builder) Snapshot() *Index {
	b.mu.Lock()
	defer b.mu.Unlock()
	return newIndex(b.params, b.tree, b.log)
}

// Save writes both index files and makes the builder inert. If the output
// directory cannot be created or lacks free space, Save fails before
// writing and the builder stays usable; any later failure is terminal.
func (b *Builder) Save() error {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBuilderClosed
	}

	dir := b.config.OutputDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := diskspace.Check(b.log, dir, b.config.MinimumFreeMB); err != nil {
		return err
	}

	b.closed = true
	if b.wp != nil {
		b.wp.Close()
	}

	ix := newIndex(b.params, b.tree, b.log)
	if err := ix.save(dir, b.config.Prefix, b.compression, b.config.Force); err != nil {
		return err
	}

	b.log.WithFields(logrus.Fields{
		"dir":      dir,
		"prefix":   b.config.Prefix,
		"params":   b.params.String(),
		"records":  b.added,
		"rejected": b.rejected,
		"nodes":    b.tree.Len(),
		"postings": ix.NumPostings(),
		"elapsed":  time.Since(b.started).Round(time.Millisecond),
	}).Info("taxonomy index saved")
	return nil
}

// Package keyValStore keeps a taxonomy index in badger so queries read
// postings from disk instead of loading the whole k-mer index into memory.
package keyValStore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/taxindex/internal/diskspace"
	"github.com/i5heu/taxindex/internal/indexfile"
	"github.com/i5heu/taxindex/pkg/index"
	"github.com/i5heu/taxindex/pkg/kmer"
	"github.com/i5heu/taxindex/pkg/taxonomy"
	"github.com/sirupsen/logrus"
)

var ErrEmptyStore = errors.New("keyValStore: store holds no index")

var (
	prefixNode    = []byte("n:")
	prefixPosting = []byte("p:")
	keyParams     = []byte("m:params")
)

type StoreConfig struct {
	Paths         []string // only the first path is used
	MinimumFreeMB uint64
	Logger        *logrus.Logger
}

type KeyValStore struct {
	config       StoreConfig
	log          *logrus.Logger
	badgerDB     *badger.DB
	params       kmer.Params
	tree         *taxonomy.Tree
	readCounter  uint64
	writeCounter uint64
}

func nodeKey(id taxonomy.NodeID) []byte {
	k := make([]byte, len(prefixNode)+4)
	copy(k, prefixNode)
	binary.BigEndian.PutUint32(k[len(prefixNode):], uint32(id))
	return k
}

func postingKey(rank taxonomy.Rank, code uint32) []byte {
	k := make([]byte, len(prefixPosting)+5)
	copy(k, prefixPosting)
	k[len(prefixPosting)] = byte(rank)
	binary.BigEndian.PutUint32(k[len(prefixPosting)+1:], code)
	return k
}

// Open opens or creates the store. An existing index is loaded right away;
// a fresh store stays empty until Import.
func Open(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Paths[0])
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", config.Paths[0], err)
	}

	k := &KeyValStore{
		config:   config,
		log:      config.Logger,
		badgerDB: db,
	}
	if err := k.load(); err != nil && !errors.Is(err, ErrEmptyStore) {
		db.Close()
		return nil, err
	}
	return k, nil
}

func (k *KeyValStore) load() error {
	raw, err := k.read(keyParams)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrEmptyStore
	}
	if err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("%w: params record has %d bytes", indexfile.ErrCorrupt, len(raw))
	}
	params := kmer.Params{KmerSize: int(raw[0]), StepSize: int(raw[1])}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("%w: %v", indexfile.ErrParameterMismatch, err)
	}

	items, err := k.GetItemsWithPrefix(prefixNode)
	if err != nil {
		return err
	}
	tree := taxonomy.NewTree()
	// big-endian ids iterate in id order, which Restore requires
	for _, kv := range items {
		rec, err := indexfile.UnmarshalNode(kv[1])
		if err != nil {
			return err
		}
		if err := tree.Restore(rec.ID, rec.Rank, rec.Name, rec.Parent, rec.KmerCount); err != nil {
			return fmt.Errorf("%w: %v", indexfile.ErrCorrupt, err)
		}
	}

	k.params = params
	k.tree = tree
	k.log.WithFields(logrus.Fields{
		"path":   k.config.Paths[0],
		"params": params.String(),
		"nodes":  tree.Len(),
	}).Info("key value store loaded")
	return nil
}

// Import replaces the store contents with ix.
func (k *KeyValStore) Import(ix *index.Index) error {
	start := time.Now()
	if err := diskspace.Check(k.log, k.config.Paths[0], k.config.MinimumFreeMB); err != nil {
		return err
	}
	if err := k.badgerDB.DropAll(); err != nil {
		return fmt.Errorf("error clearing store: %w", err)
	}

	wb := k.badgerDB.NewWriteBatch()
	defer wb.Cancel()

	var err error
	ix.Tree().Walk(func(n *taxonomy.Node) bool {
		atomic.AddUint64(&k.writeCounter, 1)
		err = wb.Set(nodeKey(n.ID), indexfile.MarshalNode(indexfile.NodeRecord{
			ID:        n.ID,
			Rank:      n.Rank,
			Name:      n.Name,
			Parent:    n.Parent,
			KmerCount: n.Size(),
		}))
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("error writing node: %w", err)
	}
	err = ix.EachPosting(func(p indexfile.PostingRecord) error {
		atomic.AddUint64(&k.writeCounter, 1)
		return wb.Set(postingKey(p.Rank, p.Kmer), indexfile.MarshalPosting(p))
	})
	if err != nil {
		return fmt.Errorf("error writing posting: %w", err)
	}
	params := ix.Params()
	if err := wb.Set(keyParams, []byte{byte(params.KmerSize), byte(params.StepSize)}); err != nil {
		return fmt.Errorf("error writing params: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("error flushing import: %w", err)
	}

	if err := k.load(); err != nil {
		return err
	}
	fields := logrus.Fields{
		"postings": ix.NumPostings(),
		"writes":   atomic.LoadUint64(&k.writeCounter),
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}
	if size, err := diskspace.DirSize(k.config.Paths[0]); err == nil {
		fields["store (MB)"] = fmt.Sprintf("%.2f", float64(size)/1e6)
	} else {
		k.log.WithError(err).Debug("sizing key value store")
	}
	k.log.WithFields(fields).Info("index imported into key value store")
	return nil
}

func (k *KeyValStore) Params() kmer.Params {
	return k.params
}

// Tree returns the node table, or nil before the first Import.
func (k *KeyValStore) Tree() *taxonomy.Tree {
	return k.tree
}

// Postings reads the nodes of rank holding code. A missing key is an empty
// posting list.
func (k *KeyValStore) Postings(rank taxonomy.Rank, code uint32) ([]taxonomy.NodeID, error) {
	if !rank.Valid() {
		return nil, fmt.Errorf("keyValStore: invalid rank %d", rank)
	}
	raw, err := k.read(postingKey(rank, code))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p, err := indexfile.UnmarshalPosting(raw)
	if err != nil {
		return nil, err
	}
	return p.Nodes, nil
}

func (k *KeyValStore) read(key []byte) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

// Counters returns the number of reads and writes since Open.
func (k *KeyValStore) Counters() (reads, writes uint64) {
	return atomic.LoadUint64(&k.readCounter), atomic.LoadUint64(&k.writeCounter)
}

// GetItemsWithPrefix returns all keys and values with the given prefix in
// key order.
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([][2][]byte, error) {
	var keysAndValues [][2][]byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			atomic.AddUint64(&k.readCounter, 1)
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keysAndValues = append(keysAndValues, [2][]byte{item.KeyCopy(nil), v})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning prefix %q: %w", prefix, err)
	}
	return keysAndValues, nil
}

func (k *KeyValStore) Close() error {
	if err := k.Clean(); err != nil {
		k.log.WithError(err).Warn("cleaning key value store")
	}
	return k.badgerDB.Close()
}

func (k *KeyValStore) Clean() error {
	if err := k.badgerDB.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}
	if err := k.badgerDB.Flatten(runtime.NumCPU()); err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	err := k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}

// Package taxindex classifies nucleotide sequences against a persisted
// taxonomy k-mer index, read either into memory or through a badger store.
package taxindex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/i5heu/taxindex/internal/keyValStore"
	"github.com/i5heu/taxindex/pkg/classify"
	"github.com/i5heu/taxindex/pkg/index"
	"github.com/i5heu/taxindex/pkg/kmer"
	"github.com/i5heu/taxindex/pkg/logging"
	"github.com/i5heu/taxindex/pkg/taxonomy"
	"github.com/sirupsen/logrus"
)

var (
	ErrClosed     = errors.New("taxindex: closed")
	ErrEmptyStore = keyValStore.ErrEmptyStore
)

// Config selects the index to classify against. When StoreDir is set the
// badger store is used and IndexDir is ignored.
type Config struct {
	IndexDir string
	Prefix   string
	StoreDir string
	// Expect, when non-zero, must match the parameters of the index.
	Expect    kmer.Params
	Threshold float64
	Workers   int
	// MinimumFreeMB is checked when a store is opened or imported.
	MinimumFreeMB uint64
	Logger        *logrus.Logger
}

func defaultLogger() *logrus.Logger {
	return logging.Default()
}

// TaxIndex is an opened index with its classifier. It is safe for
// concurrent use until Close.
type TaxIndex struct {
	log        *logrus.Logger
	source     classify.Source
	store      *keyValStore.KeyValStore
	classifier *classify.Classifier

	mu     sync.RWMutex
	closed bool
}

func Open(conf Config) (*TaxIndex, error) {
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}

	t := &TaxIndex{log: conf.Logger}
	if conf.StoreDir != "" {
		store, err := keyValStore.Open(keyValStore.StoreConfig{
			Paths:         []string{conf.StoreDir},
			MinimumFreeMB: conf.MinimumFreeMB,
			Logger:        conf.Logger,
		})
		if err != nil {
			return nil, err
		}
		if store.Tree() == nil {
			store.Close()
			return nil, fmt.Errorf("%w: %s", ErrEmptyStore, conf.StoreDir)
		}
		if !conf.Expect.IsZero() && conf.Expect != store.Params() {
			store.Close()
			return nil, fmt.Errorf("%w: store built with %s, expected %s", index.ErrParameterMismatch, store.Params(), conf.Expect)
		}
		t.source, t.store = store, store
	} else {
		ix, err := index.Load(index.LoadConfig{
			Dir:    conf.IndexDir,
			Prefix: conf.Prefix,
			Expect: conf.Expect,
			Logger: conf.Logger,
		})
		if err != nil {
			return nil, err
		}
		t.source = ix
	}

	c, err := classify.New(t.source, classify.Config{
		Threshold: conf.Threshold,
		Workers:   conf.Workers,
		Logger:    conf.Logger,
	})
	if err != nil {
		t.Close()
		return nil, err
	}
	t.classifier = c
	return t, nil
}

func (t *TaxIndex) Params() kmer.Params {
	return t.source.Params()
}

func (t *TaxIndex) Tree() *taxonomy.Tree {
	return t.source.Tree()
}

func (t *TaxIndex) Classify(seq string) (classify.Assignment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrClosed
	}
	return t.classifier.Classify(seq)
}

func (t *TaxIndex) ClassifyBatch(ctx context.Context, queries []classify.Query) ([]classify.Result, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrClosed
	}
	return t.classifier.ClassifyBatch(ctx, queries)
}

// Name returns the full taxonomy path of a node, or "" for unknown ids.
func (t *TaxIndex) Name(id taxonomy.NodeID) string {
	return t.source.Tree().FullName(id)
}

// Close releases the store, if any. Later calls are no-ops.
func (t *TaxIndex) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.store != nil {
		return t.store.Close()
	}
	return nil
}

// ImportStore loads the index files named by conf and writes them into the
// badger store at conf.StoreDir, replacing its contents.
func ImportStore(conf Config) error {
	if conf.StoreDir == "" {
		return errors.New("taxindex: no store directory")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	ix, err := index.Load(index.LoadConfig{
		Dir:    conf.IndexDir,
		Prefix: conf.Prefix,
		Expect: conf.Expect,
		Logger: conf.Logger,
	})
	if err != nil {
		return err
	}

	store, err := keyValStore.Open(keyValStore.StoreConfig{
		Paths:         []string{conf.StoreDir},
		MinimumFreeMB: conf.MinimumFreeMB,
		Logger:        conf.Logger,
	})
	if err != nil {
		return err
	}
	if err := store.Import(ix); err != nil {
		store.Close()
		return err
	}
	return store.Close()
}

package index

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/i5heu/taxindex/internal/indexfile"
	"github.com/i5heu/taxindex/pkg/kmer"
	"github.com/i5heu/taxindex/pkg/taxonomy"
	"github.com/sirupsen/logrus"
)

const DefaultPrefix = "taxonomy"

var (
	ErrInvalidParameter    = kmer.ErrInvalidParameter
	ErrMalformedPath       = taxonomy.ErrMalformedPath
	ErrOutputExists        = indexfile.ErrOutputExists
	ErrIncompatibleVersion = indexfile.ErrIncompatibleVersion
	ErrParameterMismatch   = indexfile.ErrParameterMismatch
	ErrBuildMismatch       = indexfile.ErrBuildMismatch
	ErrBuilderClosed       = errors.New("index: builder already saved")
)

// Config configures an index build.
type Config struct {
	// OutputDir receives the two index files. Required.
	OutputDir string
	// Prefix names the files <prefix>_tax_index.dat and <prefix>_kmer_index.dat.
	Prefix string
	// KmerSize and StepSize default to 8 and 1 when zero.
	KmerSize int
	StepSize int
	// Force overwrites existing index files.
	Force bool
	// Compression is one of "zstd" (default), "xz" or "none".
	Compression string
	// MinimumFreeMB refuses to save when less space is free in OutputDir.
	MinimumFreeMB uint64
	// Workers bounds parallel k-mer extraction in AddBatch.
	Workers int
	Logger  *logrus.Logger
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.KmerSize == 0 {
		c.KmerSize = kmer.DefaultKmerSize
	}
	if c.StepSize == 0 {
		c.StepSize = kmer.DefaultStepSize
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

func (c Config) params() kmer.Params {
	return kmer.Params{KmerSize: c.KmerSize, StepSize: c.StepSize}
}

func (c Config) check() error {
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output_dir is required", ErrInvalidParameter)
	}
	return c.params().Validate()
}

// NodeTablePath is the node table file of prefix in dir.
func NodeTablePath(dir, prefix string) string {
	return filepath.Join(dir, prefix+"_tax_index.dat")
}

// KmerIndexPath is the inverted k-mer index file of prefix in dir.
func KmerIndexPath(dir, prefix string) string {
	return filepath.Join(dir, prefix+"_kmer_index.dat")
}

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/i5heu/taxindex/internal/indexfile"
	"github.com/i5heu/taxindex/pkg/classify"
	"github.com/i5heu/taxindex/pkg/index"
	"github.com/i5heu/taxindex/pkg/kmer"
	"github.com/i5heu/taxindex/pkg/logging"
	"gopkg.in/yaml.v2"
)

type Build struct {
	OutputDir     string `yaml:"output_dir"`
	Prefix        string `yaml:"prefix"`
	KmerSize      int    `yaml:"kmer_size"`
	StepSize      int    `yaml:"step_size"`
	Compression   string `yaml:"compression"`
	Force         bool   `yaml:"force"`
	MinimumFreeMB uint64 `yaml:"minimum_free_mb"`
	Workers       int    `yaml:"workers"`
}

type Classify struct {
	IndexDir  string  `yaml:"index_dir"`
	Prefix    string  `yaml:"prefix"`
	StoreDir  string  `yaml:"store_dir"`
	Threshold float64 `yaml:"threshold"`
	Workers   int     `yaml:"workers"`
}

type Config struct {
	LogLevel string   `yaml:"log_level"`
	Build    Build    `yaml:"build"`
	Classify Classify `yaml:"classify"`
}

func Default() Config {
	var config Config
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Build.OutputDir == "" {
		c.Build.OutputDir = "."
	}
	if c.Build.Prefix == "" {
		c.Build.Prefix = index.DefaultPrefix
	}
	if c.Build.KmerSize == 0 {
		c.Build.KmerSize = kmer.DefaultKmerSize
	}
	if c.Build.StepSize == 0 {
		c.Build.StepSize = kmer.DefaultStepSize
	}
	if c.Build.Compression == "" {
		c.Build.Compression = indexfile.Zstd.String()
	}
	if c.Classify.IndexDir == "" {
		c.Classify.IndexDir = "."
	}
	if c.Classify.Prefix == "" {
		c.Classify.Prefix = index.DefaultPrefix
	}
	if c.Classify.Threshold == 0 {
		c.Classify.Threshold = classify.DefaultThreshold
	}
}

// Load reads a YAML file. An empty path or a missing file yields the
// defaults.
func Load(path string) (Config, error) {
	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.UnmarshalStrict(data, &config); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	config.applyDefaults()

	if _, err := logging.New(config.LogLevel); err != nil {
		return Config{}, fmt.Errorf("config log_level: %w", err)
	}
	return config, nil
}

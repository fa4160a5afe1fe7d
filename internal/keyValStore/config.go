package keyValStore

import (
	"errors"
	"fmt"
	"os"

	"github.com/i5heu/taxindex/internal/diskspace"
)

func (sc *StoreConfig) checkConfig() error {
	if len(sc.Paths) == 0 || sc.Paths[0] == "" {
		return errors.New("no path provided in configuration")
	}

	path := sc.Paths[0]
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	return diskspace.Check(sc.Logger, path, sc.MinimumFreeMB)
}

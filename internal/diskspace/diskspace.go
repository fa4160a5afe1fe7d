package diskspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

var ErrInsufficientSpace = errors.New("diskspace: not enough free space")

// Usage describes the filesystem holding a path.
type Usage struct {
	Path    string
	TotalMB float64
	FreeMB  float64
	UsedMB  float64
}

// DirSize calculates the total size of files within a directory.
func DirSize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// Get reads filesystem usage only; it never walks path.
func Get(path string) (Usage, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return Usage{}, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	return Usage{
		Path:    path,
		TotalMB: float64(stat.Total) / 1e6,
		FreeMB:  float64(stat.Free) / 1e6,
		UsedMB:  float64(stat.Used) / 1e6,
	}, nil
}

// Check logs the disk usage of path and fails when less than minimumFreeMB
// is available. A zero minimum only logs.
func Check(log *logrus.Logger, path string, minimumFreeMB uint64) error {
	u, err := Get(path)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"path":       u.Path,
		"total (MB)": fmt.Sprintf("%.2f", u.TotalMB),
		"used (MB)":  fmt.Sprintf("%.2f", u.UsedMB),
		"free (MB)":  fmt.Sprintf("%.2f", u.FreeMB),
	}).Debug("disk usage")

	if minimumFreeMB > 0 && u.FreeMB < float64(minimumFreeMB) {
		return fmt.Errorf("%w: %.0f MB free in %s, need %d MB", ErrInsufficientSpace, u.FreeMB, path, minimumFreeMB)
	}
	return nil
}

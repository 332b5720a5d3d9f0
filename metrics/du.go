package metrics

import (
	"context"
	"io/fs"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redkeeper/keeperstore/utils/log"
)

// statBlockSize is the unit of Stat_t.Blocks.
const statBlockSize = 512

// Setter is an interface for prometheus metrics to improve unit-testability.
type Setter interface {
	Set(m float64)
}

// StartDiskUsageMonitor sets the disk usage of dir on s now and at each interval until ctx is done.
func StartDiskUsageMonitor(ctx context.Context, s Setter, dir string, interval time.Duration) error {
	s.Set(float64(DiskUsage(dir)))

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Set(float64(DiskUsage(dir)))
		}
	}
}

// DiskUsage returns the bytes allocated on disk for the files under path. Preallocated but unwritten
// space of a file is not counted.
func DiskUsage(path string) int64 {
	var totalSize int64
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// removed by gc in the meantime
			return nil
		}
		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			totalSize += info.Size()
			return nil
		}
		totalSize += stat.Blocks * statBlockSize
		return nil
	})
	if err != nil {
		log.Error("get the disk usage of %s for monitoring: %v", path, err)
	}
	return totalSize
}

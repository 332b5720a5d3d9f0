package store

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/redkeeper/keeperstore/utils/log"
)

const (
	rdbFilePrefix = "rdb_"
	cmdFilePrefix = "cmd_"

	fileMode = 0o644
	dirMode  = 0o755
)

func newRdbFileName(now time.Time) string {
	return fmt.Sprintf("%s%d_%s", rdbFilePrefix, now.UnixMilli(), uuid.NewString())
}

func newCmdFilePrefix() string {
	return cmdFilePrefix + uuid.NewString() + "_"
}

// move renames oldFP to newFP, replacing newFP atomically.
func move(oldFP, newFP string) error {
	if err := os.Rename(oldFP, newFP); err != nil {
		return errors.Wrapf(err, "failed to move %s to %s", oldFP, newFP)
	}
	log.Debug("moved %s to %s", oldFP, newFP)
	return nil
}

// syncDir makes renames and unlinks in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open directory %s", dir)
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return errors.Wrapf(err, "sync directory %s", dir)
	}
	return d.Close()
}

// removeFile deletes path. Failures are logged and reported as false.
func removeFile(path string) bool {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Error("failed to remove %s: %v", path, err)
		return false
	}
	log.Info("removed %s", path)
	return true
}

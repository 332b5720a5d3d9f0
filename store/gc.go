package store

import (
	"context"
	"math"
	"time"

	"github.com/redkeeper/keeperstore/metrics"
	"github.com/redkeeper/keeperstore/utils/log"
)

// GC deletes retired snapshots nobody reads anymore and command segments that fell out of the
// retention window. It never waits for readers and never fails; deletion errors are logged.
func (rs *ReplicationStore) GC() {
	if rs.closed.Load() {
		return
	}

	rs.mu.Lock()
	var unused []*RdbStore
	for rdb := range rs.retired {
		if rdb.RefCount() == 0 {
			unused = append(unused, rdb)
			delete(rs.retired, rdb)
		}
	}
	cmd := rs.cmd.Load()
	protectFrom := rs.snapshotContinuationLocked(cmd)
	rs.mu.Unlock()

	for _, rdb := range unused {
		if err := rdb.Destroy(); err != nil {
			log.Error("gc snapshot %s: %v", rdb.Path(), err)
			continue
		}
		metrics.GCDeletedFilesTotal.WithLabelValues(metrics.FileKindRdb).Inc()
		log.Info("gc removed snapshot %s", rdb.Path())
	}

	if cmd == nil {
		return
	}
	now := rs.now()
	for _, path := range cmd.collect(func(seg SegmentInfo, lowestReading, total int64) bool {
		// the current snapshot reads on from protectFrom like any registered reader
		if protectFrom < lowestReading {
			lowestReading = protectFrom
		}
		return rs.canDeleteCmdFile(seg, lowestReading, total, now)
	}) {
		if removeFile(path) {
			metrics.GCDeletedFilesTotal.WithLabelValues(metrics.FileKindCmd).Inc()
		}
	}

	// logs are created under the lock, and a prefix that is not current there never becomes current again
	paths := rs.listCommandFiles()
	rs.mu.Lock()
	prefix := rs.cmd.Load().Prefix()
	rs.mu.Unlock()
	rs.removeCommandFiles(staleCommandFiles(paths, prefix))

	metrics.CommandLogLengthBytes.Set(float64(cmd.TotalLength()))
	if rdb := rs.rdb.Load(); rdb != nil {
		metrics.RdbReferences.Set(float64(rdb.RefCount()))
	}
}

// snapshotContinuationLocked is the log-relative offset the current snapshot continues from while it
// can still serve a full sync, or math.MaxInt64.
func (rs *ReplicationStore) snapshotContinuationLocked(cmd *CommandStore) int64 {
	rdb := rs.rdb.Load()
	if rdb == nil || cmd == nil || !rdb.usable() {
		return math.MaxInt64
	}
	keeperBegin := rs.meta.KeeperBeginOffset()
	last := rdb.LastKeeperOffset()
	if keeperBegin+cmd.TotalLength()-1-last > rs.cfg.MaxCommandsToTransferBeforeCreateRdb {
		// the tail only grows, this snapshot will never serve a full sync again
		return math.MaxInt64
	}
	// the segment holding the continuation itself must stay
	return last + 2 - keeperBegin
}

// canDeleteCmdFile keeps a segment while a reader needs it, while it is inside the retention
// window, and for a grace period after its last write.
func (rs *ReplicationStore) canDeleteCmdFile(seg SegmentInfo, lowestReading, total int64, now time.Time) bool {
	if seg.End() >= lowestReading {
		return false
	}
	if total-seg.End() <= rs.cfg.CommandFileSize*int64(rs.cfg.CommandFileNumToKeep) {
		return false
	}
	if now.Sub(seg.ModTime) < rs.cfg.MinTimeToGCAfterCreate {
		return false
	}
	log.Debug("command segment %s [%d, %d) can be deleted, lowest reading offset %d, length %d",
		seg.Path, seg.Start, seg.End(), lowestReading, total)
	return true
}

// GCWorker runs GC periodically.
type GCWorker struct {
	store    *ReplicationStore
	interval time.Duration
}

func NewGCWorker(store *ReplicationStore, interval time.Duration) *GCWorker {
	return &GCWorker{store: store, interval: interval}
}

// Run collects garbage every interval until ctx is done.
func (w *GCWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown replication store gc...")
			return nil
		case <-ticker.C:
			w.store.GC()
		}
	}
}

package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/redkeeper/keeperstore/metrics"
	"github.com/redkeeper/keeperstore/store/eof"
	"github.com/redkeeper/keeperstore/utils/log"
)

// NotReadyOffset is returned by the end offset queries before the first snapshot begins.
const NotReadyOffset int64 = -2

// ReplicationStore keeps the current snapshot and the command log that continues it under one
// base directory. Only one instance may own a directory at a time.
type ReplicationStore struct {
	baseDir string
	cfg     Config
	meta    *MetaStore
	finder  *Finder
	now     func() time.Time

	// mu is held for snapshot rotation and the full sync decision.
	mu      sync.Mutex
	rdb     *atomic.Pointer[RdbStore]
	cmd     *atomic.Pointer[CommandStore]
	retired map[*RdbStore]struct{}

	rdbUpdateCount *atomic.Int64
	closed         *atomic.Bool
}

// Open recovers the store under baseDir, creating the directory when needed.
func Open(baseDir string, cfg Config) (*ReplicationStore, error) {
	dir, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return nil, errors.Wrapf(err, "absolute path of %s", baseDir)
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, errors.Wrapf(err, "create base directory %s", dir)
	}
	meta, err := LoadMetaStore(dir)
	if err != nil {
		return nil, err
	}

	rs := &ReplicationStore{
		baseDir:        dir,
		cfg:            cfg.withDefaults(),
		meta:           meta,
		finder:         NewFinder(os.ReadDir),
		now:            time.Now,
		rdb:            atomic.NewPointer[RdbStore](nil),
		cmd:            atomic.NewPointer[CommandStore](nil),
		retired:        map[*RdbStore]struct{}{},
		rdbUpdateCount: atomic.NewInt64(0),
		closed:         atomic.NewBool(false),
	}

	m := meta.Dup()
	if m.RdbFile != "" {
		marker, complete, err := m.RdbMarker()
		if err != nil {
			return nil, err
		}
		rdb := OpenRdbStore(filepath.Join(dir, m.RdbFile), m.RdbLastKeeperOffset, marker, complete)
		rs.rdb.Store(rdb)
		log.Info("recovered snapshot %s, last keeper offset %d", rdb, m.RdbLastKeeperOffset)
	}
	if m.CmdFilePrefix != "" {
		cmd, err := OpenCommandStore(dir, m.CmdFilePrefix, rs.cfg.CommandFileSize)
		if err != nil {
			return nil, err
		}
		rs.cmd.Store(cmd)
	}
	rs.removeUnusedFiles(m)
	return rs, nil
}

// removeUnusedFiles deletes snapshot files and command segments left behind by earlier runs.
func (rs *ReplicationStore) removeUnusedFiles(m Meta) {
	rdbFiles, err := rs.finder.Find(rs.baseDir, rdbFilePattern)
	if err != nil {
		log.Warn("list snapshot files: %v", err)
	}
	for _, p := range rdbFiles {
		if filepath.Base(p) != m.RdbFile {
			log.Info("removing unused snapshot %s", p)
			if removeFile(p) {
				metrics.GCDeletedFilesTotal.WithLabelValues(metrics.FileKindRdb).Inc()
			}
		}
	}
	rs.removeCommandFiles(staleCommandFiles(rs.listCommandFiles(), m.CmdFilePrefix))
}

// listCommandFiles returns every command segment under the base directory, whatever its log.
func (rs *ReplicationStore) listCommandFiles() []string {
	paths, err := rs.finder.Find(rs.baseDir, cmdFilePattern)
	if err != nil {
		log.Warn("list command segments: %v", err)
		return nil
	}
	return paths
}

// staleCommandFiles keeps the paths that are not segments of the log with prefix.
func staleCommandFiles(paths []string, prefix string) []string {
	var stale []string
	for _, p := range paths {
		if prefix != "" && strings.HasPrefix(filepath.Base(p), prefix) {
			continue
		}
		stale = append(stale, p)
	}
	return stale
}

func (rs *ReplicationStore) removeCommandFiles(paths []string) {
	for _, p := range paths {
		log.Info("removing stale command segment %s", p)
		if removeFile(p) {
			metrics.GCDeletedFilesTotal.WithLabelValues(metrics.FileKindCmd).Inc()
		}
	}
}

func (rs *ReplicationStore) BaseDir() string {
	return rs.baseDir
}

// BeginSnapshot starts capturing a snapshot taken at sourceOffset. The new command log starts
// right after it, at sourceOffset+1 in both offset frames.
func (rs *ReplicationStore) BeginSnapshot(runID string, sourceOffset int64, marker eof.Marker) (*RdbStore, error) {
	return rs.BeginSnapshotAt(runID, sourceOffset, sourceOffset+1, marker)
}

// BeginSnapshotAt is BeginSnapshot with the keeper offset of the new log chosen by the caller,
// typically NextNonOverlappingKeeperBeginOffset when re-anchoring after a gap.
func (rs *ReplicationStore) BeginSnapshotAt(runID string, sourceOffset, keeperBeginOffset int64,
	marker eof.Marker,
) (*RdbStore, error) {
	if rs.closed.Load() {
		return nil, ErrClosed
	}
	if marker == nil {
		return nil, errors.Wrap(ErrInvalidState, "snapshot without eof marker")
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	rdbName := newRdbFileName(rs.now())
	prefix := newCmdFilePrefix()
	m, err := rs.meta.SnapshotBegun(runID, sourceOffset, keeperBeginOffset, rdbName, marker, prefix)
	if err != nil {
		return nil, err
	}

	rdb, err := createRdbStore(filepath.Join(rs.baseDir, rdbName), m.RdbLastKeeperOffset, marker, rdbCallbacks{
		onEnd: func(size int64) error {
			_, err := rs.meta.SetRdbFileSize(rdbName, size)
			return err
		},
		onFail: rs.meta.SnapshotAborted,
	})
	if err != nil {
		rs.meta.SnapshotAborted()
		return nil, err
	}
	cmd, err := OpenCommandStore(rs.baseDir, prefix, rs.cfg.CommandFileSize)
	if err != nil {
		rs.meta.SnapshotAborted()
		_ = rdb.Destroy()
		return nil, err
	}

	if old := rs.rdb.Swap(rdb); old != nil {
		rs.retireLocked(old)
	}
	if old := rs.cmd.Swap(cmd); old != nil {
		// readers of the previous log cannot continue in the new offset frame
		if err := old.Close(); err != nil {
			log.Warn("close previous command log %s: %v", old.Prefix(), err)
		}
	}
	log.Info("snapshot %s begun for %s at source offset %d, keeper begin offset %d",
		rdbName, runID, sourceOffset, keeperBeginOffset)
	return rdb, nil
}

// PrepareNewSnapshot allocates a draft snapshot file in the base directory without touching the current state.
func (rs *ReplicationStore) PrepareNewSnapshot() (*DumpedRdbStore, error) {
	if rs.closed.Load() {
		return nil, ErrClosed
	}
	return NewDumpedRdbStore(filepath.Join(rs.baseDir, newRdbFileName(rs.now())))
}

// SnapshotUpdated makes a closed draft the current snapshot. Concurrent calls are applied one after
// the other; the last one wins and the earlier ones are retired like any replaced snapshot.
func (rs *ReplicationStore) SnapshotUpdated(draft *DumpedRdbStore) error {
	if rs.closed.Load() {
		return ErrClosed
	}
	path, err := filepath.Abs(draft.Path())
	if err != nil {
		return errors.Wrapf(err, "absolute path of %s", draft.Path())
	}
	if filepath.Dir(path) != rs.baseDir {
		return PathMismatchError(path)
	}
	if !draft.Done() {
		return errors.Wrapf(ErrInvalidState, "draft snapshot %s is not closed", path)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	m, err := rs.meta.SnapshotCompleted(filepath.Base(path), eof.Length(draft.Size()), draft.SourceOffset())
	if err != nil {
		return err
	}
	rdb := OpenRdbStore(path, m.RdbLastKeeperOffset, eof.Length(draft.Size()), true)
	if old := rs.rdb.Swap(rdb); old != nil {
		rs.retireLocked(old)
	}
	rs.rdbUpdateCount.Inc()
	metrics.RdbUpdatesTotal.Inc()
	log.Info("snapshot updated to %s, last keeper offset %d", path, m.RdbLastKeeperOffset)
	return nil
}

func (rs *ReplicationStore) retireLocked(rdb *RdbStore) {
	rdb.retire()
	rs.retired[rdb] = struct{}{}
	log.Info("snapshot %s retired with %d references", rdb.Path(), rdb.RefCount())
}

// FullSyncIfPossible streams the current snapshot to l and continues with the command log from
// the offset right after it. It returns false without side effects when the snapshot cannot be
// continued by the log. Once accepted it blocks until ctx is done, l fails or the store closes.
// A listener implementing HistoryListener learns the History of the stream before the snapshot begins.
func (rs *ReplicationStore) FullSyncIfPossible(ctx context.Context, l FullSyncListener) (bool, error) {
	if rs.closed.Load() {
		return false, ErrClosed
	}
	src, ok := rs.lockAndCheckIfFullSyncPossible()
	if !ok {
		metrics.FullSyncTotal.WithLabelValues(metrics.FullSyncRejected).Inc()
		return false, nil
	}
	metrics.FullSyncTotal.WithLabelValues(metrics.FullSyncAccepted).Inc()
	defer src.reader.Close()

	err := func() error {
		defer src.ref.Release()
		if err := notifyHistory(l, src.history); err != nil {
			return err
		}
		return src.ref.rdb.ReadTo(ctx, l)
	}()
	if err != nil {
		return true, errors.Wrapf(err, "full sync from %s", src.ref.rdb.Path())
	}
	return true, src.reader.Pipe(ctx, offsetListener{l: l, base: src.keeperBegin})
}

// fullSyncSource is what an accepted full sync reads from.
type fullSyncSource struct {
	ref         *RdbRef
	reader      *CommandReader
	keeperBegin int64
	history     History
}

// lockAndCheckIfFullSyncPossible takes a snapshot reference and registers a command reader right
// after the snapshot, or takes nothing.
func (rs *ReplicationStore) lockAndCheckIfFullSyncPossible() (fullSyncSource, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rdb, cmd := rs.rdb.Load(), rs.cmd.Load()
	if rdb == nil || cmd == nil || !rdb.usable() {
		log.Info("full sync not possible, no usable snapshot")
		return fullSyncSource{}, false
	}
	ref := rdb.Acquire()

	m := rs.meta.Dup()
	keeperBegin := m.KeeperBeginOffset
	minCmd := keeperBegin + cmd.MinStartOffset()
	maxCmd := keeperBegin + cmd.TotalLength() - 1
	last := rdb.LastKeeperOffset()
	if minCmd > last+1 {
		log.Info("full sync not possible, command log starts at %d after snapshot end %d", minCmd, last)
		ref.Release()
		return fullSyncSource{}, false
	}
	if tail := maxCmd - last; tail > rs.cfg.MaxCommandsToTransferBeforeCreateRdb {
		log.Info("full sync not possible, %d command bytes after the snapshot exceed %d",
			tail, rs.cfg.MaxCommandsToTransferBeforeCreateRdb)
		ref.Release()
		return fullSyncSource{}, false
	}
	reader, err := cmd.NewReader(last + 1 - keeperBegin)
	if err != nil {
		log.Info("full sync not possible: %v", err)
		ref.Release()
		return fullSyncSource{}, false
	}
	return fullSyncSource{ref: ref, reader: reader, keeperBegin: keeperBegin, history: m.History()}, true
}

// AddCommandsListener delivers the command log from keeper offset offset to l. It blocks until
// ctx is done, l fails or the log closes. ErrOffsetTooOld means the caller needs a full sync.
func (rs *ReplicationStore) AddCommandsListener(ctx context.Context, offset int64, l CommandsListener) error {
	return rs.addCommandsListener(ctx, offset, nil, l)
}

// ContinueCommandsListener is AddCommandsListener for a consumer that already holds part of the
// stream of h. It fails with ErrHistoryChanged when the current log does not continue h.
func (rs *ReplicationStore) ContinueCommandsListener(ctx context.Context, h History, offset int64,
	l CommandsListener,
) error {
	return rs.addCommandsListener(ctx, offset, &h, l)
}

func (rs *ReplicationStore) addCommandsListener(ctx context.Context, offset int64, expect *History,
	l CommandsListener,
) error {
	reader, keeperBegin, h, err := rs.newCommandReader(offset, expect)
	if err != nil {
		return err
	}
	defer reader.Close()
	if err := notifyHistory(l, h); err != nil {
		return err
	}
	return reader.Pipe(ctx, offsetListener{l: l, base: keeperBegin})
}

func notifyHistory(l interface{}, h History) error {
	hl, ok := l.(HistoryListener)
	if !ok {
		return nil
	}
	return errors.Wrap(hl.OnHistory(h), "history listener")
}

// NewCommandReader registers a reader at keeper offset offset and returns the keeper begin offset
// its positions are relative to.
func (rs *ReplicationStore) NewCommandReader(offset int64) (*CommandReader, int64, error) {
	reader, keeperBegin, _, err := rs.newCommandReader(offset, nil)
	return reader, keeperBegin, err
}

func (rs *ReplicationStore) newCommandReader(offset int64, expect *History) (*CommandReader, int64, History, error) {
	if rs.closed.Load() {
		return nil, 0, History{}, ErrClosed
	}
	cmd, m := rs.currentLog()
	if cmd == nil {
		return nil, 0, History{}, errors.Wrap(ErrInvalidState, "no command log yet")
	}
	h := m.History()
	if expect != nil && *expect != h {
		return nil, 0, History{}, errors.Wrapf(ErrHistoryChanged, "log of %s shifted by %d, expected %s shifted by %d",
			h.MasterRunID, h.Shift, expect.MasterRunID, expect.Shift)
	}
	keeperBegin := m.KeeperBeginOffset
	if offset < keeperBegin {
		return nil, 0, History{}, errors.Wrapf(ErrOffsetTooOld, "offset %d precedes keeper begin offset %d",
			offset, keeperBegin)
	}
	reader, err := cmd.NewReader(offset - keeperBegin)
	if err != nil {
		return nil, 0, History{}, err
	}
	return reader, keeperBegin, h, nil
}

// currentLog returns the command log together with the meta record that frames its offsets.
func (rs *ReplicationStore) currentLog() (*CommandStore, Meta) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cmd.Load(), rs.meta.Dup()
}

// AppendCommands appends replicated commands to the current log.
func (rs *ReplicationStore) AppendCommands(p []byte) (int, error) {
	cmd := rs.cmd.Load()
	if cmd == nil {
		return 0, errors.Wrap(ErrInvalidState, "append before the first snapshot began")
	}
	n, err := cmd.Append(p)
	metrics.CommandBytesAppendedTotal.Add(float64(n))
	return n, err
}

// AwaitOffset blocks until every byte before keeper offset offset is stored, or the timeout elapses.
func (rs *ReplicationStore) AwaitOffset(ctx context.Context, offset int64, timeout time.Duration) bool {
	cmd, m := rs.currentLog()
	if cmd == nil {
		return false
	}
	return cmd.AwaitOffset(ctx, offset-m.KeeperBeginOffset, timeout)
}

// EndOffset is the source offset of the last stored command, or NotReadyOffset.
func (rs *ReplicationStore) EndOffset() int64 {
	cmd, m := rs.currentLog()
	if m.BeginOffset == nil || cmd == nil {
		return NotReadyOffset
	}
	return *m.BeginOffset + cmd.TotalLength() - 1
}

// KeeperEndOffset is the keeper offset of the last stored command, or NotReadyOffset.
func (rs *ReplicationStore) KeeperEndOffset() int64 {
	cmd, m := rs.currentLog()
	if m.BeginOffset == nil || cmd == nil {
		return NotReadyOffset
	}
	return m.KeeperBeginOffset + cmd.TotalLength() - 1
}

// NextNonOverlappingKeeperBeginOffset is a keeper begin offset beyond every stored byte.
func (rs *ReplicationStore) NextNonOverlappingKeeperBeginOffset() int64 {
	cmd, m := rs.currentLog()
	var total int64
	if cmd != nil {
		total = cmd.TotalLength()
	}
	return m.KeeperBeginOffset + total + 1
}

func (rs *ReplicationStore) BeginOffset() *int64 {
	return rs.meta.BeginOffset()
}

func (rs *ReplicationStore) KeeperBeginOffset() int64 {
	return rs.meta.KeeperBeginOffset()
}

func (rs *ReplicationStore) IsFresh() bool {
	return rs.meta.IsFresh()
}

func (rs *ReplicationStore) Meta() Meta {
	return rs.meta.Dup()
}

// RdbUpdateCount is the number of SnapshotUpdated calls applied since Open.
func (rs *ReplicationStore) RdbUpdateCount() int64 {
	return rs.rdbUpdateCount.Load()
}

// Rdb returns the current snapshot, nil before the first one.
func (rs *ReplicationStore) Rdb() *RdbStore {
	return rs.rdb.Load()
}

// CommandStore returns the current command log, nil before the first snapshot.
func (rs *ReplicationStore) CommandStore() *CommandStore {
	return rs.cmd.Load()
}

// RetiredCount is the number of replaced snapshots waiting for GC.
func (rs *ReplicationStore) RetiredCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.retired)
}

// CheckOk reports whether the store can serve a full sync after a restart.
func (rs *ReplicationStore) CheckOk() bool {
	if rs.meta.IsFresh() {
		return true
	}
	rdb := rs.rdb.Load()
	if rdb == nil {
		return false
	}
	return rdb.CheckOk()
}

func (rs *ReplicationStore) Closed() bool {
	return rs.closed.Load()
}

// Close releases every file handle. Blocked readers return ErrClosed.
func (rs *ReplicationStore) Close() error {
	if !rs.closed.CompareAndSwap(false, true) {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var err error
	if rdb := rs.rdb.Load(); rdb != nil {
		err = multierr.Append(err, rdb.Close())
	}
	if cmd := rs.cmd.Load(); cmd != nil {
		err = multierr.Append(err, cmd.Close())
	}
	for rdb := range rs.retired {
		err = multierr.Append(err, rdb.Close())
	}
	log.Info("replication store %s closed", rs.baseDir)
	return err
}

// Destroy closes the store and deletes its base directory.
func (rs *ReplicationStore) Destroy() error {
	err := rs.Close()
	if rerr := os.RemoveAll(rs.baseDir); rerr != nil {
		err = multierr.Append(err, errors.Wrapf(rerr, "remove %s", rs.baseDir))
	}
	log.Info("replication store %s destroyed", rs.baseDir)
	return err
}

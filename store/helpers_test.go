package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redkeeper/keeperstore/store"
	"github.com/redkeeper/keeperstore/store/eof"
)

// recorder is a FullSyncListener that keeps everything it receives and checks the command stream
// has no gap.
type recorder struct {
	mu               sync.Mutex
	marker           eof.Marker
	lastKeeperOffset int64
	rdb              []byte
	rdbEnded         bool
	cmds             []byte
	firstCmdOffset   int64
	nextCmdOffset    int64
	histories        []store.History
}

func newRecorder() *recorder {
	return &recorder{firstCmdOffset: -1}
}

func (r *recorder) OnHistory(h store.History) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histories = append(r.histories, h)
	return nil
}

func (r *recorder) seenHistories() []store.History {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.History(nil), r.histories...)
}

func (r *recorder) OnRdbBegin(marker eof.Marker, lastKeeperOffset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marker = marker
	r.lastKeeperOffset = lastKeeperOffset
	return nil
}

func (r *recorder) OnRdbData(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rdb = append(r.rdb, p...)
	return nil
}

func (r *recorder) OnRdbEnd() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rdbEnded = true
	return nil
}

func (r *recorder) OnCommands(p []byte, offset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstCmdOffset < 0 {
		r.firstCmdOffset = offset
	} else if offset != r.nextCmdOffset {
		return fmt.Errorf("commands at %d, expected %d", offset, r.nextCmdOffset)
	}
	r.nextCmdOffset = offset + int64(len(p))
	r.cmds = append(r.cmds, p...)
	return nil
}

func (r *recorder) received() (rdb, cmds []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.rdb...), append([]byte(nil), r.cmds...)
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rdb) + len(r.cmds)
}

func (r *recorder) waitTotal(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.total() >= n }, 2*time.Second, 5*time.Millisecond,
		"received %d bytes, want %d", r.total(), n)
}

// payload returns n deterministic bytes.
func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func testConfig() store.Config {
	return store.Config{
		CommandFileSize:                      1024,
		CommandFileNumToKeep:                 0,
		MinTimeToGCAfterCreate:               0,
		MaxCommandsToTransferBeforeCreateRdb: 1 << 20,
	}
}

func openStore(t *testing.T, dir string, cfg store.Config) *store.ReplicationStore {
	t.Helper()
	rs, err := store.Open(dir, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })
	return rs
}

// captureSnapshot begins a snapshot at sourceOffset and writes it completely.
func captureSnapshot(t *testing.T, rs *store.ReplicationStore, sourceOffset int64, data []byte) *store.RdbStore {
	t.Helper()
	rdb, err := rs.BeginSnapshot("run1", sourceOffset, eof.Length(len(data)))
	require.NoError(t, err)
	_, err = rdb.Write(data)
	require.NoError(t, err)
	require.NoError(t, rdb.EndRdb())
	return rdb
}

type fullSyncResult struct {
	ok  bool
	err error
}

// startFullSync runs FullSyncIfPossible in the background until the returned cancel is called.
func startFullSync(rs *store.ReplicationStore, l store.FullSyncListener) (<-chan fullSyncResult, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan fullSyncResult, 1)
	go func() {
		ok, err := rs.FullSyncIfPossible(ctx, l)
		res <- fullSyncResult{ok: ok, err: err}
	}()
	return res, cancel
}

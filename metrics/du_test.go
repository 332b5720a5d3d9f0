package metrics_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redkeeper/keeperstore/metrics"
)

type mockMetricsSetter struct {
	mu    sync.Mutex
	value float64
}

func (m *mockMetricsSetter) Set(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = v
}

func (m *mockMetricsSetter) get() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

func TestStartDiskUsageMonitor(t *testing.T) {
	t.Parallel()
	// --- given ---
	rootDir := t.TempDir()
	fp, err := os.OpenFile(filepath.Join(rootDir, "cmd_example_0"), os.O_CREATE|os.O_RDWR, 0o600)
	require.Nil(t, err)
	// truncate => allocate the filesize, writeBuffer => write actual data
	require.Nil(t, fp.Truncate(1024*256))
	require.Nil(t, writeBuffer(fp, 300))
	require.Nil(t, fp.Sync())
	require.Nil(t, fp.Close())
	m := &mockMetricsSetter{}
	ctx, cancel := context.WithCancel(context.Background())

	// --- when ---
	done := make(chan error)
	go func() { done <- metrics.StartDiskUsageMonitor(ctx, m, rootDir, 10*time.Millisecond) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	// --- then ---
	assert.Nil(t, <-done)
	// only the written block is allocated, not the truncated size
	assert.Greater(t, m.get(), float64(0))
	assert.Less(t, m.get(), float64(1024*256))
}

func TestDiskUsage_missingDirectory(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(0), metrics.DiskUsage(filepath.Join(t.TempDir(), "missing")))
}

func writeBuffer(fp *os.File, size int) error {
	// fill bytes
	b := make([]byte, size)
	for i := 0; i < size; i++ {
		b[i] = 1
	}

	if _, err := fp.WriteAt(b, 0); err != nil {
		return err
	}

	return nil
}

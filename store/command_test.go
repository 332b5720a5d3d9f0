package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redkeeper/keeperstore/store"
)

const testPrefix = "cmd_test_"

func openCommandStore(t *testing.T, dir string, segmentSize int64) *store.CommandStore {
	t.Helper()
	s, err := store.OpenCommandStore(dir, testPrefix, segmentSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readAll(t *testing.T, s *store.CommandStore, from int64) []byte {
	t.Helper()
	r, err := s.NewReader(from)
	require.NoError(t, err)
	defer r.Close()

	var out []byte
	buf := make([]byte, 7)
	for r.Position() < s.TotalLength() {
		n, err := r.Read(context.Background(), buf)
		require.NoError(t, err)
		out = append(out, buf[:n]...)
	}
	return out
}

func TestCommandStore_Append(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		segmentSize  int64
		appends      []int
		wantSegments []int64
	}{
		"fits in one segment": {
			segmentSize:  100,
			appends:      []int{10, 20, 30},
			wantSegments: []int64{0},
		},
		"rotates before a write that would straddle the boundary": {
			segmentSize:  25,
			appends:      []int{10, 10, 10, 10},
			wantSegments: []int64{0, 20},
		},
		"oversized write gets a segment of its own": {
			segmentSize:  8,
			appends:      []int{3, 20, 2},
			wantSegments: []int64{0, 3, 23},
		},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			// --- given ---
			s := openCommandStore(t, t.TempDir(), tt.segmentSize)

			// --- when ---
			var want []byte
			for i, n := range tt.appends {
				p := payload(n, byte(i))
				want = append(want, p...)
				written, err := s.Append(p)
				require.NoError(t, err)
				require.Equal(t, n, written)
			}

			// --- then ---
			assert.Equal(t, int64(len(want)), s.TotalLength())
			segs, err := s.Segments()
			require.NoError(t, err)
			var starts []int64
			var next int64
			for _, seg := range segs {
				starts = append(starts, seg.Start)
				assert.Equal(t, next, seg.Start, "segments must be contiguous")
				next = seg.End()
			}
			assert.Equal(t, tt.wantSegments, starts)
			assert.Equal(t, s.TotalLength(), next)
			if diff := cmp.Diff(want, readAll(t, s, 0)); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommandStore_NewReader(t *testing.T) {
	t.Parallel()
	// --- given ---
	dir := t.TempDir()
	s := openCommandStore(t, dir, 4)
	_, err := s.Append([]byte("abcd"))
	require.NoError(t, err)
	_, err = s.Append([]byte("efgh"))
	require.NoError(t, err)

	// --- when / then ---
	_, err = s.NewReader(9)
	assert.ErrorIs(t, err, store.ErrOffsetInFuture)

	r, err := s.NewReader(8)
	require.NoError(t, err)
	assert.Equal(t, int64(8), s.LowestReadingOffset())
	require.NoError(t, r.Close())

	r, err = s.NewReader(2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.LowestReadingOffset())
	assert.Equal(t, []byte("cdefgh"), readAll(t, s, 2))
	require.NoError(t, r.Close())
	assert.Equal(t, int64(8), s.LowestReadingOffset())
	assert.Equal(t, 0, s.ReaderCount())
}

func TestCommandStore_AddListener_tailsAcrossRotation(t *testing.T) {
	t.Parallel()
	// --- given ---
	s := openCommandStore(t, t.TempDir(), 5)
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.AddListener(ctx, 0, rec) }()
	require.Eventually(t, func() bool { return s.ReaderCount() == 1 }, time.Second, time.Millisecond)

	// --- when ---
	var want []byte
	for i := 0; i < 20; i++ {
		p := payload(3, byte(i))
		want = append(want, p...)
		_, err := s.Append(p)
		require.NoError(t, err)
	}
	rec.waitTotal(t, len(want))
	cancel()

	// --- then ---
	assert.ErrorIs(t, <-done, context.Canceled)
	_, got := rec.received()
	assert.Equal(t, want, got)
	assert.Equal(t, int64(0), rec.firstCmdOffset)
}

func TestCommandStore_AwaitOffset(t *testing.T) {
	t.Parallel()
	// --- given ---
	s := openCommandStore(t, t.TempDir(), 1024)

	// --- when / then ---
	assert.True(t, s.AwaitOffset(context.Background(), 0, time.Millisecond))
	assert.False(t, s.AwaitOffset(context.Background(), 1, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, s.AwaitOffset(ctx, 1, time.Second))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = s.Append([]byte("ping"))
	}()
	assert.True(t, s.AwaitOffset(context.Background(), 4, 5*time.Second))
}

func TestCommandStore_reopen(t *testing.T) {
	t.Parallel()
	// --- given ---
	dir := t.TempDir()
	s, err := store.OpenCommandStore(dir, testPrefix, 4)
	require.NoError(t, err)
	for _, p := range []string{"abc", "def", "ghi"} {
		_, err = s.Append([]byte(p))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	_, err = s.Append([]byte("x"))
	assert.ErrorIs(t, err, store.ErrClosed)

	// --- when ---
	s = openCommandStore(t, dir, 4)

	// --- then ---
	assert.Equal(t, int64(9), s.TotalLength())
	_, err = s.Append([]byte("j"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefghij"), readAll(t, s, 0))
}

func TestCommandStore_reopenWithHole(t *testing.T) {
	t.Parallel()
	// --- given ---
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, testPrefix+"0"), []byte("abc"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, testPrefix+"5"), []byte("fgh"), 0o600))

	// --- when ---
	_, err := store.OpenCommandStore(dir, testPrefix, 4)

	// --- then ---
	assert.ErrorIs(t, err, store.ErrCorrupted)
}

func TestCommandStore_ExtractStartOffset(t *testing.T) {
	t.Parallel()

	s := openCommandStore(t, t.TempDir(), 4)
	start, err := s.ExtractStartOffset("/data/" + testPrefix + "1024")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), start)

	_, err = s.ExtractStartOffset("/data/cmd_other_1024")
	assert.Error(t, err)
	_, err = s.ExtractStartOffset("/data/" + testPrefix + "x")
	assert.ErrorIs(t, err, store.ErrCorrupted)
}

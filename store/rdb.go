package store

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/redkeeper/keeperstore/store/eof"
	"github.com/redkeeper/keeperstore/utils/log"
)

const rdbReadBufferSize = 32 * 1024

type rdbState int32

const (
	rdbBuilding rdbState = iota
	rdbComplete
	rdbFailed
	rdbDeleted
)

func (s rdbState) String() string {
	switch s {
	case rdbBuilding:
		return "building"
	case rdbComplete:
		return "complete"
	case rdbFailed:
		return "failed"
	case rdbDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// rdbCallbacks connect a capture to the meta record.
type rdbCallbacks struct {
	onEnd  func(size int64) error
	onFail func()
}

// RdbStore owns one snapshot file. A store created by a capture starts Building and accepts Write
// until EndRdb. Readers may attach at any time and receive the whole payload.
type RdbStore struct {
	path             string
	lastKeeperOffset int64
	refCount         *atomic.Int64
	closed           *atomic.Bool

	mu      sync.Mutex
	state   rdbState
	retired bool
	marker  eof.Marker
	w       *os.File
	size    int64
	tail    []byte
	failErr error
	changed chan struct{}
	cb      rdbCallbacks
}

// OpenRdbStore opens an existing snapshot file. It never fails: a missing or truncated file
// is reported by CheckOk. An incomplete capture is opened as failed.
func OpenRdbStore(path string, lastKeeperOffset int64, marker eof.Marker, complete bool) *RdbStore {
	r := newRdbStore(path, lastKeeperOffset, marker)
	r.state = rdbComplete
	if !complete {
		r.state = rdbFailed
		r.failErr = errors.Wrapf(ErrCorrupted, "capture of %s was interrupted", path)
	}
	if l, ok := marker.(eof.Length); ok {
		r.size = int64(l)
	}
	return r
}

// createRdbStore creates the file of a new capture.
func createRdbStore(path string, lastKeeperOffset int64, marker eof.Marker, cb rdbCallbacks) (*RdbStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		return nil, errors.Wrapf(err, "create snapshot file %s", path)
	}
	r := newRdbStore(path, lastKeeperOffset, marker)
	r.w = f
	r.cb = cb
	return r, nil
}

func newRdbStore(path string, lastKeeperOffset int64, marker eof.Marker) *RdbStore {
	return &RdbStore{
		path:             path,
		lastKeeperOffset: lastKeeperOffset,
		refCount:         atomic.NewInt64(0),
		closed:           atomic.NewBool(false),
		marker:           marker,
		changed:          make(chan struct{}),
	}
}

func (r *RdbStore) Path() string {
	return r.path
}

// LastKeeperOffset is the offset of the last command reflected in the snapshot.
func (r *RdbStore) LastKeeperOffset() int64 {
	return r.lastKeeperOffset
}

func (r *RdbStore) RefCount() int64 {
	return r.refCount.Load()
}

// Marker returns the end-of-stream marker as currently known. A finished capture is always fixed-length.
func (r *RdbStore) Marker() eof.Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marker
}

// Write appends captured snapshot bytes.
func (r *RdbStore) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != rdbBuilding || r.w == nil {
		return 0, errors.Wrapf(ErrInvalidState, "write to %s snapshot %s", r.state, r.path)
	}
	if l, ok := r.marker.(eof.Length); ok && r.size+int64(len(p)) > int64(l) {
		return 0, errors.Wrapf(ErrCorrupted, "snapshot %s exceeds its length %d", r.path, l)
	}

	n, err := r.w.Write(p)
	if n > 0 {
		r.size += int64(n)
		r.tail = appendTail(r.tail, p[:n], r.marker.TrailerLen())
		r.broadcast()
	}
	if err != nil {
		return n, errors.Wrapf(err, "write snapshot %s", r.path)
	}
	return n, nil
}

// EndRdb finishes a capture. The stream must satisfy its marker. A delimiter is stripped from the
// file and the snapshot becomes fixed-length.
func (r *RdbStore) EndRdb() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != rdbBuilding {
		return errors.Wrapf(ErrInvalidState, "end %s snapshot %s", r.state, r.path)
	}
	if !r.marker.Complete(r.size, r.tail) {
		err := errors.Wrapf(ErrCorrupted, "snapshot %s ended after %d bytes, marker %s", r.path, r.size, r.marker)
		r.failLocked(err)
		return err
	}

	size := r.size - int64(r.marker.TrailerLen())
	if trailer := r.marker.TrailerLen(); trailer > 0 {
		if err := r.w.Truncate(size); err != nil {
			r.failLocked(err)
			return errors.Wrapf(err, "strip eof mark of %s", r.path)
		}
	}
	if err := r.w.Sync(); err != nil {
		r.failLocked(err)
		return errors.Wrapf(err, "sync snapshot %s", r.path)
	}
	if err := r.w.Close(); err != nil {
		r.w = nil
		r.failLocked(err)
		return errors.Wrapf(err, "close snapshot %s", r.path)
	}
	r.w = nil

	if r.cb.onEnd != nil {
		if err := r.cb.onEnd(size); err != nil {
			r.failLocked(err)
			return err
		}
	}
	r.size = size
	r.marker = eof.Length(size)
	r.tail = nil
	r.state = rdbComplete
	r.broadcast()
	log.Info("snapshot %s complete, %d bytes", r.path, size)
	return nil
}

// FailRdb abandons a capture. Attached readers receive err.
func (r *RdbStore) FailRdb(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == rdbBuilding {
		r.failLocked(err)
	}
}

func (r *RdbStore) failLocked(err error) {
	if r.w != nil {
		_ = r.w.Close()
		r.w = nil
	}
	r.failErr = err
	r.state = rdbFailed
	r.broadcast()
	log.Error("snapshot %s failed: %v", r.path, err)
	if r.cb.onFail != nil {
		r.cb.onFail()
		r.cb.onFail = nil
	}
}

func (r *RdbStore) broadcast() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// progress returns how many bytes readers may consume and a channel closed on the next change.
func (r *RdbStore) progress() (readable int64, state rdbState, failErr error, changed <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	readable = r.size
	if r.state == rdbBuilding {
		// the trailing bytes may turn out to be the delimiter
		readable -= int64(r.marker.TrailerLen())
		if readable < 0 {
			readable = 0
		}
	}
	return readable, r.state, r.failErr, r.changed
}

// ReadTo streams the snapshot to l. A capture in progress is followed until it ends.
func (r *RdbStore) ReadTo(ctx context.Context, l RdbListener) error {
	f, err := os.Open(r.path)
	if err != nil {
		return errors.Wrapf(err, "open snapshot %s", r.path)
	}
	defer f.Close()

	if err := l.OnRdbBegin(r.Marker(), r.lastKeeperOffset); err != nil {
		return errors.Wrap(err, "snapshot listener begin")
	}

	buf := make([]byte, rdbReadBufferSize)
	var pos int64
	for {
		readable, state, failErr, changed := r.progress()
		for pos < readable {
			chunk := buf
			if rest := readable - pos; rest < int64(len(chunk)) {
				chunk = chunk[:rest]
			}
			n, err := f.ReadAt(chunk, pos)
			if n > 0 {
				if lerr := l.OnRdbData(chunk[:n]); lerr != nil {
					return errors.Wrap(lerr, "snapshot listener data")
				}
				pos += int64(n)
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return errors.Wrapf(err, "read snapshot %s", r.path)
			}
			if n == 0 {
				return errors.Wrapf(ErrCorrupted, "snapshot %s truncated at %d", r.path, pos)
			}
		}

		switch state {
		case rdbComplete:
			return errors.Wrap(l.OnRdbEnd(), "snapshot listener end")
		case rdbFailed:
			return failErr
		case rdbDeleted:
			return ErrClosed
		}
		if r.closed.Load() {
			return ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (r *RdbStore) IncrementRefCount() int64 {
	return r.refCount.Inc()
}

// DecrementRefCount never lets the count go negative.
func (r *RdbStore) DecrementRefCount() error {
	for {
		cur := r.refCount.Load()
		if cur <= 0 {
			return RefCountUnderflowError(r.path)
		}
		if r.refCount.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

// Acquire takes a reference that is given back by RdbRef.Release.
func (r *RdbStore) Acquire() *RdbRef {
	r.IncrementRefCount()
	return &RdbRef{rdb: r}
}

// RdbRef is one reference on a snapshot.
type RdbRef struct {
	rdb  *RdbStore
	once sync.Once
}

// Release gives the reference back. Calling it again is a no-op.
func (ref *RdbRef) Release() {
	ref.once.Do(func() {
		if err := ref.rdb.DecrementRefCount(); err != nil {
			log.Error("release snapshot reference: %v", err)
		}
	})
}

// CheckOk validates the file against the marker. A capture in progress is healthy while its file exists.
func (r *RdbStore) CheckOk() bool {
	r.mu.Lock()
	state, marker := r.state, r.marker
	r.mu.Unlock()

	fi, err := os.Stat(r.path)
	if err != nil {
		log.Warn("snapshot %s unavailable: %v", r.path, err)
		return false
	}
	switch state {
	case rdbBuilding:
		return true
	case rdbFailed, rdbDeleted:
		return false
	}
	if fi.Size() == 0 {
		log.Warn("snapshot %s is empty", r.path)
		return false
	}
	if l, ok := marker.(eof.Length); ok && fi.Size() != int64(l) {
		log.Warn("snapshot %s has %d bytes, expected %d", r.path, fi.Size(), int64(l))
		return false
	}
	return true
}

// usable reports whether full sync may be served from this snapshot.
func (r *RdbStore) usable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed.Load() && (r.state == rdbBuilding || r.state == rdbComplete)
}

// retire marks a superseded snapshot. It is deleted once its reference count drops to zero.
// A capture in progress keeps running for its readers.
func (r *RdbStore) retire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retired = true
}

func (r *RdbStore) isRetired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retired
}

// Close releases the capture handle and stops waiting readers. The file is kept.
func (r *RdbStore) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.w != nil {
		err = r.w.Close()
		r.w = nil
	}
	if r.state == rdbBuilding {
		r.state = rdbFailed
		r.failErr = ErrClosed
		if r.cb.onFail != nil {
			r.cb.onFail()
			r.cb.onFail = nil
		}
	}
	r.broadcast()
	return errors.Wrapf(err, "close snapshot %s", r.path)
}

// Destroy closes the store and deletes its file.
func (r *RdbStore) Destroy() error {
	cerr := r.Close()
	r.mu.Lock()
	r.state = rdbDeleted
	r.broadcast()
	r.mu.Unlock()
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove snapshot %s", r.path)
	}
	return cerr
}

func (r *RdbStore) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired {
		return r.path + "(" + r.state.String() + ", retired)"
	}
	return r.path + "(" + r.state.String() + ")"
}

// appendTail keeps the last n bytes written.
func appendTail(tail, p []byte, n int) []byte {
	if n == 0 {
		return nil
	}
	tail = append(tail, p...)
	if len(tail) > n {
		tail = append(tail[:0], tail[len(tail)-n:]...)
	}
	return tail
}

package store

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const cmdReadBufferSize = 16 * 1024

// CommandReader reads the command log sequentially from a registered position and follows
// segment rotation. Its position protects the segments it still needs from GC.
type CommandReader struct {
	s      *CommandStore
	pos    *atomic.Int64
	closed *atomic.Bool

	f      *os.File
	fStart int64
	// fEnd is where the next segment starts, -1 while f is the active segment.
	fEnd int64
}

// Position is the log-relative offset of the next byte to read.
func (r *CommandReader) Position() int64 {
	return r.pos.Load()
}

// Read fills p with bytes at the current position, waiting until at least one byte is available.
func (r *CommandReader) Read(ctx context.Context, p []byte) (int, error) {
	for {
		if r.closed.Load() {
			return 0, ErrClosed
		}
		pos := r.pos.Load()
		total, notify := r.s.progress()
		if pos < total {
			n, err := r.readAt(p, pos, total)
			if n > 0 {
				r.pos.Add(int64(n))
				return n, nil
			}
			if err != nil {
				return 0, err
			}
			continue
		}
		if r.s.closed.Load() {
			return 0, ErrClosed
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-notify:
		}
	}
}

func (r *CommandReader) readAt(p []byte, pos, total int64) (int, error) {
	reopened := false
	if r.f == nil || pos < r.fStart || (r.fEnd >= 0 && pos >= r.fEnd) {
		if err := r.open(pos); err != nil {
			return 0, err
		}
		reopened = true
	}

	limit := total - pos
	if r.fEnd >= 0 && r.fEnd-pos < limit {
		limit = r.fEnd - pos
	}
	if int64(len(p)) > limit {
		p = p[:limit]
	}
	n, err := r.f.ReadAt(p, pos-r.fStart)
	if n == 0 && errors.Is(err, io.EOF) {
		name := r.f.Name()
		r.release()
		if reopened {
			return 0, errors.Wrapf(ErrCorrupted, "command segment %s is shorter than the log", name)
		}
		// the segment was rotated after it was opened as active
		return 0, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, errors.Wrapf(err, "read command segment %s", r.f.Name())
	}
	return n, nil
}

func (r *CommandReader) open(pos int64) error {
	r.release()
	seg, end, err := r.s.locate(pos)
	if err != nil {
		return err
	}
	f, err := os.Open(seg.path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrOffsetTooOld, "command segment %s removed", seg.path)
		}
		return errors.Wrapf(err, "open command segment %s", seg.path)
	}
	r.f, r.fStart, r.fEnd = f, seg.start, end
	return nil
}

func (r *CommandReader) release() {
	if r.f != nil {
		_ = r.f.Close()
		r.f = nil
	}
}

// Pipe delivers bytes to l until ctx is done, l fails, or the reader or log closes.
func (r *CommandReader) Pipe(ctx context.Context, l CommandsListener) error {
	buf := make([]byte, cmdReadBufferSize)
	for {
		pos := r.pos.Load()
		n, err := r.Read(ctx, buf)
		if n > 0 {
			if lerr := l.OnCommands(buf[:n], pos); lerr != nil {
				return errors.Wrap(lerr, "commands listener")
			}
		}
		if err != nil {
			return err
		}
	}
}

// Close unregisters the reader. It must not be called concurrently with Read.
func (r *CommandReader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.s.removeReader(r)
	r.release()
	return nil
}

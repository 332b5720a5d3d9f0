package replication

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/redkeeper/keeperstore/store/eof"
	"github.com/redkeeper/keeperstore/utils/log"
)

const (
	defaultSenderChannelSize = 500
	noOffset                 = -1
)

// ErrSenderStopped is returned to the store once the sender goroutine has exited.
var ErrSenderStopped = errors.New("replication sender stopped")

type message struct {
	p []byte
	// next is the keeper offset the replica continues from once p is written, or noOffset.
	next int64
}

// Sender writes the replication stream to a replica. It implements store.FullSyncListener.
type Sender struct {
	w       io.Writer
	channel chan message
	stopped chan struct{}
	err     *atomic.Error

	rdbMarker           eof.Marker
	rdbLastKeeperOffset int64
	offset              *atomic.Int64
	written             *atomic.Int64
}

func NewSender(w io.Writer) *Sender {
	return &Sender{
		w:       w,
		channel: make(chan message, defaultSenderChannelSize),
		stopped: make(chan struct{}),
		err:     atomic.NewError(nil),
		offset:  atomic.NewInt64(noOffset),
		written: atomic.NewInt64(0),
	}
}

// Run writes queued messages until ctx is done or a write fails.
func (s *Sender) Run(ctx context.Context) error {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown replication sender...")
			return nil
		case m := <-s.channel:
			if len(m.p) > 0 {
				n, err := s.w.Write(m.p)
				s.written.Add(int64(n))
				if err != nil {
					err = errors.Wrap(err, "write to replica")
					s.err.Store(err)
					return err
				}
			}
			if m.next != noOffset {
				s.offset.Store(m.next)
			}
		}
	}
}

func (s *Sender) send(m message) error {
	select {
	case <-s.stopped:
		return s.stopErr()
	default:
	}
	select {
	case s.channel <- m:
		return nil
	case <-s.stopped:
		return s.stopErr()
	}
}

func (s *Sender) stopErr() error {
	if err := s.err.Load(); err != nil {
		return err
	}
	return ErrSenderStopped
}

// Offset is the keeper offset of the next command byte the replica needs, or -1 before the
// replica has received a complete snapshot or any command.
func (s *Sender) Offset() int64 {
	return s.offset.Load()
}

// Written is the number of bytes written to the replica.
func (s *Sender) Written() int64 {
	return s.written.Load()
}

// OnRdbBegin queues the bulk header that tells the replica where the snapshot ends.
func (s *Sender) OnRdbBegin(marker eof.Marker, lastKeeperOffset int64) error {
	log.Info("sending snapshot %s, last keeper offset %d", marker, lastKeeperOffset)
	s.rdbMarker = marker
	s.rdbLastKeeperOffset = lastKeeperOffset
	return s.send(message{p: []byte(eof.BulkHeader(marker)), next: noOffset})
}

// OnRdbData queues a copy of p. The store reuses its read buffers.
func (s *Sender) OnRdbData(p []byte) error {
	return s.send(message{p: append([]byte(nil), p...), next: noOffset})
}

// OnRdbEnd closes a delimited snapshot with its mark, which the store never delivers.
func (s *Sender) OnRdbEnd() error {
	var trailer []byte
	if mark, ok := s.rdbMarker.(eof.Mark); ok {
		trailer = []byte(mark)
	}
	return s.send(message{p: trailer, next: s.rdbLastKeeperOffset + 1})
}

func (s *Sender) OnCommands(p []byte, offset int64) error {
	log.Debug("send %d command bytes at %d to the replica", len(p), offset)
	return s.send(message{p: append([]byte(nil), p...), next: offset + int64(len(p))})
}

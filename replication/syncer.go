package replication

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/redkeeper/keeperstore/store"
	"github.com/redkeeper/keeperstore/store/eof"
	"github.com/redkeeper/keeperstore/utils/log"
)

// FullSync requests a full sync from Syncer.Sync.
const FullSync int64 = -1

const defaultAwaitOffsetTimeout = 5 * time.Second

// Syncer serves the replication stream of one replica from a store.
type Syncer struct {
	store         *store.ReplicationStore
	retryInterval time.Duration
	backoffCoeff  int

	// AwaitOffsetTimeout bounds the wait for a replica that is ahead of the command log.
	AwaitOffsetTimeout time.Duration
	// OnFullSyncRejected is called each time the store cannot serve a full sync, typically to
	// request a new snapshot from the source.
	OnFullSyncRejected func()
}

func NewSyncer(rs *store.ReplicationStore, retryInterval time.Duration, backoffCoeff int) *Syncer {
	return &Syncer{
		store:              rs,
		retryInterval:      retryInterval,
		backoffCoeff:       backoffCoeff,
		AwaitOffsetTimeout: defaultAwaitOffsetTimeout,
	}
}

// Serve writes the replication stream to w from keeper offset offset, or from a full sync when offset
// is FullSync. It returns when ctx is done, w fails or the store closes.
func (s *Syncer) Serve(ctx context.Context, offset int64, w io.Writer) error {
	return s.serve(ctx, offset, NewSender(w))
}

func (s *Syncer) serve(ctx context.Context, offset int64, sender *Sender) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return sender.Run(ctx)
	})
	eg.Go(func() error {
		return s.Sync(ctx, offset, sender)
	})
	return eg.Wait()
}

// Sync delivers the stream to l. A replica that knows its offset gets a partial sync, and falls back to
// a full sync when that offset is no longer stored. When a new snapshot replaces the command log the
// replica continues from where it stopped if the new log continues the same history, and gets a full
// sync otherwise.
func (s *Syncer) Sync(ctx context.Context, offset int64, l store.FullSyncListener) error {
	t := &tracker{FullSyncListener: l, next: offset}
	for {
		var err error
		if t.next >= 0 {
			err = s.partialSync(ctx, t)
		} else {
			err = s.fullSync(ctx, t)
		}
		if !errors.Is(err, store.ErrClosed) || ctx.Err() != nil || s.store.Closed() {
			return err
		}
		log.Info("command log replaced, continuing replica at %d", t.next)
	}
}

func (s *Syncer) partialSync(ctx context.Context, t *tracker) error {
	for {
		var err error
		if t.history != nil {
			err = s.store.ContinueCommandsListener(ctx, *t.history, t.next, t)
		} else {
			err = s.store.AddCommandsListener(ctx, t.next, t)
		}
		switch {
		case errors.Is(err, store.ErrHistoryChanged):
			log.Info("replica history at %d is no longer served, full sync: %v", t.next, err)
		case errors.Is(err, store.ErrOffsetInFuture):
			if s.store.AwaitOffset(ctx, t.next, s.AwaitOffsetTimeout) {
				continue
			}
			log.Info("replica offset %d is ahead of the command log, full sync", t.next)
		case errors.Is(err, store.ErrOffsetTooOld):
			log.Info("replica offset %d is no longer stored, full sync", t.next)
		case errors.Is(err, store.ErrInvalidState) && s.store.BeginOffset() == nil:
			log.Info("no command log yet, full sync")
		default:
			return err
		}
		t.next = FullSync
		return s.fullSync(ctx, t)
	}
}

func (s *Syncer) fullSync(ctx context.Context, t *tracker) error {
	return NewRetryer(func(ctx context.Context) error {
		ok, err := s.store.FullSyncIfPossible(ctx, t)
		if err != nil {
			return err
		}
		if !ok {
			if s.OnFullSyncRejected != nil {
				s.OnFullSyncRejected()
			}
			return errors.Wrap(ErrRetryable, "full sync not possible")
		}
		return nil
	}, s.retryInterval, s.backoffCoeff).Run(ctx)
}

// tracker remembers the history and the keeper offset the replica continues from.
type tracker struct {
	store.FullSyncListener
	history *store.History
	last    int64
	next    int64
}

func (t *tracker) OnHistory(h store.History) error {
	t.history = &h
	return nil
}

func (t *tracker) OnRdbBegin(marker eof.Marker, lastKeeperOffset int64) error {
	t.last = lastKeeperOffset
	return t.FullSyncListener.OnRdbBegin(marker, lastKeeperOffset)
}

func (t *tracker) OnRdbEnd() error {
	if err := t.FullSyncListener.OnRdbEnd(); err != nil {
		return err
	}
	t.next = t.last + 1
	return nil
}

func (t *tracker) OnCommands(p []byte, offset int64) error {
	if err := t.FullSyncListener.OnCommands(p, offset); err != nil {
		return err
	}
	t.next = offset + int64(len(p))
	return nil
}

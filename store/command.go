package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/redkeeper/keeperstore/utils/log"
)

type segment struct {
	start int64
	path  string
}

// SegmentInfo describes one command segment file for retention decisions.
type SegmentInfo struct {
	Path    string
	Start   int64
	Size    int64
	ModTime time.Time
}

// End is the log-relative offset right after the segment.
func (s SegmentInfo) End() int64 {
	return s.Start + s.Size
}

// CommandStore is an append-only command log split into segment files named <prefix><start offset>.
// Offsets are relative to the start of the log.
type CommandStore struct {
	dir         string
	prefix      string
	segmentSize int64
	total       *atomic.Int64
	closed      *atomic.Bool

	// appendMu serializes writers.
	appendMu   sync.Mutex
	active     *os.File
	activeSize int64

	mu       sync.RWMutex
	segments []segment
	readers  map[*CommandReader]struct{}
	notify   chan struct{}
}

// OpenCommandStore opens the segments of prefix under dir, creating the first one for a new log.
func OpenCommandStore(dir, prefix string, segmentSize int64) (*CommandStore, error) {
	s := &CommandStore{
		dir:         dir,
		prefix:      prefix,
		segmentSize: segmentSize,
		total:       atomic.NewInt64(0),
		closed:      atomic.NewBool(false),
		readers:     map[*CommandReader]struct{}{},
		notify:      make(chan struct{}),
	}

	paths, err := NewFinder(os.ReadDir).Find(dir, prefix+"*")
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		start, err := s.ExtractStartOffset(p)
		if err != nil {
			return nil, err
		}
		s.segments = append(s.segments, segment{start: start, path: p})
	}
	sort.Slice(s.segments, func(i, j int) bool { return s.segments[i].start < s.segments[j].start })

	if len(s.segments) == 0 {
		if err := s.createSegment(0); err != nil {
			return nil, err
		}
		return s, nil
	}

	var end int64
	for i, seg := range s.segments {
		fi, err := os.Stat(seg.path)
		if err != nil {
			return nil, errors.Wrapf(err, "stat command segment %s", seg.path)
		}
		if i > 0 && seg.start != end {
			return nil, errors.Wrapf(ErrCorrupted, "command segment %s starts at %d, previous ends at %d",
				seg.path, seg.start, end)
		}
		end = seg.start + fi.Size()
	}

	last := s.segments[len(s.segments)-1]
	f, err := os.OpenFile(last.path, os.O_WRONLY|os.O_APPEND, fileMode)
	if err != nil {
		return nil, errors.Wrapf(err, "open command segment %s", last.path)
	}
	s.active = f
	s.activeSize = end - last.start
	s.total.Store(end)
	log.Info("opened command log %s with %d segments, %d bytes", prefix, len(s.segments), end)
	return s, nil
}

func (s *CommandStore) Prefix() string {
	return s.prefix
}

// ExtractStartOffset parses the start offset encoded in a segment file name.
func (s *CommandStore) ExtractStartOffset(path string) (int64, error) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, s.prefix) {
		return 0, errors.Errorf("%s is not a segment of %s", name, s.prefix)
	}
	start, err := strconv.ParseInt(strings.TrimPrefix(name, s.prefix), 10, 64)
	if err != nil || start < 0 {
		return 0, errors.Wrapf(ErrCorrupted, "bad command segment name %s", name)
	}
	return start, nil
}

// Append writes p to the active segment. p is never split across segments.
func (s *CommandStore) Append(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if s.closed.Load() {
		return 0, ErrClosed
	}
	if s.active == nil {
		// a previous rotation failed half way
		if err := s.createSegment(s.total.Load()); err != nil {
			return 0, err
		}
	}
	if s.activeSize > 0 && s.activeSize+int64(len(p)) > s.segmentSize {
		if err := s.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := s.active.Write(p)
	if n > 0 {
		s.activeSize += int64(n)
		s.mu.Lock()
		s.total.Add(int64(n))
		close(s.notify)
		s.notify = make(chan struct{})
		s.mu.Unlock()
	}
	return n, errors.Wrapf(err, "append to command log %s", s.prefix)
}

// rotate starts a new segment at the current end of the log.
func (s *CommandStore) rotate() error {
	if err := s.active.Sync(); err != nil {
		return errors.Wrapf(err, "sync command segment %s", s.active.Name())
	}
	if err := s.active.Close(); err != nil {
		return errors.Wrapf(err, "close command segment %s", s.active.Name())
	}
	s.active = nil
	return s.createSegment(s.total.Load())
}

func (s *CommandStore) createSegment(start int64) error {
	path := filepath.Join(s.dir, s.prefix+strconv.FormatInt(start, 10))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, fileMode)
	if err != nil {
		return errors.Wrapf(err, "create command segment %s", path)
	}
	s.active = f
	s.activeSize = 0

	s.mu.Lock()
	s.segments = append(s.segments, segment{start: start, path: path})
	s.mu.Unlock()
	log.Debug("created command segment %s", path)
	return nil
}

// TotalLength is the number of bytes ever appended to the log.
func (s *CommandStore) TotalLength() int64 {
	return s.total.Load()
}

// MinStartOffset is the oldest offset still on disk.
func (s *CommandStore) MinStartOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.segments) == 0 {
		return s.total.Load()
	}
	return s.segments[0].start
}

// Segments lists the segment files, oldest first.
func (s *CommandStore) Segments() ([]SegmentInfo, error) {
	s.mu.RLock()
	segs := append([]segment(nil), s.segments...)
	s.mu.RUnlock()
	return s.describe(segs, s.total.Load())
}

func (s *CommandStore) describe(segs []segment, total int64) ([]SegmentInfo, error) {
	infos := make([]SegmentInfo, 0, len(segs))
	for i, seg := range segs {
		fi, err := os.Stat(seg.path)
		if err != nil {
			return nil, errors.Wrapf(err, "stat command segment %s", seg.path)
		}
		end := total
		if i+1 < len(segs) {
			end = segs[i+1].start
		}
		infos = append(infos, SegmentInfo{Path: seg.path, Start: seg.start, Size: end - seg.start, ModTime: fi.ModTime()})
	}
	return infos, nil
}

// AwaitOffset blocks until TotalLength reaches offset, the timeout elapses, ctx is done or the log closes.
func (s *CommandStore) AwaitOffset(ctx context.Context, offset int64, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		total, notify := s.progress()
		if total >= offset {
			return true
		}
		if s.closed.Load() {
			return false
		}
		select {
		case <-notify:
		case <-timer.C:
			return s.TotalLength() >= offset
		case <-ctx.Done():
			return false
		}
	}
}

func (s *CommandStore) progress() (int64, <-chan struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total.Load(), s.notify
}

// NewReader registers a reader at fromOffset. The segments it still needs are protected from GC
// from this call until the reader is closed.
func (s *CommandStore) NewReader(fromOffset int64) (*CommandReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}
	if len(s.segments) > 0 && fromOffset < s.segments[0].start {
		return nil, errors.Wrapf(ErrOffsetTooOld, "offset %d, oldest %d", fromOffset, s.segments[0].start)
	}
	if total := s.total.Load(); fromOffset > total {
		return nil, errors.Wrapf(ErrOffsetInFuture, "offset %d, length %d", fromOffset, total)
	}

	r := &CommandReader{s: s, pos: atomic.NewInt64(fromOffset), closed: atomic.NewBool(false)}
	s.readers[r] = struct{}{}
	return r, nil
}

// AddListener delivers every byte from fromOffset on to l, following new appends, until ctx is done,
// l fails or the log closes.
func (s *CommandStore) AddListener(ctx context.Context, fromOffset int64, l CommandsListener) error {
	r, err := s.NewReader(fromOffset)
	if err != nil {
		return err
	}
	defer r.Close()
	return r.Pipe(ctx, l)
}

func (s *CommandStore) removeReader(r *CommandReader) {
	s.mu.Lock()
	delete(s.readers, r)
	s.mu.Unlock()
}

// LowestReadingOffset is the smallest position among registered readers, or TotalLength without readers.
func (s *CommandStore) LowestReadingOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lowestReadingOffsetLocked()
}

func (s *CommandStore) lowestReadingOffsetLocked() int64 {
	lowest := s.total.Load()
	for r := range s.readers {
		if pos := r.pos.Load(); pos < lowest {
			lowest = pos
		}
	}
	return lowest
}

func (s *CommandStore) ReaderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readers)
}

// locate finds the segment holding offset. end is -1 for the active segment.
func (s *CommandStore) locate(offset int64) (seg segment, end int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i].start > offset }) - 1
	if i < 0 {
		return segment{}, 0, errors.Wrapf(ErrOffsetTooOld, "offset %d is no longer on disk", offset)
	}
	end = -1
	if i+1 < len(s.segments) {
		end = s.segments[i+1].start
	}
	return s.segments[i], end, nil
}

// collect removes the oldest segments accepted by canDelete and returns their files.
// It stops at the first segment that must stay, so the log remains contiguous. The active
// segment is never removed.
func (s *CommandStore) collect(canDelete func(seg SegmentInfo, lowestReading, total int64) bool) []string {
	s.mu.RLock()
	candidates := append([]segment(nil), s.segments...)
	s.mu.RUnlock()
	if len(candidates) < 2 {
		return nil
	}
	// the active segment is never a candidate, its size is still growing
	infos, err := s.describe(candidates[:len(candidates)-1], candidates[len(candidates)-1].start)
	if err != nil {
		log.Warn("skip command log gc of %s: %v", s.prefix, err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lowest := s.lowestReadingOffsetLocked()
	total := s.total.Load()
	var n int
	for _, info := range infos {
		if n >= len(s.segments)-1 || s.segments[n].path != info.Path || !canDelete(info, lowest, total) {
			break
		}
		n++
	}
	if n == 0 {
		return nil
	}
	removed := make([]string, 0, n)
	for _, seg := range s.segments[:n] {
		removed = append(removed, seg.path)
	}
	s.segments = append([]segment(nil), s.segments[n:]...)
	return removed
}

// Close stops appends and wakes every reader and waiter.
func (s *CommandStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()

	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	if s.active == nil {
		return nil
	}
	err := s.active.Close()
	s.active = nil
	return errors.Wrapf(err, "close command log %s", s.prefix)
}

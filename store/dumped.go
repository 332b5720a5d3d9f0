package store

import (
	"os"

	"github.com/pkg/errors"

	"github.com/redkeeper/keeperstore/store/eof"
)

// DumpedRdbStore is a snapshot produced out of band. It becomes the current snapshot through
// ReplicationStore.SnapshotUpdated once it is closed.
type DumpedRdbStore struct {
	path         string
	f            *os.File
	size         int64
	tail         []byte
	marker       eof.Marker
	sourceOffset int64
	done         bool
}

// NewDumpedRdbStore creates the draft file at path.
func NewDumpedRdbStore(path string) (*DumpedRdbStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		return nil, errors.Wrapf(err, "create draft snapshot %s", path)
	}
	return &DumpedRdbStore{path: path, f: f, sourceOffset: -1}, nil
}

func (d *DumpedRdbStore) Path() string {
	return d.path
}

// SetMarker sets how the incoming snapshot stream ends. It must be called before Close.
func (d *DumpedRdbStore) SetMarker(m eof.Marker) {
	d.marker = m
}

// SetSourceOffset records the source offset the snapshot was taken at.
func (d *DumpedRdbStore) SetSourceOffset(offset int64) {
	d.sourceOffset = offset
}

func (d *DumpedRdbStore) SourceOffset() int64 {
	return d.sourceOffset
}

// Size is the payload size. It is final once the draft is closed.
func (d *DumpedRdbStore) Size() int64 {
	return d.size
}

// Done reports whether the draft was closed successfully.
func (d *DumpedRdbStore) Done() bool {
	return d.done
}

func (d *DumpedRdbStore) Write(p []byte) (int, error) {
	if d.f == nil {
		return 0, errors.Wrapf(ErrInvalidState, "write to closed draft snapshot %s", d.path)
	}
	n, err := d.f.Write(p)
	d.size += int64(n)
	if d.marker != nil {
		d.tail = appendTail(d.tail, p[:n], d.marker.TrailerLen())
	}
	return n, errors.Wrapf(err, "write draft snapshot %s", d.path)
}

// Close validates the stream against its marker, strips a delimiter and syncs the file.
func (d *DumpedRdbStore) Close() error {
	if d.f == nil {
		return nil
	}
	f := d.f
	d.f = nil
	if d.marker == nil {
		_ = f.Close()
		return errors.Wrapf(ErrInvalidState, "draft snapshot %s has no eof marker", d.path)
	}
	if !d.marker.Complete(d.size, d.tail) {
		_ = f.Close()
		return errors.Wrapf(ErrCorrupted, "draft snapshot %s ended after %d bytes, marker %s",
			d.path, d.size, d.marker)
	}
	if d.sourceOffset < 0 {
		_ = f.Close()
		return errors.Wrapf(ErrInvalidState, "draft snapshot %s has no source offset", d.path)
	}

	if trailer := d.marker.TrailerLen(); trailer > 0 {
		d.size -= int64(trailer)
		if err := f.Truncate(d.size); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "strip eof mark of %s", d.path)
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sync draft snapshot %s", d.path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close draft snapshot %s", d.path)
	}
	d.done = true
	return nil
}

// Discard closes and deletes an unused draft.
func (d *DumpedRdbStore) Discard() error {
	if d.f != nil {
		_ = d.f.Close()
		d.f = nil
	}
	d.done = false
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove draft snapshot %s", d.path)
	}
	return nil
}

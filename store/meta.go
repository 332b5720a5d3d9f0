package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/redkeeper/keeperstore/store/eof"
	"github.com/redkeeper/keeperstore/utils/log"
)

const (
	metaFileName    = "meta.yml"
	metaTmpFileName = metaFileName + ".tmp"
)

// Meta describes the current snapshot and the command log that continues it.
type Meta struct {
	MasterRunID string `yaml:"master_run_id,omitempty"`
	// BeginOffset is the source offset of the first command log byte. Nil until the first snapshot begins.
	BeginOffset *int64 `yaml:"begin_offset,omitempty"`
	// KeeperBeginOffset is the keeper offset of the first command log byte.
	KeeperBeginOffset int64  `yaml:"keeper_begin_offset"`
	RdbFile           string `yaml:"rdb_file,omitempty"`
	RdbEof            string `yaml:"rdb_eof,omitempty"`
	// RdbFileSize is zero until the snapshot capture completes.
	RdbFileSize         int64  `yaml:"rdb_file_size"`
	RdbLastKeeperOffset int64  `yaml:"rdb_last_keeper_offset"`
	CmdFilePrefix       string `yaml:"cmd_file_prefix,omitempty"`
	Fresh               bool   `yaml:"fresh"`
}

// Dup returns a copy that shares nothing with m.
func (m Meta) Dup() Meta {
	if m.BeginOffset != nil {
		b := *m.BeginOffset
		m.BeginOffset = &b
	}
	return m
}

// History identifies the source stream a command log continues. Keeper offsets served from one log
// stay valid in another only when both have the same History.
type History struct {
	MasterRunID string
	// Shift is KeeperBeginOffset minus BeginOffset.
	Shift int64
}

// History is the zero History until the first snapshot begins.
func (m Meta) History() History {
	if m.BeginOffset == nil {
		return History{}
	}
	return History{MasterRunID: m.MasterRunID, Shift: m.KeeperBeginOffset - *m.BeginOffset}
}

// RdbMarker returns the end-of-stream marker of the current snapshot and whether its capture completed.
func (m Meta) RdbMarker() (eof.Marker, bool, error) {
	if m.RdbFileSize > 0 {
		return eof.Length(m.RdbFileSize), true, nil
	}
	if m.RdbEof == "" {
		return nil, false, errors.Wrap(ErrCorrupted, "snapshot without eof marker")
	}
	marker, err := eof.Parse(m.RdbEof)
	return marker, false, err
}

// MetaStore persists Meta under a base directory. Every mutation is on stable storage before it returns.
type MetaStore struct {
	dir string

	mu        sync.RWMutex
	meta      Meta
	capturing bool
}

// LoadMetaStore reads the meta record of dir, or starts a fresh one when there is none.
func LoadMetaStore(dir string) (*MetaStore, error) {
	s := &MetaStore{dir: dir, meta: Meta{Fresh: true}}

	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	switch {
	case os.IsNotExist(err):
		log.Info("no meta record under %s, starting fresh", dir)
		return s, nil
	case err != nil:
		return nil, errors.Wrap(err, "read meta record")
	}

	if err := yaml.Unmarshal(data, &s.meta); err != nil {
		return nil, errors.Wrapf(ErrCorrupted, "parse meta record: %v", err)
	}
	return s, nil
}

// SnapshotBegun records a new snapshot capture and the command log that follows it.
// The log starts at sourceOffset+1 in the source frame and at keeperBeginOffset in the keeper frame.
func (s *MetaStore) SnapshotBegun(runID string, sourceOffset, keeperBeginOffset int64,
	fileName string, marker eof.Marker, cmdFilePrefix string,
) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capturing {
		return Meta{}, ErrAlreadyInProgress
	}

	m := s.meta.Dup()
	begin := sourceOffset + 1
	m.MasterRunID = runID
	m.BeginOffset = &begin
	m.KeeperBeginOffset = keeperBeginOffset
	m.RdbFile = fileName
	m.RdbEof = marker.String()
	m.RdbFileSize = 0
	m.RdbLastKeeperOffset = keeperBeginOffset - 1
	m.CmdFilePrefix = cmdFilePrefix

	if err := s.persist(m); err != nil {
		return Meta{}, err
	}
	s.meta = m
	s.capturing = true
	return m.Dup(), nil
}

// SetRdbFileSize records the final size of a finished capture. It only touches the record while
// fileName is still the current snapshot.
func (s *MetaStore) SetRdbFileSize(fileName string, size int64) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.capturing = false
	if s.meta.RdbFile != fileName {
		log.Info("snapshot %s finished after being replaced by %s", fileName, s.meta.RdbFile)
		return s.meta.Dup(), nil
	}

	m := s.meta.Dup()
	m.RdbFileSize = size
	m.RdbEof = eof.Length(size).String()
	m.Fresh = false
	if err := s.persist(m); err != nil {
		return Meta{}, err
	}
	s.meta = m
	return m.Dup(), nil
}

// SnapshotAborted clears the capture flag after a failed capture.
func (s *MetaStore) SnapshotAborted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capturing = false
}

// SnapshotCompleted installs a finished snapshot taken at sourceOffset as the current one and
// stamps its last keeper offset.
func (s *MetaStore) SnapshotCompleted(fileName string, marker eof.Marker, sourceOffset int64) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.BeginOffset == nil {
		return Meta{}, errors.Wrap(ErrInvalidState, "snapshot completed before any snapshot began")
	}
	size, ok := marker.(eof.Length)
	if !ok || size <= 0 {
		return Meta{}, errors.Wrapf(ErrInvalidState, "completed snapshot needs a positive length, got %s", marker)
	}

	m := s.meta.Dup()
	m.RdbFile = fileName
	m.RdbEof = marker.String()
	m.RdbFileSize = int64(size)
	m.RdbLastKeeperOffset = m.KeeperBeginOffset + sourceOffset - *m.BeginOffset
	m.Fresh = false
	if err := s.persist(m); err != nil {
		return Meta{}, err
	}
	s.meta = m
	return m.Dup(), nil
}

func (s *MetaStore) BeginOffset() *int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Dup().BeginOffset
}

func (s *MetaStore) KeeperBeginOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.KeeperBeginOffset
}

func (s *MetaStore) IsFresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Fresh
}

func (s *MetaStore) Dup() Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Dup()
}

// persist writes m to a temporary file, fsyncs it and renames it over the meta record.
func (s *MetaStore) persist(m Meta) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return errors.Wrap(err, "marshal meta record")
	}

	tmp := filepath.Join(s.dir, metaTmpFileName)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode)
	if err != nil {
		return errors.Wrap(err, "create temporary meta record")
	}
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write temporary meta record")
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "sync temporary meta record")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "close temporary meta record")
	}

	if err = move(tmp, filepath.Join(s.dir, metaFileName)); err != nil {
		return err
	}
	return syncDir(s.dir)
}

package store

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"

	"github.com/redkeeper/keeperstore/utils/log"
)

var (
	// ErrAlreadyInProgress is returned when a snapshot capture is already underway. Callers should wait.
	ErrAlreadyInProgress = errors.New("snapshot capture already in progress")
	// ErrInvalidState is an integration error. It is never retried.
	ErrInvalidState = errors.New("invalid replication store state")
	// ErrOffsetTooOld means the requested offset is no longer in the command log. Fall back to full sync.
	ErrOffsetTooOld = errors.New("offset precedes the oldest retained command")
	// ErrOffsetInFuture means the requested offset has not been written yet.
	ErrOffsetInFuture = errors.New("offset exceeds the command log length")
	// ErrHistoryChanged means the command log no longer continues the stream the caller holds.
	// Fall back to full sync.
	ErrHistoryChanged = errors.New("command log belongs to another replication history")
	ErrClosed         = errors.New("replication store closed")
	// ErrCorrupted is returned when on-disk files contradict each other.
	ErrCorrupted = errors.New("replication store files corrupted")
)

// PathMismatchError is returned when a snapshot file lives outside the store's base directory.
type PathMismatchError string

func (msg PathMismatchError) Error() string {
	return errReport("%s: snapshot file is not in the base directory", string(msg))
}

func (PathMismatchError) Is(target error) bool {
	return target == ErrInvalidState
}

// RefCountUnderflowError means a snapshot reference was released more times than it was taken.
type RefCountUnderflowError string

func (msg RefCountUnderflowError) Error() string {
	return errReport("%s: snapshot reference count would become negative", string(msg))
}

func (RefCountUnderflowError) Is(target error) bool {
	return target == ErrInvalidState
}

func errReport(base, msg string) string {
	_, file, line, _ := runtime.Caller(2)
	base = fmt.Sprintf("%s:%d:", filepath.Base(file), line) + base
	log.Error(base, msg)
	return fmt.Sprintf(base, msg)
}

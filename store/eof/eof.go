// Package eof describes how a snapshot stream declares its own end.
package eof

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MarkLen is the size of an in-band end-of-stream delimiter.
const MarkLen = 40

const (
	lengthPrefix = "len:"
	markPrefix   = "mark:"
	bulkEOF      = "EOF:"
)

// Marker reports when a snapshot stream is complete.
type Marker interface {
	// Complete reports whether a stream of n bytes ending with tail has reached its end.
	Complete(n int64, tail []byte) bool
	// TrailerLen is the number of bytes at the end of a complete stream that are not payload.
	TrailerLen() int
	// String is the persisted form, accepted by Parse.
	String() string
}

// Length is a stream of a fixed, known size.
type Length int64

func (l Length) Complete(n int64, _ []byte) bool {
	return n >= int64(l)
}

func (Length) TrailerLen() int {
	return 0
}

func (l Length) String() string {
	return lengthPrefix + strconv.FormatInt(int64(l), 10)
}

// Mark is a stream terminated by the same delimiter it announced up front.
type Mark string

func (m Mark) Complete(n int64, tail []byte) bool {
	return n >= int64(len(m)) && bytes.HasSuffix(tail, []byte(m))
}

func (m Mark) TrailerLen() int {
	return len(m)
}

func (m Mark) String() string {
	return markPrefix + string(m)
}

// IsFixed reports whether the total stream size is known in advance.
func IsFixed(m Marker) bool {
	_, ok := m.(Length)
	return ok
}

// Parse reads the form produced by Marker.String.
func Parse(s string) (Marker, error) {
	switch {
	case strings.HasPrefix(s, lengthPrefix):
		n, err := strconv.ParseInt(strings.TrimPrefix(s, lengthPrefix), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse eof length %q", s)
		}
		if n < 0 {
			return nil, errors.Errorf("negative eof length %q", s)
		}
		return Length(n), nil
	case strings.HasPrefix(s, markPrefix):
		return newMark(strings.TrimPrefix(s, markPrefix))
	default:
		return nil, errors.Errorf("unknown eof marker %q", s)
	}
}

// ParseBulkHeader reads the header that precedes a snapshot payload on the replication stream,
// either "$<length>" or "$EOF:<40 byte mark>". A trailing CRLF is ignored.
func ParseBulkHeader(line string) (Marker, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "$") {
		return nil, errors.Errorf("not a bulk header: %q", line)
	}
	body := line[1:]
	if strings.HasPrefix(body, bulkEOF) {
		return newMark(strings.TrimPrefix(body, bulkEOF))
	}
	n, err := strconv.ParseInt(body, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parse bulk length %q", line)
	}
	if n < 0 {
		return nil, errors.Errorf("negative bulk length %q", line)
	}
	return Length(n), nil
}

// BulkHeader is the header ParseBulkHeader reads, CRLF included.
func BulkHeader(m Marker) string {
	if mark, ok := m.(Mark); ok {
		return "$" + bulkEOF + string(mark) + "\r\n"
	}
	return "$" + strconv.FormatInt(int64(m.(Length)), 10) + "\r\n"
}

func newMark(s string) (Mark, error) {
	if len(s) != MarkLen {
		return "", errors.Errorf("eof mark must be %d bytes, got %d", MarkLen, len(s))
	}
	return Mark(s), nil
}

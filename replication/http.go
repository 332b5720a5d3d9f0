package replication

import (
	"context"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/redkeeper/keeperstore/store"
	"github.com/redkeeper/keeperstore/utils/log"
)

// NewHTTPHandler streams the replication stream in the response body. The "offset" query parameter
// selects a partial sync from a keeper offset; without it the replica gets a full sync.
// Every snapshot in the body starts with a bulk header, "$<length>\r\n" or "$EOF:<mark>\r\n", and the
// commands that continue it follow its last byte. The X-Keeper-Offset trailer carries the offset to
// resume from.
func NewHTTPHandler(s *Syncer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := FullSync
		if v := r.URL.Query().Get("offset"); v != "" {
			o, err := strconv.ParseInt(v, 10, 64)
			if err != nil || o < 0 {
				http.Error(w, "invalid offset: "+v, http.StatusBadRequest)
				return
			}
			offset = o
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Trailer", "X-Keeper-Offset")
		w.WriteHeader(http.StatusOK)

		fw := flushWriter{w: w}
		if f, ok := w.(http.Flusher); ok {
			fw.f = f
		}
		sender := NewSender(fw)
		err := s.serve(r.Context(), offset, sender)
		w.Header().Set("X-Keeper-Offset", strconv.FormatInt(sender.Offset(), 10))
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, store.ErrClosed):
			log.Info("replication stream to %s ended, store closed", r.RemoteAddr)
		default:
			log.Error("replication stream to %s failed: %v", r.RemoteAddr, err)
		}
	})
}

type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

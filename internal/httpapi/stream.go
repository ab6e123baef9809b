package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"llamactx/pkg/types"
)

// ndjsonWriter writes one JSON value per line and flushes after each.
// Headers are committed by the first line, so a handler can still answer
// with a plain JSON error when it fails before anything was streamed.
type ndjsonWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	out     io.Writer
	flush   func()
	started bool
}

func newNDJSONWriter(w http.ResponseWriter, tee io.Writer) *ndjsonWriter {
	nw := &ndjsonWriter{w: w, out: w}
	if tee != nil {
		nw.out = io.MultiWriter(w, tee)
	}
	if f, ok := w.(http.Flusher); ok {
		nw.flush = f.Flush
	}
	return nw
}

func (nw *ndjsonWriter) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if !nw.started {
		nw.started = true
		nw.w.Header().Set("Content-Type", "application/x-ndjson")
		nw.w.WriteHeader(http.StatusOK)
	}
	if _, err := nw.out.Write(append(b, '\n')); err != nil {
		return err
	}
	if nw.flush != nil {
		nw.flush()
	}
	return nil
}

// Started reports whether any line was written.
func (nw *ndjsonWriter) Started() bool {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return nw.started
}

// fail reports err: as a JSON error response when nothing was streamed yet,
// as a final error line otherwise. It returns the status used.
func (nw *ndjsonWriter) fail(err error) int {
	status := statusFor(err)
	if !nw.Started() {
		return writeError(nw.w, err)
	}
	_ = nw.write(types.ErrorResponse{Error: err.Error(), Code: status})
	return status
}

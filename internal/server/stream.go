package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/container"
)

// progressStream writes progress chunks as newline-delimited JSON. The status
// line is sent with the first chunk, so a failure before any progress is still
// answered with a plain error response.
type progressStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu      sync.Mutex
	started bool
	closed  bool
}

func newProgressStream(w http.ResponseWriter) *progressStream {
	rc := http.NewResponseController(w)
	// Pulls outlast the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	return &progressStream{w: w, rc: rc}
}

func (p *progressStream) Progress(chunk container.Progress) {
	p.write(chunk)
}

func (p *progressStream) write(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if !p.started {
		p.w.Header().Set("Content-Type", "application/x-ndjson")
		p.w.Header().Set("Cache-Control", "no-cache")
		p.w.WriteHeader(http.StatusOK)
		p.started = true
	}
	p.encode(v)
}

func (p *progressStream) encode(v any) {
	if err := json.NewEncoder(p.w).Encode(v); err != nil {
		return
	}
	_ = p.rc.Flush()
}

// Finish ends the stream with result, or with err. Progress arriving after
// Finish is dropped.
func (p *progressStream) Finish(result any, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	switch {
	case !p.started && err != nil:
		writeError(p.w, err)
	case !p.started:
		writeJSON(p.w, http.StatusOK, result)
	case err != nil:
		p.encode(container.Progress{Status: "error", Error: err.Error()})
	default:
		p.encode(result)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeError answers with the status of the error's kind.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	if kind := apperr.KindOf(err); kind != apperr.KindUnknown {
		body["kind"] = string(kind)
	}
	if step := apperr.StepOf(err); step != apperr.StepNone {
		body["step"] = string(step)
	}
	writeJSON(w, apperr.HTTPStatus(err), body)
}

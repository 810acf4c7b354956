package server

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/chooser"
	"github.com/BadgerOps/kraken/internal/container"
	"github.com/BadgerOps/kraken/internal/engine"
	"github.com/BadgerOps/kraken/internal/extension"
	"github.com/BadgerOps/kraken/internal/store"
)

type versionRequest struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

type bootstrapRequest struct {
	Tag string `json:"tag"`
}

type messageJSON struct {
	Message string `json:"message"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return apperr.Wrap(apperr.KindInvalid, err, "invalid JSON")
	}
	return nil
}

// ============================================================================
// Core version
// ============================================================================

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	resp, err := s.chooser.CurrentVersion(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetVersion(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	stream := newProgressStream(w)
	resp, err := s.chooser.SetVersion(r.Context(), req.Repository, req.Tag, stream.Progress)
	stream.Finish(resp, err)
}

func (s *Server) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.chooser.DeleteVersion(r.Context(), req.Repository, req.Tag); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageJSON{Message: "deleted " + container.Ref(req.Repository, req.Tag)})
}

func (s *Server) handleLocalVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.chooser.LocalVersions(r.Context()))
}

func (s *Server) handleAvailableVersions(w http.ResponseWriter, r *http.Request) {
	repository := r.PathValue("repository") + "/" + r.PathValue("image")
	avail, err := s.chooser.AvailableVersions(r.Context(), repository)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

func (s *Server) handlePullVersion(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	stream := newProgressStream(w)
	res, err := s.chooser.PullVersion(r.Context(), req.Repository, req.Tag, stream.Progress)
	stream.Finish(res, err)
}

// handleLoadVersion accepts the archive either as the "file" field of a
// multipart form or as the raw request body.
func (s *Server) handleLoadVersion(w http.ResponseWriter, r *http.Request) {
	_ = http.NewResponseController(w).SetReadDeadline(time.Time{})
	body := http.MaxBytesReader(w, r.Body, maxArchiveSize)

	var archive io.Reader = body
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		r.Body = body
		file, _, err := r.FormFile("file")
		if err != nil {
			jsonError(w, http.StatusBadRequest, "missing archive: "+err.Error())
			return
		}
		defer file.Close()
		archive = file
	}

	refs, err := s.chooser.LoadVersion(r.Context(), archive, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"loaded": refs})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.chooser.Restart(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageJSON{Message: "restarted"})
}

// ============================================================================
// Bootstrap
// ============================================================================

func (s *Server) handleGetBootstrap(w http.ResponseWriter, r *http.Request) {
	tag, err := s.chooser.BootstrapVersion(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tag)
}

func (s *Server) handleSetBootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	stream := newProgressStream(w)
	sel, err := s.chooser.SetBootstrapVersion(r.Context(), req.Tag, stream.Progress)
	stream.Finish(sel, err)
}

// ============================================================================
// Registry accounts
// ============================================================================

func (s *Server) handleDockerLogin(w http.ResponseWriter, r *http.Request) {
	var req chooser.DockerLoginInfo
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.chooser.DockerLogin(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageJSON{Message: "Successfully logged in"})
}

func (s *Server) handleDockerLogout(w http.ResponseWriter, r *http.Request) {
	var req chooser.DockerLoginInfo
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.chooser.DockerLogout(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageJSON{Message: "Successfully logged out"})
}

func (s *Server) handleDockerAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.chooser.DockerAccounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]chooser.DockerLoginInfo{"accounts": accounts})
}

// ============================================================================
// Extensions
// ============================================================================

// extensionRequest is the body of an extension operation.
type extensionRequest struct {
	Repository string          `json:"repository"`
	Name       string          `json:"name"`
	Tag        string          `json:"tag,omitempty"`
	Settings   json.RawMessage `json:"settings,omitempty"`
	// Async returns the operation ticket without waiting.
	Async bool `json:"async,omitempty"`
}

type ticketJSON struct {
	ID         string `json:"id"`
	Repository string `json:"repository"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
}

// operationJSON is the JSON representation of a recorded operation.
type operationJSON struct {
	ID          string     `json:"id"`
	Repository  string     `json:"repository"`
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Step        string     `json:"step,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func toOperationJSON(op store.Operation) operationJSON {
	out := operationJSON{
		ID:          op.ID,
		Repository:  op.Repository,
		Name:        op.Name,
		Kind:        op.Kind,
		Status:      op.Status,
		Step:        op.Step,
		Error:       op.Error,
		SubmittedAt: op.SubmittedAt,
	}
	if !op.StartedAt.IsZero() {
		t := op.StartedAt
		out.StartedAt = &t
	}
	if !op.FinishedAt.IsZero() {
		t := op.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func identityFromQuery(r *http.Request) (extension.Identity, error) {
	ident := extension.Identity{Repository: r.URL.Query().Get("repository"), Name: r.URL.Query().Get("name")}
	if err := ident.Validate(); err != nil {
		return ident, err
	}
	return ident, nil
}

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.chooser.Extensions())
}

func (s *Server) handleExtensionCatalog(w http.ResponseWriter, r *http.Request) {
	all, err := s.chooser.Catalog(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleExtensionStatus(w http.ResponseWriter, r *http.Request) {
	ident, err := identityFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.chooser.Extension(ident)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleExtensionOperations(w http.ResponseWriter, r *http.Request) {
	var ident extension.Identity
	if r.URL.Query().Get("name") != "" {
		var err error
		if ident, err = identityFromQuery(r); err != nil {
			writeError(w, err)
			return
		}
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	ops, err := s.chooser.Operations(ident, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	result := make([]operationJSON, 0, len(ops))
	for _, op := range ops {
		result = append(result, toOperationJSON(op))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExtensionLogs(w http.ResponseWriter, r *http.Request) {
	ident, err := identityFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	opts := container.LogOptions{
		Follow:     r.URL.Query().Get("follow") == "true",
		Tail:       r.URL.Query().Get("tail"),
		Timestamps: r.URL.Query().Get("timestamps") == "true",
	}
	if opts.Follow {
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	}
	logs, err := s.chooser.Logs(r.Context(), ident, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	defer logs.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(flushWriter{w: w, rc: http.NewResponseController(w)}, logs); err != nil {
		s.logger.Debug("log stream ended", "extension", ident.String(), "error", err)
	}
}

func (s *Server) handleExtensionOperation(w http.ResponseWriter, r *http.Request) {
	var req extensionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ident := extension.Identity{Repository: req.Repository, Name: req.Name}
	op := engine.Operation{Kind: engine.OpKind(r.PathValue("op")), Tag: req.Tag, Settings: req.Settings}

	if req.Async {
		ticket, err := s.chooser.Submit(ident, op)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ticketJSON{
			ID:         ticket.ID,
			Repository: ident.Repository,
			Name:       ident.Name,
			Kind:       string(ticket.Kind),
			Status:     ticket.Status(),
		})
		return
	}

	stream := newProgressStream(w)
	op.Progress = stream.Progress
	st, err := s.chooser.Run(r.Context(), ident, op)
	stream.Finish(st, err)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	if err := s.chooser.CancelOperation(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageJSON{Message: "cancelled"})
}

type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		_ = f.rc.Flush()
	}
	return n, err
}

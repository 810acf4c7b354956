package manifest

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/store"
)

const widgetDocument = `
- repository: acme/widget
  name: widget
  description: Example widget
  versions:
    - tag: "1.0"
      architectures: [arm64, arm/v7]
      permissions:
        Env: ["MODE=stable"]
        HostConfig:
          NetworkMode: host
    - tag: "2.0-beta.1"
      prerelease: true
- repository: acme/gadget
  name: gadget
  versions:
    - tag: "0.3"
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newTestDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type countingSource struct {
	calls atomic.Int32
	docs  []Manifest
	err   error
}

func (c *countingSource) Fetch(context.Context) ([]Manifest, error) {
	c.calls.Add(1)
	return c.docs, c.err
}

func TestParse(t *testing.T) {
	docs, err := Parse([]byte(widgetDocument))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 manifests, got %d", len(docs))
	}
	widget := docs[0]
	if widget.Repository != "acme/widget" || widget.Name != "widget" {
		t.Errorf("identity = %+v", widget.Identity)
	}
	v, ok := widget.Version("1.0")
	if !ok {
		t.Fatal("expected version 1.0")
	}
	if !v.Supports("arm64") || !v.Supports("arm") || v.Supports("amd64") {
		t.Errorf("unexpected architecture support for %v", v.Architectures)
	}
	settings, err := v.Settings()
	if err != nil {
		t.Fatalf("Settings() error: %v", err)
	}
	if string(settings) != `{"Env":["MODE=stable"],"HostConfig":{"NetworkMode":"host"}}` {
		t.Errorf("Settings() = %s", settings)
	}
	beta, _ := widget.Version("2.0-beta.1")
	if !beta.Prerelease || !beta.Supports("amd64") {
		t.Errorf("unexpected beta descriptor %+v", beta)
	}
	if got := widget.Tags(); len(got) != 2 || got[0] != "1.0" {
		t.Errorf("Tags() = %v", got)
	}
}

func TestParseJSON(t *testing.T) {
	docs, err := Parse([]byte(`[{"repository":"acme/widget","name":"widget","versions":[{"tag":"1.0"}]}]`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(docs) != 1 || docs[0].Versions[0].Tag != "1.0" {
		t.Errorf("unexpected documents %+v", docs)
	}
}

func TestParseRejectsInvalidEntries(t *testing.T) {
	tests := map[string]string{
		"bad name":   `[{"repository":"acme/widget","name":"Widget!","versions":[]}]`,
		"bad repo":   `[{"repository":"acme/widget:1.0","name":"widget","versions":[]}]`,
		"no tag":     `[{"repository":"acme/widget","name":"widget","versions":[{"tag":""}]}]`,
		"duplicate":  `[{"repository":"acme/widget","name":"widget"},{"repository":"acme/widget","name":"widget"}]`,
		"not a list": `repository: acme/widget`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); !apperr.IsKind(err, apperr.KindInvalid) {
				t.Errorf("Parse() = %v, want invalid", err)
			}
		})
	}
}

func TestStoreCachesAcrossLayers(t *testing.T) {
	docs, err := Parse([]byte(widgetDocument))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	src := &countingSource{docs: docs}
	db := newTestDB(t)
	id := Identity{Repository: "acme/widget", Name: "widget"}

	s := NewStore(src, db, testLogger())
	if _, err := s.Get(context.Background(), id); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if _, err := s.Get(context.Background(), id); err != nil {
		t.Fatalf("second Get() error: %v", err)
	}
	if src.calls.Load() != 1 {
		t.Errorf("source calls = %d, want 1", src.calls.Load())
	}

	// A fresh store on the same database is served from sqlite.
	fresh := NewStore(src, db, testLogger())
	m, err := fresh.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() from db cache error: %v", err)
	}
	if m.Description != "Example widget" || len(m.Versions) != 2 {
		t.Errorf("unexpected cached manifest %+v", m)
	}
	if src.calls.Load() != 1 {
		t.Errorf("source calls = %d, want 1", src.calls.Load())
	}

	if _, err := fresh.Refresh(context.Background(), id); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if src.calls.Load() != 2 {
		t.Errorf("source calls after refresh = %d, want 2", src.calls.Load())
	}
}

func TestStoreRefreshKeepsCacheWhenSourceFails(t *testing.T) {
	docs, err := Parse([]byte(widgetDocument))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	src := &countingSource{docs: docs}
	db := newTestDB(t)
	id := Identity{Repository: "acme/widget", Name: "widget"}
	ctx := context.Background()

	s := NewStore(src, db, testLogger())
	if _, err := s.Get(ctx, id); err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	src.err = apperr.New(apperr.KindNetwork, "manifest source unreachable")
	if _, err := s.Refresh(ctx, id); !apperr.IsKind(err, apperr.KindNetwork) {
		t.Fatalf("Refresh() = %v, want network error", err)
	}
	if m, err := s.Get(ctx, id); err != nil || len(m.Versions) != 2 {
		t.Fatalf("Get() after failed refresh = %v, %v", m, err)
	}
	if _, err := NewStore(src, db, testLogger()).Get(ctx, id); err != nil {
		t.Fatalf("db cache lost after failed refresh: %v", err)
	}

	// Dropped upstream: the cached manifest goes too.
	src.err = nil
	src.docs = docs[1:]
	if _, err := s.Refresh(ctx, id); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("Refresh() = %v, want not found", err)
	}
	if _, err := s.Get(ctx, id); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("Get() after removal upstream = %v, want not found", err)
	}
}

func TestStoreNotFound(t *testing.T) {
	s := NewStore(&countingSource{}, newTestDB(t), testLogger())
	_, err := s.Get(context.Background(), Identity{Repository: "acme/none", Name: "none"})
	if !apperr.IsKind(err, apperr.KindNotFound) || apperr.StepOf(err) != apperr.StepManifest {
		t.Fatalf("Get() = %v, want not found at manifest step", err)
	}

	noSource := NewStore(nil, newTestDB(t), testLogger())
	if _, err := noSource.Get(context.Background(), Identity{Repository: "acme/none", Name: "none"}); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("Get() without source = %v, want not found", err)
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(path, []byte(widgetDocument), 0644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	src, err := NewSource(path, time.Second, testLogger())
	if err != nil {
		t.Fatalf("NewSource() error: %v", err)
	}
	docs, err := src.Fetch(context.Background())
	if err != nil || len(docs) != 2 {
		t.Fatalf("Fetch() = %d docs, %v", len(docs), err)
	}

	missing := FileSource{Path: filepath.Join(t.TempDir(), "missing.yaml")}
	if _, err := missing.Fetch(context.Background()); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("Fetch() on missing file = %v, want not found", err)
	}
}

func TestHTTPSourceRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(widgetDocument))
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL, 5*time.Second, testLogger())
	if err != nil {
		t.Fatalf("NewHTTPSource() error: %v", err)
	}
	src.baseDelay = 10 * time.Millisecond

	docs, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if len(docs) != 2 || hits.Load() != 2 {
		t.Errorf("docs = %d, hits = %d", len(docs), hits.Load())
	}
}

func TestHTTPSourceDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL, 5*time.Second, testLogger())
	if err != nil {
		t.Fatalf("NewHTTPSource() error: %v", err)
	}
	src.baseDelay = 10 * time.Millisecond

	if _, err := src.Fetch(context.Background()); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("Fetch() = %v, want not found", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

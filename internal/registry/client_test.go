package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/BadgerOps/kraken/internal/apperr"
)

func sha256Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

type blob struct {
	mediaType string
	body      []byte
}

// fakeRegistry serves a tiny OCI distribution API for org/widget.
type fakeRegistry struct {
	t         *testing.T
	tags      map[string]string // tag -> manifest digest
	manifests map[string]blob
	blobs     map[string][]byte
	user      string
	password  string
	requests  atomic.Int32
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	return &fakeRegistry{
		t:         t,
		tags:      map[string]string{},
		manifests: map[string]blob{},
		blobs:     map[string][]byte{},
	}
}

func (f *fakeRegistry) addConfig(arch string, created time.Time) map[string]any {
	cfg, err := json.Marshal(map[string]any{
		"architecture": arch,
		"os":           "linux",
		"created":      created.Format(time.RFC3339),
		"rootfs":       map[string]any{"type": "layers", "diff_ids": []string{}},
	})
	require.NoError(f.t, err)
	d := sha256Digest(cfg)
	f.blobs[d] = cfg
	return map[string]any{
		"mediaType": "application/vnd.oci.image.config.v1+json",
		"digest":    d,
		"size":      len(cfg),
	}
}

func (f *fakeRegistry) addManifest(arch string, created time.Time) (string, int) {
	m, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.manifest.v1+json",
		"config":        f.addConfig(arch, created),
		"layers":        []any{},
	})
	require.NoError(f.t, err)
	d := sha256Digest(m)
	f.manifests[d] = blob{mediaType: "application/vnd.oci.image.manifest.v1+json", body: m}
	return d, len(m)
}

func (f *fakeRegistry) tagManifest(tag, arch string, created time.Time) string {
	d, _ := f.addManifest(arch, created)
	f.tags[tag] = d
	return d
}

func (f *fakeRegistry) tagIndex(tag string, created time.Time, archs ...string) string {
	var entries []map[string]any
	for _, arch := range archs {
		d, size := f.addManifest(arch, created)
		entries = append(entries, map[string]any{
			"mediaType": "application/vnd.oci.image.manifest.v1+json",
			"digest":    d,
			"size":      size,
			"platform":  map[string]any{"architecture": arch, "os": "linux"},
		})
	}
	idx, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.index.v1+json",
		"manifests":     entries,
	})
	require.NoError(f.t, err)
	d := sha256Digest(idx)
	f.manifests[d] = blob{mediaType: "application/vnd.oci.image.index.v1+json", body: idx}
	f.tags[tag] = d
	return d
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	if f.user != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != f.user || p != f.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`))
			return
		}
	}

	const prefix = "/v2/org/widget/"
	if r.URL.Path == "/v2/" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if !strings.HasPrefix(r.URL.Path, prefix) {
		notFound(w, "NAME_UNKNOWN")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	switch {
	case rest == "tags/list":
		tags := make([]string, 0, len(f.tags))
		for tag := range f.tags {
			tags = append(tags, tag)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "org/widget", "tags": tags})
	case strings.HasPrefix(rest, "manifests/"):
		ref := strings.TrimPrefix(rest, "manifests/")
		if d, ok := f.tags[ref]; ok {
			ref = d
		}
		m, ok := f.manifests[ref]
		if !ok {
			notFound(w, "MANIFEST_UNKNOWN")
			return
		}
		w.Header().Set("Content-Type", m.mediaType)
		w.Header().Set("Docker-Content-Digest", ref)
		w.Header().Set("Content-Length", strconv.Itoa(len(m.body)))
		if r.Method != http.MethodHead {
			_, _ = w.Write(m.body)
		}
	case strings.HasPrefix(rest, "blobs/"):
		d := strings.TrimPrefix(rest, "blobs/")
		b, ok := f.blobs[d]
		if !ok {
			notFound(w, "BLOB_UNKNOWN")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Docker-Content-Digest", d)
		w.Header().Set("Content-Length", strconv.Itoa(len(b)))
		if r.Method != http.MethodHead {
			_, _ = w.Write(b)
		}
	default:
		notFound(w, "UNSUPPORTED")
	}
}

func notFound(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"errors":[{"code":"` + code + `","message":"not found"}]}`))
}

func startRegistry(t *testing.T, f *fakeRegistry) string {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func newTestClient(host string, cred auth.CredentialFunc) *Client {
	return NewClient(Options{
		Timeout:      5 * time.Second,
		PlainHTTP:    []string{host},
		Credential:   cred,
		Concurrency:  2,
		Architecture: "arm64",
	}, nil)
}

func TestListTags(t *testing.T) {
	f := newFakeRegistry(t)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d1 := f.tagManifest("1.0", "amd64", created)
	d2 := f.tagIndex("2.0", created.Add(24*time.Hour), "amd64", "arm64")
	host := startRegistry(t, f)

	c := newTestClient(host, nil)
	infos, err := c.ListTags(context.Background(), host+"/org/widget")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "1.0", infos[0].Tag)
	assert.Equal(t, d1, infos[0].Digest)
	assert.Equal(t, "amd64", infos[0].Architecture)
	assert.True(t, created.Equal(infos[0].LastModified))

	assert.Equal(t, "2.0", infos[1].Tag)
	assert.Equal(t, d2, infos[1].Digest, "index digest is reported, not the platform manifest")
	assert.Equal(t, "arm64", infos[1].Architecture)
}

func TestDescribeNotFound(t *testing.T) {
	f := newFakeRegistry(t)
	f.tagManifest("1.0", "amd64", time.Now())
	host := startRegistry(t, f)

	_, err := newTestClient(host, nil).Describe(context.Background(), host+"/org/widget", "9.9")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound), "got %v", err)
	assert.Equal(t, apperr.StepResolve, apperr.StepOf(err))
}

func TestTagsUnknownRepository(t *testing.T) {
	host := startRegistry(t, newFakeRegistry(t))
	_, err := newTestClient(host, nil).Tags(context.Background(), host+"/org/missing")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound), "got %v", err)
}

func TestAuthenticatedAccess(t *testing.T) {
	f := newFakeRegistry(t)
	f.user, f.password = "robot", "s3cret"
	f.tagManifest("1.0", "amd64", time.Now())
	host := startRegistry(t, f)

	_, err := newTestClient(host, nil).Tags(context.Background(), host+"/org/widget")
	assert.True(t, apperr.IsKind(err, apperr.KindAuth), "anonymous access should fail with auth, got %v", err)

	var asked string
	cred := func(_ context.Context, hostport string) (auth.Credential, error) {
		asked = hostport
		return auth.Credential{Username: "robot", Password: "s3cret"}, nil
	}
	tags, err := newTestClient(host, cred).Tags(context.Background(), host+"/org/widget")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0"}, tags)
	assert.Equal(t, host, asked)
}

func TestUnreachableRegistryIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	_, err := newTestClient(host, nil).Tags(context.Background(), host+"/org/widget")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNetwork), "got %v", err)
	assert.True(t, apperr.Retryable(err))
}

func TestParseRepository(t *testing.T) {
	tests := []struct {
		in       string
		registry string
		path     string
		endpoint string
	}{
		{"alpine", "docker.io", "library/alpine", "registry-1.docker.io"},
		{"acme/widget", "docker.io", "acme/widget", "registry-1.docker.io"},
		{"docker.io/acme/widget", "docker.io", "acme/widget", "registry-1.docker.io"},
		{"index.docker.io/acme/widget", "docker.io", "acme/widget", "registry-1.docker.io"},
		{"ghcr.io/acme/widget", "ghcr.io", "acme/widget", "ghcr.io"},
		{"localhost:5000/widget", "localhost:5000", "widget", "localhost:5000"},
		{"https://quay.io/org/repo/", "quay.io", "org/repo", "quay.io"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			repo, err := ParseRepository(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.registry, repo.Registry)
			assert.Equal(t, tt.path, repo.Path)
			assert.Equal(t, tt.endpoint, repo.Endpoint())
			assert.Equal(t, tt.endpoint+"/"+tt.path, repo.Reference())
		})
	}

	for _, bad := range []string{"", "acme/widget:1.0", "acme/widget@sha256:abc", "Acme/Widget", "acme//widget"} {
		_, err := ParseRepository(bad)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalid), "ParseRepository(%q) = %v", bad, err)
	}
}

func TestNormalizeEndpointHost(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"quay.io", "quay.io"},
		{"https://quay.io", "quay.io"},
		{"http://quay.io/", "quay.io"},
		{"docker.io", "registry-1.docker.io"},
		{"index.docker.io", "registry-1.docker.io"},
		{"myregistry.example.com:5000", "myregistry.example.com:5000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeEndpointHost(tt.in), tt.in)
	}
}

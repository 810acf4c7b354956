package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/kraken/internal/chooser"
	"github.com/BadgerOps/kraken/internal/container/containertest"
	"github.com/BadgerOps/kraken/internal/credentials"
	"github.com/BadgerOps/kraken/internal/engine"
	"github.com/BadgerOps/kraken/internal/extension"
	"github.com/BadgerOps/kraken/internal/manifest"
	"github.com/BadgerOps/kraken/internal/registry/registrytest"
	"github.com/BadgerOps/kraken/internal/store"
	"github.com/BadgerOps/kraken/internal/version"
)

const (
	coreRepo      = "bluerobotics/blueos-core"
	bootstrapRepo = "bluerobotics/blueos-bootstrap"
)

type staticSource []manifest.Manifest

func (s staticSource) Fetch(context.Context) ([]manifest.Manifest, error) {
	return s, nil
}

type testServer struct {
	url string
	rt  *containertest.Runtime
	reg *registrytest.Registry
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(":memory:", logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("failed to close store: %v", err)
		}
	})

	creds, err := credentials.NewDockerConfigStore(t.TempDir()+"/config.json", logger)
	if err != nil {
		t.Fatal(err)
	}
	rt := containertest.New()
	reg := registrytest.New()
	manifests := manifest.NewStore(staticSource{
		{Identity: extension.Identity{Repository: "acme/widget", Name: "widget"}, Versions: []manifest.VersionDescriptor{{Tag: "1.0"}}},
	}, st, logger)
	resolver := version.NewResolver(version.Options{Runtime: rt, Registry: reg, Manifests: manifests, Credentials: creds}, logger)
	slots := version.NewSlots(resolver, rt, st, version.SlotsConfig{
		CoreRepository:      coreRepo,
		CoreContainer:       "blueos-core",
		BootstrapRepository: bootstrapRepo,
		BootstrapContainer:  "blueos-bootstrap",
	}, logger)
	orch := engine.New(extension.Deps{Runtime: rt, Resolver: resolver, Manifests: manifests, Store: st}, engine.Config{
		ReconcileInterval: time.Hour,
		Machine:           extension.Config{CallTimeout: 5 * time.Second, PullTimeout: 5 * time.Second},
	}, logger)
	resolver.AddInUseChecker(orch)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { orch.Close() })

	ch := chooser.New(chooser.Options{
		Resolver:     resolver,
		Slots:        slots,
		Runtime:      rt,
		Credentials:  creds,
		Orchestrator: orch,
		Manifests:    manifests,
	}, logger)
	srv := httptest.NewServer(NewServer(ch, logger).Handler())
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL + "/v1.0", rt: rt, reg: reg}
}

func (ts *testServer) publish(repository, tag, dgst string) {
	ts.reg.Add(repository, tag, dgst)
	ts.rt.AddRemote(repository, tag, dgst)
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.url+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// readLines decodes a newline-delimited JSON body.
func readLines(t *testing.T, r io.Reader) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad stream line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestSetVersionStreamsProgress(t *testing.T) {
	ts := setupTestServer(t)
	ts.publish(coreRepo, "1.2", "sha256:c12")

	resp := ts.do(t, "POST", "/version/current", `{"repository":"`+coreRepo+`","tag":"1.2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	lines := readLines(t, resp.Body)
	if len(lines) < 2 {
		t.Fatalf("expected progress and result lines, got %v", lines)
	}
	last := lines[len(lines)-1]
	if last["tag"] != "1.2" || last["sha"] != "sha256:c12" {
		t.Errorf("final line = %v", last)
	}

	resp = ts.do(t, "GET", "/version/current", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var cur chooser.VersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cur); err != nil {
		t.Fatal(err)
	}
	if cur.Tag != "1.2" {
		t.Errorf("current tag = %q", cur.Tag)
	}
}

func TestSetVersionFailureBeforeProgress(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.do(t, "POST", "/version/current", `{"repository":"`+coreRepo+`","tag":"9.9"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["kind"] != "not_found" || body["error"] == "" {
		t.Errorf("error body = %v", body)
	}
}

func TestInvalidJSON(t *testing.T) {
	ts := setupTestServer(t)
	resp := ts.do(t, "POST", "/version/pull/", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDeleteVersion(t *testing.T) {
	ts := setupTestServer(t)
	ts.rt.AddImage(coreRepo, "1.1", "sha256:c11")

	resp := ts.do(t, "DELETE", "/version/delete", `{"repository":"`+coreRepo+`","tag":"1.1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp = ts.do(t, "DELETE", "/version/delete", `{"repository":"`+coreRepo+`","tag":"1.1"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", resp.StatusCode)
	}
}

func TestAvailableVersions(t *testing.T) {
	ts := setupTestServer(t)
	ts.publish(coreRepo, "1.2", "sha256:c12")
	ts.rt.AddImage(coreRepo, "1.1", "sha256:c11")

	resp := ts.do(t, "GET", "/version/available/"+coreRepo, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var avail version.Available
	if err := json.NewDecoder(resp.Body).Decode(&avail); err != nil {
		t.Fatal(err)
	}
	if len(avail.Remote) != 1 || len(avail.Local) != 1 {
		t.Errorf("available = %+v", avail)
	}

	resp = ts.do(t, "GET", "/version/available/local", "")
	var local chooser.LocalVersions
	if err := json.NewDecoder(resp.Body).Decode(&local); err != nil {
		t.Fatal(err)
	}
	if len(local.Local) != 1 || local.Local[0].Tag != "1.1" {
		t.Errorf("local = %+v", local)
	}
}

func TestLoadVersion(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.do(t, "POST", "/version/load/", coreRepo+":raw\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("raw body: expected 200, got %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "image.tar")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(fw, coreRepo+":form\n")
	mw.Close()
	req, _ := http.NewRequest("POST", ts.url+"/version/load/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	mresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Fatalf("multipart: expected 200, got %d", mresp.StatusCode)
	}
	var body map[string][]string
	if err := json.NewDecoder(mresp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body["loaded"]) != 1 || body["loaded"][0] != coreRepo+":form" {
		t.Errorf("loaded = %v", body)
	}
}

func TestBootstrapVersion(t *testing.T) {
	ts := setupTestServer(t)
	ts.rt.AddImage(bootstrapRepo, "master", "sha256:b00")
	ts.publish(bootstrapRepo, "1.1", "sha256:b11")
	ts.rt.Seed(containertest.Container{Name: "blueos-bootstrap", Image: bootstrapRepo + ":master", Running: true})

	resp := ts.do(t, "GET", "/bootstrap/current", "")
	var tag string
	if err := json.NewDecoder(resp.Body).Decode(&tag); err != nil {
		t.Fatal(err)
	}
	if tag != "master" {
		t.Errorf("bootstrap tag = %q", tag)
	}

	resp = ts.do(t, "POST", "/bootstrap/current", `{"tag":"1.1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	lines := readLines(t, resp.Body)
	if len(lines) == 0 || lines[len(lines)-1]["tag"] != "1.1" {
		t.Errorf("stream = %v", lines)
	}
}

func TestRestartWithoutCore(t *testing.T) {
	ts := setupTestServer(t)
	resp := ts.do(t, "POST", "/version/restart", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDockerAccountsEmpty(t *testing.T) {
	ts := setupTestServer(t)
	resp := ts.do(t, "GET", "/docker/accounts/", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string][]chooser.DockerLoginInfo
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if accounts, ok := body["accounts"]; !ok || len(accounts) != 0 {
		t.Errorf("accounts = %v", body)
	}

	resp = ts.do(t, "POST", "/docker/login/", `{"username":"me"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("login without password: expected 400, got %d", resp.StatusCode)
	}
}

func TestExtensionLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	ts.publish("acme/widget", "1.0", "sha256:abc")

	resp := ts.do(t, "POST", "/extensions/install", `{"repository":"acme/widget","name":"widget","tag":"1.0"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("install: expected 200, got %d", resp.StatusCode)
	}
	lines := readLines(t, resp.Body)
	if last := lines[len(lines)-1]; last["state"] != "running" {
		t.Errorf("final line = %v", last)
	}

	resp = ts.do(t, "GET", "/extensions/status?repository=acme/widget&name=widget", "")
	var st extension.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.DesiredTag != "1.0" || !st.Running {
		t.Errorf("status = %+v", st)
	}
	if st.Pull == nil || !st.Pull.Done || st.Pull.Ref != "acme/widget:1.0" {
		t.Errorf("pull progress = %+v", st.Pull)
	}

	resp = ts.do(t, "POST", "/extensions/disable", `{"repository":"acme/widget","name":"widget","async":true}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("async disable: expected 202, got %d", resp.StatusCode)
	}
	var ticket ticketJSON
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatal(err)
	}
	if ticket.ID == "" || ticket.Kind != "disable" {
		t.Errorf("ticket = %+v", ticket)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp = ts.do(t, "GET", "/extensions/operations?repository=acme/widget&name=widget", "")
		var ops []operationJSON
		if err := json.NewDecoder(resp.Body).Decode(&ops); err != nil {
			t.Fatal(err)
		}
		if len(ops) == 2 && ops[0].Status == store.OpSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("disable did not finish: %+v", ops)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp = ts.do(t, "GET", "/extensions", "")
	var list []extension.Status
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].State != extension.StateStopped {
		t.Errorf("list = %+v", list)
	}
}

func TestExtensionOperationErrors(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.do(t, "POST", "/extensions/explode", `{"repository":"acme/widget","name":"widget"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown op: expected 400, got %d", resp.StatusCode)
	}
	resp = ts.do(t, "GET", "/extensions/status?repository=acme/widget&name=widget", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status of unknown extension: expected 404, got %d", resp.StatusCode)
	}
	resp = ts.do(t, "GET", "/extensions/status?repository=acme/widget&name=Not%20Valid", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid name: expected 400, got %d", resp.StatusCode)
	}
	resp = ts.do(t, "DELETE", "/operations/does-not-exist", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel unknown op: expected 404, got %d", resp.StatusCode)
	}
}

func TestExtensionCatalog(t *testing.T) {
	ts := setupTestServer(t)
	resp := ts.do(t, "GET", "/extensions/catalog", "")
	var all []manifest.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Name != "widget" {
		t.Errorf("catalog = %+v", all)
	}
}

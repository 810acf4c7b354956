package engine

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/container"
	"github.com/BadgerOps/kraken/internal/container/containertest"
	"github.com/BadgerOps/kraken/internal/events"
	"github.com/BadgerOps/kraken/internal/extension"
	"github.com/BadgerOps/kraken/internal/manifest"
	"github.com/BadgerOps/kraken/internal/registry/registrytest"
	"github.com/BadgerOps/kraken/internal/store"
	"github.com/BadgerOps/kraken/internal/version"
)

var (
	widget = extension.Identity{Repository: "acme/widget", Name: "widget"}
	gadget = extension.Identity{Repository: "acme/gadget", Name: "gadget"}
)

// gatedRuntime blocks pulls of gated refs and inspections of one container
// until released.
type gatedRuntime struct {
	*containertest.Runtime

	mu    sync.Mutex
	gates map[string]chan struct{}
	hang  string
}

func (g *gatedRuntime) gate(repository string) func() {
	ch := make(chan struct{})
	g.mu.Lock()
	g.gates[repository] = ch
	g.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (g *gatedRuntime) hangInspect(id string) {
	g.mu.Lock()
	g.hang = id
	g.mu.Unlock()
}

func (g *gatedRuntime) Pull(ctx context.Context, ref string, opts container.PullOptions) (string, error) {
	g.mu.Lock()
	var ch chan struct{}
	for repo, c := range g.gates {
		if strings.HasPrefix(ref, repo) {
			ch = c
		}
	}
	g.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return "", apperr.Wrap(apperr.KindCancelled, ctx.Err(), "pull")
		}
	}
	return g.Runtime.Pull(ctx, ref, opts)
}

func (g *gatedRuntime) Inspect(ctx context.Context, id string) (container.ObservedState, error) {
	g.mu.Lock()
	hang := g.hang == id
	g.mu.Unlock()
	if hang {
		<-ctx.Done()
		return container.ObservedState{}, ctx.Err()
	}
	return g.Runtime.Inspect(ctx, id)
}

type recordSink struct {
	mu     sync.Mutex
	states map[string][]string
}

func (r *recordSink) Publish(_ context.Context, e events.Event) {
	if e.Type != events.TypeTransition && e.Type != events.TypeFailed {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[e.Name] = append(r.states[e.Name], e.State)
}

func (r *recordSink) sequence(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states[name]...)
}

type fixture struct {
	t        *testing.T
	rt       *gatedRuntime
	reg      *registrytest.Registry
	db       *store.Store
	resolver *version.Resolver
	sink     *recordSink
	deps     extension.Deps
	cfg      Config
	orch     *Orchestrator
}

func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	db, err := store.New(":memory:", logger)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rt := &gatedRuntime{Runtime: containertest.New(), gates: make(map[string]chan struct{})}
	reg := registrytest.New()
	resolver := version.NewResolver(version.Options{Runtime: rt, Registry: reg}, logger)
	sink := &recordSink{states: make(map[string][]string)}

	f := &fixture{
		t:        t,
		rt:       rt,
		reg:      reg,
		db:       db,
		resolver: resolver,
		sink:     sink,
		deps: extension.Deps{
			Runtime:   rt,
			Resolver:  resolver,
			Manifests: manifest.NewStore(nil, db, logger),
			Store:     db,
			Events:    sink,
		},
		cfg: Config{
			ReconcileInterval: time.Hour,
			InspectTimeout:    50 * time.Millisecond,
			RestartBackoff:    time.Millisecond,
			MaxRestartBackoff: 5 * time.Millisecond,
			Machine: extension.Config{
				CallTimeout:     5 * time.Second,
				PullTimeout:     5 * time.Second,
				StopGracePeriod: time.Second,
				UpdateStrategy:  extension.StrategyStopFirst,
			},
		},
	}
	if tweak != nil {
		tweak(&f.cfg)
	}
	f.publish(widget, "1.0", "sha256:abc")
	f.publish(widget, "2.0", "sha256:def")
	f.publish(gadget, "0.1", "sha256:0a1")
	f.orch = f.start()
	return f
}

func (f *fixture) start() *Orchestrator {
	f.t.Helper()
	o := New(f.deps, f.cfg, nil)
	f.resolver.AddInUseChecker(o)
	if err := o.Start(context.Background()); err != nil {
		f.t.Fatalf("Start() error: %v", err)
	}
	f.t.Cleanup(func() { o.Close() })
	return o
}

func (f *fixture) publish(id extension.Identity, tag, dgst string) {
	f.reg.Add(id.Repository, tag, dgst)
	f.rt.AddRemote(id.Repository, tag, dgst)
}

func (f *fixture) do(id extension.Identity, op Operation) {
	f.t.Helper()
	if err := f.orch.Do(context.Background(), id, op); err != nil {
		f.t.Fatalf("%s %s: %v", op.Kind, id, err)
	}
}

// barrier waits until every operation queued for id before it has run.
func (f *fixture) barrier(id extension.Identity) {
	f.t.Helper()
	tk, err := f.orch.enqueue(id, opNoop, func(context.Context, *extension.Machine) error { return nil }, nil)
	if err != nil {
		f.t.Fatalf("enqueue barrier: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tk.Wait(ctx); err != nil {
		f.t.Fatalf("barrier: %v", err)
	}
}

func (f *fixture) status(id extension.Identity) extension.Status {
	f.t.Helper()
	st, err := f.orch.Status(id)
	if err != nil {
		f.t.Fatalf("Status(%s) error: %v", id, err)
	}
	return st
}

func (f *fixture) live(name string) []containertest.Container {
	return f.rt.Running("extension-" + name + "-")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInstallAndHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.do(widget, Operation{Kind: OpInstall, Tag: "1.0"})

	st := f.status(widget)
	if st.State != extension.StateRunning || st.PinnedDigest != "sha256:abc" {
		t.Errorf("unexpected status %+v", st)
	}
	if got := f.orch.List(); len(got) != 1 || got[0].Name != "widget" {
		t.Errorf("List() = %+v", got)
	}
	if _, err := f.orch.Status(gadget); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("Status(gadget) = %v, want not found", err)
	}

	ops, err := f.orch.Operations(widget, 10)
	if err != nil {
		t.Fatalf("Operations() error: %v", err)
	}
	if len(ops) != 1 || ops[0].Kind != "install" || ops[0].Status != store.OpSucceeded {
		t.Errorf("unexpected history %+v", ops)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name string
		id   extension.Identity
		op   Operation
	}{
		{name: "bad repository", id: extension.Identity{Repository: "Not A Repo", Name: "x"}, op: Operation{Kind: OpEnable}},
		{name: "bad name", id: extension.Identity{Repository: "acme/widget", Name: "../x"}, op: Operation{Kind: OpEnable}},
		{name: "install without tag", id: widget, op: Operation{Kind: OpInstall}},
		{name: "update without tag", id: widget, op: Operation{Kind: OpUpdate}},
		{name: "unknown kind", id: widget, op: Operation{Kind: "explode"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.orch.Submit(tt.id, tt.op); !apperr.IsKind(err, apperr.KindInvalid) {
				t.Errorf("Submit() = %v, want invalid", err)
			}
		})
	}
}

func TestSameIdentityRunsInSubmissionOrder(t *testing.T) {
	f := newFixture(t, nil)
	release := f.rt.gate("acme/widget")

	ops := []Operation{
		{Kind: OpInstall, Tag: "1.0"},
		{Kind: OpUpdate, Tag: "2.0"},
		{Kind: OpDisable},
	}
	var tickets []*Ticket
	for _, op := range ops {
		tk, err := f.orch.Submit(widget, op)
		if err != nil {
			t.Fatalf("Submit(%s) error: %v", op.Kind, err)
		}
		tickets = append(tickets, tk)
	}
	release()

	for _, tk := range tickets {
		if err := tk.Wait(context.Background()); err != nil {
			t.Fatalf("%s failed: %v", tk.Kind, err)
		}
	}

	want := []string{"installing", "running", "updating", "running", "stopped"}
	got := f.sink.sequence("widget")
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	st := f.status(widget)
	if st.DesiredTag != "2.0" || st.DesiredEnabled || st.State != extension.StateStopped {
		t.Errorf("unexpected final status %+v", st)
	}
}

func TestDifferentIdentitiesRunConcurrently(t *testing.T) {
	f := newFixture(t, nil)
	release := f.rt.gate("acme/widget")
	defer release()

	slow, err := f.orch.Submit(widget, Operation{Kind: OpInstall, Tag: "1.0"})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orch.Do(ctx, gadget, Operation{Kind: OpInstall, Tag: "0.1"}); err != nil {
		t.Fatalf("gadget install blocked or failed: %v", err)
	}
	select {
	case <-slow.Done():
		t.Fatal("widget install finished while its pull was blocked")
	default:
	}
	waitFor(t, "widget to be installing", func() bool {
		st, _ := f.orch.Status(widget)
		return st.State == extension.StateInstalling
	})

	release()
	if err := slow.Wait(ctx); err != nil {
		t.Fatalf("widget install: %v", err)
	}
}

func TestCancelPendingOperation(t *testing.T) {
	f := newFixture(t, nil)
	release := f.rt.gate("acme/widget")

	install, err := f.orch.Submit(widget, Operation{Kind: OpInstall, Tag: "1.0"})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	waitFor(t, "install to start", func() bool { return install.Status() == store.OpRunning })

	update, err := f.orch.Submit(widget, Operation{Kind: OpUpdate, Tag: "2.0"})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := f.orch.Cancel(update.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if err := update.Wait(context.Background()); !apperr.IsKind(err, apperr.KindCancelled) {
		t.Errorf("cancelled update = %v, want cancelled", err)
	}
	if err := f.orch.Cancel(install.ID); !apperr.IsKind(err, apperr.KindConflict) {
		t.Errorf("Cancel(running) = %v, want conflict", err)
	}
	if err := f.orch.Cancel("no-such-op"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("Cancel(unknown) = %v, want not found", err)
	}

	release()
	if err := install.Wait(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	f.barrier(widget)
	if st := f.status(widget); st.DesiredTag != "1.0" {
		t.Errorf("cancelled update ran: %+v", st)
	}
	rec, err := f.db.GetOperation(update.ID)
	if err != nil {
		t.Fatalf("GetOperation() error: %v", err)
	}
	if rec.Status != store.OpCancelled {
		t.Errorf("recorded status = %q, want cancelled", rec.Status)
	}
}

func TestUpdateLeavesOneLiveContainer(t *testing.T) {
	f := newFixture(t, nil)
	f.do(widget, Operation{Kind: OpInstall, Tag: "1.0"})
	f.do(widget, Operation{Kind: OpUpdate, Tag: "2.0"})

	live := f.live("widget")
	if len(live) != 1 || live[0].Labels[container.LabelDigest] != "sha256:def" {
		t.Fatalf("live containers = %+v", live)
	}
	for _, c := range f.rt.Containers() {
		if c.Labels[container.LabelDigest] == "sha256:abc" {
			t.Errorf("container %s of sha256:abc remains", c.ID)
		}
	}

	before := f.rt.Calls(containertest.OpCreate) + f.rt.Calls(containertest.OpStop) + f.rt.Calls(containertest.OpRemove)
	f.do(widget, Operation{Kind: OpUpdate, Tag: "2.0"})
	if after := f.rt.Calls(containertest.OpCreate) + f.rt.Calls(containertest.OpStop) + f.rt.Calls(containertest.OpRemove); after != before {
		t.Errorf("repeated update mutated containers")
	}
}

func TestDeleteVersionInUse(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.do(widget, Operation{Kind: OpInstall, Tag: "1.0"})

	if err := f.resolver.Delete(ctx, "acme/widget", "1.0"); !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("Delete(in use) = %v, want conflict", err)
	}
	if _, err := f.resolver.LocalVersions(ctx, "acme/widget"); err != nil {
		t.Fatalf("LocalVersions() error: %v", err)
	}

	f.do(widget, Operation{Kind: OpUpdate, Tag: "2.0"})
	if err := f.resolver.Delete(ctx, "acme/widget", "1.0"); err != nil {
		t.Fatalf("Delete() after update: %v", err)
	}
	local, err := f.resolver.LocalVersions(ctx, "acme/widget")
	if err != nil {
		t.Fatalf("LocalVersions() error: %v", err)
	}
	for _, e := range local {
		if e.Tag == "1.0" {
			t.Error("deleted version still listed")
		}
	}
	if !f.orch.InUse("docker.io/acme/widget", "2.0") {
		t.Error("InUse() should normalize the repository")
	}
}

func TestReconcileDetectsDriftDespiteHangingInspect(t *testing.T) {
	f := newFixture(t, nil)
	f.do(widget, Operation{Kind: OpInstall, Tag: "1.0"})
	f.do(gadget, Operation{Kind: OpInstall, Tag: "0.1"})

	f.rt.hangInspect(f.status(widget).ContainerID)
	f.rt.Kill(f.status(gadget).ContainerID, 1)

	started := time.Now()
	f.orch.Reconcile(context.Background())
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Errorf("Reconcile() took %s", elapsed)
	}
	f.barrier(gadget)
	f.barrier(widget)

	if st := f.status(gadget); st.State != extension.StateStopped || !st.Drift {
		t.Errorf("gadget status = %+v, want stopped with drift", st)
	}
	if st := f.status(widget); st.State != extension.StateRunning {
		t.Errorf("widget state = %q, an inspect timeout must not change it", st.State)
	}
}

func TestAutoRestart(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutoRestart = true; c.MaxRestartAttempts = 3 })
	f.do(widget, Operation{Kind: OpInstall, Tag: "1.0"})
	cid := f.status(widget).ContainerID
	f.rt.Kill(cid, 137)

	f.orch.Reconcile(context.Background())
	waitFor(t, "restart", func() bool {
		st, _ := f.orch.Status(widget)
		return st.State == extension.StateRunning && st.Running
	})
	if live := f.live("widget"); len(live) != 1 || live[0].ID != cid {
		t.Errorf("expected the crashed container to be restarted, live = %+v", live)
	}
}

func TestAutoRestartGivesUp(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutoRestart = true; c.MaxRestartAttempts = 1 })
	f.do(widget, Operation{Kind: OpInstall, Tag: "1.0"})
	f.rt.SetHook(containertest.OpStart, func(context.Context) error {
		return apperr.New(apperr.KindRuntime, "exec format error")
	})
	f.rt.Kill(f.status(widget).ContainerID, 1)

	waitFor(t, "failed state", func() bool {
		f.orch.Reconcile(context.Background())
		f.barrier(widget)
		st, _ := f.orch.Status(widget)
		return st.State == extension.StateFailed
	})
	st := f.status(widget)
	if st.LastStep != "start" || !strings.Contains(st.LastError, "did not keep running") {
		t.Errorf("unexpected failure %+v", st)
	}
}

func TestNoRestartWhenDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutoRestart = true })
	f.do(widget, Operation{Kind: OpInstall, Tag: "1.0"})
	f.do(widget, Operation{Kind: OpDisable})
	creates := f.rt.Calls(containertest.OpCreate)

	f.orch.Reconcile(context.Background())
	f.barrier(widget)
	time.Sleep(20 * time.Millisecond)
	f.barrier(widget)
	if f.rt.Calls(containertest.OpCreate) != creates || len(f.live("widget")) != 0 {
		t.Error("disabled extension was restarted")
	}
}

func TestStartConvergesAfterCrash(t *testing.T) {
	f := newFixture(t, nil)
	f.do(widget, Operation{Kind: OpInstall, Tag: "1.0"})
	old := f.status(widget).ContainerID
	f.orch.Close()

	// The process died after stopping the old container of a stop-first
	// update and before the new one existed.
	if err := f.rt.Stop(context.Background(), old, 0); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	rec, err := f.db.GetExtension(widget.Repository, widget.Name)
	if err != nil {
		t.Fatalf("GetExtension() error: %v", err)
	}
	rec.State = store.StateUpdating
	rec.PendingTag, rec.PendingDigest = "2.0", "sha256:def"
	rec.PreviousTag, rec.PreviousDigest = rec.DesiredTag, rec.PinnedDigest
	if err := f.db.SaveExtension(rec); err != nil {
		t.Fatalf("SaveExtension() error: %v", err)
	}
	interrupted := &store.Operation{ID: "op-1", Repository: widget.Repository, Name: widget.Name, Kind: "update", Status: store.OpRunning}
	if err := f.db.CreateOperation(interrupted); err != nil {
		t.Fatalf("CreateOperation() error: %v", err)
	}

	f.orch = f.start()

	st := f.status(widget)
	if st.State != extension.StateRunning || st.DesiredTag != "1.0" || st.ContainerID != old {
		t.Errorf("status after restart = %+v, want the previous version running", st)
	}
	if live := f.live("widget"); len(live) != 1 {
		t.Errorf("%d live containers", len(live))
	}
	op, err := f.db.GetOperation("op-1")
	if err != nil {
		t.Fatalf("GetOperation() error: %v", err)
	}
	if op.Status != store.OpInterrupted {
		t.Errorf("operation status = %q, want interrupted", op.Status)
	}
}

func TestCloseCancelsPendingOperations(t *testing.T) {
	f := newFixture(t, nil)
	release := f.rt.gate("acme/widget")

	install, err := f.orch.Submit(widget, Operation{Kind: OpInstall, Tag: "1.0"})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	waitFor(t, "install to start", func() bool { return install.Status() == store.OpRunning })
	pending, err := f.orch.Submit(widget, Operation{Kind: OpDisable})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		f.orch.Close()
		close(closed)
	}()
	if err := pending.Wait(context.Background()); !apperr.IsKind(err, apperr.KindCancelled) {
		t.Errorf("pending op = %v, want cancelled", err)
	}
	release()
	<-closed

	if err := install.Err(); err != nil {
		t.Errorf("running install should complete, got %v", err)
	}
	if _, err := f.orch.Submit(widget, Operation{Kind: OpEnable}); !apperr.IsKind(err, apperr.KindConflict) {
		t.Errorf("Submit() after Close = %v, want conflict", err)
	}
}

func TestLogs(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.Logs(context.Background(), widget, container.LogOptions{}); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("Logs() before install = %v", err)
	}
	f.do(widget, Operation{Kind: OpInstall, Tag: "1.0"})
	f.rt.SetLogs(f.status(widget).ContainerID, "ready\n")
	rc, err := f.orch.Logs(context.Background(), widget, container.LogOptions{})
	if err != nil {
		t.Fatalf("Logs() error: %v", err)
	}
	rc.Close()
}

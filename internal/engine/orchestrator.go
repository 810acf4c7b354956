// Package engine runs the extension state machines. Operations on one
// extension are executed strictly in submission order by that extension's
// worker; different extensions proceed independently. A reconcile loop feeds
// runtime observations back into the machines and restarts drifted extensions.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/container"
	"github.com/BadgerOps/kraken/internal/extension"
	"github.com/BadgerOps/kraken/internal/store"
)

// Config tunes the orchestrator.
type Config struct {
	ReconcileInterval  time.Duration
	InspectTimeout     time.Duration
	AutoRestart        bool
	RestartBackoff     time.Duration
	MaxRestartBackoff  time.Duration
	MaxRestartAttempts int
	// OperationHistory is how many operations are kept in the store.
	OperationHistory int
	Machine          extension.Config
}

// Orchestrator owns one state machine per extension identity.
type Orchestrator struct {
	deps   extension.Deps
	cfg    Config
	logger *slog.Logger

	// ctx outlives callers: operations run to completion even when the
	// submitter stops waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queues   map[extension.Identity]*queue
	restarts map[extension.Identity]*restartState
	closed   bool

	stopping chan struct{}
	workers  sync.WaitGroup
	loops    sync.WaitGroup
}

// queue serializes the work of one identity.
type queue struct {
	id      extension.Identity
	machine *extension.Machine

	mu      sync.Mutex
	pending []*job
	wake    chan struct{}

	// observing is set while an observation waits in the queue.
	observing atomic.Bool
}

type restartState struct {
	attempts int
	timer    *time.Timer
}

// New creates an orchestrator. Call Start to recover persisted extensions and
// run the reconcile loop.
func New(deps extension.Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 15 * time.Second
	}
	if cfg.InspectTimeout <= 0 {
		cfg.InspectTimeout = 5 * time.Second
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 5 * time.Second
	}
	if cfg.OperationHistory <= 0 {
		cfg.OperationHistory = 500
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[extension.Identity]*queue),
		restarts: make(map[extension.Identity]*restartState),
		stopping: make(chan struct{}),
	}
}

// Start recovers every persisted extension, then runs the reconcile loop until
// Close. It returns once recovery finished.
func (o *Orchestrator) Start(ctx context.Context) error {
	if n, err := o.deps.Store.MarkInterruptedOperations(); err != nil {
		return apperr.Wrap(apperr.KindStorage, err, "marking interrupted operations")
	} else if n > 0 {
		o.logger.Warn("operations interrupted by the previous run", "count", n)
	}
	if err := o.deps.Store.PruneOperations(o.cfg.OperationHistory); err != nil {
		o.logger.Warn("failed to prune operation history", "error", err)
	}

	records, err := o.deps.Store.ListExtensions()
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, err, "loading extensions")
	}

	tickets := make([]*Ticket, 0, len(records))
	for _, rec := range records {
		m := extension.Load(rec, o.deps, o.cfg.Machine, o.logger)
		if err := o.adopt(m); err != nil {
			return err
		}
		t, err := o.enqueue(m.Identity(), opRecover, func(ctx context.Context, m *extension.Machine) error {
			return m.Recover(ctx)
		}, nil)
		if err != nil {
			return err
		}
		tickets = append(tickets, t)
	}
	for _, t := range tickets {
		if err := t.Wait(ctx); err != nil {
			if apperr.IsKind(err, apperr.KindCancelled) && ctx.Err() != nil {
				return err
			}
			o.logger.Warn("recovery incomplete", "extension", t.Identity.String(), "error", err)
		}
	}
	o.logger.Info("orchestrator started", "extensions", len(records))

	o.loops.Add(1)
	go o.reconcileLoop()
	return nil
}

// Close stops the reconcile loop, cancels operations that have not started and
// waits for the running ones to finish.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	queues := make([]*queue, 0, len(o.queues))
	for _, q := range o.queues {
		queues = append(queues, q)
	}
	for id, rs := range o.restarts {
		if rs.timer != nil {
			rs.timer.Stop()
		}
		delete(o.restarts, id)
	}
	o.mu.Unlock()

	for _, q := range queues {
		for _, j := range q.drain() {
			o.finish(j, store.OpCancelled, apperr.New(apperr.KindCancelled, "orchestrator shutting down"))
		}
	}
	close(o.stopping)
	o.loops.Wait()
	o.workers.Wait()
	o.cancel()
	return nil
}

// ============================================================================
// Submission
// ============================================================================

// Submit queues op behind every earlier operation on ident.
func (o *Orchestrator) Submit(ident extension.Identity, op Operation) (*Ticket, error) {
	if err := ident.Validate(); err != nil {
		return nil, err
	}
	run, err := op.runner()
	if err != nil {
		return nil, err
	}
	kind := op.Kind
	if kind == OpRemove || kind == OpDisable {
		inner := run
		run = func(ctx context.Context, m *extension.Machine) error {
			err := inner(ctx, m)
			if err == nil {
				o.resetRestarts(m.Identity())
			}
			return err
		}
	}
	return o.enqueue(ident, kind, run, newRecord)
}

// Do submits op and waits for it.
func (o *Orchestrator) Do(ctx context.Context, ident extension.Identity, op Operation) error {
	t, err := o.Submit(ident, op)
	if err != nil {
		return err
	}
	return t.Wait(ctx)
}

// Cancel withdraws an operation that has not started yet.
func (o *Orchestrator) Cancel(opID string) error {
	o.mu.Lock()
	queues := make([]*queue, 0, len(o.queues))
	for _, q := range o.queues {
		queues = append(queues, q)
	}
	o.mu.Unlock()

	for _, q := range queues {
		if j := q.remove(opID); j != nil {
			o.finish(j, store.OpCancelled, apperr.New(apperr.KindCancelled, "operation "+opID+" cancelled"))
			return nil
		}
	}

	if op, err := o.deps.Store.GetOperation(opID); err == nil {
		return apperr.New(apperr.KindConflict, "operation "+opID+" is "+op.Status+" and cannot be cancelled")
	}
	return apperr.New(apperr.KindNotFound, "operation not found: "+opID)
}

func (o *Orchestrator) enqueue(ident extension.Identity, kind OpKind, run runFunc, record func(*Ticket) *store.Operation) (*Ticket, error) {
	t := newTicket(uuid.NewString(), ident, kind)
	j := &job{ticket: t, run: run}
	if record != nil {
		j.record = record(t)
		if err := o.deps.Store.CreateOperation(j.record); err != nil {
			o.logger.Warn("failed to record operation", "op_id", t.ID, "error", err)
			j.record = nil
		}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		err := apperr.New(apperr.KindConflict, "orchestrator is shutting down")
		o.finish(j, store.OpCancelled, err)
		return nil, err
	}
	q := o.queueLocked(ident, nil)
	q.push(j)
	o.mu.Unlock()
	return t, nil
}

// adopt registers a loaded machine.
func (o *Orchestrator) adopt(m *extension.Machine) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return apperr.New(apperr.KindConflict, "orchestrator is shutting down")
	}
	if _, ok := o.queues[m.Identity()]; ok {
		return apperr.New(apperr.KindConflict, m.Identity().String()+" is already loaded")
	}
	o.queueLocked(m.Identity(), m)
	return nil
}

// caller holds o.mu
func (o *Orchestrator) queueLocked(ident extension.Identity, m *extension.Machine) *queue {
	if q, ok := o.queues[ident]; ok {
		return q
	}
	if m == nil {
		m = extension.New(ident, o.deps, o.cfg.Machine, o.logger)
	}
	q := &queue{id: ident, machine: m, wake: make(chan struct{}, 1)}
	o.queues[ident] = q
	o.workers.Add(1)
	go o.work(q)
	return q
}

// ============================================================================
// Workers
// ============================================================================

func (o *Orchestrator) work(q *queue) {
	defer o.workers.Done()
	for {
		j := q.pop()
		if j == nil {
			select {
			case <-q.wake:
				continue
			case <-o.stopping:
				if j := q.pop(); j != nil {
					o.run(q, j)
					continue
				}
				return
			}
		}
		o.run(q, j)
	}
}

func (o *Orchestrator) run(q *queue, j *job) {
	t := j.ticket
	if !t.start() {
		return
	}
	logger := o.logger.With("op_id", t.ID, "op", string(t.Kind), "extension", q.id.String())
	ctx := slogcontext.NewCtx(o.ctx, logger)

	if j.record != nil {
		j.record.Status = store.OpRunning
		j.record.StartedAt = time.Now().UTC()
		if err := o.deps.Store.UpdateOperation(j.record); err != nil {
			logger.Warn("failed to record operation start", "error", err)
		}
		logger.Info("operation started")
	}

	started := time.Now()
	err := o.safeRun(ctx, q.machine, j.run)
	if err != nil {
		o.finish(j, store.OpFailed, err)
		if j.record != nil {
			logger.Error("operation failed", "step", apperr.StepOf(err), "error", err, "duration", time.Since(started))
		}
		return
	}
	o.finish(j, store.OpSucceeded, nil)
	if j.record != nil {
		logger.Info("operation finished", "duration", time.Since(started))
	}
}

func (o *Orchestrator) safeRun(ctx context.Context, m *extension.Machine, run runFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slogcontext.FromCtx(ctx).Error("operation panicked", "panic", r)
			err = apperr.New(apperr.KindUnknown, fmt.Sprintf("operation panicked: %v", r))
		}
	}()
	return run(ctx, m)
}

func (o *Orchestrator) finish(j *job, status string, err error) {
	if r := j.record; r != nil {
		r.Status = status
		r.FinishedAt = time.Now().UTC()
		if err != nil {
			r.Error = err.Error()
			r.Step = string(apperr.StepOf(err))
		}
		if uerr := o.deps.Store.UpdateOperation(r); uerr != nil {
			o.logger.Warn("failed to record operation result", "op_id", r.ID, "error", uerr)
		}
	}
	j.ticket.finish(status, err)
}

func (q *queue) push(j *job) {
	q.mu.Lock()
	q.pending = append(q.pending, j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) pop() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	j := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return j
}

func (q *queue) remove(opID string) *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.pending {
		if j.ticket.ID == opID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return j
		}
	}
	return nil
}

func (q *queue) drain() []*job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// ============================================================================
// Queries
// ============================================================================

// Status returns the snapshot of one extension.
func (o *Orchestrator) Status(ident extension.Identity) (extension.Status, error) {
	o.mu.Lock()
	q, ok := o.queues[ident]
	o.mu.Unlock()
	if !ok {
		return extension.Status{}, apperr.New(apperr.KindNotFound, ident.String()+" is not installed")
	}
	st := q.machine.Status()
	if st.State == extension.StateUninstalled {
		return st, apperr.New(apperr.KindNotFound, ident.String()+" is not installed")
	}
	return st, nil
}

// List returns the snapshots of every known extension, including failed
// installs, ordered by repository and name.
func (o *Orchestrator) List() []extension.Status {
	o.mu.Lock()
	out := make([]extension.Status, 0, len(o.queues))
	for _, q := range o.queues {
		if st := q.machine.Status(); st.State != extension.StateUninstalled {
			out = append(out, st)
		}
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Repository != out[j].Repository {
			return out[i].Repository < out[j].Repository
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// InUse reports whether repository:tag is the desired or pending version of an
// installed extension.
func (o *Orchestrator) InUse(repository, tag string) bool {
	want := container.FamiliarName(repository)
	for _, st := range o.List() {
		if container.FamiliarName(st.Repository) != want {
			continue
		}
		if st.DesiredTag == tag || st.PendingTag == tag {
			return true
		}
	}
	return false
}

// Operations returns the recorded operations of ident, newest first. A zero
// identity lists every extension.
func (o *Orchestrator) Operations(ident extension.Identity, limit int) ([]store.Operation, error) {
	ops, err := o.deps.Store.ListOperations(ident.Repository, ident.Name, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, err, "listing operations")
	}
	return ops, nil
}

// Logs streams the output of an extension's container.
func (o *Orchestrator) Logs(ctx context.Context, ident extension.Identity, opts container.LogOptions) (io.ReadCloser, error) {
	st, err := o.Status(ident)
	if err != nil {
		return nil, err
	}
	if st.ContainerID == "" {
		return nil, apperr.New(apperr.KindNotFound, ident.String()+" has no container")
	}
	return o.deps.Runtime.Logs(ctx, st.ContainerID, opts)
}

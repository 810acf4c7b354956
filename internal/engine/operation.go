package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/container"
	"github.com/BadgerOps/kraken/internal/extension"
	"github.com/BadgerOps/kraken/internal/store"
)

// OpKind names an operation.
type OpKind string

const (
	OpInstall OpKind = "install"
	OpUpdate  OpKind = "update"
	OpEnable  OpKind = "enable"
	OpDisable OpKind = "disable"
	OpRestart OpKind = "restart"
	OpRemove  OpKind = "remove"

	// Internal kinds, never submitted by callers.
	opRecover OpKind = "recover"
	opObserve OpKind = "observe"
	opHeal    OpKind = "heal"
	opNoop    OpKind = "noop"
)

// Operation is a request to change one extension.
type Operation struct {
	Kind OpKind `json:"kind"`
	// Tag is the target version of install and update.
	Tag string `json:"tag,omitempty"`
	// Settings overrides the manifest permissions on install.
	Settings json.RawMessage `json:"settings,omitempty"`
	// Progress receives pull progress. It is called from the worker goroutine.
	Progress container.ProgressFunc `json:"-"`
}

type runFunc func(ctx context.Context, m *extension.Machine) error

func (op Operation) runner() (runFunc, error) {
	switch op.Kind {
	case OpInstall:
		if op.Tag == "" {
			return nil, apperr.New(apperr.KindInvalid, "install needs a tag")
		}
		req := extension.InstallRequest{Tag: op.Tag, Settings: op.Settings}
		return func(ctx context.Context, m *extension.Machine) error {
			return m.Install(ctx, req, op.Progress)
		}, nil
	case OpUpdate:
		if op.Tag == "" {
			return nil, apperr.New(apperr.KindInvalid, "update needs a tag")
		}
		return func(ctx context.Context, m *extension.Machine) error {
			return m.Update(ctx, op.Tag, op.Progress)
		}, nil
	case OpEnable:
		return func(ctx context.Context, m *extension.Machine) error { return m.Enable(ctx) }, nil
	case OpDisable:
		return func(ctx context.Context, m *extension.Machine) error { return m.Disable(ctx) }, nil
	case OpRestart:
		return func(ctx context.Context, m *extension.Machine) error { return m.Restart(ctx) }, nil
	case OpRemove:
		return func(ctx context.Context, m *extension.Machine) error { return m.Remove(ctx) }, nil
	}
	return nil, apperr.New(apperr.KindInvalid, "unknown operation "+string(op.Kind))
}

// Ticket tracks one submitted operation.
type Ticket struct {
	ID       string             `json:"id"`
	Identity extension.Identity `json:"identity"`
	Kind     OpKind             `json:"kind"`

	done chan struct{}

	mu     sync.Mutex
	status string
	err    error
}

func newTicket(id string, ident extension.Identity, kind OpKind) *Ticket {
	return &Ticket{ID: id, Identity: ident, Kind: kind, done: make(chan struct{}), status: store.OpPending}
}

// Wait blocks until the operation finished and returns its error. Giving up on
// the wait does not cancel the operation.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindCancelled, ctx.Err(), "waiting for operation "+t.ID)
	}
}

// Done is closed once the operation finished.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Status returns the operation status (store.Op* values).
func (t *Ticket) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the operation error once finished.
func (t *Ticket) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Ticket) start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != store.OpPending {
		return false
	}
	t.status = store.OpRunning
	return true
}

func (t *Ticket) finish(status string, err error) {
	t.mu.Lock()
	t.status = status
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// job is a queued unit of work for one identity.
type job struct {
	ticket *Ticket
	run    runFunc
	// record is set for caller operations, which are kept in the history.
	record *store.Operation
}

func newRecord(t *Ticket) *store.Operation {
	return &store.Operation{
		ID:          t.ID,
		Repository:  t.Identity.Repository,
		Name:        t.Identity.Name,
		Kind:        string(t.Kind),
		Status:      store.OpPending,
		SubmittedAt: time.Now().UTC(),
	}
}

package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/container"
	"github.com/BadgerOps/kraken/internal/extension"
)

func (o *Orchestrator) reconcileLoop() {
	defer o.loops.Done()
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(o.ctx)
	defer cancel()
	go func() {
		<-o.stopping
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Reconcile(ctx)
		}
	}
}

// Reconcile inspects the container of every extension that should be running
// and queues the observation behind the extension's pending operations. Each
// inspection has its own timeout, so a hanging runtime call delays only the
// extension it concerns. Reconcile returns once every inspection finished.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	o.mu.Lock()
	queues := make([]*queue, 0, len(o.queues))
	for _, q := range o.queues {
		queues = append(queues, q)
	}
	o.mu.Unlock()

	var g errgroup.Group
	for _, q := range queues {
		st := q.machine.Status()
		if !watched(st) {
			continue
		}
		if q.observing.Load() {
			// The previous observation has not been applied yet.
			continue
		}
		g.Go(func() error {
			if st.ContainerID == "" {
				o.observe(q, "", container.ObservedState{}, apperr.New(apperr.KindNotFound, "no container"))
				return nil
			}
			ictx, cancel := context.WithTimeout(ctx, o.cfg.InspectTimeout)
			obs, err := o.deps.Runtime.Inspect(ictx, st.ContainerID)
			timedOut := ictx.Err() == context.DeadlineExceeded
			cancel()
			if err != nil && timedOut {
				o.logger.Warn("inspect timed out", "extension", q.id.String(), "timeout", o.cfg.InspectTimeout)
				err = apperr.Wrap(apperr.KindRuntime, err, "inspect timed out", apperr.WithStep(apperr.StepInspect), apperr.Transient())
			}
			o.observe(q, st.ContainerID, obs, err)
			return nil
		})
	}
	_ = g.Wait()
}

func watched(st extension.Status) bool {
	return st.State == extension.StateRunning || (st.State == extension.StateStopped && st.DesiredEnabled)
}

func (o *Orchestrator) observe(q *queue, cid string, st container.ObservedState, inspectErr error) {
	if !q.observing.CompareAndSwap(false, true) {
		return
	}
	_, err := o.enqueue(q.id, opObserve, func(ctx context.Context, m *extension.Machine) error {
		q.observing.Store(false)
		m.Observe(ctx, cid, st, inspectErr)
		if s := m.Status(); s.State == extension.StateRunning && s.Running {
			o.resetRestarts(q.id)
		}
		if o.cfg.AutoRestart && m.NeedsHeal() {
			o.scheduleHeal(q.id, m.Status())
		}
		return nil
	}, nil)
	if err != nil {
		q.observing.Store(false)
	}
}

// scheduleHeal queues a restart of a drifted extension after a backoff that
// grows with every attempt. Once MaxRestartAttempts restarts did not keep it
// running, the extension is marked Failed.
func (o *Orchestrator) scheduleHeal(ident extension.Identity, st extension.Status) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	rs := o.restarts[ident]
	if rs == nil {
		rs = &restartState{}
		o.restarts[ident] = rs
	}
	if rs.timer != nil {
		o.mu.Unlock()
		return
	}
	if max := o.cfg.MaxRestartAttempts; max > 0 && rs.attempts >= max {
		delete(o.restarts, ident)
		o.mu.Unlock()

		cause := apperr.New(apperr.KindRuntime, fmt.Sprintf("container did not keep running after %d restarts", max), apperr.WithStep(apperr.StepStart))
		if st.LastError != "" {
			cause = apperr.New(apperr.KindRuntime, fmt.Sprintf("container did not keep running after %d restarts: %s", max, st.LastError), apperr.WithStep(apperr.StepStart))
		}
		o.logger.Error("giving up restarting extension", "extension", ident.String(), "attempts", max)
		if _, err := o.enqueue(ident, opHeal, func(ctx context.Context, m *extension.Machine) error {
			m.GiveUp(ctx, cause)
			return nil
		}, nil); err != nil {
			o.logger.Debug("could not queue give-up", "extension", ident.String(), "error", err)
		}
		return
	}

	rs.attempts++
	attempt := rs.attempts
	delay := container.Backoff(o.cfg.RestartBackoff, o.cfg.MaxRestartBackoff, attempt)
	rs.timer = time.AfterFunc(delay, func() {
		o.mu.Lock()
		if o.restarts[ident] == rs {
			rs.timer = nil
		}
		o.mu.Unlock()

		_, err := o.enqueue(ident, opHeal, func(ctx context.Context, m *extension.Machine) error {
			if !m.NeedsHeal() {
				return nil
			}
			o.logger.Info("restarting drifted extension", "extension", ident.String(), "attempt", attempt)
			if err := m.Heal(ctx); err != nil {
				o.logger.Warn("restart failed", "extension", ident.String(), "attempt", attempt, "error", err)
				return err
			}
			return nil
		}, nil)
		if err != nil {
			o.logger.Debug("could not queue restart", "extension", ident.String(), "error", err)
		}
	})
	o.mu.Unlock()
	o.logger.Info("restart scheduled", "extension", ident.String(), "attempt", attempt, "delay", delay)
}

func (o *Orchestrator) resetRestarts(ident extension.Identity) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rs, ok := o.restarts[ident]; ok {
		if rs.timer != nil {
			rs.timer.Stop()
		}
		delete(o.restarts, ident)
	}
}

package extension

import (
	"context"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/container"
	"github.com/BadgerOps/kraken/internal/events"
)

// Observation is the outcome of feeding an inspection into a machine.
type Observation struct {
	// Drift is set when a Running extension was found not running.
	Drift bool
	// NeedsHeal is set while an enabled extension is not running.
	NeedsHeal bool
	// Healed is set when a drifted extension was found running again.
	Healed bool
}

// Observe applies the result of inspecting containerID. Results for a
// container the machine no longer tracks are ignored, as are inspection
// failures other than not-found.
func (m *Machine) Observe(ctx context.Context, containerID string, st container.ObservedState, inspectErr error) Observation {
	if m.rec == nil || m.state.Transitioning() || containerID != m.rec.ContainerID {
		return Observation{}
	}
	if inspectErr != nil && !apperr.IsKind(inspectErr, apperr.KindNotFound) {
		m.logger.Debug("inspect failed, keeping state", "error", inspectErr)
		return Observation{}
	}
	running := inspectErr == nil && st.Running
	if inspectErr == nil {
		obs := st
		m.observed = &obs
	} else {
		m.observed = &container.ObservedState{ContainerID: containerID, LastChecked: st.LastChecked}
	}

	switch {
	case m.state == StateRunning && !running:
		m.drift = true
		if err := m.persist(StateStopped); err != nil {
			m.logger.Error("failed to record drift", "error", err)
		}
		m.transition(ctx, StateStopped)
		m.emit(ctx, events.TypeDrift)
		m.logger.Warn("extension drifted", "container", shortID(containerID), "status", st.Status)
		return Observation{Drift: true, NeedsHeal: m.rec.DesiredEnabled}

	case m.state == StateStopped && running && m.rec.DesiredEnabled:
		m.drift = false
		if err := m.persist(StateRunning); err != nil {
			m.logger.Error("failed to record recovery", "error", err)
		}
		m.transition(ctx, StateRunning)
		m.emit(ctx, events.TypeHealed)
		return Observation{Healed: true}

	case m.state == StateStopped && !running && m.rec.DesiredEnabled:
		m.publish()
		return Observation{NeedsHeal: true}
	}
	m.publish()
	return Observation{}
}

// NeedsHeal reports whether the extension is enabled but not running.
func (m *Machine) NeedsHeal() bool {
	return m.rec != nil && m.rec.DesiredEnabled && m.state == StateStopped
}

// Heal brings a drifted extension back up at its pinned version.
func (m *Machine) Heal(ctx context.Context) error {
	if !m.NeedsHeal() {
		return nil
	}
	ctx = m.logCtx(ctx, "heal")
	if err := m.bringUp(ctx); err != nil {
		m.lastErr = err
		m.publish()
		return err
	}
	m.emit(ctx, events.TypeHealed)
	return nil
}

// GiveUp marks a drifted extension Failed after healing was abandoned.
func (m *Machine) GiveUp(ctx context.Context, cause error) {
	if !m.NeedsHeal() {
		return
	}
	_ = m.fail(m.logCtx(ctx, "heal"), apperr.Wrap(apperr.KindUnknown, cause, "giving up restarting"))
}

// Recover reconciles a loaded record with the runtime after a restart. An
// interrupted update is finished when its new container runs, and rolled back
// to the previous version otherwise. Containers of the identity other than the
// live one are removed.
func (m *Machine) Recover(ctx context.Context) error {
	if m.rec == nil {
		return nil
	}
	ctx = m.logCtx(ctx, "recover")
	logger := slogcontext.FromCtx(ctx)

	var err error
	switch State(m.rec.State) {
	case StateUpdating:
		err = m.resumeUpdate(ctx)
	case StateFailed:
		m.state = StateFailed
		m.publish()
	default:
		err = m.recoverSteady(ctx)
	}
	m.removeOrphans(ctx, m.rec.ContainerID)
	if err != nil {
		logger.Error("recovery failed", "error", err)
	}
	return err
}

func (m *Machine) resumeUpdate(ctx context.Context) error {
	logger := slogcontext.FromCtx(ctx)
	pending := m.rec.PendingContainerID
	if pending == "" {
		// The new container may have started before its ID was recorded.
		pending = m.unrecordedPending(ctx)
	}
	if pending != "" {
		callCtx, cancel := m.callCtx(ctx)
		st, err := m.deps.Runtime.Inspect(callCtx, pending)
		cancel()
		if err == nil && st.Running {
			logger.Info("adopting container of interrupted update", "tag", m.rec.PendingTag, "container", shortID(pending))
			if old := m.rec.ContainerID; old != "" && old != pending {
				if err := m.teardown(ctx, old); err != nil {
					logger.Warn("removing previous container failed", "error", err)
				}
			}
			m.rec.DesiredTag = m.rec.PendingTag
			m.rec.PinnedDigest = m.rec.PendingDigest
			m.rec.ContainerID = pending
			m.clearPending()
			return m.markRunning(ctx, pending)
		}
		m.removeQuietly(ctx, pending)
	}

	logger.Info("rolling back interrupted update", "tag", m.rec.PreviousTag, "pending", m.rec.PendingTag)
	if m.rec.PreviousDigest != "" {
		m.rec.DesiredTag = m.rec.PreviousTag
		m.rec.PinnedDigest = m.rec.PreviousDigest
	}
	m.clearPending()
	m.state = StateUpdating
	m.removeOrphans(ctx, m.rec.ContainerID)
	if err := m.restorePrevious(ctx, m.rec.ContainerID); err != nil {
		return m.fail(ctx, apperr.Wrap(apperr.KindUnknown, err, "update interrupted and previous version cannot start"))
	}
	return m.markRunning(ctx, m.rec.ContainerID)
}

// unrecordedPending returns a running container of the identity that carries
// the pending digest and is not the recorded one.
func (m *Machine) unrecordedPending(ctx context.Context) string {
	if m.rec.PendingDigest == "" {
		return ""
	}
	callCtx, cancel := m.callCtx(ctx)
	found, err := m.deps.Runtime.List(callCtx, container.IdentityLabels(m.id.Repository, m.id.Name))
	cancel()
	if err != nil {
		slogcontext.FromCtx(ctx).Warn("listing containers failed", "error", err)
		return ""
	}
	for _, st := range found {
		if st.ContainerID != m.rec.ContainerID && st.Running && st.Labels[container.LabelDigest] == m.rec.PendingDigest {
			return st.ContainerID
		}
	}
	return ""
}

func (m *Machine) recoverSteady(ctx context.Context) error {
	if !m.rec.DesiredEnabled {
		if cid := m.rec.ContainerID; cid != "" {
			m.removeQuietly(ctx, cid)
			m.rec.ContainerID = ""
		}
		m.state = StateStopped
		return m.persistQuiet(ctx, StateStopped)
	}
	if m.rec.ContainerID == "" {
		m.state = StateStopped
		m.drift = true
		return m.persistQuiet(ctx, StateStopped)
	}

	callCtx, cancel := m.callCtx(ctx)
	st, err := m.deps.Runtime.Inspect(callCtx, m.rec.ContainerID)
	cancel()
	switch {
	case err == nil && st.Running:
		obs := st
		m.observed = &obs
		m.state = StateRunning
		return m.persistQuiet(ctx, StateRunning)
	case err == nil || apperr.IsKind(err, apperr.KindNotFound):
		if err == nil {
			obs := st
			m.observed = &obs
		}
		m.state = StateStopped
		m.drift = true
		m.emit(ctx, events.TypeDrift)
		return m.persistQuiet(ctx, StateStopped)
	default:
		// Runtime unavailable: keep the recorded state until the next
		// reconcile tick can tell.
		m.publish()
		return apperr.Wrap(apperr.KindUnknown, err, "inspecting container", apperr.WithStep(apperr.StepInspect))
	}
}

func (m *Machine) persistQuiet(ctx context.Context, state State) error {
	err := m.persist(state)
	m.publish()
	if err != nil {
		slogcontext.FromCtx(ctx).Error("failed to persist recovered state", "error", err)
	}
	return err
}

package extension

import (
	"context"
	"encoding/json"
	"fmt"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/container"
	"github.com/BadgerOps/kraken/internal/version"
)

// Update moves the extension to tag. Updating to the version already running
// is a no-op.
//
// With the stop-first strategy the old container is stopped before the new one
// is created; the pending and previous versions are persisted first so an
// interrupted update can be resumed by Recover. With start-first the new
// container must be running before the old one is removed.
func (m *Machine) Update(ctx context.Context, tag string, progress container.ProgressFunc) error {
	if err := m.requireInstalled(); err != nil {
		return err
	}
	if m.state != StateRunning && m.state != StateStopped {
		return m.illegal("update")
	}
	ctx = m.logCtx(ctx, "update")
	logger := slogcontext.FromCtx(ctx)

	res, settings, err := m.prepare(ctx, tag, nil, true, progress)
	if err != nil {
		m.lastErr = err
		m.publish()
		return err
	}

	if m.satisfied(ctx, res) {
		logger.Debug("already at requested version", "tag", res.Tag, "digest", res.Digest)
		return nil
	}

	if !m.rec.DesiredEnabled {
		// Nothing runs; only the desired version moves.
		m.rec.DesiredTag = res.Tag
		m.rec.PinnedDigest = res.Digest
		m.rec.Settings = string(settings)
		if err := m.persist(StateStopped); err != nil {
			return m.fail(ctx, err)
		}
		m.transition(ctx, StateStopped)
		return nil
	}

	strategy := m.cfg.UpdateStrategy
	if strategy == StrategyStartFirst && (publishesHost(settings) || publishesHost(json.RawMessage(m.rec.Settings))) {
		logger.Info("host networking or published ports, falling back to stop-first")
		strategy = StrategyStopFirst
	}

	from := m.state
	m.rec.PendingTag = res.Tag
	m.rec.PendingDigest = res.Digest
	m.rec.PendingContainerID = ""
	m.rec.PreviousTag = m.rec.DesiredTag
	m.rec.PreviousDigest = m.rec.PinnedDigest
	if err := m.persist(StateUpdating); err != nil {
		m.clearPending()
		m.rec.State = string(from)
		m.lastErr = err
		m.publish()
		return err
	}
	m.transition(ctx, StateUpdating)
	logger.Info("updating extension", "from", m.rec.PreviousTag, "tag", res.Tag, "digest", res.Digest, "strategy", strategy)

	if strategy == StrategyStartFirst {
		err = m.startFirst(ctx, res, settings)
	} else {
		err = m.stopFirst(ctx, res, settings)
	}
	if err != nil {
		return err
	}
	logger.Info("extension updated", "tag", res.Tag, "digest", res.Digest)
	return nil
}

// satisfied reports whether res is already the running (or, for a disabled
// extension, the desired) version.
func (m *Machine) satisfied(ctx context.Context, res version.Resolution) bool {
	if res.Tag != m.rec.DesiredTag || res.Digest != m.rec.PinnedDigest {
		return false
	}
	if !m.rec.DesiredEnabled {
		return true
	}
	if m.state != StateRunning || m.rec.ContainerID == "" {
		return false
	}
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	st, err := m.deps.Runtime.Inspect(callCtx, m.rec.ContainerID)
	return err == nil && st.Running
}

func (m *Machine) stopFirst(ctx context.Context, res version.Resolution, settings json.RawMessage) error {
	old := m.rec.ContainerID
	if old != "" {
		if err := m.stop(ctx, old); err != nil {
			return m.abortUpdate(ctx, err, old, "")
		}
	}

	cid, err := m.createContainer(ctx, res, settings)
	if err != nil {
		return m.abortUpdate(ctx, err, old, "")
	}
	m.rec.PendingContainerID = cid
	if err := m.persist(StateUpdating); err != nil {
		return m.abortUpdate(ctx, err, old, cid)
	}
	if err := m.confirmRunning(ctx, cid); err != nil {
		return m.abortUpdate(ctx, err, old, cid)
	}

	if old != "" {
		m.removeQuietly(ctx, old)
	}
	return m.commitUpdate(ctx, res, settings, cid)
}

func (m *Machine) startFirst(ctx context.Context, res version.Resolution, settings json.RawMessage) error {
	old := m.rec.ContainerID
	cid, err := m.createContainer(ctx, res, settings)
	if err != nil {
		return m.abortUpdate(ctx, err, old, "")
	}
	m.rec.PendingContainerID = cid
	if err := m.persist(StateUpdating); err != nil {
		return m.abortUpdate(ctx, err, old, cid)
	}
	if err := m.confirmRunning(ctx, cid); err != nil {
		return m.abortUpdate(ctx, err, old, cid)
	}

	if old != "" {
		if err := m.teardown(ctx, old); err != nil {
			slogcontext.FromCtx(ctx).Warn("old container did not go away cleanly", "container", shortID(old), "error", err)
		}
	}
	return m.commitUpdate(ctx, res, settings, cid)
}

func (m *Machine) confirmRunning(ctx context.Context, cid string) error {
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	st, err := m.deps.Runtime.Inspect(callCtx, cid)
	if err != nil {
		return apperr.Wrap(apperr.KindUnknown, err, "confirming new container", apperr.WithStep(apperr.StepStart))
	}
	if !st.Running {
		msg := "new container exited"
		if st.ExitCode != nil {
			msg = fmt.Sprintf("new container exited with code %d", *st.ExitCode)
		}
		return apperr.New(apperr.KindRuntime, msg, apperr.WithStep(apperr.StepStart))
	}
	return nil
}

func (m *Machine) commitUpdate(ctx context.Context, res version.Resolution, settings json.RawMessage, cid string) error {
	m.rec.DesiredTag = res.Tag
	m.rec.PinnedDigest = res.Digest
	m.rec.Settings = string(settings)
	m.rec.ContainerID = cid
	m.clearPending()
	if err := m.persist(StateRunning); err != nil {
		// The new container runs; the record still describes an update that
		// Recover will adopt.
		return m.fail(ctx, err)
	}
	m.lastErr = nil
	m.drift = false
	m.setObserved(cid, true)
	m.transition(ctx, StateRunning)
	return nil
}

// abortUpdate removes the new container and falls back to the previous
// version. The update error is returned either way; the extension ends Running
// on the previous version, or Failed when that cannot be started either.
func (m *Machine) abortUpdate(ctx context.Context, cause error, old, created string) error {
	logger := slogcontext.FromCtx(ctx)
	logger.Warn("update failed, rolling back", "step", apperr.StepOf(cause), "error", cause)
	if created != "" {
		m.removeQuietly(ctx, created)
	}
	m.clearPending()
	m.lastErr = cause

	if err := m.restorePrevious(ctx, old); err != nil {
		m.lastErr = apperr.Wrap(apperr.KindUnknown, cause, "rollback failed: "+err.Error())
		_ = m.fail(ctx, m.lastErr)
		return m.lastErr
	}
	if err := m.persist(StateRunning); err != nil {
		return m.fail(ctx, err)
	}
	m.setObserved(m.rec.ContainerID, true)
	m.transition(ctx, StateRunning)
	m.lastErr = cause
	m.publish()
	return cause
}

// restorePrevious gets the recorded version running again: the old container
// is started if it still exists, otherwise recreated at the pinned digest.
func (m *Machine) restorePrevious(ctx context.Context, old string) error {
	if old != "" {
		callCtx, cancel := m.callCtx(ctx)
		st, err := m.deps.Runtime.Inspect(callCtx, old)
		cancel()
		if err == nil {
			if st.Running {
				return nil
			}
			callCtx, cancel := m.callCtx(ctx)
			err = m.deps.Runtime.Start(callCtx, old)
			cancel()
			if err == nil {
				return nil
			}
			slogcontext.FromCtx(ctx).Warn("restarting previous container failed", "container", shortID(old), "error", err)
		}
		m.removeQuietly(ctx, old)
		m.rec.ContainerID = ""
	}
	res, err := m.pinned(ctx, m.rec.DesiredTag, m.rec.PinnedDigest)
	if err != nil {
		return err
	}
	cid, err := m.createContainer(ctx, res, json.RawMessage(m.rec.Settings))
	if err != nil {
		return err
	}
	m.rec.ContainerID = cid
	return nil
}

func (m *Machine) clearPending() {
	m.rec.PendingTag = ""
	m.rec.PendingDigest = ""
	m.rec.PendingContainerID = ""
	m.rec.PreviousTag = ""
	m.rec.PreviousDigest = ""
}

// publishesHost reports whether settings bind host resources that two
// containers cannot share.
func publishesHost(settings json.RawMessage) bool {
	if len(settings) == 0 {
		return false
	}
	var s struct {
		HostConfig struct {
			NetworkMode     string                     `json:"NetworkMode"`
			PortBindings    map[string]json.RawMessage `json:"PortBindings"`
			PublishAllPorts bool                       `json:"PublishAllPorts"`
		} `json:"HostConfig"`
	}
	if err := json.Unmarshal(settings, &s); err != nil {
		return true
	}
	hc := s.HostConfig
	return hc.NetworkMode == "host" || len(hc.PortBindings) > 0 || hc.PublishAllPorts
}

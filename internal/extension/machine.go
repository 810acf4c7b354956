// Package extension implements the lifecycle of one installed extension: it
// tracks desired against observed state and drives the container runtime and
// the version resolver to close the gap.
//
// A Machine is not safe for concurrent mutation. The orchestrator runs every
// mutating call of one identity through a single queue; Status may be read
// from any goroutine.
package extension

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/container"
	"github.com/BadgerOps/kraken/internal/events"
	"github.com/BadgerOps/kraken/internal/manifest"
	"github.com/BadgerOps/kraken/internal/store"
	"github.com/BadgerOps/kraken/internal/version"
)

// Identity names an extension.
type Identity = manifest.Identity

// State is a lifecycle state.
type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateStopped     State = "stopped"
	StateRunning     State = "running"
	StateUpdating    State = "updating"
	StateFailed      State = "failed"
	StateRemoving    State = "removing"
)

// Transitioning reports whether s is an in-flight state.
func (s State) Transitioning() bool {
	return s == StateInstalling || s == StateUpdating || s == StateRemoving
}

// Update strategies.
const (
	StrategyStopFirst  = "stop-first"
	StrategyStartFirst = "start-first"
)

// Status is a consistent snapshot of a machine.
type Status struct {
	Repository     string     `json:"repository"`
	Name           string     `json:"name"`
	State          State      `json:"state"`
	DesiredTag     string     `json:"desired_tag,omitempty"`
	DesiredEnabled bool       `json:"desired_enabled"`
	PinnedDigest   string     `json:"pinned_digest,omitempty"`
	ContainerID    string     `json:"container_id,omitempty"`
	PendingTag     string     `json:"pending_tag,omitempty"`
	Running        bool       `json:"running"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	LastChecked    *time.Time `json:"last_checked,omitempty"`
	Drift          bool       `json:"drift,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastStep       string     `json:"last_step,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
	// Pull is the progress of the latest image pull, live while it runs.
	Pull *container.PullSnapshot `json:"pull,omitempty"`
}

// Identity returns the identity the status describes.
func (s Status) Identity() Identity {
	return Identity{Repository: s.Repository, Name: s.Name}
}

// Resolver is the part of the version resolver a machine needs.
type Resolver interface {
	Resolve(ctx context.Context, req version.Request) (version.Resolution, error)
	Pull(ctx context.Context, res version.Resolution, progress container.ProgressFunc) (version.Resolution, error)
}

// Manifests is the part of the manifest store a machine needs.
type Manifests interface {
	Get(ctx context.Context, id manifest.Identity) (*manifest.Manifest, error)
	Refresh(ctx context.Context, id manifest.Identity) (*manifest.Manifest, error)
	Delete(id manifest.Identity) error
}

// Deps are the shared resources a machine drives.
type Deps struct {
	Runtime   container.Runtime
	Resolver  Resolver
	Manifests Manifests
	Store     *store.Store
	Events    events.Sink
}

// Config tunes a machine.
type Config struct {
	CallTimeout     time.Duration
	PullTimeout     time.Duration
	StopGracePeriod time.Duration
	UpdateStrategy  string
	Architecture    string
}

// Machine is the state machine of one extension identity.
type Machine struct {
	id     Identity
	deps   Deps
	cfg    Config
	logger *slog.Logger

	// rec is nil until an install has been persisted.
	rec      *store.ExtensionRecord
	state    State
	observed *container.ObservedState
	drift    bool
	lastErr  error

	status atomic.Pointer[Status]
	pull   atomic.Pointer[container.PullTracker]
}

// New creates the machine of an identity that is not installed.
func New(id Identity, deps Deps, cfg Config, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	m := &Machine{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("extension", id.String()),
		state:  StateUninstalled,
	}
	m.publish()
	return m
}

// Load creates the machine of a persisted record. Call Recover before any
// other operation.
func Load(rec store.ExtensionRecord, deps Deps, cfg Config, logger *slog.Logger) *Machine {
	m := New(Identity{Repository: rec.Repository, Name: rec.Name}, deps, cfg, logger)
	r := rec
	m.rec = &r
	m.state = State(rec.State)
	if m.state == "" {
		m.state = StateStopped
	}
	m.publish()
	return m
}

// Identity returns the machine's identity.
func (m *Machine) Identity() Identity {
	return m.id
}

// Status returns the latest published snapshot.
func (m *Machine) Status() Status {
	s := *m.status.Load()
	if t := m.pull.Load(); t != nil {
		snap := t.Snapshot()
		s.Pull = &snap
	}
	return s
}

// Installed reports whether a record is persisted for the identity.
func (m *Machine) Installed() bool {
	return m.rec != nil
}

// ============================================================================
// Operations
// ============================================================================

// InstallRequest describes an install.
type InstallRequest struct {
	Tag string
	// Settings overrides the permissions declared by the manifest.
	Settings json.RawMessage
}

// Install resolves, pulls and starts the extension. A failed install leaves no
// record behind, so it can be retried as is.
func (m *Machine) Install(ctx context.Context, req InstallRequest, progress container.ProgressFunc) error {
	if m.rec != nil {
		return apperr.New(apperr.KindConflict, m.id.String()+" is already installed")
	}
	if m.state != StateUninstalled && m.state != StateFailed {
		return m.illegal("install")
	}
	ctx = m.logCtx(ctx, "install")
	m.transition(ctx, StateInstalling)

	res, settings, err := m.prepare(ctx, req.Tag, req.Settings, false, progress)
	if err != nil {
		return m.failInstall(ctx, err)
	}

	cid, err := m.createContainer(ctx, res, settings)
	if err != nil {
		return m.failInstall(ctx, err)
	}

	rec := &store.ExtensionRecord{
		Repository:     m.id.Repository,
		Name:           m.id.Name,
		DesiredTag:     res.Tag,
		DesiredEnabled: true,
		PinnedDigest:   res.Digest,
		Settings:       string(settings),
		ContainerID:    cid,
		State:          string(StateRunning),
	}
	if err := m.deps.Store.SaveExtension(rec); err != nil {
		m.removeQuietly(ctx, cid)
		return m.failInstall(ctx, apperr.Wrap(apperr.KindStorage, err, "saving extension", apperr.WithStep(apperr.StepPersist)))
	}
	m.rec = rec
	m.lastErr = nil
	m.setObserved(cid, true)
	m.transition(ctx, StateRunning)
	slogcontext.FromCtx(ctx).Info("extension installed", "tag", res.Tag, "digest", res.Digest, "container", shortID(cid))
	return nil
}

// Enable starts the extension at its pinned version.
func (m *Machine) Enable(ctx context.Context) error {
	if err := m.requireInstalled(); err != nil {
		return err
	}
	if m.state.Transitioning() {
		return m.illegal("enable")
	}
	if m.state == StateRunning && m.rec.DesiredEnabled {
		return nil
	}
	ctx = m.logCtx(ctx, "enable")
	m.rec.DesiredEnabled = true
	if err := m.bringUp(ctx); err != nil {
		return m.fail(ctx, err)
	}
	return nil
}

// Disable stops and removes the container, keeping the record.
func (m *Machine) Disable(ctx context.Context) error {
	if err := m.requireInstalled(); err != nil {
		return err
	}
	if m.state.Transitioning() {
		return m.illegal("disable")
	}
	if m.state == StateStopped && !m.rec.DesiredEnabled && m.rec.ContainerID == "" {
		return nil
	}
	ctx = m.logCtx(ctx, "disable")
	if err := m.teardown(ctx, m.rec.ContainerID); err != nil {
		return m.fail(ctx, err)
	}
	m.rec.ContainerID = ""
	m.rec.DesiredEnabled = false
	if err := m.persist(StateStopped); err != nil {
		return m.fail(ctx, err)
	}
	m.observed = nil
	m.drift = false
	m.lastErr = nil
	m.transition(ctx, StateStopped)
	return nil
}

// Restart restarts the running container in place.
func (m *Machine) Restart(ctx context.Context) error {
	if err := m.requireInstalled(); err != nil {
		return err
	}
	if m.state != StateRunning && m.state != StateStopped {
		return m.illegal("restart")
	}
	if !m.rec.DesiredEnabled {
		return apperr.New(apperr.KindConflict, m.id.String()+" is disabled")
	}
	ctx = m.logCtx(ctx, "restart")
	if m.rec.ContainerID != "" {
		callCtx, cancel := m.callCtx(ctx)
		err := m.deps.Runtime.Restart(callCtx, m.rec.ContainerID, m.cfg.StopGracePeriod)
		cancel()
		if err == nil {
			if err := m.persist(StateRunning); err != nil {
				return m.fail(ctx, err)
			}
			m.setObserved(m.rec.ContainerID, true)
			m.transition(ctx, StateRunning)
			return nil
		}
		if !apperr.IsKind(err, apperr.KindNotFound) {
			return m.fail(ctx, apperr.Wrap(apperr.KindUnknown, err, "restarting container", apperr.WithStep(apperr.StepStart)))
		}
	}
	if err := m.bringUp(ctx); err != nil {
		return m.fail(ctx, err)
	}
	return nil
}

// Remove tears the extension down and deletes its record.
func (m *Machine) Remove(ctx context.Context) error {
	if m.rec == nil {
		if m.state == StateFailed {
			m.lastErr = nil
			m.transition(ctx, StateUninstalled)
			return nil
		}
		return apperr.New(apperr.KindNotFound, m.id.String()+" is not installed")
	}
	if m.state.Transitioning() {
		return m.illegal("remove")
	}
	ctx = m.logCtx(ctx, "remove")
	prev := m.state
	m.transition(ctx, StateRemoving)

	if err := m.teardown(ctx, m.rec.ContainerID); err != nil {
		m.state = prev
		return m.fail(ctx, err)
	}
	m.removeOrphans(ctx, "")

	if err := m.deps.Store.DeleteExtension(m.id.Repository, m.id.Name); err != nil {
		m.state = prev
		return m.fail(ctx, apperr.Wrap(apperr.KindStorage, err, "deleting extension", apperr.WithStep(apperr.StepPersist)))
	}
	if m.deps.Manifests != nil {
		if err := m.deps.Manifests.Delete(m.id); err != nil {
			slogcontext.FromCtx(ctx).Warn("dropping cached manifest failed", "error", err)
		}
	}
	m.rec = nil
	m.observed = nil
	m.drift = false
	m.lastErr = nil
	m.transition(ctx, StateUninstalled)
	return nil
}

// Logs streams the output of the extension's container.
func (m *Machine) Logs(ctx context.Context, opts container.LogOptions) (io.ReadCloser, error) {
	if err := m.requireInstalled(); err != nil {
		return nil, err
	}
	if m.rec.ContainerID == "" {
		return nil, apperr.New(apperr.KindNotFound, m.id.String()+" has no container")
	}
	return m.deps.Runtime.Logs(ctx, m.rec.ContainerID, opts)
}

// ContainerID returns the id of the live container, if any.
func (m *Machine) ContainerID() string {
	return m.Status().ContainerID
}

// ============================================================================
// Helpers
// ============================================================================

// prepare resolves tag, pulls it if needed and returns the settings to run it
// with. explicit settings win over the manifest.
func (m *Machine) prepare(ctx context.Context, tag string, explicit json.RawMessage, remoteCheck bool, progress container.ProgressFunc) (version.Resolution, json.RawMessage, error) {
	var mf *manifest.Manifest
	if m.deps.Manifests != nil {
		var err error
		if remoteCheck {
			mf, err = m.deps.Manifests.Refresh(ctx, m.id)
		} else {
			mf, err = m.deps.Manifests.Get(ctx, m.id)
		}
		switch {
		case err == nil:
		case apperr.IsKind(err, apperr.KindNotFound):
			slogcontext.FromCtx(ctx).Debug("no manifest declared", "error", err)
			mf = nil
		case remoteCheck && apperr.IsKind(err, apperr.KindNetwork):
			slogcontext.FromCtx(ctx).Warn("manifest refresh failed, keeping current settings", "error", err)
			mf = nil
		default:
			return version.Resolution{}, nil, apperr.Wrap(apperr.KindUnknown, err, "loading manifest", apperr.WithStep(apperr.StepManifest))
		}
	}

	req := version.Request{Repository: m.id.Repository, Tag: tag, RemoteCheck: remoteCheck}
	if mf != nil {
		id := m.id
		req.Identity = &id
	}
	resolveCtx, cancelResolve := m.callCtx(ctx)
	res, err := m.deps.Resolver.Resolve(resolveCtx, req)
	cancelResolve()
	if err != nil {
		return version.Resolution{}, nil, apperr.Wrap(apperr.KindUnknown, err, "resolving "+container.Ref(m.id.Repository, tag), apperr.WithStep(apperr.StepResolve))
	}

	settings := explicit
	if mf != nil {
		if desc, ok := mf.Version(res.Tag); ok {
			if m.cfg.Architecture != "" && !desc.Supports(m.cfg.Architecture) {
				return res, nil, apperr.New(apperr.KindInvalid, res.Tag+" does not support "+m.cfg.Architecture, apperr.WithStep(apperr.StepResolve))
			}
			if len(settings) == 0 {
				if settings, err = desc.Settings(); err != nil {
					return res, nil, err
				}
			}
		}
	}
	if len(settings) == 0 && m.rec != nil && m.rec.Settings != "" {
		settings = json.RawMessage(m.rec.Settings)
	}

	if res.PullRequired {
		tracker := container.NewPullTracker(res.ImageRef)
		m.pull.Store(tracker)
		forward := progress
		progress = func(p container.Progress) {
			tracker.Observe(p)
			if forward != nil {
				forward(p)
			}
		}
		defer func() { tracker.Finish(err) }()
	}
	pullCtx, cancel := m.timeout(ctx, m.cfg.PullTimeout)
	defer cancel()
	if res, err = m.deps.Resolver.Pull(pullCtx, res, progress); err != nil {
		return res, nil, apperr.Wrap(apperr.KindUnknown, err, "pulling "+res.ImageRef, apperr.WithStep(apperr.StepPull))
	}
	return res, settings, nil
}

// createContainer starts a fresh container for res.
func (m *Machine) createContainer(ctx context.Context, res version.Resolution, settings json.RawMessage) (string, error) {
	labels := container.IdentityLabels(m.id.Repository, m.id.Name)
	labels[container.LabelDigest] = res.Digest
	cfg := container.RunConfig{
		Name:     ContainerName(m.id.Name),
		Image:    res.PinnedRef(),
		Labels:   labels,
		Settings: settings,
	}
	ctx, cancel := m.callCtx(ctx)
	defer cancel()
	cid, err := m.deps.Runtime.CreateAndStart(ctx, cfg)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnknown, err, "starting "+cfg.Image, apperr.WithStep(apperr.StepCreate))
	}
	return cid, nil
}

// pinned rebuilds the resolution of the recorded version without asking the
// registry, pulling by digest if the image has been pruned.
func (m *Machine) pinned(ctx context.Context, tag, dgst string) (version.Resolution, error) {
	res := version.Resolution{
		Repository: m.id.Repository,
		Tag:        tag,
		ImageRef:   version.ImageRef(m.id.Repository, tag),
		Digest:     dgst,
	}
	callCtx, cancel := m.callCtx(ctx)
	images, err := m.deps.Runtime.ListImages(callCtx)
	cancel()
	if err != nil {
		return res, apperr.Wrap(apperr.KindUnknown, err, "listing images", apperr.WithStep(apperr.StepResolve))
	}
	for _, img := range images {
		if img.ID == dgst {
			res.LocalOnly = true
			return res, nil
		}
		if img.HasDigest(dgst) {
			return res, nil
		}
	}

	res.ImageRef = container.DigestRef(m.id.Repository, dgst)
	res.PullRequired = true
	pullCtx, cancel := m.timeout(ctx, m.cfg.PullTimeout)
	defer cancel()
	if res, err = m.deps.Resolver.Pull(pullCtx, res, nil); err != nil {
		return res, apperr.Wrap(apperr.KindUnknown, err, "pulling pinned image", apperr.WithStep(apperr.StepPull))
	}
	return res, nil
}

// bringUp makes the recorded container run: the existing one is started when
// present, otherwise a new one is created at the pinned digest.
func (m *Machine) bringUp(ctx context.Context) error {
	if cid := m.rec.ContainerID; cid != "" {
		callCtx, cancel := m.callCtx(ctx)
		st, err := m.deps.Runtime.Inspect(callCtx, cid)
		cancel()
		switch {
		case err == nil && st.Running:
			return m.markRunning(ctx, cid)
		case err == nil:
			callCtx, cancel := m.callCtx(ctx)
			err = m.deps.Runtime.Start(callCtx, cid)
			cancel()
			if err == nil {
				return m.markRunning(ctx, cid)
			}
			if !apperr.IsKind(err, apperr.KindNotFound) {
				return apperr.Wrap(apperr.KindUnknown, err, "starting container", apperr.WithStep(apperr.StepStart))
			}
		case !apperr.IsKind(err, apperr.KindNotFound):
			return apperr.Wrap(apperr.KindUnknown, err, "inspecting container", apperr.WithStep(apperr.StepInspect))
		}
		m.removeQuietly(ctx, cid)
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
	return m.markRunning(ctx, cid)
}

func (m *Machine) markRunning(ctx context.Context, cid string) error {
	m.rec.ContainerID = cid
	if err := m.persist(StateRunning); err != nil {
		return err
	}
	m.lastErr = nil
	m.drift = false
	m.setObserved(cid, true)
	m.transition(ctx, StateRunning)
	return nil
}

// teardown stops and removes a container. Missing containers are fine.
func (m *Machine) teardown(ctx context.Context, cid string) error {
	if cid == "" {
		return nil
	}
	if err := m.stop(ctx, cid); err != nil {
		return err
	}
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	if err := m.deps.Runtime.Remove(callCtx, cid); err != nil {
		return apperr.Wrap(apperr.KindUnknown, err, "removing container", apperr.WithStep(apperr.StepRemove))
	}
	return nil
}

func (m *Machine) stop(ctx context.Context, cid string) error {
	callCtx, cancel := m.timeout(ctx, m.cfg.CallTimeout+m.cfg.StopGracePeriod)
	defer cancel()
	if err := m.deps.Runtime.Stop(callCtx, cid, m.cfg.StopGracePeriod); err != nil {
		return apperr.Wrap(apperr.KindUnknown, err, "stopping container", apperr.WithStep(apperr.StepStop))
	}
	return nil
}

func (m *Machine) removeQuietly(ctx context.Context, cid string) {
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	if err := m.deps.Runtime.Remove(callCtx, cid); err != nil {
		slogcontext.FromCtx(ctx).Warn("failed to remove container", "container", shortID(cid), "error", err)
	}
}

// removeOrphans removes labeled containers of the identity other than keep.
func (m *Machine) removeOrphans(ctx context.Context, keep string) {
	callCtx, cancel := m.callCtx(ctx)
	found, err := m.deps.Runtime.List(callCtx, container.IdentityLabels(m.id.Repository, m.id.Name))
	cancel()
	if err != nil {
		slogcontext.FromCtx(ctx).Warn("listing containers failed", "error", err)
		return
	}
	for _, st := range found {
		if st.ContainerID == keep {
			continue
		}
		slogcontext.FromCtx(ctx).Info("removing orphan container", "container", shortID(st.ContainerID), "image", st.Image)
		m.removeQuietly(ctx, st.ContainerID)
	}
}

// persist writes the record with state.
func (m *Machine) persist(state State) error {
	m.rec.State = string(state)
	if m.lastErr != nil && state == StateFailed {
		m.rec.LastError = m.lastErr.Error()
		m.rec.LastStep = string(apperr.StepOf(m.lastErr))
	} else if state != StateFailed {
		m.rec.LastError, m.rec.LastStep = "", ""
	}
	if err := m.deps.Store.SaveExtension(m.rec); err != nil {
		return apperr.Wrap(apperr.KindStorage, err, "saving extension", apperr.WithStep(apperr.StepPersist))
	}
	return nil
}

func (m *Machine) failInstall(ctx context.Context, err error) error {
	m.lastErr = err
	m.transition(ctx, StateFailed)
	return err
}

// fail moves an installed extension to Failed and persists it.
func (m *Machine) fail(ctx context.Context, err error) error {
	m.lastErr = err
	if m.rec != nil {
		if perr := m.persist(StateFailed); perr != nil {
			slogcontext.FromCtx(ctx).Error("failed to persist failure", "error", perr)
		}
	}
	m.transition(ctx, StateFailed)
	return err
}

func (m *Machine) illegal(op string) error {
	return apperr.New(apperr.KindConflict, op+" is not allowed while "+m.id.String()+" is "+string(m.state))
}

func (m *Machine) requireInstalled() error {
	if m.rec == nil {
		return apperr.New(apperr.KindNotFound, m.id.String()+" is not installed")
	}
	return nil
}

func (m *Machine) setObserved(cid string, running bool) {
	m.observed = &container.ObservedState{ContainerID: cid, Running: running, LastChecked: time.Now()}
}

// transition sets the state, publishes the snapshot and emits events.
func (m *Machine) transition(ctx context.Context, to State) {
	from := m.state
	m.state = to
	m.publish()
	if from == to && to != StateFailed {
		return
	}
	e := events.Event{
		Type:       events.TypeTransition,
		Repository: m.id.Repository,
		Name:       m.id.Name,
		From:       string(from),
		State:      string(to),
		At:         time.Now().UTC(),
	}
	if to == StateFailed && m.lastErr != nil {
		e.Type = events.TypeFailed
		e.Step = string(apperr.StepOf(m.lastErr))
		e.Error = m.lastErr.Error()
	}
	m.deps.Events.Publish(ctx, e)
}

func (m *Machine) emit(ctx context.Context, typ events.Type) {
	m.deps.Events.Publish(ctx, events.Event{
		Type:       typ,
		Repository: m.id.Repository,
		Name:       m.id.Name,
		State:      string(m.state),
		At:         time.Now().UTC(),
	})
}

func (m *Machine) publish() {
	s := Status{
		Repository: m.id.Repository,
		Name:       m.id.Name,
		State:      m.state,
		Drift:      m.drift,
		UpdatedAt:  time.Now().UTC(),
	}
	if m.rec != nil {
		s.DesiredTag = m.rec.DesiredTag
		s.DesiredEnabled = m.rec.DesiredEnabled
		s.PinnedDigest = m.rec.PinnedDigest
		s.ContainerID = m.rec.ContainerID
		s.PendingTag = m.rec.PendingTag
		s.LastError = m.rec.LastError
		s.LastStep = m.rec.LastStep
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
		s.LastStep = string(apperr.StepOf(m.lastErr))
	}
	if o := m.observed; o != nil {
		s.Running = o.Running
		s.ExitCode = o.ExitCode
		checked := o.LastChecked
		s.LastChecked = &checked
	}
	m.status.Store(&s)
}

func (m *Machine) logCtx(ctx context.Context, op string) context.Context {
	logger := slogcontext.FromCtx(ctx)
	if logger == slog.Default() {
		logger = m.logger
	}
	return slogcontext.NewCtx(ctx, logger.With("op", op))
}

func (m *Machine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return m.timeout(ctx, m.cfg.CallTimeout)
}

func (m *Machine) timeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// ContainerName returns a fresh container name for an extension.
func ContainerName(name string) string {
	return "extension-" + name + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

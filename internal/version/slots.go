package version

import (
	"context"
	"log/slog"
	"time"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/container"
	"github.com/BadgerOps/kraken/internal/store"
)

// Single-slot selections.
const (
	SlotCore      = "core"
	SlotBootstrap = "bootstrap"
)

// Selection is the version chosen for a slot.
type Selection struct {
	Slot       string    `json:"slot"`
	Repository string    `json:"repository"`
	Tag        string    `json:"tag"`
	Digest     string    `json:"sha,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// SlotsConfig names the containers and repositories of the slots.
type SlotsConfig struct {
	CoreRepository      string
	CoreContainer       string
	BootstrapRepository string
	BootstrapContainer  string
	StopGracePeriod     time.Duration
}

// Slots manages the core and bootstrap selections. The core is launched by
// the bootstrap container; the bootstrap container runs its own selection.
type Slots struct {
	resolver *Resolver
	rt       container.Runtime
	db       *store.Store
	cfg      SlotsConfig
	logger   *slog.Logger
}

// NewSlots creates the slot manager and registers it as an in-use checker.
func NewSlots(resolver *Resolver, rt container.Runtime, db *store.Store, cfg SlotsConfig, logger *slog.Logger) *Slots {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Slots{resolver: resolver, rt: rt, db: db, cfg: cfg, logger: logger}
	resolver.AddInUseChecker(s)
	return s
}

// Current returns the selection of slot. Without a stored selection it is read
// off the slot's container.
func (s *Slots) Current(ctx context.Context, slot string) (Selection, error) {
	if err := s.check(slot); err != nil {
		return Selection{}, err
	}
	sel, err := s.db.GetSelectedVersion(slot)
	if err == nil {
		return Selection{Slot: sel.Slot, Repository: sel.Repository, Tag: sel.Tag, Digest: sel.Digest, UpdatedAt: sel.UpdatedAt}, nil
	}
	if !apperr.IsKind(err, apperr.KindNotFound) {
		return Selection{}, apperr.Wrap(apperr.KindStorage, err, "reading "+slot+" selection")
	}

	st, err := s.rt.Inspect(ctx, s.containerName(slot))
	if err != nil {
		return Selection{}, apperr.Wrap(apperr.KindUnknown, err, "no "+slot+" version selected", apperr.WithStep(apperr.StepInspect))
	}
	repo, tag, ok := container.SplitTag(st.Image)
	if !ok {
		return Selection{}, apperr.New(apperr.KindNotFound, "no "+slot+" version selected")
	}
	return Selection{Slot: slot, Repository: repo, Tag: tag, Digest: st.ImageID}, nil
}

// Set selects repository:tag for slot, pulling it when needed. The core
// selection takes effect by restarting the bootstrap container; the bootstrap
// selection recreates the bootstrap container on the new image.
func (s *Slots) Set(ctx context.Context, slot, repository, tag string, progress container.ProgressFunc) (Selection, error) {
	if err := s.check(slot); err != nil {
		return Selection{}, err
	}
	if repository == "" {
		repository = s.repository(slot)
	}
	if slot == SlotBootstrap && container.FamiliarName(repository) != container.FamiliarName(s.cfg.BootstrapRepository) {
		return Selection{}, apperr.New(apperr.KindInvalid, "bootstrap repository is fixed to "+s.cfg.BootstrapRepository)
	}

	res, err := s.resolver.Resolve(ctx, Request{Repository: repository, Tag: tag})
	if err != nil {
		return Selection{}, err
	}
	if res, err = s.resolver.Pull(ctx, res, progress); err != nil {
		return Selection{}, err
	}

	rec := &store.SelectedVersion{Slot: slot, Repository: repository, Tag: res.Tag, Digest: res.Digest}
	if err := s.db.SetSelectedVersion(rec); err != nil {
		return Selection{}, apperr.Wrap(apperr.KindStorage, err, "saving "+slot+" selection", apperr.WithStep(apperr.StepPersist))
	}
	sel := Selection{Slot: slot, Repository: repository, Tag: res.Tag, Digest: res.Digest, UpdatedAt: rec.UpdatedAt}

	switch slot {
	case SlotBootstrap:
		if _, err := s.rt.Recreate(ctx, s.cfg.BootstrapContainer, res.PinnedRef(), s.cfg.StopGracePeriod); err != nil {
			return sel, apperr.Wrap(apperr.KindUnknown, err, "recreating bootstrap container", apperr.WithStep(apperr.StepCreate))
		}
	case SlotCore:
		err := s.rt.Restart(ctx, s.cfg.BootstrapContainer, s.cfg.StopGracePeriod)
		if apperr.IsKind(err, apperr.KindNotFound) {
			s.logger.Warn("bootstrap container not found, core selection applies on next boot", "container", s.cfg.BootstrapContainer)
		} else if err != nil {
			return sel, apperr.Wrap(apperr.KindUnknown, err, "restarting bootstrap container", apperr.WithStep(apperr.StepStart))
		}
	}
	s.logger.Info("version selected", "slot", slot, "repository", repository, "tag", res.Tag, "digest", res.Digest)
	return sel, nil
}

// RestartCore restarts the running core container in place.
func (s *Slots) RestartCore(ctx context.Context) error {
	if err := s.rt.Restart(ctx, s.cfg.CoreContainer, s.cfg.StopGracePeriod); err != nil {
		return apperr.Wrap(apperr.KindUnknown, err, "restarting core container", apperr.WithStep(apperr.StepStart))
	}
	return nil
}

// InUse reports whether repository:tag is the selection of any slot.
func (s *Slots) InUse(repository, tag string) bool {
	sels, err := s.db.ListSelectedVersions()
	if err != nil {
		s.logger.Warn("reading selections failed", "error", err)
		return false
	}
	for _, sel := range sels {
		if sel.Tag == tag && container.FamiliarName(sel.Repository) == container.FamiliarName(repository) {
			return true
		}
	}
	return false
}

// Repository returns the default repository of slot.
func (s *Slots) Repository(slot string) string {
	return s.repository(slot)
}

func (s *Slots) check(slot string) error {
	if slot != SlotCore && slot != SlotBootstrap {
		return apperr.New(apperr.KindInvalid, "unknown slot "+slot)
	}
	return nil
}

func (s *Slots) repository(slot string) string {
	if slot == SlotBootstrap {
		return s.cfg.BootstrapRepository
	}
	return s.cfg.CoreRepository
}

func (s *Slots) containerName(slot string) string {
	if slot == SlotBootstrap {
		return s.cfg.BootstrapContainer
	}
	return s.cfg.CoreContainer
}

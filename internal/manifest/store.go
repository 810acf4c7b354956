package manifest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/store"
)

// Store caches manifests in memory and in the database, falling back to the
// source on a miss. Cached manifests are only replaced by an explicit Refresh.
type Store struct {
	source Source
	db     *store.Store
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[Identity]*Manifest
}

// NewStore creates a manifest store. source may be nil, in which case only
// cached manifests are served.
func NewStore(source Source, db *store.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		source: source,
		db:     db,
		logger: logger,
		cache:  make(map[Identity]*Manifest),
	}
}

// Get returns the manifest for id.
func (s *Store) Get(ctx context.Context, id Identity) (*Manifest, error) {
	s.mu.RLock()
	m, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return m, nil
	}

	if rec, err := s.db.GetManifest(id.Repository, id.Name); err == nil {
		var cached Manifest
		if err := json.Unmarshal([]byte(rec.Body), &cached); err == nil {
			s.remember(&cached)
			return &cached, nil
		}
		s.logger.Warn("discarding unreadable cached manifest", "extension", id.String())
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, apperr.Wrap(apperr.KindStorage, err, "reading cached manifest", apperr.WithStep(apperr.StepManifest))
	}

	return s.fetch(ctx, id)
}

// Refresh fetches the manifest of id again and replaces the cached one. The
// cache is kept when the source cannot be reached, and dropped when the source
// no longer declares id.
func (s *Store) Refresh(ctx context.Context, id Identity) (*Manifest, error) {
	m, err := s.fetch(ctx, id)
	if apperr.IsKind(err, apperr.KindNotFound) && s.source != nil {
		if dropErr := s.Invalidate(id); dropErr != nil {
			return nil, dropErr
		}
	}
	return m, err
}

// Invalidate drops the cached manifest of id.
func (s *Store) Invalidate(id Identity) error {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	if err := s.db.DeleteManifest(id.Repository, id.Name); err != nil {
		return apperr.Wrap(apperr.KindStorage, err, "dropping cached manifest", apperr.WithStep(apperr.StepManifest))
	}
	return nil
}

// Delete forgets id entirely; used on uninstall.
func (s *Store) Delete(id Identity) error {
	return s.Invalidate(id)
}

// Put caches m, replacing any previous manifest for its identity.
func (s *Store) Put(m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalid, err, "encoding manifest", apperr.WithStep(apperr.StepManifest))
	}
	if err := s.db.SaveManifest(&store.ManifestRecord{Repository: m.Repository, Name: m.Name, Body: string(body)}); err != nil {
		return apperr.Wrap(apperr.KindStorage, err, "caching manifest", apperr.WithStep(apperr.StepManifest))
	}
	s.remember(m)
	return nil
}

// Available lists every manifest the source currently offers.
func (s *Store) Available(ctx context.Context) ([]Manifest, error) {
	if s.source == nil {
		return nil, apperr.New(apperr.KindNotFound, "no manifest source configured", apperr.WithStep(apperr.StepManifest))
	}
	return s.source.Fetch(ctx)
}

func (s *Store) fetch(ctx context.Context, id Identity) (*Manifest, error) {
	if s.source == nil {
		return nil, apperr.New(apperr.KindNotFound, "no manifest for "+id.String(), apperr.WithStep(apperr.StepManifest))
	}
	all, err := s.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Identity == id {
			m := all[i]
			if err := s.Put(&m); err != nil {
				return nil, err
			}
			s.logger.Debug("manifest fetched", "extension", id.String(), "versions", len(m.Versions))
			return &m, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "no manifest for "+id.String(), apperr.WithStep(apperr.StepManifest))
}

func (s *Store) remember(m *Manifest) {
	s.mu.Lock()
	s.cache[m.Identity] = m
	s.mu.Unlock()
}

// Package registrytest provides an in-memory registry for tests.
package registrytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/registry"
)

// Registry serves tags added with Add. It satisfies the lookups the version
// resolver makes.
type Registry struct {
	mu        sync.Mutex
	tags      map[string]map[string]registry.TagInfo
	err       error
	describes int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tags: make(map[string]map[string]registry.TagInfo)}
}

// Add publishes repository:tag with dgst.
func (r *Registry) Add(repository, tag, dgst string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tags[repository] == nil {
		r.tags[repository] = make(map[string]registry.TagInfo)
	}
	r.tags[repository][tag] = registry.TagInfo{
		Tag:          tag,
		Digest:       dgst,
		Architecture: "arm64",
		LastModified: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Fail makes every call return err until Fail(nil).
func (r *Registry) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Describes returns the number of Describe calls.
func (r *Registry) Describes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.describes
}

func (r *Registry) Tags(ctx context.Context, repository string) ([]string, error) {
	infos, err := r.ListTags(ctx, repository)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.Tag)
	}
	return out, nil
}

func (r *Registry) ListTags(_ context.Context, repository string) ([]registry.TagInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	tags, ok := r.tags[repository]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "repository "+repository+" unknown", apperr.WithStep(apperr.StepResolve))
	}
	out := make([]registry.TagInfo, 0, len(tags))
	for _, info := range tags {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

func (r *Registry) Describe(_ context.Context, repository, tag string) (registry.TagInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.describes++
	if r.err != nil {
		return registry.TagInfo{}, r.err
	}
	info, ok := r.tags[repository][tag]
	if !ok {
		// A digest reference resolves to the manifest it names.
		for _, candidate := range r.tags[repository] {
			if candidate.Digest == tag {
				info, ok = candidate, true
				info.Tag = tag
				break
			}
		}
	}
	if !ok {
		return registry.TagInfo{}, apperr.New(apperr.KindNotFound, "manifest unknown: "+repository+":"+tag, apperr.WithStep(apperr.StepResolve))
	}
	return info, nil
}

// Package version resolves requested tags to concrete, digest-pinned images
// and manages the locally stored versions of a repository.
package version

import (
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/BadgerOps/kraken/internal/container"
)

// Entry is what is known about one (repository, tag).
type Entry struct {
	Repository   string    `json:"repository"`
	Tag          string    `json:"tag"`
	Digest       string    `json:"sha"`
	Architecture string    `json:"architecture,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	// LocalOnly marks images present on disk that no registry vouches for.
	LocalOnly bool      `json:"local_only,omitempty"`
	FetchedAt time.Time `json:"-"`
}

// Catalog caches registry answers per (repository, tag). Entries expire after
// the configured TTL and are fetched again on the next lookup.
type Catalog struct {
	lru *expirable.LRU[string, Entry]
}

// NewCatalog creates a catalog holding up to size entries for ttl.
func NewCatalog(size int, ttl time.Duration) *Catalog {
	if size <= 0 {
		size = 512
	}
	return &Catalog{lru: expirable.NewLRU[string, Entry](size, nil, ttl)}
}

func catalogKey(repository, tag string) string {
	return container.Ref(container.FamiliarName(repository), tag)
}

// Get returns the cached entry for repository:tag.
func (c *Catalog) Get(repository, tag string) (Entry, bool) {
	return c.lru.Get(catalogKey(repository, tag))
}

// Put caches e.
func (c *Catalog) Put(e Entry) {
	if e.FetchedAt.IsZero() {
		e.FetchedAt = time.Now()
	}
	c.lru.Add(catalogKey(e.Repository, e.Tag), e)
}

// Invalidate drops repository:tag.
func (c *Catalog) Invalidate(repository, tag string) {
	c.lru.Remove(catalogKey(repository, tag))
}

// Entries returns the cached entries of repository sorted by tag.
func (c *Catalog) Entries(repository string) []Entry {
	want := container.FamiliarName(repository)
	var out []Entry
	for _, e := range c.lru.Values() {
		if container.FamiliarName(e.Repository) == want {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

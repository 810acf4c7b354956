package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BadgerOps/kraken/internal/apperr"
)

// DefaultRegistry is the registry assumed for repositories without a host.
const DefaultRegistry = "docker.io"

var pathRegexp = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*(?:/[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*)*$`)

// Repository is a parsed image repository name.
type Repository struct {
	// Registry is the registry host as written, e.g. docker.io or ghcr.io.
	Registry string
	// Path is the repository path within the registry, e.g. library/alpine.
	Path string
}

// ParseRepository parses names like "alpine", "acme/widget" or
// "ghcr.io/acme/widget". Tags and digests are rejected.
func ParseRepository(name string) (Repository, error) {
	n := strings.TrimSpace(name)
	n = strings.TrimPrefix(n, "https://")
	n = strings.TrimPrefix(n, "http://")
	n = strings.TrimRight(n, "/")
	if n == "" {
		return Repository{}, apperr.New(apperr.KindInvalid, "repository name is empty")
	}
	if strings.Contains(n, "@") {
		return Repository{}, apperr.New(apperr.KindInvalid, fmt.Sprintf("repository %q must not include a digest", name))
	}

	repo := Repository{Registry: DefaultRegistry, Path: n}
	if first, rest, ok := strings.Cut(n, "/"); ok && isRegistryHost(first) {
		repo.Registry = first
		repo.Path = rest
	}
	if strings.Contains(repo.Path, ":") {
		return Repository{}, apperr.New(apperr.KindInvalid, fmt.Sprintf("repository %q must not include a tag", name))
	}
	if repo.Registry == "index.docker.io" || repo.Registry == "registry-1.docker.io" {
		repo.Registry = DefaultRegistry
	}
	if repo.Registry == DefaultRegistry && !strings.Contains(repo.Path, "/") {
		repo.Path = "library/" + repo.Path
	}
	if !pathRegexp.MatchString(repo.Path) {
		return Repository{}, apperr.New(apperr.KindInvalid, fmt.Sprintf("invalid repository name %q", name))
	}
	return repo, nil
}

func isRegistryHost(segment string) bool {
	return segment == "localhost" || strings.ContainsAny(segment, ".:")
}

// Endpoint returns the host contacted for the registry API.
func (r Repository) Endpoint() string {
	return normalizeEndpointHost(r.Registry)
}

// Reference returns the repository reference used on the wire.
func (r Repository) Reference() string {
	return r.Endpoint() + "/" + r.Path
}

func (r Repository) String() string {
	return r.Registry + "/" + r.Path
}

func normalizeEndpointHost(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	e = strings.TrimPrefix(e, "https://")
	e = strings.TrimPrefix(e, "http://")
	e = strings.TrimRight(e, "/")
	if e == "docker.io" || e == "index.docker.io" {
		return "registry-1.docker.io"
	}
	return e
}

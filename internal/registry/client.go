// Package registry queries remote image registries for tags and digests.
// Results are never cached here; callers own the caching policy.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/BadgerOps/kraken/internal/apperr"
)

// Docker distribution media types still served by most registries.
const (
	mediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// TagInfo describes one tag of a repository.
type TagInfo struct {
	Tag          string    `json:"tag"`
	Digest       string    `json:"digest"`
	Architecture string    `json:"architecture,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
}

// Options configures a Client.
type Options struct {
	// Timeout bounds every registry request.
	Timeout time.Duration
	// PlainHTTP lists registry hosts contacted without TLS.
	PlainHTTP []string
	// Credential supplies credentials per registry host. Nil means anonymous.
	Credential auth.CredentialFunc
	// Concurrency bounds parallel tag detail fetches.
	Concurrency int
	// Architecture selects the platform manifest of an index. Empty uses the
	// host architecture.
	Architecture string
}

// Client talks to OCI distribution registries.
type Client struct {
	logger      *slog.Logger
	client      *auth.Client
	plainHTTP   map[string]bool
	concurrency int
	arch        string
}

// NewClient creates a registry client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := &http.Client{Transport: retry.NewTransport(http.DefaultTransport)}
	if opts.Timeout > 0 {
		httpClient.Timeout = opts.Timeout
	}
	cred := opts.Credential
	if cred == nil {
		cred = func(context.Context, string) (auth.Credential, error) {
			return auth.EmptyCredential, nil
		}
	}
	ac := &auth.Client{
		Client:     httpClient,
		Cache:      auth.NewCache(),
		Credential: cred,
	}
	ac.SetUserAgent("kraken")

	plain := make(map[string]bool, len(opts.PlainHTTP))
	for _, h := range opts.PlainHTTP {
		plain[normalizeEndpointHost(h)] = true
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	arch := opts.Architecture
	if arch == "" {
		arch = runtime.GOARCH
	}
	return &Client{
		logger:      logger,
		client:      ac,
		plainHTTP:   plain,
		concurrency: concurrency,
		arch:        arch,
	}
}

func (c *Client) repository(name string) (*remote.Repository, Repository, error) {
	ref, err := ParseRepository(name)
	if err != nil {
		return nil, Repository{}, err
	}
	repo, err := remote.NewRepository(ref.Reference())
	if err != nil {
		return nil, Repository{}, apperr.Wrap(apperr.KindInvalid, err, "invalid repository "+name)
	}
	repo.Client = c.client
	repo.PlainHTTP = c.plainHTTP[ref.Endpoint()]
	return repo, ref, nil
}

// Tags returns the tag names of a repository.
func (c *Client) Tags(ctx context.Context, repository string) ([]string, error) {
	repo, ref, err := c.repository(repository)
	if err != nil {
		return nil, err
	}
	var tags []string
	err = repo.Tags(ctx, "", func(page []string) error {
		tags = append(tags, page...)
		return nil
	})
	if err != nil {
		return nil, classify(err, "listing tags of "+ref.String())
	}
	return tags, nil
}

// ListTags returns every tag of a repository with its digest, architecture and
// creation time. Tags that disappear or cannot be decoded while listing are
// skipped.
func (c *Client) ListTags(ctx context.Context, repository string) ([]TagInfo, error) {
	tags, err := c.Tags(ctx, repository)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		infos = make([]TagInfo, 0, len(tags))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, tag := range tags {
		g.Go(func() error {
			info, err := c.Describe(gctx, repository, tag)
			if err != nil {
				if apperr.IsKind(err, apperr.KindNotFound) || apperr.IsKind(err, apperr.KindInvalid) {
					c.logger.Warn("skipping tag", "repository", repository, "tag", tag, "error", err)
					return nil
				}
				return err
			}
			mu.Lock()
			infos = append(infos, info)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Tag < infos[j].Tag })
	return infos, nil
}

// Describe resolves one tag. The digest is the root manifest digest, the one
// an engine records after pulling by tag.
func (c *Client) Describe(ctx context.Context, repository, tag string) (TagInfo, error) {
	repo, ref, err := c.repository(repository)
	if err != nil {
		return TagInfo{}, err
	}
	what := ref.String() + ":" + tag

	root, err := repo.Resolve(ctx, tag)
	if err != nil {
		return TagInfo{}, classify(err, "resolving "+what)
	}
	info := TagInfo{Tag: tag, Digest: root.Digest.String()}

	manifestDesc := root
	if isIndex(root.MediaType) {
		body, err := content.FetchAll(ctx, repo, root)
		if err != nil {
			return TagInfo{}, classify(err, "fetching index of "+what)
		}
		var index ocispec.Index
		if err := json.Unmarshal(body, &index); err != nil {
			return TagInfo{}, apperr.Wrap(apperr.KindInvalid, err, "decoding index of "+what)
		}
		desc, ok := c.selectPlatform(index.Manifests)
		if !ok {
			return TagInfo{}, apperr.New(apperr.KindInvalid, "index of "+what+" has no manifests")
		}
		manifestDesc = desc
		if desc.Platform != nil {
			info.Architecture = platformString(desc.Platform)
		}
	}
	if !isManifest(manifestDesc.MediaType) {
		return TagInfo{}, apperr.New(apperr.KindInvalid, fmt.Sprintf("%s has unsupported media type %q", what, manifestDesc.MediaType))
	}

	body, err := content.FetchAll(ctx, repo, manifestDesc)
	if err != nil {
		return TagInfo{}, classify(err, "fetching manifest of "+what)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return TagInfo{}, apperr.Wrap(apperr.KindInvalid, err, "decoding manifest of "+what)
	}

	cfgBody, err := content.FetchAll(ctx, repo, manifest.Config)
	if err != nil {
		return TagInfo{}, classify(err, "fetching config of "+what)
	}
	var cfg ocispec.Image
	if err := json.Unmarshal(cfgBody, &cfg); err != nil {
		return TagInfo{}, apperr.Wrap(apperr.KindInvalid, err, "decoding config of "+what)
	}
	if cfg.Created != nil {
		info.LastModified = cfg.Created.UTC()
	}
	if info.Architecture == "" {
		info.Architecture = platformString(&cfg.Platform)
	}
	return info, nil
}

// selectPlatform picks the linux manifest for the client architecture, falling
// back to the first entry.
func (c *Client) selectPlatform(manifests []ocispec.Descriptor) (ocispec.Descriptor, bool) {
	if len(manifests) == 0 {
		return ocispec.Descriptor{}, false
	}
	for _, m := range manifests {
		if m.Platform != nil && m.Platform.OS == "linux" && m.Platform.Architecture == c.arch {
			return m, true
		}
	}
	return manifests[0], true
}

func platformString(p *ocispec.Platform) string {
	if p == nil || p.Architecture == "" {
		return ""
	}
	if p.Variant != "" {
		return p.Architecture + "/" + p.Variant
	}
	return p.Architecture
}

func isIndex(mediaType string) bool {
	return mediaType == ocispec.MediaTypeImageIndex || mediaType == mediaTypeDockerManifestList
}

func isManifest(mediaType string) bool {
	return mediaType == ocispec.MediaTypeImageManifest || mediaType == mediaTypeDockerManifest
}

// classify maps a registry failure onto the shared error kinds.
func classify(err error, msg string) error {
	opt := apperr.WithStep(apperr.StepResolve)
	if errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindCancelled, err, msg, opt)
	}
	if errors.Is(err, auth.ErrBasicCredentialNotFound) {
		return apperr.Wrap(apperr.KindAuth, err, msg+": credentials required", opt)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch {
		case errResp.StatusCode == http.StatusUnauthorized || errResp.StatusCode == http.StatusForbidden:
			return apperr.Wrap(apperr.KindAuth, err, msg, opt)
		case errResp.StatusCode == http.StatusNotFound:
			return apperr.Wrap(apperr.KindNotFound, err, msg, opt)
		case errResp.StatusCode == http.StatusTooManyRequests || errResp.StatusCode >= 500:
			return apperr.Wrap(apperr.KindNetwork, err, msg, opt)
		default:
			return apperr.Wrap(apperr.KindInvalid, err, msg, opt)
		}
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, err, msg, opt)
	}
	// Transport failures, timeouts and anything else the registry did not
	// answer with a status for.
	return apperr.Wrap(apperr.KindNetwork, err, msg, opt)
}

package version

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/container"
	"github.com/BadgerOps/kraken/internal/credentials"
	"github.com/BadgerOps/kraken/internal/manifest"
	"github.com/BadgerOps/kraken/internal/registry"
)

// LatestStableTag asks for the highest stable declared version.
const LatestStableTag = "latest-stable"

// ErrNoStableVersion is returned when no declared version qualifies as the
// latest stable one.
var ErrNoStableVersion = apperr.New(apperr.KindNotFound, "no stable version", apperr.WithStep(apperr.StepResolve))

// Registry is the part of the registry client the resolver needs.
type Registry interface {
	Tags(ctx context.Context, repository string) ([]string, error)
	ListTags(ctx context.Context, repository string) ([]registry.TagInfo, error)
	Describe(ctx context.Context, repository, tag string) (registry.TagInfo, error)
}

// Manifests supplies declared version lists.
type Manifests interface {
	Get(ctx context.Context, id manifest.Identity) (*manifest.Manifest, error)
}

// InUseChecker reports whether repository:tag backs a running workload.
type InUseChecker interface {
	InUse(repository, tag string) bool
}

// Request asks for a concrete image.
type Request struct {
	Repository string
	Tag        string
	// Identity selects the manifest consulted for LatestStableTag. Without it
	// the registry's tag list is used.
	Identity *manifest.Identity
	// RemoteCheck forces a registry lookup even when the tag is present locally.
	RemoteCheck bool
}

// Resolution is a resolved, digest-pinned image.
type Resolution struct {
	Repository   string `json:"repository"`
	Tag          string `json:"tag"`
	ImageRef     string `json:"image_ref"`
	Digest       string `json:"digest"`
	PullRequired bool   `json:"pull_required"`
	// LocalOnly means Digest is a local image ID, not a registry digest.
	LocalOnly    bool   `json:"local_only,omitempty"`
	Architecture string `json:"architecture,omitempty"`
}

// PinnedRef is the reference a container is created from: the image pinned by
// digest, or its local ID when no registry digest is known.
func (r Resolution) PinnedRef() string {
	if r.LocalOnly || r.Digest == "" {
		if r.Digest != "" {
			return r.Digest
		}
		return r.ImageRef
	}
	return container.DigestRef(r.Repository, r.Digest)
}

// Available is the combined remote and local view of a repository. A registry
// failure is reported in Error alongside the local results.
type Available struct {
	Remote []Entry `json:"remote"`
	Local  []Entry `json:"local"`
	Error  string  `json:"error,omitempty"`
}

// Options configures a Resolver.
type Options struct {
	Runtime     container.Runtime
	Registry    Registry
	Manifests   Manifests
	Credentials credentials.Store
	Catalog     *Catalog
	// Architecture filters declared versions. Empty uses the host architecture.
	Architecture string
}

// Resolver turns (repository, tag) requests into pinned images.
type Resolver struct {
	rt        container.Runtime
	registry  Registry
	manifests Manifests
	creds     credentials.Store
	catalog   *Catalog
	arch      string
	logger    *slog.Logger

	mu       sync.RWMutex
	checkers []InUseChecker
}

// NewResolver creates a resolver.
func NewResolver(opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = NewCatalog(0, 0)
	}
	arch := opts.Architecture
	if arch == "" {
		arch = runtime.GOARCH
	}
	return &Resolver{
		rt:        opts.Runtime,
		registry:  opts.Registry,
		manifests: opts.Manifests,
		creds:     opts.Credentials,
		catalog:   catalog,
		arch:      arch,
		logger:    logger,
	}
}

// AddInUseChecker registers a source of in-use versions consulted by Delete.
func (r *Resolver) AddInUseChecker(c InUseChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, c)
}

// Catalog returns the resolver's version cache.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// Resolve determines the image to run for req.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	if _, err := registry.ParseRepository(req.Repository); err != nil {
		return Resolution{}, apperr.Wrap(apperr.KindUnknown, err, "resolve", apperr.WithStep(apperr.StepResolve))
	}
	if req.Tag == "" {
		return Resolution{}, apperr.New(apperr.KindInvalid, "no tag requested", apperr.WithStep(apperr.StepResolve))
	}
	logger := slogcontext.FromCtx(ctx).With("repository", req.Repository)

	tag := req.Tag
	if tag == LatestStableTag {
		var err error
		if tag, err = r.latestStable(ctx, req); err != nil {
			return Resolution{}, err
		}
		logger.Debug("resolved latest stable version", "tag", tag)
	}

	images, err := r.rt.ListImages(ctx)
	if err != nil {
		return Resolution{}, apperr.Wrap(apperr.KindUnknown, err, "listing local images", apperr.WithStep(apperr.StepResolve))
	}
	local, haveLocal := findLocal(images, req.Repository, tag)

	if haveLocal && !req.RemoteCheck {
		return localResolution(req.Repository, tag, local), nil
	}

	entry, err := r.describe(ctx, req.Repository, tag, req.RemoteCheck)
	if err != nil {
		if !haveLocal {
			return Resolution{}, err
		}
		switch apperr.KindOf(err) {
		case apperr.KindNetwork:
			logger.Warn("registry unreachable, using local copy", "tag", tag, "error", err)
			return localResolution(req.Repository, tag, local), nil
		case apperr.KindNotFound:
			logger.Info("tag unknown to registry, using local copy", "tag", tag)
			return localResolution(req.Repository, tag, local), nil
		}
		return Resolution{}, err
	}

	res := Resolution{
		Repository:   req.Repository,
		Tag:          tag,
		ImageRef:     ImageRef(req.Repository, tag),
		Digest:       entry.Digest,
		PullRequired: !haveLocal || !local.HasDigest(entry.Digest),
		Architecture: entry.Architecture,
	}
	return res, nil
}

func (r *Resolver) describe(ctx context.Context, repository, tag string, fresh bool) (Entry, error) {
	if !fresh {
		if e, ok := r.catalog.Get(repository, tag); ok && !e.LocalOnly {
			return e, nil
		}
	}
	info, err := r.registry.Describe(ctx, repository, tag)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Repository:   repository,
		Tag:          info.Tag,
		Digest:       info.Digest,
		Architecture: info.Architecture,
		LastModified: info.LastModified,
	}
	r.catalog.Put(e)
	return e, nil
}

func (r *Resolver) latestStable(ctx context.Context, req Request) (string, error) {
	var versions []manifest.VersionDescriptor
	if req.Identity != nil && r.manifests != nil {
		m, err := r.manifests.Get(ctx, *req.Identity)
		if err != nil {
			return "", err
		}
		versions = m.Versions
	} else {
		tags, err := r.registry.Tags(ctx, req.Repository)
		if err != nil {
			return "", err
		}
		for _, t := range tags {
			versions = append(versions, manifest.VersionDescriptor{Tag: t})
		}
	}
	return LatestStable(versions, r.arch)
}

// LatestStable returns the tag with the highest semantic version that is not
// a pre-release and supports arch. Tags that are not semantic versions are
// ignored.
func LatestStable(versions []manifest.VersionDescriptor, arch string) (string, error) {
	var best *semver.Version
	bestTag := ""
	for _, v := range versions {
		if v.Prerelease || !v.Supports(arch) {
			continue
		}
		ver, err := semver.NewVersion(v.Tag)
		if err != nil || ver.Prerelease() != "" {
			continue
		}
		if best == nil || ver.GreaterThan(best) {
			best, bestTag = ver, v.Tag
		}
	}
	if best == nil {
		return "", ErrNoStableVersion
	}
	return bestTag, nil
}

// Pull fetches the image of res if needed and returns the resolution with the
// digest the runtime now knows it by.
func (r *Resolver) Pull(ctx context.Context, res Resolution, progress container.ProgressFunc) (Resolution, error) {
	if !res.PullRequired {
		return res, nil
	}
	registryAuth, err := credentials.ForImage(ctx, r.creds, res.Repository)
	if err != nil {
		return res, apperr.Wrap(apperr.KindUnknown, err, "loading registry credential", apperr.WithStep(apperr.StepPull))
	}
	dgst, err := r.rt.Pull(ctx, res.ImageRef, container.PullOptions{RegistryAuth: registryAuth, Progress: progress})
	if err != nil {
		return res, apperr.Wrap(apperr.KindUnknown, err, "pulling "+res.ImageRef, apperr.WithStep(apperr.StepPull))
	}
	if dgst != "" && dgst != res.Digest {
		slogcontext.FromCtx(ctx).Warn("tag moved while pulling", "image", res.ImageRef, "expected", res.Digest, "digest", dgst)
		res.Digest = dgst
		r.catalog.Invalidate(res.Repository, res.Tag)
	}
	res.PullRequired = false
	return res, nil
}

// Delete removes repository:tag from the local store. A version backing a
// running workload is refused with a conflict.
func (r *Resolver) Delete(ctx context.Context, repository, tag string) error {
	r.mu.RLock()
	checkers := append([]InUseChecker(nil), r.checkers...)
	r.mu.RUnlock()
	for _, c := range checkers {
		if c.InUse(repository, tag) {
			return apperr.New(apperr.KindConflict, container.Ref(repository, tag)+" is in use", apperr.WithStep(apperr.StepRemove))
		}
	}

	images, err := r.rt.ListImages(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindUnknown, err, "listing local images", apperr.WithStep(apperr.StepRemove))
	}
	if _, ok := findLocal(images, repository, tag); !ok {
		return apperr.New(apperr.KindNotFound, ImageRef(repository, tag)+" is not present locally", apperr.WithStep(apperr.StepRemove))
	}
	if err := r.rt.RemoveImage(ctx, ImageRef(repository, tag)); err != nil {
		return apperr.Wrap(apperr.KindUnknown, err, "removing "+ImageRef(repository, tag), apperr.WithStep(apperr.StepRemove))
	}
	r.catalog.Invalidate(repository, tag)
	r.logger.Info("deleted version", "repository", repository, "tag", tag)
	return nil
}

// LocalVersions lists the tags of repository present locally, sorted by tag.
func (r *Resolver) LocalVersions(ctx context.Context, repository string) ([]Entry, error) {
	images, err := r.rt.ListImages(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnknown, err, "listing local images", apperr.WithStep(apperr.StepInspect))
	}
	want := container.FamiliarName(repository)
	var out []Entry
	for _, img := range images {
		for _, rt := range img.RepoTags {
			repo, tag, ok := container.SplitTag(rt)
			if !ok || container.FamiliarName(repo) != want {
				continue
			}
			e := Entry{
				Repository:   repository,
				Tag:          tag,
				Digest:       img.DigestFor(repository),
				LastModified: img.Created,
			}
			if e.Digest == "" {
				e.Digest = img.ID
				e.LocalOnly = true
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

// AvailableVersions lists what the registry offers for repository next to
// what is present locally. When the registry cannot be listed, the remote
// versions still held by the catalog are returned with the error.
func (r *Resolver) AvailableVersions(ctx context.Context, repository string) (Available, error) {
	local, err := r.LocalVersions(ctx, repository)
	if err != nil {
		return Available{}, err
	}
	out := Available{Local: local, Remote: []Entry{}}

	tags, err := r.registry.ListTags(ctx, repository)
	if err != nil {
		for _, e := range r.catalog.Entries(repository) {
			if !e.LocalOnly {
				out.Remote = append(out.Remote, e)
			}
		}
		r.logger.Warn("listing remote versions failed", "repository", repository, "cached", len(out.Remote), "error", err)
		out.Error = err.Error()
		return out, nil
	}
	for _, t := range tags {
		e := Entry{
			Repository:   repository,
			Tag:          t.Tag,
			Digest:       t.Digest,
			Architecture: t.Architecture,
			LastModified: t.LastModified,
		}
		r.catalog.Put(e)
		out.Remote = append(out.Remote, e)
	}
	return out, nil
}

// isDigest reports whether a requested tag pins an image by content digest.
func isDigest(tag string) bool {
	_, err := digest.Parse(tag)
	return err == nil
}

// ImageRef joins repository and tag, or repository and digest when tag is one.
func ImageRef(repository, tag string) string {
	if isDigest(tag) {
		return container.DigestRef(repository, tag)
	}
	return container.Ref(repository, tag)
}

// findLocal looks tag up among images, as repository:tag or, for a digest, as
// the image ID or a registry digest recorded for repository.
func findLocal(images []container.Image, repository, tag string) (container.Image, bool) {
	pinned := isDigest(tag)
	for _, img := range images {
		if pinned && (img.ID == tag || img.HasRepoDigest(repository, tag)) {
			return img, true
		}
		if !pinned && img.HasTag(repository, tag) {
			return img, true
		}
	}
	return container.Image{}, false
}

func localResolution(repository, tag string, img container.Image) Resolution {
	res := Resolution{
		Repository: repository,
		Tag:        tag,
		ImageRef:   ImageRef(repository, tag),
		Digest:     img.DigestFor(repository),
	}
	if isDigest(tag) {
		if img.ID == tag {
			res.ImageRef = img.ID
		} else {
			res.Digest = tag
		}
	}
	if res.Digest == "" {
		res.Digest = img.ID
		res.LocalOnly = true
	}
	return res
}

// Package chooser is the surface the API layer calls: it selects the running
// core and bootstrap versions, manages locally stored images and registry
// accounts, and routes extension operations to the orchestrator.
package chooser

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/container"
	"github.com/BadgerOps/kraken/internal/credentials"
	"github.com/BadgerOps/kraken/internal/engine"
	"github.com/BadgerOps/kraken/internal/extension"
	"github.com/BadgerOps/kraken/internal/manifest"
	"github.com/BadgerOps/kraken/internal/store"
	"github.com/BadgerOps/kraken/internal/version"
)

// DefaultRegistry is the registry assumed by login requests without one.
const DefaultRegistry = "https://index.docker.io/v1/"

// VersionResponse describes the selected core version.
type VersionResponse struct {
	Repository   string    `json:"repository"`
	Tag          string    `json:"tag"`
	LastModified time.Time `json:"last_modified"`
	Sha          string    `json:"sha"`
	Architecture string    `json:"architecture"`
}

// LocalVersions lists the core versions present locally. A listing failure is
// reported in Error.
type LocalVersions struct {
	Local []version.Entry `json:"local"`
	Error string          `json:"error,omitempty"`
}

// DockerLoginInfo is one registry account as the API exchanges it.
type DockerLoginInfo struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Registry string `json:"registry,omitempty"`
}

// Options wires a Chooser to the components it fronts.
type Options struct {
	Resolver     *version.Resolver
	Slots        *version.Slots
	Runtime      container.Runtime
	Credentials  credentials.Store
	Login        credentials.LoginOptions
	Orchestrator *engine.Orchestrator
	Manifests    *manifest.Store
	// Architecture is reported for versions whose platform is unknown.
	Architecture string
}

// Chooser implements the version chooser operations.
type Chooser struct {
	resolver  *version.Resolver
	slots     *version.Slots
	rt        container.Runtime
	creds     credentials.Store
	login     credentials.LoginOptions
	orch      *engine.Orchestrator
	manifests *manifest.Store
	arch      string
	logger    *slog.Logger
}

// New creates a chooser.
func New(opts Options, logger *slog.Logger) *Chooser {
	if logger == nil {
		logger = slog.Default()
	}
	arch := opts.Architecture
	if arch == "" {
		arch = runtime.GOARCH
	}
	return &Chooser{
		resolver:  opts.Resolver,
		slots:     opts.Slots,
		rt:        opts.Runtime,
		creds:     opts.Credentials,
		login:     opts.Login,
		orch:      opts.Orchestrator,
		manifests: opts.Manifests,
		arch:      arch,
		logger:    logger,
	}
}

// ============================================================================
// Core version
// ============================================================================

// CurrentVersion returns the selected core version.
func (c *Chooser) CurrentVersion(ctx context.Context) (VersionResponse, error) {
	sel, err := c.slots.Current(ctx, version.SlotCore)
	if err != nil {
		return VersionResponse{}, err
	}
	return c.describe(ctx, sel), nil
}

// SetVersion selects repository:tag as the core version. An empty repository
// selects from the configured core repository.
func (c *Chooser) SetVersion(ctx context.Context, repository, tag string, progress container.ProgressFunc) (VersionResponse, error) {
	if tag == "" {
		return VersionResponse{}, apperr.New(apperr.KindInvalid, "tag is required")
	}
	sel, err := c.slots.Set(ctx, version.SlotCore, repository, tag, progress)
	if err != nil {
		return VersionResponse{}, err
	}
	return c.describe(ctx, sel), nil
}

// DeleteVersion removes a stored version that nothing runs.
func (c *Chooser) DeleteVersion(ctx context.Context, repository, tag string) error {
	if repository == "" || tag == "" {
		return apperr.New(apperr.KindInvalid, "repository and tag are required")
	}
	return c.resolver.Delete(ctx, repository, tag)
}

// PullVersion fetches repository:tag into the local store without selecting it.
func (c *Chooser) PullVersion(ctx context.Context, repository, tag string, progress container.ProgressFunc) (version.Resolution, error) {
	if repository == "" || tag == "" {
		return version.Resolution{}, apperr.New(apperr.KindInvalid, "repository and tag are required")
	}
	res, err := c.resolver.Resolve(ctx, version.Request{Repository: repository, Tag: tag, RemoteCheck: true})
	if err != nil {
		return res, err
	}
	return c.resolver.Pull(ctx, res, progress)
}

// LoadVersion imports the images of a docker archive and returns their
// references.
func (c *Chooser) LoadVersion(ctx context.Context, archive io.Reader, progress container.ProgressFunc) ([]string, error) {
	refs, err := c.rt.LoadImage(ctx, archive, progress)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnknown, err, "loading image archive", apperr.WithStep(apperr.StepLoad))
	}
	if len(refs) == 0 {
		return nil, apperr.New(apperr.KindInvalid, "archive contains no tagged image", apperr.WithStep(apperr.StepLoad))
	}
	for _, ref := range refs {
		if repo, tag, ok := container.SplitTag(ref); ok {
			c.resolver.Catalog().Invalidate(repo, tag)
		}
	}
	c.logger.Info("loaded image archive", "images", refs)
	return refs, nil
}

// Restart restarts the running core container.
func (c *Chooser) Restart(ctx context.Context) error {
	return c.slots.RestartCore(ctx)
}

// LocalVersions lists the stored versions of the core repository.
func (c *Chooser) LocalVersions(ctx context.Context) LocalVersions {
	local, err := c.resolver.LocalVersions(ctx, c.slots.Repository(version.SlotCore))
	if err != nil {
		c.logger.Warn("listing local versions failed", "error", err)
		return LocalVersions{Local: []version.Entry{}, Error: err.Error()}
	}
	if local == nil {
		local = []version.Entry{}
	}
	return LocalVersions{Local: local}
}

// AvailableVersions lists the remote and local versions of repository.
func (c *Chooser) AvailableVersions(ctx context.Context, repository string) (version.Available, error) {
	if repository == "" {
		return version.Available{}, apperr.New(apperr.KindInvalid, "repository is required")
	}
	return c.resolver.AvailableVersions(ctx, repository)
}

func (c *Chooser) describe(ctx context.Context, sel version.Selection) VersionResponse {
	resp := VersionResponse{Repository: sel.Repository, Tag: sel.Tag, Sha: sel.Digest}
	if e, ok := c.resolver.Catalog().Get(sel.Repository, sel.Tag); ok {
		resp.LastModified = e.LastModified
		resp.Architecture = e.Architecture
		if resp.Sha == "" {
			resp.Sha = e.Digest
		}
	}
	if resp.LastModified.IsZero() {
		local, err := c.resolver.LocalVersions(ctx, sel.Repository)
		if err != nil {
			c.logger.Debug("listing local versions failed", "repository", sel.Repository, "error", err)
		}
		for _, e := range local {
			if e.Tag == sel.Tag {
				resp.LastModified = e.LastModified
				break
			}
		}
	}
	if resp.Architecture == "" {
		resp.Architecture = c.arch
	}
	return resp
}

// ============================================================================
// Bootstrap
// ============================================================================

// BootstrapVersion returns the tag of the selected bootstrap image.
func (c *Chooser) BootstrapVersion(ctx context.Context) (string, error) {
	sel, err := c.slots.Current(ctx, version.SlotBootstrap)
	if err != nil {
		return "", err
	}
	return sel.Tag, nil
}

// SetBootstrapVersion recreates the bootstrap container on tag.
func (c *Chooser) SetBootstrapVersion(ctx context.Context, tag string, progress container.ProgressFunc) (version.Selection, error) {
	if tag == "" {
		return version.Selection{}, apperr.New(apperr.KindInvalid, "tag is required")
	}
	return c.slots.Set(ctx, version.SlotBootstrap, "", tag, progress)
}

// ============================================================================
// Registry accounts
// ============================================================================

// DockerLogin verifies an account against its registry and stores it.
func (c *Chooser) DockerLogin(ctx context.Context, info DockerLoginInfo) error {
	cred := credentials.Credential{Registry: registryOrDefault(info.Registry), Username: info.Username, Password: info.Password}
	if err := credentials.Login(ctx, c.creds, cred, c.login); err != nil {
		return err
	}
	c.logger.Info("logged in", "registry", cred.Registry, "username", cred.Username)
	return nil
}

// DockerLogout forgets the account of a registry.
func (c *Chooser) DockerLogout(ctx context.Context, info DockerLoginInfo) error {
	return c.creds.Delete(ctx, registryOrDefault(info.Registry))
}

// DockerAccounts lists the stored accounts without their passwords.
func (c *Chooser) DockerAccounts(ctx context.Context) ([]DockerLoginInfo, error) {
	registries, err := c.creds.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DockerLoginInfo, 0, len(registries))
	for _, reg := range registries {
		cred, err := c.creds.Get(ctx, reg)
		if apperr.IsKind(err, apperr.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, DockerLoginInfo{Username: cred.Username, Registry: reg})
	}
	return out, nil
}

func registryOrDefault(reg string) string {
	if reg == "" {
		return DefaultRegistry
	}
	return reg
}

// ============================================================================
// Extensions
// ============================================================================

// Extensions returns the status of every installed extension.
func (c *Chooser) Extensions() []extension.Status {
	return c.orch.List()
}

// Extension returns the status of one extension.
func (c *Chooser) Extension(ident extension.Identity) (extension.Status, error) {
	return c.orch.Status(ident)
}

// Catalog lists the extensions the manifest source declares, by name.
func (c *Chooser) Catalog(ctx context.Context) ([]manifest.Manifest, error) {
	all, err := c.manifests.Available(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

// Submit queues an extension operation and returns without waiting for it.
func (c *Chooser) Submit(ident extension.Identity, op engine.Operation) (*engine.Ticket, error) {
	return c.orch.Submit(ident, op)
}

// Run submits an extension operation and waits for it.
func (c *Chooser) Run(ctx context.Context, ident extension.Identity, op engine.Operation) (extension.Status, error) {
	if err := c.orch.Do(ctx, ident, op); err != nil {
		return extension.Status{}, err
	}
	if op.Kind == engine.OpRemove {
		return extension.Status{Repository: ident.Repository, Name: ident.Name, State: extension.StateUninstalled}, nil
	}
	return c.orch.Status(ident)
}

// CancelOperation cancels an operation that has not started.
func (c *Chooser) CancelOperation(id string) error {
	return c.orch.Cancel(id)
}

// Operations returns the operation history of ident, newest first.
func (c *Chooser) Operations(ident extension.Identity, limit int) ([]store.Operation, error) {
	return c.orch.Operations(ident, limit)
}

// Logs streams the container output of an extension.
func (c *Chooser) Logs(ctx context.Context, ident extension.Identity, opts container.LogOptions) (io.ReadCloser, error) {
	return c.orch.Logs(ctx, ident, opts)
}

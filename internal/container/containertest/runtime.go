// Package containertest provides an in-memory container.Runtime for tests.
package containertest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/container"
)

// Operation names accepted by FailNext, SetHook and Calls.
const (
	OpPing        = "ping"
	OpPull        = "pull"
	OpCreate      = "create"
	OpStart       = "start"
	OpStop        = "stop"
	OpRestart     = "restart"
	OpRemove      = "remove"
	OpInspect     = "inspect"
	OpList        = "list"
	OpListImages  = "list_images"
	OpRemoveImage = "remove_image"
	OpLoad        = "load"
	OpRecreate    = "recreate"
	OpLogs        = "logs"
)

// Container is the fake's record of one container.
type Container struct {
	ID       string
	Name     string
	Image    string
	ImageID  string
	Labels   map[string]string
	Settings string
	Running  bool
	ExitCode int
}

// Runtime is a thread-safe fake of container.Runtime.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*Container
	images     []container.Image
	remote     map[string]string
	logs       map[string]string
	failures   map[string][]error
	hooks      map[string]func(ctx context.Context) error
	calls      map[string]int
	seq        int
}

var _ container.Runtime = (*Runtime)(nil)

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*Container),
		remote:     make(map[string]string),
		logs:       make(map[string]string),
		failures:   make(map[string][]error),
		hooks:      make(map[string]func(ctx context.Context) error),
		calls:      make(map[string]int),
	}
}

// ImageID derives a stable local image ID for a registry digest.
func ImageID(dgst string) string {
	return digest.FromString("image:" + dgst).String()
}

// AddImage puts repository:tag (known by dgst) into the local store.
func (r *Runtime) AddImage(repository, tag, dgst string) {
	r.AddImageAt(repository, tag, dgst, time.Now())
}

// AddImageAt is AddImage with an explicit creation time.
func (r *Runtime) AddImageAt(repository, tag, dgst string, created time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addImageLocked(repository, tag, dgst, created)
}

// AddLocalImage puts repository:tag into the local store without a registry
// digest, as a locally built or loaded image would be. It returns the image ID.
func (r *Runtime) AddLocalImage(repository, tag string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := digest.FromString("local:" + repository + ":" + tag).String()
	r.images = append(r.images, container.Image{
		ID:       id,
		RepoTags: []string{container.FamiliarName(repository) + ":" + tag},
		Created:  time.Now(),
		Size:     1 << 20,
	})
	return id
}

// AddRemote makes repository:tag pullable, resolving to dgst.
func (r *Runtime) AddRemote(repository, tag, dgst string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote[container.FamiliarName(repository)+":"+tag] = dgst
}

// SetLogs sets the log output returned for a container.
func (r *Runtime) SetLogs(id, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[id] = output
}

// FailNext queues err as the result of the next call to op.
func (r *Runtime) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = append(r.failures[op], err)
}

// SetHook runs fn at the start of every call to op. A non-nil result fails
// the call. Hooks run without the fake's lock held, so they may block.
func (r *Runtime) SetHook(op string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.hooks, op)
		return
	}
	r.hooks[op] = fn
}

// Calls returns how many times op was called.
func (r *Runtime) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Kill marks a container as exited, as if it crashed.
func (r *Runtime) Kill(id string, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.Running = false
		c.ExitCode = exitCode
	}
}

// Vanish deletes a container behind the orchestrator's back.
func (r *Runtime) Vanish(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
}

// Seed registers a container directly, bypassing create.
func (r *Runtime) Seed(c Container) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = r.nextIDLocked()
	}
	cc := c
	r.containers[c.ID] = &cc
	return c.ID
}

// Containers returns a snapshot of every container.
func (r *Runtime) Containers() []Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, *c)
	}
	return out
}

// Running returns the running containers whose name starts with prefix.
func (r *Runtime) Running(prefix string) []Container {
	var out []Container
	for _, c := range r.Containers() {
		if c.Running && strings.HasPrefix(c.Name, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Get returns the container with id.
func (r *Runtime) Get(id string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

func (r *Runtime) enter(ctx context.Context, op string) error {
	r.mu.Lock()
	r.calls[op]++
	hook := r.hooks[op]
	var queued error
	if errs := r.failures[op]; len(errs) > 0 {
		queued = errs[0]
		r.failures[op] = errs[1:]
	}
	r.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if queued != nil {
		return queued
	}
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.KindCancelled, err, op)
	}
	return nil
}

func (r *Runtime) Ping(ctx context.Context) error {
	return r.enter(ctx, OpPing)
}

func (r *Runtime) Pull(ctx context.Context, ref string, opts container.PullOptions) (string, error) {
	if err := r.enter(ctx, OpPull); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, tag, dgst := "", "", ""
	if rp, d, ok := strings.Cut(ref, "@"); ok {
		repo, dgst = rp, d
		for key, remote := range r.remote {
			if remote == d && strings.HasPrefix(key, container.FamiliarName(rp)+":") {
				tag = strings.TrimPrefix(key, container.FamiliarName(rp)+":")
				break
			}
		}
		if tag == "" {
			return "", apperr.New(apperr.KindNotFound, "manifest unknown: "+ref, apperr.WithStep(apperr.StepPull))
		}
	} else {
		rp, t, _ := container.SplitTag(ref)
		d, ok := r.remote[container.FamiliarName(rp)+":"+t]
		if !ok {
			return "", apperr.New(apperr.KindNotFound, "manifest unknown: "+ref, apperr.WithStep(apperr.StepPull))
		}
		repo, tag, dgst = rp, t, d
	}

	if opts.Progress != nil {
		layer := strings.TrimPrefix(dgst, "sha256:")
		if len(layer) > 12 {
			layer = layer[:12]
		}
		opts.Progress(container.Progress{ID: layer, Status: "Downloading", Current: 50, Total: 100})
		opts.Progress(container.Progress{ID: layer, Status: "Pull complete"})
		opts.Progress(container.Progress{Status: "Digest: " + dgst})
	}
	r.addImageLocked(repo, tag, dgst, time.Now())
	return dgst, nil
}

func (r *Runtime) CreateAndStart(ctx context.Context, cfg container.RunConfig) (string, error) {
	if err := r.enter(ctx, OpCreate); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.containers {
		if c.Name == cfg.Name {
			return "", apperr.New(apperr.KindConflict, "container name "+cfg.Name+" already in use", apperr.WithStep(apperr.StepCreate))
		}
	}
	img, ok := r.findImageLocked(cfg.Image)
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "no such image: "+cfg.Image, apperr.WithStep(apperr.StepCreate))
	}
	labels := make(map[string]string, len(cfg.Labels))
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	id := r.nextIDLocked()
	r.containers[id] = &Container{
		ID:       id,
		Name:     cfg.Name,
		Image:    cfg.Image,
		ImageID:  img.ID,
		Labels:   labels,
		Settings: string(cfg.Settings),
		Running:  true,
	}
	return id, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	if err := r.enter(ctx, OpStart); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookupLocked(id)
	if !ok {
		return apperr.New(apperr.KindNotFound, "no such container: "+id, apperr.WithStep(apperr.StepStart))
	}
	c.Running = true
	c.ExitCode = 0
	return nil
}

func (r *Runtime) Stop(ctx context.Context, id string, _ time.Duration) error {
	if err := r.enter(ctx, OpStop); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.lookupLocked(id); ok {
		c.Running = false
	}
	return nil
}

func (r *Runtime) Restart(ctx context.Context, id string, _ time.Duration) error {
	if err := r.enter(ctx, OpRestart); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookupLocked(id)
	if !ok {
		return apperr.New(apperr.KindNotFound, "no such container: "+id, apperr.WithStep(apperr.StepStart))
	}
	c.Running = true
	c.ExitCode = 0
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	if err := r.enter(ctx, OpRemove); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.lookupLocked(id); ok {
		delete(r.containers, c.ID)
	}
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, id string) (container.ObservedState, error) {
	if err := r.enter(ctx, OpInspect); err != nil {
		return container.ObservedState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookupLocked(id)
	if !ok {
		return container.ObservedState{}, apperr.New(apperr.KindNotFound, "no such container: "+id, apperr.WithStep(apperr.StepInspect))
	}
	return observe(c), nil
}

func (r *Runtime) List(ctx context.Context, labels map[string]string) ([]container.ObservedState, error) {
	if err := r.enter(ctx, OpList); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []container.ObservedState
	for _, c := range r.containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, observe(c))
		}
	}
	return out, nil
}

func (r *Runtime) ListImages(ctx context.Context) ([]container.Image, error) {
	if err := r.enter(ctx, OpListImages); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]container.Image, len(r.images))
	copy(out, r.images)
	return out, nil
}

func (r *Runtime) RemoveImage(ctx context.Context, ref string) error {
	if err := r.enter(ctx, OpRemoveImage); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.findImageLocked(ref)
	if !ok {
		return apperr.New(apperr.KindNotFound, "no such image: "+ref, apperr.WithStep(apperr.StepRemove))
	}
	for _, c := range r.containers {
		if c.ImageID == img.ID {
			return apperr.New(apperr.KindConflict, "image is being used by container "+c.ID, apperr.WithStep(apperr.StepRemove))
		}
	}
	kept := r.images[:0]
	for _, existing := range r.images {
		if existing.ID != img.ID {
			kept = append(kept, existing)
		}
	}
	r.images = kept
	return nil
}

// LoadImage reads one "repository:tag" reference per archive line.
func (r *Runtime) LoadImage(ctx context.Context, archive io.Reader, progress container.ProgressFunc) ([]string, error) {
	if err := r.enter(ctx, OpLoad); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(archive)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err, "reading archive", apperr.WithStep(apperr.StepLoad))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var loaded []string
	for _, line := range strings.Split(string(data), "\n") {
		ref := strings.TrimSpace(line)
		if ref == "" {
			continue
		}
		repo, tag, ok := container.SplitTag(ref)
		if !ok {
			return nil, apperr.New(apperr.KindInvalid, "archive entry "+ref+" has no tag", apperr.WithStep(apperr.StepLoad))
		}
		r.addImageLocked(repo, tag, digest.FromString(ref).String(), time.Now())
		loaded = append(loaded, ref)
		if progress != nil {
			progress(container.Progress{Status: "Loaded image: " + ref})
		}
	}
	return loaded, nil
}

func (r *Runtime) Recreate(ctx context.Context, name, ref string, _ time.Duration) (string, error) {
	if err := r.enter(ctx, OpRecreate); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var current *Container
	for _, c := range r.containers {
		if c.Name == name {
			current = c
			break
		}
	}
	if current == nil {
		return "", apperr.New(apperr.KindNotFound, "no such container: "+name, apperr.WithStep(apperr.StepInspect))
	}
	img, ok := r.findImageLocked(ref)
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "no such image: "+ref, apperr.WithStep(apperr.StepCreate))
	}
	delete(r.containers, current.ID)
	id := r.nextIDLocked()
	r.containers[id] = &Container{
		ID:       id,
		Name:     name,
		Image:    ref,
		ImageID:  img.ID,
		Labels:   current.Labels,
		Settings: current.Settings,
		Running:  true,
	}
	return id, nil
}

func (r *Runtime) Logs(ctx context.Context, id string, _ container.LogOptions) (io.ReadCloser, error) {
	if err := r.enter(ctx, OpLogs); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookupLocked(id)
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "no such container: "+id, apperr.WithStep(apperr.StepInspect))
	}
	return io.NopCloser(strings.NewReader(r.logs[c.ID])), nil
}

// caller holds r.mu
func (r *Runtime) addImageLocked(repository, tag, dgst string, created time.Time) {
	repoTag := container.FamiliarName(repository) + ":" + tag
	repoDigest := container.FamiliarName(repository) + "@" + dgst
	id := ImageID(dgst)

	// A tag points at one image only.
	for i := range r.images {
		tags := r.images[i].RepoTags[:0]
		for _, t := range r.images[i].RepoTags {
			if t != repoTag {
				tags = append(tags, t)
			}
		}
		r.images[i].RepoTags = tags
	}
	for i := range r.images {
		if r.images[i].ID == id {
			r.images[i].RepoTags = append(r.images[i].RepoTags, repoTag)
			return
		}
	}
	r.images = append(r.images, container.Image{
		ID:          id,
		RepoTags:    []string{repoTag},
		RepoDigests: []string{repoDigest},
		Created:     created,
		Size:        1 << 20,
	})
}

// caller holds r.mu
func (r *Runtime) findImageLocked(ref string) (container.Image, bool) {
	for _, img := range r.images {
		if img.ID == ref {
			return img, true
		}
		if repo, dgst, ok := strings.Cut(ref, "@"); ok {
			if img.DigestFor(repo) == dgst {
				return img, true
			}
			continue
		}
		if repo, tag, ok := container.SplitTag(ref); ok && img.HasTag(repo, tag) {
			return img, true
		}
	}
	return container.Image{}, false
}

// caller holds r.mu
func (r *Runtime) lookupLocked(idOrName string) (*Container, bool) {
	if c, ok := r.containers[idOrName]; ok {
		return c, true
	}
	for _, c := range r.containers {
		if c.Name == idOrName {
			return c, true
		}
	}
	return nil, false
}

// caller holds r.mu
func (r *Runtime) nextIDLocked() string {
	r.seq++
	return fmt.Sprintf("%064x", r.seq)
}

func observe(c *Container) container.ObservedState {
	st := container.ObservedState{
		ContainerID: c.ID,
		Name:        c.Name,
		Image:       c.Image,
		ImageID:     c.ImageID,
		Running:     c.Running,
		Labels:      c.Labels,
		LastChecked: time.Now(),
	}
	if c.Running {
		st.Status = "running"
	} else {
		st.Status = "exited"
		code := c.ExitCode
		st.ExitCode = &code
	}
	return st
}

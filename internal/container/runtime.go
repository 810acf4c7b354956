// Package container is the capability layer over the local container runtime.
// Everything that mutates or inspects containers and images goes through the
// Runtime interface; the docker adapter is the production implementation.
package container

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// Labels stamped on every container created for an extension.
const (
	LabelManaged    = "kraken.managed"
	LabelRepository = "kraken.repository"
	LabelName       = "kraken.name"
	LabelDigest     = "kraken.digest"
)

// Runtime is the set of container runtime operations the orchestrator needs.
// Each call blocks until done; callers bound it with the context.
type Runtime interface {
	// Ping checks that the runtime answers.
	Ping(ctx context.Context) error

	// Pull fetches ref and returns the digest the local image is known by.
	Pull(ctx context.Context, ref string, opts PullOptions) (string, error)

	// CreateAndStart creates a container from cfg and starts it. A container
	// that was created but failed to start is removed before returning.
	CreateAndStart(ctx context.Context, cfg RunConfig) (string, error)

	// Start starts an existing, stopped container.
	Start(ctx context.Context, id string) error

	// Stop stops a container, waiting up to grace before killing it.
	// A missing container is not an error.
	Stop(ctx context.Context, id string, grace time.Duration) error

	// Restart stops and starts a container in place.
	Restart(ctx context.Context, id string, grace time.Duration) error

	// Remove deletes a container, forcing it down if still running.
	// A missing container is not an error.
	Remove(ctx context.Context, id string) error

	// Inspect reports the observed state of a container. A missing container
	// fails with a not-found error.
	Inspect(ctx context.Context, id string) (ObservedState, error)

	// List returns every container (running or not) carrying all labels.
	List(ctx context.Context, labels map[string]string) ([]ObservedState, error)

	// ListImages returns the images in the local store.
	ListImages(ctx context.Context) ([]Image, error)

	// RemoveImage deletes an image reference from the local store.
	RemoveImage(ctx context.Context, ref string) error

	// LoadImage imports an image archive and returns the loaded references.
	LoadImage(ctx context.Context, archive io.Reader, progress ProgressFunc) ([]string, error)

	// Recreate replaces the named container with one running ref, keeping the
	// rest of its configuration.
	Recreate(ctx context.Context, name, ref string, grace time.Duration) (string, error)

	// Logs streams the container output.
	Logs(ctx context.Context, id string, opts LogOptions) (io.ReadCloser, error)
}

// PullOptions controls a pull.
type PullOptions struct {
	// RegistryAuth is the encoded credential header for the engine, if any.
	RegistryAuth string
	Progress     ProgressFunc
}

// LogOptions controls log streaming.
type LogOptions struct {
	Follow     bool
	Tail       string
	Timestamps bool
}

// RunConfig describes the container to create.
type RunConfig struct {
	Name   string
	Image  string
	Labels map[string]string
	// Settings is the opaque runtime settings blob of an extension: container
	// configuration fields plus an optional HostConfig object.
	Settings json.RawMessage
}

// ObservedState is what the runtime reports about one container.
type ObservedState struct {
	ContainerID string            `json:"container_id"`
	Name        string            `json:"name,omitempty"`
	Image       string            `json:"image,omitempty"`
	ImageID     string            `json:"image_id,omitempty"`
	Running     bool              `json:"running"`
	Status      string            `json:"status,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	LastChecked time.Time         `json:"last_checked"`
}

// Image is an entry of the local image store.
type Image struct {
	ID          string    `json:"id"`
	RepoTags    []string  `json:"repo_tags,omitempty"`
	RepoDigests []string  `json:"repo_digests,omitempty"`
	Created     time.Time `json:"created"`
	Size        int64     `json:"size"`
}

// HasTag reports whether the image is tagged repository:tag.
func (img Image) HasTag(repository, tag string) bool {
	want := FamiliarName(repository) + ":" + tag
	for _, rt := range img.RepoTags {
		repo, t, ok := SplitTag(rt)
		if ok && FamiliarName(repo)+":"+t == want {
			return true
		}
	}
	return false
}

// DigestFor returns the registry digest recorded for repository, if any.
func (img Image) DigestFor(repository string) string {
	want := FamiliarName(repository)
	for _, rd := range img.RepoDigests {
		repo, dgst, ok := strings.Cut(rd, "@")
		if ok && FamiliarName(repo) == want {
			return dgst
		}
	}
	return ""
}

// HasRepoDigest reports whether the image is known as repository@dgst.
func (img Image) HasRepoDigest(repository, dgst string) bool {
	want := FamiliarName(repository)
	for _, rd := range img.RepoDigests {
		repo, d, ok := strings.Cut(rd, "@")
		if ok && d == dgst && FamiliarName(repo) == want {
			return true
		}
	}
	return false
}

// HasDigest reports whether dgst identifies the image, either as its ID or as
// one of its registry digests.
func (img Image) HasDigest(dgst string) bool {
	if dgst == "" {
		return false
	}
	if img.ID == dgst {
		return true
	}
	for _, rd := range img.RepoDigests {
		if _, d, ok := strings.Cut(rd, "@"); ok && d == dgst {
			return true
		}
	}
	return false
}

// FamiliarName normalizes a repository the way the engine displays it:
// the default registry and the library/ namespace are dropped.
func FamiliarName(repository string) string {
	name := strings.TrimSpace(repository)
	for _, prefix := range []string{"docker.io/", "index.docker.io/", "registry-1.docker.io/"} {
		name = strings.TrimPrefix(name, prefix)
	}
	return strings.TrimPrefix(name, "library/")
}

// SplitTag splits repo:tag, ignoring a ':' that belongs to a registry port.
func SplitTag(ref string) (string, string, bool) {
	i := strings.LastIndex(ref, ":")
	if i < 0 || strings.Contains(ref[i+1:], "/") {
		return ref, "", false
	}
	return ref[:i], ref[i+1:], true
}

// Ref joins repository and tag.
func Ref(repository, tag string) string {
	return repository + ":" + tag
}

// DigestRef joins repository and digest.
func DigestRef(repository, dgst string) string {
	return repository + "@" + dgst
}

// IdentityLabels returns the labels identifying an extension's containers.
func IdentityLabels(repository, name string) map[string]string {
	return map[string]string{
		LabelManaged:    "true",
		LabelRepository: repository,
		LabelName:       name,
	}
}

package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/BadgerOps/kraken/internal/apperr"
)

// Docker implements Runtime against a docker engine.
type Docker struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDocker connects to the engine at host. An empty host uses DOCKER_HOST or
// the engine default socket.
func NewDocker(host string, logger *slog.Logger) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Docker{cli: cli, logger: logger}, nil
}

// Close releases the client transport.
func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return classify(err, apperr.StepInspect, "pinging container runtime")
	}
	return nil
}

func (d *Docker) Pull(ctx context.Context, ref string, opts PullOptions) (string, error) {
	d.logger.Info("pulling image", "ref", ref)
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: opts.RegistryAuth})
	if err != nil {
		return "", classify(err, apperr.StepPull, "pulling "+ref)
	}
	defer rc.Close()

	if _, err := decodeStream(rc, opts.Progress); err != nil {
		if ctx.Err() != nil {
			return "", classify(ctx.Err(), apperr.StepPull, "pulling "+ref)
		}
		return "", classifyPullMessage(err, ref)
	}

	inspect, err := d.cli.ImageInspect(ctx, ref)
	if err != nil {
		return "", classify(err, apperr.StepPull, "inspecting pulled image "+ref)
	}
	img := Image{ID: inspect.ID, RepoDigests: inspect.RepoDigests}
	repo := ref
	if r, _, ok := strings.Cut(ref, "@"); ok {
		repo = r
	} else if r, _, ok := SplitTag(ref); ok {
		repo = r
	}
	if dgst := img.DigestFor(repo); dgst != "" {
		return dgst, nil
	}
	return inspect.ID, nil
}

// runSettings is the decoded form of RunConfig.Settings.
type runSettings struct {
	container.Config
	HostConfig       *container.HostConfig       `json:"HostConfig,omitempty"`
	NetworkingConfig *network.NetworkingConfig `json:"NetworkingConfig,omitempty"`
}

func decodeSettings(raw json.RawMessage) (*runSettings, error) {
	s := &runSettings{}
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, s); err != nil {
			return nil, apperr.Wrap(apperr.KindInvalid, err, "decoding container settings", apperr.WithStep(apperr.StepCreate))
		}
	}
	if s.HostConfig == nil {
		s.HostConfig = &container.HostConfig{}
	}
	return s, nil
}

func (d *Docker) CreateAndStart(ctx context.Context, cfg RunConfig) (string, error) {
	s, err := decodeSettings(cfg.Settings)
	if err != nil {
		return "", err
	}
	ccfg := s.Config
	ccfg.Image = cfg.Image
	if ccfg.Labels == nil {
		ccfg.Labels = make(map[string]string, len(cfg.Labels))
	}
	for k, v := range cfg.Labels {
		ccfg.Labels[k] = v
	}

	resp, err := d.cli.ContainerCreate(ctx, &ccfg, s.HostConfig, s.NetworkingConfig, nil, cfg.Name)
	if err != nil {
		return "", classify(err, apperr.StepCreate, "creating container "+cfg.Name)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("container create warning", "name", cfg.Name, "warning", w)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if rmErr := d.cli.ContainerRemove(cleanupCtx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			d.logger.Warn("removing container that failed to start", "id", shortID(resp.ID), "error", rmErr)
		}
		return "", classify(err, apperr.StepStart, "starting container "+cfg.Name)
	}

	d.logger.Info("container started", "name", cfg.Name, "id", shortID(resp.ID), "image", cfg.Image)
	return resp.ID, nil
}

func (d *Docker) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify(err, apperr.StepStart, "starting container "+shortID(id))
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if err != nil && !errdefs.IsNotFound(err) {
		return classify(err, apperr.StepStop, "stopping container "+shortID(id))
	}
	return nil
}

func (d *Docker) Restart(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := d.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return classify(err, apperr.StepStart, "restarting container "+shortID(id))
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return classify(err, apperr.StepRemove, "removing container "+shortID(id))
	}
	return nil
}

func (d *Docker) Inspect(ctx context.Context, id string) (ObservedState, error) {
	resp, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ObservedState{}, classify(err, apperr.StepInspect, "inspecting container "+shortID(id))
	}
	st := ObservedState{LastChecked: time.Now()}
	if resp.ContainerJSONBase != nil {
		st.ContainerID = resp.ID
		st.Name = strings.TrimPrefix(resp.Name, "/")
		st.ImageID = resp.Image
		if resp.State != nil {
			st.Running = resp.State.Running
			st.Status = string(resp.State.Status)
			if !resp.State.Running {
				code := resp.State.ExitCode
				st.ExitCode = &code
			}
		}
	}
	if resp.Config != nil {
		st.Image = resp.Config.Image
		st.Labels = resp.Config.Labels
	}
	return st, nil
}

func (d *Docker) List(ctx context.Context, labels map[string]string) ([]ObservedState, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classify(err, apperr.StepInspect, "listing containers")
	}
	now := time.Now()
	out := make([]ObservedState, 0, len(summaries))
	for _, s := range summaries {
		st := ObservedState{
			ContainerID: s.ID,
			Image:       s.Image,
			ImageID:     s.ImageID,
			Running:     string(s.State) == "running",
			Status:      s.Status,
			Labels:      s.Labels,
			LastChecked: now,
		}
		if len(s.Names) > 0 {
			st.Name = strings.TrimPrefix(s.Names[0], "/")
		}
		out = append(out, st)
	}
	return out, nil
}

func (d *Docker) ListImages(ctx context.Context) ([]Image, error) {
	summaries, err := d.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, classify(err, apperr.StepInspect, "listing images")
	}
	out := make([]Image, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, Image{
			ID:          s.ID,
			RepoTags:    s.RepoTags,
			RepoDigests: s.RepoDigests,
			Created:     time.Unix(s.Created, 0).UTC(),
			Size:        s.Size,
		})
	}
	return out, nil
}

func (d *Docker) RemoveImage(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true}); err != nil {
		return classify(err, apperr.StepRemove, "removing image "+ref)
	}
	d.logger.Info("image removed", "ref", ref)
	return nil
}

func (d *Docker) LoadImage(ctx context.Context, archive io.Reader, progress ProgressFunc) ([]string, error) {
	resp, err := d.cli.ImageLoad(ctx, archive)
	if err != nil {
		return nil, classify(err, apperr.StepLoad, "loading image archive")
	}
	defer resp.Body.Close()

	loaded, err := decodeStream(resp.Body, progress)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err, "loading image archive", apperr.WithStep(apperr.StepLoad))
	}
	return loaded, nil
}

func (d *Docker) Recreate(ctx context.Context, name, ref string, grace time.Duration) (string, error) {
	current, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", classify(err, apperr.StepInspect, "inspecting container "+name)
	}
	if current.Config == nil || current.ContainerJSONBase == nil {
		return "", apperr.New(apperr.KindRuntime, "container "+name+" has no configuration", apperr.WithStep(apperr.StepInspect))
	}

	cfg := *current.Config
	previous := cfg.Image
	cfg.Image = ref
	host := current.HostConfig

	if err := d.Stop(ctx, current.ID, grace); err != nil {
		return "", err
	}
	if err := d.Remove(ctx, current.ID); err != nil {
		return "", err
	}

	resp, err := d.cli.ContainerCreate(ctx, &cfg, host, nil, nil, name)
	if err == nil {
		if err = d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err == nil {
			d.logger.Info("container recreated", "name", name, "image", ref)
			return resp.ID, nil
		}
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
	}

	// Put the previous image back so the slot is never left empty.
	d.logger.Error("recreating container failed, restoring previous image", "name", name, "image", ref, "error", err)
	cfg.Image = previous
	if restored, rErr := d.cli.ContainerCreate(context.WithoutCancel(ctx), &cfg, host, nil, nil, name); rErr == nil {
		_ = d.cli.ContainerStart(context.WithoutCancel(ctx), restored.ID, container.StartOptions{})
	}
	return "", classify(err, apperr.StepCreate, "recreating container "+name)
}

func (d *Docker) Logs(ctx context.Context, id string, opts LogOptions) (io.ReadCloser, error) {
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, classify(err, apperr.StepInspect, "inspecting container "+shortID(id))
	}
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       opts.Tail,
		Timestamps: opts.Timestamps,
	})
	if err != nil {
		return nil, classify(err, apperr.StepInspect, "reading logs of "+shortID(id))
	}
	if inspect.Config != nil && inspect.Config.Tty {
		return rc, nil
	}

	// Non-tty output is multiplexed; merge stdout and stderr.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		rc.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// decodeStream reads an engine JSON message stream, forwarding progress and
// collecting the image references reported by a load.
func decodeStream(r io.Reader, progress ProgressFunc) ([]string, error) {
	var loaded []string
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return loaded, nil
			}
			return loaded, fmt.Errorf("decoding engine stream: %w", err)
		}
		if msg.Error != nil {
			if progress != nil {
				progress(Progress{ID: msg.ID, Error: msg.Error.Message})
			}
			return loaded, errors.New(msg.Error.Message)
		}

		status := msg.Status
		if stream := strings.TrimSpace(msg.Stream); stream != "" {
			status = stream
			if ref, ok := strings.CutPrefix(stream, "Loaded image: "); ok {
				loaded = append(loaded, ref)
			} else if id, ok := strings.CutPrefix(stream, "Loaded image ID: "); ok {
				loaded = append(loaded, id)
			}
		}
		if progress == nil || status == "" {
			continue
		}
		p := Progress{ID: msg.ID, Status: status}
		if msg.Progress != nil {
			p.Current = msg.Progress.Current
			p.Total = msg.Progress.Total
		}
		progress(p)
	}
}

// classify maps an engine failure onto the shared error kinds.
func classify(err error, step apperr.Step, msg string) error {
	opt := apperr.WithStep(step)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.KindCancelled, err, msg, opt)
	case errors.Is(err, context.DeadlineExceeded), errdefs.IsDeadline(err):
		return apperr.Wrap(apperr.KindRuntime, err, msg+": timed out", opt)
	case errdefs.IsNotFound(err):
		return apperr.Wrap(apperr.KindNotFound, err, msg, opt)
	case errdefs.IsConflict(err):
		return apperr.Wrap(apperr.KindConflict, err, msg, opt)
	case errdefs.IsUnauthorized(err), errdefs.IsForbidden(err):
		return apperr.Wrap(apperr.KindAuth, err, msg, opt)
	case errdefs.IsInvalidParameter(err):
		return apperr.Wrap(apperr.KindInvalid, err, msg, opt)
	case errdefs.IsUnavailable(err), client.IsErrConnectionFailed(err):
		return apperr.Wrap(apperr.KindRuntime, err, msg, opt, apperr.Transient())
	default:
		return apperr.Wrap(apperr.KindRuntime, err, msg, opt)
	}
}

// classifyPullMessage maps an in-stream pull error, which the engine reports
// as plain text, onto the shared error kinds.
func classifyPullMessage(err error, ref string) error {
	msg := strings.ToLower(err.Error())
	opt := apperr.WithStep(apperr.StepPull)
	what := "pulling " + ref
	switch {
	case strings.Contains(msg, "no space left on device"):
		return apperr.Wrap(apperr.KindRuntime, err, what+": disk full", opt)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "denied"), strings.Contains(msg, "authentication required"):
		return apperr.Wrap(apperr.KindAuth, err, what, opt)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "manifest unknown"):
		return apperr.Wrap(apperr.KindNotFound, err, what, opt)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"):
		return apperr.Wrap(apperr.KindNetwork, err, what, opt)
	default:
		return apperr.Wrap(apperr.KindRuntime, err, what, opt)
	}
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

package container

import (
	"context"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/BadgerOps/kraken/internal/apperr"
)

// Backoff returns the delay before the given attempt (1-based): base doubled
// each attempt plus jitter up to half the delay, capped at max when max > 0.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(math.Pow(2, float64(attempt-1))) * base
	if max > 0 && (delay > max || delay <= 0) {
		delay = max
	}
	if maxJitter := int64(delay / 2); maxJitter > 0 {
		delay += time.Duration(rand.Int63n(maxJitter))
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

// Retry runs fn up to attempts times, repeating only while it fails with a
// retryable error. The last error is returned.
func Retry(ctx context.Context, logger *slog.Logger, attempts int, base time.Duration, what string, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil || !apperr.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		delay := Backoff(base, 0, attempt)
		logger.Warn("retrying runtime call", "call", what, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindCancelled, ctx.Err(), what)
		case <-time.After(delay):
		}
	}
	return err
}

// WithRetry wraps rt so that every call is retried on transient runtime
// failures. A retried pull starts its progress stream over.
func WithRetry(rt Runtime, attempts int, base time.Duration, logger *slog.Logger) Runtime {
	if attempts <= 1 {
		return rt
	}
	return &retrying{rt: rt, attempts: attempts, base: base, logger: logger}
}

type retrying struct {
	rt       Runtime
	attempts int
	base     time.Duration
	logger   *slog.Logger
}

func (r *retrying) do(ctx context.Context, what string, fn func(context.Context) error) error {
	return Retry(ctx, r.logger, r.attempts, r.base, what, fn)
}

func (r *retrying) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", r.rt.Ping)
}

func (r *retrying) Pull(ctx context.Context, ref string, opts PullOptions) (string, error) {
	var dgst string
	err := r.do(ctx, "pull", func(ctx context.Context) error {
		var err error
		dgst, err = r.rt.Pull(ctx, ref, opts)
		return err
	})
	return dgst, err
}

func (r *retrying) CreateAndStart(ctx context.Context, cfg RunConfig) (string, error) {
	var id string
	err := r.do(ctx, "create", func(ctx context.Context) error {
		var err error
		id, err = r.rt.CreateAndStart(ctx, cfg)
		return err
	})
	return id, err
}

func (r *retrying) Start(ctx context.Context, id string) error {
	return r.do(ctx, "start", func(ctx context.Context) error { return r.rt.Start(ctx, id) })
}

func (r *retrying) Stop(ctx context.Context, id string, grace time.Duration) error {
	return r.do(ctx, "stop", func(ctx context.Context) error { return r.rt.Stop(ctx, id, grace) })
}

func (r *retrying) Restart(ctx context.Context, id string, grace time.Duration) error {
	return r.do(ctx, "restart", func(ctx context.Context) error { return r.rt.Restart(ctx, id, grace) })
}

func (r *retrying) Remove(ctx context.Context, id string) error {
	return r.do(ctx, "remove", func(ctx context.Context) error { return r.rt.Remove(ctx, id) })
}

func (r *retrying) Inspect(ctx context.Context, id string) (ObservedState, error) {
	var st ObservedState
	err := r.do(ctx, "inspect", func(ctx context.Context) error {
		var err error
		st, err = r.rt.Inspect(ctx, id)
		return err
	})
	return st, err
}

func (r *retrying) List(ctx context.Context, labels map[string]string) ([]ObservedState, error) {
	var out []ObservedState
	err := r.do(ctx, "list", func(ctx context.Context) error {
		var err error
		out, err = r.rt.List(ctx, labels)
		return err
	})
	return out, err
}

func (r *retrying) ListImages(ctx context.Context) ([]Image, error) {
	var out []Image
	err := r.do(ctx, "list images", func(ctx context.Context) error {
		var err error
		out, err = r.rt.ListImages(ctx)
		return err
	})
	return out, err
}

func (r *retrying) RemoveImage(ctx context.Context, ref string) error {
	return r.do(ctx, "remove image", func(ctx context.Context) error { return r.rt.RemoveImage(ctx, ref) })
}

// LoadImage consumes the archive, so it is never repeated.
func (r *retrying) LoadImage(ctx context.Context, archive io.Reader, progress ProgressFunc) ([]string, error) {
	return r.rt.LoadImage(ctx, archive, progress)
}

func (r *retrying) Recreate(ctx context.Context, name, ref string, grace time.Duration) (string, error) {
	var id string
	err := r.do(ctx, "recreate", func(ctx context.Context) error {
		var err error
		id, err = r.rt.Recreate(ctx, name, ref, grace)
		return err
	})
	return id, err
}

func (r *retrying) Logs(ctx context.Context, id string, opts LogOptions) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.do(ctx, "logs", func(ctx context.Context) error {
		var err error
		rc, err = r.rt.Logs(ctx, id, opts)
		return err
	})
	return rc, err
}

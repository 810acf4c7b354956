package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/BadgerOps/kraken/internal/apperr"
	"github.com/BadgerOps/kraken/internal/container"
	"github.com/BadgerOps/kraken/internal/safety"
)

const maxDocumentBytes = 8 << 20

// Source produces the manifest document.
type Source interface {
	Fetch(ctx context.Context) ([]Manifest, error)
}

// NewSource picks an HTTPSource for http(s) locations and a FileSource otherwise.
func NewSource(location string, timeout time.Duration, logger *slog.Logger) (Source, error) {
	if location == "" {
		return nil, nil
	}
	if safety.IsHTTPURL(location) {
		return NewHTTPSource(location, timeout, logger)
	}
	return FileSource{Path: location}, nil
}

// FileSource reads the document from a local file.
type FileSource struct {
	Path string
}

func (f FileSource) Fetch(context.Context) ([]Manifest, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		kind := apperr.KindStorage
		if errors.Is(err, os.ErrNotExist) {
			kind = apperr.KindNotFound
		}
		return nil, apperr.Wrap(kind, err, "reading manifest file "+f.Path, apperr.WithStep(apperr.StepManifest))
	}
	return Parse(data)
}

// HTTPSource downloads the document, retrying transient failures.
type HTTPSource struct {
	url        string
	client     *http.Client
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
}

// NewHTTPSource creates a source for url.
func NewHTTPSource(url string, timeout time.Duration, logger *slog.Logger) (*HTTPSource, error) {
	if _, err := safety.ValidateHTTPURL(url); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err, "manifest source", apperr.WithStep(apperr.StepManifest))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSource{
		url:        url,
		client:     safety.NewHTTPClient(timeout),
		logger:     logger,
		maxRetries: 3,
		baseDelay:  time.Second,
	}, nil
}

func (h *HTTPSource) Fetch(ctx context.Context) ([]Manifest, error) {
	var lastErr error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if attempt > 0 {
			delay := container.Backoff(h.baseDelay, 30*time.Second, attempt)
			h.logger.Warn("retrying manifest fetch", "url", h.url, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.KindCancelled, ctx.Err(), "fetching manifest", apperr.WithStep(apperr.StepManifest))
			case <-time.After(delay):
			}
		}

		data, err := h.fetchOnce(ctx)
		if err == nil {
			return Parse(data)
		}
		lastErr = err
		if !apperr.Retryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("manifest fetch failed after %d attempts: %w", h.maxRetries+1, lastErr)
}

func (h *HTTPSource) fetchOnce(ctx context.Context) ([]byte, error) {
	opt := apperr.WithStep(apperr.StepManifest)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err, "creating manifest request", opt)
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9, */*;q=0.1")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindCancelled, err, "fetching manifest", opt)
		}
		return nil, apperr.Wrap(apperr.KindNetwork, err, "fetching manifest", opt)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.New(apperr.KindNotFound, "manifest source returned 404", opt)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperr.New(apperr.KindAuth, fmt.Sprintf("manifest source returned %d", resp.StatusCode), opt)
	// Don't retry on 4xx errors except 429 (Too Many Requests)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, apperr.New(apperr.KindInvalid, fmt.Sprintf("manifest source returned %s", resp.Status), opt)
	default:
		return nil, apperr.New(apperr.KindNetwork, fmt.Sprintf("manifest source returned %s", resp.Status), opt)
	}

	data, err := safety.ReadAllWithLimit(resp.Body, maxDocumentBytes)
	if err != nil {
		if errors.Is(err, safety.ErrBodyTooLarge) {
			return nil, apperr.Wrap(apperr.KindInvalid, err, "manifest document", opt)
		}
		return nil, apperr.Wrap(apperr.KindNetwork, err, "reading manifest document", opt)
	}
	return data, nil
}

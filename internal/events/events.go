// Package events fans out lifecycle notifications about extensions.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Type classifies an event.
type Type string

const (
	TypeTransition Type = "transition"
	TypeDrift      Type = "drift"
	TypeFailed     Type = "failed"
	TypeHealed     Type = "healed"
)

// Event is one notification about an extension.
type Event struct {
	Type       Type      `json:"type"`
	Repository string    `json:"repository"`
	Name       string    `json:"name"`
	From       string    `json:"from,omitempty"`
	State      string    `json:"state"`
	Step       string    `json:"step,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Sink receives events. Publish must not block for long; failures are the
// sink's to report.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

// LogSink writes events to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, e Event) {
	level := slog.LevelInfo
	switch e.Type {
	case TypeFailed:
		level = slog.LevelError
	case TypeDrift:
		level = slog.LevelWarn
	}
	attrs := []any{"type", e.Type, "extension", e.Name + "@" + e.Repository, "state", e.State}
	if e.From != "" {
		attrs = append(attrs, "from", e.From)
	}
	if e.Error != "" {
		attrs = append(attrs, "step", e.Step, "error", e.Error)
	}
	s.Logger.Log(ctx, level, "extension event", attrs...)
}

// Publisher is the part of a redis client RedisSink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes events as JSON on a redis channel.
type RedisSink struct {
	client  Publisher
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisSink creates a sink publishing on channel.
func NewRedisSink(client Publisher, channel string, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{client: client, channel: channel, timeout: 2 * time.Second, logger: logger}
}

// DialRedis connects to addr and returns a sink plus the client to close.
func DialRedis(ctx context.Context, addr, channel string, logger *slog.Logger) (*RedisSink, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return NewRedisSink(client, channel, logger), client, nil
}

func (s *RedisSink) Publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("failed to encode event", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.logger.Warn("failed to publish event", "channel", s.channel, "error", err)
	}
}

// Multi publishes to every sink in order.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, e)
		}
	}
}

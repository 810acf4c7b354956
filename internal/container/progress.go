package container

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress is one chunk of a pull or load stream.
type Progress struct {
	ID      string `json:"id,omitempty"`
	Status  string `json:"status"`
	Current int64  `json:"current,omitempty"`
	Total   int64  `json:"total,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProgressFunc receives stream chunks in order.
type ProgressFunc func(Progress)

// LayerProgress tracks the transfer state of one image layer.
type LayerProgress struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
}

// PullSnapshot is a point-in-time view of a pull, safe for JSON serialization.
type PullSnapshot struct {
	Ref       string          `json:"ref"`
	Layers    []LayerProgress `json:"layers,omitempty"`
	Current   int64           `json:"current"`
	Total     int64           `json:"total"`
	Percent   float64         `json:"percent"`
	Summary   string          `json:"summary"`
	Message   string          `json:"message,omitempty"`
	StartTime time.Time       `json:"start_time"`
	Elapsed   string          `json:"elapsed"`
	Done      bool            `json:"done"`
	Error     string          `json:"error,omitempty"`
}

// PullTracker aggregates per-layer chunks of a pull.
// Listeners call Wait() to get a channel closed on the next update.
type PullTracker struct {
	mu sync.Mutex

	ref       string
	layers    map[string]*LayerProgress
	message   string
	startTime time.Time
	done      bool
	errMsg    string

	notify chan struct{}
}

// NewPullTracker creates a tracker for ref.
func NewPullTracker(ref string) *PullTracker {
	return &PullTracker{
		ref:       ref,
		layers:    make(map[string]*LayerProgress),
		startTime: time.Now(),
		notify:    make(chan struct{}),
	}
}

// Observe folds one chunk into the tracker. It has the ProgressFunc signature.
func (t *PullTracker) Observe(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case p.Error != "":
		t.errMsg = p.Error
	case p.ID == "":
		t.message = p.Status
	default:
		lp, ok := t.layers[p.ID]
		if !ok {
			lp = &LayerProgress{ID: p.ID}
			t.layers[p.ID] = lp
		}
		lp.Status = p.Status
		if p.Total > 0 {
			lp.Total = p.Total
			lp.Current = p.Current
		}
		// A finished layer reports no byte counts.
		if (p.Status == "Pull complete" || p.Status == "Already exists") && lp.Total > 0 {
			lp.Current = lp.Total
		}
	}
	t.broadcast()
}

// Finish marks the pull as complete or failed.
func (t *PullTracker) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	if err != nil {
		t.errMsg = err.Error()
	}
	t.broadcast()
}

// Wait returns a channel closed on the next update.
func (t *PullTracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// Snapshot returns a copy of the current state.
func (t *PullTracker) Snapshot() PullSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	layers := make([]LayerProgress, 0, len(t.layers))
	var current, total int64
	for _, lp := range t.layers {
		layers = append(layers, *lp)
		current += lp.Current
		total += lp.Total
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].ID < layers[j].ID })

	var pct float64
	if total > 0 {
		pct = float64(current) / float64(total) * 100
	}
	if t.done && t.errMsg == "" {
		pct = 100
	}

	return PullSnapshot{
		Ref:       t.ref,
		Layers:    layers,
		Current:   current,
		Total:     total,
		Percent:   pct,
		Summary:   summarize(current, total, len(layers)),
		Message:   t.message,
		StartTime: t.startTime,
		Elapsed:   time.Since(t.startTime).Truncate(time.Second).String(),
		Done:      t.done,
		Error:     t.errMsg,
	}
}

func summarize(current, total int64, layers int) string {
	if total == 0 {
		return fmt.Sprintf("%d layers", layers)
	}
	return fmt.Sprintf("%s / %s (%d layers)",
		humanize.Bytes(uint64(current)), humanize.Bytes(uint64(total)), layers)
}

// caller holds t.mu
func (t *PullTracker) broadcast() {
	close(t.notify)
	t.notify = make(chan struct{})
}

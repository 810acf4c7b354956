package container

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPullTrackerAggregatesLayers(t *testing.T) {
	tr := NewPullTracker("acme/widget:1.0")

	tr.Observe(Progress{Status: "Pulling from acme/widget"})
	tr.Observe(Progress{ID: "layer1", Status: "Downloading", Current: 512, Total: 1024})
	tr.Observe(Progress{ID: "layer2", Status: "Downloading", Current: 0, Total: 1024})
	tr.Observe(Progress{ID: "layer1", Status: "Pull complete"})

	snap := tr.Snapshot()
	if len(snap.Layers) != 2 {
		t.Fatalf("layers = %d, want 2", len(snap.Layers))
	}
	if snap.Layers[0].ID != "layer1" || snap.Layers[0].Current != 1024 {
		t.Errorf("layer1 = %+v, want complete", snap.Layers[0])
	}
	if snap.Current != 1024 || snap.Total != 2048 {
		t.Errorf("current/total = %d/%d", snap.Current, snap.Total)
	}
	if snap.Percent != 50 {
		t.Errorf("percent = %v, want 50", snap.Percent)
	}
	if snap.Message != "Pulling from acme/widget" {
		t.Errorf("message = %q", snap.Message)
	}
	if !strings.Contains(snap.Summary, "2 layers") {
		t.Errorf("summary = %q", snap.Summary)
	}
	if snap.Done {
		t.Error("tracker should not be done yet")
	}
}

func TestPullTrackerFinish(t *testing.T) {
	tr := NewPullTracker("acme/widget:1.0")
	tr.Finish(nil)
	if snap := tr.Snapshot(); !snap.Done || snap.Percent != 100 {
		t.Errorf("snapshot after success = %+v", snap)
	}

	failed := NewPullTracker("acme/widget:2.0")
	failed.Finish(errors.New("manifest unknown"))
	snap := failed.Snapshot()
	if !snap.Done || snap.Error != "manifest unknown" {
		t.Errorf("snapshot after failure = %+v", snap)
	}
}

func TestPullTrackerWaitIsSignalled(t *testing.T) {
	tr := NewPullTracker("acme/widget:1.0")
	ch := tr.Wait()

	go tr.Observe(Progress{ID: "layer1", Status: "Downloading", Current: 1, Total: 2})

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait channel was not closed on update")
	}
}

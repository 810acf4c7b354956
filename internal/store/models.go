package store

import "time"

// Persisted lifecycle states of an installed extension. Transient states are
// never persisted except Updating, which marks an update to resume.
const (
	StateRunning  = "running"
	StateStopped  = "stopped"
	StateUpdating = "updating"
	StateFailed   = "failed"
)

// Operation statuses
const (
	OpPending     = "pending"
	OpRunning     = "running"
	OpSucceeded   = "succeeded"
	OpFailed      = "failed"
	OpCancelled   = "cancelled"
	OpInterrupted = "interrupted"
)

// ExtensionRecord is the durable desired state of one installed extension
type ExtensionRecord struct {
	Repository     string
	Name           string
	DesiredTag     string
	DesiredEnabled bool
	PinnedDigest   string
	Settings       string // opaque runtime settings blob (JSON)
	ContainerID    string // last known container id
	State          string

	// Set while an update is in flight so it can be resumed after a crash.
	PendingTag         string
	PendingDigest      string
	PendingContainerID string
	PreviousTag        string
	PreviousDigest     string

	LastError string
	LastStep  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SelectedVersion is the version chosen for a single-slot target
type SelectedVersion struct {
	Slot       string // "core", "bootstrap"
	Repository string
	Tag        string
	Digest     string
	UpdatedAt  time.Time
}

// ManifestRecord caches the manifest document of one extension
type ManifestRecord struct {
	Repository string
	Name       string
	Body       string // JSON
	FetchedAt  time.Time
}

// Operation records one submitted orchestrator operation
type Operation struct {
	ID          string
	Repository  string
	Name        string
	Kind        string // "install", "update", "enable", ...
	Status      string
	Step        string
	Error       string
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BadgerOps/kraken/internal/apperr"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: writes are serialized and ":memory:" stays one database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=FULL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func notFound(what string, args ...any) error {
	return apperr.New(apperr.KindNotFound, fmt.Sprintf(what, args...))
}

// ============================================================================
// ExtensionRecord Operations
// ============================================================================

// SaveExtension inserts or updates an ExtensionRecord
func (s *Store) SaveExtension(rec *ExtensionRecord) error {
	const query = `
		INSERT INTO extensions (
			repository, name, desired_tag, desired_enabled, pinned_digest, settings,
			container_id, state, pending_tag, pending_digest, pending_container_id,
			previous_tag, previous_digest, last_error, last_step, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository, name) DO UPDATE SET
			desired_tag = excluded.desired_tag,
			desired_enabled = excluded.desired_enabled,
			pinned_digest = excluded.pinned_digest,
			settings = excluded.settings,
			container_id = excluded.container_id,
			state = excluded.state,
			pending_tag = excluded.pending_tag,
			pending_digest = excluded.pending_digest,
			pending_container_id = excluded.pending_container_id,
			previous_tag = excluded.previous_tag,
			previous_digest = excluded.previous_digest,
			last_error = excluded.last_error,
			last_step = excluded.last_step,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.Exec(
		query,
		rec.Repository, rec.Name, rec.DesiredTag, rec.DesiredEnabled, rec.PinnedDigest,
		rec.Settings, rec.ContainerID, rec.State, rec.PendingTag, rec.PendingDigest,
		rec.PendingContainerID, rec.PreviousTag, rec.PreviousDigest, rec.LastError,
		rec.LastStep, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save extension %s/%s: %w", rec.Repository, rec.Name, err)
	}
	return nil
}

const extensionColumns = `
	repository, name, desired_tag, desired_enabled, pinned_digest, settings,
	container_id, state, pending_tag, pending_digest, pending_container_id,
	previous_tag, previous_digest, last_error, last_step, created_at, updated_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanExtension(row scanner) (*ExtensionRecord, error) {
	rec := &ExtensionRecord{}
	err := row.Scan(
		&rec.Repository, &rec.Name, &rec.DesiredTag, &rec.DesiredEnabled, &rec.PinnedDigest,
		&rec.Settings, &rec.ContainerID, &rec.State, &rec.PendingTag, &rec.PendingDigest,
		&rec.PendingContainerID, &rec.PreviousTag, &rec.PreviousDigest, &rec.LastError,
		&rec.LastStep, &rec.CreatedAt, &rec.UpdatedAt,
	)
	return rec, err
}

// GetExtension retrieves an ExtensionRecord by identity
func (s *Store) GetExtension(repository, name string) (*ExtensionRecord, error) {
	query := `SELECT ` + extensionColumns + ` FROM extensions WHERE repository = ? AND name = ?`

	rec, err := scanExtension(s.db.QueryRow(query, repository, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("extension not found: %s/%s", repository, name)
		}
		return nil, fmt.Errorf("failed to query extension: %w", err)
	}
	return rec, nil
}

// ListExtensions retrieves every ExtensionRecord
func (s *Store) ListExtensions() ([]ExtensionRecord, error) {
	query := `SELECT ` + extensionColumns + ` FROM extensions ORDER BY repository, name`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query extensions: %w", err)
	}
	defer rows.Close()

	var recs []ExtensionRecord
	for rows.Next() {
		rec, err := scanExtension(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan extension: %w", err)
		}
		recs = append(recs, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating extensions: %w", err)
	}

	return recs, nil
}

// DeleteExtension removes an ExtensionRecord. Missing records are ignored.
func (s *Store) DeleteExtension(repository, name string) error {
	const query = `DELETE FROM extensions WHERE repository = ? AND name = ?`

	if _, err := s.db.Exec(query, repository, name); err != nil {
		return fmt.Errorf("failed to delete extension %s/%s: %w", repository, name, err)
	}
	return nil
}

// ============================================================================
// SelectedVersion Operations
// ============================================================================

// SetSelectedVersion records the version chosen for a slot
func (s *Store) SetSelectedVersion(v *SelectedVersion) error {
	const query = `
		INSERT INTO selected_versions (slot, repository, tag, digest, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			repository = excluded.repository,
			tag = excluded.tag,
			digest = excluded.digest,
			updated_at = excluded.updated_at
	`

	v.UpdatedAt = time.Now().UTC()
	if _, err := s.db.Exec(query, v.Slot, v.Repository, v.Tag, v.Digest, v.UpdatedAt); err != nil {
		return fmt.Errorf("failed to set selected version for %s: %w", v.Slot, err)
	}
	return nil
}

// GetSelectedVersion retrieves the version chosen for a slot
func (s *Store) GetSelectedVersion(slot string) (*SelectedVersion, error) {
	const query = `
		SELECT slot, repository, tag, digest, updated_at
		FROM selected_versions WHERE slot = ?
	`

	v := &SelectedVersion{}
	err := s.db.QueryRow(query, slot).Scan(&v.Slot, &v.Repository, &v.Tag, &v.Digest, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("no version selected for %s", slot)
		}
		return nil, fmt.Errorf("failed to query selected version: %w", err)
	}
	return v, nil
}

// ListSelectedVersions retrieves every slot selection
func (s *Store) ListSelectedVersions() ([]SelectedVersion, error) {
	const query = `
		SELECT slot, repository, tag, digest, updated_at
		FROM selected_versions ORDER BY slot
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query selected versions: %w", err)
	}
	defer rows.Close()

	var out []SelectedVersion
	for rows.Next() {
		var v SelectedVersion
		if err := rows.Scan(&v.Slot, &v.Repository, &v.Tag, &v.Digest, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan selected version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating selected versions: %w", err)
	}
	return out, nil
}

// ============================================================================
// ManifestRecord Operations
// ============================================================================

// SaveManifest inserts or replaces a cached manifest
func (s *Store) SaveManifest(m *ManifestRecord) error {
	const query = `
		INSERT OR REPLACE INTO manifests (repository, name, body, fetched_at)
		VALUES (?, ?, ?, ?)
	`

	if m.FetchedAt.IsZero() {
		m.FetchedAt = time.Now().UTC()
	}
	if _, err := s.db.Exec(query, m.Repository, m.Name, m.Body, m.FetchedAt); err != nil {
		return fmt.Errorf("failed to save manifest %s/%s: %w", m.Repository, m.Name, err)
	}
	return nil
}

// GetManifest retrieves a cached manifest
func (s *Store) GetManifest(repository, name string) (*ManifestRecord, error) {
	const query = `
		SELECT repository, name, body, fetched_at
		FROM manifests WHERE repository = ? AND name = ?
	`

	m := &ManifestRecord{}
	err := s.db.QueryRow(query, repository, name).Scan(&m.Repository, &m.Name, &m.Body, &m.FetchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("manifest not found: %s/%s", repository, name)
		}
		return nil, fmt.Errorf("failed to query manifest: %w", err)
	}
	return m, nil
}

// DeleteManifest removes a cached manifest. Missing records are ignored.
func (s *Store) DeleteManifest(repository, name string) error {
	const query = `DELETE FROM manifests WHERE repository = ? AND name = ?`

	if _, err := s.db.Exec(query, repository, name); err != nil {
		return fmt.Errorf("failed to delete manifest %s/%s: %w", repository, name, err)
	}
	return nil
}

// ============================================================================
// Operation history
// ============================================================================

// CreateOperation inserts a new Operation
func (s *Store) CreateOperation(op *Operation) error {
	const query = `
		INSERT INTO operations (
			id, repository, name, kind, status, step, error, submitted_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		query,
		op.ID, op.Repository, op.Name, op.Kind, op.Status, op.Step, op.Error,
		op.SubmittedAt, op.StartedAt, op.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

// UpdateOperation updates the status fields of an Operation
func (s *Store) UpdateOperation(op *Operation) error {
	const query = `
		UPDATE operations SET
			status = ?, step = ?, error = ?, started_at = ?, finished_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query, op.Status, op.Step, op.Error, op.StartedAt, op.FinishedAt, op.ID)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return notFound("operation not found: %s", op.ID)
	}

	return nil
}

// GetOperation retrieves an Operation by ID
func (s *Store) GetOperation(id string) (*Operation, error) {
	const query = `
		SELECT id, repository, name, kind, status, step, error, submitted_at, started_at, finished_at
		FROM operations WHERE id = ?
	`

	op := &Operation{}
	err := s.db.QueryRow(query, id).Scan(
		&op.ID, &op.Repository, &op.Name, &op.Kind, &op.Status, &op.Step, &op.Error,
		&op.SubmittedAt, &op.StartedAt, &op.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("operation not found: %s", id)
		}
		return nil, fmt.Errorf("failed to query operation: %w", err)
	}
	return op, nil
}

// ListOperations retrieves Operations newest first, optionally filtered by identity
func (s *Store) ListOperations(repository, name string, limit int) ([]Operation, error) {
	query := `
		SELECT id, repository, name, kind, status, step, error, submitted_at, started_at, finished_at
		FROM operations
	`
	var args []interface{}

	if repository != "" {
		query += " WHERE repository = ? AND name = ?"
		args = append(args, repository, name)
	}

	query += " ORDER BY submitted_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op := Operation{}
		err := rows.Scan(
			&op.ID, &op.Repository, &op.Name, &op.Kind, &op.Status, &op.Step, &op.Error,
			&op.SubmittedAt, &op.StartedAt, &op.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}

// MarkInterruptedOperations flags operations left pending or running by a
// previous process as interrupted. It returns how many were updated.
func (s *Store) MarkInterruptedOperations() (int64, error) {
	const query = `
		UPDATE operations SET status = ?, finished_at = ?
		WHERE status IN (?, ?)
	`

	result, err := s.db.Exec(query, OpInterrupted, time.Now().UTC(), OpPending, OpRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted operations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// PruneOperations deletes all but the newest keep operations.
func (s *Store) PruneOperations(keep int) error {
	const query = `
		DELETE FROM operations WHERE id NOT IN (
			SELECT id FROM operations ORDER BY submitted_at DESC LIMIT ?
		)
	`

	if _, err := s.db.Exec(query, keep); err != nil {
		return fmt.Errorf("failed to prune operations: %w", err)
	}
	return nil
}

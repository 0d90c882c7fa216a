// Package viewstore provides persistent storage for named camera views using SQLite.
package viewstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/soma-tiles/tileindex/pkg/viewport"
)

// ErrNotFound is returned when a view does not exist.
var ErrNotFound = errors.New("view not found")

// View is a named camera saved for a dataset.
type View struct {
	DatasetID string          `json:"dataset_id"`
	Name      string          `json:"name"`
	Camera    viewport.Camera `json:"camera"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store provides persistent storage for views using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based view store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS views (
		dataset_id TEXT NOT NULL,
		name TEXT NOT NULL,
		camera_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (dataset_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_views_dataset ON views(dataset_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put creates or replaces a view. CreatedAt survives replacement.
func (s *Store) Put(datasetID, name string, cam viewport.Camera) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cameraJSON, err := json.Marshal(cam)
	if err != nil {
		return fmt.Errorf("failed to marshal camera: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`
		INSERT INTO views (dataset_id, name, camera_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dataset_id, name) DO UPDATE SET
			camera_json = excluded.camera_json,
			updated_at = excluded.updated_at
	`, datasetID, name, string(cameraJSON), now, now)
	return err
}

// PutIfAbsent stores a view unless one with the same name exists. It
// reports whether the view was inserted.
func (s *Store) PutIfAbsent(datasetID, name string, cam viewport.Camera) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cameraJSON, err := json.Marshal(cam)
	if err != nil {
		return false, fmt.Errorf("failed to marshal camera: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := s.db.Exec(`
		INSERT INTO views (dataset_id, name, camera_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dataset_id, name) DO NOTHING
	`, datasetID, name, string(cameraJSON), now, now)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get retrieves a view by dataset and name.
func (s *Store) Get(datasetID, name string) (*View, error) {
	row := s.db.QueryRow(`
		SELECT dataset_id, name, camera_json, created_at, updated_at
		FROM views WHERE dataset_id = ? AND name = ?
	`, datasetID, name)

	v, err := scanView(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, datasetID, name)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// List returns the views of a dataset ordered by name.
func (s *Store) List(datasetID string) ([]*View, error) {
	rows, err := s.db.Query(`
		SELECT dataset_id, name, camera_json, created_at, updated_at
		FROM views WHERE dataset_id = ?
		ORDER BY name
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := []*View{}
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// Delete removes a view.
func (s *Store) Delete(datasetID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM views WHERE dataset_id = ? AND name = ?", datasetID, name)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, datasetID, name)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanView(row scanner) (*View, error) {
	var v View
	var cameraJSON, createdAtStr, updatedAtStr string
	if err := row.Scan(&v.DatasetID, &v.Name, &cameraJSON, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cameraJSON), &v.Camera); err != nil {
		return nil, fmt.Errorf("failed to unmarshal camera: %w", err)
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	v.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return &v, nil
}

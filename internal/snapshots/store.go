// Package snapshots stores saved evolution sessions in the application database.
package snapshots

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
	"github.com/hochfrequenz/evolve-orchestrator/internal/ids"
)

// ErrSnapshotNotFound is returned when no snapshot has the given id.
var ErrSnapshotNotFound = errors.New("snapshot not found")

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    name TEXT NOT NULL,
    body TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_session ON snapshots(session_id, created_at);
`

// Store provides SQLite-backed snapshot persistence
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath; ":memory:" is accepted for tests.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Create assigns an id and creation time and stores the snapshot.
func (s *Store) Create(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, error) {
	snap.ID = ids.New(ids.PrefixSnapshot)
	snap.CreatedAt = time.Now().UTC().Truncate(time.Second)
	if snap.GenerationsData == nil {
		snap.GenerationsData = []json.RawMessage{}
	}
	if snap.Population == nil {
		snap.Population = []domain.Solution{}
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return domain.Snapshot{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, session_id, name, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.SessionID, snap.Name, string(body), snap.CreatedAt,
	)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("inserting snapshot: %w", err)
	}
	return snap, nil
}

// Get returns one snapshot.
func (s *Store) Get(ctx context.Context, id string) (domain.Snapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, fmt.Errorf("%s: %w", id, ErrSnapshotNotFound)
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decoding snapshot %s: %w", id, err)
	}
	return snap, nil
}

// List returns snapshots newest first, filtered by session when sessionID is set.
func (s *Store) List(ctx context.Context, sessionID string) ([]domain.Snapshot, error) {
	query := `SELECT body FROM snapshots WHERE 1=1`
	var args []any
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Snapshot{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var snap domain.Snapshot
		if err := json.Unmarshal([]byte(body), &snap); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Delete removes a snapshot.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrSnapshotNotFound)
	}
	return nil
}

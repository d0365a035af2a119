// Package programdb persists the candidates of one run in a sqlite file
// inside the run's results location.
package programdb

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
)

// FileName is the database file inside a results location.
const FileName = "programs.sqlite"

// ErrNoStore is returned by OpenReadOnly when the location has no database yet.
var ErrNoStore = errors.New("program database not found")

// Store is one run's candidate database.
type Store struct {
	db   *sql.DB
	path string
}

// Path returns the database file for a results location.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Open opens (creating if needed) the database in dir for writing.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating results location: %w", err)
	}
	path := Path(dir)
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// One writer per run; a single connection keeps transactions serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// OpenReadOnly opens an existing database in dir without write access.
func OpenReadOnly(dir string) (*Store, error) {
	path := Path(dir)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoStore
		}
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteGeneration stores a generation's candidates in one transaction.
// Every candidate is stamped with gen; missing timestamps are filled in.
func (s *Store) WriteGeneration(ctx context.Context, gen int, candidates []domain.CandidateSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO programs (id, code, generation, combined_score, public_metrics, private_metrics, parent_ids, mutation, text_feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range candidates {
		c.Generation = gen
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		public, err := marshalJSON(c.PublicMetrics)
		if err != nil {
			return fmt.Errorf("candidate %s public metrics: %w", c.ID, err)
		}
		private, err := marshalJSON(c.PrivateMetrics)
		if err != nil {
			return fmt.Errorf("candidate %s private metrics: %w", c.ID, err)
		}
		parents, err := marshalJSON(c.ParentIDs)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.Code, c.Generation, c.CombinedScore,
			public, private, parents, string(c.Mutation), c.Feedback, c.CreatedAt,
		); err != nil {
			return fmt.Errorf("inserting candidate %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Best returns the top-ranked candidate, or nil if the database is empty.
func (s *Store) Best(ctx context.Context) (*domain.CandidateSummary, error) {
	top, err := s.Top(ctx, 1)
	if err != nil || len(top) == 0 {
		return nil, err
	}
	return &top[0], nil
}

// Top returns up to n candidates by combined score.
func (s *Store) Top(ctx context.Context, n int) ([]domain.CandidateSummary, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.query(ctx, `SELECT `+selectColumns+` FROM programs`+rankOrder+` LIMIT ?`, n)
}

// Generation returns a generation's candidates in insertion order.
func (s *Store) Generation(ctx context.Context, gen int) ([]domain.CandidateSummary, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM programs WHERE generation = ? ORDER BY seq`, gen)
}

// Count returns the number of stored candidates.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM programs`).Scan(&n)
	return n, err
}

// LastGeneration returns the highest generation written, or -1 when empty.
func (s *Store) LastGeneration(ctx context.Context) (int, error) {
	var gen sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(generation) FROM programs`).Scan(&gen); err != nil {
		return 0, err
	}
	if !gen.Valid {
		return -1, nil
	}
	return int(gen.Int64), nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]domain.CandidateSummary, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CandidateSummary
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCandidate(rows *sql.Rows) (domain.CandidateSummary, error) {
	var c domain.CandidateSummary
	var public, private, parents, mutation, feedback sql.NullString

	err := rows.Scan(&c.ID, &c.Code, &c.Generation, &c.CombinedScore, &public, &private, &parents, &mutation, &feedback, &c.CreatedAt)
	if err != nil {
		return c, err
	}

	if err := unmarshalJSON(public, &c.PublicMetrics); err != nil {
		return c, fmt.Errorf("candidate %s public metrics: %w", c.ID, err)
	}
	if err := unmarshalJSON(private, &c.PrivateMetrics); err != nil {
		return c, fmt.Errorf("candidate %s private metrics: %w", c.ID, err)
	}
	if err := unmarshalJSON(parents, &c.ParentIDs); err != nil {
		return c, fmt.Errorf("candidate %s parents: %w", c.ID, err)
	}
	c.Mutation = domain.MutationType(mutation.String)
	c.Feedback = feedback.String
	return c, nil
}

func marshalJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

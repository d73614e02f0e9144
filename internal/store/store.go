// Package store implements the Version/Experiment Store (spec C11):
// durable persistence for experiments, versions (variants), their metrics,
// and lineage. Grounded on the teacher's go.mod dependency on jmoiron/sqlx
// and lib/pq, and on golang-migrate/migrate/v4 for embedded schema
// migrations. Every write commits inside a transaction before the call
// returns; there is no async flush.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Experiment mirrors the Experiment record of the shared data model.
type Experiment struct {
	ID          string     `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	Config      []byte     `db:"config" json:"config"`
	Status      string     `db:"status" json:"status"`
	Tags        pq.StringArray `db:"tags" json:"tags"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Version mirrors the Version record: one iteration's produced artifact.
type Version struct {
	ID           string    `db:"id" json:"id"`
	ExperimentID string    `db:"experiment_id" json:"experiment_id"`
	ParentIDs    pq.StringArray `db:"parent_ids" json:"parent_ids"`
	Source       string    `db:"source" json:"source"`
	Tests        []byte    `db:"tests" json:"tests"`
	Score        float64   `db:"score" json:"score"`
	Generation   int       `db:"generation" json:"generation"`
	MutationKind string    `db:"mutation_kind" json:"mutation_kind"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Filter narrows list_experiments by status and/or tag membership. A zero
// Filter lists every experiment.
type Filter struct {
	Status string
	Tag    string
	Limit  int
}

// Store is the Version/Experiment Store.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres via lib/pq and runs embedded migrations up to
// the latest version before returning.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open sqlx.DB without running migrations, for tests
// that drive a sqlmock-backed connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	dbDriver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, which it re-raises after rollback).
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// ListExperiments returns experiments matching filter, most recently
// created first.
func (s *Store) ListExperiments(ctx context.Context, filter Filter) ([]Experiment, error) {
	query := `SELECT id, name, config, status, tags, created_at, started_at, completed_at
	          FROM experiments WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Tag != "" {
		args = append(args, filter.Tag)
		query += fmt.Sprintf(" AND $%d = ANY(tags)", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []Experiment
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("store: list experiments: %w", err)
	}
	return out, nil
}

// GetExperiment fetches a single experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	var exp Experiment
	err := s.db.GetContext(ctx, &exp, s.db.Rebind(
		`SELECT id, name, config, status, tags, created_at, started_at, completed_at
		 FROM experiments WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: experiment %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get experiment: %w", err)
	}
	return &exp, nil
}

// SaveExperiment upserts exp inside a single transaction.
func (s *Store) SaveExperiment(ctx context.Context, exp Experiment) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO experiments (id, name, config, status, tags, created_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				config = EXCLUDED.config,
				status = EXCLUDED.status,
				tags = EXCLUDED.tags,
				started_at = EXCLUDED.started_at,
				completed_at = EXCLUDED.completed_at
		`), exp.ID, exp.Name, exp.Config, exp.Status, pq.StringArray(exp.Tags), exp.CreatedAt, exp.StartedAt, exp.CompletedAt)
		if err != nil {
			return fmt.Errorf("store: save experiment: %w", err)
		}
		return nil
	})
}

// Delete removes an experiment and, by cascade, its versions/metrics/
// artifacts.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM experiments WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("store: delete experiment: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: delete experiment: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("store: experiment %s: %w", id, sql.ErrNoRows)
		}
		return nil
	})
}

// AddVariant records a new Version (one evolved candidate) under
// experimentID, atomically.
func (s *Store) AddVariant(ctx context.Context, id, source string, tests []byte, score float64, parents []string, generation int, mutationKind, experimentID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO versions (id, experiment_id, parent_ids, source, tests, score, generation, mutation_kind, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), id, experimentID, pq.StringArray(parents), source, tests, score, generation, mutationKind, timeNow())
		if err != nil {
			return fmt.Errorf("store: add variant: %w", err)
		}
		return nil
	})
}

// GetBest returns the top-scoring versions of experimentID, best first,
// capped at limit.
func (s *Store) GetBest(ctx context.Context, experimentID string, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []Version
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT id, experiment_id, parent_ids, source, tests, score, generation, mutation_kind, created_at
		FROM versions WHERE experiment_id = ? ORDER BY score DESC LIMIT ?
	`), experimentID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get best: %w", err)
	}
	return out, nil
}

// CheckpointRef is the store's handle on a checkpoint row; the payload
// itself lives in the Checkpoint Store (C3), referenced here by id only.
type CheckpointRef struct {
	ID           string    `db:"id" json:"id"`
	ExperimentID string    `db:"experiment_id" json:"experiment_id"`
	VersionID    string    `db:"version_id" json:"version_id"`
	Kind         string    `db:"kind" json:"kind"`
	ContentHash  string    `db:"content_hash" json:"content_hash"`
	Corrupt      bool      `db:"corrupt" json:"corrupt"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// ListCheckpoints returns the checkpoint references recorded for
// experimentID, most recent first.
func (s *Store) ListCheckpoints(ctx context.Context, experimentID string) ([]CheckpointRef, error) {
	var out []CheckpointRef
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT id, experiment_id, version_id, kind, content_hash, corrupt, created_at
		FROM checkpoints WHERE experiment_id = ? ORDER BY created_at DESC
	`), experimentID)
	if err != nil {
		return nil, fmt.Errorf("store: list checkpoints: %w", err)
	}
	return out, nil
}

// GetLineage walks a version's parent_ids transitively and returns every
// ancestor version, nearest first. A version with multiple parent_ids (a
// crossover) fans out to all of them; a version already visited is never
// re-walked, guarding against a cyclic parent graph corrupting the query.
func (s *Store) GetLineage(ctx context.Context, versionID string) ([]Version, error) {
	visited := map[string]bool{versionID: true}
	frontier := []string{versionID}
	var lineage []Version

	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			var v Version
			err := s.db.GetContext(ctx, &v, s.db.Rebind(`
				SELECT id, experiment_id, parent_ids, source, tests, score, generation, mutation_kind, created_at
				FROM versions WHERE id = ?
			`), id)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("store: get lineage: %w", err)
			}
			for _, parentID := range v.ParentIDs {
				if visited[parentID] {
					continue
				}
				visited[parentID] = true
				next = append(next, parentID)
			}
			if id != versionID {
				lineage = append(lineage, v)
			}
		}
		frontier = next
	}
	return lineage, nil
}

// timeNow is a thin indirection so tests can stub wall-clock dependency if
// ever needed; production always uses time.Now.
var timeNow = func() time.Time { return time.Now().UTC() }

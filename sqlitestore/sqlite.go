// Package sqlitestore keeps pipeline artifacts in a local SQLite database. It
// serves the "database" storage type for single-node deployments that do not
// run Postgres.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dcshock/resourcepipe/artifact"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	name TEXT NOT NULL,
	storage_type TEXT NOT NULL,
	content_type TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id, resource_id);
`

// Store is an artifact.Storage backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path in WAL mode.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if path == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	return &Store{db: db}, nil
}

// Migrate creates the artifacts table.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schema)
	return errors.Wrap(err, "migrate sqlite")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBatch implements artifact.Storage. The batch is written in one
// transaction; a failing row fails only its own result unless the commit fails.
func (s *Store) SaveBatch(ctx context.Context, reqs []artifact.Request) ([]artifact.Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin artifact batch")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO artifacts (id, run_id, resource_id, name, storage_type, content_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, errors.Wrap(err, "prepare artifact insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	results := make([]artifact.Result, len(reqs))
	for i, r := range reqs {
		results[i].Request = r
		id := uuid.New().String()
		contentType := r.ContentType
		if contentType == "" {
			contentType = artifact.ContentTypeJSON
		}
		if _, err := stmt.ExecContext(ctx, id, r.RunID, r.ResourceID, r.Name, string(r.StorageType), contentType, r.Payload, now); err != nil {
			results[i].Err = errors.Wrapf(err, "insert artifact %s/%s", r.ResourceID, r.Name)
			continue
		}
		results[i].Location = fmt.Sprintf("sqlite://artifacts/%s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit artifact batch")
	}
	return results, nil
}

// List returns the artifacts saved for runID, oldest first.
func (s *Store) List(ctx context.Context, runID string) ([]artifact.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, resource_id, name, storage_type, content_type, payload
		FROM artifacts WHERE run_id = ? ORDER BY created_at, rowid`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "list artifacts")
	}
	defer rows.Close()

	var out []artifact.Result
	for rows.Next() {
		var id, storageType string
		var r artifact.Request
		if err := rows.Scan(&id, &r.RunID, &r.ResourceID, &r.Name, &storageType, &r.ContentType, &r.Payload); err != nil {
			return nil, errors.Wrap(err, "scan artifact")
		}
		r.StorageType = artifact.StorageType(storageType)
		out = append(out, artifact.Result{Request: r, Location: fmt.Sprintf("sqlite://artifacts/%s", id)})
	}
	return out, errors.Wrap(rows.Err(), "list artifacts")
}

var _ artifact.Storage = (*Store)(nil)

package observer

import (
	"context"
	"time"

	"github.com/dcshock/resourcepipe/pipeline"
	"github.com/dcshock/resourcepipe/progress"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const (
	insertRunQuery = `INSERT INTO pipeline_run (run_id, category, name, run_type, parent_run_id, status, started_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING run_id, category, name, run_type, COALESCE(parent_run_id, ''), status, started_at, ended_at`

	insertResourceRunQuery = `INSERT INTO pipeline_resource_run (resource_run_id, run_id, resource_id, resource_type, status, started_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (resource_run_id) DO NOTHING`

	upsertStepQuery = `INSERT INTO pipeline_resource_step (resource_run_id, step_name, status, duration_ms, ended_at, error_message)
	SELECT rr.resource_run_id, $3::text, $4::text, $5::bigint, $6::timestamptz, $7::text
	FROM pipeline_resource_run rr
	WHERE rr.run_id = $1 AND rr.resource_run_id = $2
	ON CONFLICT (resource_run_id, step_name) DO UPDATE SET
		duration_ms = pipeline_resource_step.duration_ms + EXCLUDED.duration_ms,
		ended_at = GREATEST(pipeline_resource_step.ended_at, EXCLUDED.ended_at),
		status = CASE WHEN pipeline_resource_step.status = 'Failed' THEN pipeline_resource_step.status ELSE EXCLUDED.status END,
		error_message = CASE WHEN pipeline_resource_step.status = 'Failed' THEN pipeline_resource_step.error_message ELSE EXCLUDED.error_message END`

	completeResourceRunQuery = `UPDATE pipeline_resource_run
	SET status = $3, error_message = $4, ended_at = $5
	WHERE run_id = $1 AND resource_run_id = $2 AND status NOT IN ('Completed', 'Failed')`

	completeRunQuery = `UPDATE pipeline_run SET status = $2, ended_at = now()
	WHERE run_id = $1 AND ended_at IS NULL`

	runExistsQuery = `SELECT EXISTS (SELECT 1 FROM pipeline_run WHERE run_id = $1)`

	incompleteResourceIDsQuery = `SELECT resource_id
	FROM pipeline_resource_run
	WHERE run_id = $1
	GROUP BY resource_id
	HAVING bool_and(status <> 'Completed')
	ORDER BY min(started_at), resource_id`

	selectRunQuery = `SELECT r.run_id, r.category, r.name, r.run_type, COALESCE(r.parent_run_id, ''), r.status, r.started_at, r.ended_at,
		COUNT(rr.resource_run_id),
		COUNT(*) FILTER (WHERE rr.status = 'Completed'),
		COUNT(*) FILTER (WHERE rr.status = 'Failed'),
		COUNT(*) FILTER (WHERE rr.status NOT IN ('Completed', 'Failed'))
	FROM pipeline_run r
	LEFT JOIN pipeline_resource_run rr ON rr.run_id = r.run_id
	WHERE r.run_id = $1
	GROUP BY r.run_id`

	listResourceRunsQuery = `SELECT resource_run_id, run_id, resource_id, resource_type, status, started_at, ended_at, COALESCE(error_message, '')
	FROM pipeline_resource_run
	WHERE run_id = $1
	ORDER BY started_at ASC, resource_run_id ASC`

	listStepsQuery = `SELECT s.resource_run_id, s.step_name, s.status, s.duration_ms, s.ended_at, COALESCE(s.error_message, '')
	FROM pipeline_resource_step s
	JOIN pipeline_resource_run rr ON rr.resource_run_id = s.resource_run_id
	WHERE rr.run_id = $1
	ORDER BY s.seq ASC`
)

// DBProgressService persists run, resource-run and step progress to Postgres
// (pipeline_run, pipeline_resource_run, pipeline_resource_step). Every call
// runs on a connection leased from a ContextPool, which caps how many
// connections progress tracking may hold at once.
type DBProgressService struct {
	conns *pipeline.ContextPool[*pgxpool.Conn]
}

// NewDBProgressService returns a service that uses at most maxConns
// connections of db.
func NewDBProgressService(db *pgxpool.Pool, maxConns int) (*DBProgressService, error) {
	if db == nil {
		return nil, errors.New("progress store: nil pool")
	}
	conns, err := pipeline.NewContextPool(maxConns, db.Acquire, func(c *pgxpool.Conn) { c.Release() })
	if err != nil {
		return nil, errors.Wrap(err, "progress store")
	}
	return &DBProgressService{conns: conns}, nil
}

// Close releases the connections held by the service.
func (s *DBProgressService) Close() {
	s.conns.Close()
}

func (s *DBProgressService) with(ctx context.Context, fn func(DB) error) error {
	lease, err := s.conns.Acquire(ctx)
	if err != nil {
		return err
	}
	conn := lease.Value()
	defer func() {
		if conn.Conn().IsClosed() {
			lease.Discard()
		} else {
			lease.Release()
		}
	}()
	return fn(conn)
}

// CreateRun implements progress.Service.
func (s *DBProgressService) CreateRun(ctx context.Context, in progress.NewRun) (progress.Run, error) {
	if in.ID == "" {
		return progress.Run{}, errors.New("create run: id is required")
	}
	var run progress.Run
	err := s.with(ctx, func(db DB) error {
		row := db.QueryRow(ctx, insertRunQuery,
			in.ID, in.Category, in.Name, string(in.Type), nullIfEmpty(in.ParentRunID),
			string(progress.RunStatusRunning), time.Now().UTC())
		var err error
		run, err = scanRun(row, false)
		return err
	})
	if err != nil {
		return progress.Run{}, errors.Wrapf(err, "create run %s", in.ID)
	}
	return run, nil
}

// CreateResourceRunsBatch implements progress.Service. Re-creating an existing
// resource-run is a no-op.
func (s *DBProgressService) CreateResourceRunsBatch(ctx context.Context, runID string, creates []progress.ResourceRunCreate) error {
	if len(creates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range creates {
		started := c.StartedAt
		if started.IsZero() {
			started = time.Now().UTC()
		}
		batch.Queue(insertResourceRunQuery, c.ResourceRunID, runID, c.ResourceID, c.ResourceType,
			string(progress.StatusProcessing), started)
	}
	err := s.with(ctx, func(db DB) error {
		return db.SendBatch(ctx, batch).Close()
	})
	return errors.Wrapf(err, "create %d resource runs", len(creates))
}

// UpdateStepProgressBatch implements progress.Service. Updates whose
// resource-run row does not exist yet are returned as deferred.
func (s *DBProgressService) UpdateStepProgressBatch(ctx context.Context, runID string, updates []progress.StepUpdate) ([]progress.StepUpdate, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, u := range updates {
		ended := u.Step.EndedAt
		if ended.IsZero() {
			ended = time.Now().UTC()
		}
		batch.Queue(upsertStepQuery, runID, u.ResourceRunID, u.Step.Name, string(u.Step.Status),
			u.Step.Duration.Milliseconds(), ended, nullIfEmpty(u.Step.Error))
	}
	var deferred []progress.StepUpdate
	err := s.with(ctx, func(db DB) error {
		br := db.SendBatch(ctx, batch)
		defer br.Close()
		for _, u := range updates {
			tag, err := br.Exec()
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				deferred = append(deferred, u)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "update %d steps", len(updates))
	}
	return deferred, nil
}

// CompleteResourceRunsBatch implements progress.Service. A resource-run keeps
// the first terminal status it is given.
func (s *DBProgressService) CompleteResourceRunsBatch(ctx context.Context, runID string, completions []progress.ResourceRunCompletion) error {
	if len(completions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range completions {
		ended := c.EndedAt
		if ended.IsZero() {
			ended = time.Now().UTC()
		}
		batch.Queue(completeResourceRunQuery, runID, c.ResourceRunID, string(c.Status), nullIfEmpty(c.Error), ended)
	}
	err := s.with(ctx, func(db DB) error {
		return db.SendBatch(ctx, batch).Close()
	})
	return errors.Wrapf(err, "complete %d resource runs", len(completions))
}

// CompleteRun implements progress.Service. A run can be completed only once.
func (s *DBProgressService) CompleteRun(ctx context.Context, runID string, status progress.RunStatus) error {
	return s.with(ctx, func(db DB) error {
		tag, err := db.Exec(ctx, completeRunQuery, runID, string(status))
		if err != nil {
			return errors.Wrapf(err, "complete run %s", runID)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		exists, err := runExists(ctx, db, runID)
		if err != nil {
			return err
		}
		if !exists {
			return errors.Wrapf(progress.ErrNotFound, "complete run %s", runID)
		}
		return errors.Errorf("complete run %s: already completed", runID)
	})
}

// GetIncompleteResourceIDs implements progress.Service.
func (s *DBProgressService) GetIncompleteResourceIDs(ctx context.Context, parentRunID string) ([]string, error) {
	var ids []string
	err := s.with(ctx, func(db DB) error {
		exists, err := runExists(ctx, db, parentRunID)
		if err != nil {
			return err
		}
		if !exists {
			return progress.ErrNotFound
		}
		rows, err := db.Query(ctx, incompleteResourceIDsQuery, parentRunID)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "incomplete resources of run %s", parentRunID)
	}
	return ids, nil
}

// GetRun implements progress.Reader. Counters are derived from the run's resource-runs.
func (s *DBProgressService) GetRun(ctx context.Context, runID string) (progress.Run, error) {
	var run progress.Run
	err := s.with(ctx, func(db DB) error {
		var err error
		run, err = scanRun(db.QueryRow(ctx, selectRunQuery, runID), true)
		return err
	})
	if err != nil {
		return progress.Run{}, errors.Wrapf(err, "run %s", runID)
	}
	return run, nil
}

// ListResourceRuns implements progress.Reader, ordered by start time. Steps
// are in the order they were first recorded.
func (s *DBProgressService) ListResourceRuns(ctx context.Context, runID string) ([]progress.ResourceRun, error) {
	var out []progress.ResourceRun
	err := s.with(ctx, func(db DB) error {
		exists, err := runExists(ctx, db, runID)
		if err != nil {
			return err
		}
		if !exists {
			return progress.ErrNotFound
		}
		out, err = listResourceRuns(ctx, db, runID)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "resource runs of run %s", runID)
	}
	return out, nil
}

func listResourceRuns(ctx context.Context, db DB, runID string) ([]progress.ResourceRun, error) {
	rows, err := db.Query(ctx, listResourceRunsQuery, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]progress.ResourceRun, 0)
	index := make(map[string]int)
	for rows.Next() {
		var rr progress.ResourceRun
		var status string
		if err := rows.Scan(&rr.ID, &rr.RunID, &rr.ResourceID, &rr.ResourceType, &status, &rr.StartedAt, &rr.EndedAt, &rr.Error); err != nil {
			return nil, err
		}
		rr.Status = progress.Status(status)
		index[rr.ID] = len(out)
		out = append(out, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	steps, err := db.Query(ctx, listStepsQuery, runID)
	if err != nil {
		return nil, err
	}
	defer steps.Close()
	for steps.Next() {
		var rrID, status string
		var step progress.StepProgress
		var ms int64
		if err := steps.Scan(&rrID, &step.Name, &status, &ms, &step.EndedAt, &step.Error); err != nil {
			return nil, err
		}
		step.Status = progress.Status(status)
		step.Duration = time.Duration(ms) * time.Millisecond
		if i, ok := index[rrID]; ok {
			out[i].Steps = append(out[i].Steps, step)
		}
	}
	return out, steps.Err()
}

func runExists(ctx context.Context, db DB, runID string) (bool, error) {
	var exists bool
	if err := db.QueryRow(ctx, runExistsQuery, runID).Scan(&exists); err != nil {
		return false, errors.Wrapf(err, "lookup run %s", runID)
	}
	return exists, nil
}

// scanRun reads the run columns, followed by the four counters when withCounts is set.
func scanRun(row scanner, withCounts bool) (progress.Run, error) {
	var run progress.Run
	var runType, status string
	dest := []any{&run.ID, &run.Category, &run.Name, &runType, &run.ParentRunID, &status, &run.StartedAt, &run.EndedAt}
	if withCounts {
		dest = append(dest, &run.Total, &run.Completed, &run.Failed, &run.Processing)
	}
	if err := row.Scan(dest...); err != nil {
		return progress.Run{}, handleNotFound(err)
	}
	run.Type = progress.RunType(runType)
	run.Status = progress.RunStatus(status)
	run.StartedAt = run.StartedAt.UTC()
	if run.EndedAt != nil {
		t := run.EndedAt.UTC()
		run.EndedAt = &t
	}
	return run, nil
}

var (
	_ progress.Service = (*DBProgressService)(nil)
	_ progress.Reader  = (*DBProgressService)(nil)
)

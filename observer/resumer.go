package observer

import (
	"context"
	"strings"
	"time"

	"github.com/dcshock/resourcepipe/progress"
	"github.com/pkg/errors"
)

// latestResumableQuery picks the most recent finished run of a pipeline and
// returns it only if it left resources incomplete. A later retry run that
// completed everything hides its parent.
const latestResumableQuery = `WITH latest AS (
		SELECT run_id, category, name, run_type, COALESCE(parent_run_id, '') AS parent_run_id, status, started_at, ended_at
		FROM pipeline_run
		WHERE category = $1 AND name = $2 AND ended_at IS NOT NULL
		ORDER BY started_at DESC
		LIMIT 1
	)
	SELECT l.run_id, l.category, l.name, l.run_type, l.parent_run_id, l.status, l.started_at, l.ended_at
	FROM latest l
	WHERE EXISTS (
		SELECT 1 FROM pipeline_resource_run rr
		WHERE rr.run_id = l.run_id AND rr.status <> 'Completed'
	)`

// failStaleQuery closes runs that are still Running long after they started,
// i.e. whose process died before CompleteRun.
const failStaleQuery = `UPDATE pipeline_run SET status = 'Failed', ended_at = now()
	WHERE status = 'Running' AND ended_at IS NULL AND started_at < $1`

// Resumer finds runs that a Retry run should pick up.
type Resumer struct {
	db DB
}

// NewResumer returns a resumer that queries db.
func NewResumer(db DB) *Resumer {
	return &Resumer{db: db}
}

// LatestResumable returns the most recent finished run of the pipeline
// category/name if it left resources incomplete, to be used as the parent of
// a Retry run. It returns progress.ErrNotFound when there is nothing to resume.
func (r *Resumer) LatestResumable(ctx context.Context, category, name string) (progress.Run, error) {
	if r == nil || r.db == nil {
		return progress.Run{}, errors.New("resumer not initialized")
	}
	category = strings.TrimSpace(category)
	name = strings.TrimSpace(name)
	if name == "" {
		return progress.Run{}, errors.New("pipeline name is required")
	}
	run, err := scanRun(r.db.QueryRow(ctx, latestResumableQuery, category, name), false)
	if err != nil {
		return progress.Run{}, errors.Wrapf(err, "latest resumable run of %s/%s", category, name)
	}
	return run, nil
}

// FailStale marks runs that have been Running for longer than olderThan as
// Failed so that LatestResumable can offer them. It returns how many runs were
// closed. Pick olderThan well above the longest expected run.
func (r *Resumer) FailStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("resumer not initialized")
	}
	tag, err := r.db.Exec(ctx, failStaleQuery, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "fail stale runs")
	}
	return tag.RowsAffected(), nil
}

package observer

import (
	"context"
	"fmt"

	"github.com/dcshock/resourcepipe/artifact"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const insertArtifactQuery = `INSERT INTO pipeline_artifact (artifact_id, run_id, resource_id, name, storage_type, content_type, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// DBArtifactStorage saves artifacts into the pipeline_artifact table. It serves
// the "database" storage type.
type DBArtifactStorage struct {
	db DB
}

// NewDBArtifactStorage returns a storage writing through db.
func NewDBArtifactStorage(db DB) *DBArtifactStorage {
	if db == nil {
		return nil
	}
	return &DBArtifactStorage{db: db}
}

// SaveBatch implements artifact.Storage. All requests are sent in one pgx
// batch; each result carries the error of its own insert.
func (s *DBArtifactStorage) SaveBatch(ctx context.Context, reqs []artifact.Request) ([]artifact.Result, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("artifact store not initialized")
	}
	ids := make([]string, len(reqs))
	batch := &pgx.Batch{}
	for i, r := range reqs {
		ids[i] = uuid.NewString()
		contentType := r.ContentType
		if contentType == "" {
			contentType = artifact.ContentTypeJSON
		}
		batch.Queue(insertArtifactQuery, ids[i], r.RunID, r.ResourceID, r.Name, string(r.StorageType), contentType, r.Payload)
	}

	br := s.db.SendBatch(ctx, batch)
	results := make([]artifact.Result, len(reqs))
	for i, r := range reqs {
		results[i] = artifact.Result{Request: r}
		if _, err := br.Exec(); err != nil {
			results[i].Err = errors.Wrapf(err, "insert artifact %s/%s", r.ResourceID, r.Name)
			continue
		}
		results[i].Location = fmt.Sprintf("postgres://pipeline_artifact/%s", ids[i])
	}
	if err := br.Close(); err != nil {
		return results, errors.Wrap(err, "artifact batch")
	}
	return results, nil
}

var _ artifact.Storage = (*DBArtifactStorage)(nil)

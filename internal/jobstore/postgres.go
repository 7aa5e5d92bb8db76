package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Schema creates the table used by PostgresStore.
const Schema = `CREATE TABLE IF NOT EXISTS comfy_jobs (
	job_id       TEXT PRIMARY KEY,
	group_id     TEXT NOT NULL,
	endpoint     TEXT NOT NULL,
	template     TEXT NOT NULL,
	batch_index  INTEGER NOT NULL,
	status       TEXT NOT NULL,
	images       INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS comfy_jobs_group_idx ON comfy_jobs (group_id, batch_index);`

const upsertJobQuery = `INSERT INTO comfy_jobs
	(job_id, group_id, endpoint, template, batch_index, status, images, error, submitted_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (job_id) DO UPDATE SET
	status = EXCLUDED.status,
	images = EXCLUDED.images,
	error = EXCLUDED.error,
	updated_at = EXCLUDED.updated_at`

const selectJobColumns = `SELECT job_id, group_id, endpoint, template, batch_index, status, images, error, submitted_at, updated_at
FROM comfy_jobs`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate comfy_jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rec JobRecord) error {
	_, err := s.db.ExecContext(ctx, upsertJobQuery,
		rec.JobID, rec.GroupID, rec.Endpoint, rec.Template, rec.BatchIndex,
		string(rec.Status), rec.Images, rec.Error, rec.SubmittedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", rec.JobID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, selectJobColumns+` WHERE job_id = $1`, jobID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListGroup(ctx context.Context, groupID string) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectJobColumns+` WHERE group_id = $1 ORDER BY batch_index`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group %s: %w", groupID, err)
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list group %s: %w", groupID, err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*JobRecord, error) {
	var (
		rec    JobRecord
		status string
	)
	err := row.Scan(&rec.JobID, &rec.GroupID, &rec.Endpoint, &rec.Template, &rec.BatchIndex,
		&status, &rec.Images, &rec.Error, &rec.SubmittedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	return &rec, nil
}

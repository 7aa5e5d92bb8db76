// Package jobstore records remote job handles and their outcome.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"comfy-executors/internal/common/config"
	"comfy-executors/internal/common/database"
)

var ErrNotFound = errors.New("job not found")

const migrateTimeout = 30 * time.Second

// openPostgres is replaced in tests.
var openPostgres = func(cfg config.PostgresConfig) (*sql.DB, func() error, error) {
	pc, err := database.NewPostgres(cfg)
	if err != nil {
		return nil, nil, err
	}
	return pc.DB, pc.Close, nil
}

type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// JobRecord is the persisted state of one remote job.
type JobRecord struct {
	JobID       string    `json:"jobId"`
	GroupID     string    `json:"groupId"`
	Endpoint    string    `json:"endpoint"`
	Template    string    `json:"template"`
	BatchIndex  int       `json:"batchIndex"`
	Status      Status    `json:"status"`
	Images      int       `json:"images"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Store interface {
	// Save inserts or replaces the record keyed by JobID.
	Save(ctx context.Context, rec JobRecord) error
	Get(ctx context.Context, jobID string) (*JobRecord, error)
	// ListGroup returns the records of one call ordered by batch index.
	ListGroup(ctx context.Context, groupID string) ([]JobRecord, error)
}

// New builds the store selected by cfg.Backend. "none" yields nil. The
// postgres table is created when missing.
func New(cfg config.JobStoreConfig) (Store, func() error, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, func() error { return nil }, nil
	case "redis":
		rc := database.NewRedis(cfg.Redis)
		return NewRedisStore(rc.Client, time.Duration(cfg.TTL)*time.Second), rc.Close, nil
	case "postgres":
		db, closer, err := openPostgres(cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		store := NewPostgresStore(db)

		ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
		defer cancel()
		if err := store.Migrate(ctx); err != nil {
			_ = closer()
			return nil, nil, err
		}
		return store, closer, nil
	default:
		return nil, nil, fmt.Errorf("unknown job store backend %q", cfg.Backend)
	}
}

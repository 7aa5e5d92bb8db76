package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfy-executors/internal/common/config"
)

// ==========================
// Test Helper Functions
// ==========================

func createRecord(jobID string, batch int, status Status) JobRecord {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return JobRecord{
		JobID:       jobID,
		GroupID:     "group-1",
		Endpoint:    "runpod",
		Template:    "txt2img.json",
		BatchIndex:  batch,
		Status:      status,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Hour), mr
}

// ==========================
// Redis Store Tests
// ==========================

func TestRedisStore_SaveGet(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	rec := createRecord("job-a", 0, StatusSubmitted)
	require.NoError(t, store.Save(ctx, rec))

	rec.Status = StatusCompleted
	rec.Images = 4
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Get(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 4, got.Images)
	assert.True(t, rec.SubmittedAt.Equal(got.SubmittedAt))

	assert.True(t, mr.Exists("comfy:job:job-a"))
	assert.Equal(t, time.Hour, mr.TTL("comfy:job:job-a"))
}

func TestRedisStore_ListGroupOrdersByBatch(t *testing.T) {
	store, _ := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, createRecord("job-c", 2, StatusCompleted)))
	require.NoError(t, store.Save(ctx, createRecord("job-a", 0, StatusCompleted)))
	require.NoError(t, store.Save(ctx, createRecord("job-b", 1, StatusFailed)))
	require.NoError(t, store.Save(ctx, createRecord("job-b", 1, StatusFailed)))

	records, err := store.ListGroup(ctx, "group-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "job-a", records[0].JobID)
	assert.Equal(t, "job-b", records[1].JobID)
	assert.Equal(t, "job-c", records[2].JobID)

	empty, err := store.ListGroup(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisStore_GetNotFound(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, 0)

	mock.ExpectGet("comfy:job:missing").RedisNil()

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_GetError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, 0)

	mock.ExpectGet("comfy:job:x").SetErr(errors.New("connection refused"))

	_, err := store.Get(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Postgres Store Tests
// ==========================

var recordColumns = []string{
	"job_id", "group_id", "endpoint", "template", "batch_index",
	"status", "images", "error", "submitted_at", "updated_at",
}

func TestPostgresStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rec := createRecord("job-a", 1, StatusFailed)
	rec.Error = "node 3 failed"

	mock.ExpectExec(`INSERT INTO comfy_jobs .* ON CONFLICT \(job_id\) DO UPDATE`).
		WithArgs("job-a", "group-1", "runpod", "txt2img.json", 1, "failed", 0, "node 3 failed", rec.SubmittedAt, rec.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresStore(db).Save(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rec := createRecord("job-a", 0, StatusCompleted)
	mock.ExpectQuery(`FROM comfy_jobs WHERE job_id = \$1`).
		WithArgs("job-a").
		WillReturnRows(sqlmock.NewRows(recordColumns).AddRow(
			rec.JobID, rec.GroupID, rec.Endpoint, rec.Template, rec.BatchIndex,
			"completed", 2, "", rec.SubmittedAt, rec.UpdatedAt,
		))

	got, err := NewPostgresStore(db).Get(context.Background(), "job-a")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Images)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM comfy_jobs WHERE job_id = \$1`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err = NewPostgresStore(db).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListGroup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a := createRecord("job-a", 0, StatusCompleted)
	b := createRecord("job-b", 1, StatusCompleted)
	mock.ExpectQuery(`FROM comfy_jobs WHERE group_id = \$1 ORDER BY batch_index`).
		WithArgs("group-1").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow(a.JobID, a.GroupID, a.Endpoint, a.Template, a.BatchIndex, "completed", 1, "", a.SubmittedAt, a.UpdatedAt).
			AddRow(b.JobID, b.GroupID, b.Endpoint, b.Template, b.BatchIndex, "completed", 1, "", b.SubmittedAt, b.UpdatedAt))

	records, err := NewPostgresStore(db).ListGroup(context.Background(), "group-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "job-b", records[1].JobID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS comfy_jobs`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewPostgresStore(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Factory Tests
// ==========================

func TestNew(t *testing.T) {
	store, closer, err := New(config.JobStoreConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, store)
	assert.NoError(t, closer())

	mr := miniredis.RunT(t)
	store, closer, err = New(config.JobStoreConfig{Backend: "redis", TTL: 60, Redis: config.RedisConfig{Address: mr.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, store)
	assert.NoError(t, closer())

	_, _, err = New(config.JobStoreConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func mockPostgres(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	orig := openPostgres
	openPostgres = func(config.PostgresConfig) (*sql.DB, func() error, error) {
		return db, db.Close, nil
	}
	t.Cleanup(func() { openPostgres = orig })
	return mock
}

func TestNew_PostgresCreatesTable(t *testing.T) {
	mock := mockPostgres(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS comfy_jobs`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO comfy_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store, closer, err := New(config.JobStoreConfig{Backend: "postgres"})
	require.NoError(t, err)
	assert.IsType(t, &PostgresStore{}, store)

	require.NoError(t, store.Save(context.Background(), createRecord("job-1", 0, StatusSubmitted)))
	require.NoError(t, closer())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_PostgresMigrationFailure(t *testing.T) {
	mock := mockPostgres(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS comfy_jobs`).WillReturnError(errors.New("permission denied"))
	mock.ExpectClose()

	store, _, err := New(config.JobStoreConfig{Backend: "postgres"})
	require.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "permission denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}

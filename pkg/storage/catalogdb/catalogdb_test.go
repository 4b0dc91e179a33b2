package catalogdb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/drivercagropecuaria-cyber/BibliotecaRC/internal/pipeline"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return New(db)
}

func seedDBJob(t *testing.T, store *DB, status pipeline.JobStatus, updatedAt time.Time) *pipeline.UploadJob {
	t.Helper()
	job := &pipeline.UploadJob{
		ID:               uuid.New(),
		OriginalFilename: "clip.mp4",
		MimeType:         "video/mp4",
		SizeBytes:        1024,
		Bucket:           "acervo-media",
		Status:           status,
		CreatedAt:        updatedAt,
		UpdatedAt:        updatedAt,
	}
	job.ObjectPath = pipeline.ObjectPathFor(job.ID, updatedAt)
	require.NoError(t, store.Jobs().Create(context.Background(), job))
	return job
}

func TestJobTransitionCompareAndSwap(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	job := seedDBJob(t, store, pipeline.StatusPending, time.Now().UTC())

	swapped, err := store.Jobs().Transition(ctx, job.ID,
		[]pipeline.JobStatus{pipeline.StatusPending}, pipeline.StatusCommitted, "")
	require.NoError(t, err)
	assert.True(t, swapped)

	// The losing side of the race observes a silent no-op.
	swapped, err = store.Jobs().Transition(ctx, job.ID,
		[]pipeline.JobStatus{pipeline.StatusPending, pipeline.StatusUploading},
		pipeline.StatusExpired, "ttl exceeded")
	require.NoError(t, err)
	assert.False(t, swapped)

	current, err := store.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCommitted, current.Status)
	assert.Empty(t, current.LastError)
}

func TestJobGetNotFound(t *testing.T) {
	store := openTestDB(t)
	_, err := store.Jobs().Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestListStaleFiltersByStatusAndAge(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := seedDBJob(t, store, pipeline.StatusPending, now.Add(-2*time.Hour))
	seedDBJob(t, store, pipeline.StatusPending, now)
	seedDBJob(t, store, pipeline.StatusCommitted, now.Add(-2*time.Hour))

	jobs, err := store.Jobs().ListStale(ctx,
		[]pipeline.JobStatus{pipeline.StatusPending, pipeline.StatusUploading},
		now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stale.ID, jobs[0].ID)
}

func TestOutboxPendingOrderAndMarks(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		event := &pipeline.OutboxEvent{
			ID:        uuid.New(),
			EventType: pipeline.EventAssetCommitted,
			Payload:   datatypes.JSON(`{}`),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.Outbox().Append(ctx, event))
		ids = append(ids, event.ID)
	}

	pending, err := store.Outbox().ListPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2, "batch is bounded")
	assert.Equal(t, ids[0], pending[0].ID, "oldest first")
	assert.Equal(t, ids[1], pending[1].ID)

	require.NoError(t, store.Outbox().RecordFailure(ctx, ids[0], pipeline.ErrCodeThumbnailPending))
	require.NoError(t, store.Outbox().RecordFailure(ctx, ids[0], pipeline.ErrCodeThumbnailPending))

	pending, err = store.Outbox().ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3, "a failed event stays pending")
	assert.Equal(t, 2, pending[0].RetryCount)
	require.NotNil(t, pending[0].LastError)

	require.NoError(t, store.Outbox().MarkProcessed(ctx, ids[0], time.Now().UTC()))
	pending, err = store.Outbox().ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "processed events are excluded by construction")

	count, err := store.Outbox().CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestTransactionRollsBackAllWrites(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	job := seedDBJob(t, store, pipeline.StatusPending, time.Now().UTC())

	sentinel := assert.AnError
	err := store.Transaction(ctx, func(tx pipeline.Store) error {
		swapped, err := tx.Jobs().Transition(ctx, job.ID,
			[]pipeline.JobStatus{pipeline.StatusPending}, pipeline.StatusCommitted, "")
		require.NoError(t, err)
		require.True(t, swapped)

		require.NoError(t, tx.Assets().Create(ctx, &pipeline.MediaAsset{
			ID:         uuid.New(),
			JobID:      job.ID,
			MimeType:   "video/mp4",
			Bucket:     job.Bucket,
			ObjectPath: job.ObjectPath,
		}))
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	after, err := store.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusPending, after.Status, "job transition rolled back")

	counts, err := store.Jobs().CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[pipeline.StatusPending])
}

func TestCountByStatus(t *testing.T) {
	store := openTestDB(t)
	now := time.Now().UTC()
	seedDBJob(t, store, pipeline.StatusPending, now)
	seedDBJob(t, store, pipeline.StatusPending, now)
	seedDBJob(t, store, pipeline.StatusExpired, now)

	counts, err := store.Jobs().CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[pipeline.StatusPending])
	assert.Equal(t, int64(1), counts[pipeline.StatusExpired])
}

func TestWorkerRunRecorded(t *testing.T) {
	store := openTestDB(t)
	run := &pipeline.WorkerRun{
		ID:        uuid.New(),
		Worker:    pipeline.WorkerRelay,
		Status:    pipeline.RunStatusSuccess,
		Details:   datatypes.JSON(`{"processed":2,"skipped":0}`),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Runs().Record(context.Background(), run))
}

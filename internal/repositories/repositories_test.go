package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flink-studio/flinkctl/internal/db"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    ":memory:",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return NewStore(database), database
}

func countLatest(t *testing.T, database *gorm.DB, jobID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, database.Model(&db.Snapshot{}).
		Where("job_id = ? AND is_latest = ?", jobID, true).
		Count(&n).Error)
	return n
}

func TestCreateSnapshotRecord(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()

	id, err := store.Snapshots.CreateSnapshotRecord(ctx, "job-1", "orders", db.TypePause)
	require.NoError(t, err)

	row, err := store.Snapshots.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.SnapshotInProgress, row.SnapshotStatus)
	assert.Equal(t, db.TypePause, row.SnapshotType)
	assert.True(t, row.IsLatest)
	assert.Contains(t, row.SnapshotPath, "IN_PROGRESS_job-1_")
	assert.NotEmpty(t, row.Metadata["started_at"])
	assert.Equal(t, int64(1), countLatest(t, database, "job-1"))
}

func TestCreateSnapshotRecordClearsPriorLatest(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()

	first, err := store.Snapshots.CreateSnapshotRecord(ctx, "job-1", "orders", db.TypePause)
	require.NoError(t, err)
	second, err := store.Snapshots.CreateSnapshotRecord(ctx, "job-1", "orders", db.TypePause)
	require.NoError(t, err)

	assert.Equal(t, int64(1), countLatest(t, database, "job-1"))

	old, err := store.Snapshots.GetByID(ctx, first)
	require.NoError(t, err)
	assert.False(t, old.IsLatest)

	latest, err := store.Snapshots.GetByID(ctx, second)
	require.NoError(t, err)
	assert.True(t, latest.IsLatest)
}

func TestCreateJobStartRecord(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()

	id, err := store.Snapshots.CreateJobStartRecord(ctx, "job-1", "orders",
		"INSERT INTO sink SELECT * FROM source", map[string]string{"tags": "discovered"})
	require.NoError(t, err)

	row, err := store.Snapshots.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.PlaceholderRunningJob, row.SnapshotPath)
	assert.Equal(t, db.TypeJobStart, row.SnapshotType)
	assert.Equal(t, db.SnapshotCompleted, row.SnapshotStatus)
	assert.Equal(t, "INSERT INTO sink SELECT * FROM source", row.SQLContent)
	assert.Equal(t, "discovered", row.Metadata["tags"])
	assert.False(t, row.Usable(), "placeholder path must not count as resumable")
	assert.Equal(t, int64(1), countLatest(t, database, "job-1"))
}

func TestUpdateSnapshotStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Snapshots.CreateSnapshotRecord(ctx, "job-1", "orders", db.TypePause)
	require.NoError(t, err)

	reqID := "req-1"
	require.NoError(t, store.Snapshots.UpdateSnapshotStatus(ctx, id, db.SnapshotInProgress,
		SnapshotUpdate{RequestID: &reqID}))

	path := "s3://bucket/sp-1"
	require.NoError(t, store.Snapshots.UpdateSnapshotStatus(ctx, id, db.SnapshotCompleted,
		SnapshotUpdate{Path: &path, MetadataPatch: map[string]string{"method": "pause"}}))

	row, err := store.Snapshots.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.SnapshotCompleted, row.SnapshotStatus)
	assert.Equal(t, "req-1", row.RequestID)
	assert.Equal(t, path, row.SnapshotPath)
	assert.Equal(t, "pause", row.Metadata["method"])
	assert.NotEmpty(t, row.Metadata["completed_at"])
	assert.NotEmpty(t, row.Metadata["started_at"], "earlier metadata survives the merge")
	assert.True(t, row.Usable())
}

func TestUpdateSnapshotStatusKeepsHistoricalTimestamps(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()

	id, err := store.Snapshots.CreateSnapshotRecord(ctx, "job-1", "orders", db.TypePause)
	require.NoError(t, err)
	path := "s3://bucket/sp-1"
	require.NoError(t, store.Snapshots.UpdateSnapshotStatus(ctx, id, db.SnapshotCompleted,
		SnapshotUpdate{Path: &path}))

	// Backdate the completion stamp, then patch metadata the way a
	// reconciliation pass does.
	historical := "2024-01-02T03:04:05Z"
	var row db.Snapshot
	require.NoError(t, database.First(&row, "id = ?", id).Error)
	row.Metadata["completed_at"] = historical
	require.NoError(t, database.Save(&row).Error)

	require.NoError(t, store.Snapshots.UpdateSnapshotStatus(ctx, id, db.SnapshotCompleted,
		SnapshotUpdate{MetadataPatch: map[string]string{"job_status": "CANCELED"}}))

	fresh, err := store.Snapshots.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, historical, fresh.Metadata["completed_at"], "same-status update must not re-stamp")
	assert.Equal(t, "CANCELED", fresh.Metadata["job_status"])
}

func TestUpdateSnapshotStatusNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Snapshots.UpdateSnapshotStatus(context.Background(), 999, db.SnapshotFailed, SnapshotUpdate{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGetLatestForJobSweepsStaleRow(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()

	stale := db.Snapshot{
		JobID:          "job-1",
		SnapshotPath:   "IN_PROGRESS_job-1_0",
		SnapshotType:   db.TypePause,
		SnapshotStatus: db.SnapshotInProgress,
		IsLatest:       true,
		CreatedAt:      time.Now().Add(-10 * time.Minute),
		Metadata:       db.JSONMap{},
	}
	require.NoError(t, database.Create(&stale).Error)

	row, err := store.Snapshots.GetLatestForJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, db.SnapshotFailed, row.SnapshotStatus)
	assert.Contains(t, row.Metadata["error"], "stale")
	assert.NotEmpty(t, row.Metadata["failed_at"])
}

func TestGetLatestForJobKeepsFreshInProgress(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Snapshots.CreateSnapshotRecord(ctx, "job-1", "orders", db.TypePause)
	require.NoError(t, err)

	row, err := store.Snapshots.GetLatestForJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, id, row.ID)
	assert.Equal(t, db.SnapshotInProgress, row.SnapshotStatus)
}

func TestGetLatestForJobNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Snapshots.GetLatestForJob(context.Background(), "absent")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListActiveAnnotatesAndSweeps(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()

	_, err := store.Snapshots.CreateSnapshotRecord(ctx, "job-fresh", "f", db.TypePause)
	require.NoError(t, err)

	stale := db.Snapshot{
		JobID:          "job-stale",
		SnapshotPath:   "IN_PROGRESS_job-stale_0",
		SnapshotStatus: db.SnapshotInProgress,
		IsLatest:       true,
		CreatedAt:      time.Now().Add(-20 * time.Minute),
		Metadata:       db.JSONMap{},
	}
	require.NoError(t, database.Create(&stale).Error)

	active, err := store.Snapshots.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	byJob := map[string]ActiveSnapshot{}
	for _, a := range active {
		byJob[a.Snapshot.JobID] = a
	}
	assert.False(t, byJob["job-fresh"].IsStale)
	assert.Equal(t, db.SnapshotInProgress, byJob["job-fresh"].Snapshot.SnapshotStatus)
	assert.True(t, byJob["job-stale"].IsStale)
	assert.Equal(t, db.SnapshotFailed, byJob["job-stale"].Snapshot.SnapshotStatus)
	assert.Greater(t, byJob["job-stale"].Age, 15*time.Minute)
}

func TestListCompletedExcludesPlaceholders(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Snapshots.CreateJobStartRecord(ctx, "job-1", "orders", "SELECT 1", nil)
	require.NoError(t, err)

	id, err := store.Snapshots.CreateSnapshotRecord(ctx, "job-2", "payments", db.TypePause)
	require.NoError(t, err)
	path := "s3://b/sp-2"
	require.NoError(t, store.Snapshots.UpdateSnapshotStatus(ctx, id, db.SnapshotCompleted,
		SnapshotUpdate{Path: &path}))

	rows, err := store.Snapshots.ListCompleted(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "job-2", rows[0].JobID)
}

func TestResumeEventLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	snapID, err := store.Snapshots.CreateSnapshotRecord(ctx, "job-1", "orders", db.TypePause)
	require.NoError(t, err)

	id, err := store.ResumeEvents.CreateResumeEvent(ctx, snapID, "job-1",
		"s3://b/sp-1", "pipeline.sql", map[string]string{"intent_id": "i-1"})
	require.NoError(t, err)

	ev, err := store.ResumeEvents.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.ResumeStarted, ev.Status)
	assert.Nil(t, ev.CompletedAt)
	assert.Equal(t, "i-1", ev.Metadata["intent_id"])

	newJob := "job-2"
	require.NoError(t, store.ResumeEvents.UpdateResumeEvent(ctx, id, db.ResumeCompleted,
		ResumeUpdate{NewJobID: &newJob}))

	ev, err = store.ResumeEvents.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.ResumeCompleted, ev.Status)
	assert.Equal(t, "job-2", ev.NewJobID)
	require.NotNil(t, ev.CompletedAt)
	assert.False(t, ev.CompletedAt.Before(ev.CreatedAt))
}

func TestResumeEventFailureSetsCompletedAt(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.ResumeEvents.CreateResumeEvent(ctx, 1, "job-1", "s3://b/sp-1", "f.sql", nil)
	require.NoError(t, err)

	msg := "snapshot already in use"
	require.NoError(t, store.ResumeEvents.UpdateResumeEvent(ctx, id, db.ResumeFailed,
		ResumeUpdate{ErrorMessage: &msg}))

	ev, err := store.ResumeEvents.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.ResumeFailed, ev.Status)
	assert.Equal(t, msg, ev.ErrorMessage)
	assert.NotNil(t, ev.CompletedAt)
}

func TestRecentStartedForPath(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()

	_, err := store.ResumeEvents.CreateResumeEvent(ctx, 1, "job-1", "s3://b/sp-1", "f.sql", nil)
	require.NoError(t, err)

	old := db.ResumeEvent{
		SnapshotID:    1,
		OriginalJobID: "job-1",
		SnapshotPath:  "s3://b/sp-1",
		SQLFilePath:   "f.sql",
		Status:        db.ResumeStarted,
		CreatedAt:     time.Now().Add(-2 * time.Hour),
		Metadata:      db.JSONMap{},
	}
	require.NoError(t, database.Create(&old).Error)

	recent, err := store.ResumeEvents.RecentStartedForPath(ctx, "s3://b/sp-1",
		time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	none, err := store.ResumeEvents.RecentStartedForPath(ctx, "s3://b/other",
		time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

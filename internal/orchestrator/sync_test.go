package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flink-studio/flinkctl/internal/cluster"
	"github.com/flink-studio/flinkctl/internal/db"
	"github.com/flink-studio/flinkctl/internal/repositories"
)

func TestSyncDiscoversUnknownJobs(t *testing.T) {
	cl := &fakeCluster{jobs: map[string]*cluster.Job{
		"j1": {ID: "j1", Name: "orders", State: cluster.StateRunning},
	}}
	o, store, _ := newTestOrchestrator(t, &fakeGateway{}, cl)
	ctx := context.Background()

	report, err := o.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ClusterJobs)
	assert.Equal(t, []string{"j1"}, report.Discovered)

	row, err := store.Snapshots.GetLatestForJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, db.TypeJobStart, row.SnapshotType)
	assert.Equal(t, "orders", row.JobName)
	assert.Equal(t, "discovered", row.Metadata["tags"])
	assert.Equal(t, "RUNNING", row.Metadata["job_status"])
}

func TestSyncMarksVanishedJobs(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, &fakeGateway{}, &fakeCluster{})
	ctx := context.Background()

	snapID := completedSnapshot(t, store, "j1", "orders", "s3://b/sp-1", "SELECT 1")

	report, err := o.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StatusMarked)
	assert.Empty(t, report.Discovered)

	row, err := store.Snapshots.GetByID(ctx, snapID)
	require.NoError(t, err)
	assert.Equal(t, "NOT_FOUND", row.Metadata["job_status"])
	assert.NotEmpty(t, row.Metadata["synced_at"])
	assert.Equal(t, db.SnapshotCompleted, row.SnapshotStatus, "snapshot stays usable for resume")
}

func TestSyncSkipsUnchangedStatus(t *testing.T) {
	cl := &fakeCluster{jobs: map[string]*cluster.Job{
		"j1": {ID: "j1", Name: "orders", State: cluster.StateRunning},
	}}
	o, _, _ := newTestOrchestrator(t, &fakeGateway{}, cl)
	ctx := context.Background()

	_, err := o.Sync(ctx)
	require.NoError(t, err)

	report, err := o.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.StatusMarked)
	assert.Empty(t, report.Discovered, "discovery row from the first pass is reused")
}

func TestListPausable(t *testing.T) {
	cl := &fakeCluster{jobs: map[string]*cluster.Job{
		"j1": {ID: "j1", State: cluster.StateRunning},
		"j2": {ID: "j2", State: cluster.StateFinished},
		"j3": {ID: "j3", State: cluster.StateCanceled},
	}}
	o, _, _ := newTestOrchestrator(t, &fakeGateway{}, cl)

	jobs, err := o.ListPausable(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
}

func TestListResumable(t *testing.T) {
	cl := &fakeCluster{jobs: map[string]*cluster.Job{
		"j-canceled": {ID: "j-canceled", State: cluster.StateCanceled},
		"j-running":  {ID: "j-running", State: cluster.StateRunning},
	}}
	o, store, _ := newTestOrchestrator(t, &fakeGateway{}, cl)
	ctx := context.Background()

	completedSnapshot(t, store, "j-canceled", "orders", "s3://b/sp-1", "SELECT 1")
	completedSnapshot(t, store, "j-running", "clicks", "s3://b/sp-2", "SELECT 2")
	completedSnapshot(t, store, "j-gone", "legacy", "s3://b/sp-3", "SELECT 3")

	rows, err := o.ListResumable(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	states := map[string]cluster.JobState{}
	for _, r := range rows {
		states[r.Snapshot.JobID] = r.JobState
	}
	assert.Equal(t, cluster.StateCanceled, states["j-canceled"])
	assert.Equal(t, cluster.StateNotFound, states["j-gone"])
	assert.NotContains(t, states, "j-running")
}

func TestListActiveSnapshotsAnnotatesRequestState(t *testing.T) {
	cl := &fakeCluster{statuses: []*cluster.SnapshotRequest{
		{State: cluster.RequestInProgress},
	}}
	o, store, _ := newTestOrchestrator(t, &fakeGateway{}, cl)
	ctx := context.Background()

	id, err := store.Snapshots.CreateSnapshotRecord(ctx, "j1", "orders", db.TypePause)
	require.NoError(t, err)
	reqID := "R1"
	require.NoError(t, store.Snapshots.UpdateSnapshotStatus(ctx, id, db.SnapshotInProgress,
		repositories.SnapshotUpdate{RequestID: &reqID}))

	views, err := o.ListActiveSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, cluster.RequestInProgress, views[0].RequestState)
	assert.False(t, views[0].IsStale)
}

func TestListSnapshotsPagination(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, &fakeGateway{}, &fakeCluster{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		completedSnapshot(t, store, "j1", "orders", "s3://b/sp", "SELECT 1")
	}

	rows, total, err := o.ListSnapshots(ctx, repositories.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, rows, 2)
}

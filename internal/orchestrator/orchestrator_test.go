package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flink-studio/flinkctl/internal/cluster"
	"github.com/flink-studio/flinkctl/internal/db"
	"github.com/flink-studio/flinkctl/internal/fault"
	"github.com/flink-studio/flinkctl/internal/gateway"
	"github.com/flink-studio/flinkctl/internal/repositories"
)

// fakeGateway queues batch results and records what was executed.
type fakeGateway struct {
	sessions   int
	closed     int
	singles    int
	executed   []string
	batches    []*gateway.BatchResult
	sessionErr error
}

func (f *fakeGateway) CreateSession(_ context.Context, _ map[string]string) (*gateway.Session, error) {
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	f.sessions++
	return &gateway.Session{Handle: "sess"}, nil
}

func (f *fakeGateway) CloseSession(_ context.Context, _ *gateway.Session) error {
	f.closed++
	return nil
}

func (f *fakeGateway) ExecuteMany(_ context.Context, _ *gateway.Session, sql string, _ gateway.OnError) (*gateway.BatchResult, error) {
	return f.record(sql), nil
}

func (f *fakeGateway) ExecuteSingle(_ context.Context, _ *gateway.Session, sql string) (*gateway.BatchResult, error) {
	f.singles++
	return f.record(sql), nil
}

func (f *fakeGateway) record(sql string) *gateway.BatchResult {
	f.executed = append(f.executed, sql)
	if len(f.batches) == 0 {
		return &gateway.BatchResult{Success: true}
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b
}

// fakeCluster serves a static job map and a scripted snapshot-status
// sequence.
type fakeCluster struct {
	jobs       map[string]*cluster.Job
	triggered  int
	triggerID  string
	triggerErr error
	stopped    int
	statuses   []*cluster.SnapshotRequest
	cancels    int
	usingPath  map[string][]*cluster.Job
}

func (f *fakeCluster) ListJobs(_ context.Context) ([]*cluster.Job, error) {
	var out []*cluster.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeCluster) JobDetails(_ context.Context, jobID string) (*cluster.Job, error) {
	return f.jobs[jobID], nil
}

func (f *fakeCluster) FindJob(ctx context.Context, idOrName string) (*cluster.Job, error) {
	if j := f.jobs[idOrName]; j != nil {
		return j, nil
	}
	for _, j := range f.jobs {
		if j.Name == idOrName {
			return j, nil
		}
	}
	return nil, nil
}

func (f *fakeCluster) TriggerSnapshot(_ context.Context, _, _ string) (string, error) {
	f.triggered++
	if f.triggerErr != nil {
		return "", f.triggerErr
	}
	return f.triggerID, nil
}

func (f *fakeCluster) SnapshotStatus(_ context.Context, _, _ string) (*cluster.SnapshotRequest, error) {
	if len(f.statuses) == 0 {
		return &cluster.SnapshotRequest{State: cluster.RequestInProgress}, nil
	}
	s := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return s, nil
}

func (f *fakeCluster) StopWithSnapshot(_ context.Context, _, _ string) (string, error) {
	f.stopped++
	return f.triggerID, nil
}

func (f *fakeCluster) CancelJob(_ context.Context, _ string) error {
	f.cancels++
	return nil
}

func (f *fakeCluster) JobsUsingSnapshot(_ context.Context, path string) ([]*cluster.Job, error) {
	return f.usingPath[path], nil
}

func newTestOrchestrator(t *testing.T, gw *fakeGateway, cl *fakeCluster) (*Orchestrator, *repositories.Store, *gorm.DB) {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	store := repositories.NewStore(database)
	o := New(gw, cl, store, Config{
		SnapshotTimeout:      300 * time.Millisecond,
		SnapshotPollInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	return o, store, database
}

func countSnapshots(t *testing.T, database *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, database.Model(&db.Snapshot{}).Count(&n).Error)
	return n
}

func TestExecuteSQLEmptyInputNoSessionSideEffects(t *testing.T) {
	gw := &fakeGateway{}
	o, _, _ := newTestOrchestrator(t, gw, &fakeCluster{})

	report, err := o.ExecuteSQL(context.Background(), ExecuteOptions{SQL: "  -- nothing\n"})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Empty(t, report.Statements)
	assert.Zero(t, gw.sessions)
}

func TestExecuteSQLStrictEnvFailsBeforeAnyCall(t *testing.T) {
	gw := &fakeGateway{}
	o, _, _ := newTestOrchestrator(t, gw, &fakeCluster{})

	_, err := o.ExecuteSQL(context.Background(), ExecuteOptions{
		SQL:       "CREATE TABLE t WITH ('topic' = '${TOPIC}')",
		StrictEnv: true,
	})
	require.Error(t, err)
	assert.Equal(t, fault.MissingEnv, fault.KindOf(err))
	assert.Zero(t, gw.sessions)
}

func TestExecuteSQLRecordsJobStart(t *testing.T) {
	gw := &fakeGateway{batches: []*gateway.BatchResult{{
		Success: true,
		Results: []gateway.StatementResult{
			{Statement: "CREATE TABLE t (x INT)", Status: gateway.StatusFinished},
			{Statement: "INSERT INTO t SELECT 1", Status: gateway.StatusFinished, JobID: "job-1"},
		},
	}}}
	o, store, _ := newTestOrchestrator(t, gw, &fakeCluster{})

	report, err := o.ExecuteSQL(context.Background(), ExecuteOptions{
		SQL:     "CREATE TABLE t (x INT); INSERT INTO t SELECT 1",
		JobName: "orders",
		Tags:    []string{"prod", "etl"},
	})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, "job-1", report.JobID)
	require.NotZero(t, report.SnapshotRowID)
	assert.Equal(t, 1, gw.closed, "session closed when not kept")

	row, err := store.Snapshots.GetByID(context.Background(), report.SnapshotRowID)
	require.NoError(t, err)
	assert.Equal(t, db.TypeJobStart, row.SnapshotType)
	assert.Equal(t, "orders", row.JobName)
	assert.Contains(t, row.SQLContent, "INSERT INTO t SELECT 1")
	assert.Equal(t, "prod,etl", row.Metadata["tags"])
	assert.NotEmpty(t, row.Metadata["intent_id"])
}

func TestExecuteSQLNoRecordWithoutJobName(t *testing.T) {
	gw := &fakeGateway{batches: []*gateway.BatchResult{{
		Success: true,
		Results: []gateway.StatementResult{{JobID: "job-1", Status: gateway.StatusFinished}},
	}}}
	o, _, database := newTestOrchestrator(t, gw, &fakeCluster{})

	report, err := o.ExecuteSQL(context.Background(), ExecuteOptions{SQL: "INSERT INTO t SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", report.JobID)
	assert.Zero(t, countSnapshots(t, database))
}

func TestExecuteSQLSingleStatementNeverSplits(t *testing.T) {
	gw := &fakeGateway{batches: []*gateway.BatchResult{{
		Success: true,
		Results: []gateway.StatementResult{{Status: gateway.StatusFinished, JobID: "job-1"}},
	}}}
	o, _, _ := newTestOrchestrator(t, gw, &fakeCluster{})

	sql := "CREATE TABLE t (x STRING); INSERT INTO t VALUES ('a;b')"
	report, err := o.ExecuteSQL(context.Background(), ExecuteOptions{
		SQL:             sql,
		SingleStatement: true,
	})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, 1, gw.singles)
	require.Len(t, gw.executed, 1)
	assert.Equal(t, sql, gw.executed[0], "semicolons reach the gateway intact")
}

func TestExecuteSQLSingleStatementEmptyInput(t *testing.T) {
	gw := &fakeGateway{}
	o, _, _ := newTestOrchestrator(t, gw, &fakeCluster{})

	report, err := o.ExecuteSQL(context.Background(), ExecuteOptions{
		SQL:             "   \n",
		SingleStatement: true,
	})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Empty(t, report.Statements)
	assert.Zero(t, gw.sessions)
}

func TestPauseOnTerminalJobFailsPrecondition(t *testing.T) {
	cl := &fakeCluster{jobs: map[string]*cluster.Job{
		"j1": {ID: "j1", Name: "orders", State: cluster.StateFinished},
	}}
	o, _, database := newTestOrchestrator(t, &fakeGateway{}, cl)

	_, err := o.Pause(context.Background(), "j1", "")
	require.Error(t, err)
	assert.Equal(t, fault.Precondition, fault.KindOf(err))
	assert.Zero(t, countSnapshots(t, database), "no snapshot row on precondition failure")
	assert.Zero(t, cl.triggered)
}

func TestPauseUnknownJob(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeGateway{}, &fakeCluster{jobs: map[string]*cluster.Job{}})
	_, err := o.Pause(context.Background(), "ghost", "")
	require.Error(t, err)
	assert.Equal(t, fault.Precondition, fault.KindOf(err))
}

func TestPauseSuccess(t *testing.T) {
	cl := &fakeCluster{
		jobs: map[string]*cluster.Job{
			"j1": {ID: "j1", Name: "orders", State: cluster.StateRunning},
		},
		triggerID: "R1",
		statuses: []*cluster.SnapshotRequest{
			{State: cluster.RequestInProgress},
			{State: cluster.RequestCompleted, Location: "s3://b/sp-1"},
		},
	}
	o, store, _ := newTestOrchestrator(t, &fakeGateway{}, cl)

	report, err := o.Pause(context.Background(), "j1", "s3://b")
	require.NoError(t, err)
	assert.Equal(t, "s3://b/sp-1", report.Path)
	assert.False(t, report.AlreadyPaused)
	assert.Equal(t, 1, cl.cancels, "cancel invoked exactly once")

	row, err := store.Snapshots.GetLatestForJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, db.SnapshotCompleted, row.SnapshotStatus)
	assert.Equal(t, "s3://b/sp-1", row.SnapshotPath)
	assert.Equal(t, "R1", row.RequestID)
	assert.Equal(t, "pause", row.Metadata["method"])
	assert.NotEmpty(t, row.Metadata["stopped_at"])
}

func TestPauseAlreadyPaused(t *testing.T) {
	cl := &fakeCluster{
		jobs: map[string]*cluster.Job{
			"j1": {ID: "j1", Name: "orders", State: cluster.StateCanceled},
		},
	}
	o, store, _ := newTestOrchestrator(t, &fakeGateway{}, cl)
	ctx := context.Background()

	id, err := store.Snapshots.CreateSnapshotRecord(ctx, "j1", "orders", db.TypePause)
	require.NoError(t, err)
	path := "s3://b/sp-old"
	require.NoError(t, store.Snapshots.UpdateSnapshotStatus(ctx, id, db.SnapshotCompleted,
		repositories.SnapshotUpdate{Path: &path}))

	report, err := o.Pause(ctx, "j1", "")
	require.NoError(t, err)
	assert.True(t, report.AlreadyPaused)
	assert.Equal(t, "s3://b/sp-old", report.Path)
	assert.Zero(t, cl.triggered)
	assert.Zero(t, cl.cancels)
}

func TestPauseResumesOpenRequest(t *testing.T) {
	cl := &fakeCluster{
		jobs: map[string]*cluster.Job{
			"j1": {ID: "j1", Name: "orders", State: cluster.StateRunning},
		},
		statuses: []*cluster.SnapshotRequest{
			{State: cluster.RequestCompleted, Location: "s3://b/sp-2"},
		},
	}
	o, store, database := newTestOrchestrator(t, &fakeGateway{}, cl)
	ctx := context.Background()

	id, err := store.Snapshots.CreateSnapshotRecord(ctx, "j1", "orders", db.TypePause)
	require.NoError(t, err)
	reqID := "R9"
	require.NoError(t, store.Snapshots.UpdateSnapshotStatus(ctx, id, db.SnapshotInProgress,
		repositories.SnapshotUpdate{RequestID: &reqID}))

	report, err := o.Pause(ctx, "j1", "")
	require.NoError(t, err)
	assert.Zero(t, cl.triggered, "open request picked up, no second trigger")
	assert.Equal(t, id, report.SnapshotRowID)
	assert.Equal(t, "s3://b/sp-2", report.Path)
	assert.Equal(t, int64(1), countSnapshots(t, database))
}

func TestPauseCorruptInProgressRowReplaced(t *testing.T) {
	cl := &fakeCluster{
		jobs: map[string]*cluster.Job{
			"j1": {ID: "j1", Name: "orders", State: cluster.StateRunning},
		},
		triggerID: "R1",
		statuses: []*cluster.SnapshotRequest{
			{State: cluster.RequestCompleted, Location: "s3://b/sp-3"},
		},
	}
	o, store, database := newTestOrchestrator(t, &fakeGateway{}, cl)
	ctx := context.Background()

	// IN_PROGRESS with no request id: polling cannot resume on it.
	corrupt, err := store.Snapshots.CreateSnapshotRecord(ctx, "j1", "orders", db.TypePause)
	require.NoError(t, err)

	report, err := o.Pause(ctx, "j1", "")
	require.NoError(t, err)
	assert.NotEqual(t, corrupt, report.SnapshotRowID)

	old, err := store.Snapshots.GetByID(ctx, corrupt)
	require.NoError(t, err)
	assert.Equal(t, db.SnapshotFailed, old.SnapshotStatus)

	var latestCount int64
	require.NoError(t, database.Model(&db.Snapshot{}).
		Where("job_id = ? AND is_latest = ?", "j1", true).
		Count(&latestCount).Error)
	assert.Equal(t, int64(1), latestCount)
}

func TestPauseSnapshotFailure(t *testing.T) {
	cl := &fakeCluster{
		jobs: map[string]*cluster.Job{
			"j1": {ID: "j1", State: cluster.StateRunning},
		},
		triggerID: "R1",
		statuses: []*cluster.SnapshotRequest{
			{State: cluster.RequestFailed, FailureCause: "java.io.IOException: checkpoint dir gone"},
		},
	}
	o, store, _ := newTestOrchestrator(t, &fakeGateway{}, cl)

	_, err := o.Pause(context.Background(), "j1", "")
	require.Error(t, err)
	assert.Equal(t, fault.SnapshotFailed, fault.KindOf(err))
	assert.Zero(t, cl.cancels)

	row, err := store.Snapshots.GetLatestForJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, db.SnapshotFailed, row.SnapshotStatus)
	assert.Contains(t, row.Metadata["error"], "IOException")
}

func TestPauseSnapshotTimeout(t *testing.T) {
	cl := &fakeCluster{
		jobs: map[string]*cluster.Job{
			"j1": {ID: "j1", State: cluster.StateRunning},
		},
		triggerID: "R1",
		// empty statuses: the fake always answers IN_PROGRESS
	}
	o, store, _ := newTestOrchestrator(t, &fakeGateway{}, cl)

	_, err := o.Pause(context.Background(), "j1", "")
	require.Error(t, err)
	assert.Equal(t, fault.SnapshotTimeout, fault.KindOf(err))

	row, err := store.Snapshots.GetLatestForJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, db.SnapshotFailed, row.SnapshotStatus)
}

func TestSnapshotManualKeepsJobRunning(t *testing.T) {
	cl := &fakeCluster{
		jobs: map[string]*cluster.Job{
			"j1": {ID: "j1", Name: "orders", State: cluster.StateRunning},
		},
		triggerID: "R5",
		statuses: []*cluster.SnapshotRequest{
			{State: cluster.RequestCompleted, Location: "s3://b/manual-1"},
		},
	}
	o, store, _ := newTestOrchestrator(t, &fakeGateway{}, cl)

	report, err := o.Snapshot(context.Background(), "orders", "")
	require.NoError(t, err)
	assert.Equal(t, "s3://b/manual-1", report.Path)
	assert.Zero(t, cl.cancels, "manual snapshot must not cancel the job")

	row, err := store.Snapshots.GetByID(context.Background(), report.SnapshotRowID)
	require.NoError(t, err)
	assert.Equal(t, db.TypeManual, row.SnapshotType)
	assert.Equal(t, db.SnapshotCompleted, row.SnapshotStatus)
}

func TestStopWithSnapshot(t *testing.T) {
	cl := &fakeCluster{
		jobs: map[string]*cluster.Job{
			"j1": {ID: "j1", State: cluster.StateRunning},
		},
		triggerID: "R7",
		statuses: []*cluster.SnapshotRequest{
			{State: cluster.RequestCompleted, Location: "s3://b/stop-1"},
		},
	}
	o, store, _ := newTestOrchestrator(t, &fakeGateway{}, cl)

	report, err := o.StopWithSnapshot(context.Background(), "j1", "s3://b")
	require.NoError(t, err)
	assert.Equal(t, 1, cl.stopped)
	assert.Zero(t, cl.triggered)
	assert.Zero(t, cl.cancels)

	row, err := store.Snapshots.GetByID(context.Background(), report.SnapshotRowID)
	require.NoError(t, err)
	assert.Equal(t, db.TypeStopWithSnapshot, row.SnapshotType)
	assert.Equal(t, "s3://b/stop-1", row.SnapshotPath)
}

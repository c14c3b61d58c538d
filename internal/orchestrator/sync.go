package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flink-studio/flinkctl/internal/cluster"
	"github.com/flink-studio/flinkctl/internal/db"
	"github.com/flink-studio/flinkctl/internal/fault"
	"github.com/flink-studio/flinkctl/internal/repositories"
)

// SyncReport summarizes one reconciliation pass.
type SyncReport struct {
	ClusterJobs  int
	Discovered   []string // job ids that got a new discovery row
	StatusMarked int      // latest rows whose job_status metadata was refreshed
}

// Sync reconciles local history with the cluster. Jobs the cluster no longer
// knows keep their snapshot rows (still valid for resume) but have their
// job-status metadata refreshed; cluster jobs with no local history get a
// JOB_START discovery row tagged "discovered".
func (o *Orchestrator) Sync(ctx context.Context) (*SyncReport, error) {
	jobs, err := o.cl.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*cluster.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	rows, _, err := o.store.Snapshots.List(ctx, repositories.ListOptions{})
	if err != nil {
		return nil, fault.Wrap(fault.Store, err, "list snapshot rows")
	}
	known := make(map[string]bool, len(rows))
	for _, r := range rows {
		known[r.JobID] = true
	}

	report := &SyncReport{ClusterJobs: len(jobs)}

	for _, row := range rows {
		if !row.IsLatest {
			continue
		}
		state := string(cluster.StateNotFound)
		if j, ok := byID[row.JobID]; ok {
			state = string(j.State)
		}
		if row.Metadata["job_status"] == state {
			continue
		}
		if err := o.store.Snapshots.UpdateSnapshotStatus(ctx, row.ID, row.SnapshotStatus,
			repositories.SnapshotUpdate{MetadataPatch: map[string]string{
				"job_status": state,
				"synced_at":  time.Now().UTC().Format(time.RFC3339),
			}}); err != nil {
			return nil, fault.Wrap(fault.Store, err, "refresh job status").WithJob(row.JobID)
		}
		report.StatusMarked++
	}

	for _, j := range jobs {
		if known[j.ID] {
			continue
		}
		if _, err := o.store.Snapshots.CreateJobStartRecord(ctx, j.ID, j.Name, "",
			map[string]string{"tags": "discovered", "job_status": string(j.State)}); err != nil {
			return nil, fault.Wrap(fault.Store, err, "record discovered job").WithJob(j.ID)
		}
		report.Discovered = append(report.Discovered, j.ID)
	}

	o.log.Info("sync finished",
		zap.Int("clusterJobs", report.ClusterJobs),
		zap.Int("discovered", len(report.Discovered)),
		zap.Int("statusMarked", report.StatusMarked))
	return report, nil
}

// ListPausable returns cluster jobs currently in RUNNING state.
func (o *Orchestrator) ListPausable(ctx context.Context) ([]*cluster.Job, error) {
	jobs, err := o.cl.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var running []*cluster.Job
	for _, j := range jobs {
		if j.State == cluster.StateRunning {
			running = append(running, j)
		}
	}
	return running, nil
}

// ResumableSnapshot pairs a usable snapshot row with the cluster's current
// view of its job.
type ResumableSnapshot struct {
	Snapshot db.Snapshot
	JobState cluster.JobState
}

// ListResumable returns usable snapshot rows whose job is gone or terminal
// on the cluster.
func (o *Orchestrator) ListResumable(ctx context.Context) ([]ResumableSnapshot, error) {
	rows, err := o.store.Snapshots.ListCompleted(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.Store, err, "list completed snapshots")
	}

	var resumable []ResumableSnapshot
	for _, row := range rows {
		job, err := o.cl.JobDetails(ctx, row.JobID)
		if err != nil {
			return nil, err
		}
		state := cluster.StateNotFound
		if job != nil {
			state = job.State
		}
		if state.Terminal() {
			resumable = append(resumable, ResumableSnapshot{Snapshot: row, JobState: state})
		}
	}
	return resumable, nil
}

// ActiveSnapshotView is an in-progress row enriched with the cluster's view
// of its request.
type ActiveSnapshotView struct {
	repositories.ActiveSnapshot
	RequestState cluster.SnapshotRequestState
	Location     string
}

// ListActiveSnapshots returns store rows still marked IN_PROGRESS, each
// annotated with the live request state when a request id is recorded.
func (o *Orchestrator) ListActiveSnapshots(ctx context.Context) ([]ActiveSnapshotView, error) {
	active, err := o.store.Snapshots.ListActive(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.Store, err, "list active snapshots")
	}

	views := make([]ActiveSnapshotView, 0, len(active))
	for _, a := range active {
		view := ActiveSnapshotView{ActiveSnapshot: a}
		if a.Snapshot.RequestID != "" && a.Snapshot.SnapshotStatus == db.SnapshotInProgress {
			req, err := o.cl.SnapshotStatus(ctx, a.Snapshot.JobID, a.Snapshot.RequestID)
			if err == nil {
				view.RequestState = req.State
				view.Location = req.Location
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// ListSnapshots returns the whole snapshot history, newest first.
func (o *Orchestrator) ListSnapshots(ctx context.Context, opts repositories.ListOptions) ([]db.Snapshot, int64, error) {
	rows, total, err := o.store.Snapshots.List(ctx, opts)
	if err != nil {
		return nil, 0, fault.Wrap(fault.Store, err, "list snapshots")
	}
	return rows, total, nil
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flink-studio/flinkctl/internal/cluster"
	"github.com/flink-studio/flinkctl/internal/db"
	"github.com/flink-studio/flinkctl/internal/fault"
	"github.com/flink-studio/flinkctl/internal/repositories"
)

// SnapshotReport is the structured outcome of Pause, StopWithSnapshot and
// Snapshot.
type SnapshotReport struct {
	JobID         string
	JobName       string
	SnapshotRowID int64
	Path          string
	AlreadyPaused bool
	IntentID      string
}

// Pause snapshots a running job and cancels it once the snapshot completes.
//
// The local history decides how to enter the state machine: a completed
// snapshot whose job the cluster already reports CANCELED means the job is
// paused and nothing is done; an open IN_PROGRESS row with a request id
// means a previous pause was interrupted and polling resumes on it instead
// of triggering a second snapshot.
func (o *Orchestrator) Pause(ctx context.Context, jobIDOrName, targetDir string) (*SnapshotReport, error) {
	job, err := o.cl.FindJob(ctx, jobIDOrName)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fault.New(fault.Precondition, "job %q not found on the cluster", jobIDOrName)
	}

	unlock := o.lockJob(job.ID)
	defer unlock()

	intentID := newIntentID()
	log := o.log.With(zap.String("intentId", intentID), zap.String("jobId", job.ID))
	report := &SnapshotReport{JobID: job.ID, JobName: job.Name, IntentID: intentID}

	latest, err := o.store.Snapshots.GetLatestForJob(ctx, job.ID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return nil, fault.Wrap(fault.Store, err, "read snapshot history").WithJob(job.ID)
	}

	if latest != nil && latest.SnapshotStatus == db.SnapshotCompleted && job.State == cluster.StateCanceled {
		log.Info("job already paused", zap.String("path", latest.SnapshotPath))
		report.AlreadyPaused = true
		report.SnapshotRowID = latest.ID
		report.Path = latest.SnapshotPath
		return report, nil
	}

	if job.State != cluster.StateRunning && job.State != cluster.StateCreated {
		return nil, fault.New(fault.Precondition,
			"job is %s, only RUNNING or CREATED jobs can be paused", job.State).WithJob(job.ID)
	}

	var (
		rowID     int64
		requestID string
	)
	switch {
	case latest != nil && latest.SnapshotStatus == db.SnapshotInProgress && latest.RequestID != "":
		// Interrupted pause: pick up the open request instead of re-triggering.
		rowID = latest.ID
		requestID = latest.RequestID
		log.Info("resuming open snapshot request", zap.String("requestId", requestID))

	case latest != nil && latest.SnapshotStatus == db.SnapshotInProgress:
		// In progress but no request id recorded: the row is unusable. Close
		// it out before opening a new one so the latest flag stays unique.
		if err := o.store.Snapshots.UpdateSnapshotStatus(ctx, latest.ID, db.SnapshotFailed,
			repositories.SnapshotUpdate{MetadataPatch: map[string]string{
				"error": "in-progress row without request id",
			}}); err != nil {
			return nil, fault.Wrap(fault.Store, err, "close corrupt snapshot row").WithJob(job.ID)
		}
		fallthrough

	default:
		rowID, err = o.store.Snapshots.CreateSnapshotRecord(ctx, job.ID, job.Name, db.TypePause)
		if err != nil {
			return nil, fault.Wrap(fault.Store, err, "create snapshot record").WithJob(job.ID)
		}
	}
	report.SnapshotRowID = rowID

	if requestID == "" {
		requestID, err = o.cl.TriggerSnapshot(ctx, job.ID, targetDir)
		if err != nil {
			o.markFailed(ctx, rowID, err)
			return nil, err
		}
		if err := o.store.Snapshots.UpdateSnapshotStatus(ctx, rowID, db.SnapshotInProgress,
			repositories.SnapshotUpdate{
				RequestID:     &requestID,
				MetadataPatch: map[string]string{"intent_id": intentID, "method": "pause"},
			}); err != nil {
			return nil, fault.Wrap(fault.Store, err, "record snapshot request").WithJob(job.ID)
		}
	}

	path, err := o.awaitSnapshot(ctx, job.ID, requestID, rowID)
	if err != nil {
		return nil, err
	}
	report.Path = path

	if err := o.cl.CancelJob(ctx, job.ID); err != nil {
		return report, fault.Wrap(fault.ClusterUnreachable, err,
			"snapshot %s completed but cancel failed", path).WithJob(job.ID).WithSnapshot(rowID)
	}
	if err := o.store.Snapshots.UpdateSnapshotStatus(ctx, rowID, db.SnapshotCompleted,
		repositories.SnapshotUpdate{MetadataPatch: map[string]string{
			"stopped_at": time.Now().UTC().Format(time.RFC3339),
			"job_status": string(cluster.StateCanceled),
		}}); err != nil {
		return report, fault.Wrap(fault.Store, err, "record job stop").WithJob(job.ID)
	}

	log.Info("job paused", zap.String("path", path))
	return report, nil
}

// StopWithSnapshot drains a job into a snapshot and stops it gracefully.
// Unlike Pause, the cluster ends the job itself once the drain finishes.
func (o *Orchestrator) StopWithSnapshot(ctx context.Context, jobIDOrName, targetDir string) (*SnapshotReport, error) {
	return o.snapshotIntent(ctx, jobIDOrName, targetDir, db.TypeStopWithSnapshot, "stop_with_snapshot",
		func(ctx context.Context, jobID, dir string) (string, error) {
			return o.cl.StopWithSnapshot(ctx, jobID, dir)
		})
}

// Snapshot triggers a manual snapshot; the job keeps running.
func (o *Orchestrator) Snapshot(ctx context.Context, jobIDOrName, targetDir string) (*SnapshotReport, error) {
	return o.snapshotIntent(ctx, jobIDOrName, targetDir, db.TypeManual, "manual",
		o.cl.TriggerSnapshot)
}

// snapshotIntent is the shared trigger-record-poll sequence behind
// StopWithSnapshot and Snapshot.
func (o *Orchestrator) snapshotIntent(
	ctx context.Context,
	jobIDOrName, targetDir, snapshotType, method string,
	trigger func(ctx context.Context, jobID, dir string) (string, error),
) (*SnapshotReport, error) {
	job, err := o.cl.FindJob(ctx, jobIDOrName)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fault.New(fault.Precondition, "job %q not found on the cluster", jobIDOrName)
	}
	if job.State != cluster.StateRunning && job.State != cluster.StateCreated {
		return nil, fault.New(fault.Precondition,
			"job is %s, a snapshot needs a RUNNING or CREATED job", job.State).WithJob(job.ID)
	}

	unlock := o.lockJob(job.ID)
	defer unlock()

	intentID := newIntentID()
	report := &SnapshotReport{JobID: job.ID, JobName: job.Name, IntentID: intentID}

	rowID, err := o.store.Snapshots.CreateSnapshotRecord(ctx, job.ID, job.Name, snapshotType)
	if err != nil {
		return nil, fault.Wrap(fault.Store, err, "create snapshot record").WithJob(job.ID)
	}
	report.SnapshotRowID = rowID

	requestID, err := trigger(ctx, job.ID, targetDir)
	if err != nil {
		o.markFailed(ctx, rowID, err)
		return nil, err
	}
	if err := o.store.Snapshots.UpdateSnapshotStatus(ctx, rowID, db.SnapshotInProgress,
		repositories.SnapshotUpdate{
			RequestID:     &requestID,
			MetadataPatch: map[string]string{"intent_id": intentID, "method": method},
		}); err != nil {
		return nil, fault.Wrap(fault.Store, err, "record snapshot request").WithJob(job.ID)
	}

	path, err := o.awaitSnapshot(ctx, job.ID, requestID, rowID)
	if err != nil {
		return nil, err
	}
	report.Path = path
	o.log.Info("snapshot completed",
		zap.String("intentId", intentID),
		zap.String("jobId", job.ID),
		zap.String("method", method),
		zap.String("path", path))
	return report, nil
}

// awaitSnapshot polls one snapshot request to completion, recording the
// outcome on the snapshot row. Returns the snapshot location.
func (o *Orchestrator) awaitSnapshot(ctx context.Context, jobID, requestID string, rowID int64) (string, error) {
	deadline := time.Now().Add(o.cfg.SnapshotTimeout)
	for {
		req, err := o.cl.SnapshotStatus(ctx, jobID, requestID)
		if err != nil {
			return "", err
		}

		switch req.State {
		case cluster.RequestCompleted:
			if err := o.store.Snapshots.UpdateSnapshotStatus(ctx, rowID, db.SnapshotCompleted,
				repositories.SnapshotUpdate{Path: &req.Location}); err != nil {
				return "", fault.Wrap(fault.Store, err, "record snapshot completion").
					WithJob(jobID).WithSnapshot(rowID)
			}
			return req.Location, nil

		case cluster.RequestFailed:
			cause := req.FailureCause
			if cause == "" {
				cause = "snapshot failed without a reported cause"
			}
			o.store.Snapshots.UpdateSnapshotStatus(ctx, rowID, db.SnapshotFailed, //nolint:errcheck
				repositories.SnapshotUpdate{MetadataPatch: map[string]string{"error": cause}})
			return "", fault.New(fault.SnapshotFailed, "%s", cause).
				WithJob(jobID).WithSnapshot(rowID).WithRequest(requestID)
		}

		if time.Now().After(deadline) {
			cause := fmt.Sprintf("snapshot still in progress after %s", o.cfg.SnapshotTimeout)
			o.store.Snapshots.UpdateSnapshotStatus(ctx, rowID, db.SnapshotFailed, //nolint:errcheck
				repositories.SnapshotUpdate{MetadataPatch: map[string]string{"error": cause}})
			return "", fault.New(fault.SnapshotTimeout, "%s", cause).
				WithJob(jobID).WithSnapshot(rowID).WithRequest(requestID)
		}

		select {
		case <-ctx.Done():
			// Abort the intent, leave the row IN_PROGRESS; the staleness
			// sweep closes it if nobody resumes polling.
			return "", fault.Wrap(fault.SnapshotTimeout, ctx.Err(), "snapshot poll canceled").
				WithJob(jobID).WithSnapshot(rowID)
		case <-time.After(o.cfg.SnapshotPollInterval):
		}
	}
}

func (o *Orchestrator) markFailed(ctx context.Context, rowID int64, cause error) {
	if err := o.store.Snapshots.UpdateSnapshotStatus(ctx, rowID, db.SnapshotFailed,
		repositories.SnapshotUpdate{MetadataPatch: map[string]string{"error": cause.Error()}}); err != nil {
		o.log.Error("failed to mark snapshot row failed",
			zap.Int64("snapshotRowId", rowID), zap.Error(err))
	}
}

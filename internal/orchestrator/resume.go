package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/flink-studio/flinkctl/internal/db"
	"github.com/flink-studio/flinkctl/internal/fault"
	"github.com/flink-studio/flinkctl/internal/gateway"
	"github.com/flink-studio/flinkctl/internal/repositories"
	"github.com/flink-studio/flinkctl/internal/sqltext"
)

// savepointSet is the statement prefixed to the user SQL so the new job
// restores from the snapshot.
const savepointSet = "SET 'execution.savepoint.path' = '%s';"

// ResumeReport is the structured outcome of a resume intent.
type ResumeReport struct {
	SnapshotRowID int64
	EventID       int64
	OriginalJobID string
	NewJobID      string
	Path          string
	Warnings      []string
	IntentID      string
}

// Resume restarts a job from its latest usable snapshot using the SQL
// recorded when the job was started. Accepts a job id or the job name it
// was recorded under.
func (o *Orchestrator) Resume(ctx context.Context, jobIDOrName string, env map[string]string) (*ResumeReport, error) {
	snap, err := o.store.Snapshots.GetLatestForJob(ctx, jobIDOrName)
	if errors.Is(err, repositories.ErrNotFound) {
		snap, err = o.store.Snapshots.GetLatestByJobName(ctx, jobIDOrName)
	}
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fault.New(fault.Precondition, "no snapshot history for job %q", jobIDOrName)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Store, err, "read snapshot history")
	}

	if snap.SQLContent == "" {
		return nil, fault.New(fault.Precondition,
			"snapshot %d carries no SQL, use resume-from with a SQL file", snap.ID).WithSnapshot(snap.ID)
	}
	// No file exists; the SQL came out of the snapshot row itself.
	sqlLabel := fmt.Sprintf("sql_content:%d", snap.ID)
	return o.resumeFromRecord(ctx, snap, snap.SQLContent, sqlLabel, env)
}

// ResumeFromSnapshotID restarts a job from an explicit snapshot row and a
// caller-provided SQL file.
func (o *Orchestrator) ResumeFromSnapshotID(ctx context.Context, snapshotID int64, sqlFile string, env map[string]string) (*ResumeReport, error) {
	snap, err := o.store.Snapshots.GetByID(ctx, snapshotID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fault.New(fault.Precondition, "snapshot %d does not exist", snapshotID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Store, err, "read snapshot").WithSnapshot(snapshotID)
	}

	sqlBytes, err := os.ReadFile(sqlFile)
	if err != nil {
		return nil, fault.Wrap(fault.Config, err, "read SQL file %s", sqlFile).WithSnapshot(snapshotID)
	}
	return o.resumeFromRecord(ctx, snap, string(sqlBytes), sqlFile, env)
}

// resumeFromRecord runs the shared preflight and submission sequence.
//
// Preflight: the snapshot must be usable; no running job may already be
// restored from its path; recent STARTED events for the path produce a
// warning but do not block; ${VAR} placeholders must all resolve.
func (o *Orchestrator) resumeFromRecord(ctx context.Context, snap *db.Snapshot, sqlText, sqlLabel string, env map[string]string) (*ResumeReport, error) {
	if !snap.Usable() {
		return nil, fault.New(fault.Precondition,
			"snapshot %d is %s with path %q and cannot be resumed",
			snap.ID, snap.SnapshotStatus, snap.SnapshotPath).WithSnapshot(snap.ID)
	}

	unlock := o.lockJob(snap.JobID)
	defer unlock()

	intentID := newIntentID()
	log := o.log.With(
		zap.String("intentId", intentID),
		zap.Int64("snapshotRowId", snap.ID),
		zap.String("path", snap.SnapshotPath))

	report := &ResumeReport{
		SnapshotRowID: snap.ID,
		OriginalJobID: snap.JobID,
		Path:          snap.SnapshotPath,
		IntentID:      intentID,
	}

	eventID, err := o.store.ResumeEvents.CreateResumeEvent(ctx, snap.ID, snap.JobID,
		snap.SnapshotPath, sqlLabel, map[string]string{"intent_id": intentID})
	if err != nil {
		return nil, fault.Wrap(fault.Store, err, "create resume event").WithSnapshot(snap.ID)
	}
	report.EventID = eventID

	fail := func(cause error) (*ResumeReport, error) {
		msg := cause.Error()
		if err := o.store.ResumeEvents.UpdateResumeEvent(ctx, eventID, db.ResumeFailed,
			repositories.ResumeUpdate{ErrorMessage: &msg}); err != nil {
			log.Error("failed to record resume failure", zap.Error(err))
		}
		return report, cause
	}

	using, err := o.cl.JobsUsingSnapshot(ctx, snap.SnapshotPath)
	if err != nil {
		return fail(err)
	}
	if len(using) > 0 {
		return fail(fault.New(fault.Conflict,
			"snapshot is already in use by running job %s", using[0].ID).
			WithJob(using[0].ID).WithSnapshot(snap.ID))
	}

	since := time.Now().Add(-o.cfg.ResumeWarnWindow)
	recent, err := o.store.ResumeEvents.RecentStartedForPath(ctx, snap.SnapshotPath, since)
	if err != nil {
		return fail(fault.Wrap(fault.Store, err, "check recent resume attempts").WithSnapshot(snap.ID))
	}
	// The event created above always matches; anything beyond it is an
	// earlier attempt that never finished.
	if len(recent) > 1 {
		warning := fmt.Sprintf("%d resume attempt(s) for this snapshot in the last %s never completed",
			len(recent)-1, o.cfg.ResumeWarnWindow)
		report.Warnings = append(report.Warnings, warning)
		log.Warn("prior unfinished resume attempts", zap.Int("count", len(recent)-1))
	}

	finalSQL, err := sqltext.Substitute(sqlText, env, true)
	if err != nil {
		return fail(err)
	}
	finalSQL = fmt.Sprintf(savepointSet, snap.SnapshotPath) + "\n" + finalSQL

	session, err := o.gw.CreateSession(ctx, nil)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := o.gw.CloseSession(context.WithoutCancel(ctx), session); err != nil {
			log.Warn("session close failed", zap.Error(err))
		}
	}()

	batch, err := o.gw.ExecuteMany(ctx, session, finalSQL, gateway.StopOnError)
	if err != nil {
		return fail(err)
	}
	if !batch.Success {
		for _, res := range batch.Results {
			if res.Err != nil {
				return fail(res.Err)
			}
		}
		return fail(fault.New(fault.Submit, "resume batch failed"))
	}

	for _, res := range batch.Results {
		if res.JobID != "" {
			report.NewJobID = res.JobID
			break
		}
	}

	upd := repositories.ResumeUpdate{}
	if report.NewJobID != "" {
		upd.NewJobID = &report.NewJobID
	}
	if err := o.store.ResumeEvents.UpdateResumeEvent(ctx, eventID, db.ResumeCompleted, upd); err != nil {
		return report, fault.Wrap(fault.Store, err, "record resume completion").WithSnapshot(snap.ID)
	}

	log.Info("job resumed", zap.String("newJobId", report.NewJobID))
	return report, nil
}

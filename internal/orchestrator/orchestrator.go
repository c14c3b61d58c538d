// Package orchestrator composes the gateway client, the cluster client and
// the local store into the job lifecycle operations: execute, pause, resume,
// stop, sync and the listings. Every intent gets a correlation id that is
// logged and written into record metadata.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flink-studio/flinkctl/internal/cluster"
	"github.com/flink-studio/flinkctl/internal/fault"
	"github.com/flink-studio/flinkctl/internal/gateway"
	"github.com/flink-studio/flinkctl/internal/repositories"
	"github.com/flink-studio/flinkctl/internal/sqltext"
)

// GatewayClient is the slice of the gateway API the orchestrator drives.
type GatewayClient interface {
	CreateSession(ctx context.Context, props map[string]string) (*gateway.Session, error)
	CloseSession(ctx context.Context, s *gateway.Session) error
	ExecuteMany(ctx context.Context, s *gateway.Session, sql string, onError gateway.OnError) (*gateway.BatchResult, error)
	ExecuteSingle(ctx context.Context, s *gateway.Session, sql string) (*gateway.BatchResult, error)
}

// ClusterClient is the slice of the Job REST API the orchestrator drives.
type ClusterClient interface {
	ListJobs(ctx context.Context) ([]*cluster.Job, error)
	JobDetails(ctx context.Context, jobID string) (*cluster.Job, error)
	FindJob(ctx context.Context, idOrName string) (*cluster.Job, error)
	TriggerSnapshot(ctx context.Context, jobID, targetDir string) (string, error)
	SnapshotStatus(ctx context.Context, jobID, requestID string) (*cluster.SnapshotRequest, error)
	StopWithSnapshot(ctx context.Context, jobID, targetDir string) (string, error)
	CancelJob(ctx context.Context, jobID string) error
	JobsUsingSnapshot(ctx context.Context, path string) ([]*cluster.Job, error)
}

// Config carries the orchestrator's polling knobs.
type Config struct {
	SnapshotTimeout      time.Duration // outer deadline for one snapshot poll loop
	SnapshotPollInterval time.Duration
	ResumeWarnWindow     time.Duration // recent-resume warning lookback
}

const (
	defaultSnapshotTimeout      = 120 * time.Second
	defaultSnapshotPollInterval = 2 * time.Second
	defaultResumeWarnWindow     = time.Hour
)

// Orchestrator holds references down to the clients and the store; the
// clients hold nothing back.
type Orchestrator struct {
	gw    GatewayClient
	cl    ClusterClient
	store *repositories.Store
	cfg   Config
	log   *zap.Logger

	// per-job advisory locks serializing concurrent intents on one job
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(gw GatewayClient, cl ClusterClient, store *repositories.Store, cfg Config, log *zap.Logger) *Orchestrator {
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = defaultSnapshotTimeout
	}
	if cfg.SnapshotPollInterval <= 0 {
		cfg.SnapshotPollInterval = defaultSnapshotPollInterval
	}
	if cfg.ResumeWarnWindow <= 0 {
		cfg.ResumeWarnWindow = defaultResumeWarnWindow
	}
	return &Orchestrator{
		gw:    gw,
		cl:    cl,
		store: store,
		cfg:   cfg,
		log:   log.Named("orchestrator"),
		locks: map[string]*sync.Mutex{},
	}
}

// lockJob serializes intents targeting the same job. Returns the unlock.
func (o *Orchestrator) lockJob(jobID string) func() {
	o.locksMu.Lock()
	mu, ok := o.locks[jobID]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[jobID] = mu
	}
	o.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func newIntentID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// ExecuteOptions parameterizes one SQL batch. SingleStatement submits the
// whole input as one statement, so semicolons in it never split.
type ExecuteOptions struct {
	SQL             string
	JobName         string
	Tags            []string
	OnError         gateway.OnError
	KeepSession     bool
	SingleStatement bool
	SessionProps    map[string]string
	Env             map[string]string
	StrictEnv       bool
}

// ExecuteReport is the structured outcome of ExecuteSQL. The CLI renders it;
// the core never writes to the terminal.
type ExecuteReport struct {
	Success       bool
	Statements    []gateway.StatementResult
	JobID         string
	SnapshotRowID int64
	SessionHandle string
	IntentID      string
}

// ExecuteSQL runs a SQL batch on one session. When a statement starts a
// streaming job and the caller named the job, a JOB_START row recording the
// SQL is inserted so the job can later be paused and resumed.
func (o *Orchestrator) ExecuteSQL(ctx context.Context, opts ExecuteOptions) (*ExecuteReport, error) {
	intentID := newIntentID()
	log := o.log.With(zap.String("intentId", intentID))

	sql := opts.SQL
	if opts.Env != nil || opts.StrictEnv {
		var err error
		sql, err = sqltext.Substitute(sql, opts.Env, opts.StrictEnv)
		if err != nil {
			return nil, err
		}
	}

	report := &ExecuteReport{Success: true, IntentID: intentID}

	// An empty batch never touches the gateway.
	empty := strings.TrimSpace(sql) == ""
	if !opts.SingleStatement {
		empty = len(sqltext.Split(sql)) == 0
	}
	if empty {
		report.Statements = []gateway.StatementResult{}
		return report, nil
	}

	if opts.OnError == "" {
		opts.OnError = gateway.StopOnError
	}

	session, err := o.gw.CreateSession(ctx, opts.SessionProps)
	if err != nil {
		return nil, err
	}
	if opts.KeepSession {
		report.SessionHandle = session.Handle
	} else {
		defer func() {
			if err := o.gw.CloseSession(context.WithoutCancel(ctx), session); err != nil {
				log.Warn("session close failed", zap.Error(err))
			}
		}()
	}

	var batch *gateway.BatchResult
	if opts.SingleStatement {
		batch, err = o.gw.ExecuteSingle(ctx, session, sql)
	} else {
		batch, err = o.gw.ExecuteMany(ctx, session, sql, opts.OnError)
	}
	if err != nil {
		return nil, err
	}
	report.Success = batch.Success
	report.Statements = batch.Results

	for _, res := range batch.Results {
		if res.JobID != "" {
			report.JobID = res.JobID
			break
		}
	}

	if report.JobID != "" && opts.JobName != "" {
		meta := map[string]string{"intent_id": intentID, "method": "execute"}
		if len(opts.Tags) > 0 {
			meta["tags"] = strings.Join(opts.Tags, ",")
		}
		rowID, err := o.store.Snapshots.CreateJobStartRecord(ctx, report.JobID, opts.JobName, sql, meta)
		if err != nil {
			return report, fault.Wrap(fault.Store, err, "record job start").WithJob(report.JobID)
		}
		report.SnapshotRowID = rowID
		log.Info("job start recorded",
			zap.String("jobId", report.JobID),
			zap.String("jobName", opts.JobName),
			zap.Int64("snapshotRowId", rowID))
	}

	return report, nil
}

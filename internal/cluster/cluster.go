// Package cluster wraps the Flink Job REST API: job listing and details,
// snapshot trigger/status, stop-with-snapshot and cancel. Calls are
// synchronous, single-attempt, with a per-call timeout.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flink-studio/flinkctl/internal/fault"
)

// SavepointPathKey is the execution-config entry naming the snapshot a job
// was restored from.
const SavepointPathKey = "execution.savepoint.path"

// JobState mirrors the cluster's job status values. NOT_FOUND is synthesized
// locally for jobs the cluster no longer knows.
type JobState string

const (
	StateCreated    JobState = "CREATED"
	StateRunning    JobState = "RUNNING"
	StateRestarting JobState = "RESTARTING"
	StateFinished   JobState = "FINISHED"
	StateCanceled   JobState = "CANCELED"
	StateFailed     JobState = "FAILED"
	StateNotFound   JobState = "NOT_FOUND"
)

// Terminal reports whether a job in this state can never run again.
func (s JobState) Terminal() bool {
	switch s {
	case StateFinished, StateCanceled, StateFailed, StateNotFound:
		return true
	}
	return false
}

// Job is the cluster's view of one job.
type Job struct {
	ID              string
	Name            string
	State           JobState
	StartTime       int64
	EndTime         int64
	Duration        int64
	ExecutionConfig map[string]any
}

// SnapshotPath returns the snapshot location this job was restored from, or
// "" when it started fresh. The cluster reports it either directly in the
// execution config or under its user-config section.
func (j *Job) SnapshotPath() string {
	if j.ExecutionConfig == nil {
		return ""
	}
	if p, ok := j.ExecutionConfig[SavepointPathKey].(string); ok {
		return p
	}
	if uc, ok := j.ExecutionConfig["user-config"].(map[string]any); ok {
		if p, ok := uc[SavepointPathKey].(string); ok {
			return p
		}
	}
	return ""
}

// SnapshotRequestState is the status of one asynchronous snapshot request.
type SnapshotRequestState string

const (
	RequestInProgress SnapshotRequestState = "IN_PROGRESS"
	RequestCompleted  SnapshotRequestState = "COMPLETED"
	RequestFailed     SnapshotRequestState = "FAILED"
)

// SnapshotRequest reports a polled snapshot request.
type SnapshotRequest struct {
	State        SnapshotRequestState
	Location     string
	FailureCause string
}

// Config carries the endpoint and per-call timeout.
type Config struct {
	URL         string
	HTTPTimeout time.Duration
}

const defaultHTTPTimeout = 30 * time.Second

// Client talks to one cluster's Job REST API.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fault.New(fault.Config, "cluster URL is required")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		log:  log.Named("cluster"),
	}, nil
}

// jobDetails is the wire shape of GET /jobs/{id}.
type jobDetails struct {
	JID             string         `json:"jid"`
	Name            string         `json:"name"`
	State           string         `json:"state"`
	StartTime       int64          `json:"start-time"`
	EndTime         int64          `json:"end-time"`
	Duration        int64          `json:"duration"`
	ExecutionConfig map[string]any `json:"execution-config"`
}

func (d *jobDetails) toJob() *Job {
	return &Job{
		ID:              d.JID,
		Name:            d.Name,
		State:           JobState(d.State),
		StartTime:       d.StartTime,
		EndTime:         d.EndTime,
		Duration:        d.Duration,
		ExecutionConfig: d.ExecutionConfig,
	}
}

// ListJobs returns every job the cluster knows, with full details. Jobs whose
// detail fetch fails keep their overview state.
func (c *Client) ListJobs(ctx context.Context) ([]*Job, error) {
	var overview struct {
		Jobs []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"jobs"`
	}
	status, body, err := c.do(ctx, http.MethodGet, "/jobs", nil, &overview)
	if err != nil {
		return nil, fault.Wrap(fault.ClusterUnreachable, err, "list jobs")
	}
	if status != http.StatusOK {
		return nil, fault.New(fault.ClusterUnreachable, "list jobs: HTTP %d: %s", status, trimBody(body))
	}

	jobs := make([]*Job, 0, len(overview.Jobs))
	for _, j := range overview.Jobs {
		detail, err := c.JobDetails(ctx, j.ID)
		if err != nil || detail == nil {
			jobs = append(jobs, &Job{ID: j.ID, State: JobState(j.Status)})
			continue
		}
		jobs = append(jobs, detail)
	}
	return jobs, nil
}

// JobDetails fetches one job, or nil when the cluster does not know it.
func (c *Client) JobDetails(ctx context.Context, jobID string) (*Job, error) {
	var detail jobDetails
	status, body, err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, nil, &detail)
	if err != nil {
		return nil, fault.Wrap(fault.ClusterUnreachable, err, "job details").WithJob(jobID)
	}
	switch status {
	case http.StatusOK:
		return detail.toJob(), nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fault.New(fault.ClusterUnreachable,
			"job details: HTTP %d: %s", status, trimBody(body)).WithJob(jobID)
	}
}

// TriggerSnapshot asks the cluster to snapshot a running job. Returns the
// async request id; progress is observed through SnapshotStatus.
func (c *Client) TriggerSnapshot(ctx context.Context, jobID, targetDir string) (string, error) {
	payload := map[string]string{}
	if targetDir != "" {
		payload["target-directory"] = targetDir
	}
	var out struct {
		RequestID string `json:"request-id"`
	}
	status, body, err := c.do(ctx, http.MethodPost, "/jobs/"+jobID+"/snapshots", payload, &out)
	if err != nil {
		return "", fault.Wrap(fault.ClusterUnreachable, err, "trigger snapshot").WithJob(jobID)
	}
	if status != http.StatusAccepted || out.RequestID == "" {
		return "", fault.New(fault.SnapshotTrigger,
			"trigger snapshot: HTTP %d: %s", status, trimBody(body)).WithJob(jobID)
	}
	c.log.Debug("snapshot triggered", zap.String("jobId", jobID), zap.String("requestId", out.RequestID))
	return out.RequestID, nil
}

// SnapshotStatus polls one snapshot request.
func (c *Client) SnapshotStatus(ctx context.Context, jobID, requestID string) (*SnapshotRequest, error) {
	var out struct {
		Status struct {
			ID string `json:"id"`
		} `json:"status"`
		Operation struct {
			Location     string `json:"location"`
			FailureCause any    `json:"failure-cause"`
		} `json:"operation"`
	}
	status, body, err := c.do(ctx, http.MethodGet, "/jobs/"+jobID+"/snapshots/"+requestID, nil, &out)
	if err != nil {
		return nil, fault.Wrap(fault.ClusterUnreachable, err, "snapshot status").
			WithJob(jobID).WithRequest(requestID)
	}
	if status != http.StatusOK {
		return nil, fault.New(fault.ClusterUnreachable,
			"snapshot status: HTTP %d: %s", status, trimBody(body)).
			WithJob(jobID).WithRequest(requestID)
	}

	req := &SnapshotRequest{Location: out.Operation.Location}
	switch out.Status.ID {
	case "COMPLETED":
		if out.Operation.FailureCause != nil {
			req.State = RequestFailed
			req.FailureCause = failureCauseText(out.Operation.FailureCause)
		} else {
			req.State = RequestCompleted
		}
	case "IN_PROGRESS", "PENDING":
		req.State = RequestInProgress
	default:
		req.State = RequestFailed
		req.FailureCause = failureCauseText(out.Operation.FailureCause)
	}
	return req, nil
}

// StopWithSnapshot gracefully stops a job after draining it into a snapshot.
func (c *Client) StopWithSnapshot(ctx context.Context, jobID, targetDir string) (string, error) {
	payload := map[string]string{"mode": "stop"}
	if targetDir != "" {
		payload["targetDirectory"] = targetDir
	}
	var out struct {
		RequestID string `json:"request-id"`
	}
	status, body, err := c.do(ctx, http.MethodPatch, "/jobs/"+jobID, payload, &out)
	if err != nil {
		return "", fault.Wrap(fault.ClusterUnreachable, err, "stop with snapshot").WithJob(jobID)
	}
	if status != http.StatusAccepted || out.RequestID == "" {
		return "", fault.New(fault.SnapshotTrigger,
			"stop with snapshot: HTTP %d: %s", status, trimBody(body)).WithJob(jobID)
	}
	return out.RequestID, nil
}

// CancelJob hard-cancels a job without a snapshot.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	status, body, err := c.do(ctx, http.MethodPatch, "/jobs/"+jobID,
		map[string]string{"mode": "cancel"}, nil)
	if err != nil {
		return fault.Wrap(fault.ClusterUnreachable, err, "cancel job").WithJob(jobID)
	}
	if status != http.StatusAccepted {
		return fault.New(fault.ClusterUnreachable,
			"cancel job: HTTP %d: %s", status, trimBody(body)).WithJob(jobID)
	}
	return nil
}

// JobsUsingSnapshot returns running or restarting jobs restored from the
// given snapshot path.
func (c *Client) JobsUsingSnapshot(ctx context.Context, path string) ([]*Job, error) {
	jobs, err := c.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var using []*Job
	for _, j := range jobs {
		if j.State != StateRunning && j.State != StateRestarting {
			continue
		}
		if j.SnapshotPath() == path {
			using = append(using, j)
		}
	}
	return using, nil
}

// FindJob resolves a job id or exact job name against the cluster. Name
// matches against multiple jobs are ambiguous and rejected.
func (c *Client) FindJob(ctx context.Context, idOrName string) (*Job, error) {
	if j, err := c.JobDetails(ctx, idOrName); err == nil && j != nil {
		return j, nil
	}
	jobs, err := c.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var matches []*Job
	for _, j := range jobs {
		if j.Name == idOrName {
			matches = append(matches, j)
		}
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, fault.New(fault.Precondition,
			"job name %q matches %d jobs, use the job id", idOrName, len(matches))
	}
}

func failureCauseText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		if s, ok := t["stack-trace"].(string); ok {
			return s
		}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func (c *Client) do(ctx context.Context, method, path string, in any, out any) (int, []byte, error) {
	var reqBody io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("cluster: encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("cluster: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("cluster: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("cluster: read response: %w", err)
	}
	if out != nil && len(body) > 0 && resp.StatusCode < 300 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, body, fmt.Errorf("cluster: decode response: %w", err)
		}
	}
	return resp.StatusCode, body, nil
}

func trimBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300] + "…"
	}
	return s
}

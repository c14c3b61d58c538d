// Package gateway wraps the Flink SQL Gateway HTTP API: session lifecycle,
// statement submission, operation polling and paginated result fetching.
// All calls are single-attempt; retry policy belongs to the orchestrator.
package gateway

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
	"github.com/flink-studio/flinkctl/internal/sqltext"
)

// RuntimeModeKey is the session property forcing streaming execution. It is
// set on every session unless the caller overrides it.
const RuntimeModeKey = "execution.runtime-mode"

// Config carries the client endpoint and its polling knobs. Zero values are
// replaced with the defaults below by New.
type Config struct {
	URL string

	HTTPTimeout      time.Duration // per HTTP call
	StatementTimeout time.Duration // outer deadline for one operation poll loop
	PollInterval     time.Duration // delay between status polls
	NotReadyDelay    time.Duration // delay when a result page reports NOT_READY
	FetchAttempts    int           // pagination attempt cap
}

const (
	defaultHTTPTimeout      = 30 * time.Second
	defaultStatementTimeout = 60 * time.Second
	defaultPollInterval     = 2 * time.Second
	defaultNotReadyDelay    = time.Second
	defaultFetchAttempts    = 20

	// consecutive empty PAYLOAD pages before giving up on a result stream
	emptyPageLimit = 5
)

// Client talks to one SQL Gateway.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fault.New(fault.Config, "gateway URL is required")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = defaultStatementTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.NotReadyDelay <= 0 {
		cfg.NotReadyDelay = defaultNotReadyDelay
	}
	if cfg.FetchAttempts < defaultFetchAttempts {
		cfg.FetchAttempts = defaultFetchAttempts
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		log:  log.Named("gateway"),
	}, nil
}

// Session is a server-side execution context. All statements of one logical
// batch run on the same session.
type Session struct {
	Handle     string
	Properties map[string]string
}

// OperationStatus mirrors the gateway's operation states.
type OperationStatus string

const (
	StatusPending  OperationStatus = "PENDING"
	StatusRunning  OperationStatus = "RUNNING"
	StatusFinished OperationStatus = "FINISHED"
	StatusError    OperationStatus = "ERROR"
	StatusCanceled OperationStatus = "CANCELED"
	StatusUnknown  OperationStatus = "UNKNOWN"
)

func (s OperationStatus) terminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusCanceled
}

// Column describes one result column.
type Column struct {
	Name        string `json:"name"`
	LogicalType any    `json:"logicalType,omitempty"`
}

// Row is one changelog row: a change kind (INSERT, UPDATE_BEFORE,
// UPDATE_AFTER, DELETE) plus fields aligned to the column list.
type Row struct {
	Kind   string `json:"kind"`
	Fields []any  `json:"fields"`
}

// ResultSet is the accumulated output of one finished operation.
type ResultSet struct {
	Columns       []Column
	Rows          []Row
	JobID         string
	IsQueryResult bool
	ResultKind    string
	Pages         int
}

// StatementResult reports one statement of a batch.
type StatementResult struct {
	Statement       string
	OperationHandle string
	Status          OperationStatus
	JobID           string
	Columns         []Column
	Rows            []Row
	Duration        time.Duration
	Err             error
}

// BatchResult aggregates ExecuteMany.
type BatchResult struct {
	Success bool
	Results []StatementResult
}

// OnError selects batch behavior after a failed statement.
type OnError string

const (
	ContinueOnError OnError = "continue"
	StopOnError     OnError = "stop"
)

// CreateSession opens a gateway session. The streaming runtime mode is always
// set unless props overrides it.
func (c *Client) CreateSession(ctx context.Context, props map[string]string) (*Session, error) {
	merged := map[string]string{RuntimeModeKey: "streaming"}
	for k, v := range props {
		merged[k] = v
	}

	var out struct {
		SessionHandle string `json:"sessionHandle"`
	}
	status, body, err := c.do(ctx, http.MethodPost, "/v1/sessions",
		map[string]any{"properties": merged}, &out)
	if err != nil {
		return nil, fault.Wrap(fault.GatewayUnreachable, err, "create session")
	}
	if status != http.StatusOK || out.SessionHandle == "" {
		return nil, fault.New(fault.Session, "create session: HTTP %d: %s", status, trimBody(body))
	}
	c.log.Debug("session created", zap.String("handle", out.SessionHandle))
	return &Session{Handle: out.SessionHandle, Properties: merged}, nil
}

// CloseSession releases a session. A 404 means the session is already gone
// and counts as success.
func (c *Client) CloseSession(ctx context.Context, s *Session) error {
	status, body, err := c.do(ctx, http.MethodDelete, "/v1/sessions/"+s.Handle, nil, nil)
	if err != nil {
		return fault.Wrap(fault.GatewayUnreachable, err, "close session")
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fault.New(fault.Session, "close session: HTTP %d: %s", status, trimBody(body))
	}
	return nil
}

// Info probes the gateway and returns its product name and version. Used by
// health checks; a reachable gateway always answers GET /v1/info.
func (c *Client) Info(ctx context.Context) (string, string, error) {
	var out struct {
		ProductName string `json:"productName"`
		Version     string `json:"version"`
	}
	status, body, err := c.do(ctx, http.MethodGet, "/v1/info", nil, &out)
	if err != nil {
		return "", "", fault.Wrap(fault.GatewayUnreachable, err, "gateway info")
	}
	if status != http.StatusOK {
		return "", "", fault.New(fault.GatewayUnreachable, "gateway info: HTTP %d: %s", status, trimBody(body))
	}
	return out.ProductName, out.Version, nil
}

// Submit sends one statement and returns its operation handle.
func (c *Client) Submit(ctx context.Context, s *Session, sql string) (string, error) {
	var out struct {
		OperationHandle string `json:"operationHandle"`
	}
	status, body, err := c.do(ctx, http.MethodPost,
		"/v1/sessions/"+s.Handle+"/statements",
		map[string]any{"statement": sql}, &out)
	if err != nil {
		return "", fault.Wrap(fault.GatewayUnreachable, err, "submit statement")
	}
	if status != http.StatusOK {
		return "", fault.New(fault.Submit, "submit rejected: HTTP %d: %s", status, trimBody(body))
	}
	if out.OperationHandle == "" {
		return "", fault.New(fault.Submit, "submit accepted but no operation handle in response")
	}
	return out.OperationHandle, nil
}

// PollStatus reads one operation's current status.
func (c *Client) PollStatus(ctx context.Context, s *Session, op string) (OperationStatus, error) {
	var out struct {
		Status string `json:"status"`
	}
	status, body, err := c.do(ctx, http.MethodGet,
		"/v1/sessions/"+s.Handle+"/operations/"+op+"/status", nil, &out)
	if err != nil {
		return StatusUnknown, fault.Wrap(fault.GatewayUnreachable, err, "poll operation status")
	}
	if status != http.StatusOK {
		return StatusUnknown, fault.New(fault.OperationError,
			"operation status: HTTP %d: %s", status, trimBody(body))
	}
	switch st := OperationStatus(out.Status); st {
	case StatusPending, StatusRunning, StatusFinished, StatusError, StatusCanceled:
		return st, nil
	default:
		return StatusUnknown, nil
	}
}

// WaitFinished polls an operation until it reaches a terminal state or the
// statement deadline elapses. On ERROR the message is enriched from the
// result endpoint when possible.
func (c *Client) WaitFinished(ctx context.Context, s *Session, op string) (OperationStatus, error) {
	deadline := time.Now().Add(c.cfg.StatementTimeout)
	for {
		st, err := c.PollStatus(ctx, s, op)
		if err != nil {
			return StatusUnknown, err
		}
		if st.terminal() {
			if st == StatusError {
				return st, fault.New(fault.OperationError, "%s", c.errorDetail(ctx, s, op))
			}
			return st, nil
		}
		if time.Now().After(deadline) {
			return st, fault.New(fault.OperationTimeout,
				"operation still %s after %s", st, c.cfg.StatementTimeout)
		}
		select {
		case <-ctx.Done():
			return st, fault.Wrap(fault.OperationTimeout, ctx.Err(), "operation poll canceled")
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// resultResponse is the wire shape of one result page.
type resultResponse struct {
	ResultType    string `json:"resultType"`
	IsQueryResult bool   `json:"isQueryResult"`
	ResultKind    string `json:"resultKind"`
	JobID         string `json:"jobID"`
	NextResultURI string `json:"nextResultUri"`
	Results       struct {
		Columns []Column `json:"columns"`
		Data    []Row    `json:"data"`
	} `json:"results"`
}

// FetchResults drains the pagination protocol for a finished operation.
//
// Pages are followed through nextResultUri until EOS, a missing next link, or
// the attempt cap. NOT_READY pages are retried after a short delay; after
// five consecutive empty pages with nothing accumulated the result set is
// treated as empty. A non-200 on the first fetch means "no results"; later
// non-200s return what has been accumulated.
func (c *Client) FetchResults(ctx context.Context, s *Session, op string) (*ResultSet, error) {
	rs := &ResultSet{}
	uri := "/v1/sessions/" + s.Handle + "/operations/" + op + "/result/0?rowFormat=JSON"
	emptyPages := 0

	for attempt := 0; attempt < c.cfg.FetchAttempts; attempt++ {
		var page resultResponse
		status, _, err := c.do(ctx, http.MethodGet, uri, nil, &page)
		if err != nil {
			return nil, fault.Wrap(fault.GatewayUnreachable, err, "fetch results")
		}
		if status != http.StatusOK {
			// "No results yet" on the first fetch, "stream over" on a later
			// one; either way return what was accumulated.
			return rs, nil
		}
		rs.Pages++

		if rs.Pages == 1 {
			rs.IsQueryResult = page.IsQueryResult
			rs.ResultKind = page.ResultKind
		}
		if page.JobID != "" {
			rs.JobID = page.JobID
		}
		if len(page.Results.Columns) > 0 && len(rs.Columns) == 0 {
			rs.Columns = page.Results.Columns
		}
		rs.Rows = append(rs.Rows, page.Results.Data...)

		if page.ResultType == "EOS" {
			return rs, nil
		}
		if page.NextResultURI == "" {
			return rs, nil
		}
		uri = page.NextResultURI

		if page.ResultType == "NOT_READY" {
			if err := sleep(ctx, c.cfg.NotReadyDelay); err != nil {
				return rs, nil
			}
			continue
		}
		if len(page.Results.Data) == 0 {
			emptyPages++
			if emptyPages >= emptyPageLimit && len(rs.Rows) == 0 {
				return rs, nil
			}
			if err := sleep(ctx, c.cfg.NotReadyDelay); err != nil {
				return rs, nil
			}
			continue
		}
		emptyPages = 0
	}
	return rs, nil
}

// ExecuteMany splits sql and runs each statement on the session in order.
// An empty batch is a success and submits nothing.
func (c *Client) ExecuteMany(ctx context.Context, s *Session, sql string, onError OnError) (*BatchResult, error) {
	statements := sqltext.Split(sql)
	batch := &BatchResult{Success: true, Results: make([]StatementResult, 0, len(statements))}

	for _, stmt := range statements {
		res := c.executeOne(ctx, s, stmt)
		batch.Results = append(batch.Results, res)
		if res.Err != nil {
			batch.Success = false
			c.log.Warn("statement failed",
				zap.String("statement", sqltext.Preview(stmt, 100)),
				zap.Error(res.Err))
			if onError == StopOnError {
				break
			}
		}
	}
	return batch, nil
}

// ExecuteSingle runs sql as exactly one statement, skipping statement
// splitting. Semicolons inside the text reach the gateway verbatim.
func (c *Client) ExecuteSingle(ctx context.Context, s *Session, sql string) (*BatchResult, error) {
	stmt := strings.TrimSpace(sql)
	if stmt == "" {
		return &BatchResult{Success: true, Results: []StatementResult{}}, nil
	}

	res := c.executeOne(ctx, s, stmt)
	batch := &BatchResult{Success: res.Err == nil, Results: []StatementResult{res}}
	if res.Err != nil {
		c.log.Warn("statement failed",
			zap.String("statement", sqltext.Preview(stmt, 100)),
			zap.Error(res.Err))
	}
	return batch, nil
}

func (c *Client) executeOne(ctx context.Context, s *Session, stmt string) StatementResult {
	started := time.Now()
	res := StatementResult{Statement: stmt}

	op, err := c.Submit(ctx, s, stmt)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(started)
		return res
	}
	res.OperationHandle = op

	st, err := c.WaitFinished(ctx, s, op)
	res.Status = st
	if err != nil {
		res.Err = err
		res.Duration = time.Since(started)
		return res
	}
	if st == StatusCanceled {
		res.Err = fault.New(fault.OperationError, "operation was canceled server-side")
		res.Duration = time.Since(started)
		return res
	}

	rs, err := c.FetchResults(ctx, s, op)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(started)
		return res
	}
	res.JobID = rs.JobID
	res.Columns = rs.Columns
	res.Rows = rs.Rows
	res.Duration = time.Since(started)

	c.log.Debug("statement finished",
		zap.String("operation", op),
		zap.String("jobId", rs.JobID),
		zap.Int("rows", len(rs.Rows)),
		zap.Duration("took", res.Duration))
	return res
}

// errorDetail fetches the result endpoint once after an ERROR status; the
// body usually carries the real server exception. The deepest "Caused by"
// line is the most useful message.
func (c *Client) errorDetail(ctx context.Context, s *Session, op string) string {
	uri := "/v1/sessions/" + s.Handle + "/operations/" + op + "/result/0?rowFormat=JSON"
	_, body, err := c.do(ctx, http.MethodGet, uri, nil, nil)
	if err != nil || len(body) == 0 {
		return "statement reached ERROR state"
	}
	if msg := RootCause(string(body)); msg != "" {
		return msg
	}
	var envelope struct {
		Errors       []string `json:"errors"`
		ErrorMessage string   `json:"errorMessage"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		if envelope.ErrorMessage != "" {
			return envelope.ErrorMessage
		}
		if len(envelope.Errors) > 0 {
			return envelope.Errors[len(envelope.Errors)-1]
		}
	}
	return trimBody(body)
}

// RootCause extracts the deepest "Caused by:" line from a server stack trace.
// Returns "" when the text carries none.
func RootCause(stack string) string {
	const marker = "Caused by:"
	var last string
	for _, line := range strings.Split(stack, "\n") {
		line = strings.TrimSpace(line)
		// JSON-embedded stacks arrive with literal \n separators.
		for _, sub := range strings.Split(line, `\n`) {
			sub = strings.TrimSpace(sub)
			if strings.HasPrefix(sub, marker) {
				last = strings.TrimSpace(strings.TrimPrefix(sub, marker))
			}
		}
	}
	return last
}

func (c *Client) do(ctx context.Context, method, path string, in any, out any) (int, []byte, error) {
	var reqBody io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("gateway: encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	url := path
	if !strings.HasPrefix(path, "http") {
		url = c.cfg.URL + path
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("gateway: read response: %w", err)
	}
	if out != nil && resp.StatusCode == http.StatusOK && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, body, fmt.Errorf("gateway: decode response: %w", err)
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

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

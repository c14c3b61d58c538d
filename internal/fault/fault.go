// Package fault defines the typed errors shared by the gateway client, the
// cluster client, and the orchestrator. Every public operation that fails
// returns a *fault.Error carrying a machine-readable Kind, a short human
// message, and optional structured context (job id, snapshot id, request id).
//
// Callers branch on the kind, not on message text:
//
//	if fault.KindOf(err) == fault.Conflict {
//	    handle snapshot-in-use
//	}
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The set is closed; new kinds are added here,
// never ad hoc at call sites.
type Kind string

const (
	Config             Kind = "CONFIG"
	MissingEnv         Kind = "MISSING_ENV"
	GatewayUnreachable Kind = "GATEWAY_UNREACHABLE"
	ClusterUnreachable Kind = "CLUSTER_UNREACHABLE"
	Session            Kind = "SESSION"
	Submit             Kind = "SUBMIT"
	OperationTimeout   Kind = "OPERATION_TIMEOUT"
	OperationError     Kind = "OPERATION_ERROR"
	SnapshotTrigger    Kind = "SNAPSHOT_TRIGGER"
	SnapshotTimeout    Kind = "SNAPSHOT_TIMEOUT"
	SnapshotFailed     Kind = "SNAPSHOT_FAILED"
	Precondition       Kind = "PRECONDITION"
	Conflict           Kind = "CONFLICT"
	Store              Kind = "STORE"
)

// Error is a classified failure with optional structured context.
// Transient network failures (GatewayUnreachable, ClusterUnreachable) are
// never retried here; retry policy belongs to the caller.
type Error struct {
	Kind       Kind
	Message    string
	JobID      string
	SnapshotID int64
	RequestID  string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The original error remains reachable
// via errors.Unwrap / errors.Is.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithJob attaches a job id and returns the same error for chaining.
func (e *Error) WithJob(jobID string) *Error {
	e.JobID = jobID
	return e
}

// WithSnapshot attaches a snapshot record id.
func (e *Error) WithSnapshot(id int64) *Error {
	e.SnapshotID = id
	return e
}

// WithRequest attaches an async request id.
func (e *Error) WithRequest(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// an empty Kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

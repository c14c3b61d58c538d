// Package monitor exposes the read-only HTTP surface of flinkctl: health
// probes, Prometheus metrics and a small JSON API over the snapshot store.
// It uses Chi as the router and serves everything under one listener, with
// a gocron loop reconciling local history against the cluster in the
// background.
package monitor

import (
	"encoding/json"
	"net/http"

	"github.com/flink-studio/flinkctl/internal/fault"
)

// envelope is the standard JSON response wrapper. Successful responses wrap
// the payload in a "data" key; error responses use an "error" key with a
// human-readable message and a machine-readable code.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// WriteFault maps a classified error to an HTTP error response. Operational
// failures against the cluster or gateway surface as 502 so probes can tell
// "flinkctl is broken" from "Flink is broken".
func WriteFault(w http.ResponseWriter, err error) {
	switch fault.KindOf(err) {
	case fault.Precondition:
		errJSON(w, http.StatusUnprocessableEntity, err.Error(), "precondition_failed")
	case fault.Conflict:
		errJSON(w, http.StatusConflict, err.Error(), "conflict")
	case fault.ClusterUnreachable, fault.GatewayUnreachable:
		errJSON(w, http.StatusBadGateway, err.Error(), "upstream_unreachable")
	default:
		errJSON(w, http.StatusInternalServerError, err.Error(), "internal_error")
	}
}

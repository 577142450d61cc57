package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	bonsai "github.com/wolfeidau/bonsai-local"
	"github.com/wolfeidau/bonsai-local/registry"
)

// Wire status values understood by Bonsai clients.
const (
	statusRunning   = "RUNNING"
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
)

type uploadURLResponse struct {
	URL  string `json:"url"`
	UUID string `json:"uuid,omitempty"`
}

type digestResponse struct {
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

type versionResponse struct {
	Risc0ZKVM []string `json:"risc0_zkvm"`
}

type proofRequest struct {
	Img            string   `json:"img"`
	Input          string   `json:"input"`
	Assumptions    []string `json:"assumptions"`
	ExecuteOnly    bool     `json:"execute_only"`
	ExecCycleLimit *uint64  `json:"exec_cycle_limit,omitempty"`
}

type snarkRequest struct {
	SessionID string `json:"session_id"`
}

type createResponse struct {
	UUID string `json:"uuid"`
}

type sessionStatusResponse struct {
	Status      string        `json:"status"`
	ReceiptURL  *string       `json:"receipt_url"`
	ErrorMsg    *string       `json:"error_msg"`
	State       *string       `json:"state"`
	ElapsedTime *float64      `json:"elapsed_time"`
	Stats       *bonsai.Stats `json:"stats"`
}

type snarkStatusResponse struct {
	Status   string  `json:"status"`
	Output   *string `json:"output"`
	ErrorMsg *string `json:"error_msg"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// wireStatus maps a lifecycle state to the coarse client status. Queued and
// Running both report RUNNING; the fine state goes in the state field.
func wireStatus(s registry.State) string {
	switch s {
	case registry.Succeeded:
		return statusSucceeded
	case registry.Failed:
		return statusFailed
	default:
		return statusRunning
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, bonsai.ErrVersionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, bonsai.ErrOverloaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, bonsai.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bonsai.ErrInvalidState), errors.Is(err, bonsai.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes {"error": ...} with the status for err. Internal errors
// are logged and reported generically.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.config.RetryAfter.Seconds())))
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func ptr[T any](v T) *T {
	return &v
}

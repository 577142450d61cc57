// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// stageKey is the context key for propagating a pipeline stage to workers.
	stageKey contextKey = "stage"
)

// Admission is the outcome of handing a request to the scheduler.
type Admission string

const (
	AdmissionAccepted  Admission = "accepted"
	AdmissionCoalesced Admission = "coalesced"
	AdmissionRejected  Admission = "rejected"
	AdmissionNA        Admission = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Endpoint  string
	SessionID string
	Admission Admission
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Admission: AdmissionNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetEndpoint sets the endpoint name for metrics and logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetSessionID records the session a request refers to.
func SetSessionID(r *http.Request, id string) {
	if tags := GetTags(r); tags != nil {
		tags.SessionID = id
	}
}

// SetAdmission records the admission outcome for logging.
func SetAdmission(r *http.Request, a Admission) {
	if tags := GetTags(r); tags != nil {
		tags.Admission = a
	}
}

// StageFromContext returns the stage stored by WithStage, or "".
func StageFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(stageKey).(string); ok {
		return s
	}
	return ""
}

// WithStage returns a context carrying the pipeline stage ("prove" or
// "snark"). Workers use it so backend metrics can be split by stage.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey, stage)
}

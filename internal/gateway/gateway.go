// Package gateway submits bundles of page-extraction requests to the remote
// batch-inference service and retrieves per-record outcomes. The orchestrator
// only sees the Gateway interface; the OpenAI Batch API implementation lives
// alongside it.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
)

// State is the remote lifecycle state of a batch, normalized across
// providers.
type State string

const (
	StatePending            State = "pending"
	StateRunning            State = "running"
	StateSucceeded          State = "succeeded"
	StatePartiallySucceeded State = "partially_succeeded"
	StateFailed             State = "failed"
	StateCancelled          State = "cancelled"
	StateExpired            State = "expired"
)

// Terminal reports whether the batch has finished, successfully or not.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StatePartiallySucceeded, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Succeeded reports whether results are available for download.
func (s State) Succeeded() bool {
	return s == StateSucceeded || s == StatePartiallySucceeded
}

// RecordPayload is one page-extraction request within a bundle.
type RecordPayload struct {
	Key       string
	Prompt    string
	ImagePath string
}

// ServiceError is a per-record failure reported by the remote service.
type ServiceError struct {
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("service error %s: %s", e.Code, e.Message)
	}
	return "service error: " + e.Message
}

// RecordResult is one per-record outcome from a downloaded result set.
// Exactly one of Text or Err is meaningful; RawBody preserves the provider
// response for the failure log either way.
type RecordResult struct {
	Key     string
	Text    string
	RawBody json.RawMessage
	Err     *ServiceError
}

// SubmitFailure records a payload that could not be included in a bundle.
type SubmitFailure struct {
	Key    string
	Reason string
}

// SubmitResult reports what actually went to the remote service. Failed
// payloads were never submitted and must not be marked in flight.
type SubmitResult struct {
	BatchID   string
	Submitted []string
	Failed    []SubmitFailure
}

// Gateway is the collaborator contract for the remote batch service.
type Gateway interface {
	// Submit uploads a bundle and creates a remote batch job. An error means
	// the bundle as a whole was not submitted; per-payload drops are reported
	// in the result.
	Submit(ctx context.Context, displayName string, payloads []RecordPayload) (SubmitResult, error)

	// Poll reports the batch's current normalized state.
	Poll(ctx context.Context, batchID string) (State, error)

	// Download retrieves per-record outcomes for a succeeded batch.
	Download(ctx context.Context, batchID string) ([]RecordResult, error)
}

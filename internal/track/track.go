// Package track emits run events to an optional external observability
// endpoint. Delivery is best-effort: a missing or failing endpoint degrades
// to a logged warning, never to a run failure.
package track

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Event is one tracked occurrence within a run.
type Event struct {
	Kind    string         `json:"kind"`
	Project string         `json:"project"`
	At      time.Time      `json:"at"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Sink receives events.
type Sink interface {
	Emit(ctx context.Context, kind string, fields map[string]any)
}

// Noop drops every event.
type Noop struct{}

func (Noop) Emit(context.Context, string, map[string]any) {}

// maxConsecutiveFailures disables a sink that clearly cannot deliver, so a
// dead endpoint does not slow every wave down.
const maxConsecutiveFailures = 5

// HTTPSink POSTs events as JSON to a fixed endpoint.
type HTTPSink struct {
	endpoint string
	project  string
	client   *http.Client
	logger   *slog.Logger
	failures atomic.Int32
}

// New returns an HTTP sink for endpoint, or a Noop when endpoint is empty.
func New(endpoint, project string, logger *slog.Logger) Sink {
	if endpoint == "" {
		return Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSink{
		endpoint: endpoint,
		project:  project,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Emit delivers one event. Failures are logged and counted; after too many in
// a row the sink stops trying.
func (s *HTTPSink) Emit(ctx context.Context, kind string, fields map[string]any) {
	if s.failures.Load() >= maxConsecutiveFailures {
		return
	}

	payload, err := json.Marshal(Event{
		Kind:    kind,
		Project: s.project,
		At:      time.Now().UTC(),
		Fields:  fields,
	})
	if err != nil {
		s.logger.Warn("failed to encode tracking event", "kind", kind, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		s.logger.Warn("failed to build tracking request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.fail(kind, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.fail(kind, fmt.Errorf("endpoint returned %s", resp.Status))
		return
	}
	s.failures.Store(0)
}

func (s *HTTPSink) fail(kind string, err error) {
	n := s.failures.Add(1)
	s.logger.Warn("tracking event not delivered", "kind", kind, "error", err)
	if n >= maxConsecutiveFailures {
		s.logger.Warn("tracking disabled after repeated delivery failures", "endpoint", s.endpoint)
	}
}

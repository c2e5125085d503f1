package replay

import (
	"context"
	"time"

	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/pkg/request"
)

// Transport performs the live HTTP call for a step.
type Transport interface {
	Do(ctx context.Context, req *request.CapturedRequest) (*request.CapturedResponse, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *request.CapturedRequest) (*request.CapturedResponse, error)

// Do implements Transport.
func (f TransportFunc) Do(ctx context.Context, req *request.CapturedRequest) (*request.CapturedResponse, error) {
	return f(ctx, req)
}

// Step is the result of one PlayNext call.
type Step struct {
	// Index is the element's position in the flow.
	Index int
	// Sequence counts completed steps, starting at 1.
	Sequence int
	Element  *flow.Element
	// Request is the request as sent, after placeholder substitution.
	Request *request.CapturedRequest
	// Recorded is the response captured before this replay.
	Recorded   *request.CapturedResponse
	Response   *request.CapturedResponse
	StartedAt  time.Time
	Duration   time.Duration
	Exported   map[string]any
	Unresolved []string
	Outcome    request.Outcome
	// Matched reports whether the live response equals the recorded one.
	Matched bool
}

// Queued is an element waiting in a session queue.
type Queued struct {
	Index   int
	Element *flow.Element
}

// Record converts the step into its persisted form.
func (s *Step) Record(runID string) *request.StepRecord {
	rec := &request.StepRecord{
		RunID:          runID,
		Index:          s.Index,
		Timestamp:      s.StartedAt,
		ResponseTimeMs: s.Duration.Milliseconds(),
		Outcome:        s.Outcome,
		Matched:        s.Matched,
		Exported:       s.Exported,
		Unresolved:     s.Unresolved,
	}
	if s.Request != nil {
		rec.Method = string(s.Request.Method)
		rec.URL = s.Request.URL
		rec.Headers = s.Request.Headers
		rec.Body = s.Request.Body
	}
	if s.Response != nil {
		rec.StatusCode = s.Response.Status
		rec.ResponseBody = s.Response.Body
	}
	return rec
}

// Package replay steps through a flow one live HTTP call at a time,
// threading exported values into later requests.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/pkg/binding"
	"github.com/funnyzak/reqflow/pkg/request"
)

// State is the lifecycle position of a replay.
type State int

const (
	StateIdle State = iota
	StateReady
	StateStepping
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateStepping:
		return "stepping"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options tunes a session.
type Options struct {
	// RequeueOnError puts a failed element back at the front of the queue.
	RequeueOnError bool
	Logger         logger.Logger
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{RequeueOnError: true, Logger: logger.Nop()}
}

// Session replays the elements of a flow in order. It owns the elements it
// was given and rewrites their requests and responses as it goes. Calls must
// not overlap; an overlapping PlayNext fails with ErrStepInFlight.
type Session struct {
	id        string
	transport Transport
	opts      Options
	log       logger.Logger

	queue     []Queued
	completed []*Step
	vars      map[string]any
	stepping  atomic.Bool
}

// NewSession queues every element of f and seeds the live variables from
// its external variables.
func NewSession(f *flow.UserFlow, transport Transport, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	s := &Session{
		id:        uuid.NewString(),
		transport: transport,
		opts:      opts,
		log:       opts.Logger,
		queue:     make([]Queued, 0, f.Len()),
		vars:      f.Variables(),
	}
	for i, el := range f.Elements {
		s.queue = append(s.queue, Queued{Index: i, Element: el})
	}
	return s
}

// ID identifies the session.
func (s *Session) ID() string { return s.id }

// State reports the session state.
func (s *Session) State() State {
	switch {
	case s.stepping.Load():
		return StateStepping
	case len(s.queue) == 0:
		return StateExhausted
	default:
		return StateReady
	}
}

// PlayNext replays the next pending element.
func (s *Session) PlayNext(ctx context.Context) (*Step, error) {
	if !s.stepping.CompareAndSwap(false, true) {
		return nil, ErrStepInFlight
	}
	defer s.stepping.Store(false)

	if len(s.queue) == 0 {
		return nil, ErrEmptyQueue
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	el := item.Element

	unresolved, err := el.FillRequestPlaceholders(s.vars)
	if err != nil {
		return nil, s.fail(item, err)
	}
	if len(unresolved) > 0 {
		s.log.Warn("Unresolved placeholders left in request",
			"index", item.Index,
			"url", el.Request.URL,
			"names", unresolved,
		)
	}

	recorded := el.Response.Clone()
	sent := el.Request.Clone()
	started := time.Now()
	resp, err := s.transport.Do(ctx, sent)
	duration := time.Since(started)
	if err != nil {
		return nil, s.fail(item, err)
	}

	el.UpdateResponse(resp)
	exported := el.GetExported()
	for name, value := range exported {
		s.vars[name] = value
	}

	step := &Step{
		Index:      item.Index,
		Sequence:   len(s.completed) + 1,
		Element:    el,
		Request:    sent,
		Recorded:   recorded,
		Response:   el.Response,
		StartedAt:  started,
		Duration:   duration,
		Exported:   exported,
		Unresolved: unresolved,
		Outcome:    request.Classify(el.Response.Status),
		Matched:    recorded.Equal(el.Response),
	}
	s.completed = append(s.completed, step)

	s.log.Debug("Step replayed",
		"index", item.Index,
		"method", string(el.Request.Method),
		"url", el.Request.URL,
		"status", el.Response.Status,
		"duration", duration,
	)
	return step, nil
}

func (s *Session) fail(item Queued, err error) error {
	stepErr := &StepError{
		Index:  item.Index,
		Method: item.Element.Request.Method,
		URL:    item.Element.Request.URL,
		Err:    err,
	}
	if s.opts.RequeueOnError {
		s.queue = append([]Queued{item}, s.queue...)
		stepErr.Requeued = true
	}
	s.log.Error("Replay step failed", "index", item.Index, "url", stepErr.URL, "requeued", stepErr.Requeued, "error", err)
	return stepErr
}

// Run plays every pending element, calling fn after each step. It stops at
// the first error from PlayNext or fn and returns nil once the queue is
// exhausted.
func (s *Session) Run(ctx context.Context, fn func(*Step) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		step, err := s.PlayNext(ctx)
		if errors.Is(err, ErrEmptyQueue) {
			return nil
		}
		if err != nil {
			return err
		}
		if fn != nil {
			if err := fn(step); err != nil {
				return err
			}
		}
	}
}

// Peek returns the next pending element without consuming it.
func (s *Session) Peek() (Queued, bool) {
	if len(s.queue) == 0 {
		return Queued{}, false
	}
	return s.queue[0], true
}

// Pending returns the queued elements in replay order.
func (s *Session) Pending() []Queued {
	out := make([]Queued, len(s.queue))
	copy(out, s.queue)
	return out
}

// LastCompleted returns the most recent step.
func (s *Session) LastCompleted() (*Step, bool) {
	if len(s.completed) == 0 {
		return nil, false
	}
	return s.completed[len(s.completed)-1], true
}

// Completed returns the finished steps in replay order.
func (s *Session) Completed() []*Step {
	out := make([]*Step, len(s.completed))
	copy(out, s.completed)
	return out
}

// Variables returns a copy of the live variable table.
func (s *Session) Variables() map[string]any {
	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = binding.Clone(v)
	}
	return out
}

// SetVariable overrides a live variable for the remaining steps.
func (s *Session) SetVariable(name string, value any) {
	s.vars[name] = value
}

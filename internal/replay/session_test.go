package replay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/internal/relation"
	"github.com/funnyzak/reqflow/pkg/request"
)

// fakeServer answers by URL and records what it was sent.
type fakeServer struct {
	responses map[string]*request.CapturedResponse
	failures  map[string]int
	sent      []*request.CapturedRequest
}

func (f *fakeServer) Do(_ context.Context, req *request.CapturedRequest) (*request.CapturedResponse, error) {
	f.sent = append(f.sent, req)
	if f.failures[req.URL] > 0 {
		f.failures[req.URL]--
		return nil, errors.New("connection refused")
	}
	resp, ok := f.responses[req.URL]
	if !ok {
		return &request.CapturedResponse{Status: 404, Body: "not found"}, nil
	}
	return resp.Clone(), nil
}

func loginFlow(t *testing.T) *flow.UserFlow {
	t.Helper()
	login := flow.NewElement(&request.CapturedRequest{
		Method: request.MethodPost,
		URL:    "https://api.example.com/login",
		Body:   `{"username":"bob"}`,
	}, &request.CapturedResponse{Status: 200, Body: `{"access_token":"old-token"}`})
	me := flow.NewElement(&request.CapturedRequest{
		Method:  request.MethodGet,
		URL:     "https://api.example.com/me",
		Headers: map[string]string{"Authorization": "Bearer old-token"},
	}, &request.CapturedResponse{Status: 200, Body: `{"name":"bob"}`})
	logout := flow.NewElement(&request.CapturedRequest{
		Method:  request.MethodPost,
		URL:     "https://api.example.com/logout",
		Headers: map[string]string{"X-Trace": "{{trace_id}}"},
	}, &request.CapturedResponse{Status: 204})

	f := flow.New(login, me, logout)
	require.NoError(t, f.FindRelations(relation.Registered(relation.Options{}, logger.Nop())))
	return f
}

func newServer() *fakeServer {
	return &fakeServer{
		responses: map[string]*request.CapturedResponse{
			"https://api.example.com/login":  {Status: 200, Body: `{"access_token":"live-token"}`},
			"https://api.example.com/me":     {Status: 200, Body: `{"name":"bob"}`},
			"https://api.example.com/logout": {Status: 500, Body: "oops"},
		},
		failures: map[string]int{},
	}
}

func TestSessionPlaysEveryElementThenEmpties(t *testing.T) {
	f := loginFlow(t)
	srv := newServer()
	s := NewSession(f, srv, DefaultOptions())
	ctx := context.Background()

	assert.Equal(t, StateReady, s.State())
	for i := 0; i < f.Len(); i++ {
		step, err := s.PlayNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, step.Index)
		assert.Equal(t, i+1, step.Sequence)
	}
	assert.Equal(t, StateExhausted, s.State())

	_, err := s.PlayNext(ctx)
	assert.ErrorIs(t, err, ErrEmptyQueue)
	assert.Len(t, s.Completed(), 3)
}

func TestSessionPropagatesExports(t *testing.T) {
	f := loginFlow(t)
	srv := newServer()
	s := NewSession(f, srv, DefaultOptions())
	ctx := context.Background()

	login, err := s.PlayNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"extracted_auth_token_1": "live-token"}, login.Exported)
	assert.False(t, login.Matched, "token changed between capture and replay")
	assert.Equal(t, request.OutcomeSuccess, login.Outcome)
	assert.Equal(t, `{"access_token":"old-token"}`, login.Recorded.Body)

	me, err := s.PlayNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer live-token", srv.sent[1].Headers["Authorization"])
	assert.Equal(t, "Bearer live-token", me.Request.Headers["Authorization"])
	assert.True(t, me.Matched)
	assert.Equal(t, "live-token", s.Variables()["extracted_auth_token_1"])

	logout, err := s.PlayNext(ctx)
	require.NoError(t, err, "non-2xx responses are not errors")
	assert.Equal(t, []string{"trace_id"}, logout.Unresolved)
	assert.Equal(t, "{{trace_id}}", srv.sent[2].Headers["X-Trace"])
	assert.Equal(t, request.OutcomeError, logout.Outcome)

	last, ok := s.LastCompleted()
	require.True(t, ok)
	assert.Same(t, logout, last)
}

func TestSessionUsesExternalVariables(t *testing.T) {
	f := loginFlow(t)
	require.NoError(t, f.SetVariable("trace_id", "t-42"))
	srv := newServer()
	s := NewSession(f, srv, DefaultOptions())

	require.NoError(t, s.Run(context.Background(), nil))
	assert.Equal(t, "t-42", srv.sent[2].Headers["X-Trace"])
}

func TestSessionRequeuesFailedStep(t *testing.T) {
	f := loginFlow(t)
	srv := newServer()
	srv.failures["https://api.example.com/login"] = 1
	s := NewSession(f, srv, DefaultOptions())
	ctx := context.Background()

	_, err := s.PlayNext(ctx)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 0, stepErr.Index)
	assert.True(t, stepErr.Requeued)
	assert.Contains(t, err.Error(), "connection refused")

	next, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, 0, next.Index)
	assert.Len(t, s.Pending(), 3)

	step, err := s.PlayNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, step.Index)
}

func TestSessionDropsFailedStepWithoutRequeue(t *testing.T) {
	f := loginFlow(t)
	srv := newServer()
	srv.failures["https://api.example.com/login"] = 1
	s := NewSession(f, srv, Options{RequeueOnError: false})

	_, err := s.PlayNext(context.Background())
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.False(t, stepErr.Requeued)

	next, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, next.Index)
}

func TestSessionRunStopsOnCallbackError(t *testing.T) {
	s := NewSession(loginFlow(t), newServer(), DefaultOptions())
	stop := errors.New("stop")
	calls := 0

	err := s.Run(context.Background(), func(*Step) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
	assert.Len(t, s.Pending(), 2)
}

func TestSessionRejectsOverlappingSteps(t *testing.T) {
	f := loginFlow(t)
	var s *Session
	var inner error
	transport := TransportFunc(func(ctx context.Context, req *request.CapturedRequest) (*request.CapturedResponse, error) {
		_, inner = s.PlayNext(ctx)
		assert.Equal(t, StateStepping, s.State())
		return &request.CapturedResponse{Status: 200}, nil
	})
	s = NewSession(f, transport, DefaultOptions())

	_, err := s.PlayNext(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrStepInFlight)
}

func TestSessionHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	transport := TransportFunc(func(ctx context.Context, req *request.CapturedRequest) (*request.CapturedResponse, error) {
		return nil, ctx.Err()
	})
	s := NewSession(loginFlow(t), transport, DefaultOptions())

	assert.ErrorIs(t, s.Run(ctx, nil), context.Canceled)
	_, err := s.PlayNext(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOrchestratorRestart(t *testing.T) {
	f := loginFlow(t)
	srv := newServer()
	o := NewOrchestrator(f, srv, DefaultOptions())

	assert.Equal(t, StateIdle, o.State())
	_, err := o.Session()
	assert.ErrorIs(t, err, ErrNoSession)

	s, err := o.Start()
	require.NoError(t, err)
	_, err = o.Start()
	assert.ErrorIs(t, err, ErrSessionStarted)

	require.NoError(t, s.Run(context.Background(), nil))
	assert.Equal(t, StateExhausted, o.State())
	assert.Equal(t, "Bearer {{extracted_auth_token_1}}", f.Elements[1].Request.Headers["Authorization"],
		"the caller's flow is never mutated")

	fresh := o.Restart()
	assert.NotEqual(t, s.ID(), fresh.ID())
	assert.Equal(t, StateReady, o.State())
	assert.Len(t, fresh.Pending(), 3)
	me := fresh.Pending()[1]
	assert.Equal(t, "Bearer {{extracted_auth_token_1}}", me.Element.Request.Headers["Authorization"])
}

package replay

import (
	"github.com/funnyzak/reqflow/internal/flow"
)

// Orchestrator keeps an untouched copy of a flow and hands out sessions
// that replay fresh copies of it.
type Orchestrator struct {
	pristine  *flow.UserFlow
	transport Transport
	opts      Options
	session   *Session
}

// NewOrchestrator snapshots f. Later changes to f do not affect replays.
func NewOrchestrator(f *flow.UserFlow, transport Transport, opts Options) *Orchestrator {
	return &Orchestrator{pristine: f.Clone(), transport: transport, opts: opts}
}

// Flow returns a copy of the flow sessions start from.
func (o *Orchestrator) Flow() *flow.UserFlow {
	return o.pristine.Clone()
}

// Start creates the first session.
func (o *Orchestrator) Start() (*Session, error) {
	if o.session != nil {
		return nil, ErrSessionStarted
	}
	return o.Restart(), nil
}

// Restart discards the current session and starts over from the pristine
// flow.
func (o *Orchestrator) Restart() *Session {
	o.session = NewSession(o.pristine.Clone(), o.transport, o.opts)
	return o.session
}

// Session returns the active session.
func (o *Orchestrator) Session() (*Session, error) {
	if o.session == nil {
		return nil, ErrNoSession
	}
	return o.session, nil
}

// State is StateIdle until a session exists.
func (o *Orchestrator) State() State {
	if o.session == nil {
		return StateIdle
	}
	return o.session.State()
}

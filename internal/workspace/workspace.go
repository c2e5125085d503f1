// Package workspace holds the flow being edited and the replay session
// running against it. The interactive shell and the control API both drive
// a Workspace.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/internal/replay"
	"github.com/funnyzak/reqflow/internal/storage"
	"github.com/funnyzak/reqflow/pkg/request"
)

// ErrNoFlow is returned when an operation needs a loaded flow.
var ErrNoFlow = errors.New("no flow loaded")

// Event types published to subscribers.
const (
	EventFlowLoaded      = "flow_loaded"
	EventFlowChanged     = "flow_changed"
	EventSessionStarted  = "session_started"
	EventStep            = "step"
	EventStepFailed      = "step_failed"
	EventSessionFinished = "session_finished"
)

// Event describes a change in the workspace.
type Event struct {
	Type      string              `json:"type"`
	SessionID string              `json:"session_id,omitempty"`
	RunID     string              `json:"run_id,omitempty"`
	Step      *request.StepRecord `json:"step,omitempty"`
	Status    *Status             `json:"status,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Options configures a Workspace.
type Options struct {
	Transport replay.Transport
	Replay    replay.Options
	Relations []flow.Relation
	// Store records replay history. Nil disables recording.
	Store storage.Store
	// StopOnError makes Run return on the first failed step. Otherwise
	// Run skips failures that were not requeued.
	StopOnError bool
	// Delay is the pause Run takes between steps.
	Delay  time.Duration
	Logger logger.Logger
}

// Status summarizes the workspace.
type Status struct {
	Loaded           bool   `json:"loaded"`
	Source           string `json:"source,omitempty"`
	Elements         int    `json:"elements"`
	RelationsApplied bool   `json:"relations_applied"`
	State            string `json:"state"`
	SessionID        string `json:"session_id,omitempty"`
	RunID            string `json:"run_id,omitempty"`
	Pending          int    `json:"pending"`
	Completed        int    `json:"completed"`
}

// Workspace is safe for concurrent use. A step holds the workspace lock for
// the duration of its HTTP call.
type Workspace struct {
	opts Options
	log  logger.Logger

	mu        sync.Mutex
	stepping  sync.Mutex
	flow      *flow.UserFlow
	source    string
	orch      *replay.Orchestrator
	runID     string
	listeners []func(Event)
}

// New creates an empty workspace.
func New(opts Options) *Workspace {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Replay.Logger == nil {
		opts.Replay.Logger = opts.Logger
	}
	return &Workspace{opts: opts, log: opts.Logger}
}

// Subscribe registers fn for every future event. fn runs synchronously and
// must not call back into the workspace.
func (w *Workspace) Subscribe(fn func(Event)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *Workspace) publish(ev Event) {
	for _, fn := range w.listeners {
		fn(ev)
	}
}

// LoadHAR replaces the flow with one built from a HAR capture.
func (w *Workspace) LoadHAR(data []byte, source string) error {
	f, err := flow.FromHAR(data)
	if err != nil {
		return err
	}
	w.SetFlow(f, source)
	return nil
}

// LoadFlow replaces the flow with a persisted flow document.
func (w *Workspace) LoadFlow(data []byte, source string) error {
	f, err := flow.Load(bytes.NewReader(data))
	if err != nil {
		return err
	}
	w.SetFlow(f, source)
	return nil
}

// LoadFile loads a HAR capture or flow document from disk.
func (w *Workspace) LoadFile(path string) error {
	f, err := flow.LoadFile(path)
	if err != nil {
		return err
	}
	w.SetFlow(f, path)
	return nil
}

// SetFlow installs f and drops any running session.
func (w *Workspace) SetFlow(f *flow.UserFlow, source string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finishRunLocked(request.RunAborted)
	w.flow = f
	w.source = source
	w.orch = nil
	w.log.Info("Flow loaded", "source", source, "elements", f.Len())
	w.publish(Event{Type: EventFlowLoaded, Status: w.statusLocked()})
}

// Flow returns a copy of the current flow.
func (w *Workspace) Flow() (*flow.UserFlow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flow == nil {
		return nil, ErrNoFlow
	}
	return w.flow.Clone(), nil
}

// SaveFile writes the current flow to path.
func (w *Workspace) SaveFile(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flow == nil {
		return ErrNoFlow
	}
	return w.flow.SaveFile(path)
}

// FindRelations applies the configured relations to the current flow.
func (w *Workspace) FindRelations() error {
	return w.editFlow(func(f *flow.UserFlow) error {
		return f.FindRelations(w.opts.Relations)
	})
}

// SetVariable stores an external variable on the flow.
func (w *Workspace) SetVariable(name string, value any) error {
	return w.editFlow(func(f *flow.UserFlow) error {
		return f.SetVariable(name, value)
	})
}

// RenameVariable renames an external variable.
func (w *Workspace) RenameVariable(from, to string) error {
	return w.editFlow(func(f *flow.UserFlow) error {
		return f.RenameVariable(from, to)
	})
}

// DeleteVariable removes an external variable.
func (w *Workspace) DeleteVariable(name string) error {
	return w.editFlow(func(f *flow.UserFlow) error {
		return f.DeleteVariable(name)
	})
}

// Move reorders an element of the flow.
func (w *Workspace) Move(from, to int) error {
	return w.editFlow(func(f *flow.UserFlow) error {
		return f.Move(from, to)
	})
}

// Edit sets a request node of element index by json-path.
func (w *Workspace) Edit(index int, path string, value any) error {
	return w.editFlow(func(f *flow.UserFlow) error {
		el, err := f.Element(index)
		if err != nil {
			return err
		}
		return el.Edit(path, value)
	})
}

// AddExport registers an extraction rule on element index. The value is read
// from path in the element's structured view after it is played and, when
// regex is set, narrowed to the regex's first match.
func (w *Workspace) AddExport(index int, name, path, regex string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty export name", flow.ErrInvalidExport)
	}
	export, err := flow.NewExport(path, regex)
	if err != nil {
		return err
	}
	return w.editFlow(func(f *flow.UserFlow) error {
		el, err := f.Element(index)
		if err != nil {
			return err
		}
		return el.AddExport(name, export)
	})
}

// RemoveExport deletes a named export from element index.
func (w *Workspace) RemoveExport(index int, name string) error {
	return w.editFlow(func(f *flow.UserFlow) error {
		el, err := f.Element(index)
		if err != nil {
			return err
		}
		if !el.RemoveExport(name) {
			return fmt.Errorf("%w: %s", flow.ErrUnknownExport, name)
		}
		return nil
	})
}

// editFlow runs fn on the flow. Sessions already started keep replaying
// the flow they were started with.
func (w *Workspace) editFlow(fn func(*flow.UserFlow) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flow == nil {
		return ErrNoFlow
	}
	if err := fn(w.flow); err != nil {
		return err
	}
	w.publish(Event{Type: EventFlowChanged, Status: w.statusLocked()})
	return nil
}

// StartSession starts a new replay session from the current flow,
// discarding any previous one.
func (w *Workspace) StartSession() (Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flow == nil {
		return Status{}, ErrNoFlow
	}
	w.finishRunLocked(request.RunAborted)

	w.orch = replay.NewOrchestrator(w.flow, w.opts.Transport, w.opts.Replay)
	session, err := w.orch.Start()
	if err != nil {
		return Status{}, err
	}

	if w.opts.Store != nil {
		run, err := w.opts.Store.StartRun(&request.RunRecord{
			Source: w.source,
			Total:  w.flow.Len(),
		})
		if err != nil {
			w.log.Warn("Failed to record replay run", "error", err)
		} else {
			w.runID = run.ID
		}
	}

	w.log.Info("Replay session started", "session", session.ID(), "elements", w.flow.Len())
	status := w.statusLocked()
	w.publish(Event{Type: EventSessionStarted, SessionID: session.ID(), RunID: w.runID, Status: status})
	return *status, nil
}

// PlayNext replays the next pending element of the active session.
func (w *Workspace) PlayNext(ctx context.Context) (*replay.Step, error) {
	if !w.stepping.TryLock() {
		return nil, replay.ErrStepInFlight
	}
	defer w.stepping.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	session, err := w.sessionLocked()
	if err != nil {
		return nil, err
	}

	step, err := session.PlayNext(ctx)
	var stepErr *replay.StepError
	switch {
	case errors.As(err, &stepErr):
		w.publish(Event{Type: EventStepFailed, SessionID: session.ID(), RunID: w.runID, Step: w.recordLocked(stepErr.Record(w.runID)), Error: err.Error()})
		w.finishIfExhaustedLocked(session)
		return nil, err
	case err != nil:
		return nil, err
	}

	w.publish(Event{Type: EventStep, SessionID: session.ID(), RunID: w.runID, Step: w.recordLocked(step.Record(w.runID))})
	w.finishIfExhaustedLocked(session)
	return step, nil
}

func (w *Workspace) finishIfExhaustedLocked(session *replay.Session) {
	if session.State() != replay.StateExhausted {
		return
	}
	runID := w.runID
	w.finishRunLocked(request.RunFinished)
	w.publish(Event{Type: EventSessionFinished, SessionID: session.ID(), RunID: runID, Status: w.statusLocked()})
}

// Run plays every pending element, calling fn after each step.
func (w *Workspace) Run(ctx context.Context, fn func(*replay.Step) error) error {
	for first := true; ; first = false {
		if !first && w.opts.Delay > 0 {
			timer := time.NewTimer(w.opts.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		step, err := w.PlayNext(ctx)
		if errors.Is(err, replay.ErrEmptyQueue) {
			return nil
		}
		var stepErr *replay.StepError
		if errors.As(err, &stepErr) && !w.opts.StopOnError && !stepErr.Requeued {
			continue
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

// Next returns the next pending element of the active session.
func (w *Workspace) Next() (replay.Queued, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	session, err := w.sessionLocked()
	if err != nil {
		return replay.Queued{}, false, err
	}
	next, ok := session.Peek()
	return next, ok, nil
}

// Last returns the most recent step of the active session.
func (w *Workspace) Last() (*replay.Step, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	session, err := w.sessionLocked()
	if err != nil {
		return nil, false, err
	}
	step, ok := session.LastCompleted()
	return step, ok, nil
}

// SessionVariables returns the live variables of the active session.
func (w *Workspace) SessionVariables() (map[string]any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	session, err := w.sessionLocked()
	if err != nil {
		return nil, err
	}
	return session.Variables(), nil
}

// SetSessionVariable overrides a live variable of the active session.
func (w *Workspace) SetSessionVariable(name string, value any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	session, err := w.sessionLocked()
	if err != nil {
		return err
	}
	session.SetVariable(name, value)
	return nil
}

// State reports the replay state.
func (w *Workspace) State() replay.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.orch == nil {
		return replay.StateIdle
	}
	return w.orch.State()
}

// Status summarizes the workspace.
func (w *Workspace) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.statusLocked()
}

// Close marks an unfinished run as aborted.
func (w *Workspace) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finishRunLocked(request.RunAborted)
}

func (w *Workspace) sessionLocked() (*replay.Session, error) {
	if w.orch == nil {
		return nil, replay.ErrNoSession
	}
	return w.orch.Session()
}

func (w *Workspace) statusLocked() *Status {
	st := &Status{State: replay.StateIdle.String(), RunID: w.runID, Source: w.source}
	if w.flow != nil {
		st.Loaded = true
		st.Elements = w.flow.Len()
		st.RelationsApplied = w.flow.RelationsApplied()
	}
	if w.orch != nil {
		st.State = w.orch.State().String()
		if session, err := w.orch.Session(); err == nil {
			st.SessionID = session.ID()
			st.Pending = len(session.Pending())
			st.Completed = len(session.Completed())
		}
	}
	return st
}

func (w *Workspace) recordLocked(rec *request.StepRecord) *request.StepRecord {
	if w.opts.Store == nil || w.runID == "" {
		return rec
	}
	stored, err := w.opts.Store.RecordStep(rec)
	if err != nil {
		w.log.Warn("Failed to record replay step", "run", w.runID, "error", err)
		return rec
	}
	return stored
}

func (w *Workspace) finishRunLocked(status string) {
	if w.opts.Store == nil || w.runID == "" {
		return
	}
	if err := w.opts.Store.FinishRun(w.runID, status); err != nil {
		w.log.Warn("Failed to finish replay run", "run", w.runID, "error", err)
	}
	w.runID = ""
}

package replay

import (
	"errors"
	"fmt"
	"time"

	"github.com/funnyzak/reqflow/pkg/request"
)

var (
	// ErrEmptyQueue is returned when a session has no pending element.
	ErrEmptyQueue = errors.New("replay queue is empty")
	// ErrStepInFlight is returned when PlayNext is called while a step runs.
	ErrStepInFlight = errors.New("a replay step is already in flight")
	// ErrSessionStarted is returned by Start when a session already exists.
	ErrSessionStarted = errors.New("replay session already started")
	// ErrNoSession is returned when no session has been started.
	ErrNoSession = errors.New("no replay session")
)

// StepError reports a failed replay step.
type StepError struct {
	Index  int
	Method request.Method
	URL    string
	// Requeued is true when the element went back to the front of the queue.
	Requeued bool
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d %s %s: %v", e.Index, e.Method, e.URL, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Record converts the failure into a persisted step.
func (e *StepError) Record(runID string) *request.StepRecord {
	return &request.StepRecord{
		RunID:     runID,
		Index:     e.Index,
		Timestamp: time.Now(),
		Method:    string(e.Method),
		URL:       e.URL,
		Outcome:   request.OutcomeError,
		Error:     e.Err.Error(),
	}
}

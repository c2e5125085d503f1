package request

import (
	"time"
)

// RunRecord summarizes one persisted replay session.
type RunRecord struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Status     string    `json:"status"`
}

// Run statuses.
const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunAborted  = "aborted"
)

// StepRecord is one persisted replay step.
type StepRecord struct {
	ID             string            `json:"id"`
	RunID          string            `json:"run_id"`
	Index          int               `json:"index"`
	Timestamp      time.Time         `json:"timestamp"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	StatusCode     int               `json:"status_code"`
	ResponseBody   string            `json:"response_body"`
	ResponseTimeMs int64             `json:"response_time_ms"`
	Outcome        Outcome           `json:"outcome"`
	Matched        bool              `json:"matched"`
	Exported       map[string]any    `json:"exported,omitempty"`
	Unresolved     []string          `json:"unresolved,omitempty"`
	Error          string            `json:"error,omitempty"`
}

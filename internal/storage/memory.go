package storage

import (
	"strings"
	"sync"
	"time"

	"github.com/funnyzak/reqflow/pkg/request"
)

const defaultMemoryRuns = 200

// memoryStore keeps recent runs in-memory using a ring buffer.
type memoryStore struct {
	mu        sync.RWMutex
	max       int
	retention time.Duration
	runs      []*StoredRun
}

// NewMemoryStore creates a Store holding at most max runs. Nothing survives
// a restart.
func NewMemoryStore(max int, retention time.Duration) Store {
	if max < 1 {
		max = defaultMemoryRuns
	}
	return &memoryStore{
		max:       max,
		retention: retention,
		runs:      make([]*StoredRun, 0, max),
	}
}

func (s *memoryStore) StartRun(run *request.RunRecord) (*request.RunRecord, error) {
	if run == nil {
		return nil, errNilRecord("run")
	}
	if strings.TrimSpace(run.ID) == "" {
		run.ID = newID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.StartedAt = run.StartedAt.UTC()
	if run.Status == "" {
		run.Status = request.RunRunning
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	s.runs = append(s.runs, &StoredRun{RunRecord: &cp})
	s.prune()
	return run, nil
}

func (s *memoryStore) prune() {
	if s.retention > 0 {
		cutoff := time.Now().Add(-s.retention)
		kept := s.runs[:0]
		for _, run := range s.runs {
			if !run.StartedAt.Before(cutoff) {
				kept = append(kept, run)
			}
		}
		s.runs = kept
	}
	if len(s.runs) > s.max {
		// Drop oldest
		s.runs = append([]*StoredRun(nil), s.runs[len(s.runs)-s.max:]...)
	}
}

func (s *memoryStore) RecordStep(step *request.StepRecord) (*request.StepRecord, error) {
	if step == nil {
		return nil, errNilRecord("step")
	}
	if strings.TrimSpace(step.ID) == "" {
		step.ID = newID()
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}
	step.Timestamp = step.Timestamp.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.find(step.RunID)
	if run == nil {
		return nil, ErrRunNotFound
	}
	cp := *step
	run.Steps = append(run.Steps, &cp)
	if step.Error != "" {
		run.Failed++
	} else {
		run.Completed++
	}
	return step, nil
}

func (s *memoryStore) FinishRun(id, status string) error {
	if status == "" {
		status = request.RunFinished
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.find(id)
	if run == nil {
		return ErrRunNotFound
	}
	run.Status = status
	run.FinishedAt = time.Now().UTC()
	return nil
}

// ListRuns returns filtered runs (newest first) along with the total count.
func (s *memoryStore) ListRuns(opts ListOptions) ([]*request.RunRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(opts.Search))
	status := strings.ToLower(strings.TrimSpace(opts.Status))

	filtered := make([]*request.RunRecord, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		run := s.runs[i]
		if status != "" && strings.ToLower(run.Status) != status {
			continue
		}
		if search != "" && !matchesSearch(run, search) {
			continue
		}
		cp := *run.RunRecord
		filtered = append(filtered, &cp)
	}

	total := len(filtered)
	limit := opts.Limit
	if limit <= 0 || limit > total {
		limit = total
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (s *memoryStore) GetRun(id string) (*StoredRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run := s.find(id)
	if run == nil {
		return nil, nil
	}
	cp := *run.RunRecord
	return &StoredRun{RunRecord: &cp, Steps: append([]*request.StepRecord(nil), run.Steps...)}, nil
}

func (s *memoryStore) GetSteps(runID string) ([]*request.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run := s.find(runID)
	if run == nil {
		return nil, nil
	}
	return append([]*request.StepRecord(nil), run.Steps...), nil
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) find(id string) *StoredRun {
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].ID == id {
			return s.runs[i]
		}
	}
	return nil
}

func matchesSearch(run *StoredRun, term string) bool {
	if strings.Contains(strings.ToLower(run.Source), term) {
		return true
	}
	for _, step := range run.Steps {
		if strings.Contains(strings.ToLower(step.URL), term) {
			return true
		}
	}
	return false
}

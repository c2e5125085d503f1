package web

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/funnyzak/reqflow/internal/storage"
	"github.com/funnyzak/reqflow/pkg/request"
)

// pendingView describes the next element waiting in the session queue.
type pendingView struct {
	Index        int            `json:"index"`
	Method       request.Method `json:"method"`
	URL          string         `json:"url"`
	Template     string         `json:"template"`
	Placeholders []string       `json:"placeholders"`
}

func (s *Service) handleStartSession(w http.ResponseWriter, r *http.Request) {
	status, err := s.workspace.StartSession()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, status)
}

func (s *Service) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.workspace.Status())
}

func (s *Service) handleStep(w http.ResponseWriter, r *http.Request) {
	runID := s.workspace.Status().RunID
	step, err := s.workspace.PlayNext(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, step.Record(runID))
}

func (s *Service) handleNext(w http.ResponseWriter, r *http.Request) {
	next, ok, err := s.workspace.Next()
	if err != nil {
		s.respondError(w, err)
		return
	}
	if !ok {
		s.respondJSON(w, http.StatusOK, map[string]any{"next": nil})
		return
	}
	el := next.Element
	s.respondJSON(w, http.StatusOK, map[string]any{"next": pendingView{
		Index:        next.Index,
		Method:       el.Request.Method,
		URL:          el.Request.URL,
		Template:     el.URLTemplate(),
		Placeholders: el.Placeholders(),
	}})
}

func (s *Service) handleLast(w http.ResponseWriter, r *http.Request) {
	last, ok, err := s.workspace.Last()
	if err != nil {
		s.respondError(w, err)
		return
	}
	if !ok {
		s.respondJSON(w, http.StatusOK, map[string]any{"last": nil})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"last": last.Record("")})
}

func (s *Service) handleSessionVariables(w http.ResponseWriter, r *http.Request) {
	vars, err := s.workspace.SessionVariables()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"variables": vars})
}

func (s *Service) handleSetSessionVariable(w http.ResponseWriter, r *http.Request) {
	value, ok := s.decodeValue(w, r)
	if !ok {
		return
	}
	if err := s.workspace.SetSessionVariable(mux.Vars(r)["name"], value); err != nil {
		s.respondError(w, err)
		return
	}
	s.handleSessionVariables(w, r)
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	limit := parseIntDefault(query.Get("limit"), defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	offset := parseIntDefault(query.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	items, total, err := s.store.ListRuns(storage.ListOptions{
		Search: query.Get("search"),
		Status: query.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":   items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Service) handleRunSteps(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	run, err := s.store.GetRun(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

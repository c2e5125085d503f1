package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/dump"
	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/internal/replay"
	"github.com/funnyzak/reqflow/internal/storage"
	"github.com/funnyzak/reqflow/internal/workspace"
	"github.com/funnyzak/reqflow/pkg/binding"
	"github.com/funnyzak/reqflow/pkg/har"
	"github.com/funnyzak/reqflow/pkg/request"
)

const (
	defaultListLimit    = 100
	maxListLimit        = 500
	defaultMaxBodyBytes = 32 << 20
	contentTypeJSON     = "application/json"
)

// Service exposes a workspace over HTTP.
type Service struct {
	cfg       *config.WebConfig
	logger    logger.Logger
	workspace *workspace.Workspace
	store     storage.Store
	guard     *TokenGuard
	hub       *WebsocketHub
	formats   []string
}

// NewService builds a Service around ws. store may be nil when replay
// history is disabled.
func NewService(cfg *config.WebConfig, ws *workspace.Workspace, store storage.Store, log logger.Logger) *Service {
	hub := NewWebsocketHub(log)
	formats := dump.AllowedFormats(cfg.ExportFormats)
	if len(formats) == 0 {
		formats = dump.Formats
	}

	svc := &Service{
		cfg:       cfg,
		logger:    log,
		workspace: ws,
		store:     store,
		guard:     NewTokenGuard(cfg.APIToken),
		hub:       hub,
		formats:   formats,
	}
	ws.Subscribe(func(ev workspace.Event) { hub.Broadcast(ev) })
	return svc
}

// RegisterRoutes wires API routes into the provided router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	apiRouter := router.PathPrefix(normalizePath(s.cfg.AdminPath)).Subrouter()
	if s.guard.Enabled() {
		apiRouter.Use(s.guard.Middleware)
	}

	apiRouter.HandleFunc("/flow", s.handleGetFlow).Methods(http.MethodGet)
	apiRouter.HandleFunc("/flow", s.handleLoadFlow).Methods(http.MethodPost)
	apiRouter.HandleFunc("/flow/har", s.handleLoadHAR).Methods(http.MethodPost)
	apiRouter.HandleFunc("/flow/export", s.handleExport).Methods(http.MethodGet)
	apiRouter.HandleFunc("/flow/relations", s.handleRelations).Methods(http.MethodPost)
	apiRouter.HandleFunc("/flow/move", s.handleMove).Methods(http.MethodPost)
	apiRouter.HandleFunc("/flow/elements/{index:[0-9]+}", s.handleEdit).Methods(http.MethodPatch)
	apiRouter.HandleFunc("/flow/elements/{index:[0-9]+}/exports/{name}", s.handleAddExport).Methods(http.MethodPut)
	apiRouter.HandleFunc("/flow/elements/{index:[0-9]+}/exports/{name}", s.handleRemoveExport).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/flow/variables/{name}", s.handleSetVariable).Methods(http.MethodPut)
	apiRouter.HandleFunc("/flow/variables/{name}", s.handleDeleteVariable).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/flow/variables/{name}/rename", s.handleRenameVariable).Methods(http.MethodPost)

	apiRouter.HandleFunc("/session", s.handleStartSession).Methods(http.MethodPost)
	apiRouter.HandleFunc("/session", s.handleSessionStatus).Methods(http.MethodGet)
	apiRouter.HandleFunc("/session/step", s.handleStep).Methods(http.MethodPost)
	apiRouter.HandleFunc("/session/next", s.handleNext).Methods(http.MethodGet)
	apiRouter.HandleFunc("/session/last", s.handleLast).Methods(http.MethodGet)
	apiRouter.HandleFunc("/session/variables", s.handleSessionVariables).Methods(http.MethodGet)
	apiRouter.HandleFunc("/session/variables/{name}", s.handleSetSessionVariable).Methods(http.MethodPut)

	apiRouter.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	apiRouter.HandleFunc("/runs/{id}/steps", s.handleRunSteps).Methods(http.MethodGet)
	apiRouter.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
}

// Handler returns the routed API wrapped with CORS handling.
func (s *Service) Handler() http.Handler {
	router := mux.NewRouter()
	s.RegisterRoutes(router)
	if len(s.cfg.AllowedOrigins) == 0 {
		return router
	}
	return cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(router)
}

// Close drops websocket clients.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.hub.Close()
}

func (s *Service) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.workspace.Flow()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, f.Document())
}

func (s *Service) handleLoadFlow(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.workspace.LoadFlow(body, sourceName(r, "api")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.workspace.Status())
}

func (s *Service) handleLoadHAR(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.workspace.LoadHAR(body, sourceName(r, "upload.har")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.workspace.Status())
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "json"
	}
	if format == "yml" {
		format = "yaml"
	}
	if !containsFormat(s.formats, format) {
		http.Error(w, fmt.Sprintf("Unsupported export format: %s", format), http.StatusBadRequest)
		return
	}

	f, err := s.workspace.Flow()
	if err != nil {
		s.respondError(w, err)
		return
	}
	data, contentType, ext, err := dump.Export(f, format)
	if err != nil {
		s.logger.Error("Export failed", "format", format, "error", err)
		http.Error(w, "Failed to export flow", http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("reqflow_flow_%d.%s", time.Now().Unix(), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Service) handleRelations(w http.ResponseWriter, r *http.Request) {
	if err := s.workspace.FindRelations(); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.workspace.Status())
}

func (s *Service) handleMove(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	if err := s.workspace.Move(payload.From, payload.To); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.workspace.Status())
}

func (s *Service) handleEdit(w http.ResponseWriter, r *http.Request) {
	index, _ := strconv.Atoi(mux.Vars(r)["index"])
	var payload struct {
		Path  string          `json:"path"`
		Value json.RawMessage `json:"value"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	value, err := binding.Decode(payload.Value)
	if err != nil || payload.Path == "" {
		http.Error(w, "path and value are required", http.StatusBadRequest)
		return
	}
	if err := s.workspace.Edit(index, payload.Path, value); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.workspace.Status())
}

func (s *Service) handleAddExport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, _ := strconv.Atoi(vars["index"])
	var payload struct {
		Path  string `json:"path"`
		Regex string `json:"regex"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	if err := s.workspace.AddExport(index, vars["name"], payload.Path, payload.Regex); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondExports(w, index)
}

func (s *Service) handleRemoveExport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, _ := strconv.Atoi(vars["index"])
	if err := s.workspace.RemoveExport(index, vars["name"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondExports(w, index)
}

func (s *Service) respondExports(w http.ResponseWriter, index int) {
	f, err := s.workspace.Flow()
	if err != nil {
		s.respondError(w, err)
		return
	}
	el, err := f.Element(index)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"index": index, "exports": el.Exports()})
}

func (s *Service) handleSetVariable(w http.ResponseWriter, r *http.Request) {
	value, ok := s.decodeValue(w, r)
	if !ok {
		return
	}
	if err := s.workspace.SetVariable(mux.Vars(r)["name"], value); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondFlowVariables(w)
}

func (s *Service) handleDeleteVariable(w http.ResponseWriter, r *http.Request) {
	if err := s.workspace.DeleteVariable(mux.Vars(r)["name"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondFlowVariables(w)
}

func (s *Service) handleRenameVariable(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		To string `json:"to"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	if err := s.workspace.RenameVariable(mux.Vars(r)["name"], payload.To); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondFlowVariables(w)
}

func (s *Service) respondFlowVariables(w http.ResponseWriter) {
	f, err := s.workspace.Flow()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"variables": f.Variables()})
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	status := s.workspace.Status()
	if _, err := s.hub.Upgrade(w, r, workspace.Event{Type: EventConnected, Status: &status}); err != nil {
		s.logger.Error("Failed to upgrade websocket", "error", err)
		return
	}
}

func (s *Service) readBody(r *http.Request) ([]byte, error) {
	limit := s.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := s.readBody(r)
	if err != nil {
		s.respondError(w, err)
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return false
	}
	return true
}

// decodeValue reads {"value": <any JSON>} keeping numbers exact.
func (s *Service) decodeValue(w http.ResponseWriter, r *http.Request) (any, bool) {
	var payload struct {
		Value json.RawMessage `json:"value"`
	}
	if !s.decode(w, r, &payload) {
		return nil, false
	}
	if len(payload.Value) == 0 {
		http.Error(w, "value is required", http.StatusBadRequest)
		return nil, false
	}
	value, err := binding.Decode(payload.Value)
	if err != nil {
		http.Error(w, "Invalid value", http.StatusBadRequest)
		return nil, false
	}
	return value, true
}

var errBodyTooLarge = errors.New("request body too large")

// respondError maps domain errors onto HTTP statuses.
func (s *Service) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var stepErr *replay.StepError
	switch {
	case errors.Is(err, errBodyTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, workspace.ErrNoFlow),
		errors.Is(err, replay.ErrNoSession),
		errors.Is(err, replay.ErrEmptyQueue),
		errors.Is(err, replay.ErrStepInFlight),
		errors.Is(err, flow.ErrRelationsApplied),
		errors.Is(err, flow.ErrVariableExists),
		errors.Is(err, flow.ErrDuplicateExport):
		status = http.StatusConflict
	case errors.Is(err, flow.ErrUnknownVariable),
		errors.Is(err, flow.ErrUnknownExport),
		errors.Is(err, flow.ErrIndexOutOfRange),
		errors.Is(err, storage.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.As(err, &stepErr):
		status = http.StatusBadGateway
	case errors.Is(err, har.ErrNoEntries),
		errors.Is(err, flow.ErrUnsupportedPath),
		errors.Is(err, flow.ErrNotEditable),
		errors.Is(err, flow.ErrMissingKey),
		errors.Is(err, flow.ErrInvalidVariable),
		errors.Is(err, flow.ErrInvalidExport),
		errors.Is(err, request.ErrUnknownMethod),
		isDecodeError(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("API request failed", "error", err)
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func sourceName(r *http.Request, def string) string {
	if name := strings.TrimSpace(r.URL.Query().Get("source")); name != "" {
		return name
	}
	return def
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}

	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return def
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func containsFormat(formats []string, target string) bool {
	for _, f := range formats {
		if f == target {
			return true
		}
	}
	return false
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/internal/relation"
	"github.com/funnyzak/reqflow/internal/replay"
	"github.com/funnyzak/reqflow/internal/storage"
	"github.com/funnyzak/reqflow/internal/workspace"
	"github.com/funnyzak/reqflow/pkg/request"
)

const loginHAR = `{"log":{"version":"1.2","entries":[
 {"startedDateTime":"2024-05-01T10:00:00.000Z","time":10,
  "request":{"method":"POST","url":"https://api.example.com/login","httpVersion":"HTTP/1.1",
   "headers":[{"name":"Content-Type","value":"application/json"}],"queryString":[],"cookies":[],
   "postData":{"mimeType":"application/json","text":"{\"user\":\"bob\"}"}},
  "response":{"status":200,"statusText":"OK","headers":[{"name":"Content-Type","value":"application/json"}],"cookies":[],
   "content":{"size":26,"mimeType":"application/json","text":"{\"access_token\":\"tok-1\"}"}}},
 {"startedDateTime":"2024-05-01T10:00:01.000Z","time":10,
  "request":{"method":"GET","url":"https://api.example.com/me","httpVersion":"HTTP/1.1",
   "headers":[{"name":"Authorization","value":"Bearer tok-1"}],"queryString":[],"cookies":[]},
  "response":{"status":200,"statusText":"OK","headers":[],"cookies":[],"content":{"size":2,"mimeType":"text/plain","text":"ok"}}}
]}}`

func fakeTransport(failing bool) replay.Transport {
	return replay.TransportFunc(func(_ context.Context, req *request.CapturedRequest) (*request.CapturedResponse, error) {
		if failing {
			return nil, errors.New("dial tcp: connection refused")
		}
		if strings.HasSuffix(req.URL, "/login") {
			return &request.CapturedResponse{Status: 200, Headers: map[string]string{"Content-Type": "application/json"}, Body: `{"access_token":"tok-live"}`}, nil
		}
		return &request.CapturedResponse{Status: 200, Body: "ok"}, nil
	})
}

func newTestService(t *testing.T, cfg *config.WebConfig, transport replay.Transport) (http.Handler, storage.Store) {
	t.Helper()
	if cfg == nil {
		cfg = &config.WebConfig{AdminPath: "/api"}
	}
	store := storage.NewMemoryStore(10, 0)
	ws := workspace.New(workspace.Options{
		Transport: transport,
		Replay:    replay.DefaultOptions(),
		Relations: relation.Registered(relation.Options{}, logger.Nop()),
		Store:     store,
	})
	svc := NewService(cfg, ws, store, logger.Nop())
	t.Cleanup(svc.Close)
	return svc.Handler(), store
}

func call(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestFlowRequiredBeforeLoad(t *testing.T) {
	h, _ := newTestService(t, nil, fakeTransport(false))

	assert.Equal(t, http.StatusConflict, call(t, h, http.MethodGet, "/api/flow", "").Code)
	assert.Equal(t, http.StatusConflict, call(t, h, http.MethodPost, "/api/session", "").Code)
	assert.Equal(t, http.StatusConflict, call(t, h, http.MethodGet, "/api/session/next", "").Code)
}

func TestLoadRejectsMalformedHAR(t *testing.T) {
	h, _ := newTestService(t, nil, fakeTransport(false))

	rec := call(t, h, http.MethodPost, "/api/flow/har", `{"log":{"entries":[]}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "no entries")
}

func TestReplayOverAPI(t *testing.T) {
	h, store := newTestService(t, nil, fakeTransport(false))

	rec := call(t, h, http.MethodPost, "/api/flow/har?source=login.har", loginHAR)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(2), decodeBody(t, rec)["elements"])

	require.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/api/flow/relations", "").Code)
	assert.Equal(t, http.StatusConflict, call(t, h, http.MethodPost, "/api/flow/relations", "").Code)

	rec = call(t, h, http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	runID, _ := decodeBody(t, rec)["run_id"].(string)
	require.NotEmpty(t, runID)

	rec = call(t, h, http.MethodGet, "/api/session/next", "")
	next := decodeBody(t, rec)["next"].(map[string]any)
	assert.Equal(t, float64(0), next["index"])
	assert.Equal(t, "POST", next["method"])

	rec = call(t, h, http.MethodGet, "/api/session/last", "")
	assert.Nil(t, decodeBody(t, rec)["last"])

	for i := 0; i < 2; i++ {
		rec = call(t, h, http.MethodPost, "/api/session/step", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		step := decodeBody(t, rec)
		assert.Equal(t, float64(i), step["index"])
		assert.Equal(t, runID, step["run_id"])
	}
	assert.Equal(t, http.StatusConflict, call(t, h, http.MethodPost, "/api/session/step", "").Code)

	rec = call(t, h, http.MethodGet, "/api/session/variables", "")
	vars := decodeBody(t, rec)["variables"].(map[string]any)
	assert.Equal(t, "tok-live", vars["extracted_auth_token_1"])

	rec = call(t, h, http.MethodGet, "/api/runs?status=finished", "")
	runs := decodeBody(t, rec)
	assert.Equal(t, float64(1), runs["total"])

	rec = call(t, h, http.MethodGet, "/api/runs/"+runID+"/steps", "")
	require.Equal(t, http.StatusOK, rec.Code)
	run := decodeBody(t, rec)
	assert.Len(t, run["steps"], 2)
	assert.Equal(t, "login.har", run["source"])

	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodGet, "/api/runs/missing/steps", "").Code)

	stored, err := store.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, request.RunFinished, stored.Status)
}

func TestStepFailureIsBadGateway(t *testing.T) {
	h, store := newTestService(t, nil, fakeTransport(true))
	require.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/api/flow/har", loginHAR).Code)
	rec := call(t, h, http.MethodPost, "/api/session", "")
	runID, _ := decodeBody(t, rec)["run_id"].(string)

	rec = call(t, h, http.MethodPost, "/api/session/step", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "connection refused")

	run, err := store.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Failed)
}

func TestFlowVariablesAndExport(t *testing.T) {
	h, _ := newTestService(t, &config.WebConfig{AdminPath: "/api", ExportFormats: []string{"json", "yaml"}}, fakeTransport(false))
	require.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/api/flow/har", loginHAR).Code)

	rec := call(t, h, http.MethodPut, "/api/flow/variables/tenant", `{"value":"acme"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"tenant": "acme"}, decodeBody(t, rec)["variables"])

	rec = call(t, h, http.MethodPost, "/api/flow/variables/tenant/rename", `{"to":"org"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"org": "acme"}, decodeBody(t, rec)["variables"])

	rec = call(t, h, http.MethodPatch, "/api/flow/elements/1", `{"path":"$.Request.Headers.X-Org","value":"{{org}}"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodGet, "/api/flow/export?format=yml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".yaml")
	assert.Contains(t, rec.Body.String(), "{{org}}")

	assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodGet, "/api/flow/export?format=csv", "").Code)

	require.Equal(t, http.StatusOK, call(t, h, http.MethodDelete, "/api/flow/variables/org", "").Code)
	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodDelete, "/api/flow/variables/org", "").Code)
	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodPost, "/api/flow/move", `{"from":0,"to":9}`).Code)
}

func TestElementExportsOverAPI(t *testing.T) {
	h, _ := newTestService(t, nil, fakeTransport(false))
	assert.Equal(t, http.StatusConflict, call(t, h, http.MethodPut, "/api/flow/elements/0/exports/token", `{"path":"$.Response.Body.access_token"}`).Code)
	require.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/api/flow/har", loginHAR).Code)

	rec := call(t, h, http.MethodPut, "/api/flow/elements/0/exports/token", `{"path":"$.Response.Body.access_token","regex":"tok-.*"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"token": map[string]any{"JsonPath": "$.Response.Body.access_token", "Regex": "tok-.*"}}, decodeBody(t, rec)["exports"])

	assert.Equal(t, http.StatusConflict, call(t, h, http.MethodPut, "/api/flow/elements/0/exports/token", `{"path":"$.Response.Body.access_token"}`).Code)
	assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodPut, "/api/flow/elements/0/exports/bad", `{"path":"$.Response.Body.x","regex":"("}`).Code)
	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodPut, "/api/flow/elements/5/exports/late", `{"path":"$.Response.Body.x"}`).Code)

	rec = call(t, h, http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = call(t, h, http.MethodPost, "/api/session/step", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = call(t, h, http.MethodGet, "/api/session/variables", "")
	assert.Equal(t, "tok-live", decodeBody(t, rec)["variables"].(map[string]any)["token"])

	rec = call(t, h, http.MethodDelete, "/api/flow/elements/0/exports/token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["exports"])
	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodDelete, "/api/flow/elements/0/exports/token", "").Code)
}

func TestTokenGuard(t *testing.T) {
	h, _ := newTestService(t, &config.WebConfig{AdminPath: "/api", APIToken: "s3cret"}, fakeTransport(false))

	assert.Equal(t, http.StatusUnauthorized, call(t, h, http.MethodGet, "/api/session", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h, http.MethodGet, "/api/session?token=s3cret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decodeBody(t, rec)["state"])
}

func TestBodyLimit(t *testing.T) {
	h, _ := newTestService(t, &config.WebConfig{AdminPath: "/api", MaxBodyBytes: 16}, fakeTransport(false))
	assert.Equal(t, http.StatusRequestEntityTooLarge, call(t, h, http.MethodPost, "/api/flow/har", loginHAR).Code)
}

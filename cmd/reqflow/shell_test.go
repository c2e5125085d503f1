package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/internal/printer"
	"github.com/funnyzak/reqflow/internal/relation"
	"github.com/funnyzak/reqflow/internal/replay"
	"github.com/funnyzak/reqflow/internal/workspace"
	"github.com/funnyzak/reqflow/pkg/request"
)

const shellHAR = `{"log":{"version":"1.2","entries":[
 {"startedDateTime":"2024-05-01T10:00:00.000Z","time":10,
  "request":{"method":"GET","url":"https://api.example.com/health","httpVersion":"HTTP/1.1",
   "headers":[],"queryString":[],"cookies":[]},
  "response":{"status":200,"statusText":"OK","headers":[],"cookies":[],"content":{"size":2,"mimeType":"text/plain","text":"ok"}}}
]}}`

func newTestShell(t *testing.T, script string) (*shell, *bytes.Buffer) {
	t.Helper()
	transport := replay.TransportFunc(func(_ context.Context, req *request.CapturedRequest) (*request.CapturedResponse, error) {
		return &request.CapturedResponse{Status: 200, Body: "ok"}, nil
	})
	ws := workspace.New(workspace.Options{
		Transport: transport,
		Replay:    replay.DefaultOptions(),
		Relations: relation.Registered(relation.Options{}, logger.Nop()),
	})
	out := &bytes.Buffer{}
	p := printer.New("console", logger.Nop(), nil, out)
	return newShell(context.Background(), ws, p, strings.NewReader(script), out), out
}

func TestShellLoadAndStep(t *testing.T) {
	dir := t.TempDir()
	harPath := filepath.Join(dir, "capture.har")
	require.NoError(t, os.WriteFile(harPath, []byte(shellHAR), 0o644))
	flowPath := filepath.Join(dir, "flow.json")

	script := strings.Join([]string{
		"1", harPath,
		"10", "tenant=acme",
		"5",
		"7",
		"6",
		"8",
		"9",
		"3", flowPath,
		"0",
	}, "\n") + "\n"

	sh, out := newTestShell(t, script)
	require.NoError(t, sh.Run())

	got := out.String()
	assert.Contains(t, got, "capture.har: 1 element(s)")
	assert.Contains(t, got, "element(s) pending")
	assert.Contains(t, got, "https://api.example.com/health")
	assert.Contains(t, got, "tenant")
	assert.Contains(t, got, "Saved "+flowPath)
	assert.NotContains(t, got, "Error:")

	saved, err := flow.LoadFile(flowPath)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tenant": "acme"}, saved.Variables())
}

func TestShellManagesExports(t *testing.T) {
	dir := t.TempDir()
	harPath := filepath.Join(dir, "capture.har")
	require.NoError(t, os.WriteFile(harPath, []byte(shellHAR), 0o644))

	script := strings.Join([]string{
		"1", harPath,
		"17", "0", "health_body", "$.Response.Body", "",
		"5",
		"6",
		"9",
		"18", "0", "health_body",
		"18", "0", "health_body",
		"0",
	}, "\n") + "\n"

	sh, out := newTestShell(t, script)
	require.NoError(t, sh.Run())

	got := out.String()
	assert.Contains(t, got, "Export health_body added to element 0")
	assert.Contains(t, got, "health_body")
	assert.Contains(t, got, "Export health_body removed from element 0")
	assert.Contains(t, got, "Error: unknown export: health_body")

	vars, err := sh.ws.SessionVariables()
	require.NoError(t, err)
	assert.Equal(t, "ok", vars["health_body"])
}

func TestShellReportsErrors(t *testing.T) {
	sh, out := newTestShell(t, "6\n42\n13\n")
	require.NoError(t, sh.Run())

	got := out.String()
	assert.Contains(t, got, "Error: no replay session")
	assert.Contains(t, got, `Unknown choice "42"`)
	assert.Contains(t, got, "Error: no flow loaded")
}

func TestParseAssignment(t *testing.T) {
	name, value, err := parseAssignment("limit=5")
	require.NoError(t, err)
	assert.Equal(t, "limit", name)
	assert.Equal(t, json.Number("5"), value)

	_, value, err = parseAssignment("user=bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", value)

	_, value, err = parseAssignment(`ids=[1,2]`)
	require.NoError(t, err)
	assert.Equal(t, []any{json.Number("1"), json.Number("2")}, value)

	_, _, err = parseAssignment("novalue")
	assert.Error(t, err)
}

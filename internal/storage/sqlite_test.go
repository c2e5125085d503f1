package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/pkg/request"
)

func newTestStore(t *testing.T, maxRuns int) Store {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.StorageConfig{
		Driver:  "sqlite",
		Path:    filepath.Join(dir, "reqflow.db"),
		MaxRuns: maxRuns,
	}
	store, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func startRun(t *testing.T, store Store, source string, started time.Time) *request.RunRecord {
	t.Helper()
	run, err := store.StartRun(&request.RunRecord{Source: source, StartedAt: started, Total: 2})
	if err != nil {
		t.Fatalf("start run failed: %v", err)
	}
	return run
}

func TestSQLiteStore_RunLifecycle(t *testing.T) {
	store := newTestStore(t, 10)
	run := startRun(t, store, "login.har", time.Now())
	if run.ID == "" {
		t.Fatal("expected run id to be set")
	}
	if run.Status != request.RunRunning {
		t.Fatalf("unexpected initial status %q", run.Status)
	}

	ok := &request.StepRecord{
		RunID:      run.ID,
		Index:      0,
		Method:     "POST",
		URL:        "https://api.example.com/login",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       `{"user":"demo"}`,
		StatusCode: 200,
		Outcome:    request.OutcomeSuccess,
		Matched:    true,
		Exported:   map[string]any{"token": "abc"},
	}
	if _, err := store.RecordStep(ok); err != nil {
		t.Fatalf("record step failed: %v", err)
	}
	failed := &request.StepRecord{
		RunID:      run.ID,
		Index:      1,
		Method:     "GET",
		URL:        "https://api.example.com/orders",
		Unresolved: []string{"order_id"},
		Error:      "connection refused",
	}
	if _, err := store.RecordStep(failed); err != nil {
		t.Fatalf("record step failed: %v", err)
	}
	if err := store.FinishRun(run.ID, request.RunAborted); err != nil {
		t.Fatalf("finish run failed: %v", err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected run to be found")
	}
	if got.Completed != 1 || got.Failed != 1 {
		t.Fatalf("unexpected counters completed=%d failed=%d", got.Completed, got.Failed)
	}
	if got.Status != request.RunAborted || got.FinishedAt.IsZero() {
		t.Fatalf("unexpected finish state: %#v", got.RunRecord)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(got.Steps))
	}
	first := got.Steps[0]
	if first.Headers["Content-Type"] != "application/json" || first.Body != `{"user":"demo"}` {
		t.Fatalf("unexpected first step: %#v", first)
	}
	if !first.Matched || first.Exported["token"] != "abc" {
		t.Fatalf("unexpected exported state: %#v", first)
	}
	if got.Steps[1].Error != "connection refused" || len(got.Steps[1].Unresolved) != 1 {
		t.Fatalf("unexpected failed step: %#v", got.Steps[1])
	}
}

func TestSQLiteStore_GetMissingRun(t *testing.T) {
	store := newTestStore(t, 10)
	got, err := store.GetRun("missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil run, got %#v err %v", got, err)
	}
	if err := store.FinishRun("missing", ""); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := store.RecordStep(&request.StepRecord{RunID: "missing", Method: "GET", URL: "http://x"}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound for orphan step, got %v", err)
	}
}

func TestSQLiteStore_ListFilters(t *testing.T) {
	store := newTestStore(t, 10)
	base := time.Now().Add(-time.Minute)
	for i, source := range []string{"shop.har", "login.har", "shop-v2.har"} {
		run := startRun(t, store, source, base.Add(time.Duration(i)*time.Second))
		if i == 1 {
			if err := store.FinishRun(run.ID, request.RunFinished); err != nil {
				t.Fatalf("finish failed: %v", err)
			}
		}
	}

	items, total, err := store.ListRuns(ListOptions{Search: "shop"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 shop runs, got total=%d len=%d", total, len(items))
	}
	if items[0].Source != "shop-v2.har" {
		t.Fatalf("expected newest run first, got %s", items[0].Source)
	}

	items, total, err = store.ListRuns(ListOptions{Status: request.RunFinished})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 || items[0].Source != "login.har" {
		t.Fatalf("unexpected status filter result total=%d", total)
	}

	items, total, err = store.ListRuns(ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 3 || len(items) != 1 || items[0].Source != "login.har" {
		t.Fatalf("unexpected page total=%d len=%d", total, len(items))
	}
}

func TestSQLiteStore_PruneMaxRuns(t *testing.T) {
	store := newTestStore(t, 2)
	base := time.Now().Add(-time.Minute)
	var first *request.RunRecord
	for i := 0; i < 3; i++ {
		run := startRun(t, store, fmt.Sprintf("flow-%d.har", i), base.Add(time.Duration(i)*time.Second))
		if i == 0 {
			first = run
			if _, err := store.RecordStep(&request.StepRecord{RunID: run.ID, Method: "GET", URL: "http://x"}); err != nil {
				t.Fatalf("record step failed: %v", err)
			}
		}
	}
	items, total, err := store.ListRuns(ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected only 2 runs retained, got total=%d len=%d", total, len(items))
	}
	steps, err := store.GetSteps(first.ID)
	if err != nil {
		t.Fatalf("get steps failed: %v", err)
	}
	if len(steps) != 0 {
		t.Fatalf("expected pruned run steps to be removed, got %d", len(steps))
	}
}

func TestSQLiteStore_PruneRetention(t *testing.T) {
	dir := t.TempDir()
	store, err := New(&config.StorageConfig{Path: filepath.Join(dir, "h.db"), Retention: time.Hour}, logger.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	startRun(t, store, "stale.har", time.Now().Add(-2*time.Hour))
	startRun(t, store, "fresh.har", time.Now())

	items, total, err := store.ListRuns(ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 || items[0].Source != "fresh.har" {
		t.Fatalf("expected stale run pruned, got total=%d", total)
	}
}

func TestNewUnsupportedDriver(t *testing.T) {
	if _, err := New(&config.StorageConfig{Driver: "postgres", Path: "x"}, logger.Nop()); !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
	if _, err := New(nil, logger.Nop()); err == nil {
		t.Fatal("expected error for nil config")
	}
}

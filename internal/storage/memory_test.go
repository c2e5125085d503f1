package storage

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/funnyzak/reqflow/pkg/request"
)

func TestMemoryStore_EvictsOldest(t *testing.T) {
	store := NewMemoryStore(2, 0)
	first := startRun(t, store, "a.har", time.Now())
	startRun(t, store, "b.har", time.Now())
	startRun(t, store, "c.har", time.Now())

	if got, _ := store.GetRun(first.ID); got != nil {
		t.Fatalf("expected oldest run to be evicted")
	}
	items, total, err := store.ListRuns(ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || items[0].Source != "c.har" {
		t.Fatalf("unexpected runs total=%d first=%s", total, items[0].Source)
	}
}

func TestMemoryStore_StepsAndFilters(t *testing.T) {
	store := NewMemoryStore(5, 0)
	for i := 0; i < 4; i++ {
		run := startRun(t, store, "flow-"+strconv.Itoa(i)+".har", time.Now())
		if _, err := store.RecordStep(&request.StepRecord{RunID: run.ID, Method: "GET", URL: "https://api.example.com/P" + strconv.Itoa(i)}); err != nil {
			t.Fatalf("record step failed: %v", err)
		}
		if i%2 == 0 {
			if err := store.FinishRun(run.ID, ""); err != nil {
				t.Fatalf("finish failed: %v", err)
			}
		}
	}

	items, total, err := store.ListRuns(ListOptions{Status: "FINISHED", Limit: 1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(items) != 1 {
		t.Fatalf("expected 2 finished runs paged to 1, got total=%d len=%d", total, len(items))
	}

	items, total, _ = store.ListRuns(ListOptions{Search: "p3"})
	if total != 1 || items[0].Source != "flow-3.har" {
		t.Fatalf("search by step url failed: total=%d", total)
	}
	if items[0].Completed != 1 {
		t.Fatalf("expected completed counter 1, got %d", items[0].Completed)
	}

	run, err := store.GetRun(items[0].ID)
	if err != nil || run == nil || len(run.Steps) != 1 {
		t.Fatalf("unexpected run %#v err %v", run, err)
	}
}

func TestMemoryStore_ConcurrentRecord(t *testing.T) {
	store := NewMemoryStore(0, 0)
	run := startRun(t, store, "parallel.har", time.Now())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.RecordStep(&request.StepRecord{RunID: run.ID, Index: i, Method: "GET", URL: "http://x"})
		}(i)
	}
	wg.Wait()
	steps, _ := store.GetSteps(run.ID)
	if len(steps) != 20 {
		t.Fatalf("expected 20 steps, got %d", len(steps))
	}
}

package query

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gseismic/qtask-nano/internal/backend"
	"github.com/gseismic/qtask-nano/internal/queue"
	"github.com/gseismic/qtask-nano/internal/task"
)

var queryTestSeq int

func openTestQueue(t *testing.T) *queue.TaskQueue {
	t.Helper()
	queryTestSeq++
	q, err := queue.Open(context.Background(), queue.Config{
		Namespace:     "test",
		URI:           fmt.Sprintf("sqlite://file:query_test_%d?mode=memory&cache=shared", queryTestSeq),
		SweepInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// seedLifecycle enqueues four tasks and drives one to each status.
func seedLifecycle(t *testing.T, q *queue.TaskQueue) (todo, doing, done, failed *task.Record) {
	t.Helper()
	ctx := context.Background()
	todo = task.New("alpha", map[string]any{"i": float64(0)})
	doing = task.New("beta", map[string]any{"i": float64(1)})
	done = task.New("beta", map[string]any{"i": float64(2)})
	failed = task.New("gamma", map[string]any{"i": float64(3)})

	// claim order is FIFO, so enqueue the ones to be driven first
	for _, rec := range []*task.Record{doing, done, failed, todo} {
		if err := q.AddTask(ctx, rec); err != nil {
			t.Fatalf("AddTask: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := q.GetTask(ctx, "", "w1"); err != nil {
			t.Fatalf("GetTask: %v", err)
		}
	}
	if err := q.CompleteTask(ctx, done.TaskID); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := q.FailTask(ctx, failed.TaskID, "boom"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	return todo, doing, done, failed
}

func TestQueueStats(t *testing.T) {
	q := openTestQueue(t)
	seedLifecycle(t, q)

	report := New(q).QueueStats(context.Background())
	if report.Err != "" {
		t.Fatalf("unexpected error: %s", report.Err)
	}
	if report.Namespace != "test" {
		t.Fatalf("unexpected namespace %q", report.Namespace)
	}
	if report.Todo != 1 || report.Doing != 1 || report.Done != 1 || report.Error != 1 || report.Total != 4 {
		t.Fatalf("unexpected counts: %+v", report)
	}
}

func TestQueueStats_BackendDownDegrades(t *testing.T) {
	q := openTestQueue(t)
	_ = q.Close()

	report := New(q).QueueStats(context.Background())
	if report.Err == "" {
		t.Fatal("closed backend should surface inside the report")
	}
	if report.Total != 0 {
		t.Fatalf("error report should carry zero counts: %+v", report)
	}
}

func TestTasksByStatus(t *testing.T) {
	q := openTestQueue(t)
	_, _, done, _ := seedLifecycle(t, q)
	e := New(q)

	records, err := e.TasksByStatus(context.Background(), task.StatusDone, 10)
	if err != nil {
		t.Fatalf("TasksByStatus: %v", err)
	}
	if len(records) != 1 || records[0].TaskID != done.TaskID {
		t.Fatalf("unexpected records: %#v", records)
	}

	if _, err := e.TasksByStatus(context.Background(), "pending", 10); err == nil {
		t.Fatal("want error for unknown status")
	}
}

func TestSearch(t *testing.T) {
	q := openTestQueue(t)
	todo, doing, done, failed := seedLifecycle(t, q)
	e := New(q)
	ctx := context.Background()

	byType, err := e.Search(ctx, Filters{TaskType: "beta"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byType) != 2 {
		t.Fatalf("want both beta tasks, got %d", len(byType))
	}
	for _, rec := range byType {
		if rec.TaskID != doing.TaskID && rec.TaskID != done.TaskID {
			t.Fatalf("unexpected match: %s", rec.TaskID)
		}
	}

	byStatus, err := e.Search(ctx, Filters{Status: task.StatusError})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].TaskID != failed.TaskID {
		t.Fatalf("unexpected match: %#v", byStatus)
	}

	none, err := e.Search(ctx, Filters{TaskType: "beta", Status: task.StatusTodo})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("combined filters should exclude everything: %#v", none)
	}

	recent, err := e.Search(ctx, Filters{CreatedAfter: todo.CreatedAt.Add(-time.Millisecond), TaskType: "alpha"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("time window should include the alpha task: %#v", recent)
	}
	old, err := e.Search(ctx, Filters{CreatedBefore: todo.CreatedAt.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("hour-old window should match nothing: %#v", old)
	}

	if _, err := e.Search(ctx, Filters{Status: "bogus"}); err == nil {
		t.Fatal("want error for invalid status filter")
	}

	limited, err := e.Search(ctx, Filters{Limit: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit not applied: %d", len(limited))
	}
}

func TestHealth(t *testing.T) {
	q := openTestQueue(t)
	e := New(q)
	ctx := context.Background()

	report := e.Health(ctx)
	if !report.IsHealthy {
		t.Fatalf("empty queue is still healthy: %+v", report)
	}
	foundEmpty := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "empty") {
			foundEmpty = true
		}
	}
	if !foundEmpty {
		t.Fatalf("want empty-queue warning: %v", report.Warnings)
	}

	seedLifecycle(t, q)
	report = e.Health(ctx)
	if !report.IsHealthy {
		t.Fatalf("small backlog should be healthy: %+v", report)
	}
	// 1 error vs 1 done is a high error ratio
	foundRatio := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "error ratio") {
			foundRatio = true
		}
	}
	if !foundRatio {
		t.Fatalf("want error-ratio warning: %v", report.Warnings)
	}
}

func TestHealth_StuckDoingTask(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	if err := q.AddTask(ctx, task.New("slow", nil)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := q.GetTask(ctx, "", "w1"); err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	e := New(q)
	e.StuckAfter = 10 * time.Millisecond
	report := e.Health(ctx)
	if report.IsHealthy {
		t.Fatalf("stuck doing task should flip health: %+v", report)
	}
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "stuck") {
			found = true
		}
	}
	if !found {
		t.Fatalf("want stuck warning: %v", report.Warnings)
	}
}

func TestHealth_StuckThresholdResolution(t *testing.T) {
	doingWindow := 15 * time.Minute
	q := queue.NewWithBackend("test", backend.Retention{task.StatusDoing: doingWindow}, nil)

	e := New(q)
	if got := e.stuckThreshold(); got != doingWindow {
		t.Fatalf("doing retention should drive the default: want %s got %s", doingWindow, got)
	}
	e.StuckAfter = time.Hour
	if got := e.stuckThreshold(); got != time.Hour {
		t.Fatalf("explicit StuckAfter should win over retention: got %s", got)
	}

	bare := New(queue.NewWithBackend("test", nil, nil))
	if got := bare.stuckThreshold(); got != DefaultStuckAfter {
		t.Fatalf("want %s fallback without retention, got %s", DefaultStuckAfter, got)
	}
}

func TestHealth_BacklogThreshold(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.AddTask(ctx, task.New("job", map[string]any{"i": float64(i)})); err != nil {
			t.Fatalf("AddTask: %v", err)
		}
		if _, err := q.GetTask(ctx, "", "w1"); err != nil {
			t.Fatalf("GetTask: %v", err)
		}
	}

	e := New(q)
	e.DoingBacklog = 2
	e.StuckAfter = time.Hour
	report := e.Health(ctx)
	if report.IsHealthy {
		t.Fatalf("backlog over threshold should flip health: %+v", report)
	}
}

func TestExport_JSON(t *testing.T) {
	q := openTestQueue(t)
	seedLifecycle(t, q)

	path := filepath.Join(t.TempDir(), "out.json")
	got, err := New(q).Export(context.Background(), "", "json", path)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if got != path {
		t.Fatalf("want path %s, got %s", path, got)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var records []*task.Record
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("export not valid json: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("want all 4 records exported, got %d", len(records))
	}
}

func TestExport_CSVSingleStatus(t *testing.T) {
	q := openTestQueue(t)
	_, _, _, failed := seedLifecycle(t, q)

	path := filepath.Join(t.TempDir(), "errors.csv")
	if _, err := New(q).Export(context.Background(), task.StatusError, "csv", path); err != nil {
		t.Fatalf("Export: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("want header plus one row, got %d", len(rows))
	}
	if rows[1][0] != failed.TaskID || rows[1][2] != "error" {
		t.Fatalf("unexpected row: %v", rows[1])
	}
}

func TestExport_Invalid(t *testing.T) {
	q := openTestQueue(t)
	e := New(q)
	ctx := context.Background()

	if _, err := e.Export(ctx, "nope", "json", ""); err == nil {
		t.Fatal("want error for invalid status")
	}
	if _, err := e.Export(ctx, "", "xml", filepath.Join(t.TempDir(), "x")); err == nil {
		t.Fatal("want error for unsupported format")
	}
}

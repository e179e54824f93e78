package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gseismic/qtask-nano/internal/backend"
	"github.com/gseismic/qtask-nano/internal/task"
)

var queueTestSeq int

func openTestQueue(t *testing.T, cfg Config) *TaskQueue {
	t.Helper()
	queueTestSeq++
	if cfg.Namespace == "" {
		cfg.Namespace = "test"
	}
	cfg.URI = fmt.Sprintf("sqlite://file:queue_test_%d?mode=memory&cache=shared", queueTestSeq)
	cfg.SweepInterval = time.Hour
	q, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestOpen_RequiresNamespace(t *testing.T) {
	if _, err := Open(context.Background(), Config{URI: "sqlite://file:x?mode=memory"}); err == nil {
		t.Fatal("want error for missing namespace")
	}
}

func TestOpen_UnknownScheme(t *testing.T) {
	if _, err := Open(context.Background(), Config{Namespace: "x", URI: "bolt://nowhere"}); err == nil {
		t.Fatal("want error for unsupported scheme")
	}
}

func TestTaskQueue_AddAndGet(t *testing.T) {
	q := openTestQueue(t, Config{})
	ctx := context.Background()

	rec := task.New("fetch", map[string]any{"page": float64(1)})
	if err := q.AddTask(ctx, rec); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	got, err := q.GetTask(ctx, "", "w1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got == nil || got.TaskID != rec.TaskID {
		t.Fatalf("unexpected claim: %#v", got)
	}
	if got.Status != task.StatusDoing {
		t.Fatalf("want doing, got %s", got.Status)
	}

	// drained queue yields nil, not an error
	got, err = q.GetTask(ctx, "", "w1")
	if err != nil {
		t.Fatalf("GetTask on empty: %v", err)
	}
	if got != nil {
		t.Fatalf("want nil on empty queue, got %#v", got)
	}
}

func TestTaskQueue_NilTaskIgnored(t *testing.T) {
	q := openTestQueue(t, Config{})
	ctx := context.Background()

	if err := q.AddTask(ctx, nil); err != nil {
		t.Fatalf("nil task should be skipped, got %v", err)
	}
	counts, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if counts.Total() != 0 {
		t.Fatalf("nil task was stored: %+v", counts)
	}
}

func TestTaskQueue_AddTasksBatch(t *testing.T) {
	q := openTestQueue(t, Config{})
	ctx := context.Background()

	recs := []*task.Record{
		task.New("a", nil),
		task.New("b", nil),
		task.New("a", nil),
	}
	if err := q.AddTasks(ctx, recs); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}
	counts, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if counts.Todo != 3 {
		t.Fatalf("want 3 todo, got %+v", counts)
	}
}

func TestTaskQueue_CompleteAndFail(t *testing.T) {
	q := openTestQueue(t, Config{})
	ctx := context.Background()

	ok := task.New("job", nil)
	bad := task.New("job", nil)
	if err := q.AddTasks(ctx, []*task.Record{ok, bad}); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := q.GetTask(ctx, "job", "w1"); err != nil {
			t.Fatalf("GetTask: %v", err)
		}
	}
	if err := q.CompleteTask(ctx, ok.TaskID); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := q.FailTask(ctx, bad.TaskID, "exploded"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	counts, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if counts.Done != 1 || counts.Error != 1 || counts.Doing != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	failed, err := q.GetTasksByStatus(ctx, task.StatusError, 10)
	if err != nil {
		t.Fatalf("GetTasksByStatus: %v", err)
	}
	if len(failed) != 1 || failed[0].ErrorInfo != "exploded" {
		t.Fatalf("unexpected error records: %#v", failed)
	}
}

func TestTaskQueue_GetDoingWithDuration(t *testing.T) {
	q := openTestQueue(t, Config{})
	ctx := context.Background()

	if err := q.AddTask(ctx, task.New("slow", nil)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	claimed, err := q.GetTask(ctx, "", "w1")
	if err != nil || claimed == nil {
		t.Fatalf("GetTask: %v %#v", err, claimed)
	}
	time.Sleep(20 * time.Millisecond)

	doing, err := q.GetDoingWithDuration(ctx)
	if err != nil {
		t.Fatalf("GetDoingWithDuration: %v", err)
	}
	if len(doing) != 1 {
		t.Fatalf("want 1 doing task, got %d", len(doing))
	}
	if doing[0].TaskID != claimed.TaskID {
		t.Fatalf("unexpected doing task: %s", doing[0].TaskID)
	}
	if doing[0].Elapsed < 20*time.Millisecond {
		t.Fatalf("elapsed too small: %s", doing[0].Elapsed)
	}
}

func TestTaskQueue_RequeueTask(t *testing.T) {
	q := openTestQueue(t, Config{})
	ctx := context.Background()

	rec := task.New("job", nil)
	if err := q.AddTask(ctx, rec); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := q.GetTask(ctx, "", "w1"); err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if err := q.RequeueTask(ctx, rec.TaskID); err != nil {
		t.Fatalf("RequeueTask: %v", err)
	}
	got, err := q.GetTask(ctx, "", "w2")
	if err != nil || got == nil {
		t.Fatalf("re-claim after requeue: %v %#v", err, got)
	}
	if got.TaskID != rec.TaskID {
		t.Fatalf("unexpected task: %s", got.TaskID)
	}
}

func TestTaskQueue_RequeueTimedOut(t *testing.T) {
	q := openTestQueue(t, Config{})
	ctx := context.Background()

	if err := q.AddTask(ctx, task.New("job", nil)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := q.GetTask(ctx, "", "w1"); err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	n, err := q.RequeueTimedOut(ctx, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("RequeueTimedOut: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 requeued, got %d", n)
	}
}

func TestTaskQueue_RetentionAccessor(t *testing.T) {
	q := openTestQueue(t, Config{
		KeyExpire: map[task.Status]time.Duration{task.StatusDone: time.Hour},
	})
	if got := q.Retention().TTL(task.StatusDone); got != time.Hour {
		t.Fatalf("want 1h done retention, got %s", got)
	}
	if got := q.Retention().TTL(task.StatusTodo); got != 0 {
		t.Fatalf("unset status should have zero window, got %s", got)
	}
	if q.Namespace() != "test" {
		t.Fatalf("unexpected namespace %q", q.Namespace())
	}
}

func TestNewWithBackend(t *testing.T) {
	ctx := context.Background()
	queueTestSeq++
	store, err := backend.Open(ctx, "direct",
		fmt.Sprintf("sqlite://file:queue_test_%d?mode=memory&cache=shared", queueTestSeq),
		nil, backend.Options{SweepInterval: time.Hour})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer store.Close()

	q := NewWithBackend("direct", nil, store)
	if err := q.AddTask(ctx, task.New("job", nil)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	counts, err := q.GetStats(ctx)
	if err != nil || counts.Todo != 1 {
		t.Fatalf("unexpected counts: %+v err=%v", counts, err)
	}
}

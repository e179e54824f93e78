package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gseismic/qtask-nano/internal/task"
)

func TestHybridV1_PublishesResultToBoundQueue(t *testing.T) {
	ctx := context.Background()
	work := openTestQueue(t, "work")
	results := openTestQueue(t, "results")

	h := NewHybridV1(work, "h1", testOptions())
	h.RegisterWithResult("fetch", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"rows": float64(42)}, nil
	}, 1, results, "store")

	rec := task.New("fetch", map[string]any{"page": float64(1)})
	if err := work.AddTask(ctx, rec); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	pollUntil(t, 3*time.Second, func() (bool, error) {
		counts, err := results.GetStats(ctx)
		if err != nil {
			return false, err
		}
		return counts.Todo == 1, nil
	})
	h.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	counts, err := work.GetStats(ctx)
	if err != nil || counts.Done != 1 {
		t.Fatalf("source task not completed: %+v err=%v", counts, err)
	}
	out, err := results.GetTasksByStatus(ctx, task.StatusTodo, 10)
	if err != nil {
		t.Fatalf("GetTasksByStatus: %v", err)
	}
	if len(out) != 1 || out[0].TaskType != "store" {
		t.Fatalf("unexpected result task: %#v", out)
	}
	if out[0].Params["rows"] != float64(42) {
		t.Fatalf("result not wrapped verbatim: %#v", out[0].Params)
	}
}

func TestHybridV1_NilResultSkipsPublish(t *testing.T) {
	ctx := context.Background()
	work := openTestQueue(t, "work")
	results := openTestQueue(t, "results")

	h := NewHybridV1(work, "h1", testOptions())
	h.RegisterWithResult("quiet", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	}, 1, results, "store")

	if err := work.AddTask(ctx, task.New("quiet", nil)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	pollUntil(t, 3*time.Second, func() (bool, error) {
		counts, err := work.GetStats(ctx)
		if err != nil {
			return false, err
		}
		return counts.Done == 1, nil
	})
	h.Stop()
	<-done

	counts, err := results.GetStats(ctx)
	if err != nil || counts.Total() != 0 {
		t.Fatalf("nil result must not publish: %+v err=%v", counts, err)
	}
}

func TestHybridV2_CallbackFanOut(t *testing.T) {
	ctx := context.Background()
	work := openTestQueue(t, "work")
	audit := openTestQueue(t, "audit")

	h := NewHybridV2(work, "h2", testOptions())
	h.RegisterWithCallback("ingest", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"count": float64(2)}, nil
	}, 1, func(ev CompletionEvent) ([]FollowUp, error) {
		return []FollowUp{
			{Record: task.New("summarize", ev.Result)},           // same queue
			{Queue: audit, Record: task.New("audit", ev.Result)}, // cross queue
		}, nil
	})

	if err := work.AddTask(ctx, task.New("ingest", nil)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	pollUntil(t, 3*time.Second, func() (bool, error) {
		workCounts, err := work.GetStats(ctx)
		if err != nil {
			return false, err
		}
		auditCounts, err := audit.GetStats(ctx)
		if err != nil {
			return false, err
		}
		return workCounts.Done == 1 && workCounts.Todo >= 1 && auditCounts.Todo == 1, nil
	})
	h.Stop()
	<-done

	followUps, err := work.GetTasksByStatus(ctx, task.StatusTodo, 10)
	if err != nil {
		t.Fatalf("GetTasksByStatus: %v", err)
	}
	found := false
	for _, f := range followUps {
		if f.TaskType == "summarize" {
			found = true
		}
	}
	if !found {
		t.Fatalf("nil-queue follow-up should land on the source queue: %#v", followUps)
	}
}

func TestHybridV2_CallbackErrorDoesNotUndoCompletion(t *testing.T) {
	ctx := context.Background()
	work := openTestQueue(t, "work")

	h := NewHybridV2(work, "h2", testOptions())
	h.RegisterWithCallback("job", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}, 1, func(ev CompletionEvent) ([]FollowUp, error) {
		return nil, errors.New("downstream rejected")
	})

	rec := task.New("job", nil)
	if err := work.AddTask(ctx, rec); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	pollUntil(t, 3*time.Second, func() (bool, error) {
		counts, err := work.GetStats(ctx)
		if err != nil {
			return false, err
		}
		return counts.Done == 1, nil
	})
	h.Stop()
	<-done

	meta, err := work.GetMetadata(ctx, rec.TaskID)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Status != task.StatusDone {
		t.Fatalf("callback failure must not roll back completion: %s", meta.Status)
	}
}

func TestHybridV3_PipelineChainsOnSameQueue(t *testing.T) {
	ctx := context.Background()
	work := openTestQueue(t, "pipeline")

	h := NewHybridV3(work, "h3", testOptions())
	h.Register("extract", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"payload": "raw"}, nil
	}, 1)
	h.Register("load", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	}, 1)
	h.RegisterProcessor("extract", func(ev CompletionEvent) *task.Record {
		return task.New("load", ev.Result)
	})

	if err := work.AddTask(ctx, task.New("extract", nil)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	// both stages complete: extract, then the derived load task
	pollUntil(t, 3*time.Second, func() (bool, error) {
		counts, err := work.GetStats(ctx)
		if err != nil {
			return false, err
		}
		return counts.Done == 2 && counts.Todo == 0, nil
	})
	h.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestHybridV3_ProcessorPanicIsolated(t *testing.T) {
	ctx := context.Background()
	work := openTestQueue(t, "pipeline")

	h := NewHybridV3(work, "h3", testOptions())
	h.Register("step", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}, 1)
	h.RegisterProcessor("step", func(ev CompletionEvent) *task.Record {
		panic("processor bug")
	})

	rec := task.New("step", nil)
	if err := work.AddTask(ctx, rec); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	pollUntil(t, 3*time.Second, func() (bool, error) {
		counts, err := work.GetStats(ctx)
		if err != nil {
			return false, err
		}
		return counts.Done == 1, nil
	})
	h.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

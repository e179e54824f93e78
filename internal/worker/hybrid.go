package worker

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/gseismic/qtask-nano/internal/queue"
	"github.com/gseismic/qtask-nano/internal/task"
)

// CompletionEvent is handed to result-propagation hooks after a task's
// completion has been committed.
type CompletionEvent struct {
	Task   *task.Record
	Result map[string]any
}

// FollowUp is one record to enqueue as a consequence of a completion.
// A nil Queue targets the queue the worker consumes from.
type FollowUp struct {
	Queue  *queue.TaskQueue
	Record *task.Record
}

// CompletionFunc turns a completion into zero or more follow-up records.
// Keeping it a pure value-in/values-out function keeps side effects out of
// the loop's control flow.
type CompletionFunc func(ev CompletionEvent) ([]FollowUp, error)

// ProcessorFunc optionally derives one follow-up record from a completion.
type ProcessorFunc func(ev CompletionEvent) *task.Record

// Follow-up dispatch in every hybrid variant is independent of the already
// committed completion: a hook failure is logged, never rolled back, and
// delivery is at-least-once.

// HybridV1 propagates results through static bindings: each input type is
// fixed at registration to a (result queue, result type) pair, and the
// handler's return value is wrapped verbatim into the follow-up record.
type HybridV1 struct {
	*ConsumerWorker
	bindings map[string]resultBinding
}

type resultBinding struct {
	queue    *queue.TaskQueue
	taskType string
}

// NewHybridV1 creates a hybrid worker with static result bindings.
func NewHybridV1(q *queue.TaskQueue, workerID string, opts Options) *HybridV1 {
	h := &HybridV1{
		ConsumerWorker: NewConsumer(q, workerID, opts),
		bindings:       make(map[string]resultBinding),
	}
	h.afterComplete = h.publish
	return h
}

// RegisterWithResult binds a handler whose results fan out to resultQueue
// as records of resultType. A nil resultQueue disables propagation for
// this type.
func (h *HybridV1) RegisterWithResult(taskType string, handler Handler, weight float64, resultQueue *queue.TaskQueue, resultType string) {
	h.Register(taskType, handler, weight)
	if resultQueue != nil && resultType != "" {
		h.bindings[taskType] = resultBinding{queue: resultQueue, taskType: resultType}
	}
}

func (h *HybridV1) publish(ctx context.Context, rec *task.Record, result map[string]any) {
	binding, ok := h.bindings[rec.TaskType]
	if !ok || result == nil {
		return
	}
	follow := task.New(binding.taskType, result)
	if err := binding.queue.AddTask(ctx, follow); err != nil {
		log.Error().Str("worker_id", h.id).Str("task_id", rec.TaskID).Err(err).Msg("publish result task failed")
		return
	}
	log.Info().Str("worker_id", h.id).Str("task_id", rec.TaskID).Str("result_task_id", follow.TaskID).Msg("published result task")
}

// HybridV2 propagates results through per-type completion callbacks that
// may enqueue any number of follow-up tasks to any queue, or none.
type HybridV2 struct {
	*ConsumerWorker
	callbacks map[string]CompletionFunc
}

// NewHybridV2 creates a hybrid worker with completion callbacks.
func NewHybridV2(q *queue.TaskQueue, workerID string, opts Options) *HybridV2 {
	h := &HybridV2{
		ConsumerWorker: NewConsumer(q, workerID, opts),
		callbacks:      make(map[string]CompletionFunc),
	}
	h.afterComplete = h.dispatch
	return h
}

// RegisterWithCallback binds a handler and a completion callback for one
// task type. A nil callback behaves like plain consumption.
func (h *HybridV2) RegisterWithCallback(taskType string, handler Handler, weight float64, callback CompletionFunc) {
	h.Register(taskType, handler, weight)
	if callback != nil {
		h.callbacks[taskType] = callback
	}
}

func (h *HybridV2) dispatch(ctx context.Context, rec *task.Record, result map[string]any) {
	callback, ok := h.callbacks[rec.TaskType]
	if !ok {
		return
	}
	followUps, err := callback(CompletionEvent{Task: rec, Result: result})
	if err != nil {
		log.Error().Str("worker_id", h.id).Str("task_id", rec.TaskID).Err(err).Msg("completion callback failed")
		return
	}
	for _, f := range followUps {
		target := f.Queue
		if target == nil {
			target = h.queue
		}
		if err := target.AddTask(ctx, f.Record); err != nil {
			log.Error().Str("worker_id", h.id).Str("task_id", rec.TaskID).Err(err).Msg("enqueue follow-up failed")
		}
	}
}

// HybridV3 propagates results through a processor registry: each type may
// map to a processor returning an optional record enqueued on the same
// queue the worker reads from, forming a single-queue pipeline.
type HybridV3 struct {
	*ConsumerWorker
	processors map[string]ProcessorFunc
}

// NewHybridV3 creates a hybrid worker with a result-processor registry.
func NewHybridV3(q *queue.TaskQueue, workerID string, opts Options) *HybridV3 {
	h := &HybridV3{
		ConsumerWorker: NewConsumer(q, workerID, opts),
		processors:     make(map[string]ProcessorFunc),
	}
	h.afterComplete = h.pipeline
	return h
}

// RegisterProcessor maps a task type to a result processor.
func (h *HybridV3) RegisterProcessor(taskType string, processor ProcessorFunc) {
	h.processors[taskType] = processor
	log.Info().Str("worker_id", h.id).Str("task_type", taskType).Msg("registered result processor")
}

func (h *HybridV3) pipeline(ctx context.Context, rec *task.Record, result map[string]any) {
	processor, ok := h.processors[rec.TaskType]
	if !ok {
		return
	}
	follow := safeProcess(processor, CompletionEvent{Task: rec, Result: result})
	if follow == nil {
		return
	}
	if err := h.queue.AddTask(ctx, follow); err != nil {
		log.Error().Str("worker_id", h.id).Str("task_id", rec.TaskID).Err(err).Msg("enqueue pipeline task failed")
	}
}

func safeProcess(p ProcessorFunc, ev CompletionEvent) (rec *task.Record) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task_id", ev.Task.TaskID).Interface("panic", r).Msg("result processor panicked")
			rec = nil
		}
	}()
	return p(ev)
}

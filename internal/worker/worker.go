// Package worker implements the poll/claim/execute/terminate loop and its
// specializations: pure consumers, periodic producers, and hybrid workers
// that propagate results into follow-up tasks.
//
// Every worker runs one single-threaded loop; scale-out is many processes
// racing for claims against the same namespace, with exclusivity enforced
// by the backend, never here. A handler blocks its loop for its full
// duration. Per-task failures (handler errors, panics, unroutable types)
// are recorded on the task and never terminate the loop.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gseismic/qtask-nano/internal/queue"
	"github.com/gseismic/qtask-nano/internal/task"
)

// Handler executes one task. A non-nil error marks the task as status
// error with the error text preserved verbatim.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// State is the worker loop's observable state.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateExecuting
	StateCommitting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateExecuting:
		return "executing"
	case StateCommitting:
		return "committing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options tunes the base loop.
type Options struct {
	// PollInterval bounds the sleep between empty polls. Default 1s.
	PollInterval time.Duration

	// RequeueOnStop requeues a task that was claimed but not yet started
	// when the stop signal arrives, instead of executing it. A task whose
	// handler is already running always drains to completion.
	RequeueOnStop bool
}

type registration struct {
	handler Handler
	weight  float64
}

// Worker is the base poll/claim/execute/terminate loop with weighted
// multi-type dispatch. Register all handlers before Run; the dispatch
// table is frozen when the loop starts.
type Worker struct {
	queue    *queue.TaskQueue
	id       string
	opts     Options
	handlers map[string]registration

	state atomic.Int32
	stop  chan struct{}
	once  sync.Once

	// afterComplete is the hybrid post-completion hook. Its errors are
	// isolated: the task's completion is already committed.
	afterComplete func(ctx context.Context, rec *task.Record, result map[string]any)
}

// New creates a worker bound to a queue. An empty workerID gets a
// generated one.
func New(q *queue.TaskQueue, workerID string, opts Options) *Worker {
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Worker{
		queue:    q,
		id:       workerID,
		opts:     opts,
		handlers: make(map[string]registration),
		stop:     make(chan struct{}),
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.id }

// State returns the loop's current state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Register binds a handler to a task type with a scheduling weight.
// Registering a type twice overwrites the earlier handler.
func (w *Worker) Register(taskType string, handler Handler, weight float64) {
	if _, dup := w.handlers[taskType]; dup {
		log.Warn().Str("worker_id", w.id).Str("task_type", taskType).Msg("handler already registered, overwriting")
	}
	w.handlers[taskType] = registration{handler: handler, weight: weight}
	log.Info().Str("worker_id", w.id).Str("task_type", taskType).Float64("weight", weight).Msg("registered handler")
}

// Stop asks the loop to shut down: no new claims, the in-flight task
// drains, then the loop reaches StateStopped.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-w.stop:
		return true
	default:
		return false
	}
}

// Run drives the loop until Stop or context cancellation. It returns nil
// on a clean shutdown; per-task failures never surface here.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("worker %s: no handlers registered", w.id)
	}
	weights := make(map[string]float64, len(w.handlers))
	for typ, reg := range w.handlers {
		weights[typ] = reg.weight
	}
	sched := newFairQueue(weights)

	log.Info().Str("worker_id", w.id).Int("task_types", len(w.handlers)).Msg("worker started")
	defer func() {
		w.state.Store(int32(StateStopped))
		log.Info().Str("worker_id", w.id).Msg("worker stopped")
	}()

	for {
		if w.stopping(ctx) {
			return nil
		}
		w.state.Store(int32(StatePolling))
		rec, err := w.poll(ctx, sched)
		if err != nil {
			// systemic backend trouble on the claim path: log, back off, retry
			log.Error().Str("worker_id", w.id).Err(err).Msg("claim failed")
			rec = nil
		}
		if rec == nil {
			w.state.Store(int32(StateIdle))
			select {
			case <-ctx.Done():
				return nil
			case <-w.stop:
				return nil
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}
		if w.opts.RequeueOnStop && w.stopping(ctx) {
			// claimed but not started; hand it back instead of executing
			if err := w.queue.RequeueTask(ctx, rec.TaskID); err != nil {
				log.Error().Str("worker_id", w.id).Str("task_id", rec.TaskID).Err(err).Msg("requeue on stop failed")
			} else {
				log.Info().Str("worker_id", w.id).Str("task_id", rec.TaskID).Msg("requeued in-flight task on stop")
			}
			return nil
		}
		sched.Charge(rec.TaskType)
		w.process(ctx, rec)
	}
}

// poll tries each registered type in fair-queue order and returns the
// first claim, or nil when every type is empty.
func (w *Worker) poll(ctx context.Context, sched *fairQueue) (*task.Record, error) {
	for _, typ := range sched.Order() {
		rec, err := w.queue.GetTask(ctx, typ, w.id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}

func (w *Worker) process(ctx context.Context, rec *task.Record) {
	w.state.Store(int32(StateExecuting))
	start := time.Now()
	log.Info().Str("worker_id", w.id).Str("task_id", rec.TaskID).Str("task_type", rec.TaskType).Msg("processing task")

	reg, ok := w.handlers[rec.TaskType]
	if !ok {
		// routing error: fatal for this task only, recorded, never dropped
		w.state.Store(int32(StateCommitting))
		info := fmt.Sprintf("no handler registered for task type %q", rec.TaskType)
		log.Error().Str("worker_id", w.id).Str("task_id", rec.TaskID).Msg(info)
		if err := w.queue.FailTask(ctx, rec.TaskID, info); err != nil {
			log.Error().Str("task_id", rec.TaskID).Err(err).Msg("mark error failed")
		}
		return
	}

	result, err := invoke(ctx, reg.handler, rec.Params)
	w.state.Store(int32(StateCommitting))
	if err != nil {
		log.Error().Str("worker_id", w.id).Str("task_id", rec.TaskID).Err(err).Msg("task failed")
		if ferr := w.queue.FailTask(ctx, rec.TaskID, err.Error()); ferr != nil {
			log.Error().Str("task_id", rec.TaskID).Err(ferr).Msg("mark error failed")
		}
		return
	}
	if cerr := w.queue.CompleteTask(ctx, rec.TaskID); cerr != nil {
		log.Error().Str("task_id", rec.TaskID).Err(cerr).Msg("mark done failed")
		return
	}
	log.Info().Str("worker_id", w.id).Str("task_id", rec.TaskID).Dur("duration", time.Since(start)).Msg("task completed")

	if w.afterComplete != nil {
		// completion is committed; follow-up dispatch is an independent,
		// at-least-once operation
		w.afterComplete(ctx, rec, result)
	}
}

// invoke runs a handler with panic isolation.
func invoke(ctx context.Context, h Handler, params map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, params)
}

// Package queue exposes the task queue facade: one namespace bound to one
// storage backend and a per-status retention configuration. Producers and
// workers go through this type only; nothing outside internal/backend ever
// branches on which store is behind it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gseismic/qtask-nano/internal/backend"
	"github.com/gseismic/qtask-nano/internal/task"
)

// Config describes one queue. KeyExpire maps each status to its retention
// window in the backend; zero keeps records forever.
type Config struct {
	Namespace string
	URI       string
	KeyExpire map[task.Status]time.Duration

	// SweepInterval tunes the relational store's expiry sweep. Ignored by
	// the Redis store, which expires keys natively.
	SweepInterval time.Duration
}

// TaskQueue is the facade over a namespace's records.
type TaskQueue struct {
	namespace string
	retention backend.Retention
	store     backend.Backend
}

// Open connects the backend selected by the URI scheme. Unreachable
// backends fail here, immediately.
func Open(ctx context.Context, cfg Config) (*TaskQueue, error) {
	if cfg.Namespace == "" {
		return nil, errors.New("queue: namespace is required")
	}
	retention := backend.Retention(cfg.KeyExpire)
	store, err := backend.Open(ctx, cfg.Namespace, cfg.URI, retention, backend.Options{
		SweepInterval: cfg.SweepInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("queue %q: %w", cfg.Namespace, err)
	}
	return &TaskQueue{namespace: cfg.Namespace, retention: retention, store: store}, nil
}

// NewWithBackend binds a facade to an already-open backend. Mostly for tests.
func NewWithBackend(namespace string, retention backend.Retention, store backend.Backend) *TaskQueue {
	return &TaskQueue{namespace: namespace, retention: retention, store: store}
}

// Namespace returns the queue's namespace.
func (q *TaskQueue) Namespace() string { return q.namespace }

// Retention returns the per-status retention configuration.
func (q *TaskQueue) Retention() backend.Retention { return q.retention }

// AddTask enqueues one record as todo.
func (q *TaskQueue) AddTask(ctx context.Context, rec *task.Record) error {
	if rec == nil {
		log.Warn().Str("namespace", q.namespace).Msg("ignoring nil task")
		return nil
	}
	if err := q.store.Push(ctx, rec); err != nil {
		return err
	}
	log.Debug().Str("namespace", q.namespace).Str("task_id", rec.TaskID).Str("task_type", rec.TaskType).Msg("task added")
	return nil
}

// AddTasks enqueues records in order, stopping at the first failure.
func (q *TaskQueue) AddTasks(ctx context.Context, recs []*task.Record) error {
	for _, rec := range recs {
		if err := q.AddTask(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// GetTask atomically claims one todo record of the given type (any type
// when empty) and returns it as doing, or nil when nothing is pending.
// It never returns an already-claimed or terminal record.
func (q *TaskQueue) GetTask(ctx context.Context, typeFilter, workerID string) (*task.Record, error) {
	rec, err := q.store.Claim(ctx, typeFilter, workerID)
	if errors.Is(err, backend.ErrNoTask) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CompleteTask marks a doing record done.
func (q *TaskQueue) CompleteTask(ctx context.Context, taskID string) error {
	return q.store.Complete(ctx, taskID)
}

// FailTask marks a doing record as error, preserving errorInfo verbatim.
func (q *TaskQueue) FailTask(ctx context.Context, taskID, errorInfo string) error {
	return q.store.Fail(ctx, taskID, errorInfo)
}

// GetStats returns per-status counts.
func (q *TaskQueue) GetStats(ctx context.Context) (task.Counts, error) {
	return q.store.Stats(ctx)
}

// GetTasksByStatus returns up to limit records in the given status.
func (q *TaskQueue) GetTasksByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Record, error) {
	return q.store.ListByStatus(ctx, status, limit)
}

// GetMetadata returns one record by ID, backend.ErrNotFound once retention
// has purged it.
func (q *TaskQueue) GetMetadata(ctx context.Context, taskID string) (*task.Record, error) {
	return q.store.GetMetadata(ctx, taskID)
}

// DoingTask is a doing record plus its elapsed execution time.
type DoingTask struct {
	*task.Record
	Elapsed time.Duration `json:"elapsed_seconds"`
}

// GetDoingWithDuration returns doing records with elapsed = now - claimed_at,
// computed at read time and never persisted, so clock skew cannot
// accumulate in storage.
func (q *TaskQueue) GetDoingWithDuration(ctx context.Context) ([]DoingTask, error) {
	records, err := q.store.ListByStatus(ctx, task.StatusDoing, 0)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]DoingTask, 0, len(records))
	for _, rec := range records {
		d := DoingTask{Record: rec}
		if rec.ClaimedAt != nil {
			d.Elapsed = now.Sub(*rec.ClaimedAt)
		}
		out = append(out, d)
	}
	return out, nil
}

// RequeueTask moves one doing record back to todo, clearing its claim.
func (q *TaskQueue) RequeueTask(ctx context.Context, taskID string) error {
	return q.store.Requeue(ctx, taskID)
}

// RequeueTimedOut moves doing records claimed longer than olderThan ago
// back to todo. This is the explicit reaping hook; nothing calls it
// implicitly.
func (q *TaskQueue) RequeueTimedOut(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.store.RequeueExpiredDoing(ctx, olderThan)
}

// Close releases the backend connection.
func (q *TaskQueue) Close() error {
	return q.store.Close()
}

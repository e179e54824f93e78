// Package query is the read-only reporting layer over a task queue:
// stats, search, health checks, and exports. Read failures degrade to
// error-shaped results so reporting never takes a worker fleet down.
package query

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gseismic/qtask-nano/internal/queue"
	"github.com/gseismic/qtask-nano/internal/task"
)

// DefaultDoingBacklog is the doing-count threshold beyond which the queue
// is reported unhealthy.
const DefaultDoingBacklog = 100

// DefaultStuckAfter is the execution time beyond which a doing task is
// presumed stuck when neither StuckAfter nor a doing retention window is
// configured.
const DefaultStuckAfter = 30 * time.Minute

// Engine answers read-only questions about one queue.
type Engine struct {
	q *queue.TaskQueue

	// DoingBacklog overrides DefaultDoingBacklog when positive.
	DoingBacklog int

	// StuckAfter overrides the stuck threshold when positive. When zero
	// the queue's doing retention window applies, then DefaultStuckAfter.
	StuckAfter time.Duration
}

// stuckThreshold resolves the stuck cutoff: explicit StuckAfter first,
// then the doing retention window, then DefaultStuckAfter.
func (e *Engine) stuckThreshold() time.Duration {
	if e.StuckAfter > 0 {
		return e.StuckAfter
	}
	if ttl := e.q.Retention().TTL(task.StatusDoing); ttl > 0 {
		return ttl
	}
	return DefaultStuckAfter
}

// New creates an engine over a queue.
func New(q *queue.TaskQueue) *Engine {
	return &Engine{q: q}
}

// StatsReport is a point-in-time snapshot of per-status counts.
type StatsReport struct {
	Namespace string    `json:"namespace"`
	Timestamp time.Time `json:"timestamp"`
	task.Counts
	Total int    `json:"total_count"`
	Err   string `json:"error,omitempty"`
}

// QueueStats returns current counts. A backend hiccup is reported inside
// the result, not raised.
func (e *Engine) QueueStats(ctx context.Context) StatsReport {
	report := StatsReport{Namespace: e.q.Namespace(), Timestamp: time.Now().UTC()}
	counts, err := e.q.GetStats(ctx)
	if err != nil {
		log.Error().Str("namespace", e.q.Namespace()).Err(err).Msg("stats query failed")
		report.Err = err.Error()
		return report
	}
	report.Counts = counts
	report.Total = counts.Total()
	return report
}

// TasksByStatus returns up to limit records in one status.
func (e *Engine) TasksByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Record, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	return e.q.GetTasksByStatus(ctx, status, limit)
}

// Filters narrows a search. Zero values match everything.
type Filters struct {
	TaskType      string
	Status        task.Status
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}

// Search returns records matching the filters, newest terminal records
// first within each status.
func (e *Engine) Search(ctx context.Context, f Filters) ([]*task.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	statuses := task.Statuses
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, fmt.Errorf("invalid status %q", f.Status)
		}
		statuses = []task.Status{f.Status}
	}

	var matched []*task.Record
	for _, status := range statuses {
		records, err := e.q.GetTasksByStatus(ctx, status, limit)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if f.TaskType != "" && rec.TaskType != f.TaskType {
				continue
			}
			if !f.CreatedAfter.IsZero() && rec.CreatedAt.Before(f.CreatedAfter) {
				continue
			}
			if !f.CreatedBefore.IsZero() && rec.CreatedAt.After(f.CreatedBefore) {
				continue
			}
			matched = append(matched, rec)
			if len(matched) >= limit {
				return matched, nil
			}
		}
	}
	return matched, nil
}

// DoingWithDuration returns in-flight records with elapsed execution time.
func (e *Engine) DoingWithDuration(ctx context.Context) ([]queue.DoingTask, error) {
	return e.q.GetDoingWithDuration(ctx)
}

// HealthReport summarizes queue health.
type HealthReport struct {
	Namespace string      `json:"namespace"`
	Timestamp time.Time   `json:"timestamp"`
	IsHealthy bool        `json:"is_healthy"`
	Warnings  []string    `json:"warnings"`
	Stats     StatsReport `json:"stats"`
}

// Health reports unhealthy when the doing backlog exceeds the threshold or
// any doing task has been executing longer than StuckAfter. Other oddities
// surface as warnings only.
func (e *Engine) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Namespace: e.q.Namespace(),
		Timestamp: time.Now().UTC(),
		IsHealthy: true,
		Warnings:  []string{},
	}
	report.Stats = e.QueueStats(ctx)
	if report.Stats.Err != "" {
		report.IsHealthy = false
		report.Warnings = append(report.Warnings, "stats unavailable: "+report.Stats.Err)
		return report
	}

	backlog := e.DoingBacklog
	if backlog <= 0 {
		backlog = DefaultDoingBacklog
	}
	if report.Stats.Doing > backlog {
		report.IsHealthy = false
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d tasks in progress exceeds backlog threshold %d", report.Stats.Doing, backlog))
	}
	if report.Stats.Done > 0 && report.Stats.Error*10 > report.Stats.Done {
		report.Warnings = append(report.Warnings, fmt.Sprintf("high error ratio: %d errors vs %d done", report.Stats.Error, report.Stats.Done))
	}
	if report.Stats.Total == 0 {
		report.Warnings = append(report.Warnings, "queue is empty")
	}

	stuckAfter := e.stuckThreshold()
	if report.Stats.Doing > 0 {
		doing, err := e.q.GetDoingWithDuration(ctx)
		if err != nil {
			report.IsHealthy = false
			report.Warnings = append(report.Warnings, "doing query failed: "+err.Error())
			return report
		}
		stuck := 0
		for _, d := range doing {
			if d.Elapsed > stuckAfter {
				stuck++
			}
		}
		if stuck > 0 {
			report.IsHealthy = false
			report.Warnings = append(report.Warnings, fmt.Sprintf("%d doing tasks executing longer than %s (presumed stuck)", stuck, stuckAfter))
		}
	}
	return report
}

// Export writes records (all statuses, or just one) to path as json or
// csv and returns the path written. An empty path derives a timestamped
// file name.
func (e *Engine) Export(ctx context.Context, status task.Status, format, path string) (string, error) {
	var records []*task.Record
	if status != "" {
		if !status.Valid() {
			return "", fmt.Errorf("invalid status %q", status)
		}
		recs, err := e.q.GetTasksByStatus(ctx, status, 0)
		if err != nil {
			return "", err
		}
		records = recs
	} else {
		for _, st := range task.Statuses {
			recs, err := e.q.GetTasksByStatus(ctx, st, 0)
			if err != nil {
				return "", err
			}
			records = append(records, recs...)
		}
	}

	if path == "" {
		path = fmt.Sprintf("tasks_export_%s.%s", time.Now().Format("20060102_150405"), format)
	}
	switch format {
	case "json":
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("write export: %w", err)
		}
	case "csv":
		if err := writeCSV(path, records); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("unsupported export format %q", format)
	}
	log.Info().Str("namespace", e.q.Namespace()).Str("path", path).Int("tasks", len(records)).Msg("tasks exported")
	return path, nil
}

func writeCSV(path string, records []*task.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"task_id", "task_type", "status", "namespace", "created_at", "claimed_at", "finished_at", "worker_id", "error_info", "params"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, rec := range records {
		params, _ := json.Marshal(rec.Params)
		row := []string{
			rec.TaskID,
			rec.TaskType,
			string(rec.Status),
			rec.Namespace,
			strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10),
			formatOptTime(rec.ClaimedAt),
			formatOptTime(rec.FinishedAt),
			rec.WorkerID,
			rec.ErrorInfo,
			string(params),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatOptTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/gseismic/qtask-nano/internal/task"
)

type sqlDialect int

const (
	dialectSQLite sqlDialect = iota
	dialectPostgres
)

// Timestamps are stored as unix milliseconds so ordering and expiry cutoffs
// compare identically on both engines. seq is the deterministic tie-break
// for claims: relational read order is otherwise unspecified, and claim
// order must match the Redis store's FIFO-by-push behavior.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS qtask_tasks (
  seq            INTEGER PRIMARY KEY AUTOINCREMENT,
  namespace      TEXT NOT NULL,
  task_id        TEXT NOT NULL,
  task_type      TEXT NOT NULL,
  params         TEXT NOT NULL,
  status         TEXT NOT NULL CHECK(status IN ('todo','doing','done','error')),
  created_at_ms  BIGINT NOT NULL,
  claimed_at_ms  BIGINT,
  finished_at_ms BIGINT,
  worker_id      TEXT,
  error_info     TEXT,
  expire_at_ms   BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_qtask_ns_id ON qtask_tasks(namespace, task_id);
CREATE INDEX IF NOT EXISTS idx_qtask_ns_status ON qtask_tasks(namespace, status, created_at_ms);
CREATE INDEX IF NOT EXISTS idx_qtask_expire ON qtask_tasks(expire_at_ms);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS qtask_tasks (
  seq            BIGSERIAL PRIMARY KEY,
  namespace      TEXT NOT NULL,
  task_id        TEXT NOT NULL,
  task_type      TEXT NOT NULL,
  params         TEXT NOT NULL,
  status         TEXT NOT NULL CHECK(status IN ('todo','doing','done','error')),
  created_at_ms  BIGINT NOT NULL,
  claimed_at_ms  BIGINT,
  finished_at_ms BIGINT,
  worker_id      TEXT,
  error_info     TEXT,
  expire_at_ms   BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_qtask_ns_id ON qtask_tasks(namespace, task_id);
CREATE INDEX IF NOT EXISTS idx_qtask_ns_status ON qtask_tasks(namespace, status, created_at_ms);
CREATE INDEX IF NOT EXISTS idx_qtask_expire ON qtask_tasks(expire_at_ms);
`

type sqlBackend struct {
	db        *sql.DB
	dialect   sqlDialect
	namespace string
	retention Retention
	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

func openSQL(ctx context.Context, namespace string, dialect sqlDialect, uri string, retention Retention, opts Options) (Backend, error) {
	var driver, dsn, schema string
	switch dialect {
	case dialectSQLite:
		driver = "sqlite"
		dsn = strings.TrimPrefix(uri, "sqlite://")
		schema = sqliteSchema
	case dialectPostgres:
		driver = "pgx"
		dsn = uri
		schema = postgresSchema
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == dialectSQLite {
		// single writer, as SQLite wants
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("backend connect: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	b := &sqlBackend{
		db:        db,
		dialect:   dialect,
		namespace: namespace,
		retention: retention,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go b.sweepLoop(opts.SweepInterval)
	log.Info().Str("namespace", namespace).Str("driver", driver).Msg("sql backend ready")
	return b, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (b *sqlBackend) rebind(query string) string {
	if b.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *sqlBackend) expireAt(now time.Time, status task.Status) any {
	ttl := b.retention.TTL(status)
	if ttl <= 0 {
		return nil
	}
	return now.Add(ttl).UnixMilli()
}

const liveCond = "(expire_at_ms IS NULL OR expire_at_ms > ?)"

func (b *sqlBackend) Push(ctx context.Context, rec *task.Record) error {
	rec.Namespace = b.namespace
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	now := rec.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
		rec.CreatedAt = now
	}
	_, err = b.db.ExecContext(ctx, b.rebind(`
INSERT INTO qtask_tasks (namespace, task_id, task_type, params, status, created_at_ms, expire_at_ms)
VALUES (?, ?, ?, ?, 'todo', ?, ?)`),
		b.namespace, rec.TaskID, rec.TaskType, string(params), now.UnixMilli(), b.expireAt(now, task.StatusTodo))
	if err != nil {
		return fmt.Errorf("push task: %w", err)
	}
	return nil
}

const selectCols = "task_id, task_type, params, status, created_at_ms, claimed_at_ms, finished_at_ms, worker_id, error_info"

func (b *sqlBackend) Claim(ctx context.Context, typeFilter, workerID string) (*task.Record, error) {
	now := time.Now().UTC()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := "SELECT seq, " + selectCols + " FROM qtask_tasks WHERE namespace = ? AND status = 'todo' AND " + liveCond
	args := []any{b.namespace, now.UnixMilli()}
	if typeFilter != "" {
		query += " AND task_type = ?"
		args = append(args, typeFilter)
	}
	query += " ORDER BY created_at_ms ASC, seq ASC LIMIT 1"
	if b.dialect == dialectPostgres {
		query += " FOR UPDATE SKIP LOCKED"
	}

	var seq int64
	row := tx.QueryRowContext(ctx, b.rebind(query), args...)
	rec, err := scanRecord(row, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	_, err = tx.ExecContext(ctx, b.rebind(`
UPDATE qtask_tasks SET status = 'doing', claimed_at_ms = ?, worker_id = ?, expire_at_ms = ?
WHERE seq = ? AND status = 'todo'`),
		now.UnixMilli(), workerID, b.expireAt(now, task.StatusDoing), seq)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	rec.Namespace = b.namespace
	rec.Status = task.StatusDoing
	claimed := now
	rec.ClaimedAt = &claimed
	rec.WorkerID = workerID
	return rec, nil
}

func (b *sqlBackend) Complete(ctx context.Context, taskID string) error {
	return b.terminate(ctx, taskID, task.StatusDone, "")
}

func (b *sqlBackend) Fail(ctx context.Context, taskID, errorInfo string) error {
	return b.terminate(ctx, taskID, task.StatusError, errorInfo)
}

func (b *sqlBackend) terminate(ctx context.Context, taskID string, status task.Status, errorInfo string) error {
	now := time.Now().UTC()
	res, err := b.db.ExecContext(ctx, b.rebind(`
UPDATE qtask_tasks SET status = ?, finished_at_ms = ?, error_info = ?, expire_at_ms = ?
WHERE namespace = ? AND task_id = ? AND status = 'doing' AND `+liveCond),
		string(status), now.UnixMilli(), nullIfEmpty(errorInfo), b.expireAt(now, status),
		b.namespace, taskID, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("mark %s %q: %w", status, taskID, ErrNotFound)
	}
	return nil
}

func (b *sqlBackend) Requeue(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	res, err := b.db.ExecContext(ctx, b.rebind(`
UPDATE qtask_tasks SET status = 'todo', claimed_at_ms = NULL, worker_id = NULL, expire_at_ms = ?
WHERE namespace = ? AND task_id = ? AND status = 'doing' AND `+liveCond),
		b.expireAt(now, task.StatusTodo), b.namespace, taskID, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("requeue %q: %w", taskID, ErrNotFound)
	}
	return nil
}

func (b *sqlBackend) RequeueExpiredDoing(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan).UnixMilli()
	res, err := b.db.ExecContext(ctx, b.rebind(`
UPDATE qtask_tasks SET status = 'todo', claimed_at_ms = NULL, worker_id = NULL, expire_at_ms = ?
WHERE namespace = ? AND status = 'doing' AND claimed_at_ms <= ? AND `+liveCond),
		b.expireAt(now, task.StatusTodo), b.namespace, cutoff, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("requeue expired doing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Str("namespace", b.namespace).Int64("moved", n).Msg("requeued expired doing tasks")
	}
	return int(n), nil
}

func (b *sqlBackend) Stats(ctx context.Context) (task.Counts, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(
		"SELECT status, COUNT(*) FROM qtask_tasks WHERE namespace = ? AND "+liveCond+" GROUP BY status"),
		b.namespace, time.Now().UnixMilli())
	if err != nil {
		return task.Counts{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	var counts task.Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return task.Counts{}, fmt.Errorf("stats: %w", err)
		}
		switch task.Status(status) {
		case task.StatusTodo:
			counts.Todo = n
		case task.StatusDoing:
			counts.Doing = n
		case task.StatusDone:
			counts.Done = n
		case task.StatusError:
			counts.Error = n
		}
	}
	return counts, rows.Err()
}

func (b *sqlBackend) ListByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Record, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	if limit <= 0 {
		limit = 1 << 30 // unbounded
	}
	// pending records list in claim order, terminal ones most recent first
	order := "created_at_ms ASC, seq ASC"
	if status == task.StatusDone || status == task.StatusError {
		order = "created_at_ms DESC, seq DESC"
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(
		"SELECT seq, "+selectCols+" FROM qtask_tasks WHERE namespace = ? AND status = ? AND "+liveCond+
			" ORDER BY "+order+" LIMIT ?"),
		b.namespace, string(status), time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", status, err)
	}
	defer rows.Close()

	var records []*task.Record
	for rows.Next() {
		var seq int64
		rec, err := scanRecord(rows, &seq)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", status, err)
		}
		rec.Namespace = b.namespace
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (b *sqlBackend) GetMetadata(ctx context.Context, taskID string) (*task.Record, error) {
	var seq int64
	row := b.db.QueryRowContext(ctx, b.rebind(
		"SELECT seq, "+selectCols+" FROM qtask_tasks WHERE namespace = ? AND task_id = ? AND "+liveCond),
		b.namespace, taskID, time.Now().UnixMilli())
	rec, err := scanRecord(row, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	rec.Namespace = b.namespace
	return rec, nil
}

func (b *sqlBackend) sweepLoop(interval time.Duration) {
	defer close(b.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.sweepStop:
			return
		case <-ticker.C:
			if n, err := b.sweepExpired(context.Background()); err != nil {
				log.Error().Err(err).Msg("retention sweep failed")
			} else if n > 0 {
				log.Debug().Str("namespace", b.namespace).Int("removed", n).Msg("retention sweep")
			}
		}
	}
}

// sweepExpired deletes rows past their retention cutoff in bounded batches
// so the scan never holds locks long enough to contend with claims.
func (b *sqlBackend) sweepExpired(ctx context.Context) (int, error) {
	const batch = 500
	total := 0
	for {
		res, err := b.db.ExecContext(ctx, b.rebind(`
DELETE FROM qtask_tasks WHERE seq IN (
  SELECT seq FROM qtask_tasks
  WHERE namespace = ? AND expire_at_ms IS NOT NULL AND expire_at_ms <= ?
  LIMIT ?
)`), b.namespace, time.Now().UnixMilli(), batch)
		if err != nil {
			return total, fmt.Errorf("sweep expired: %w", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
		if n < batch {
			return total, nil
		}
	}
}

func (b *sqlBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.sweepStop)
		<-b.sweepDone
		err = b.db.Close()
	})
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, seq *int64) (*task.Record, error) {
	var (
		rec        task.Record
		status     string
		params     string
		createdMs  int64
		claimedMs  sql.NullInt64
		finishedMs sql.NullInt64
		workerID   sql.NullString
		errorInfo  sql.NullString
	)
	err := row.Scan(seq, &rec.TaskID, &rec.TaskType, &params, &status,
		&createdMs, &claimedMs, &finishedMs, &workerID, &errorInfo)
	if err != nil {
		return nil, err
	}
	rec.Status = task.Status(status)
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	if claimedMs.Valid {
		t := time.UnixMilli(claimedMs.Int64).UTC()
		rec.ClaimedAt = &t
	}
	if finishedMs.Valid {
		t := time.UnixMilli(finishedMs.Int64).UTC()
		rec.FinishedAt = &t
	}
	if workerID.Valid {
		rec.WorkerID = workerID.String
	}
	if errorInfo.Valid {
		rec.ErrorInfo = errorInfo.String
	}
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return &rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

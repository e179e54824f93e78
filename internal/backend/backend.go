// Package backend provides atomic persistence for task records behind a
// single interface with two implementations: a Redis list/set store and a
// relational store (PostgreSQL or SQLite).
//
// Claim atomicity is the central contract: two concurrent Claim calls
// against one namespace never return the same task. The Redis store moves a
// task ID from pending to in-progress inside one server-side script; the
// relational store does it in a row-locking transaction. Conflict
// resolution is always server-side, never in this package's callers.
//
// Each status carries an independent retention window. The Redis store
// expires records natively with per-key TTLs armed at every status
// transition; the relational store stamps an expire_at cutoff, filters it
// on every read, and deletes lapsed rows with a periodic sweep.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gseismic/qtask-nano/internal/task"
)

var (
	// ErrNoTask reports that a claim found nothing to hand out. Claim
	// conflicts are never surfaced; a loser simply observes ErrNoTask.
	ErrNoTask = errors.New("no task available")

	// ErrNotFound reports a missing record: never stored, already purged by
	// retention, or not in the status the operation requires.
	ErrNotFound = errors.New("task not found")
)

// Retention maps each status to its retention window. A zero or missing
// entry keeps records in that status forever.
type Retention map[task.Status]time.Duration

// TTL returns the window for a status, zero when unset.
func (r Retention) TTL(s task.Status) time.Duration {
	if r == nil {
		return 0
	}
	return r[s]
}

// Backend is the storage contract for one namespace.
type Backend interface {
	// Push stores a todo record.
	Push(ctx context.Context, rec *task.Record) error

	// Claim atomically moves one todo record to doing and returns it, or
	// ErrNoTask. An empty typeFilter claims across all task types.
	Claim(ctx context.Context, typeFilter, workerID string) (*task.Record, error)

	// Complete moves a doing record to done. ErrNotFound when the record is
	// not currently doing.
	Complete(ctx context.Context, taskID string) error

	// Fail moves a doing record to error, preserving errorInfo verbatim.
	Fail(ctx context.Context, taskID, errorInfo string) error

	// Requeue moves one doing record back to todo, clearing its claim.
	// ErrNotFound when the record is not currently doing.
	Requeue(ctx context.Context, taskID string) error

	// RequeueExpiredDoing moves doing records claimed longer than olderThan
	// ago back to todo and returns how many moved. This is an explicit
	// reaping operation; retention expiry alone never requeues.
	RequeueExpiredDoing(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns per-status counts for the namespace.
	Stats(ctx context.Context) (task.Counts, error)

	// ListByStatus returns up to limit records in the given status.
	ListByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Record, error)

	// GetMetadata returns a record regardless of status, or ErrNotFound
	// once retention has purged it.
	GetMetadata(ctx context.Context, taskID string) (*task.Record, error)

	Close() error
}

// Options tunes backend behavior that is not part of the storage contract.
type Options struct {
	// SweepInterval is how often the relational store deletes expired rows.
	// Zero selects the default; the Redis store ignores it.
	SweepInterval time.Duration
}

const defaultSweepInterval = time.Minute

// Open selects and connects a backend from the connection URI's scheme:
// redis:// for the list/set store, postgres:// (or postgresql://) and
// sqlite:// for the relational store. Only the scheme prefix is inspected
// here; the remainder goes to the driver untouched, so sqlite DSNs like
// sqlite://file:name?mode=memory&cache=shared pass through verbatim (a
// full URL parse would reject the file: form). An unreachable store or
// unknown scheme is a construction error, surfaced immediately and never
// retried.
func Open(ctx context.Context, namespace, uri string, retention Retention, opts Options) (Backend, error) {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return nil, fmt.Errorf("backend uri %q: missing scheme", uri)
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	switch scheme {
	case "redis", "rediss":
		return openRedis(ctx, namespace, uri, retention)
	case "postgres", "postgresql":
		return openSQL(ctx, namespace, dialectPostgres, uri, retention, opts)
	case "sqlite":
		return openSQL(ctx, namespace, dialectSQLite, uri, retention, opts)
	default:
		return nil, fmt.Errorf("unsupported backend scheme %q", scheme)
	}
}

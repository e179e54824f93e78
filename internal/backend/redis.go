package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gseismic/qtask-nano/internal/task"
)

// Redis keyspace, all under the namespace prefix:
//
//	{ns}:todo          LIST   pending task IDs (LPUSH producer / tail claim => FIFO)
//	{ns}:doing         ZSET   claimed IDs scored by claim time (ms)
//	{ns}:done          LIST   completed IDs
//	{ns}:error         LIST   failed IDs
//	{ns}:task:{id}     STRING JSON record, PEXPIRE armed per current status
//
// Pending IDs live in one shared list so claim order is global FIFO across
// task types, matching the relational store's created_at ordering; a typed
// claim filters on the payload inside the script and leaves non-matching
// entries in place. Record payloads live in their own keys so retention is
// native Redis expiry. Index entries pointing at an expired payload are
// dangling; claim discards them inside the script, reads prune them lazily.
type redisBackend struct {
	client    *redis.Client
	namespace string
	retention Retention
}

// claimScript walks the pending list oldest-first, discarding dangling IDs
// and skipping entries whose type does not match the filter, and moves the
// first eligible record to doing, all in one atomic step. KEYS[1]=todo
// list, KEYS[2]=doing zset.
// ARGV: task key prefix, now ms, claimed_at, worker id, doing ttl ms,
// type filter ('' for any).
var claimScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for i = #ids, 1, -1 do
  local id = ids[i]
  local tkey = ARGV[1] .. id
  local data = redis.call('GET', tkey)
  if not data then
    redis.call('LREM', KEYS[1], 1, id)
  else
    local rec = cjson.decode(data)
    if ARGV[6] == '' or rec['task_type'] == ARGV[6] then
      redis.call('LREM', KEYS[1], 1, id)
      rec['status'] = 'doing'
      rec['claimed_at'] = ARGV[3]
      rec['worker_id'] = ARGV[4]
      local out = cjson.encode(rec)
      redis.call('SET', tkey, out)
      if tonumber(ARGV[5]) > 0 then
        redis.call('PEXPIRE', tkey, ARGV[5])
      end
      redis.call('ZADD', KEYS[2], ARGV[2], id)
      return out
    end
  end
end
return false
`)

// terminateScript moves one doing ID to a terminal list, guarding that the
// record is still doing. KEYS[1]=doing zset, KEYS[2]=terminal list.
// ARGV: task key prefix, id, new status, finished_at, ttl ms, error info.
var terminateScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[2]) == 0 then
  return 0
end
local tkey = ARGV[1] .. ARGV[2]
local data = redis.call('GET', tkey)
if not data then
  return 0
end
local rec = cjson.decode(data)
if rec['status'] ~= 'doing' then
  return 0
end
rec['status'] = ARGV[3]
rec['finished_at'] = ARGV[4]
if ARGV[6] ~= '' then
  rec['error_info'] = ARGV[6]
end
redis.call('SET', tkey, cjson.encode(rec))
if tonumber(ARGV[5]) > 0 then
  redis.call('PEXPIRE', tkey, ARGV[5])
end
redis.call('LPUSH', KEYS[2], ARGV[2])
return 1
`)

// requeueOneScript moves a single doing entry back to the pending list.
// RPUSH puts it at the claim-next end, approximating the relational
// store's ordering by original creation time. KEYS[1]=doing zset,
// KEYS[2]=todo list. ARGV: task key prefix, id, todo ttl ms.
var requeueOneScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[2]) == 0 then
  return 0
end
local tkey = ARGV[1] .. ARGV[2]
local data = redis.call('GET', tkey)
if not data then
  return 0
end
local rec = cjson.decode(data)
rec['status'] = 'todo'
rec['claimed_at'] = nil
rec['worker_id'] = nil
redis.call('SET', tkey, cjson.encode(rec))
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', tkey, ARGV[3])
end
redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

// requeueScript returns doing entries claimed before the cutoff to the
// pending list. Entries are walked newest-claim first so the oldest claim
// lands at the tail and is claimed again first. KEYS[1]=doing zset,
// KEYS[2]=todo list. ARGV: task key prefix, cutoff ms, todo ttl ms.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], 0, ARGV[2])
local moved = 0
for i = #ids, 1, -1 do
  local id = ids[i]
  redis.call('ZREM', KEYS[1], id)
  local tkey = ARGV[1] .. id
  local data = redis.call('GET', tkey)
  if data then
    local rec = cjson.decode(data)
    rec['status'] = 'todo'
    rec['claimed_at'] = nil
    rec['worker_id'] = nil
    redis.call('SET', tkey, cjson.encode(rec))
    if tonumber(ARGV[3]) > 0 then
      redis.call('PEXPIRE', tkey, ARGV[3])
    end
    redis.call('RPUSH', KEYS[2], id)
    moved = moved + 1
  end
end
return moved
`)

func openRedis(ctx context.Context, namespace, uri string, retention Retention) (Backend, error) {
	opt, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("backend connect: %w", err)
	}
	log.Info().Str("namespace", namespace).Str("addr", opt.Addr).Msg("redis backend ready")
	return &redisBackend{client: client, namespace: namespace, retention: retention}, nil
}

func (b *redisBackend) todoKey() string  { return b.namespace + ":todo" }
func (b *redisBackend) doingKey() string { return b.namespace + ":doing" }
func (b *redisBackend) doneKey() string  { return b.namespace + ":done" }
func (b *redisBackend) errorKey() string { return b.namespace + ":error" }

func (b *redisBackend) taskKey(id string) string { return b.namespace + ":task:" + id }
func (b *redisBackend) taskPrefix() string       { return b.namespace + ":task:" }

func (b *redisBackend) Push(ctx context.Context, rec *task.Record) error {
	rec.Namespace = b.namespace
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	if ttl := b.retention.TTL(task.StatusTodo); ttl > 0 {
		pipe.Set(ctx, b.taskKey(rec.TaskID), data, ttl)
	} else {
		pipe.Set(ctx, b.taskKey(rec.TaskID), data, 0)
	}
	pipe.LPush(ctx, b.todoKey(), rec.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push task: %w", err)
	}
	return nil
}

func (b *redisBackend) Claim(ctx context.Context, typeFilter, workerID string) (*task.Record, error) {
	now := time.Now().UTC()
	res, err := claimScript.Run(ctx, b.client,
		[]string{b.todoKey(), b.doingKey()},
		b.taskPrefix(),
		now.UnixMilli(),
		now.Format(time.RFC3339Nano),
		workerID,
		b.retention.TTL(task.StatusDoing).Milliseconds(),
		typeFilter,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	data, ok := res.(string)
	if !ok {
		return nil, ErrNoTask
	}
	return task.Decode([]byte(data))
}

func (b *redisBackend) Complete(ctx context.Context, taskID string) error {
	return b.terminate(ctx, taskID, task.StatusDone, "")
}

func (b *redisBackend) Fail(ctx context.Context, taskID, errorInfo string) error {
	return b.terminate(ctx, taskID, task.StatusError, errorInfo)
}

func (b *redisBackend) terminate(ctx context.Context, taskID string, status task.Status, errorInfo string) error {
	dest := b.doneKey()
	if status == task.StatusError {
		dest = b.errorKey()
	}
	n, err := terminateScript.Run(ctx, b.client,
		[]string{b.doingKey(), dest},
		b.taskPrefix(),
		taskID,
		string(status),
		time.Now().UTC().Format(time.RFC3339Nano),
		b.retention.TTL(status).Milliseconds(),
		errorInfo,
	).Int()
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	if n == 0 {
		return fmt.Errorf("mark %s %q: %w", status, taskID, ErrNotFound)
	}
	return nil
}

func (b *redisBackend) Requeue(ctx context.Context, taskID string) error {
	n, err := requeueOneScript.Run(ctx, b.client,
		[]string{b.doingKey(), b.todoKey()},
		b.taskPrefix(),
		taskID,
		b.retention.TTL(task.StatusTodo).Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("requeue %q: %w", taskID, ErrNotFound)
	}
	return nil
}

func (b *redisBackend) RequeueExpiredDoing(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	n, err := requeueScript.Run(ctx, b.client,
		[]string{b.doingKey(), b.todoKey()},
		b.taskPrefix(),
		cutoff,
		b.retention.TTL(task.StatusTodo).Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired doing: %w", err)
	}
	if n > 0 {
		log.Info().Str("namespace", b.namespace).Int("moved", n).Msg("requeued expired doing tasks")
	}
	return n, nil
}

func (b *redisBackend) Stats(ctx context.Context) (task.Counts, error) {
	var counts task.Counts
	for _, status := range task.Statuses {
		ids, err := b.liveIDs(ctx, status, 0)
		if err != nil {
			return task.Counts{}, err
		}
		switch status {
		case task.StatusTodo:
			counts.Todo = len(ids)
		case task.StatusDoing:
			counts.Doing = len(ids)
		case task.StatusDone:
			counts.Done = len(ids)
		case task.StatusError:
			counts.Error = len(ids)
		}
	}
	return counts, nil
}

func (b *redisBackend) ListByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Record, error) {
	ids, err := b.liveIDs(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	records := make([]*task.Record, 0, len(ids))
	for _, id := range ids {
		data, err := b.client.Get(ctx, b.taskKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", status, err)
		}
		rec, err := task.Decode([]byte(data))
		if err != nil {
			log.Warn().Str("task_id", id).Err(err).Msg("skipping undecodable task record")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// liveIDs returns status index entries whose payload key still exists,
// pruning dangling entries as it goes. Pending IDs come back in claim
// order (oldest first). limit 0 means all.
func (b *redisBackend) liveIDs(ctx context.Context, status task.Status, limit int) ([]string, error) {
	var ids []string
	var err error
	switch status {
	case task.StatusTodo:
		ids, err = b.client.LRange(ctx, b.todoKey(), 0, -1).Result()
		if err == nil {
			// LPUSH puts newest at the head; claim order is tail first
			for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	case task.StatusDoing:
		ids, err = b.client.ZRange(ctx, b.doingKey(), 0, -1).Result()
	case task.StatusDone:
		ids, err = b.client.LRange(ctx, b.doneKey(), 0, -1).Result()
	case task.StatusError:
		ids, err = b.client.LRange(ctx, b.errorKey(), 0, -1).Result()
	default:
		return nil, fmt.Errorf("invalid status %q", status)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", status, err)
	}

	live := ids[:0]
	for _, id := range ids {
		exists, err := b.client.Exists(ctx, b.taskKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("list %s ids: %w", status, err)
		}
		if exists == 0 {
			b.prune(ctx, status, id)
			continue
		}
		live = append(live, id)
		if limit > 0 && len(live) >= limit {
			break
		}
	}
	return live, nil
}

// prune drops a dangling index entry left behind by native key expiry.
func (b *redisBackend) prune(ctx context.Context, status task.Status, id string) {
	switch status {
	case task.StatusTodo:
		b.client.LRem(ctx, b.todoKey(), 0, id)
	case task.StatusDoing:
		b.client.ZRem(ctx, b.doingKey(), id)
	case task.StatusDone:
		b.client.LRem(ctx, b.doneKey(), 0, id)
	case task.StatusError:
		b.client.LRem(ctx, b.errorKey(), 0, id)
	}
}

func (b *redisBackend) GetMetadata(ctx context.Context, taskID string) (*task.Record, error) {
	data, err := b.client.Get(ctx, b.taskKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	return task.Decode([]byte(data))
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}

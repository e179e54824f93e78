package task

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task. Transitions are monotonic:
// todo -> doing -> done|error. Nothing else is legal.
type Status string

const (
	StatusTodo  Status = "todo"
	StatusDoing Status = "doing"
	StatusDone  Status = "done"
	StatusError Status = "error"
)

// Statuses lists all lifecycle states in transition order.
var Statuses = []Status{StatusTodo, StatusDoing, StatusDone, StatusError}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusDoing, StatusDone, StatusError:
		return true
	}
	return false
}

// Record is one unit of work and its lifecycle state. ClaimedAt is set iff
// the record has been claimed; FinishedAt iff it is terminal. The backend
// may purge a record once it outlives its current status's retention window.
type Record struct {
	TaskID     string         `json:"task_id"`
	TaskType   string         `json:"task_type"`
	Params     map[string]any `json:"params"`
	Status     Status         `json:"status"`
	Namespace  string         `json:"namespace"`
	CreatedAt  time.Time      `json:"created_at"`
	ClaimedAt  *time.Time     `json:"claimed_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	ErrorInfo  string         `json:"error_info,omitempty"`
}

// New builds a todo record with a generated ID. The ID embeds the task type
// and a digest of the params so retries of the same work are still distinct
// (type + hash alone would collide across retries).
func New(taskType string, params map[string]any) *Record {
	tag := uuid.NewString()[:8]
	id := fmt.Sprintf("%s-%s-%d-%s", taskType, HashParams(params), time.Now().UnixMicro(), tag)
	return &Record{
		TaskID:    id,
		TaskType:  taskType,
		Params:    params,
		Status:    StatusTodo,
		CreatedAt: time.Now().UTC(),
	}
}

// HashParams returns the md5 hex digest of the params JSON, or "" for nil.
func HashParams(params map[string]any) string {
	if params == nil {
		return ""
	}
	b, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// Encode serializes the record for storage.
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a stored record.
func Decode(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode task record: %w", err)
	}
	return &r, nil
}

// Counts holds per-status record counts for one namespace.
type Counts struct {
	Todo  int `json:"todo_count"`
	Doing int `json:"doing_count"`
	Done  int `json:"done_count"`
	Error int `json:"error_count"`
}

// Total sums all statuses.
func (c Counts) Total() int { return c.Todo + c.Doing + c.Done + c.Error }

package worker

import (
	"github.com/gseismic/qtask-nano/internal/queue"
)

// ConsumerWorker is the base loop restricted to pure consumption:
// claim, execute, terminate. It never enqueues follow-up work.
type ConsumerWorker struct {
	*Worker
}

// NewConsumer creates a pure consumer bound to a queue.
func NewConsumer(q *queue.TaskQueue, workerID string, opts Options) *ConsumerWorker {
	return &ConsumerWorker{Worker: New(q, workerID, opts)}
}

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/gseismic/qtask-nano/internal/queue"
	"github.com/gseismic/qtask-nano/internal/task"
)

// ProducerFunc generates zero or more new records on each invocation.
type ProducerFunc func(ctx context.Context) ([]*task.Record, error)

type producerEntry struct {
	name     string
	fn       ProducerFunc
	weight   float64
	interval time.Duration
	schedule cron.Schedule // non-nil for cron producers
	lastRun  time.Time
	nextRun  time.Time // cron producers only
}

func (p *producerEntry) ready(now time.Time) bool {
	if p.schedule != nil {
		return !now.Before(p.nextRun)
	}
	return now.Sub(p.lastRun) >= p.interval
}

// ProducerWorker runs registered producer functions on independent timers
// and never claims. Among simultaneously ready producers, execution order
// follows the same weighted fairness rule the consumer loop uses.
type ProducerWorker struct {
	queue     *queue.TaskQueue
	id        string
	tick      time.Duration
	producers map[string]*producerEntry

	stop chan struct{}
	once sync.Once
}

// NewProducer creates a producer worker. tick bounds how often readiness
// is checked; default 1s.
func NewProducer(q *queue.TaskQueue, workerID string, tick time.Duration) *ProducerWorker {
	if workerID == "" {
		workerID = "producer-" + uuid.NewString()[:8]
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &ProducerWorker{
		queue:     q,
		id:        workerID,
		tick:      tick,
		producers: make(map[string]*producerEntry),
		stop:      make(chan struct{}),
	}
}

// ID returns the worker's identifier.
func (p *ProducerWorker) ID() string { return p.id }

// Register binds a producer that fires whenever interval has elapsed since
// its previous run.
func (p *ProducerWorker) Register(name string, fn ProducerFunc, weight float64, interval time.Duration) {
	if _, dup := p.producers[name]; dup {
		log.Warn().Str("worker_id", p.id).Str("producer", name).Msg("producer already registered, overwriting")
	}
	p.producers[name] = &producerEntry{name: name, fn: fn, weight: weight, interval: interval}
	log.Info().Str("worker_id", p.id).Str("producer", name).Float64("weight", weight).Dur("interval", interval).Msg("registered producer")
}

// RegisterCron binds a producer to a standard cron expression.
func (p *ProducerWorker) RegisterCron(name string, fn ProducerFunc, weight float64, cronExpr string) error {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("producer %q: invalid cron expression %q: %w", name, cronExpr, err)
	}
	p.producers[name] = &producerEntry{
		name:     name,
		fn:       fn,
		weight:   weight,
		schedule: schedule,
		nextRun:  schedule.Next(time.Now()),
	}
	log.Info().Str("worker_id", p.id).Str("producer", name).Str("cron", cronExpr).Msg("registered cron producer")
	return nil
}

// Stop asks the loop to shut down after the current tick.
func (p *ProducerWorker) Stop() {
	p.once.Do(func() { close(p.stop) })
}

// Run drives the production loop until Stop or context cancellation.
// Producer errors and panics are logged and isolated; the loop continues.
func (p *ProducerWorker) Run(ctx context.Context) error {
	if len(p.producers) == 0 {
		return fmt.Errorf("producer worker %s: no producers registered", p.id)
	}
	weights := make(map[string]float64, len(p.producers))
	for name, entry := range p.producers {
		weights[name] = entry.weight
	}
	sched := newFairQueue(weights)

	log.Info().Str("worker_id", p.id).Int("producers", len(p.producers)).Msg("producer worker started")
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	defer log.Info().Str("worker_id", p.id).Msg("producer worker stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		case now := <-ticker.C:
			for _, name := range sched.Order() {
				entry := p.producers[name]
				if !entry.ready(now) {
					continue
				}
				p.produce(ctx, entry, now)
				sched.Charge(name)
			}
		}
	}
}

func (p *ProducerWorker) produce(ctx context.Context, entry *producerEntry, now time.Time) {
	// The attempt consumes the slot whether or not it succeeds; a failing
	// producer waits out its interval instead of re-firing every tick.
	entry.lastRun = now
	if entry.schedule != nil {
		entry.nextRun = entry.schedule.Next(now)
	}
	records, err := invokeProducer(ctx, entry.fn)
	if err != nil {
		log.Error().Str("worker_id", p.id).Str("producer", entry.name).Err(err).Msg("producer failed")
		return
	}
	if len(records) > 0 {
		if err := p.queue.AddTasks(ctx, records); err != nil {
			log.Error().Str("worker_id", p.id).Str("producer", entry.name).Err(err).Msg("enqueue produced tasks failed")
			return
		}
		log.Info().Str("worker_id", p.id).Str("producer", entry.name).Int("produced", len(records)).Msg("tasks produced")
	}
}

func invokeProducer(ctx context.Context, fn ProducerFunc) (records []*task.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer panic: %v", r)
		}
	}()
	return fn(ctx)
}

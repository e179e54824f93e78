// Package reaper implements the explicit requeue policy for presumed
// abandoned tasks. A doing record outliving its retention window only
// flags it as presumed stuck; nothing requeues it implicitly. Running this
// service is the opt-in decision to put such tasks back on the queue.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gseismic/qtask-nano/internal/queue"
)

// Service periodically requeues doing tasks claimed longer than Older ago.
type Service struct {
	Queue *queue.TaskQueue

	// Older is the claim age beyond which a doing task is requeued.
	Older time.Duration

	// Every is the check interval. Default 1 minute.
	Every time.Duration
}

// Run drives the reap loop until context cancellation.
func (s *Service) Run(ctx context.Context) {
	every := s.Every
	if every <= 0 {
		every = time.Minute
	}
	log.Info().Str("namespace", s.Queue.Namespace()).Dur("older", s.Older).Dur("every", every).Msg("reaper started")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("namespace", s.Queue.Namespace()).Msg("reaper stopped")
			return
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

func (s *Service) reap(ctx context.Context) {
	n, err := s.Queue.RequeueTimedOut(ctx, s.Older)
	if err != nil {
		log.Error().Str("namespace", s.Queue.Namespace()).Err(err).Msg("reap failed")
		return
	}
	if n > 0 {
		log.Info().Str("namespace", s.Queue.Namespace()).Int("requeued", n).Msg("reaped stuck tasks")
	}
}

package analyzer

import (
	"context"
	"log/slog"
	"time"

	"threadlens/pkg/db"
	"threadlens/pkg/queue"
)

// Sweeper periodically re-offers conversations that have no insight row,
// so a process that starts from an empty queue rediscovers work a prior
// process crashed before finishing.
type Sweeper struct {
	store     *db.Store
	queue     queue.Queue
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewSweeper builds a Sweeper. A non-positive interval or batchSize
// disables the sweep loop (Run returns immediately).
func NewSweeper(store *db.Store, q queue.Queue, interval time.Duration, batchSize int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, queue: q, interval: interval, batchSize: batchSize, logger: logger}
}

// Run ticks every interval, asking the store for up to batchSize
// conversation ids lacking an insight and offering each to the queue. A
// full queue is not an error: the sweep simply tries again next tick.
// Run returns when ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 || s.batchSize <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ids, err := s.store.ConversationsWithoutInsight(s.batchSize)
	if err != nil {
		s.logger.Error("sweep query failed", "error", err)
		return
	}
	offered := 0
	for _, id := range ids {
		if s.queue.Offer(id) {
			offered++
		}
	}
	if len(ids) > 0 {
		s.logger.Debug("sweep re-enqueued conversations", "found", len(ids), "offered", offered)
	}
}

// Package workqueue bounds the parallelism of background transport work such
// as re-announcements.
package workqueue

import (
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit is the concurrency cap used when none is configured.
const DefaultLimit = 5

// Queue runs background tasks with a fixed concurrency limit. Task errors are
// logged, never propagated; a failed re-announcement must not take down the
// transport.
type Queue struct {
	group  errgroup.Group
	logger *slog.Logger
}

// New creates a queue running at most limit tasks at once.
func New(limit int, logger *slog.Logger) *Queue {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{logger: logger}
	q.group.SetLimit(limit)
	return q
}

// Go schedules fn, blocking while the limit is saturated.
func (q *Queue) Go(name string, fn func() error) {
	q.group.Go(func() error {
		if err := fn(); err != nil {
			q.logger.Warn("background task failed", "task", name, "error", err)
		}
		return nil
	})
}

// Wait blocks until all scheduled tasks have finished.
func (q *Queue) Wait() {
	_ = q.group.Wait()
}

package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// errDropJob marks a payload that can never be persisted.
var errDropJob = errors.New("drop job")

// orderedConsumer pops one job at a time and retries a failed job in place
// before taking the next one, so writes land in queue order.
type orderedConsumer struct {
	queue      Queue
	name       string
	log        zerolog.Logger
	retryDelay time.Duration
	pollWait   time.Duration
	handle     func(ctx context.Context, raw []byte) error

	pending []byte
}

// run loops until ctx is cancelled, then drains what is left.
func (c *orderedConsumer) run(ctx context.Context) {
	c.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Worker stopping...")
			c.drain(context.Background())
			c.log.Info().Msg("Worker stopped")
			return
		default:
			c.processNext(ctx)
		}
	}
}

func (c *orderedConsumer) processNext(ctx context.Context) {
	raw := c.pending
	if raw == nil {
		var err error
		raw, err = c.queue.Pop(ctx, c.name, c.pollWait)
		if err != nil {
			if !errors.Is(err, ErrQueueEmpty) && ctx.Err() == nil {
				c.log.Error().Err(err).Msg("Queue pop error")
				sleepCtx(ctx, time.Second)
			}
			return
		}
	}

	err := c.handle(ctx, raw)
	switch {
	case err == nil:
		c.pending = nil
	case errors.Is(err, errDropJob):
		c.log.Error().Err(err).Msg("Dropping job")
		c.pending = nil
	default:
		c.log.Error().Err(err).Dur("retry_in", c.retryDelay).Msg("Persist error, retrying")
		c.pending = raw
		sleepCtx(ctx, c.retryDelay)
	}
}

// drain persists the pending job and everything still queued. A job that
// still fails goes back on the queue for the next process to pick up.
func (c *orderedConsumer) drain(ctx context.Context) {
	drained := 0
	for {
		raw := c.pending
		if raw == nil {
			var err error
			raw, err = c.queue.TryPop(ctx, c.name)
			if err != nil {
				break
			}
		}
		c.pending = nil

		err := c.handle(ctx, raw)
		if errors.Is(err, errDropJob) {
			c.log.Error().Err(err).Msg("Drain dropping job")
			continue
		}
		if err != nil {
			c.log.Error().Err(err).Msg("Drain persist error")
			_ = c.queue.Push(ctx, c.name, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		c.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

package proctor

import (
	"context"
	"sync"
	"time"
)

// DefaultExamDuration is the countdown used when none is configured.
const DefaultExamDuration = 3600 * time.Second

// Timer is a cancellable countdown owned by one session. It ticks every
// period while running and calls expire exactly once when the deadline is
// reached, unless Stop was called first.
type Timer struct {
	duration time.Duration
	period   time.Duration
	onTick   func(remaining time.Duration)
	onExpire func()

	mu        sync.Mutex
	started   bool
	stopped   bool
	expiring  bool
	deadline  time.Time
	stoppedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewTimer builds a countdown of duration with the given tick period.
// onTick and onExpire run on the timer goroutine.
func NewTimer(duration, period time.Duration, onTick func(time.Duration), onExpire func()) *Timer {
	if duration <= 0 {
		duration = DefaultExamDuration
	}
	if period <= 0 {
		period = time.Second
	}
	if onTick == nil {
		onTick = func(time.Duration) {}
	}
	if onExpire == nil {
		onExpire = func() {}
	}
	return &Timer{
		duration: duration,
		period:   period,
		onTick:   onTick,
		onExpire: onExpire,
		done:     make(chan struct{}),
	}
}

// Start begins the countdown from now. Calling Start twice is a no-op.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true
	t.deadline = time.Now().Add(t.duration)

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.run(ctx, t.deadline)
}

// Remaining returns the time left, never negative. Before Start it is the
// full duration; after Stop it stays frozen at the value it had then.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case !t.started:
		return t.duration
	case t.expiring:
		return 0
	}
	end := time.Now()
	if t.stopped {
		end = t.stoppedAt
	}
	if r := t.deadline.Sub(end); r > 0 {
		return r
	}
	return 0
}

// Deadline returns the expiry instant; zero before Start.
func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// Stop cancels the countdown. After Stop returns no further onTick or
// onExpire call will start. When Stop is reached from inside onExpire it
// returns without waiting for the timer goroutine.
func (t *Timer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.stoppedAt = time.Now()
	started := t.started
	expiring := t.expiring
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	if started && !expiring {
		<-t.done
	}
}

func (t *Timer) run(ctx context.Context, deadline time.Time) {
	defer close(t.done)

	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			remaining := deadline.Sub(now)
			if remaining <= 0 {
				t.expire()
				return
			}
			if !t.tick(remaining) {
				return
			}
		}
	}
}

func (t *Timer) tick(remaining time.Duration) bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()
	t.onTick(remaining)
	return true
}

func (t *Timer) expire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.expiring = true
	t.mu.Unlock()
	t.onExpire()
}

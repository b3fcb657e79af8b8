package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// DefaultOpenTimeout is how long Open waits for the client to report the
// device ready before it is treated as unavailable.
const DefaultOpenTimeout = 10 * time.Second

type streamState int

const (
	streamPending streamState = iota
	streamReady
	streamFailed
)

// StreamDevice is a capture device whose samples are pushed by a remote
// client, typically over the session websocket. Only the latest sample is
// kept; a slow reader skips stale ones.
type StreamDevice struct {
	name        string
	openTimeout time.Duration

	mu      sync.Mutex
	state   streamState
	reason  string
	latest  []byte
	seq     uint64
	holders int
	changed chan struct{}
}

// NewStreamDevice returns a pending device. A zero openTimeout uses
// DefaultOpenTimeout.
func NewStreamDevice(name string, openTimeout time.Duration) *StreamDevice {
	if openTimeout <= 0 {
		openTimeout = DefaultOpenTimeout
	}
	return &StreamDevice{
		name:        name,
		openTimeout: openTimeout,
		changed:     make(chan struct{}),
	}
}

// Ready marks the device usable. Ignored once the device has failed.
func (d *StreamDevice) Ready() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == streamPending {
		d.state = streamReady
		d.notifyLocked()
	}
}

// Fail marks the device permanently unavailable, for example on permission
// denial or when the client disconnects.
func (d *StreamDevice) Fail(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == streamFailed {
		return
	}
	d.state = streamFailed
	d.reason = reason
	d.notifyLocked()
}

// Push stores a sample. A sample implies the device is ready.
func (d *StreamDevice) Push(sample []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == streamFailed {
		return
	}
	d.state = streamReady
	d.latest = sample
	d.seq++
	d.notifyLocked()
}

// Holders reports how many captures are currently open.
func (d *StreamDevice) Holders() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.holders
}

func (d *StreamDevice) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *StreamDevice) unavailableLocked() error {
	reason := d.reason
	if reason == "" {
		reason = "not reported"
	}
	return fmt.Errorf("%s %s: %w", d.name, reason, proctor.ErrDeviceUnavailable)
}

// Open waits until the client reports the device ready.
func (d *StreamDevice) Open(ctx context.Context) (proctor.Capture, error) {
	timer := time.NewTimer(d.openTimeout)
	defer timer.Stop()

	for {
		d.mu.Lock()
		switch d.state {
		case streamReady:
			d.holders++
			seq := d.seq
			d.mu.Unlock()
			return &streamCapture{dev: d, seen: seq}, nil
		case streamFailed:
			err := d.unavailableLocked()
			d.mu.Unlock()
			return nil, err
		}
		changed := d.changed
		d.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			d.Fail("did not become ready in time")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type streamCapture struct {
	dev    *StreamDevice
	seen   uint64
	closed sync.Once
}

// Read blocks until a sample newer than the last one read arrives.
func (c *streamCapture) Read(ctx context.Context) ([]byte, error) {
	for {
		c.dev.mu.Lock()
		if c.dev.state == streamFailed {
			err := c.dev.unavailableLocked()
			c.dev.mu.Unlock()
			return nil, err
		}
		if c.dev.seq != c.seen {
			c.seen = c.dev.seq
			sample := c.dev.latest
			c.dev.mu.Unlock()
			return sample, nil
		}
		changed := c.dev.changed
		c.dev.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *streamCapture) Close() error {
	c.closed.Do(func() {
		c.dev.mu.Lock()
		c.dev.holders--
		c.dev.mu.Unlock()
	})
	return nil
}

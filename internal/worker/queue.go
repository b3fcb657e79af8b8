package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrQueueEmpty is returned by Pop when nothing arrived before the timeout
// and by TryPop when the queue is empty.
var ErrQueueEmpty = errors.New("queue empty")

// Queue is a named FIFO of opaque payloads.
type Queue interface {
	Push(ctx context.Context, name string, payload []byte) error
	Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, error)
	TryPop(ctx context.Context, name string) ([]byte, error)
	// Depth reports how many items wait in name.
	Depth(ctx context.Context, name string) (int64, error)
}

// RedisQueue implements Queue with RPUSH/BLPOP.
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue creates a Redis list backed queue.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Push(ctx context.Context, name string, payload []byte) error {
	return q.rdb.RPush(ctx, name, payload).Err()
}

// Pop blocks up to timeout. Redis requires a timeout of at least one second.
func (q *RedisQueue) Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := q.rdb.BLPop(ctx, timeout, name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, ErrQueueEmpty
	}
	return []byte(res[1]), nil
}

func (q *RedisQueue) TryPop(ctx context.Context, name string) ([]byte, error) {
	res, err := q.rdb.LPop(ctx, name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, err
	}
	return []byte(res), nil
}

func (q *RedisQueue) Depth(ctx context.Context, name string) (int64, error) {
	return q.rdb.LLen(ctx, name).Result()
}

// MemoryQueue is a channel backed queue for single-node deployments
// without Redis, and for tests.
type MemoryQueue struct {
	size int

	mu    sync.Mutex
	lists map[string]chan []byte
}

// NewMemoryQueue creates a queue whose lists hold up to size items each.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{size: size, lists: make(map[string]chan []byte)}
}

func (q *MemoryQueue) list(name string) chan []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.lists[name]
	if !ok {
		ch = make(chan []byte, q.size)
		q.lists[name] = ch
	}
	return ch
}

// Push enqueues payload, blocking while the list is full.
func (q *MemoryQueue) Push(ctx context.Context, name string, payload []byte) error {
	select {
	case q.list(name) <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p := <-q.list(name):
		return p, nil
	case <-t.C:
		return nil, ErrQueueEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) TryPop(_ context.Context, name string) ([]byte, error) {
	select {
	case p := <-q.list(name):
		return p, nil
	default:
		return nil, ErrQueueEmpty
	}
}

// Len reports the number of queued items in name.
func (q *MemoryQueue) Len(name string) int {
	return len(q.list(name))
}

func (q *MemoryQueue) Depth(_ context.Context, name string) (int64, error) {
	return int64(q.Len(name)), nil
}

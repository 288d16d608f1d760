package queue

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue backs the same Queue contract with a Redis list, giving a
// multi-process deployment a shared, durable queue in place of the
// in-process MemoryQueue. Depth is capacity-limited cooperatively by
// Offer (Redis lists have no native cap).
type RedisQueue struct {
	client   *redis.Client
	key      string
	capacity int

	mu     sync.Mutex
	closed bool
}

// NewRedisQueue connects to addr and backs Queue with the list at key,
// bounded to capacity items.
func NewRedisQueue(addr, key string, capacity int) *RedisQueue {
	if capacity < 1 {
		capacity = 1
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 10 * time.Second,
	})
	return &RedisQueue{client: client, key: key, capacity: capacity}
}

func (q *RedisQueue) Offer(id string) bool {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return false
	}
	if int(depth) >= q.capacity {
		return false
	}
	return q.client.RPush(ctx, q.key, id).Err() == nil
}

func (q *RedisQueue) Take() (string, bool) {
	for {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return "", false
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		result, err := q.client.BLPop(ctx, 900*time.Millisecond, q.key).Result()
		cancel()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return "", false
		}
		// BLPop returns [key, value].
		if len(result) == 2 {
			return result[1], true
		}
	}
}

func (q *RedisQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(depth)
}

func (q *RedisQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	_ = q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)

// Package ratelimit caps how many extractions one client may start per window.
// Every extraction is a billed provider call, so the cap is enforced before
// the upload is read.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter decides whether key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Memory is a per-process sliding window limiter.
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{limit: limit, window: window, now: time.Now, hits: make(map[string][]time.Time)}
}

func (l *Memory) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	queue := l.hits[key]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	queue = queue[idx:]
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false, nil
	}
	l.hits[key] = append(queue, now)
	return true, nil
}

// Prune drops keys with no hits inside the window.
func (l *Memory) Prune() {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, queue := range l.hits {
		if len(queue) == 0 || !queue[len(queue)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
}

type windowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Redis is a fixed window limiter shared by every replica using the same server.
type Redis struct {
	counter windowCounter
	limit   int
	window  time.Duration
	prefix  string
	now     func() time.Time
}

func NewRedis(counter windowCounter, limit int, window time.Duration) *Redis {
	return &Redis{counter: counter, limit: limit, window: window, prefix: "cardscan:ratelimit", now: time.Now}
}

func (l *Redis) Allow(ctx context.Context, key string) (bool, error) {
	bucket := l.now().UnixNano() / int64(l.window)
	n, err := l.counter.IncrWindow(ctx, fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket), l.window)
	if err != nil {
		return false, fmt.Errorf("increment rate counter: %w", err)
	}
	return n <= int64(l.limit), nil
}

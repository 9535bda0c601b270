package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RevocationList records access token IDs that were invalidated before expiry.
type RevocationList interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// MemoryRevocationList keeps revoked IDs in process. Entries are dropped once
// the token they refer to has expired.
type MemoryRevocationList struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewMemoryRevocationList(sweepInterval time.Duration) *MemoryRevocationList {
	l := &MemoryRevocationList{
		entries: make(map[string]time.Time),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	go l.sweepLoop(sweepInterval)
	return l
}

func (l *MemoryRevocationList) Revoke(_ context.Context, jti string, until time.Time) error {
	if jti == "" {
		return nil
	}
	l.mu.Lock()
	l.entries[jti] = until
	l.mu.Unlock()
	return nil
}

func (l *MemoryRevocationList) IsRevoked(_ context.Context, jti string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.entries[jti]
	if !ok {
		return false, nil
	}
	return l.now().Before(until), nil
}

// Close stops the sweeper. Safe to call more than once.
func (l *MemoryRevocationList) Close() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
	})
}

func (l *MemoryRevocationList) sweepLoop(interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *MemoryRevocationList) sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for jti, until := range l.entries {
		if !now.Before(until) {
			delete(l.entries, jti)
		}
	}
}

const redisRevocationPrefix = "cmpc:revoked:"

// RedisRevocationList shares revocations between server replicas.
type RedisRevocationList struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisRevocationList connects using a redis:// URL and pings the server.
func NewRedisRevocationList(ctx context.Context, url string) (*RedisRevocationList, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisRevocationList{client: client, now: time.Now}, nil
}

func (l *RedisRevocationList) Revoke(ctx context.Context, jti string, until time.Time) error {
	if jti == "" {
		return nil
	}
	ttl := until.Sub(l.now())
	if ttl <= 0 {
		return nil
	}
	if err := l.client.Set(ctx, redisRevocationPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (l *RedisRevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := l.client.Exists(ctx, redisRevocationPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return n > 0, nil
}

func (l *RedisRevocationList) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisRevocationList) Close() error {
	return l.client.Close()
}

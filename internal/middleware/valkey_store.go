package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	rateLimitKeyPrefix  = "relay:ratelimit"
	rateLimitOpTimeout  = 200 * time.Millisecond
	defaultRateWindow   = time.Second
	defaultRateKeyExtra = time.Second
)

// ValkeyRateLimiterStore is an echo RateLimiterStore that counts requests in
// fixed windows shared by every relay instance using the same Valkey.
type ValkeyRateLimiterStore struct {
	client redis.UniversalClient
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewValkeyRateLimiterStore parses a redis:// or rediss:// URI. limit is the
// number of requests allowed per identifier each second.
func NewValkeyRateLimiterStore(uri string, limit int) (*ValkeyRateLimiterStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(uri))
	if err != nil {
		return nil, fmt.Errorf("invalid valkey uri: %w", err)
	}
	return NewValkeyRateLimiterStoreWithClient(redis.NewClient(opts), limit, defaultRateWindow), nil
}

func NewValkeyRateLimiterStoreWithClient(client redis.UniversalClient, limit int, window time.Duration) *ValkeyRateLimiterStore {
	if window <= 0 {
		window = defaultRateWindow
	}
	return &ValkeyRateLimiterStore{
		client: client,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

// Allow implements echo's middleware.RateLimiterStore.
func (s *ValkeyRateLimiterStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rateLimitOpTimeout)
	defer cancel()

	bucket := s.now().UnixNano() / int64(s.window)
	key := fmt.Sprintf("%s:%s:%d", rateLimitKeyPrefix, identifier, bucket)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.window+defaultRateKeyExtra)
	if _, err := pipe.Exec(ctx); err != nil {
		// fail open: an unavailable Valkey must not take the relay down
		logrus.WithField("prefix", "ValkeyRateLimiterStore").Warnf("rate limit check failed: %v", err)
		return true, nil
	}
	return incr.Val() <= s.limit, nil
}

// HealthCheck pings Valkey.
func (s *ValkeyRateLimiterStore) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *ValkeyRateLimiterStore) Close() error {
	return s.client.Close()
}

package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/zllovesuki/metering/response"

	"github.com/go-redis/redis/v8"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

type Options struct {
	Redis  redis.UniversalClient
	Logger *zap.Logger
	Limit  int64
	Window time.Duration
	Prefix string
	Clock  func() time.Time
}

// Limiter is a fixed window counter shared by every api replica through redis
type Limiter struct {
	Options
}

type Result struct {
	Allowed    bool
	Count      int64
	Remaining  int64
	RetryAfter time.Duration
}

func New(option Options) (*Limiter, error) {
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if option.Window < time.Second {
		return nil, fmt.Errorf("window must be at least one second")
	}
	if option.Prefix == "" {
		option.Prefix = "ratelimit"
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	return &Limiter{Options: option}, nil
}

func (l *Limiter) windowKey(key string, now time.Time) (string, time.Duration) {
	size := int64(l.Window / time.Second)
	idx := now.Unix() / size
	resetAt := time.Unix((idx+1)*size, 0)
	return l.Prefix + ":" + key + ":" + strconv.FormatInt(idx, 10), resetAt.Sub(now)
}

// Allow counts one request for key in the current window
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	k, ttl := l.windowKey(key, l.Clock())

	var incr *redis.IntCmd
	_, err := l.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, l.Window)
		return nil
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot increment rate limit counter")
	}

	count := incr.Val()
	res := &Result{
		Count:     count,
		Allowed:   count <= l.Limit,
		Remaining: l.Limit - count,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res, nil
}

// Middleware limits requests by the key returned from keyFunc. Requests without a key pass through.
// Redis being unavailable fails open, metering has its own guarantees
func (l *Limiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			res, err := l.Allow(r.Context(), key)
			if err != nil {
				l.Logger.Error("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			if !res.Allowed {
				secs := int64(res.RetryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
				response.WriteError(w, r, response.ErrTooManyRequests())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Package ratelimit implements the chat client's outbound self-throttle
// (spec.md §4.7): a client-side budget on outbound frames and HTTP
// calls so a reconnect storm or a runaway bot loop degrades locally
// instead of tripping the server's own rate limits.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/nullhq/teamchat-go/internal/v1/logging"
	"github.com/nullhq/teamchat-go/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// ErrRateLimited is a Contract violation (spec.md §7), not a Transport
// error: callers should back off rather than retry immediately.
var ErrRateLimited = fmt.Errorf("ratelimit: outbound budget exceeded")

// Bucket names the two outbound budgets spec.md §4.7 defines.
type Bucket string

const (
	BucketOutboundFrames Bucket = "outbound_frames"
	BucketOutboundHTTP   Bucket = "outbound_http"
)

// Limiter self-throttles one installation's outbound frame and HTTP
// traffic. Backed by an in-memory store by default, or a Redis store
// when several bot processes must share one installation's budget.
type Limiter struct {
	frames *limiter.Limiter
	http   *limiter.Limiter
	store  limiter.Store
}

// New constructs a Limiter. frameRate/httpRate are ulule/limiter
// formatted rate strings (e.g. "200-M" = 200 per minute). redisClient
// may be nil, in which case an in-process memory store is used.
func New(frameRate, httpRate string, redisClient *redis.Client) (*Limiter, error) {
	framesRate, err := limiter.NewRateFromFormatted(frameRate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid outbound frame rate %q: %w", frameRate, err)
	}
	httpRateParsed, err := limiter.NewRateFromFormatted(httpRate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid outbound http rate %q: %w", httpRate, err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "teamchat:ratelimit:"})
		if err != nil {
			return nil, fmt.Errorf("ratelimit: creating redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "rate limiter using in-memory store")
	}

	return &Limiter{
		frames: limiter.New(store, framesRate),
		http:   limiter.New(store, httpRateParsed),
		store:  store,
	}, nil
}

// Allow checks the named bucket's budget for key (normally the
// installation URL, or URL+userID for per-bot-replica budgets when
// shared over Redis). Each bucket counts separately for the same key.
// Returns ErrRateLimited if the budget is exceeded.
// A store failure fails open (allows the call) so a degraded Redis
// never blocks outbound traffic outright.
func (l *Limiter) Allow(ctx context.Context, bucket Bucket, key string) error {
	var inst *limiter.Limiter
	switch bucket {
	case BucketOutboundFrames:
		inst = l.frames
	case BucketOutboundHTTP:
		inst = l.http
	default:
		return fmt.Errorf("ratelimit: unknown bucket %q", bucket)
	}

	metrics.RateLimitChecks.WithLabelValues(string(bucket)).Inc()

	res, err := inst.Get(ctx, string(bucket)+":"+key)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed, failing open", zap.Error(err))
		return nil
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues(string(bucket)).Inc()
		return ErrRateLimited
	}
	return nil
}

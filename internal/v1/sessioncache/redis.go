package sessioncache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nullhq/teamchat-go/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists Records in Redis so a fleet of bot replicas can
// share one installation's login without each performing its own
// username/password handshake.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore, pinging addr to verify
// connectivity immediately (the same ping-on-construct idiom used
// elsewhere in the client's Redis-backed components).
func NewRedisStore(addr, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("sessioncache: connecting to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "teamchat:session:"}, nil
}

func (r *RedisStore) key(userID int) string {
	return r.prefix + strconv.Itoa(userID)
}

func (r *RedisStore) Save(ctx context.Context, rec Record) error {
	start := time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sessioncache: encoding record: %w", err)
	}
	err = r.client.Set(ctx, r.key(rec.UserID), data, 30*24*time.Hour).Err()
	metrics.RedisOperationDuration.WithLabelValues("session_save").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RedisOperationsTotal.WithLabelValues("session_save", "error").Inc()
		return fmt.Errorf("sessioncache: writing record: %w", err)
	}
	metrics.RedisOperationsTotal.WithLabelValues("session_save", "ok").Inc()
	return nil
}

func (r *RedisStore) Load(ctx context.Context, userID int) (Record, error) {
	start := time.Now()
	data, err := r.client.Get(ctx, r.key(userID)).Bytes()
	metrics.RedisOperationDuration.WithLabelValues("session_load").Observe(time.Since(start).Seconds())
	if err == redis.Nil {
		return Record{}, ErrCacheMiss
	}
	if err != nil {
		metrics.RedisOperationsTotal.WithLabelValues("session_load", "error").Inc()
		return Record{}, fmt.Errorf("sessioncache: reading record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("sessioncache: decoding record: %w", err)
	}
	metrics.RedisOperationsTotal.WithLabelValues("session_load", "ok").Inc()
	return rec, nil
}

func (r *RedisStore) Delete(ctx context.Context, userID int) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("sessioncache: deleting record: %w", err)
	}
	return nil
}

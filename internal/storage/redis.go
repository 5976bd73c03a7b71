package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
else
  local delta = math.max(0, now - ts)
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return allowed
`

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisClient wraps Redis operations with tracing. It holds pending payment
// orders, per-client rate limit buckets and worker locks.
type RedisClient struct {
	client  *redis.Client
	bucket  *redis.Script
	release *redis.Script
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return NewRedisClientFrom(client), nil
}

// NewRedisClientFrom wraps an existing go-redis client.
func NewRedisClientFrom(client *redis.Client) *RedisClient {
	return &RedisClient{
		client:  client,
		bucket:  redis.NewScript(tokenBucketScript),
		release: redis.NewScript(lockReleaseScript),
	}
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func orderKey(ownerID, orderID string) string {
	return fmt.Sprintf("order:%s:%s", ownerID, orderID)
}

// SaveOrder stores a pending order until it is confirmed or ttl expires.
func (rc *RedisClient) SaveOrder(ctx context.Context, o *models.Order, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "redis.save_order",
		trace.WithAttributes(
			attribute.String("order_id", o.ID),
			attribute.String("plan", string(o.Plan)),
		),
	)
	defer span.End()

	data, err := json.Marshal(o)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	if err := rc.client.Set(ctx, orderKey(o.OwnerID, o.ID), data, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// TakeOrder atomically reads and removes an order, so a confirmation can
// consume it only once. Unknown, expired or foreign orders yield common.ErrNotFound.
func (rc *RedisClient) TakeOrder(ctx context.Context, ownerID, orderID string) (*models.Order, error) {
	ctx, span := tracer.Start(ctx, "redis.take_order",
		trace.WithAttributes(attribute.String("order_id", orderID)),
	)
	defer span.End()

	data, err := rc.client.GetDel(ctx, orderKey(ownerID, orderID)).Result()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, common.ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to take order: %w", err)
	}

	var o models.Order
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	span.SetAttributes(attribute.Bool("found", true))
	return &o, nil
}

// Allow takes one token from the bucket under key, refilled at rate tokens
// per second up to burst.
func (rc *RedisClient) Allow(ctx context.Context, key string, rate float64, burst int) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.rate_limit")
	defer span.End()

	if rate <= 0 || burst <= 0 {
		return false, errors.New("rate and burst must be positive")
	}

	ttl := bucketTTL(rate, burst)
	allowed, err := rc.bucket.Run(ctx, rc.client, []string{"ratelimit:" + key},
		strconv.FormatFloat(rate, 'f', -1, 64), burst, ttl.Milliseconds()).Int()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to run rate limiter: %w", err)
	}

	span.SetAttributes(attribute.Bool("allowed", allowed == 1))
	return allowed == 1, nil
}

// bucketTTL keeps an idle bucket long enough to refill completely.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil(float64(burst)/rate) + 1
	return time.Duration(seconds) * time.Second
}

// TryLock acquires key for ttl. The returned token is needed to unlock.
func (rc *RedisClient) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := rc.client.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return token, ok, nil
}

// Unlock releases key if it is still held with token.
func (rc *RedisClient) Unlock(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return rc.release.Run(ctx, rc.client, []string{"lock:" + key}, token).Err()
}

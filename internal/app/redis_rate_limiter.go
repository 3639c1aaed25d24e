package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var resyncRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisResyncThrottle allows at most one on-demand LMS resync per student and campus per cooldown,
// shared across every replica of the service.
type RedisResyncThrottle struct {
	client   redis.UniversalClient
	prefix   string
	cooldown time.Duration
}

func NewRedisResyncThrottle(client redis.UniversalClient, prefix string, cooldown time.Duration) *RedisResyncThrottle {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "boletos:resync"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisResyncThrottle{
		client:   client,
		prefix:   trimmedPrefix,
		cooldown: cooldown,
	}
}

// AllowResync reports whether a resync may run now for (cpf, campusID). When it may not,
// retryAfter is the time left in the cooldown.
func (r *RedisResyncThrottle) AllowResync(ctx context.Context, cpf string, campusID uuid.UUID) (bool, time.Duration, error) {
	count, retryAfter, err := r.consume(ctx, campusID.String(), NormalizeCPF(cpf), r.cooldown)
	if err != nil {
		return false, 0, err
	}
	if count <= 1 {
		return true, 0, nil
	}
	return false, retryAfter, nil
}

func (r *RedisResyncThrottle) consume(
	ctx context.Context,
	scope string,
	subject string,
	window time.Duration,
) (count int, retryAfter time.Duration, err error) {
	if r == nil || r.client == nil || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := resyncRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	// Whole seconds, rounded up, so the reported wait never undershoots.
	retrySeconds := int64(math.Ceil(float64(ttlMs) / 1000.0))
	if retrySeconds < 1 {
		retrySeconds = 1
	}

	return int(currentCount), time.Duration(retrySeconds) * time.Second, nil
}

package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestNewRedisResyncThrottleNormalizesPrefix(t *testing.T) {
	cases := map[string]string{
		"":                "boletos:resync",
		"   ":             "boletos:resync",
		"campus:resync:":  "campus:resync",
		" custom:prefix ": "custom:prefix",
	}
	for input, want := range cases {
		if got := NewRedisResyncThrottle(nil, input, time.Minute).prefix; got != want {
			t.Fatalf("prefix %q normalized to %q, want %q", input, got, want)
		}
	}
}

func TestRedisResyncThrottleWithoutClientAllows(t *testing.T) {
	throttle := NewRedisResyncThrottle(nil, "", time.Minute)
	allowed, retryAfter, err := throttle.AllowResync(context.Background(), cpfAna, uuid.New())
	if err != nil || !allowed || retryAfter != 0 {
		t.Fatalf("expected resync to be allowed without redis, got allowed=%v retry_after=%s err=%v", allowed, retryAfter, err)
	}

	disabled := NewRedisResyncThrottle(nil, "", 0)
	if allowed, _, _ := disabled.AllowResync(context.Background(), cpfAna, uuid.New()); !allowed {
		t.Fatal("a zero cooldown disables throttling")
	}
}

func newMiniredisThrottle(t *testing.T, cooldown time.Duration) (*RedisResyncThrottle, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisResyncThrottle(client, "test:resync", cooldown), server
}

func TestRedisResyncThrottleAllowsOncePerCooldown(t *testing.T) {
	throttle, server := newMiniredisThrottle(t, 90*time.Second)
	ctx := context.Background()
	campusA := uuid.New()
	campusB := uuid.New()

	allowed, retryAfter, err := throttle.AllowResync(ctx, cpfAna, campusA)
	if err != nil || !allowed || retryAfter != 0 {
		t.Fatalf("first resync: allowed=%v retry_after=%s err=%v", allowed, retryAfter, err)
	}

	// Formatting characters in the CPF do not open a second slot.
	allowed, retryAfter, err = throttle.AllowResync(ctx, "529.982.247-25", campusA)
	if err != nil {
		t.Fatalf("second resync: %v", err)
	}
	if allowed {
		t.Fatal("expected the second resync in the cooldown to be denied")
	}
	if retryAfter != 90*time.Second {
		t.Fatalf("expected retry after 90s, got %s", retryAfter)
	}

	allowed, _, err = throttle.AllowResync(ctx, cpfAna, campusB)
	if err != nil || !allowed {
		t.Fatalf("another campus has its own cooldown: allowed=%v err=%v", allowed, err)
	}

	key := "test:resync:" + campusA.String() + ":" + cpfAna
	if !server.Exists(key) {
		t.Fatalf("expected key %s to exist", key)
	}
	if ttl := server.TTL(key); ttl <= 0 || ttl > 90*time.Second {
		t.Fatalf("unexpected ttl %s", ttl)
	}

	server.FastForward(91 * time.Second)
	allowed, _, err = throttle.AllowResync(ctx, cpfAna, campusA)
	if err != nil || !allowed {
		t.Fatalf("expected resync after the cooldown: allowed=%v err=%v", allowed, err)
	}
}

func TestRedisResyncThrottleReportsRedisErrors(t *testing.T) {
	throttle, server := newMiniredisThrottle(t, time.Minute)
	server.Close()

	if _, _, err := throttle.AllowResync(context.Background(), cpfAna, uuid.New()); err == nil {
		t.Fatal("expected an error when redis is unreachable")
	}
}

package redis

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"studybuddy/internal/config"
)

func TestPushCappedKeepsTail(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	key := "studybuddy:test:list"
	defer client.inner.Del(ctx, key)

	for _, v := range []string{"a", "b", "c", "d"} {
		if err := client.PushCapped(ctx, key, 3, time.Minute, v); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	got, err := client.List(ctx, key)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("want %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v got %v", want, got)
		}
	}
	ttl, err := client.inner.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		t.Fatalf("expected ttl to be set, got %v (%v)", ttl, err)
	}
}

func TestGetMissingKey(t *testing.T) {
	client := newTestClient(t)
	_, err := client.Get(context.Background(), "studybuddy:test:missing")
	if !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if err := c.Set(context.Background(), "k", "v", 0); err == nil {
		t.Fatalf("expected error from nil client")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close nil client: %v", err)
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := NewRedisClient(context.Background(), config.RedisConfig{Host: host, Port: port})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

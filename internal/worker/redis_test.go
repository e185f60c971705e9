package worker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"lineinspect/internal/config"
	"lineinspect/internal/redis"
)

func TestCompletionEventsNilClient(t *testing.T) {
	events := newCompletionEvents(nil, nil)
	if events != nil {
		t.Fatalf("expected nil events without redis")
	}
	// both are no-ops on nil
	events.startListener(context.Background(), func(completionMessage) {})
	events.publishCompletion(context.Background(), 1)
}

func TestCompletionEventsPubSub(t *testing.T) {
	client := newRedisClient(t)
	events := newCompletionEvents(client, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan completionMessage, 1)
	events.startListener(ctx, func(msg completionMessage) {
		ch <- msg
	})

	events.publishCompletion(ctx, 6)
	select {
	case got := <-ch:
		if got.SessionID != 6 {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive pubsub message")
	}
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed worker tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	client, err := redis.NewRedisClient(&config.Config{
		Redis: config.RedisConfig{Host: host, Port: port, DB: db},
	})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

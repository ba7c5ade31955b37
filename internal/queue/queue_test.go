package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ExtensionHost/internal/config"
	xerrors "ExtensionHost/internal/errors"
)

func TestMemoryQueueDeliversEveryMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewMemoryQueue(256)
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		got  atomic.Int32
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 4, func(_ context.Context, payload []byte) error {
			mu.Lock()
			seen[string(payload)]++
			mu.Unlock()
			got.Add(1)
			return nil
		})
	}()

	buf := make([]byte, 0, 8)
	for i := 0; i < 100; i++ {
		buf = append(buf[:0], byte('a'+i%26), byte('0'+i/26))
		if err := q.Publish(ctx, buf); err != nil {
			t.Fatalf("发布消息失败: %v", err)
		}
	}

	deadline := time.After(3 * time.Second)
	for got.Load() < 100 {
		select {
		case <-deadline:
			t.Fatalf("只消费了 %d 条消息", got.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected consume error: %v", err)
	}
	if len(seen) != 100 {
		t.Fatalf("expected 100 distinct payloads, got %d", len(seen))
	}
}

func TestMemoryQueueHandlerErrorDoesNotStopWorkers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewMemoryQueue(8)
	var handled atomic.Int32
	go func() {
		_ = q.Consume(ctx, 1, func(context.Context, []byte) error {
			handled.Add(1)
			return errors.New("boom")
		})
	}()
	for i := 0; i < 3; i++ {
		if err := q.Publish(ctx, []byte("x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	deadline := time.After(2 * time.Second)
	for handled.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("handled %d messages, want 3", handled.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := q.Publish(context.Background(), []byte("late"))
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected QUEUE_FAILURE, got %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	q, err := Open(config.QueueConfig{Driver: "memory", Memory: config.MemoryConfig{Size: 4}}, TopicEvents)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := q.(*MemoryQueue); !ok {
		t.Fatalf("expected memory queue, got %T", q)
	}

	if _, err := Open(config.QueueConfig{Driver: "kafka"}, TopicEvents); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for unknown driver, got %v", err)
	}
	if _, err := Open(config.QueueConfig{Driver: "redis"}, TopicWebhooks); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for missing redis address, got %v", err)
	}
}

func TestTopicNames(t *testing.T) {
	cases := []struct {
		prefix, fallback, sep, want string
	}{
		{"", "exthost:", ":", "exthost:webhooks"},
		{"acme:", "exthost:", ":", "acme:webhooks"},
		{"acme", "exthost:", ":", "acme:webhooks"},
		{"exthost.", "exthost.", ".", "exthost.webhooks"},
	}
	for _, tc := range cases {
		if got := prefixed(tc.prefix, tc.fallback, tc.sep, TopicWebhooks); got != tc.want {
			t.Fatalf("prefixed(%q) = %q, want %q", tc.prefix, got, tc.want)
		}
	}
}

package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/queue"
	"ExtensionHost/pkg/logger"
	"ExtensionHost/pkg/plugin"
)

// Handler consumes one event. Errors are logged; they never stop the bus.
type Handler func(ctx context.Context, e Event) error

type subscriber struct {
	name    string
	handler Handler
}

// Bus publishes events onto a queue and fans each consumed event out to its subscribers.
type Bus struct {
	q        queue.Queue
	maxDepth int
	log      *slog.Logger
	now      func() time.Time
	newID    func() string

	mu   sync.RWMutex
	subs []subscriber
}

// Option customises a Bus.
type Option func(*Bus)

// WithMaxDepth bounds how many plugin emits may chain. Zero disables the bound.
func WithMaxDepth(depth int) Option {
	return func(b *Bus) { b.maxDepth = depth }
}

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates a bus over q.
func NewBus(q queue.Queue, opts ...Option) *Bus {
	b := &Bus{
		q:     q,
		log:   logger.Named("events"),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler. Every subscriber receives each event concurrently with the
// others, so a slow subscriber never holds back its siblings.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	b.subs = append(b.subs, subscriber{name: name, handler: h})
	b.mu.Unlock()
}

// Publish validates and enqueues an event. Events deeper than the configured bound are
// dropped with LIMIT_EXCEEDED.
func (b *Bus) Publish(ctx context.Context, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = b.newID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = b.now().UTC()
	}
	if e.Source == "" {
		e.Source = SourceHost
	}
	if err := e.Validate(); err != nil {
		return e, err
	}
	if b.maxDepth > 0 && e.Depth > b.maxDepth {
		b.log.Warn("event dropped: depth limit reached",
			slog.String("event_id", e.ID),
			slog.String("type", e.Type),
			slog.String("tenant_id", e.TenantID),
			slog.Int("depth", e.Depth),
		)
		return e, xerrors.New(xerrors.CodeLimitExceeded, fmt.Sprintf("event depth %d exceeds %d", e.Depth, b.maxDepth))
	}
	data, err := Encode(e)
	if err != nil {
		return e, err
	}
	if err := b.q.Publish(ctx, data); err != nil {
		return e, err
	}
	return e, nil
}

// Emit publishes an event on behalf of a sandboxed plugin.
func (b *Bus) Emit(ctx context.Context, id plugin.Identity, eventType string, payload map[string]any, depth int) error {
	_, err := b.Publish(ctx, Event{
		Type:     eventType,
		TenantID: id.TenantID,
		UserID:   id.UserID,
		Payload:  payload,
		Source:   SourcePlugin,
		Emitter:  id.Slug,
		Depth:    depth,
	})
	return err
}

// Run consumes the queue until ctx is cancelled.
func (b *Bus) Run(ctx context.Context, workers int) error {
	return b.q.Consume(ctx, workers, func(ctx context.Context, payload []byte) error {
		e, err := Decode(payload)
		if err != nil {
			b.log.Warn("discarding malformed event", slog.String("error", err.Error()))
			return nil
		}
		b.Deliver(ctx, e)
		return nil
	})
}

// Deliver hands one event to every subscriber at once and returns when all of them are done.
// A failing or panicking subscriber does not affect the others.
func (b *Bus) Deliver(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs...)
	b.mu.RUnlock()
	var g errgroup.Group
	for _, s := range subs {
		s := s
		g.Go(func() error {
			if err := b.safeCall(ctx, s, e); err != nil {
				b.log.Warn("event subscriber failed",
					slog.String("subscriber", s.name),
					slog.String("event_id", e.ID),
					slog.String("type", e.Type),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Bus) safeCall(ctx context.Context, s subscriber, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panicked", slog.String("subscriber", s.name), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler(ctx, e)
}

// Close closes the underlying queue.
func (b *Bus) Close() error {
	return b.q.Close()
}

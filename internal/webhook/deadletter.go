package webhook

import (
	"context"
	"sync"
	"time"

	xerrors "ExtensionHost/internal/errors"
)

// DeadLetter records a delivery that was abandoned.
type DeadLetter struct {
	ID             string    `json:"id"`
	DeliveryID     string    `json:"delivery_id"`
	TenantID       string    `json:"tenant_id"`
	Slug           string    `json:"plugin"`
	InstallationID string    `json:"installation_id"`
	WebhookID      string    `json:"webhook_id"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	URL            string    `json:"url"`
	Attempts       int       `json:"attempts"`
	LastStatus     int       `json:"last_status"`
	LastError      string    `json:"last_error,omitempty"`
	Payload        []byte    `json:"payload,omitempty"`
	FailedAt       time.Time `json:"failed_at"`
}

// DeadLetterStore persists abandoned deliveries for operators.
type DeadLetterStore interface {
	Save(ctx context.Context, dl DeadLetter) error
	// List returns the newest dead letters of a tenant first. limit <= 0 means all.
	List(ctx context.Context, tenantID string, limit int) ([]DeadLetter, error)
}

// MemoryDeadLetters keeps dead letters in process.
type MemoryDeadLetters struct {
	mu      sync.RWMutex
	tenants map[string][]DeadLetter
}

// NewMemoryDeadLetters creates an empty store.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{tenants: make(map[string][]DeadLetter)}
}

// Save implements DeadLetterStore.
func (s *MemoryDeadLetters) Save(_ context.Context, dl DeadLetter) error {
	if dl.TenantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "dead letter tenant_id is required")
	}
	dl.Payload = append([]byte(nil), dl.Payload...)
	s.mu.Lock()
	s.tenants[dl.TenantID] = append(s.tenants[dl.TenantID], dl)
	s.mu.Unlock()
	return nil
}

// List implements DeadLetterStore.
func (s *MemoryDeadLetters) List(_ context.Context, tenantID string, limit int) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.tenants[tenantID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]DeadLetter, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

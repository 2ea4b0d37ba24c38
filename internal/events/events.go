package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"referral-rewards-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventRewardGranted is emitted after a payout has been appended to the ledger.
	EventRewardGranted       EventType = "reward.granted"
	// EventRewardDenied is emitted when a payout is refused by a usage cap.
	EventRewardDenied        EventType = "reward.denied"
	// EventProcessed is emitted once per completed qualifying event.
	EventProcessed           EventType = "event.processed"
	EventTransactionVerified EventType = "transaction.verified"
	EventTransactionRejected EventType = "transaction.rejected"
	// EventWithdrawalRequested is emitted when a withdrawal passes the balance guard.
	EventWithdrawalRequested EventType = "withdrawal.requested"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      any
}

// RewardGrantedData is carried by EventRewardGranted.
type RewardGrantedData struct {
	EventID     string
	RuleID      string
	ActionType  models.ActionType
	RewardType  models.RewardType
	Transaction models.Transaction
}

// RewardDeniedData is carried by EventRewardDenied.
type RewardDeniedData struct {
	EventID string
	RuleID  string
	UserID  string
	Reason  string
}

// ProcessedData is carried by EventProcessed.
type ProcessedData struct {
	Result   models.ProcessResult
	Duration time.Duration
}

// TransactionData is carried by the verification and withdrawal events.
type TransactionData struct {
	Transaction models.Transaction
	Actor       string
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager dispatches events to subscribers asynchronously.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	logger   *slog.Logger
	inflight sync.WaitGroup
}

// NewManager creates a new event manager. A disabled manager drops
// subscriptions and publications.
func NewManager(enabled bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   logger,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish delivers the event to every subscriber on its own goroutine.
// Handlers run detached from the caller's cancellation.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data any) {
	if m == nil {
		return
	}

	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return
	}
	handlers := append([]Handler(nil), m.handlers[eventType]...)
	m.inflight.Add(len(handlers))
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	detached := context.WithoutCancel(ctx)

	for _, handler := range handlers {
		go func(h Handler) {
			defer m.inflight.Done()
			if err := h(detached, event); err != nil {
				m.logger.WarnContext(detached, "event handler failed",
					slog.String("event_type", string(eventType)),
					slog.String("error", err.Error()),
				)
			}
		}(handler)
	}
}

// Wait blocks until every handler started so far has returned.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Shutdown stops accepting events and waits for running handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.inflight.Wait()
}

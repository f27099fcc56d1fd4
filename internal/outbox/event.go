// Package outbox stores notifications inside business transactions and relays
// them to the message broker afterwards.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/licenseflow/internal/domain"
)

const (
	StatusPending   = "PENDING"
	StatusPublished = "PUBLISHED"
	StatusFailed    = "FAILED"

	maxPayloadBytes = 1 << 20
)

var (
	ErrEventTypeRequired   = errors.New("outbox event type is required")
	ErrAggregateIDRequired = errors.New("outbox aggregate id is required")
	ErrPayloadTooLarge     = errors.New("outbox payload exceeds max size")
)

type Event struct {
	ID          uuid.UUID
	EventType   string
	AggregateID string
	Payload     []byte
	Status      string
	Attempts    int
	LastError   string
	PublishedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewNotificationEvent wraps n as a pending event keyed by the recipient so a
// customer's notifications stay ordered on one partition.
func NewNotificationEvent(n domain.Notification) (*Event, error) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}

	return NewEvent(string(n.Type), strings.ToLower(n.RecipientEmail), payload)
}

func NewEvent(eventType, aggregateID string, payload []byte) (*Event, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}
	if aggregateID == "" {
		return nil, ErrAggregateIDRequired
	}
	if len(payload) > maxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	now := time.Now().UTC()
	return &Event{
		ID:          uuid.New(),
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

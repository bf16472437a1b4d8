package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Delivery statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Delivery is one observation waiting to be forwarded by the outbox relay.
type Delivery struct {
	ID          string
	ObservedAt  time.Time
	Signal      string // wire key, e.g. "heart_rate"
	Value       float64
	ContextJSON string // empty when the observation carried no context
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

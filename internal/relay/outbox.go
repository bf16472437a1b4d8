// Package relay implements the outbox delivery mode: observations are
// queued in SQLite by the dispatcher and forwarded by a polling worker that
// retries with exponential backoff.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kalambet/vitalsd/internal/signal"
	"github.com/kalambet/vitalsd/internal/status"
	"github.com/kalambet/vitalsd/internal/storage"
)

// Queue is the subset of storage.Store used to enqueue deliveries.
type Queue interface {
	EnqueueDelivery(d storage.Delivery) error
}

// contextDoc is the persisted form of signal.Context.
type contextDoc struct {
	UserState         string   `json:"user_state"`
	DrinkAmount       *string  `json:"drink_amount,omitempty"`
	AlcoholPercentage *float64 `json:"alcohol_percentage,omitempty"`
}

func encodeContext(c *signal.Context) (string, error) {
	if c == nil {
		return "", nil
	}
	n := c.Normalize()
	b, err := json.Marshal(contextDoc{
		UserState:         n.UserState.String(),
		DrinkAmount:       n.DrinkAmount,
		AlcoholPercentage: n.AlcoholPercentage,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeContext(s string) (*signal.Context, error) {
	if s == "" {
		return nil, nil
	}
	var doc contextDoc
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("parsing context: %w", err)
	}
	state, err := signal.ParseUserState(doc.UserState)
	if err != nil {
		return nil, err
	}
	c := signal.Context{UserState: state, DrinkAmount: doc.DrinkAmount, AlcoholPercentage: doc.AlcoholPercentage}.Normalize()
	return &c, nil
}

// Outbox is a scheduler.Forwarder that persists observations instead of
// sending them.
type Outbox struct {
	queue       Queue
	maxAttempts int
	pub         status.Publisher
	logger      *slog.Logger
}

// NewOutbox creates an Outbox. maxAttempts <= 0 uses the storage default.
func NewOutbox(queue Queue, maxAttempts int, pub status.Publisher) *Outbox {
	if pub == nil {
		pub = status.Discard
	}
	return &Outbox{queue: queue, maxAttempts: maxAttempts, pub: pub, logger: slog.Default()}
}

// Forward enqueues obs. Enqueue failures are reported as log_failed events.
func (o *Outbox) Forward(_ context.Context, obs signal.Observation) {
	if err := o.Enqueue(obs); err != nil {
		o.logger.Error("outbox enqueue failed", "signal", obs.Type.Key(), "error", err)
		o.pub.Publish(status.Event{
			Time:    obs.Timestamp,
			Kind:    status.KindLogFailed,
			Signal:  obs.Type.Key(),
			Value:   obs.Value,
			Message: err.Error(),
		})
		return
	}
	o.pub.Publish(status.Event{Time: obs.Timestamp, Kind: status.KindQueued, Signal: obs.Type.Key(), Value: obs.Value})
}

// Enqueue stores obs as a pending delivery.
func (o *Outbox) Enqueue(obs signal.Observation) error {
	ctxJSON, err := encodeContext(obs.Context)
	if err != nil {
		return fmt.Errorf("encoding context: %w", err)
	}
	d := storage.Delivery{
		ID:          uuid.New().String(),
		ObservedAt:  obs.Timestamp,
		Signal:      obs.Type.Key(),
		Value:       obs.Value,
		ContextJSON: ctxJSON,
		MaxAttempts: o.maxAttempts,
	}
	if err := o.queue.EnqueueDelivery(d); err != nil {
		return fmt.Errorf("enqueueing delivery: %w", err)
	}
	return nil
}

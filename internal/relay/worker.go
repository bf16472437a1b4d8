package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/vitalsd/internal/scheduler"
	"github.com/kalambet/vitalsd/internal/signal"
	"github.com/kalambet/vitalsd/internal/sink"
	"github.com/kalambet/vitalsd/internal/status"
	"github.com/kalambet/vitalsd/internal/storage"
)

// DeliveryStore abstracts the outbox queue operations.
type DeliveryStore interface {
	ClaimNextDelivery() (*storage.Delivery, error)
	CompleteDelivery(id string) error
	FailDelivery(id string, errMsg string) (bool, error)
	AbandonDelivery(id, errMsg string) error
	CountByStatus(status string) (int, error)
}

// Worker forwards pending deliveries from the outbox to the remote sink.
type Worker struct {
	store   DeliveryStore
	sender  sink.Sender
	poll    time.Duration
	pub     status.Publisher
	onDepth func(int)
	logger  *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store DeliveryStore, sender sink.Sender, pollInterval time.Duration, pub status.Publisher) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if pub == nil {
		pub = status.Discard
	}
	return &Worker{
		store:  store,
		sender: sender,
		poll:   pollInterval,
		pub:    pub,
		logger: slog.Default(),
	}
}

// OnDepth registers a callback receiving the pending count after every
// idle poll (used for the outbox depth gauge).
func (w *Worker) OnDepth(fn func(int)) { w.onDepth = fn }

// Run polls for deliveries until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("relay iteration failed", "error", err)
		}
		if done {
			continue
		}
		w.reportDepth()

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// Drain forwards every due delivery and returns how many were attempted.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		done, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !done {
			break
		}
		n++
	}
	w.reportDepth()
	return n, ctx.Err()
}

func (w *Worker) reportDepth() {
	if w.onDepth == nil {
		return
	}
	n, err := w.store.CountByStatus(storage.StatusPending)
	if err != nil {
		w.logger.Warn("counting pending deliveries", "error", err)
		return
	}
	w.onDepth(n)
}

// RunOnce claims and forwards a single delivery.
// Returns true if a delivery was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	d, err := w.store.ClaimNextDelivery()
	if err != nil {
		return false, fmt.Errorf("claiming delivery: %w", err)
	}
	if d == nil {
		return false, nil
	}

	obs, err := observationFrom(d)
	if err != nil {
		// A row we cannot decode will never succeed.
		w.logger.Warn("abandoning undecodable delivery", "delivery_id", d.ID, "error", err)
		if abErr := w.store.AbandonDelivery(d.ID, err.Error()); abErr != nil {
			return true, fmt.Errorf("abandoning delivery %s: %w", d.ID, abErr)
		}
		w.pub.Publish(status.Event{Kind: status.KindGaveUp, Signal: d.Signal, Value: d.Value, Message: err.Error()})
		return true, nil
	}

	out := w.sender.Send(ctx, obs)
	w.pub.Publish(scheduler.OutcomeEvent(obs, out))

	if out.OK() {
		if err := w.store.CompleteDelivery(d.ID); err != nil {
			return true, fmt.Errorf("completing delivery %s: %w", d.ID, err)
		}
		return true, nil
	}

	reason := out.Err().Error()
	if permanent(out) {
		if err := w.store.AbandonDelivery(d.ID, reason); err != nil {
			return true, fmt.Errorf("abandoning delivery %s: %w", d.ID, err)
		}
		w.gaveUp(obs, reason)
		return true, nil
	}

	exhausted, err := w.store.FailDelivery(d.ID, reason)
	if err != nil {
		w.logger.Error("failed to mark delivery as failed", "delivery_id", d.ID, "error", err)
		return true, nil
	}
	if exhausted {
		w.gaveUp(obs, reason)
	}
	return true, nil
}

func (w *Worker) gaveUp(obs signal.Observation, reason string) {
	w.logger.Warn("delivery given up", "signal", obs.Type.Key(), "timestamp", obs.Timestamp, "reason", reason)
	w.pub.Publish(status.Event{Time: obs.Timestamp, Kind: status.KindGaveUp, Signal: obs.Type.Key(), Value: obs.Value, Message: reason})
}

// permanent reports whether retrying cannot help: the server understood the
// request and refused it. 408 and 429 are retried.
func permanent(out sink.Outcome) bool {
	if out.Kind != sink.Rejected {
		return false
	}
	switch out.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return out.Code >= 400 && out.Code < 500
}

func observationFrom(d *storage.Delivery) (signal.Observation, error) {
	t, ok := signal.ParseKey(d.Signal)
	if !ok {
		return signal.Observation{}, fmt.Errorf("unknown signal %q", d.Signal)
	}
	ctx, err := decodeContext(d.ContextJSON)
	if err != nil {
		return signal.Observation{}, err
	}
	return signal.NewObservation(d.ObservedAt, t, d.Value, ctx), nil
}

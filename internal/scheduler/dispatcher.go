package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/vitalsd/internal/signal"
	"github.com/kalambet/vitalsd/internal/sink"
	"github.com/kalambet/vitalsd/internal/status"
)

const (
	defaultWorkers = 4
	defaultBuffer  = 64
)

// Forwarder handles one observation taken off the dispatch queue.
type Forwarder interface {
	Forward(ctx context.Context, obs signal.Observation)
}

// Dispatcher decouples the tick from delivery. Submit never blocks: when the
// queue is full the observation is dropped with a dispatch_dropped event
// (the durable log already holds it). Run forwards queued observations with
// at most Workers concurrent sends.
type Dispatcher struct {
	queue   chan signal.Observation
	fwd     Forwarder
	workers int
	pub     status.Publisher
	logger  *slog.Logger

	dropped   atomic.Uint64
	submitted atomic.Uint64
}

// NewDispatcher creates a Dispatcher. Non-positive workers or buffer fall back
// to 4 and 64.
func NewDispatcher(fwd Forwarder, workers, buffer int, pub status.Publisher) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if pub == nil {
		pub = status.Discard
	}
	return &Dispatcher{
		queue:   make(chan signal.Observation, buffer),
		fwd:     fwd,
		workers: workers,
		pub:     pub,
		logger:  slog.Default(),
	}
}

// Submit enqueues obs for delivery.
func (d *Dispatcher) Submit(obs signal.Observation) {
	select {
	case d.queue <- obs:
		d.submitted.Add(1)
	default:
		d.dropped.Add(1)
		d.pub.Publish(status.Event{
			Time:    obs.Timestamp,
			Kind:    status.KindDispatchDropped,
			Signal:  obs.Type.Key(),
			Value:   obs.Value,
			Message: "dispatch queue full",
		})
	}
}

// Dropped returns how many observations were discarded, either by Submit on
// a full queue or at shutdown.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Submitted returns how many observations Submit accepted.
func (d *Dispatcher) Submitted() uint64 { return d.submitted.Load() }

// Queued returns the current queue length.
func (d *Dispatcher) Queued() int { return len(d.queue) }

// Run forwards observations until ctx is cancelled. Sends already started
// are not cancelled with ctx; they finish within the sink's own timeout and
// Run waits for them. Observations still queued at shutdown are reported
// as dispatch_dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(d.workers)
	sendCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			d.drainQueue()
			_ = g.Wait()
			return
		}
		select {
		case <-ctx.Done():
		case obs := <-d.queue:
			g.Go(func() error {
				d.fwd.Forward(sendCtx, obs)
				return nil
			})
		}
	}
}

func (d *Dispatcher) drainQueue() {
	n := 0
	for {
		select {
		case obs := <-d.queue:
			n++
			d.dropped.Add(1)
			d.pub.Publish(status.Event{
				Time:    obs.Timestamp,
				Kind:    status.KindDispatchDropped,
				Signal:  obs.Type.Key(),
				Value:   obs.Value,
				Message: "dispatcher shutting down",
			})
		default:
			if n > 0 {
				d.logger.Warn("dropped queued observations at shutdown", "count", n)
			}
			return
		}
	}
}

// SinkForwarder sends each observation straight to the remote sink and
// reports the outcome.
type SinkForwarder struct {
	sender sink.Sender
	pub    status.Publisher
}

// NewSinkForwarder wraps sender.
func NewSinkForwarder(sender sink.Sender, pub status.Publisher) *SinkForwarder {
	if pub == nil {
		pub = status.Discard
	}
	return &SinkForwarder{sender: sender, pub: pub}
}

// Forward sends obs once. Failed deliveries are reported, not retried.
func (f *SinkForwarder) Forward(ctx context.Context, obs signal.Observation) {
	out := f.sender.Send(ctx, obs)
	f.pub.Publish(OutcomeEvent(obs, out))
}

// OutcomeEvent maps a delivery outcome to its status event.
func OutcomeEvent(obs signal.Observation, out sink.Outcome) status.Event {
	e := status.Event{
		Time:    obs.Timestamp,
		Signal:  obs.Type.Key(),
		Value:   obs.Value,
		Latency: out.Latency,
	}
	switch out.Kind {
	case sink.Delivered:
		e.Kind = status.KindDelivered
	case sink.Rejected:
		e.Kind = status.KindRejected
		e.Code = out.Code
		e.Message = fmt.Sprintf("HTTP %d: %s", out.Code, out.Detail)
	default:
		e.Kind = status.KindUnreachable
		e.Message = out.Detail
	}
	return e
}

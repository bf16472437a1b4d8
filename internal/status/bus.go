// Package status carries pipeline diagnostics from producers (scheduler,
// dispatcher, ingress, relay) to a single consumer goroutine that fans them
// out to the log, the metrics and the recent-events ring.
package status

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind names what happened.
type Kind string

const (
	KindTick               Kind = "tick"
	KindLogged             Kind = "logged"
	KindLogFailed          Kind = "log_failed"
	KindDelivered          Kind = "delivered"
	KindRejected           Kind = "rejected"
	KindUnreachable        Kind = "unreachable"
	KindIngressApplied     Kind = "ingress_applied"
	KindIngressDropped     Kind = "ingress_dropped"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindDispatchDropped    Kind = "dispatch_dropped"
	KindQueued             Kind = "queued"
	KindGaveUp             Kind = "gave_up"
	KindRecording          Kind = "recording"
	KindIdle               Kind = "idle"
)

// Failure reports whether the kind describes something going wrong.
func (k Kind) Failure() bool {
	switch k {
	case KindLogFailed, KindRejected, KindUnreachable, KindIngressDropped,
		KindStorageUnavailable, KindDispatchDropped, KindGaveUp:
		return true
	}
	return false
}

// Event is one diagnostic. Signal is the wire key of the signal involved, if any.
type Event struct {
	ID      string        `json:"id"`
	Time    time.Time     `json:"time"`
	Kind    Kind          `json:"kind"`
	Signal  string        `json:"signal,omitempty"`
	Value   float64       `json:"value,omitempty"`
	Code    int           `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency_ns,omitempty"`
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus is a buffered event channel with one consumer. Publish never blocks;
// events that do not fit are counted and dropped.
type Bus struct {
	ch      chan Event
	dropped atomic.Uint64
	logger  *slog.Logger

	mu     sync.Mutex
	subs   []func(Event)
	recent []Event
	next   int
	filled bool
}

// NewBus creates a Bus with the given channel buffer and recent-events capacity.
func NewBus(buffer, recent int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	if recent <= 0 {
		recent = 100
	}
	return &Bus{
		ch:     make(chan Event, buffer),
		recent: make([]Event, recent),
		logger: slog.Default(),
	}
}

// Subscribe registers fn to be called from the consumer goroutine for every event.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

// Publish stamps e with an ID and time if missing and enqueues it.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full buffer.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Run consumes events until ctx is cancelled, then drains what is buffered.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case e := <-b.ch:
			b.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-b.ch:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.log(e)

	b.mu.Lock()
	b.recent[b.next] = e
	b.next = (b.next + 1) % len(b.recent)
	if b.next == 0 {
		b.filled = true
	}
	subs := b.subs
	b.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}

func (b *Bus) log(e Event) {
	attrs := []any{"kind", string(e.Kind)}
	if e.Signal != "" {
		attrs = append(attrs, "signal", e.Signal, "value", e.Value)
	}
	if e.Code != 0 {
		attrs = append(attrs, "code", e.Code)
	}
	if e.Message != "" {
		attrs = append(attrs, "detail", e.Message)
	}
	if e.Kind.Failure() {
		b.logger.Warn("pipeline event", attrs...)
		return
	}
	b.logger.Debug("pipeline event", attrs...)
}

// Recent returns up to n of the most recently consumed events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var all []Event
	if b.filled {
		all = append(all, b.recent[b.next:]...)
	}
	all = append(all, b.recent[:b.next]...)
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

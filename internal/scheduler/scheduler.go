// Package scheduler drives the recording loop: on every tick it flushes the
// sample store into the durable log and hands each written observation to
// the dispatcher for delivery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/vitalsd/internal/clock"
	"github.com/kalambet/vitalsd/internal/durablelog"
	"github.com/kalambet/vitalsd/internal/samplestore"
	"github.com/kalambet/vitalsd/internal/signal"
	"github.com/kalambet/vitalsd/internal/status"
)

const defaultInterval = time.Second

// State is the scheduler's lifecycle state.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

// Appender persists one record. *durablelog.Log and *durablelog.Lazy implement it.
type Appender interface {
	Append(rec durablelog.Record) error
}

// Submitter accepts an observation for delivery without blocking.
type Submitter interface {
	Submit(obs signal.Observation)
}

// ContextSource supplies the user context attached to a tick's observations.
type ContextSource interface {
	Current() *signal.Context
}

// Poller reads a local sensor subsystem at the start of each tick.
type Poller interface {
	Poll(ctx context.Context) (map[signal.Type]float64, error)
}

// Config controls tick timing. Cadence optionally slows individual signal
// types down: a type with a cadence is flushed only when that much time has
// passed since its previous flush.
type Config struct {
	Interval time.Duration
	Cadence  map[signal.Type]time.Duration
}

// Report summarises one flush.
type Report struct {
	Time     time.Time
	Observed int
	Logged   []signal.Observation
	Failed   int
	Skipped  int
}

// Scheduler owns the recording loop. Start and Stop are safe to call from
// any goroutine; only one tick stream exists at a time.
type Scheduler struct {
	store    *samplestore.Store
	log      Appender
	submit   Submitter
	interval time.Duration
	cadence  map[signal.Type]time.Duration

	clock   clock.Clock
	pub     status.Publisher
	context ContextSource
	pollers []Poller
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	flushMu   sync.Mutex
	lastFlush map[signal.Type]time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the real clock (for tests).
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithPublisher sets where status events go.
func WithPublisher(p status.Publisher) Option { return func(s *Scheduler) { s.pub = p } }

// WithContextSource attaches user context to observations.
func WithContextSource(c ContextSource) Option { return func(s *Scheduler) { s.context = c } }

// WithPollers adds local sensor pollers.
func WithPollers(p ...Poller) Option {
	return func(s *Scheduler) { s.pollers = append(s.pollers, p...) }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New creates an idle Scheduler. A non-positive interval defaults to 1s.
func New(store *samplestore.Store, log Appender, submit Submitter, cfg Config, opts ...Option) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	cadence := make(map[signal.Type]time.Duration, len(cfg.Cadence))
	for t, d := range cfg.Cadence {
		if d > 0 {
			cadence[t] = d
		}
	}
	s := &Scheduler{
		store:     store,
		log:       log,
		submit:    submit,
		interval:  interval,
		cadence:   cadence,
		clock:     clock.Real(),
		pub:       status.Discard,
		logger:    slog.Default(),
		lastFlush: make(map[signal.Type]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports whether the scheduler is recording.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Interval returns the tick period.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Start begins ticking. It returns false, and does nothing, if the
// scheduler is already recording.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Recording {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker := s.clock.NewTicker(s.interval)
	done := make(chan struct{})
	go s.loop(ctx, ticker, done)

	s.state = Recording
	s.cancel = cancel
	s.done = done
	s.logger.Info("recording started", "interval", s.interval)
	s.pub.Publish(status.Event{Kind: status.KindRecording})
	return true
}

// Stop cancels the tick stream and waits for an in-flight tick to finish,
// so no tick runs after Stop returns. It returns false if already idle.
// Deliveries already handed to the dispatcher are not cancelled.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Idle {
		return false
	}

	s.cancel()
	<-s.done
	s.state = Idle
	s.cancel = nil
	s.done = nil
	s.logger.Info("recording stopped")
	s.pub.Publish(status.Event{Kind: status.KindIdle})
	return true
}

func (s *Scheduler) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			// A tick and a cancellation can be ready together; cancellation wins.
			if ctx.Err() != nil {
				return
			}
			s.Flush(ctx, now)
		}
	}
}

// Flush performs one tick at time now: poll, snapshot, append every present
// signal in declaration order, then submit the observations that were
// written. Failures are published as status events, never returned.
func (s *Scheduler) Flush(ctx context.Context, now time.Time) Report {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.poll(ctx)

	snap := s.store.Snapshot()
	var userCtx *signal.Context
	if s.context != nil {
		userCtx = s.context.Current()
	}

	report := Report{Time: now, Observed: len(snap)}
	s.pub.Publish(status.Event{Time: now, Kind: status.KindTick, Message: fmt.Sprintf("%d signals observed", len(snap))})

	for _, t := range signal.Types() {
		v, ok := snap[t]
		if !ok {
			continue
		}
		if !s.dueLocked(t, now) {
			report.Skipped++
			continue
		}

		obs := signal.NewObservation(now, t, v, userCtx)
		if err := s.log.Append(durablelog.RecordFrom(obs)); err != nil {
			report.Failed++
			kind := status.KindLogFailed
			if errors.Is(err, signal.ErrStorageUnavailable) {
				kind = status.KindStorageUnavailable
			}
			s.pub.Publish(status.Event{Time: now, Kind: kind, Signal: t.Key(), Value: v, Message: err.Error()})
			continue
		}
		s.lastFlush[t] = now
		report.Logged = append(report.Logged, obs)
		s.pub.Publish(status.Event{Time: now, Kind: status.KindLogged, Signal: t.Key(), Value: v})
	}

	for _, obs := range report.Logged {
		s.submit.Submit(obs)
	}
	return report
}

// FlushNow runs one tick immediately at the scheduler clock's current time,
// whether or not recording is active.
func (s *Scheduler) FlushNow(ctx context.Context) Report {
	return s.Flush(ctx, s.clock.Now())
}

// dueLocked reports whether t should be flushed at now. Callers hold flushMu.
func (s *Scheduler) dueLocked(t signal.Type, now time.Time) bool {
	cad, ok := s.cadence[t]
	if !ok {
		return true
	}
	last, seen := s.lastFlush[t]
	if !seen {
		return true
	}
	return now.Sub(last) >= cad
}

func (s *Scheduler) poll(ctx context.Context) {
	for _, p := range s.pollers {
		readings, err := p.Poll(ctx)
		if err != nil {
			s.logger.Warn("sensor poll failed", "error", err)
			continue
		}
		for t, v := range readings {
			if err := t.CheckValue(v); err != nil {
				s.logger.Warn("sensor reading dropped", "error", err)
				s.pub.Publish(status.Event{Kind: status.KindIngressDropped, Signal: t.Key(), Message: err.Error()})
				continue
			}
			s.store.Update(t, v)
		}
	}
}

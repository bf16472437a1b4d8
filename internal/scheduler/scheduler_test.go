package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/vitalsd/internal/clock"
	"github.com/kalambet/vitalsd/internal/durablelog"
	"github.com/kalambet/vitalsd/internal/samplestore"
	"github.com/kalambet/vitalsd/internal/signal"
	"github.com/kalambet/vitalsd/internal/status"
)

var t0 = time.Date(2024, 3, 9, 8, 15, 29, 0, time.UTC)

// mockAppender records appends and can fail selected signal types.
type mockAppender struct {
	mu      sync.Mutex
	records []durablelog.Record
	failFor map[signal.Type]error
}

func (m *mockAppender) Append(rec durablelog.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[rec.Type]; err != nil {
		return err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *mockAppender) all() []durablelog.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]durablelog.Record(nil), m.records...)
}

// chanSubmitter forwards every submitted observation to a channel.
type chanSubmitter struct {
	ch chan signal.Observation
}

func newChanSubmitter() *chanSubmitter {
	return &chanSubmitter{ch: make(chan signal.Observation, 64)}
}

func (s *chanSubmitter) Submit(obs signal.Observation) { s.ch <- obs }

func (s *chanSubmitter) next(t *testing.T) signal.Observation {
	t.Helper()
	select {
	case obs := <-s.ch:
		return obs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a submitted observation")
	}
	return signal.Observation{}
}

// recordingPublisher keeps every event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []status.Event
}

func (p *recordingPublisher) Publish(e status.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) kinds() []status.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]status.Kind, len(p.events))
	for i, e := range p.events {
		out[i] = e.Kind
	}
	return out
}

func (p *recordingPublisher) count(k status.Kind) int {
	n := 0
	for _, got := range p.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

func TestRecording_FirstTickLogsAndSubmits(t *testing.T) {
	store := samplestore.New()
	store.Update(signal.HeartRate, 72)
	app := &mockAppender{}
	sub := newChanSubmitter()
	clk := clock.Fake(t0)

	s := New(store, app, sub, Config{Interval: time.Second}, WithClock(clk))
	if !s.Start() {
		t.Fatal("Start returned false on an idle scheduler")
	}
	defer s.Stop()

	clk.WaitForTimers(1)
	clk.Advance(time.Second)

	obs := sub.next(t)
	want := t0.Add(time.Second)
	if obs.Type != signal.HeartRate || obs.Value != 72 || !obs.Timestamp.Equal(want) {
		t.Errorf("submitted %+v, want heart rate 72 at %v", obs, want)
	}

	recs := app.all()
	if len(recs) != 1 {
		t.Fatalf("appended %d records, want 1", len(recs))
	}
	if recs[0].Type != signal.HeartRate || recs[0].Value != 72 || !recs[0].Timestamp.Equal(want) {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestStart_Idempotent(t *testing.T) {
	clk := clock.Fake(t0)
	s := New(samplestore.New(), &mockAppender{}, newChanSubmitter(), Config{}, WithClock(clk))

	if !s.Start() {
		t.Fatal("first Start returned false")
	}
	defer s.Stop()
	if s.Start() {
		t.Error("second Start returned true")
	}
	if s.State() != Recording {
		t.Errorf("state = %v, want recording", s.State())
	}
	if n := clk.PendingCount(); n != 1 {
		t.Errorf("pending tickers = %d, want 1", n)
	}
}

func TestStop_NoTicksAfterReturn(t *testing.T) {
	store := samplestore.New()
	store.Update(signal.StepCount, 1200)
	app := &mockAppender{}
	sub := newChanSubmitter()
	clk := clock.Fake(t0)
	s := New(store, app, sub, Config{}, WithClock(clk))

	if s.Stop() {
		t.Error("Stop on idle scheduler returned true")
	}

	s.Start()
	clk.WaitForTimers(1)
	if !s.Stop() {
		t.Fatal("Stop returned false while recording")
	}
	if s.State() != Idle {
		t.Errorf("state = %v, want idle", s.State())
	}
	if n := clk.PendingCount(); n != 0 {
		t.Errorf("pending tickers after Stop = %d, want 0", n)
	}

	clk.Advance(5 * time.Second)
	select {
	case obs := <-sub.ch:
		t.Errorf("observation submitted after Stop: %+v", obs)
	case <-time.After(50 * time.Millisecond):
	}
	if got := len(app.all()); got != 0 {
		t.Errorf("appended %d records after Stop", got)
	}
	if s.Stop() {
		t.Error("second Stop returned true")
	}
}

func TestStartStopStart(t *testing.T) {
	store := samplestore.New()
	store.Update(signal.HeartRate, 60)
	sub := newChanSubmitter()
	clk := clock.Fake(t0)
	s := New(store, &mockAppender{}, sub, Config{}, WithClock(clk))

	s.Start()
	s.Stop()
	if !s.Start() {
		t.Fatal("restart returned false")
	}
	defer s.Stop()

	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	if obs := sub.next(t); obs.Value != 60 {
		t.Errorf("value = %v, want 60", obs.Value)
	}
}

func TestFlush_DeclarationOrder(t *testing.T) {
	store := samplestore.New()
	store.Update(signal.DrinkCount, 2)
	store.Update(signal.SkinTemperature, 33.4)
	store.Update(signal.HeartRate, 80)
	store.Update(signal.StepCount, 10)
	app := &mockAppender{}
	sub := newChanSubmitter()
	s := New(store, app, sub, Config{})

	report := s.Flush(context.Background(), t0)
	if report.Observed != 4 || len(report.Logged) != 4 {
		t.Fatalf("report = %+v", report)
	}

	want := []signal.Type{signal.HeartRate, signal.StepCount, signal.SkinTemperature, signal.DrinkCount}
	for i, rec := range app.all() {
		if rec.Type != want[i] {
			t.Errorf("record %d type = %v, want %v", i, rec.Type, want[i])
		}
	}
	for i := range want {
		if obs := sub.next(t); obs.Type != want[i] {
			t.Errorf("submission %d type = %v, want %v", i, obs.Type, want[i])
		}
	}
}

func TestFlush_EmptyStoreWritesNothing(t *testing.T) {
	app := &mockAppender{}
	pub := &recordingPublisher{}
	s := New(samplestore.New(), app, newChanSubmitter(), Config{}, WithPublisher(pub))

	report := s.Flush(context.Background(), t0)
	if report.Observed != 0 || len(report.Logged) != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(app.all()) != 0 {
		t.Error("empty store produced records")
	}
	if pub.count(status.KindTick) != 1 {
		t.Errorf("tick events = %d, want 1", pub.count(status.KindTick))
	}
}

func TestFlush_LogFailureIsolatedPerType(t *testing.T) {
	store := samplestore.New()
	store.Update(signal.HeartRate, 70)
	store.Update(signal.StepCount, 5)
	app := &mockAppender{failFor: map[signal.Type]error{
		signal.HeartRate: &signal.IOFailure{Reason: "disk full"},
	}}
	sub := newChanSubmitter()
	pub := &recordingPublisher{}
	s := New(store, app, sub, Config{}, WithPublisher(pub))

	report := s.Flush(context.Background(), t0)
	if report.Failed != 1 || len(report.Logged) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if obs := sub.next(t); obs.Type != signal.StepCount {
		t.Errorf("submitted %v, want step count only", obs.Type)
	}
	select {
	case obs := <-sub.ch:
		t.Errorf("failed record was submitted: %+v", obs)
	default:
	}
	if pub.count(status.KindLogFailed) != 1 || pub.count(status.KindLogged) != 1 {
		t.Errorf("events = %v", pub.kinds())
	}
}

func TestFlush_StorageUnavailableKeepsRunning(t *testing.T) {
	store := samplestore.New()
	store.Update(signal.HeartRate, 70)
	unavailable := fmt.Errorf("%w: open log: permission denied", signal.ErrStorageUnavailable)
	app := &mockAppender{failFor: map[signal.Type]error{signal.HeartRate: unavailable}}
	pub := &recordingPublisher{}
	s := New(store, app, newChanSubmitter(), Config{}, WithPublisher(pub))

	for i := 0; i < 3; i++ {
		s.Flush(context.Background(), t0.Add(time.Duration(i)*time.Second))
	}
	if n := pub.count(status.KindStorageUnavailable); n != 3 {
		t.Errorf("storage_unavailable events = %d, want 3", n)
	}
}

func TestFlush_AttachesContext(t *testing.T) {
	store := samplestore.New()
	store.Update(signal.DrinkCount, 1)
	amount := "330ml"
	pct := 5.0
	holder := &ContextHolder{}
	holder.Set(&signal.Context{UserState: signal.Drinking, DrinkAmount: &amount, AlcoholPercentage: &pct})
	sub := newChanSubmitter()
	s := New(store, &mockAppender{}, sub, Config{}, WithContextSource(holder))

	s.Flush(context.Background(), t0)
	obs := sub.next(t)
	if obs.Context == nil || obs.Context.UserState != signal.Drinking {
		t.Fatalf("context = %+v", obs.Context)
	}
	if *obs.Context.DrinkAmount != "330ml" || *obs.Context.AlcoholPercentage != 5 {
		t.Errorf("drink fields = %v %v", *obs.Context.DrinkAmount, *obs.Context.AlcoholPercentage)
	}

	// Later changes to the holder must not leak into submitted observations.
	holder.Set(&signal.Context{UserState: signal.Normal})
	if obs.Context.UserState != signal.Drinking {
		t.Error("observation context mutated after Set")
	}
}

func TestFlush_Cadence(t *testing.T) {
	store := samplestore.New()
	store.Update(signal.HeartRate, 70)
	store.Update(signal.SkinTemperature, 33)
	app := &mockAppender{}
	s := New(store, app, newChanSubmitter(), Config{
		Cadence: map[signal.Type]time.Duration{signal.SkinTemperature: 3 * time.Second},
	})

	for i := 0; i < 4; i++ {
		s.Flush(context.Background(), t0.Add(time.Duration(i)*time.Second))
	}

	counts := map[signal.Type]int{}
	for _, rec := range app.all() {
		counts[rec.Type]++
	}
	if counts[signal.HeartRate] != 4 {
		t.Errorf("heart rate records = %d, want 4", counts[signal.HeartRate])
	}
	if counts[signal.SkinTemperature] != 2 {
		t.Errorf("skin temperature records = %d, want 2 (t=0s and t=3s)", counts[signal.SkinTemperature])
	}
}

type stubPoller struct {
	readings map[signal.Type]float64
	err      error
}

func (p stubPoller) Poll(context.Context) (map[signal.Type]float64, error) {
	return p.readings, p.err
}

func TestFlush_PollersFeedStore(t *testing.T) {
	store := samplestore.New()
	app := &mockAppender{}
	s := New(store, app, newChanSubmitter(), Config{}, WithPollers(
		stubPoller{readings: map[signal.Type]float64{signal.StepCount: 4321}},
		stubPoller{err: errors.New("sensor offline")},
	))

	report := s.Flush(context.Background(), t0)
	if len(report.Logged) != 1 || report.Logged[0].Value != 4321 {
		t.Errorf("report = %+v", report)
	}
	if v, ok := store.Get(signal.StepCount); !ok || v != 4321 {
		t.Errorf("store step count = %v, %v", v, ok)
	}
}

func TestFlush_PollersInvalidReadingsDropped(t *testing.T) {
	store := samplestore.New()
	store.Update(signal.HeartRate, 70)
	pub := &recordingPublisher{}
	s := New(store, &mockAppender{}, newChanSubmitter(), Config{}, WithPublisher(pub), WithPollers(
		stubPoller{readings: map[signal.Type]float64{
			signal.HeartRate:       math.NaN(),
			signal.SkinTemperature: math.Inf(1),
			signal.StepCount:       -3,
			signal.DrinkCount:      1.5,
		}},
		stubPoller{readings: map[signal.Type]float64{signal.SkinTemperature: 33.5}},
	))

	s.Flush(context.Background(), t0)

	if v, _ := store.Get(signal.HeartRate); v != 70 {
		t.Errorf("heart rate = %v, want previous value 70", v)
	}
	for _, typ := range []signal.Type{signal.StepCount, signal.DrinkCount} {
		if _, ok := store.Get(typ); ok {
			t.Errorf("%s should not be stored", typ)
		}
	}
	if v, ok := store.Get(signal.SkinTemperature); !ok || v != 33.5 {
		t.Errorf("skin temperature = %v, %v", v, ok)
	}
	if n := pub.count(status.KindIngressDropped); n != 4 {
		t.Errorf("ingress_dropped events = %d, want 4", n)
	}
}

func TestNew_DefaultInterval(t *testing.T) {
	s := New(samplestore.New(), &mockAppender{}, newChanSubmitter(), Config{Interval: -1})
	if s.Interval() != time.Second {
		t.Errorf("Interval = %v, want 1s", s.Interval())
	}
}

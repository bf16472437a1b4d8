package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/vitalsd/internal/clock"
	"github.com/kalambet/vitalsd/internal/samplestore"
	"github.com/kalambet/vitalsd/internal/signal"
	"github.com/kalambet/vitalsd/internal/sink"
	"github.com/kalambet/vitalsd/internal/status"
)

// blockingForwarder holds every Forward call until release is closed.
type blockingForwarder struct {
	release   chan struct{}
	inFlight  atomic.Int32
	cancelled atomic.Int32
	peak     atomic.Int32
	done     chan signal.Observation
}

func newBlockingForwarder() *blockingForwarder {
	return &blockingForwarder{release: make(chan struct{}), done: make(chan signal.Observation, 64)}
}

func (f *blockingForwarder) Forward(ctx context.Context, obs signal.Observation) {
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-f.release:
	case <-ctx.Done():
		f.cancelled.Add(1)
	}
	f.inFlight.Add(-1)
	f.done <- obs
}

func obsAt(v float64) signal.Observation {
	return signal.NewObservation(t0, signal.HeartRate, v, nil)
}

func TestDispatcher_SubmitDropsWhenFull(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDispatcher(newBlockingForwarder(), 1, 2, pub)

	for i := 0; i < 5; i++ {
		d.Submit(obsAt(float64(i)))
	}
	if d.Submitted() != 2 || d.Dropped() != 3 {
		t.Errorf("submitted=%d dropped=%d, want 2 and 3", d.Submitted(), d.Dropped())
	}
	if d.Queued() != 2 {
		t.Errorf("queued = %d, want 2", d.Queued())
	}
	if n := pub.count(status.KindDispatchDropped); n != 3 {
		t.Errorf("dispatch_dropped events = %d, want 3", n)
	}
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	fwd := newBlockingForwarder()
	d := NewDispatcher(fwd, 2, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()

	for i := 0; i < 6; i++ {
		d.Submit(obsAt(float64(i)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for fwd.inFlight.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if p := fwd.peak.Load(); p != 2 {
		t.Errorf("peak concurrency = %d, want 2", p)
	}

	close(fwd.release)
	for i := 0; i < 6; i++ {
		select {
		case <-fwd.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 6 observations forwarded", i)
		}
	}
	cancel()
	wg.Wait()
}

func TestDispatcher_ShutdownKeepsInFlightAndReportsQueued(t *testing.T) {
	fwd := newBlockingForwarder()
	pub := &recordingPublisher{}
	d := NewDispatcher(fwd, 1, 8, pub)
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	for i := 0; i < 4; i++ {
		d.Submit(obsAt(float64(i)))
	}
	// One send in flight, one held by Run waiting for a free worker.
	waitFor(t, func() bool { return fwd.inFlight.Load() == 1 && d.Queued() == 2 })

	cancel()
	time.Sleep(20 * time.Millisecond)
	if n := fwd.inFlight.Load(); n != 1 {
		t.Fatalf("in-flight sends after cancel = %d, want 1", n)
	}
	select {
	case <-stopped:
		t.Fatal("Run returned while a send was in flight")
	default:
	}

	close(fwd.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}

	if n := fwd.cancelled.Load(); n != 0 {
		t.Errorf("%d sends saw a cancelled context", n)
	}
	if n := len(fwd.done); n != 2 {
		t.Errorf("forwarded %d observations, want 2", n)
	}
	if n := pub.count(status.KindDispatchDropped); n != 2 {
		t.Errorf("dispatch_dropped events = %d, want 2", n)
	}
	if d.Dropped() != 2 || d.Queued() != 0 {
		t.Errorf("dropped=%d queued=%d, want 2 and 0", d.Dropped(), d.Queued())
	}
}

func TestSinkForwarder_PublishesOutcome(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("bad payload"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := sink.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	pub := &recordingPublisher{}
	f := NewSinkForwarder(s, pub)

	f.Forward(context.Background(), obsAt(70))
	f.Forward(context.Background(), obsAt(71))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 2 {
		t.Fatalf("events = %d, want 2", len(pub.events))
	}
	if e := pub.events[0]; e.Kind != status.KindRejected || e.Code != http.StatusBadRequest || e.Signal != "heart_rate" {
		t.Errorf("first event = %+v", e)
	}
	if e := pub.events[1]; e.Kind != status.KindDelivered || e.Value != 71 {
		t.Errorf("second event = %+v", e)
	}
}

func TestOutcomeEvent_Unreachable(t *testing.T) {
	e := OutcomeEvent(obsAt(70), sink.Outcome{Kind: sink.Unreachable, Detail: "connection refused"})
	if e.Kind != status.KindUnreachable || e.Message != "connection refused" {
		t.Errorf("event = %+v", e)
	}
}

// An unreachable sink on one tick must not prevent delivery on the next.
func TestPipeline_RecoversAfterUnreachableSink(t *testing.T) {
	var up atomic.Bool
	received := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			// Simulate a dropped connection.
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusCreated)
		received <- struct{}{}
	}))
	defer srv.Close()

	s, err := sink.New(srv.URL, sink.WithTimeout(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	pub := &recordingPublisher{}
	d := NewDispatcher(NewSinkForwarder(s, pub), 1, 8, pub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	store := samplestore.New()
	store.Update(signal.HeartRate, 72)
	clk := clock.Fake(t0)
	sched := New(store, &mockAppender{}, d, Config{}, WithClock(clk), WithPublisher(pub))

	sched.Flush(ctx, clk.Now())
	waitFor(t, func() bool { return pub.count(status.KindUnreachable) == 1 })

	up.Store(true)
	sched.Flush(ctx, clk.Now().Add(time.Second))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("second tick was not delivered")
	}
	waitFor(t, func() bool { return pub.count(status.KindDelivered) == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestContextHolder(t *testing.T) {
	var h ContextHolder
	if h.Current() != nil {
		t.Fatal("zero holder returned a context")
	}

	amount := "500ml"
	h.Set(&signal.Context{UserState: signal.Normal, DrinkAmount: &amount})
	c := h.Current()
	if c == nil || c.UserState != signal.Normal || c.DrinkAmount != nil {
		t.Errorf("normal context kept drink fields: %+v", c)
	}

	h.Set(nil)
	if h.Current() != nil {
		t.Error("Set(nil) did not clear the context")
	}
}

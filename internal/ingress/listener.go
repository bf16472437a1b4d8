// Package ingress decodes signal updates pushed by companion devices and
// local sensors and writes them into the sample store.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/vitalsd/internal/samplestore"
	"github.com/kalambet/vitalsd/internal/signal"
	"github.com/kalambet/vitalsd/internal/status"
)

// Message keys understood besides the signal keys.
const (
	KeyTimestamp = "timestamp"
	KeyName      = "key"
	KeyValue     = "value"
)

// Listener applies decoded updates to a Store. It is safe for concurrent use.
type Listener struct {
	store  *samplestore.Store
	pub    status.Publisher
	logger *slog.Logger

	mu       sync.Mutex
	lastSeen time.Time
	applied  uint64
	dropped  uint64
}

// New creates a Listener writing into store. A nil pub discards events.
func New(store *samplestore.Store, pub status.Publisher) *Listener {
	if pub == nil {
		pub = status.Discard
	}
	return &Listener{store: store, pub: pub, logger: slog.Default()}
}

// Stats is a snapshot of listener counters.
type Stats struct {
	Applied  uint64    `json:"applied"`
	Dropped  uint64    `json:"dropped"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Stats returns the listener counters.
func (l *Listener) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Applied: l.applied, Dropped: l.dropped, LastSeen: l.lastSeen}
}

// OnSensor is the local sensor callback: the value is already typed.
func (l *Listener) OnSensor(t signal.Type, v float64) {
	if err := t.CheckValue(v); err != nil {
		l.drop(err)
		return
	}
	l.store.Update(t, v)
	l.record(time.Now(), 1, 0)
	l.pub.Publish(status.Event{Kind: status.KindIngressApplied, Signal: t.Key(), Value: v})
}

// Handle decodes one message and applies every valid signal field in it
// before returning. Two shapes are accepted:
//
//	{"timestamp": 1700000000000, "heart_rate": 81, "skin_temperature": 33.1}
//	{"timestamp": 1700000000000, "key": "heart_rate", "value": 81}
//
// Fields that cannot be decoded are dropped and reported; the returned error
// joins one *signal.MalformedField per dropped field. Handle never panics.
func (l *Listener) Handle(msg map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", signal.ErrMalformedIngress, r)
			l.drop(err)
		}
	}()

	vals, ts, errs := decode(msg)
	for _, e := range errs {
		l.drop(e)
	}
	if len(vals) > 0 {
		l.store.UpdateAll(vals)
		l.record(ts, len(vals), 0)
		for _, t := range signal.Types() {
			if v, ok := vals[t]; ok {
				l.pub.Publish(status.Event{Time: ts, Kind: status.KindIngressApplied, Signal: t.Key(), Value: v})
			}
		}
	}
	return errors.Join(errs...)
}

// Run handles messages from in until ctx is cancelled or in is closed.
func (l *Listener) Run(ctx context.Context, in <-chan map[string]any) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if err := l.Handle(msg); err != nil {
				l.logger.Debug("ingress message partly dropped", "error", err)
			}
		}
	}
}

func (l *Listener) record(ts time.Time, applied, dropped int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied += uint64(applied)
	l.dropped += uint64(dropped)
	if applied > 0 && ts.After(l.lastSeen) {
		l.lastSeen = ts
	}
}

func (l *Listener) drop(err error) {
	l.record(time.Time{}, 0, 1)
	e := status.Event{Kind: status.KindIngressDropped, Message: err.Error()}
	var mf *signal.MalformedField
	if errors.As(err, &mf) {
		if t, ok := signal.ParseKey(mf.Field); ok {
			e.Signal = t.Key()
		}
	}
	l.pub.Publish(e)
}

// decode returns the decodable signal values of msg, its timestamp and one
// error per dropped field. A message without a valid timestamp yields no values.
func decode(msg map[string]any) (map[signal.Type]float64, time.Time, []error) {
	if msg == nil {
		return nil, time.Time{}, []error{&signal.MalformedField{Field: "message", Reason: "empty message"}}
	}

	raw, ok := msg[KeyTimestamp]
	if !ok {
		return nil, time.Time{}, []error{&signal.MalformedField{Field: KeyTimestamp, Reason: "missing"}}
	}
	ms, err := toFloat(raw)
	if err != nil || ms < 0 || ms != math.Trunc(ms) {
		return nil, time.Time{}, []error{&signal.MalformedField{Field: KeyTimestamp, Reason: "not epoch milliseconds"}}
	}
	ts := time.UnixMilli(int64(ms))

	vals := make(map[signal.Type]float64)
	var errs []error

	if name, ok := msg[KeyName]; ok {
		key, isString := name.(string)
		t, known := signal.ParseKey(key)
		switch {
		case !isString:
			errs = append(errs, &signal.MalformedField{Field: KeyName, Reason: "not a string"})
		case !known:
			errs = append(errs, &signal.MalformedField{Field: key, Reason: "unknown signal key"})
		default:
			raw, present := msg[KeyValue]
			if !present {
				errs = append(errs, &signal.MalformedField{Field: key, Reason: "missing value"})
				break
			}
			v, verr := decodeValue(t, raw)
			if verr != nil {
				errs = append(errs, verr)
				break
			}
			vals[t] = v
		}
	}

	for _, t := range signal.Types() {
		raw, ok := msg[t.Key()]
		if !ok {
			continue
		}
		v, verr := decodeValue(t, raw)
		if verr != nil {
			errs = append(errs, verr)
			continue
		}
		vals[t] = v
	}

	if len(vals) == 0 && len(errs) == 0 {
		errs = append(errs, &signal.MalformedField{Field: "message", Reason: "no signal fields"})
	}
	return vals, ts, errs
}

func decodeValue(t signal.Type, raw any) (float64, error) {
	v, err := toFloat(raw)
	if err != nil {
		return 0, &signal.MalformedField{Field: t.Key(), Reason: err.Error()}
	}
	if err := t.CheckValue(v); err != nil {
		return 0, err
	}
	return v, nil
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		return f, nil
	case nil:
		return 0, errors.New("null")
	}
	return 0, fmt.Errorf("unsupported type %T", raw)
}

// Package api is the daemon's local HTTP surface: ingress for companion
// devices, recording control, user context and status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/vitalsd/internal/ingress"
	"github.com/kalambet/vitalsd/internal/scheduler"
	"github.com/kalambet/vitalsd/internal/signal"
	"github.com/kalambet/vitalsd/internal/status"
	"github.com/kalambet/vitalsd/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxIngressBatch    = 1000
	defaultEventLimit  = 50
)

// Recorder is the recording control surface of scheduler.Scheduler.
type Recorder interface {
	Start() bool
	Stop() bool
	State() scheduler.State
	Interval() time.Duration
	FlushNow(ctx context.Context) scheduler.Report
}

// MessageHandler applies one ingress message; *ingress.Listener implements it.
type MessageHandler interface {
	Handle(msg map[string]any) error
	Stats() ingress.Stats
}

// ContextStore holds the user context; *scheduler.ContextHolder implements it.
type ContextStore interface {
	Set(c *signal.Context)
	Current() *signal.Context
}

// Snapshotter exposes the latest samples.
type Snapshotter interface {
	Snapshot() map[signal.Type]float64
}

// LogInfo describes the durable log.
type LogInfo interface {
	Path() string
	Size() int64
}

// EventSource serves recent status events.
type EventSource interface {
	Recent(n int) []status.Event
	Dropped() uint64
}

// DispatchStats reports the dispatcher queue.
type DispatchStats interface {
	Queued() int
	Dropped() uint64
}

// PendingCounter counts outbox rows; *storage.Store implements it.
type PendingCounter interface {
	CountByStatus(status string) (int, error)
}

// Deps wires the handler. Outbox and Metrics are optional.
type Deps struct {
	Samples    Snapshotter
	Ingress    MessageHandler
	Recorder   Recorder
	Context    ContextStore
	Log        LogInfo
	Events     EventSource
	Dispatcher DispatchStats
	Outbox     PendingCounter
	Metrics    http.Handler
	Token      string
	Mode       string
	Started    time.Time
	Logger     *slog.Logger
}

// NewHandler builds the router. When deps.Token is empty every route is open;
// otherwise everything except /health and /metrics needs a bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestLogger(deps.Logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/ingress", handleIngress(deps))
		r.Get("/context", handleGetContext(deps))
		r.Put("/context", handlePutContext(deps))
		r.Delete("/context", handleDeleteContext(deps))
		r.Post("/recording/start", handleRecording(deps, true))
		r.Post("/recording/stop", handleRecording(deps, false))
		r.Post("/flush", handleFlush(deps))
		r.Get("/status", handleStatus(deps))
		r.Get("/events", handleEvents(deps))
	})

	return r
}

// IngressResponse reports how a POST /ingress body was handled.
type IngressResponse struct {
	Messages int      `json:"messages"`
	Errors   []string `json:"errors,omitempty"`
}

func handleIngress(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		msgs, err := decodeMessages(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(msgs) > maxIngressBatch {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "batch of %d messages exceeds %d", len(msgs), maxIngressBatch)
			return
		}

		resp := IngressResponse{Messages: len(msgs)}
		for _, msg := range msgs {
			if err := deps.Ingress.Handle(msg); err != nil {
				resp.Errors = append(resp.Errors, strings.Split(err.Error(), "\n")...)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// decodeMessages accepts a single JSON object or an array of objects.
// Numbers are kept as json.Number so epoch milliseconds stay exact.
func decodeMessages(body io.Reader) ([]map[string]any, error) {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		msgs := make([]map[string]any, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("element %d is not an object", i)
			}
			msgs = append(msgs, m)
		}
		return msgs, nil
	}
	return nil, errors.New("body must be an object or an array of objects")
}

// ContextBody is the JSON form of the user context.
type ContextBody struct {
	UserState         string   `json:"user_state"`
	DrinkAmount       *string  `json:"drink_amount,omitempty"`
	AlcoholPercentage *float64 `json:"alcohol_percentage,omitempty"`
}

func contextBody(c *signal.Context) *ContextBody {
	if c == nil {
		return nil
	}
	return &ContextBody{
		UserState:         c.UserState.String(),
		DrinkAmount:       c.DrinkAmount,
		AlcoholPercentage: c.AlcoholPercentage,
	}
}

func handleGetContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := contextBody(deps.Context.Current())
		if body == nil {
			body = &ContextBody{UserState: signal.Normal.String()}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func handlePutContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ContextBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		state, err := signal.ParseUserState(req.UserState)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if req.AlcoholPercentage != nil && (*req.AlcoholPercentage < 0 || *req.AlcoholPercentage > 100) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "alcohol_percentage must be between 0 and 100")
			return
		}

		deps.Context.Set(&signal.Context{
			UserState:         state,
			DrinkAmount:       req.DrinkAmount,
			AlcoholPercentage: req.AlcoholPercentage,
		})
		writeJSON(w, http.StatusOK, contextBody(deps.Context.Current()))
	}
}

func handleDeleteContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Context.Set(nil)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRecording(deps Deps, start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var changed bool
		if start {
			changed = deps.Recorder.Start()
		} else {
			changed = deps.Recorder.Stop()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"state":   deps.Recorder.State().String(),
			"changed": changed,
		})
	}
}

// FlushResponse summarises a manual tick.
type FlushResponse struct {
	Time     time.Time          `json:"time"`
	Observed int                `json:"observed"`
	Logged   map[string]float64 `json:"logged"`
	Failed   int                `json:"failed"`
	Skipped  int                `json:"skipped"`
}

func handleFlush(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := deps.Recorder.FlushNow(r.Context())
		resp := FlushResponse{
			Time:     rep.Time,
			Observed: rep.Observed,
			Logged:   make(map[string]float64, len(rep.Logged)),
			Failed:   rep.Failed,
			Skipped:  rep.Skipped,
		}
		for _, obs := range rep.Logged {
			resp.Logged[obs.Type.Key()] = obs.Value
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// StatusResponse is the GET /status body.
type StatusResponse struct {
	State         string             `json:"state"`
	Interval      string             `json:"interval"`
	Mode          string             `json:"mode,omitempty"`
	Uptime        string             `json:"uptime,omitempty"`
	Samples       map[string]float64 `json:"samples"`
	Context       *ContextBody       `json:"context,omitempty"`
	LogPath       string             `json:"log_path"`
	LogBytes      int64              `json:"log_bytes"`
	Ingress       ingress.Stats      `json:"ingress"`
	Queued        int                `json:"dispatch_queued"`
	Dropped       uint64             `json:"dispatch_dropped"`
	OutboxPending *int               `json:"outbox_pending,omitempty"`
	EventsDropped uint64             `json:"events_dropped"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			State:    deps.Recorder.State().String(),
			Interval: deps.Recorder.Interval().String(),
			Mode:     deps.Mode,
			Samples:  map[string]float64{},
			Context:  contextBody(deps.Context.Current()),
			LogPath:  deps.Log.Path(),
			LogBytes: deps.Log.Size(),
			Ingress:  deps.Ingress.Stats(),
		}
		if !deps.Started.IsZero() {
			resp.Uptime = time.Since(deps.Started).Round(time.Second).String()
		}
		for t, v := range deps.Samples.Snapshot() {
			resp.Samples[t.Key()] = v
		}
		if deps.Dispatcher != nil {
			resp.Queued = deps.Dispatcher.Queued()
			resp.Dropped = deps.Dispatcher.Dropped()
		}
		if deps.Events != nil {
			resp.EventsDropped = deps.Events.Dropped()
		}
		if deps.Outbox != nil {
			n, err := deps.Outbox.CountByStatus(storage.StatusPending)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to count outbox: %v", err)
				return
			}
			resp.OutboxPending = &n
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Events == nil {
			writeJSON(w, http.StatusOK, []status.Event{})
			return
		}
		limit := parseIntParam(r, "limit", defaultEventLimit, 1000)
		kind := r.URL.Query().Get("kind")
		if kind == "" {
			events := deps.Events.Recent(limit)
			if events == nil {
				events = []status.Event{}
			}
			writeJSON(w, http.StatusOK, events)
			return
		}
		// Filter the whole ring first so older matches are not hidden
		// behind newer events of other kinds.
		events := []status.Event{}
		for _, e := range deps.Events.Recent(0) {
			if string(e.Kind) == kind {
				events = append(events, e)
			}
		}
		if limit > 0 && len(events) > limit {
			events = events[len(events)-limit:]
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

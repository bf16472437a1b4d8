package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/vitalsd/internal/durablelog"
	"github.com/kalambet/vitalsd/internal/signal"
	"github.com/kalambet/vitalsd/internal/status"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if resp == "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// captureMessages redirects CLI messages into a buffer without colors.
func captureMessages(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	oldOut, oldColor := msgOut, noColor
	msgOut, noColor = &buf, true
	t.Cleanup(func() { msgOut, noColor = oldOut, oldColor })
	return &buf
}

// useClient points the CLI commands at ts for the duration of the test.
func useClient(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

var ctx = context.Background()

func TestClient_SendsBearerToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /status": `{"state":"idle","interval":"1s"}`,
	})

	resp, err := ts.client().get(ctx, "/status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["state"] != "idle" {
		t.Errorf("state = %v, want idle", result["state"])
	}
	if ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", ts.requests[0].Auth)
	}
}

func TestClient_OmitsEmptyToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})

	c := ts.client()
	c.token = ""
	resp, err := c.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want none", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client().get(ctx, "/nowhere")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = decodeJSON(resp, &map[string]any{})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want it to mention 404", err)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestContextSetCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /context": `{"user_state":"drinking","drink_amount":"330ml","alcohol_percentage":5}`,
	})
	useClient(t, ts)

	if err := execute(t, "context", "set", "drinking", "--amount", "330ml", "--abv", "5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != http.MethodPut || r.Path != "/context" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["user_state"] != "drinking" || body["drink_amount"] != "330ml" || body["alcohol_percentage"] != 5.0 {
		t.Errorf("body = %v", body)
	}
}

func TestContextSetCommand_MissingArgs(t *testing.T) {
	err := execute(t, "context", "set")
	if err == nil {
		t.Fatal("expected error for missing state")
	}
}

func TestContextClearCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{"DELETE /context": ""})
	useClient(t, ts)

	if err := execute(t, "context", "clear"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Method != http.MethodDelete {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestRecordCommands(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /recording/start": `{"state":"recording","changed":true}`,
		"POST /recording/stop":  `{"state":"idle","changed":false}`,
	})
	useClient(t, ts)
	msgs := captureMessages(t)

	if err := execute(t, "record", "start"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := execute(t, "record", "stop"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	if ts.requests[0].Path != "/recording/start" || ts.requests[1].Path != "/recording/stop" {
		t.Errorf("paths = %q, %q", ts.requests[0].Path, ts.requests[1].Path)
	}
	if !strings.Contains(msgs.String(), "✓ Recording is now recording") || !strings.Contains(msgs.String(), "⚠ Recording was already idle") {
		t.Errorf("messages = %q", msgs.String())
	}
}

func TestFlushCommand_ServerError(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useClient(t, ts)

	err := execute(t, "flush")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want server error", err)
	}
}

func TestEventsCommand_QueryAndJSON(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /events": `[{"id":"1","time":"2026-01-01T00:00:00Z","kind":"delivered","signal":"heart_rate","value":72}]`,
	})
	useClient(t, ts)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	defer rootCmd.SetOut(nil)

	if err := execute(t, "events", "--limit", "5", "--kind", "delivered", "--json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p := ts.requests[0].Path; !strings.Contains(p, "limit=5") || !strings.Contains(p, "kind=delivered") {
		t.Errorf("path = %q", p)
	}
	var events []status.Event
	if err := json.Unmarshal(out.Bytes(), &events); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if len(events) != 1 || events[0].Kind != status.KindDelivered {
		t.Errorf("events = %+v", events)
	}
}

func TestTailRecords(t *testing.T) {
	recs := make([]durablelog.Record, 5)
	for i := range recs {
		recs[i].Value = float64(i)
	}
	if got := tailRecords(recs, 2); len(got) != 2 || got[0].Value != 3 {
		t.Errorf("tail 2 = %+v", got)
	}
	if got := tailRecords(recs, 0); len(got) != 5 {
		t.Errorf("tail 0 returned %d records", len(got))
	}
	if got := tailRecords(recs, 10); len(got) != 5 {
		t.Errorf("tail 10 returned %d records", len(got))
	}
}

func TestFormatRecordAndEvent(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	ts := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	line := formatRecord(durablelog.Record{Timestamp: ts, Type: signal.HeartRate, Value: 72}, time.UTC)
	if !strings.HasPrefix(line, "2026-03-01 08:30:00") || !strings.Contains(line, "Heart Rate") || !strings.HasSuffix(line, "72") {
		t.Errorf("record line = %q", line)
	}

	ev := formatEvent(status.Event{Time: ts, Kind: status.KindRejected, Signal: "heart_rate", Value: 72, Message: "HTTP 400: bad"})
	if !strings.Contains(ev, "rejected heart_rate=72") || !strings.Contains(ev, "HTTP 400: bad") {
		t.Errorf("event line = %q", ev)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still readable after removal")
	}
}

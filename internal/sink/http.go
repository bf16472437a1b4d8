package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/vitalsd/internal/signal"
)

const (
	defaultPath    = "/api/data"
	defaultTimeout = 15 * time.Second
	maxDetailBytes = 512
	maxDrainBytes  = 64 << 10
)

// Sender delivers one observation. HTTPSink is the production implementation.
type Sender interface {
	Send(ctx context.Context, obs signal.Observation) Outcome
}

// HTTPSink posts observations as JSON to a collection endpoint. Each call is
// independent and at-most-once; there is no retry or queue.
type HTTPSink struct {
	endpoint   string
	path       string
	loc        *time.Location
	timeout    time.Duration
	httpClient *http.Client
}

// Option configures an HTTPSink.
type Option func(*HTTPSink)

// WithPath overrides the request path (default /api/data).
func WithPath(path string) Option {
	return func(s *HTTPSink) {
		if path == "" {
			return
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		s.path = path
	}
}

// WithTimeout bounds connect, TLS handshake, response header and the whole
// exchange (default 15s).
func WithTimeout(d time.Duration) Option {
	return func(s *HTTPSink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLocation sets the zone used to render the timestamp field.
func WithLocation(loc *time.Location) Option {
	return func(s *HTTPSink) { s.loc = loc }
}

// WithHTTPClient replaces the underlying client (for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(s *HTTPSink) { s.httpClient = c }
}

// New creates a sink posting to baseURL + path.
func New(baseURL string, opts ...Option) (*HTTPSink, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	s := &HTTPSink{
		path:    defaultPath,
		loc:     time.Local,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoint = strings.TrimRight(baseURL, "/") + s.path
	if s.httpClient == nil {
		s.httpClient = newHTTPClient(s.timeout)
	}
	return s, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          16,
		},
	}
}

// Endpoint returns the full URL observations are posted to.
func (s *HTTPSink) Endpoint() string { return s.endpoint }

// Send performs one POST carrying obs.
func (s *HTTPSink) Send(ctx context.Context, obs signal.Observation) Outcome {
	start := time.Now()
	body, err := json.Marshal(NewPayload(obs, s.loc))
	if err != nil {
		return Outcome{Kind: Unreachable, Detail: fmt.Sprintf("encoding payload: %v", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: Unreachable, Detail: fmt.Sprintf("creating request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Outcome{Kind: Unreachable, Detail: err.Error(), Latency: time.Since(start)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxDetailBytes))
		return Outcome{
			Kind:    Rejected,
			Code:    resp.StatusCode,
			Detail:  strings.TrimSpace(string(detail)),
			Latency: time.Since(start),
		}
	}

	// The response body carries no schema; drain it so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	return Outcome{Kind: Delivered, Latency: time.Since(start)}
}

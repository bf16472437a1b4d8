package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/vitalsd/internal/api"
	"github.com/kalambet/vitalsd/internal/config"
	"github.com/kalambet/vitalsd/internal/durablelog"
	"github.com/kalambet/vitalsd/internal/ingress"
	"github.com/kalambet/vitalsd/internal/metrics"
	"github.com/kalambet/vitalsd/internal/relay"
	"github.com/kalambet/vitalsd/internal/samplestore"
	"github.com/kalambet/vitalsd/internal/scheduler"
	"github.com/kalambet/vitalsd/internal/sink"
	"github.com/kalambet/vitalsd/internal/status"
	"github.com/kalambet/vitalsd/internal/storage"
)

const (
	eventBuffer     = 1024
	recentEvents    = 200
	outboxPoll      = 500 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the vitalsd daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running vitalsd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and recording status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vitalsd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// daemon is the assembled pipeline: ingress feeds the sample store, the
// scheduler flushes it into the durable log and the dispatcher forwards
// what was written, either straight to the sink or through the outbox.
type daemon struct {
	cfg    config.Config
	logger *slog.Logger

	log        *durablelog.Lazy
	bus        *status.Bus
	metrics    *metrics.Metrics
	samples    *samplestore.Store
	userCtx    *scheduler.ContextHolder
	dispatcher *scheduler.Dispatcher
	sched      *scheduler.Scheduler
	listener   *ingress.Listener

	// Outbox mode only.
	store  *storage.Store
	worker *relay.Worker

	handler http.Handler
	started time.Time
}

func newDaemon(cfg config.Config, logger *slog.Logger) (*daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		bus:     status.NewBus(eventBuffer, recentEvents),
		samples: samplestore.New(),
		userCtx: &scheduler.ContextHolder{},
		started: time.Now(),
	}

	reg := prometheus.NewRegistry()
	d.metrics = metrics.New(reg)
	d.bus.Subscribe(d.metrics.Observe)

	// An unavailable log location is not fatal: each tick retries the open
	// and reports storage_unavailable until it succeeds.
	d.log, err = durablelog.OpenLazy(cfg.LogPath(), loc)
	if err != nil {
		logger.Warn("durable log unavailable, will retry on every tick", "path", cfg.LogPath(), "error", err)
	}

	snk, err := sink.New(cfg.Remote.BaseURL,
		sink.WithPath(cfg.Remote.Path),
		sink.WithTimeout(cfg.Remote.Timeout),
		sink.WithLocation(loc),
	)
	if err != nil {
		d.log.Close()
		return nil, fmt.Errorf("creating remote sink: %w", err)
	}

	var fwd scheduler.Forwarder
	switch cfg.Delivery.Mode {
	case config.ModeOutbox:
		d.store, err = storage.Open(cfg.Storage.DataDir)
		if err != nil {
			d.log.Close()
			return nil, fmt.Errorf("opening outbox: %w", err)
		}
		if n, err := d.store.ReleaseRunning(); err != nil {
			logger.Warn("failed to release interrupted deliveries", "error", err)
		} else if n > 0 {
			logger.Info("released interrupted deliveries", "count", n)
		}
		d.worker = relay.NewWorker(d.store, snk, outboxPoll, d.bus)
		d.worker.OnDepth(d.metrics.SetOutboxDepth)
		fwd = relay.NewOutbox(d.store, cfg.Delivery.MaxAttempts, d.bus)
	default:
		fwd = scheduler.NewSinkForwarder(snk, d.bus)
	}

	d.dispatcher = scheduler.NewDispatcher(fwd, cfg.Delivery.Workers, cfg.Delivery.Buffer, d.bus)
	d.sched = scheduler.New(d.samples, d.log, d.dispatcher, scheduler.Config{
		Interval: cfg.Recording.Interval,
		Cadence:  cfg.Recording.Cadence,
	},
		scheduler.WithPublisher(d.bus),
		scheduler.WithContextSource(d.userCtx),
		scheduler.WithLogger(logger),
	)
	d.listener = ingress.New(d.samples, d.bus)

	deps := api.Deps{
		Samples:    d.samples,
		Ingress:    d.listener,
		Recorder:   d.sched,
		Context:    d.userCtx,
		Log:        d.log,
		Events:     d.bus,
		Dispatcher: d.dispatcher,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Token:      cfg.Server.Token,
		Mode:       cfg.Delivery.Mode,
		Started:    d.started,
		Logger:     logger,
	}
	if d.store != nil {
		deps.Outbox = d.store
	}
	d.handler = api.NewHandler(deps)

	return d, nil
}

// run serves ln until ctx is cancelled, then shuts the pipeline down in
// order: HTTP, recording, dispatch, outbox worker, log, events.
func (d *daemon) run(ctx context.Context, ln net.Listener) error {
	if d.cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, d.cfg.Server.MaxConns)
	}

	busCtx, stopBus := context.WithCancel(context.Background())
	var busWG sync.WaitGroup
	busWG.Add(1)
	go func() {
		defer busWG.Done()
		d.bus.Run(busCtx)
	}()

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	var pipeWG sync.WaitGroup
	pipeWG.Add(1)
	go func() {
		defer pipeWG.Done()
		d.dispatcher.Run(dispatchCtx)
	}()

	workerCtx, stopWorker := context.WithCancel(context.Background())
	var workerWG sync.WaitGroup
	if d.worker != nil {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			d.worker.Run(workerCtx)
		}()
	}

	srv := &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("vitalsd listening", "addr", ln.Addr().String(), "mode", d.cfg.Delivery.Mode)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if d.cfg.Recording.Autostart {
		d.sched.Start()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		d.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("shutting down server: %w", err)
	}

	d.sched.Stop()
	stopDispatch()
	pipeWG.Wait()
	stopWorker()
	workerWG.Wait()

	if err := d.log.Close(); err != nil {
		d.logger.Warn("closing durable log", "error", err)
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing outbox", "error", err)
		}
	}
	stopBus()
	busWG.Wait()

	return serveErr
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "vitalsd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Refuse to start a second instance against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	if pid, err := readPIDFile(pidPath); err == nil {
		client := &http.Client{Timeout: 2 * time.Second}
		if resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
			resp.Body.Close()
			return fmt.Errorf("vitalsd already running (PID %d)", pid)
		}
		printWarning("Removing stale PID file (PID %d)", pid)
		removePIDFile(pidPath)
	}

	if cfg.Server.Token == "" {
		printWarning("VITALSD_SERVER_TOKEN is not set; the API is open to local clients")
	}

	printStep("Starting pipeline (%s delivery, %s interval)", cfg.Delivery.Mode, cfg.Recording.Interval)
	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printSuccess("vitalsd listening on %s", addr)
	printStatus("Log", "%s", cfg.LogPath())
	printStatus("Remote", "%s%s", cfg.Remote.BaseURL, cfg.Remote.Path)
	return d.run(ctx, ln)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("vitalsd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop vitalsd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to vitalsd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	resp, err := client.get(ctx, "/status")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Log", "%s", cfg.LogPath())
		return nil
	}
	var st api.StatusResponse
	if err := decodeJSON(resp, &st); err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}
	printStatus("Server", "running on port %d (up %s)", cfg.Server.Port, st.Uptime)
	printStatus("Recording", "%s every %s", st.State, st.Interval)
	printStatus("Delivery", "%s, %d queued, %d dropped", st.Mode, st.Queued, st.Dropped)
	if st.OutboxPending != nil {
		printStatus("Outbox", "%d pending", *st.OutboxPending)
	}
	printStatus("Ingress", "%d applied, %d dropped", st.Ingress.Applied, st.Ingress.Dropped)
	printStatus("Samples", "%d signals", len(st.Samples))
	if st.Context != nil {
		printStatus("Context", "%s", st.Context.UserState)
	}
	printStatus("Log", "%s (%d bytes)", st.LogPath, st.LogBytes)
	return nil
}

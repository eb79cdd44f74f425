package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/msageha/chime/internal/deliver"
	"github.com/msageha/chime/internal/due"
	"github.com/msageha/chime/internal/escalate"
	"github.com/msageha/chime/internal/events"
	"github.com/msageha/chime/internal/lock"
	"github.com/msageha/chime/internal/metrics"
	"github.com/msageha/chime/internal/model"
	"github.com/msageha/chime/internal/notify"
	"github.com/msageha/chime/internal/runs"
	"github.com/msageha/chime/internal/store"
	"github.com/msageha/chime/internal/trigger"
	"github.com/msageha/chime/internal/uds"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the long-running chime process. It owns the scan schedule, the
// escalation engine, and the UDS control socket.
type Daemon struct {
	chimeDir string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher

	schedule     cron.Schedule
	resumeTicker *time.Ticker

	tasks          store.TaskWriter
	runStore       *runs.Store
	engine         *escalate.Engine
	scanner        *Scanner
	coordinator    *Coordinator
	metricsHandler *MetricsHandler
	bus            *events.Bus
	audit          *events.AuditLogger
	collector      *metrics.Collector
	promServer     *http.Server
	unsubscribe    []func()
	lockMap        *lock.MutexMap

	scanMu   sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a new Daemon instance logging to logs/daemon.log.
func New(chimeDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(chimeDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(chimeDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(chimeDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	schedule, err := cron.ParseStandard(cfg.Scan.Cron)
	if err != nil {
		return nil, fmt.Errorf("parse scan cron %q: %w", cfg.Scan.Cron, err)
	}

	resumeInterval := cfg.Scan.ResumeIntervalSec
	if resumeInterval <= 0 {
		resumeInterval = 60
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(w, "", 0)

	d := &Daemon{
		chimeDir:     chimeDir,
		config:       cfg,
		logLevel:     parseLogLevel(cfg.Logging.Level),
		logger:       logger,
		logFile:      closer,
		fileLock:     lock.NewFileLock(filepath.Join(chimeDir, "locks", "daemon.lock")),
		server:       uds.NewServer(filepath.Join(chimeDir, uds.DefaultSocketName), logger),
		schedule:     schedule,
		resumeTicker: time.NewTicker(time.Duration(resumeInterval) * time.Second),
		lockMap:      lock.NewMutexMap(),
		ctx:          ctx,
		cancel:       cancel,
	}

	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	// Step 2: Persist the scan trigger registration. Ensure is idempotent:
	// restarting with an unchanged spec is a no-op.
	registry := trigger.NewRegistry(d.chimeDir, d.logger)
	if err := registry.Ensure("periodic_scan", d.config.Scan.Cron); err != nil {
		d.cleanup()
		return fmt.Errorf("register scan trigger: %w", err)
	}

	// Step 3: Open the task store and the run store
	tasks, err := store.Open(d.chimeDir, d.config, d.logger)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open task store: %w", err)
	}
	d.tasks = tasks
	d.runStore = runs.NewStore(d.chimeDir, d.logger)

	// Step 4: Event bus, audit trail, prometheus
	d.bus = events.NewBus(256)
	audit, err := events.NewAuditLogger(filepath.Join(d.chimeDir, "logs", "audit.log"), 0)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.unsubscribe = append(d.unsubscribe, d.bus.SubscribeAll(func(ev events.Event) {
		if err := d.audit.Log(string(ev.Type), ev.Data); err != nil {
			d.log(LogLevelWarn, "audit log error=%v", err)
		}
	}))

	if addr := d.config.Metrics.ListenAddr; addr != "" {
		reg := prometheus.NewRegistry()
		d.collector = metrics.NewCollector(reg)
		d.unsubscribe = append(d.unsubscribe, d.collector.Attach(d.bus))
		srv, err := metrics.StartServer(addr, reg)
		if err != nil {
			d.cleanup()
			return fmt.Errorf("start metrics server: %w", err)
		}
		d.promServer = srv
		d.log(LogLevelInfo, "metrics listening on %s", srv.Addr)
	}

	// Step 5: Delivery bridge, engine, scanner, coordinator
	notifier, err := notify.New(d.config.Notify)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create notifier: %w", err)
	}
	if !d.config.Notify.Enabled {
		d.log(LogLevelWarn, "notifications disabled, reminders will be dropped")
	}
	bridge := deliver.NewBridge(notifier)
	d.engine = escalate.NewEngine(d.chimeDir, d.config, d.runStore, d.tasks,
		bridge, d.bus, d.lockMap, d.logger, d.config.Logging.Level)
	d.scanner = NewScanner(d.tasks, d.logger, d.logLevel)
	d.coordinator = NewCoordinator(d.config, d.engine, d.bus, d.logger, d.logLevel)
	d.metricsHandler = NewMetricsHandler(d.chimeDir, d.config, d.logger, d.logLevel)
	d.unsubscribe = append(d.unsubscribe, d.metricsHandler.Attach(d.bus))

	// Step 6: Watch the task file so edits trigger a rescan without waiting
	// for the next cron fire. Only meaningful for the file store.
	if d.config.Store.Type == "file" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			d.cleanup()
			return fmt.Errorf("create fsnotify watcher: %w", err)
		}
		d.watcher = watcher
		storePath := d.config.Store.Path
		if !filepath.IsAbs(storePath) {
			storePath = filepath.Join(d.chimeDir, storePath)
		}
		storeDir := filepath.Dir(storePath)
		if err := watcher.Add(storeDir); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", storeDir, err)
		}
	}

	// Step 7: Register UDS handlers and start the server
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.chimeDir, uds.DefaultSocketName))

	// Step 8: Recover persisted state: archive terminal leftovers, then
	// advance runs whose wait expired while the daemon was down.
	d.engine.SweepTerminal()
	if n, err := d.engine.ResumeDue(d.ctx); err != nil {
		d.log(LogLevelWarn, "startup resume error=%v", err)
	} else if n > 0 {
		d.log(LogLevelInfo, "startup resume advanced=%d", n)
	}

	// Step 9: Start background loops
	d.wg.Add(2)
	go d.scanLoop()
	go d.resumeLoop()
	if d.watcher != nil {
		d.wg.Add(1)
		go d.fsnotifyLoop()
	}

	// Step 10: Run initial scan
	d.runScan()
	d.log(LogLevelInfo, "daemon ready")

	// Step 11: Wait for signals
	d.waitSignals()

	return nil
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	// A scan can include the delayed launch-retry pass, which outlives the
	// connection deadline, so the trigger is asynchronous. The outcome lands
	// in state/metrics.yaml and the scan_completed event.
	d.server.Handle("scan", func(req *uds.Request) *uds.Response {
		if d.ctx.Err() != nil {
			return uds.ErrorResponse(uds.ErrCodeBusy, "daemon is shutting down")
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runScan()
		}()
		return uds.SuccessResponse(map[string]string{"status": "scan_started"})
	})

	d.server.Handle("status", d.handleStatus)
	d.server.Handle("runs", d.handleRuns)

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	tasks, err := d.tasks.ListTasks(d.ctx)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("list tasks: %v", err))
	}
	dueCount := 0
	now := time.Now().UTC()
	for _, task := range tasks {
		if due.IsDue(task, now) {
			dueCount++
		}
	}

	active, err := d.runStore.ListActive()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("list runs: %v", err))
	}

	return uds.SuccessResponse(map[string]interface{}{
		"status":      "running",
		"pid":         os.Getpid(),
		"store":       d.config.Store.Type,
		"tasks":       len(tasks),
		"due":         dueCount,
		"active_runs": len(active),
	})
}

func (d *Daemon) handleRuns(req *uds.Request) *uds.Response {
	active, err := d.runStore.ListActive()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("list runs: %v", err))
	}

	runList := make([]map[string]interface{}, 0, len(active))
	for _, run := range active {
		runList = append(runList, map[string]interface{}{
			"run_id":    run.RunID,
			"task_id":   run.TaskID,
			"task_name": run.TaskName,
			"level":     string(run.Level),
			"status":    string(run.Status),
			"resume_at": run.ResumeAt,
			"attempts":  run.Attempts,
		})
	}
	return uds.SuccessResponse(map[string]interface{}{
		"count": len(runList),
		"runs":  runList,
	})
}

// runScan performs one scan tick: snapshot due tasks, dispatch a batch, and
// refresh the state metrics. Concurrent triggers (cron, fsnotify, UDS)
// serialize here; the engine's active-run guard makes overlapping ticks safe
// regardless.
func (d *Daemon) runScan() model.BatchResult {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	start := time.Now()
	dueTasks, total, err := d.scanner.Scan(d.ctx)
	if err != nil {
		if mErr := d.metricsHandler.RecordScanFailure(start); mErr != nil {
			d.log(LogLevelWarn, "metrics update error=%v", mErr)
		}
		return model.BatchResult{}
	}

	result := d.coordinator.ProcessBatch(d.ctx, dueTasks)
	duration := time.Since(start)

	d.bus.Publish(events.EventScanCompleted, map[string]interface{}{
		"batch_id":     result.BatchID,
		"total":        result.Total,
		"succeeded":    result.Succeeded,
		"failed":       result.Failed,
		"skipped":      result.Skipped,
		"retried":      result.Retried,
		"duration_sec": duration.Seconds(),
	})

	if err := d.metricsHandler.UpdateMetrics(start, duration, total, result); err != nil {
		d.log(LogLevelWarn, "metrics update error=%v", err)
	}
	if err := d.updateDashboard(dueTasks); err != nil {
		d.log(LogLevelWarn, "dashboard update error=%v", err)
	}
	d.refreshActiveRuns()

	return result
}

func (d *Daemon) updateDashboard(dueTasks []model.DueTask) error {
	active, err := d.runStore.ListActive()
	if err != nil {
		return err
	}
	return d.metricsHandler.UpdateDashboard(dueTasks, active)
}

// refreshActiveRuns pushes the current active-run count into the prometheus
// gauge, when the endpoint is enabled.
func (d *Daemon) refreshActiveRuns() {
	if d.collector == nil {
		return
	}
	active, err := d.runStore.ListActive()
	if err != nil {
		d.log(LogLevelWarn, "list active runs error=%v", err)
		return
	}
	d.collector.SetActiveRuns(len(active))
}

// scanLoop fires runScan on the configured cron schedule.
func (d *Daemon) scanLoop() {
	defer d.wg.Done()

	for {
		next := d.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-d.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			d.log(LogLevelDebug, "scheduled scan fire=%s", next.Format(time.RFC3339))
			d.runScan()
		}
	}
}

// resumeLoop advances waiting runs whose resume time has passed. This is
// what turns the persisted 24h/48h waits into deliveries.
func (d *Daemon) resumeLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.resumeTicker.C:
			n, err := d.engine.ResumeDue(d.ctx)
			if err != nil && d.ctx.Err() == nil {
				d.log(LogLevelWarn, "resume error=%v", err)
			}
			if n > 0 {
				d.log(LogLevelInfo, "resume advanced=%d", n)
			}
			d.refreshActiveRuns()
		}
	}
}

// fsnotifyLoop rescans after the task file changes, debounced so one editor
// save burst produces one scan.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	storeFile := filepath.Base(d.config.Store.Path)
	wait := time.Duration(d.config.Scan.DebounceSec * float64(time.Second))
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	debounce := time.NewTimer(wait)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if filepath.Base(event.Name) != storeFile {
				continue
			}
			d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
			debounce.Reset(wait)
		case <-debounce.C:
			d.log(LogLevelDebug, "task file changed, rescanning")
			d.runScan()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops accepting new work)
		d.cancel()

		// 2. Stop producers
		d.resumeTicker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		// 3. Drain in-flight with timeout
		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 20
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		// 4. Cleanup
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	if d.promServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		d.promServer.Shutdown(ctx)
		cancel()
	}
	for _, unsub := range d.unsubscribe {
		unsub()
	}
	d.unsubscribe = nil
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		d.audit.Close()
	}
	if closer, ok := d.tasks.(io.Closer); ok {
		closer.Close()
	}
	os.Remove(filepath.Join(d.chimeDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

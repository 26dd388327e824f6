// Package daemon assembles the KSI daemon: it wires the event router,
// log, state store, completion scheduler, injection router, agent
// manager, composition service, and transport into one supervised
// process.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ksi-project/ksid/internal/agent"
	"github.com/ksi-project/ksid/internal/circuitbreaker"
	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/composition"
	"github.com/ksi-project/ksid/internal/config"
	"github.com/ksi-project/ksid/internal/correlation"
	"github.com/ksi-project/ksid/internal/discovery"
	"github.com/ksi-project/ksid/internal/eventlog"
	"github.com/ksi-project/ksid/internal/handlers"
	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/maintenance"
	"github.com/ksi-project/ksid/internal/observability"
	"github.com/ksi-project/ksid/internal/provider"
	"github.com/ksi-project/ksid/internal/router"
	"github.com/ksi-project/ksid/internal/sandbox"
	"github.com/ksi-project/ksid/internal/security"
	"github.com/ksi-project/ksid/internal/state"
	"github.com/ksi-project/ksid/internal/tools/policy"
	"github.com/ksi-project/ksid/internal/transport"
)

// Daemon is the assembled process.
type Daemon struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	traceShutdown func(context.Context) error

	correlations *correlation.Store
	log          *eventlog.Log
	router       *router.Router
	state        *state.Store
	compositions *composition.Service
	watcher      *composition.Watcher
	capabilities *policy.System
	scheduler    *completion.Scheduler
	injections   *injection.Router
	sandboxes    *sandbox.Manager
	agents       *agent.Manager
	cache        *discovery.Cache
	transport    *transport.Server
	maintenance  *maintenance.Scheduler

	shutdownRequested chan string
}

// New builds a Daemon from cfg. Nothing starts listening until Run.
func New(cfg *config.Config) (*Daemon, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	tracer, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: cfg.Observability.Tracing.ServiceVersion,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       tracingEndpoint(cfg),
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Attributes:     cfg.Observability.Tracing.Attributes,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})

	correl := correlation.NewStore(time.Duration(cfg.Maintenance.CorrelationMaxAgeHours) * time.Hour)

	responsesDir := filepath.Join(cfg.Paths.Logs, "responses")
	elog, err := eventlog.Open(eventlog.Config{
		EventsDir:          filepath.Join(cfg.Paths.Logs, "events"),
		DBPath:             filepath.Join(cfg.Paths.DB, "events.db"),
		RingSize:           cfg.EventLog.RingSize,
		ReferenceThreshold: cfg.EventLog.ReferenceThreshold,
		BatchSize:          cfg.EventLog.BatchSize,
		FlushInterval:      cfg.EventLog.FlushInterval,
		// Completion outputs are already materialized one-per-line in the
		// session's responses file; record a ref instead of stripping.
		Materialize: func(field string, data map[string]any) (string, bool) {
			if field != "result" && field != "response" && field != "content" {
				return "", false
			}
			sessionID, _ := data["session_id"].(string)
			if sessionID == "" {
				return "", false
			}
			return filepath.Join(responsesDir, sessionID+".jsonl"), true
		},
	}, logger, metrics)
	if err != nil {
		return nil, err
	}

	rtr := router.New(correl, elog.RouterAdapter(), logger, metrics, tracer)
	rtr.MaxSubscriberBuffer = cfg.Socket.MaxConnBuffer

	st, err := state.Open(filepath.Join(cfg.Paths.DB, "state.db"))
	if err != nil {
		elog.Close()
		return nil, err
	}

	loader := composition.NewLoader(filepath.Join(cfg.Paths.Lib, "compositions"))
	index, err := composition.OpenIndex(filepath.Join(cfg.Paths.DB, "composition_index.db"), loader)
	if err != nil {
		st.Close()
		elog.Close()
		return nil, err
	}
	compositions := composition.NewService(loader, index)

	capabilities, err := policy.LoadSystemFile(filepath.Join(cfg.Paths.Lib, "capabilities", "ksi_capabilities.yaml"))
	if err != nil {
		return nil, err
	}

	breaker := circuitbreaker.NewBreaker(circuitbreaker.Config{
		MaxDepth:         cfg.CircuitBreak.MaxDepth,
		TokenBudget:      cfg.CircuitBreak.TokenBudget,
		TimeWindow:       cfg.CircuitBreak.TimeWindow,
		PoisoningScore:   cfg.CircuitBreak.PoisoningScore,
		CircularLookback: cfg.CircuitBreak.CircularLookback,
	}, circuitbreaker.NewChainTracker())

	prov := provider.New(provider.Config{
		CommandTemplate: cfg.Provider.Commands,
		Default:         cfg.Provider.Default,
		WorkDir:         cfg.Provider.WorkDir,
	})

	scheduler := completion.New(completion.Config{
		RequestTimeout: cfg.Completion.RequestTimeout,
		ShutdownGrace:  cfg.Completion.ShutdownGrace,
		ResponsesDir:   responsesDir,
		MaxConcurrent:  cfg.Completion.MaxConcurrent,
	}, breaker, prov, nil, nil, logger, metrics)

	injections := injection.New(scheduler, st, logger, metrics)
	scheduler.SetSink(injections)
	scheduler.SetEmitter(func(ctx context.Context, res completion.Result) {
		rtr.Emit(ctx, "completion:result", resultPayload(res), nil)
	})

	sandboxes, err := sandbox.NewManager(cfg.Sandbox.Root, logger)
	if err != nil {
		return nil, err
	}

	agents := agent.NewManager(sandboxes, compositions.Resolver, capabilities, scheduler, logger, metrics)
	agents.SetSandboxPolicy(sandbox.ResolvePolicy(cfg.Sandbox.Enabled, cfg.Sandbox.Mode, cfg.Sandbox.Scope))

	cache, err := discovery.OpenCache(filepath.Join(cfg.Paths.DB, "discovery_cache.db"))
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:               cfg,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		traceShutdown:     traceShutdown,
		correlations:      correl,
		log:               elog,
		router:            rtr,
		state:             st,
		compositions:      compositions,
		capabilities:      capabilities,
		scheduler:         scheduler,
		injections:        injections,
		sandboxes:         sandboxes,
		agents:            agents,
		cache:             cache,
		shutdownRequested: make(chan string, 1),
	}

	registry := discovery.NewRegistry()
	deps := &handlers.Deps{
		Router:       rtr,
		Registry:     registry,
		Discovery:    discovery.NewService(registry, cache, logger),
		State:        st,
		Log:          elog,
		Payloads:     eventlog.NewPayloadLoader(),
		Correlations: correl,
		Scheduler:    scheduler,
		Injections:   injections,
		Agents:       agents,
		Sandboxes:    sandboxes,
		Compositions: compositions,
		Capabilities: capabilities,
		Logger:       logger,
		Shutdown:     d.RequestShutdown,
		StartedAt:    time.Now(),
	}
	handlers.RegisterAll(deps)

	d.transport = transport.NewServer(cfg.Socket.Path, rtr, logger, metrics)
	d.maintenance = d.buildMaintenance()
	return d, nil
}

func tracingEndpoint(cfg *config.Config) string {
	if !cfg.Observability.Tracing.Enabled {
		return ""
	}
	return cfg.Observability.Tracing.Endpoint
}

func resultPayload(res completion.Result) map[string]any {
	out := map[string]any{
		"request_id": res.RequestID,
		"session_id": res.SessionID,
		"status":     string(res.Status),
	}
	if res.Content != "" {
		out["result"] = res.Content
	}
	if res.ErrorDetail != "" {
		out["error"] = res.ErrorDetail
	}
	if res.Forked {
		out["forked"] = true
	}
	if res.DurationMS > 0 {
		out["duration_ms"] = res.DurationMS
	}
	if res.CostUSD > 0 {
		out["total_cost_usd"] = res.CostUSD
	}
	return out
}

func (d *Daemon) buildMaintenance() *maintenance.Scheduler {
	sched := maintenance.NewScheduler(
		maintenance.WithLogger(d.logger.Slog()),
	)
	retry := maintenance.RetryConfig{MaxRetries: 2, Backoff: 5 * time.Second, MaxBackoff: time.Minute}

	_ = sched.Register("correlation-gc", "correlation trace GC",
		maintenance.Every(d.cfg.Maintenance.CorrelationGCInterval), retry,
		func(ctx context.Context) (int, error) {
			n := d.correlations.GC()
			stats := d.correlations.Stats()
			d.metrics.SetActiveCorrelations(stats.Open)
			return n, nil
		})

	_ = sched.Register("queue-ttl-sweep", "async queue TTL sweep",
		maintenance.Every(d.cfg.State.QueueSweepInterval), retry,
		func(ctx context.Context) (int, error) {
			return d.state.SweepExpired(ctx)
		})

	_ = sched.Register("wal-checkpoint", "SQLite WAL checkpoint",
		maintenance.Every(d.cfg.Maintenance.WALCheckpointInterval), retry,
		func(ctx context.Context) (int, error) {
			if err := d.log.Checkpoint(ctx); err != nil {
				return 0, err
			}
			return 0, d.state.Checkpoint(ctx)
		})

	if d.cfg.Security.Posture.Enabled {
		interval := d.cfg.Security.Posture.Interval
		if interval <= 0 {
			interval = time.Hour
		}
		_ = sched.Register("security-posture", "sandbox/permission posture audit",
			maintenance.Every(interval), retry,
			func(ctx context.Context) (int, error) {
				report, err := security.RunAudit(security.AuditOptions{
					SandboxRoot:        d.cfg.Sandbox.Root,
					Config:             d.cfg,
					IncludeFilesystem:  boolOrDefault(d.cfg.Security.Posture.IncludeFilesystem, true),
					IncludeSandbox:     boolOrDefault(d.cfg.Security.Posture.IncludeSandbox, true),
					IncludeConfig:      boolOrDefault(d.cfg.Security.Posture.IncludeConfig, true),
					CheckSymlinks:      boolOrDefault(d.cfg.Security.Posture.CheckSymlinks, true),
					AllowGroupReadable: d.cfg.Security.Posture.AllowGroupReadable,
				})
				if err != nil {
					return 0, err
				}
				if boolOrDefault(d.cfg.Security.Posture.EmitEvents, true) && len(report.Findings) > 0 {
					d.router.Emit(ctx, "monitor:security_posture", map[string]any{
						"findings": len(report.Findings),
						"critical": report.HasCritical(),
					}, nil)
				}
				return len(report.Findings), nil
			})
	}

	return sched
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// RequestShutdown asks Run to begin the shutdown sequence; safe to call
// from handlers (system:shutdown) and signal handlers alike.
func (d *Daemon) RequestShutdown(reason string) {
	select {
	case d.shutdownRequested <- reason:
	default:
	}
}

// Run starts the transport, the composition watcher, and the
// maintenance scheduler, then blocks until ctx is cancelled or a
// shutdown is requested, at which point the ordered shutdown sequence
// runs: stop accepting connections, cancel in-flight completions,
// drain the event log, terminate agents, close databases.
func (d *Daemon) Run(ctx context.Context) error {
	runDir := d.cfg.Paths.Run
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	pidPath := filepath.Join(runDir, "daemon.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	if _, err := d.compositions.Rebuild(); err != nil {
		d.logger.Warn(ctx, "composition index rebuild failed", "error", err.Error())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.transport.Start(runCtx); err != nil {
		return err
	}
	d.logger.Info(runCtx, "daemon listening", "socket", d.cfg.Socket.Path)

	g, gctx := errgroup.WithContext(runCtx)

	if w, err := composition.NewWatcher(d.compositions.Loader.Root, d.compositions.Index, d.logger); err == nil {
		d.watcher = w
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	} else {
		d.logger.Warn(runCtx, "composition watcher unavailable", "error", err.Error())
	}

	d.maintenance.Start(runCtx)

	d.router.Emit(runCtx, "system:startup", map[string]any{"socket": d.cfg.Socket.Path}, nil)

	select {
	case <-gctx.Done():
	case reason := <-d.shutdownRequested:
		d.logger.Info(runCtx, "shutdown requested", "reason", reason)
	}
	cancel()
	_ = g.Wait()

	return d.shutdown()
}

// shutdown is the ordered teardown; errors are logged, never fatal, so
// a failing stage cannot strand the stages after it.
func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.transport.Stop(ctx, d.cfg.Completion.ShutdownGrace); err != nil {
		d.logger.Warn(ctx, "transport stop incomplete", "error", err.Error())
	}
	if err := d.scheduler.Shutdown(ctx); err != nil {
		d.logger.Warn(ctx, "completion scheduler shutdown incomplete", "error", err.Error())
	}
	if err := d.maintenance.Stop(ctx); err != nil {
		d.logger.Warn(ctx, "maintenance scheduler stop incomplete", "error", err.Error())
	}

	for _, a := range d.agents.List() {
		if err := d.agents.Terminate(ctx, a.ID, true); err != nil {
			d.logger.Warn(ctx, "agent terminate failed during shutdown", "agent_id", a.ID, "error", err.Error())
		}
	}

	if err := d.log.Close(); err != nil {
		d.logger.Warn(ctx, "event log close failed", "error", err.Error())
	}
	if err := d.state.Close(); err != nil {
		d.logger.Warn(ctx, "state store close failed", "error", err.Error())
	}
	if err := d.compositions.Index.Close(); err != nil {
		d.logger.Warn(ctx, "composition index close failed", "error", err.Error())
	}
	if err := d.cache.Close(); err != nil {
		d.logger.Warn(ctx, "discovery cache close failed", "error", err.Error())
	}
	if d.traceShutdown != nil {
		if err := d.traceShutdown(ctx); err != nil {
			d.logger.Warn(ctx, "tracer shutdown failed", "error", err.Error())
		}
	}
	d.logger.Info(ctx, "daemon stopped")
	return nil
}

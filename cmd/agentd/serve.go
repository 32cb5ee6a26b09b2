package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/alerts"
	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/compliance"
	agentctx "github.com/haasonsaas/nexus/internal/context"
	"github.com/haasonsaas/nexus/internal/cron"
	"github.com/haasonsaas/nexus/internal/hooks"
	"github.com/haasonsaas/nexus/internal/nodes"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/ratelimit"
	"github.com/haasonsaas/nexus/internal/runhistory"
	"github.com/haasonsaas/nexus/internal/secrets"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/tools/exec"
	"github.com/haasonsaas/nexus/internal/usage"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent execution core",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			return runServe(cmd.Context(), path, debug, metricsAddr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to agentd.yaml (default: $AGENTD_CONFIG or ./agentd.yaml)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics and /healthz on")
	return cmd
}

func buildValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file without starting the runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to agentd.yaml (default: $AGENTD_CONFIG or ./agentd.yaml)")
	return cmd
}

// runtime bundles every long-lived collaborator runServe wires together,
// so shutdown can close them in one place.
type runtime struct {
	logger        *observability.Logger
	slogger       *slog.Logger
	tracerFlush   func(context.Context) error
	busInstance   *bus.Bus
	builder       *agentctx.Builder
	scheduler     *agent.Scheduler
	cronScheduler *cron.Scheduler
	alertsService *alerts.Service
	rateLimiter   *ratelimit.Limiter
	httpServer    *http.Server
}

func runServe(ctx context.Context, configPath string, debug bool, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("agentd: load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: level, Format: cfg.Logging.Format})
	slogger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseSlogLevel(level)}))
	slog.SetDefault(slogger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "agentd",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		EnableInsecure: cfg.Tracing.EnableInsecure,
	})
	defer tracerShutdown(context.Background())

	rt, err := wireRuntime(ctx, cfg, logger, slogger, tracer)
	if err != nil {
		return err
	}
	rt.tracerFlush = tracerShutdown

	agentMetrics := observability.NewAgentMetrics()
	b := rt.bus()
	go observability.RunMetricsBridge(ctx, b, agentMetrics)
	go observability.RunQueueDepthSampler(ctx, rt.scheduler, agentMetrics, 5*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	rt.httpServer = &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := rt.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogger.Error("metrics server failed", "error", err)
		}
	}()

	if rt.alertsService != nil {
		go func() {
			if err := rt.alertsService.Run(ctx); err != nil && ctx.Err() == nil {
				slogger.Error("alerts service stopped", "error", err)
			}
		}()
	}
	if rt.cronScheduler != nil {
		if err := rt.cronScheduler.Start(ctx); err != nil {
			slogger.Error("cron scheduler failed to start", "error", err)
		}
	}

	slogger.Info("agentd started", "config", configPath, "metrics_addr", metricsAddr)
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return rt.shutdown(shutdownCtx)
}

// bus is a small accessor so shutdown code doesn't need to thread the
// *bus.Bus separately from the rest of the runtime.
func (rt *runtime) bus() *bus.Bus { return rt.busInstance }

func (rt *runtime) shutdown(ctx context.Context) error {
	if rt.httpServer != nil {
		_ = rt.httpServer.Shutdown(ctx)
	}
	if rt.cronScheduler != nil {
		_ = rt.cronScheduler.Stop(ctx)
	}
	if rt.builder != nil {
		_ = rt.builder.Close()
	}
	if rt.tracerFlush != nil {
		_ = rt.tracerFlush(ctx)
	}
	return nil
}

func parseSlogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// wireRuntime constructs every collaborator named in the agent core and
// assembles them into a runtime ready for runServe to start.
func wireRuntime(ctx context.Context, cfg *config.Config, logger *observability.Logger, slogger *slog.Logger, tracer *observability.Tracer) (*runtime, error) {
	rt := &runtime{logger: logger, slogger: slogger}

	b := bus.New()
	rt.busInstance = b

	failover, err := buildFailoverProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sessionStore, err := sessions.NewJSONLStore(cfg.Agent.SessionsDir, cfg.Agent.IdleResetMinutes)
	if err != nil {
		return nil, fmt.Errorf("agentd: open session store: %w", err)
	}

	history, err := runhistory.New(cfg.Agent.RunHistoryDir, cfg.Agent.MaxRunHistory, logger)
	if err != nil {
		return nil, fmt.Errorf("agentd: open run history store: %w", err)
	}

	ledger, err := usage.NewLedger(cfg.Usage.Build())
	if err != nil {
		return nil, fmt.Errorf("agentd: open usage ledger: %w", err)
	}

	hookRegistry := hooks.NewRegistry(slogger)
	hookRunner := hooks.NewRunner(cfg.Hooks.Build(cfg.Agent.Workspace), slogger)
	registerShellHookBridge(hookRegistry, hookRunner)

	discoveredHooks, err := discoverWorkspaceHooks(ctx, cfg.Agent.Workspace, nil, slogger)
	if err != nil {
		slogger.Warn("workspace hook discovery failed", "error", err)
	}
	registerDiscoveredHooks(hookRegistry, b, discoveredHooks)

	var nodeManager *nodes.Manager
	if cfg.Nodes.Enabled {
		nodeManager = nodes.New(cfg.Nodes.Build())
	}

	var alertsService *alerts.Service
	if cfg.Alerts.Enabled {
		alertsService = alerts.New(b, nodeManager, alerts.Config{
			DedupWindow:         cfg.Alerts.DedupWindow,
			PollInterval:        cfg.Alerts.PollInterval,
			CancelRateThreshold: cfg.Alerts.CancelRateThreshold,
			SinkPath:            cfg.Alerts.SinkPath,
		}, slogger)
		failover.SetBreakerStateChangeHook(func(name, from, to string) {
			alertsService.CircuitStateChange(name)(from, to)
		})
	}
	rt.alertsService = alertsService

	secretStore, err := secrets.New(cfg.Secrets.Build())
	if err != nil {
		return nil, fmt.Errorf("agentd: open secret store: %w", err)
	}
	rt.rateLimiter = ratelimit.New(cfg.RateLimit.Build())

	// The cron scheduler hosts every periodic job agentd runs, whether
	// user-configured (cfg.Cron.Jobs) or internal (the compliance sweep
	// and the session/run-history maintenance pass below) — there is
	// only ever one ticking loop.
	cronScheduler, err := cron.NewScheduler(cfg.Cron, cron.WithLogger(slogger))
	if err != nil {
		return nil, fmt.Errorf("agentd: build cron scheduler: %w", err)
	}
	rt.cronScheduler = cronScheduler

	if cfg.Compliance.Enabled {
		complianceSvc := compliance.New(sessionStore, history, secretStore, compliance.Config{
			SessionRetention: cfg.Compliance.SessionRetention,
			ExportDir:        cfg.Compliance.ExportDir,
			KnownSecretKeys:  cfg.Compliance.KnownSecretKeys,
		}, slogger)
		cronScheduler.RegisterCustomHandler("compliance_sweep", complianceSvc.SweepHandler())

		sweepCron := cfg.Compliance.SweepCron
		if sweepCron == "" {
			sweepCron = "0 */6 * * *"
		}
		if _, err := cronScheduler.RegisterJob(config.CronJobConfig{
			ID:       "compliance-sweep",
			Name:     "Compliance retention sweep",
			Type:     "custom",
			Enabled:  true,
			Schedule: config.CronScheduleConfig{Cron: sweepCron},
			Custom:   &config.CronCustomConfig{Handler: "compliance_sweep"},
		}); err != nil {
			return nil, fmt.Errorf("agentd: schedule compliance sweep: %w", err)
		}
	}

	cronScheduler.RegisterCustomHandler("session_maintenance", cron.CustomHandlerFunc(func(ctx context.Context, job *cron.Job, args map[string]any) error {
		if n, err := sessionStore.ResetAll("idle_timeout", "agentd"); err != nil {
			slogger.Warn("session idle sweep failed", "error", err)
		} else if n > 0 {
			slogger.Info("session idle sweep reset sessions", "count", n)
		}
		if n, err := history.Trim(); err != nil {
			slogger.Warn("run history trim failed", "error", err)
			return err
		} else if n > 0 {
			slogger.Debug("run history trimmed", "count", n)
		}
		return nil
	}))
	if _, err := cronScheduler.RegisterJob(config.CronJobConfig{
		ID:       "session-maintenance",
		Name:     "Session idle reset and run history trim",
		Type:     "custom",
		Enabled:  true,
		Schedule: config.CronScheduleConfig{Every: 15 * time.Minute},
		Custom:   &config.CronCustomConfig{Handler: "session_maintenance"},
	}); err != nil {
		return nil, fmt.Errorf("agentd: schedule session maintenance: %w", err)
	}

	registry := agent.NewRegistry()
	manager := exec.NewManager(cfg.Agent.Workspace)
	if err := registerTools(registry, manager, cfg); err != nil {
		return nil, fmt.Errorf("agentd: register tools: %w", err)
	}

	approver := agent.NewApprover(b, time.Duration(cfg.Agent.ApprovalTimeoutS)*time.Second)
	executor := agent.NewExecutor(registry, agent.ExecutorConfig{
		Approval:  cfg.Agent.Approval,
		Approver:  approver,
		Hooks:     hookRegistry,
		Bus:       b,
		Tracer:    tracer,
		RateLimit: rt.rateLimiter,
	})

	compactor := agent.NewCompactor(failover, hookRegistry, b, cfg.Agent.Compaction.Build(cfg.Agent.DefaultModel))

	builder := agentctx.NewBuilder(agentctx.BuilderConfig{
		Workspace:      cfg.Agent.Workspace,
		Identity:       agentctx.Identity{Name: cfg.Agent.Identity.Name, Persona: cfg.Agent.Identity.Persona},
		BootstrapFiles: cfg.Agent.BootstrapFiles,
	}, nil, nil)
	if err := builder.Watch(ctx, slogger); err != nil {
		slogger.Warn("bootstrap file watch disabled", "error", err)
	}
	rt.builder = builder

	dialog := &agent.DialogLoop{
		Provider:     failover,
		Registry:     registry,
		Executor:     executor,
		Builder:      builder,
		Compactor:    compactor,
		Shaper:       agent.NewReplyShaper(),
		Bus:          b,
		Tracer:       tracer,
		MaxTokens:    cfg.Agent.MaxTokens,
		StreamEvents: cfg.Agent.StreamEvents,
	}

	scheduler := agent.NewScheduler(agent.SchedulerConfig{
		Sessions:         sessionStore,
		History:          history,
		Usage:            ledger,
		Hooks:            hookRegistry,
		Bus:              b,
		Dialog:           dialog,
		Logger:           logger,
		Tracer:           tracer,
		RateLimit:        rt.rateLimiter,
		Queue:            cfg.Agent.Queue,
		TimeoutSecs:      cfg.Agent.RunTimeoutSecs,
		IdleResetMinutes: cfg.Agent.IdleResetMinutes,
	})
	dialog.Steer = scheduler
	dialog.Cancel = scheduler
	rt.scheduler = scheduler

	cronScheduler.SetAgentRunner(cron.AgentRunnerFunc(func(ctx context.Context, job *cron.Job) error {
		_, err := scheduler.SubmitInbound(ctx, cronAgentMessage(job))
		return err
	}))

	return rt, nil
}

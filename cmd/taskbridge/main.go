package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskbridge/internal/audit"
	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/config"
	"github.com/basket/taskbridge/internal/orchestrator"
	otelPkg "github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/pipeline"
	"github.com/basket/taskbridge/internal/policy"
	"github.com/basket/taskbridge/internal/queue"
	"github.com/basket/taskbridge/internal/scm"
	"github.com/basket/taskbridge/internal/sweep"
	"github.com/basket/taskbridge/internal/telemetry"
	"github.com/basket/taskbridge/internal/tracker"
	"github.com/basket/taskbridge/internal/webhook"
	"github.com/basket/taskbridge/internal/workspace"

	"log/slog"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                     Start the bridge daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKBRIDGE_HOME            Data directory (default: ~/.taskbridge)
  TASKBRIDGE_TRACKER_TOKEN   Tracker API token
  TASKBRIDGE_SCM_TOKEN       SCM API token (also used for git pushes)
`)
}

func main() {
	home := flag.String("home", "", "data directory (overrides TASKBRIDGE_HOME)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := *home
	if homeDir == "" {
		homeDir = config.DefaultHomeDir()
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_CREATE", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit only needs homeDir, so it comes up before the logger and can
	// record logger init failures.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version,
		"home", cfg.HomeDir,
		"execution_mode", string(cfg.ExecutionMode),
		"config_fingerprint", cfg.Fingerprint())

	// Event bus before the store so state transitions publish from day one.
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer func() { _ = store.Close() }()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.DBPath)

	// Legacy rows predate multi-project support. Adopt them exactly when the
	// target is unambiguous.
	projects, err := store.ListProjects(ctx)
	if err != nil {
		fatalStartup(logger, "E_PROJECT_SCAN", err)
	}
	if len(projects) == 1 {
		adopted, err := store.AdoptLegacyTasks(ctx, projects[0].ID)
		if err != nil {
			fatalStartup(logger, "E_LEGACY_ADOPT", err)
		}
		if adopted > 0 {
			logger.Info("legacy tasks adopted", "project_id", projects[0].ID, "count", adopted)
		}
	}

	trackerClient := tracker.NewRESTClient(cfg.Tracker.BaseURL, cfg.TrackerToken())
	scmClient, err := scm.NewGitHubClient(ctx, cfg.SCMToken(), cfg.SCM.BaseURL)
	if err != nil {
		fatalStartup(logger, "E_SCM_CLIENT_INIT", err)
	}

	// Projects that never completed a handshake have no webhook on the
	// Tracker side yet. Registration is best-effort: a Tracker outage here
	// must not block startup, and the reconciliation sweep covers the gap.
	if cfg.PublicURL != "" {
		base := strings.TrimRight(cfg.PublicURL, "/")
		for _, p := range projects {
			if p.TrackerWebhookSecret != "" || p.TrackerProjectID == "" {
				continue
			}
			target := base + "/webhooks/tracker?project=" + url.QueryEscape(p.ID)
			if err := trackerClient.CreateWebhook(ctx, p.TrackerProjectID, target); err != nil {
				logger.Warn("tracker webhook registration failed", "project_id", p.ID, "error", err)
				continue
			}
			logger.Info("tracker webhook registered", "project_id", p.ID, "target", target)
		}

		// SCM hooks are configured on the repo by the operator; we can only
		// check they exist and point at us.
		scmTarget := base + "/webhooks/scm"
		for _, p := range projects {
			repos, err := store.ProjectRepos(ctx, p.ID)
			if err != nil {
				logger.Warn("project repos unavailable", "project_id", p.ID, "error", err)
				continue
			}
			for _, full := range repos {
				owner, repo, ok := strings.Cut(full, "/")
				if !ok {
					continue
				}
				hooks, err := scmClient.ListWebhooks(ctx, owner, repo)
				if err != nil {
					logger.Warn("scm webhook check failed", "repo", full, "error", err)
					continue
				}
				found := false
				for _, h := range hooks {
					if h.Active && strings.HasPrefix(h.URL, scmTarget) {
						found = true
						break
					}
				}
				if !found {
					logger.Warn("no active scm webhook targets this instance",
						"repo", full, "expected_target", scmTarget)
				}
			}
		}
	}

	pl := pipeline.New(store, trackerClient, scmClient, cfg.ExecutionMode)

	ws, err := workspace.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		fatalStartup(logger, "E_WORKSPACE_INIT", err)
	}
	checker := policy.New(cfg.Policy.MaxChangedFiles, cfg.Policy.DenyGlobs)
	orch := orchestrator.New(store, scmClient, trackerClient, ws, checker, cfg)

	pool := queue.NewPool(store, cfg.WorkerCount, time.Duration(cfg.PollIntervalSeconds)*time.Second)
	if err := pool.Register("agent.run", queue.AgentRunSchema, orch.HandleJob); err != nil {
		fatalStartup(logger, "E_JOB_HANDLER_REGISTER", err)
	}
	pool.Start(ctx)
	logger.Info("startup phase", "phase", "workers_started", "count", cfg.WorkerCount)

	reconciler := sweep.NewReconciler(store, scmClient, pl)
	watchdog := sweep.NewWatchdog(store, scmClient, trackerClient, cfg.PRTimeout())
	sched := sweep.NewScheduler(logger, 30*time.Second)
	if err := sched.Add(sweep.Sweep{Name: "reconcile", CronExpr: cfg.ReconcileCron, Run: reconciler.Run}); err != nil {
		fatalStartup(logger, "E_SWEEP_SCHEDULE", err)
	}
	if err := sched.Add(sweep.Sweep{Name: "watchdog", CronExpr: cfg.WatchdogCron, Run: watchdog.Run}); err != nil {
		fatalStartup(logger, "E_SWEEP_SCHEDULE", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "sweeps_scheduled",
		"reconcile", cfg.ReconcileCron, "watchdog", cfg.WatchdogCron)

	dispatcher := webhook.NewAsyncDispatcher(pl, cfg.DispatchBuffer)
	srv := webhook.New(webhook.Config{
		Store:      store,
		Verifier:   webhook.NewVerifier(store),
		Dispatcher: dispatcher,
		Canceller:  orch,
		Retryer:    pl,
	})

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("webhook server listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			lastFingerprint := cfg.Fingerprint()
			for range watcher.Events() {
				reloaded, err := config.Load(cfg.HomeDir)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				if reloaded.Fingerprint() == lastFingerprint {
					continue
				}
				lastFingerprint = reloaded.Fingerprint()
				// Structural settings (bind addr, db path, workers) need a
				// restart; the pieces that re-read config pick the rest up.
				checker.Update(reloaded.Policy.MaxChangedFiles, reloaded.Policy.DenyGlobs)
				logger.Info("config reloaded",
					"config_fingerprint", reloaded.Fingerprint(),
					"note", "structural settings require restart")
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("webhook server error", "error", err)
		stop()
	}

	// Stop intake first, then drain the dispatcher, then let workers finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("dispatcher drain incomplete", "error", err)
	}
	pool.Wait()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

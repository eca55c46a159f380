package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskpulse/internal/agents"
	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/config"
	"github.com/basket/taskpulse/internal/cron"
	"github.com/basket/taskpulse/internal/doctor"
	"github.com/basket/taskpulse/internal/engine"
	"github.com/basket/taskpulse/internal/gateway"
	otelPkg "github.com/basket/taskpulse/internal/otel"
	"github.com/basket/taskpulse/internal/persistence"
	"github.com/basket/taskpulse/internal/planner"
	"github.com/basket/taskpulse/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                  Start the taskpulse daemon
  %s -doctor          Run environment diagnostics

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKPULSE_HOME          Data directory (default: ~/.taskpulse)
  TASKPULSE_BIND_ADDR     Listen address (default: 127.0.0.1:18990)
  TASKPULSE_AUTH_TOKEN    Bearer token required on /api requests
  GEMINI_API_KEY          Enables LLM planning with the Google provider
`)
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	runDoctor := flag.Bool("doctor", false, "run environment diagnostics and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if *runDoctor {
		diagnosis := doctor.Run(ctx, &cfg, Version)
		fmt.Printf("taskpulse %s on %s/%s (%s)\n\n", diagnosis.System.Version,
			diagnosis.System.OS, diagnosis.System.Arch, diagnosis.System.Go)
		for _, r := range diagnosis.Results {
			fmt.Printf("  [%-4s] %-12s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("         %-12s %s\n", "", r.Detail)
			}
		}
		if !diagnosis.Healthy() {
			os.Exit(1)
		}
		return
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("taskpulse %s listening on %s (home: %s)\n", Version, cfg.BindAddr, cfg.HomeDir)
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "taskpulse.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	requeued, err := store.RequeueStuckDeliveries(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", requeued)

	llmProvider, llmModel, llmAPIKey := cfg.ResolveLLMConfig()
	taskPlanner := planner.NewGenkitPlanner(ctx, planner.GenkitConfig{
		Provider:                llmProvider,
		Model:                   llmModel,
		APIKey:                  llmAPIKey,
		OpenAICompatibleBaseURL: cfg.LLM.OpenAICompatibleBaseURL,
		Logger:                  logger,
		Tracer:                  otelProvider.Tracer,
		Metrics:                 metrics,
	})
	logger.Info("planner ready", "mode", taskPlanner.Describe())

	eng := engine.New(engine.Config{
		Store:        store,
		Bus:          eventBus,
		Logger:       logger,
		Workers:      cfg.Engine.Workers,
		PollInterval: time.Duration(cfg.Engine.PollIntervalMS) * time.Millisecond,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
	})

	agentSet := agents.New(agents.Deps{
		Store:   store,
		Engine:  eng,
		Planner: taskPlanner,
		Logger:  logger,
		Metrics: metrics,
	})
	if err := eng.Register(agentSet.Registrations()...); err != nil {
		fatalStartup(logger, "E_HANDLER_REGISTER", err)
	}
	eng.Start(ctx)
	defer eng.Stop()

	scheduler := cron.NewScheduler(cron.Config{
		Store:    store,
		Logger:   logger,
		Waker:    eng,
		Interval: time.Duration(cfg.Engine.CronIntervalSecs) * time.Second,
	})
	if err := scheduler.Seed(ctx, "daily-motivation", "Daily Motivation", cfg.Schedules.Motivation, agents.HandlerDailyMotivation, bus.TopicCronDailyMotivation); err != nil {
		fatalStartup(logger, "E_SCHEDULE_SEED", err)
	}
	if err := scheduler.Seed(ctx, "daily-report", "Daily Report", cfg.Schedules.Report, agents.HandlerDailyReport, bus.TopicCronDailyReport); err != nil {
		fatalStartup(logger, "E_SCHEDULE_SEED", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	gw := gateway.New(gateway.Config{
		Store:        store,
		Engine:       eng,
		Bus:          eventBus,
		Logger:       logger,
		Metrics:      metrics,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
	})
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("gateway failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

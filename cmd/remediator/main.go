// Command remediator runs the CI failure remediation service: a webhook
// listener that admits failed workflow runs as jobs, a scheduler that
// drives them through the remediation pipeline, and an admin surface for
// operators.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"remediator/pkg/admin"
	"remediator/pkg/config"
	"remediator/pkg/diagnose"
	"remediator/pkg/eventlog"
	"remediator/pkg/feedback"
	"remediator/pkg/github"
	"remediator/pkg/gitx"
	"remediator/pkg/logx"
	"remediator/pkg/metrics"
	"remediator/pkg/patch"
	"remediator/pkg/persistence"
	"remediator/pkg/pipeline"
	"remediator/pkg/retry"
	"remediator/pkg/scheduler"
	"remediator/pkg/validate"
	"remediator/pkg/webhook"
	"remediator/pkg/workspace"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "Path to YAML config file")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("remediator %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	logx.SetDebug(*debug)
	os.Exit(run(*configPath))
}

// run contains the main application logic and returns an exit code, so
// defers execute before os.Exit.
func run(configPath string) int {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	githubToken, err := config.RequireSecret(config.EnvGitHubToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	apiKeyEnv := config.EnvAnthropicAPIKey
	if cfg.Model.Provider == config.ProviderOpenAI {
		apiKeyEnv = config.EnvOpenAIAPIKey
	}
	apiKey, err := config.RequireSecret(apiKeyEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	webhookSecret := config.GetSecret(config.EnvWebhookSecret)
	if webhookSecret == "" {
		logger.Warn("%s is not set; webhook signature verification is disabled", config.EnvWebhookSecret)
	}

	db, err := persistence.InitializeDatabase(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	store := persistence.NewStore(db)

	events, err := eventlog.NewWriter(cfg.EventLogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open event log: %v\n", err)
		return 1
	}
	defer func() { _ = events.Close() }()

	// Everything downstream shells out to gh; fail fast if it cannot
	// authenticate rather than park every admitted job.
	authCtx, cancelAuth := context.WithTimeout(context.Background(), 30*time.Second)
	err = github.CheckAuth(authCtx)
	cancelAuth()
	if err != nil {
		fmt.Fprintf(os.Stderr, "GitHub CLI authentication check failed: %v\n", err)
		return 1
	}

	hub := github.NewHub()
	diagnoser, err := diagnose.NewBuilder(hub, cfg.Model.MaxContextTokens)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build diagnoser: %v\n", err)
		return 1
	}

	provider, err := patch.NewProvider(&cfg.Model, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build model provider: %v\n", err)
		return 1
	}
	logger.Info("Patch engine using %s model %s", provider.Name(), cfg.Model.Name)

	recorder := metrics.NewRecorder()
	reporter := feedback.NewReporter(&cfg.Feedback, store)
	if !reporter.Enabled() {
		logger.Info("Feedback reporting disabled (no endpoint configured)")
	}

	pipe := pipeline.New(pipeline.Deps{
		Store:      store,
		Workspaces: workspace.NewManager(&cfg.Workspace),
		Git:        gitx.NewClient(githubToken),
		GitHub:     hub,
		Diagnoser:  diagnoser,
		Engine:     patch.NewEngine(provider, &cfg.Model),
		Validator:  validate.NewRunner(&cfg.Validation),
		Reporter:   reporter,
		Policy:     retry.NewPolicy(&cfg.Retry),
		Metrics:    recorder,
		Events:     events,
		Publish:    &cfg.Publish,
	})
	sched := scheduler.New(&cfg.Scheduler, store, pipe, recorder)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ingestSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           webhook.NewServer(webhookSecret, store, reporter, recorder).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           admin.NewServer(store).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Webhook listener on %s", cfg.ListenAddr)
		if err := ingestSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("webhook listener: %w", err)
		}
	}()
	go func() {
		logger.Info("Admin listener on %s", cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin listener: %w", err)
		}
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("%v", err)
		stop()
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.GracefulShutdownTimeoutSec)*time.Second)
	defer cancel()

	if err := ingestSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Webhook listener shutdown: %v", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin listener shutdown: %v", err)
	}

	// The scheduler waits for in-flight jobs; cap that wait too. A job cut
	// off mid-stage is safe: its lease expires and another poll resumes it.
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached with jobs still in flight")
	}

	logger.Info("Shutdown complete")
	return exitCode
}

// Command runner executes the claim-execute-report loop (C5+C6):
// claiming work from the shared queue, running one bounded agent-loop
// activation per claim against isolated per-activation tool servers, and
// reporting the outcome.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarsysync/agentrunner/pkg/activationlog"
	"github.com/tarsysync/agentrunner/pkg/agentloop"
	"github.com/tarsysync/agentrunner/pkg/config"
	"github.com/tarsysync/agentrunner/pkg/configcache"
	"github.com/tarsysync/agentrunner/pkg/hub"
	"github.com/tarsysync/agentrunner/pkg/observability"
	"github.com/tarsysync/agentrunner/pkg/queue"
	"github.com/tarsysync/agentrunner/pkg/runner"
	"github.com/tarsysync/agentrunner/pkg/store"
	"github.com/tarsysync/agentrunner/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	runnerID := flag.String("runner-id", getEnv("RUNNER_ID", ""), "stable identity for this runner instance")
	mode := flag.String("mode", getEnv("RUNNER_MODE", string(runner.ModeHybrid)), "notification | exploration | hybrid")
	maxInFlight := flag.Int("max-in-flight", getEnvInt("MAX_IN_FLIGHT", 4), "maximum concurrent activations")
	activationTimeout := flag.Duration("activation-timeout", getEnvDuration("ACTIVATION_TIMEOUT", 600*time.Second), "per-activation wall-clock budget")
	iterationTimeout := flag.Duration("iteration-timeout", getEnvDuration("ITERATION_TIMEOUT", 120*time.Second), "per-iteration wall-clock budget")
	tokenBudget := flag.Int("token-budget", getEnvInt("TOKEN_BUDGET", 200_000), "per-activation token budget")
	workspaceRoot := flag.String("workspace-root", getEnv("WORKSPACE_ROOT", "./workspaces"), "root directory for per-activation workspaces")
	httpPort := flag.String("http-port", getEnv("HTTP_PORT", "8081"), "health/metrics HTTP port")
	once := flag.Bool("once", false, "claim and execute at most one activation, then exit")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
	}

	if *runnerID == "" {
		hostname, _ := os.Hostname()
		*runnerID = "runner-" + hostname
	}

	// Signals are handled manually rather than via signal.NotifyContext:
	// the runner's graceful-shutdown contract (§4.5) needs two distinct
	// stages — a first SIGTERM stops new claims but lets the in-flight
	// activation run to ActivationTimeout, and only a second SIGTERM
	// hard-cancels it. A single derived context can't express that
	// distinction, since cancelling it would cancel both the claim loop
	// and every in-flight activationCtx (a child of the same context) at
	// once.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	startupCtx := context.Background()
	storeClient, err := store.NewRedisClient(startupCtx, store.RedisConfig{URL: getEnv("REDIS_URL", "redis://localhost:6379/0")})
	if err != nil {
		log.Fatalf("failed to connect to store: %v", err)
	}
	defer storeClient.Close()

	q := queue.New(storeClient, queue.DefaultBackoff())

	loader := config.NewYAMLLoader(*configDir)
	configs := configcache.New(storeClient, loader)

	llmClient := agentloop.NewAnthropicClient(getEnv("ANTHROPIC_API_KEY", ""))

	hubClient := hub.New(hub.Config{
		BaseURL: getEnv("HUB_BASE_URL", "http://localhost:9000"),
		APIKey:  os.Getenv("HUB_API_KEY"),
	})

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	recorder := observability.NewRecorder(metrics)

	var auditLog *activationlog.Store
	if dsn := os.Getenv("ACTIVATION_LOG_DSN"); dsn != "" {
		auditLog, err = activationlog.New(startupCtx, activationlog.Config{DSN: dsn})
		if err != nil {
			log.Fatalf("failed to connect to activation log: %v", err)
		}
		defer auditLog.Close()
	}

	r := runner.New(runner.Config{
		RunnerID:          *runnerID,
		Mode:              runner.Mode(*mode),
		MaxInFlight:       *maxInFlight,
		ActivationTimeout: *activationTimeout,
		IterationTimeout:  *iterationTimeout,
		TokenBudget:       *tokenBudget,
		WorkspaceRoot:     *workspaceRoot,
		Once:              *once,
	}, q, configs, llmClient, hubClient, hubClient, config.NewEnvSecrets(), recorder)
	if auditLog != nil {
		r = r.WithAuditLog(auditLog)
	}

	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "runner_id": *runnerID, "mode": *mode, "version": version.Full()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: ":" + *httpPort, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	slog.Info("runner started", "runner_id", *runnerID, "mode", *mode, "max_in_flight", *maxInFlight, "http_port", *httpPort)

	// runCtx is independent of the signal channel: it is only ever
	// cancelled by a second, forced shutdown signal, so a first SIGTERM
	// can let the in-flight activation finish within ActivationTimeout
	// per §4.5/Scenario F.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- r.Run(runCtx) }()

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received, stopping gracefully", "signal", sig.String())
		r.Stop()
		select {
		case <-runErrCh:
		case <-sigCh:
			slog.Warn("second shutdown signal received, forcing cancellation")
			cancelRun()
			<-runErrCh
		}
	case err := <-runErrCh:
		if err != nil {
			log.Printf("runner exited with error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	slog.Info("runner stopped")
}

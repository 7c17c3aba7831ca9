// Command coordinator runs the leader-elected work-discovery loop (C3+C4):
// at most one replica is ever active, polling the Hub for agent
// notifications and staleness and enqueuing deduplicated work for the
// runner pool to claim.
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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarsysync/agentrunner/pkg/coordinator"
	"github.com/tarsysync/agentrunner/pkg/hub"
	"github.com/tarsysync/agentrunner/pkg/leader"
	"github.com/tarsysync/agentrunner/pkg/observability"
	"github.com/tarsysync/agentrunner/pkg/queue"
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

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	instanceID := flag.String("instance-id", getEnv("INSTANCE_ID", ""), "stable identity for this coordinator replica")
	pollInterval := flag.Duration("poll-interval", getEnvDuration("POLL_INTERVAL", 30*time.Second), "inbox poll interval")
	sweepInterval := flag.Duration("sweep-interval", getEnvDuration("SWEEP_INTERVAL", 60*time.Second), "staleness sweep interval")
	orphanSweepInterval := flag.Duration("orphan-sweep-interval", getEnvDuration("ORPHAN_SWEEP_INTERVAL", 60*time.Second), "interval for reclaiming active-task entries whose runner heartbeat expired")
	minStaleness := flag.Duration("min-staleness", getEnvDuration("MIN_STALENESS", 900*time.Second), "minimum staleness before a discovery item is queued")
	httpPort := flag.String("http-port", getEnv("HTTP_PORT", "8080"), "health/metrics HTTP port")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
	}

	if *instanceID == "" {
		hostname, _ := os.Hostname()
		*instanceID = "coordinator-" + hostname
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	storeClient, err := store.NewRedisClient(ctx, store.RedisConfig{URL: getEnv("REDIS_URL", "redis://localhost:6379/0")})
	if err != nil {
		log.Fatalf("failed to connect to store: %v", err)
	}
	defer storeClient.Close()

	q := queue.New(storeClient, queue.DefaultBackoff())
	elector := leader.New(storeClient, *instanceID, leader.Config{})
	go elector.Run(ctx)
	defer elector.Stop()

	hubClient := hub.New(hub.Config{
		BaseURL: getEnv("HUB_BASE_URL", "http://localhost:9000"),
		APIKey:  os.Getenv("HUB_API_KEY"),
	})

	co := coordinator.New(hubClient, q, elector, coordinator.Config{
		PollInterval:        *pollInterval,
		SweepInterval:       *sweepInterval,
		OrphanSweepInterval: *orphanSweepInterval,
		MinStaleness:        *minStaleness,
	})

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	slackSink := observability.NewSlackSink(os.Getenv("SLACK_TOKEN"), os.Getenv("SLACK_CHANNEL"))
	queueSampler := observability.NewQueueSampler(q, metrics, 15*time.Second)
	leaderSampler := observability.NewLeaderSampler(elector, metrics, slackSink, 5*time.Second)

	go queueSampler.Run(ctx)
	go leaderSampler.Run(ctx)

	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"instance_id": *instanceID,
			"is_leader":   elector.IsLeader(),
			"version":     version.Full(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: ":" + *httpPort, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	slog.Info("coordinator started", "instance_id", *instanceID, "http_port", *httpPort)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- co.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-runErrCh:
		if err != nil {
			log.Printf("coordinator exited with error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	slog.Info("coordinator stopped")
}

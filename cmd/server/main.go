package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatcher/internal/api"
	"github.com/ignite/campaign-dispatcher/internal/config"
	"github.com/ignite/campaign-dispatcher/internal/personalize"
	"github.com/ignite/campaign-dispatcher/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatcher/internal/pkg/logger"
	"github.com/ignite/campaign-dispatcher/internal/repository/memory"
	"github.com/ignite/campaign-dispatcher/internal/repository/postgres"
	"github.com/ignite/campaign-dispatcher/internal/sending"
	"github.com/ignite/campaign-dispatcher/internal/service/campaign"
	"github.com/ignite/campaign-dispatcher/internal/tracking"
	"github.com/ignite/campaign-dispatcher/internal/worker"
)

// runShutdownGrace is how long shutdown waits for campaign runs before
// interrupting them.
const runShutdownGrace = 30 * time.Second

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if logFile := logger.ConfigureFile(cfg.Log.Level, cfg.Log.Format, logger.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); logFile != nil {
		defer logFile.Close()
	}

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Campaign store
	var repo campaign.Repository
	var pinger api.Pinger
	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		pgRepo := postgres.NewCampaignRepo(db)
		repo, pinger = pgRepo, pgRepo
		log.Printf("[store] PostgreSQL connected (%s)", extractHost(cfg.Database.URL))
	} else {
		repo = memory.NewCampaignStore()
		log.Println("[store] DATABASE_URL not set, using in-memory store (state is lost on restart)")
	}

	// Redis for cross-process run locks
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("[redis] WARNING: ping failed (%v); run locks will error until it recovers", err)
		} else {
			log.Printf("[redis] connected to %s", cfg.Redis.Addr)
		}
		pingCancel()
		defer redisClient.Close()
	}

	sender, err := sending.NewFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize mail transport: %v", err)
	}
	log.Printf("[mail] provider=%s from=%s", cfg.Mail.Provider, cfg.Mail.FromEmail)

	signingKey := cfg.Tracking.SigningKey
	if signingKey == "" && !cfg.Tracking.Disabled {
		b := make([]byte, 32)
		rand.Read(b)
		signingKey = hex.EncodeToString(b)
		log.Println("[tracking] WARNING: TRACKING_SIGNING_KEY not set; using an ephemeral key, pixels from earlier runs will not verify")
	}
	issuer := tracking.NewIssuer(signingKey, cfg.Tracking.BaseURL, cfg.Tracking.Disabled)
	recorder, err := tracking.NewRecorder(ctx, cfg.Tracking.SQSQueueURL, cfg.SES.Region)
	if err != nil {
		log.Fatalf("Failed to initialize tracking recorder: %v", err)
	}

	// Campaign lifecycle + dispatcher
	svc := campaign.NewService(repo)
	dispatcher := worker.NewDispatcher(repo, sender, personalize.New(cfg.Dispatch.TemplateEngine), issuer, worker.DispatcherConfig{
		FromName:   cfg.Mail.FromName,
		FromEmail:  cfg.Mail.FromEmail,
		BatchSize:  cfg.Dispatch.BatchSize,
		BatchDelay: cfg.Dispatch.BatchDelay(),
	})
	runLocker := distlock.NewLocker(redisClient)
	dispatcher.SetLocker(runLocker)
	svc.SetRunner(dispatcher)
	log.Printf("[dispatch] batch_size=%d batch_delay=%s engine=%s",
		cfg.Dispatch.BatchSize, cfg.Dispatch.BatchDelay(), cfg.Dispatch.TemplateEngine)

	sweeper := worker.NewStaleSweeper(repo, cfg.Dispatch.SweepInterval(), cfg.Dispatch.StaleAfter())
	sweeper.SetLocker(runLocker)
	go sweeper.Start(ctx)

	router := api.SetupRoutes(api.Routes{
		Campaigns:      api.NewCampaignHandlers(svc),
		Tracking:       tracking.NewHandler(issuer, recorder),
		Health:         api.NewHealthChecker(pinger, redisClient),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	server := api.NewServer(cfg.Server, router)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Give in-flight campaign runs a grace period, then stop them at the
	// next batch boundary.
	log.Println("Waiting for running campaigns...")
	runsCtx, runsCancel := context.WithTimeout(context.Background(), runShutdownGrace)
	defer runsCancel()
	if err := svc.Shutdown(runsCtx); err != nil {
		log.Printf("Interrupted running campaigns: %v", err)
	}
	cancel()

	log.Println("Server stopped")
}

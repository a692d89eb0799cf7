// Command tracking serves only the open-tracking pixel, for deployments that
// put pixel traffic on its own host. It verifies tokens with the same signing
// key as the API server.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/campaign-dispatcher/internal/config"
	"github.com/ignite/campaign-dispatcher/internal/pkg/logger"
	"github.com/ignite/campaign-dispatcher/internal/tracking"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger.Configure(cfg.Log.Level, cfg.Log.Format)

	if cfg.Tracking.SigningKey == "" {
		log.Fatal("TRACKING_SIGNING_KEY is required")
	}

	port := os.Getenv("TRACKING_PORT")
	if port == "" {
		port = strconv.Itoa(8081)
	}

	recorder, err := tracking.NewRecorder(context.Background(), cfg.Tracking.SQSQueueURL, cfg.SES.Region)
	if err != nil {
		log.Fatalf("recorder: %v", err)
	}
	issuer := tracking.NewIssuer(cfg.Tracking.SigningKey, cfg.Tracking.BaseURL, false)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	tracking.NewHandler(issuer, recorder).Routes(r)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("tracking service listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down tracking service...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

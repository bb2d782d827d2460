package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/wa-lm-relay-go/internal/config"
	"github.com/wa-lm-relay-go/internal/conversation"
	"github.com/wa-lm-relay-go/internal/handlers"
	"github.com/wa-lm-relay-go/internal/middleware"
	"github.com/wa-lm-relay-go/internal/services/ai"
	"github.com/wa-lm-relay-go/internal/services/cache"
	"github.com/wa-lm-relay-go/pkg/logger"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		// It's okay if .env doesn't exist
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting LM Studio webhook relay...")
	log.WithFields(logrus.Fields{
		"lm_studio":        cfg.LMStudio.BaseURL(),
		"configured_model": cfg.LMStudio.Model,
		"allowed_senders":  len(cfg.Relay.AllowedSenders),
	}).Info("Configuration loaded")

	// Initialize services
	metrics := middleware.NewMetrics()
	store := conversation.NewStore(cfg.Relay.MaxHistory)
	aiService := ai.NewLMClient(&cfg.LMStudio, metrics, log)
	replyCache := cache.NewReplyCache(&cfg.Cache, log)

	// Start metrics server if enabled
	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	// Initialize handlers and routes
	relayHandler := handlers.NewRelayHandler(cfg, store, aiService, replyCache, metrics, log)

	router := mux.NewRouter()
	relayHandler.Routes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// The chat retry chain plus the completions fallback can run several
		// backend timeouts back to back, each preceded by a model list fetch.
		WriteTimeout: 6 * cfg.LMStudio.RequestTimeout,
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.WithField("addr", addr).Info("Relay listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Relay server failed")
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown failed")
	}

	log.Info("Relay stopped")
}

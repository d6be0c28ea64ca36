package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/avvvet/intentpilot/internal/config"
	"github.com/avvvet/intentpilot/internal/handlers"
	"github.com/avvvet/intentpilot/internal/llm"
	"github.com/avvvet/intentpilot/internal/memory"
	"github.com/avvvet/intentpilot/internal/models"
	"github.com/avvvet/intentpilot/internal/transport"
)

func main() {
	// Load .env file if it exists (for development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	logger := config.NewLogger(cfg)
	logger.Info("🚀 Starting intentpilot service...")
	logger.WithFields(logrus.Fields{
		"service":  cfg.ServiceName,
		"provider": cfg.LLMProvider,
		"model":    cfg.ModelName(),
		"store":    cfg.StoreBackend,
	}).Info("📋 Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := llm.NewBackend(ctx, cfg, config.Component(logger, "llm"))
	if err != nil {
		logger.WithError(err).Fatal("❌ Failed to initialize generation backend")
	}

	logger.WithField("backend", cfg.StoreBackend).Info("💾 Opening similarity store...")
	store, err := memory.OpenStore(ctx, cfg, config.Component(logger, "store"))
	if err != nil {
		logger.WithError(err).Fatal("❌ Failed to open similarity store")
	}
	defer store.Close()

	pruner, err := memory.SchedulePrune(store, cfg.StorePruneSchedule, config.Component(logger, "store"))
	if err != nil {
		logger.WithError(err).Fatal("❌ Failed to schedule store pruning")
	}
	logger.WithField("schedule", cfg.StorePruneSchedule).Info("✅ Similarity store ready")

	var catalog models.Catalog
	if cfg.CatalogFile != "" {
		catalog, err = models.LoadCatalogFile(cfg.CatalogFile)
		if err != nil {
			logger.WithError(err).Fatal("❌ Failed to load catalog")
		}
		logger.WithFields(logrus.Fields{"file": cfg.CatalogFile, "commands": len(catalog)}).Info("📚 Default catalog loaded")
	}

	intentHandler := handlers.NewIntentHandler(backend, config.Component(logger, "runtime"))
	service := transport.NewService(intentHandler,
		transport.WithStore(store),
		transport.WithCatalog(catalog),
		transport.WithRetrievalLimit(cfg.RetrievalLimit),
		transport.WithTimeout(cfg.LLMTimeout),
		transport.WithLogger(config.Component(logger, "service")),
	)
	logger.Info("✅ Intent handler initialized")

	httpServer := transport.NewHTTPServer(service, cfg.HTTPEndpoint, config.Component(logger, "http"))
	go func() {
		if err := httpServer.Start(cfg.HTTPAddr); err != nil {
			logger.WithError(err).Fatal("❌ HTTP server failed")
		}
	}()

	var natsTransport *transport.NATSTransport
	if cfg.NatsEnabled {
		logger.WithField("url", cfg.NatsURL).Info("📡 Connecting to NATS...")
		natsTransport, err = transport.NewNATSTransport(cfg, service, config.Component(logger, "nats"))
		if err != nil {
			logger.WithError(err).Fatal("❌ Failed to initialize NATS transport")
		}
		if err := natsTransport.Start(); err != nil {
			logger.WithError(err).Fatal("❌ Failed to start NATS transport")
		}
	}

	logger.WithFields(logrus.Fields{
		"addr":     cfg.HTTPAddr,
		"endpoint": cfg.HTTPEndpoint,
		"nats":     cfg.NatsEnabled,
	}).Info("✅ intentpilot service is running!")

	<-ctx.Done()
	logger.Info("🔄 Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("⚠️ Error shutting down HTTP server")
	}
	if natsTransport != nil {
		if err := natsTransport.Close(); err != nil {
			logger.WithError(err).Warn("⚠️ Error closing NATS transport")
		}
	}

	<-pruner.Stop().Done()
	service.Flush()

	if n, err := store.Prune(shutdownCtx); err == nil && n > 0 {
		logger.WithField("removed", n).Info("🧹 Final prune")
	}

	logger.Info("👋 intentpilot service stopped")
}

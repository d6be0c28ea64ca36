package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/avvvet/intentpilot/internal/config"
)

// OpenStore builds the store selected by cfg: its backend, its embedder and
// its retention limits.
func OpenStore(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (*Store, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	embedder, err := newEmbedder(cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}

	opts := Options{MaxEntries: cfg.StoreMaxEntries, MaxAge: cfg.StoreMaxAge}
	return NewStore(backend, embedder, opts, logger), nil
}

func openBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory, "":
		return NewMemoryBackend(), nil
	case config.StoreRedis:
		b, err := NewRedisBackend(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := b.Ping(pingCtx); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return b, nil
	case config.StoreSQLite:
		return NewSQLiteBackend(cfg.SQLitePath)
	}
	return nil, fmt.Errorf("unsupported store backend: %s", cfg.StoreBackend)
}

func newEmbedder(cfg *config.Config) (embeddings.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case config.EmbeddingHash, "":
		return NewHashEmbedder(cfg.EmbeddingDimensions), nil
	case config.EmbeddingOllama:
		return NewOllamaEmbedder(cfg.OllamaEndpoint, cfg.EmbeddingModel)
	}
	return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.EmbeddingProvider)
}

// SchedulePrune runs s.Prune on schedule, a cron expression such as
// "@every 10m". The returned cron is already started; stop it on shutdown.
func SchedulePrune(s *Store, schedule string, logger *logrus.Entry) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Prune(ctx); err != nil {
			logger.WithError(err).Warn("Scheduled prune failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}

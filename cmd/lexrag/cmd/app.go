package cmd

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/casevault/lexrag/internal/chunk"
	"github.com/casevault/lexrag/internal/config"
	"github.com/casevault/lexrag/internal/embed"
	"github.com/casevault/lexrag/internal/logging"
	"github.com/casevault/lexrag/internal/queue"
	"github.com/casevault/lexrag/internal/repository"
	"github.com/casevault/lexrag/internal/store"
)

// app holds the wired pipeline shared by the CLI commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	repo   *repository.Repository
	chunks store.ChunkStore
	locks  *store.QueryLocks

	// pg is non-nil when the postgres driver is active; the worker uses
	// it for transaction housekeeping.
	pg *store.PGStore

	cleanups []func()
}

// close runs cleanups in reverse registration order.
func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

// buildApp loads config, sets up logging, and wires the store, embedding
// chain, queue, and repository.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logCfg := logging.Config{
		Level:    cfg.Logging.Level,
		FilePath: cfg.Logging.FilePath,
	}
	if debugMode {
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
	}
	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	a.cleanups = append(a.cleanups, logCleanup)

	a.locks = store.NewQueryLocks(logger, store.WithAcquireTimeout(cfg.Locks.AcquireTimeout))

	// Redis backs both the job payload store and the distributed cache
	// tier. Without it the queue and cache degrade to in-process tiers.
	var payloads queue.PayloadStore
	var remote embed.RemoteCache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.cleanups = append(a.cleanups, func() { _ = client.Close() })
		payloads = queue.NewRedisPayloadStore(client)
		remote = embed.NewRedisCache(client)
	} else {
		payloads = queue.NewMemoryPayloadStore()
	}

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	chain := embed.NewChain(embed.ChainConfig{
		DefaultModel:   cfg.Embeddings.Model,
		FallbackModels: cfg.Embeddings.FallbackModels,
		CacheSize:      cfg.Embeddings.CacheSize,
		CacheTTL:       cfg.Embeddings.CacheTTL,
	}, func(model string) embed.Provider {
		return embed.NewHTTPProvider(embed.HTTPConfig{
			Endpoint: cfg.Embeddings.Endpoint,
			Model:    model,
			Timeout:  cfg.Embeddings.Timeout,
		})
	}, remote, logger)

	q := queue.New(payloads, logger, queue.WithPayloadTTL(cfg.Queue.PayloadTTL))

	a.repo = repository.New(q, chain, a.chunks, repository.Config{
		Chunking: chunk.Options{
			Size:    cfg.Chunking.Size,
			Overlap: cfg.Chunking.Overlap,
			MinSize: cfg.Chunking.MinSize,
		},
		QueryLimit:     cfg.Query.Limit,
		QueryThreshold: cfg.Query.Threshold,
	}, logger)

	return a, nil
}

// openStore builds the configured ChunkStore driver.
func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case "memory":
		mem, err := store.NewMemoryStore(a.cfg.Embeddings.Dimensions, a.locks, a.logger)
		if err != nil {
			return err
		}
		a.chunks = mem
	default:
		pg, err := store.NewPGStore(ctx, store.PGConfig{
			URL:              a.cfg.Database.URL,
			Dimensions:       a.cfg.Embeddings.Dimensions,
			StatementTimeout: a.cfg.Database.StatementTimeout,
			TxDeadline:       a.cfg.Locks.TxDeadline,
		}, a.locks, a.logger)
		if err != nil {
			return err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return err
		}
		a.pg = pg
		a.chunks = pg
	}

	a.cleanups = append(a.cleanups, func() { _ = a.chunks.Close() })
	return nil
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/mailqueue/internal/api"
	"github.com/dmitrymomot/mailqueue/internal/config"
	"github.com/dmitrymomot/mailqueue/internal/migrations"
	"github.com/dmitrymomot/mailqueue/pkg/blob"
	"github.com/dmitrymomot/mailqueue/pkg/compose"
	"github.com/dmitrymomot/mailqueue/pkg/db"
	"github.com/dmitrymomot/mailqueue/pkg/dispatch"
	"github.com/dmitrymomot/mailqueue/pkg/identity"
	"github.com/dmitrymomot/mailqueue/pkg/logger"
	"github.com/dmitrymomot/mailqueue/pkg/queue"
	"github.com/dmitrymomot/mailqueue/pkg/redis"
	"github.com/dmitrymomot/mailqueue/pkg/token"
	"github.com/dmitrymomot/mailqueue/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mailqueued exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.NewWithSentry(cfg.Logger, cfg.Sentry, logger.EntryID, logger.Identity)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, migrations.FS, cfg.DB.MigrationsTable, log); err != nil {
		return err
	}
	if err := db.MigrateJobs(ctx, pool); err != nil {
		return err
	}

	identities, err := identity.Load(cfg.IdentityFile)
	if err != nil {
		return err
	}
	log.Info("loaded sending identities", slog.Any("names", identities.Names()))

	cipher, err := token.NewCipherFromString(cfg.Token.EncryptionKey)
	if err != nil {
		return err
	}

	tokenOpts := []token.Option{token.WithLogger(log)}
	checks := map[string]api.CheckFunc{
		"postgres": func(ctx context.Context) error { return pool.Ping(ctx) },
	}

	if cfg.RedisURL != "" {
		redisClient, err := redis.Open(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		tokenOpts = append(tokenOpts, token.WithLocker(token.NewRedisLocker(redisClient, 0)))
		checks["redis"] = redis.Healthcheck(redisClient)
	}

	tokens := token.NewManager(token.NewPostgres(pool, cipher), identities, cfg.Token, tokenOpts...)

	composeOpts := []compose.Option{}
	if cfg.BlobEnabled {
		files, err := blob.New(cfg.Blob)
		if err != nil {
			return err
		}
		composeOpts = append(composeOpts, compose.WithFileStore(files))
	}
	composer := compose.New(composeOpts...)

	store := queue.NewPostgres(pool)
	sender := transport.New(tokens)
	worker := dispatch.NewWorker(store, composer, sender, identities, log)

	manager, err := dispatch.NewManager(pool, store, worker, cfg.Dispatch, log)
	if err != nil {
		return err
	}

	handlers := api.NewHandlers(store, manager, identities, log)
	server := api.NewServer(cfg.HTTP, handlers, log, checks)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := manager.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return manager.Stop(stopCtx)
	})

	g.Go(func() error {
		return server.Run(ctx)
	})

	log.Info("mailqueued started")
	return g.Wait()
}

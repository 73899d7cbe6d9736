package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"scene-pipeline/internal/api"
	"scene-pipeline/internal/config"
	"scene-pipeline/internal/logging"
	"scene-pipeline/internal/notify"
	"scene-pipeline/internal/progress"
	"scene-pipeline/internal/runqueue"
	"scene-pipeline/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.NewLogger(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, cross-process events disabled")
		} else {
			defer nc.Close()
		}
	}

	local := store.NewLocal(client, cfg.LocalMaxJobs, logger)
	remote := store.NewRemote(cfg.RemoteBaseURL, cfg.RemoteAPIKey, cfg.RemoteTimeout)
	bus := notify.NewBus(nc, logger)
	sync := store.NewSynchronizer(local, remote, bus, cfg.RetryBase, cfg.RetryMaxAttempts, logger)
	defer sync.Stop()

	queue := runqueue.New(client)
	table := progress.NewTable(cfg.ProgressTTL, cfg.ProgressMaxEntries)
	current := progress.NewCurrentStore(client)

	if sub, err := api.FollowProgress(nc, table, logger); err != nil {
		logger.Warn().Err(err).Msg("progress feed unavailable")
	} else if sub != nil {
		defer func() { _ = sub.Unsubscribe() }()
	}

	server := api.New(cfg, sync, queue, table, current, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info().Str("port", cfg.HTTPPort).Bool("remote", remote.Enabled()).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

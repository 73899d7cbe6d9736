package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"scene-pipeline/internal/config"
	"scene-pipeline/internal/export"
	"scene-pipeline/internal/genai"
	"scene-pipeline/internal/logging"
	"scene-pipeline/internal/notify"
	"scene-pipeline/internal/phasecache"
	"scene-pipeline/internal/pipeline"
	"scene-pipeline/internal/progress"
	"scene-pipeline/internal/runqueue"
	"scene-pipeline/internal/store"
	"scene-pipeline/internal/telemetry"
	workerproc "scene-pipeline/internal/worker"
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

	if cfg.GeminiAPIKey == "" {
		logger.Fatal().Msg("GEMINI_API_KEY is required")
	}

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

	gen, err := genai.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init gemini client")
	}
	defer gen.Close()

	local := store.NewLocal(client, cfg.LocalMaxJobs, logger)
	remote := store.NewRemote(cfg.RemoteBaseURL, cfg.RemoteAPIKey, cfg.RemoteTimeout)
	bus := notify.NewBus(nc, logger)
	sync := store.NewSynchronizer(local, remote, bus, cfg.RetryBase, cfg.RetryMaxAttempts, logger)
	defer sync.Stop()

	cache := phasecache.New(client, cfg, logger)
	table := progress.NewTable(cfg.ProgressTTL, cfg.ProgressMaxEntries)
	current := progress.NewCurrentStore(client)

	runner := pipeline.NewRunner(gen, cache, table, current, sync, cfg.DedupThreshold, cfg.BatchDelay, logger).WithBus(bus)

	exporter, err := export.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init exporter")
	}

	queue := runqueue.New(client)
	processor := workerproc.NewProcessor(queue, runner.Run, exporter.ExportJob, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().Str("model", cfg.GeminiModel).Bool("remote", remote.Enabled()).Msg("worker started")
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("worker stopped")
	}
}

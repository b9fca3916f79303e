package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-recap-bot/internal/adapters/bridge"
	"tg-recap-bot/internal/adapters/llm"
	"tg-recap-bot/internal/adapters/lock"
	"tg-recap-bot/internal/adapters/queue"
	"tg-recap-bot/internal/adapters/repo"
	"tg-recap-bot/internal/adapters/session"
	"tg-recap-bot/internal/adapters/telegram"
	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/config"
	"tg-recap-bot/internal/infra/db"
	apphttp "tg-recap-bot/internal/infra/http"
	applog "tg-recap-bot/internal/infra/log"
	"tg-recap-bot/internal/infra/metrics"
	"tg-recap-bot/internal/infra/openai"
	digestusecase "tg-recap-bot/internal/usecase/digest"
	ingestusecase "tg-recap-bot/internal/usecase/ingest"
	"tg-recap-bot/internal/usecase/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	cfg.RequireTelegram()
	cfg.RequireLLM()
	cfg.RequirePG()

	logger := applog.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apphttp.NewServer(logger.With().Str("component", "http").Logger()).Start(ctx, cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()
	store := repo.NewPostgres(pool)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к Redis")
	}

	locker := lock.NewRedisLocker(rdb)
	ingestQueue := queue.NewRedisJobQueue(rdb, domain.JobIngest, queue.IngestRetryPolicy, cfg.Worker.StallInterval)
	digestQueue := queue.NewRedisJobQueue(rdb, domain.JobDigest, queue.DigestRetryPolicy, cfg.Worker.StallInterval)

	sessions := session.NewManager(session.Config{
		APIID:   cfg.Telegram.APIID,
		APIHash: cfg.Telegram.APIHash,
		DataDir: cfg.Telegram.DataDir,
	}, store, nil, logger.With().Str("component", "session").Logger())

	authBridge := bridge.NewBridge(rdb, sessions, store, logger.With().Str("component", "bridge").Logger())
	sessions.SetPublisher(authBridge)
	defer authBridge.Close()

	generator := llm.NewGenerator(
		openai.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Timeout),
		cfg.LLM.Model,
		logger.With().Str("component", "llm").Logger(),
	)
	sender := telegram.NewSender(logger.With().Str("component", "telegram").Logger())

	ingestService := ingestusecase.NewService(sessions, store, store, store, store, ingestusecase.Config{
		DialogLimit:     cfg.Ingest.DialogLimit,
		MessagesPerChat: cfg.Ingest.MessagesPerChat,
		Allowlist:       cfg.Ingest.ChatAllowlist,
		Blocklist:       cfg.Ingest.ChatBlocklist,
	}, logger.With().Str("component", "ingest").Logger())
	digestService := digestusecase.NewService(store, store, store, generator, sender,
		logger.With().Str("component", "digest").Logger())

	ingestProcessor := worker.NewIngestProcessor(ingestQueue, store, locker, sessions, ingestService,
		logger.With().Str("component", "worker").Logger())
	digestProcessor := worker.NewDigestProcessor(digestQueue, store, store, locker, digestService,
		logger.With().Str("component", "worker").Logger())

	scheduler, err := worker.NewScheduler(ingestQueue, digestQueue, logger.With().Str("component", "cron").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось зарегистрировать расписания")
	}
	scheduler.Start()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		worker.NewRunner(domain.JobIngest, ingestQueue, ingestProcessor.Process,
			cfg.Worker.Concurrency, cfg.Worker.StallInterval,
			logger.With().Str("component", "worker").Logger()).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		worker.NewRunner(domain.JobDigest, digestQueue, digestProcessor.Process,
			cfg.Worker.Concurrency, cfg.Worker.StallInterval,
			logger.With().Str("component", "worker").Logger()).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := authBridge.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("worker: мост авторизации остановился")
		}
	}()

	logger.Info().Msg("worker: запущен")
	<-ctx.Done()
	logger.Info().Msg("worker: останавливаюсь")

	scheduler.Stop()
	wg.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sessions.CloseAll(closeCtx)
	logger.Info().Msg("worker: остановлен")
}

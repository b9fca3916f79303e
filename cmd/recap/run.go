package main

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"tg-recap-bot/internal/adapters/bridge"
	"tg-recap-bot/internal/adapters/llm"
	"tg-recap-bot/internal/adapters/lock"
	"tg-recap-bot/internal/adapters/queue"
	"tg-recap-bot/internal/adapters/telegram"
	"tg-recap-bot/internal/domain"
	apphttp "tg-recap-bot/internal/infra/http"
	"tg-recap-bot/internal/infra/metrics"
	"tg-recap-bot/internal/infra/openai"
	digestusecase "tg-recap-bot/internal/usecase/digest"
	ingestusecase "tg-recap-bot/internal/usecase/ingest"
	"tg-recap-bot/internal/usecase/worker"
)

const runShutdownTimeout = 30 * time.Second

// runCmd поднимает планировщик и пулы обработчиков в текущем процессе.
// Эквивалент бинаря worker для окружений, где удобнее один бинарь.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Запустить планировщик и обработчики очередей",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp()
		defer a.close()
		a.cfg.RequireTelegram()
		a.cfg.RequireLLM()
		a.cfg.RequirePG()

		metrics.MustRegister(prometheus.DefaultRegisterer)
		apphttp.NewServer(a.log.With().Str("component", "http").Logger()).Start(a.ctx, a.cfg.MetricsAddr)

		store, err := a.database()
		if err != nil {
			return err
		}
		sessions, err := a.sessions()
		if err != nil {
			return err
		}

		rdb := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(a.ctx).Err(); err != nil {
			return err
		}

		locker := lock.NewRedisLocker(rdb)
		ingestQueue := queue.NewRedisJobQueue(rdb, domain.JobIngest, queue.IngestRetryPolicy, a.cfg.Worker.StallInterval)
		digestQueue := queue.NewRedisJobQueue(rdb, domain.JobDigest, queue.DigestRetryPolicy, a.cfg.Worker.StallInterval)

		authBridge := bridge.NewBridge(rdb, sessions, store, a.log.With().Str("component", "bridge").Logger())
		sessions.SetPublisher(authBridge)
		defer authBridge.Close()

		generator := llm.NewGenerator(
			openai.NewClient(a.cfg.LLM.APIKey, a.cfg.LLM.BaseURL, a.cfg.LLM.Timeout),
			a.cfg.LLM.Model,
			a.log.With().Str("component", "llm").Logger(),
		)
		sender := telegram.NewSender(a.log.With().Str("component", "telegram").Logger())

		ingestService := ingestusecase.NewService(sessions, store, store, store, store, ingestusecase.Config{
			DialogLimit:     a.cfg.Ingest.DialogLimit,
			MessagesPerChat: a.cfg.Ingest.MessagesPerChat,
			Allowlist:       a.cfg.Ingest.ChatAllowlist,
			Blocklist:       a.cfg.Ingest.ChatBlocklist,
		}, a.log.With().Str("component", "ingest").Logger())
		digestService := digestusecase.NewService(store, store, store, generator, sender,
			a.log.With().Str("component", "digest").Logger())

		ingestProcessor := worker.NewIngestProcessor(ingestQueue, store, locker, sessions, ingestService,
			a.log.With().Str("component", "worker").Logger())
		digestProcessor := worker.NewDigestProcessor(digestQueue, store, store, locker, digestService,
			a.log.With().Str("component", "worker").Logger())

		scheduler, err := worker.NewScheduler(ingestQueue, digestQueue, a.log.With().Str("component", "cron").Logger())
		if err != nil {
			return err
		}
		scheduler.Start()

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			worker.NewRunner(domain.JobIngest, ingestQueue, ingestProcessor.Process,
				a.cfg.Worker.Concurrency, a.cfg.Worker.StallInterval,
				a.log.With().Str("component", "worker").Logger()).Run(a.ctx)
		}()
		go func() {
			defer wg.Done()
			worker.NewRunner(domain.JobDigest, digestQueue, digestProcessor.Process,
				a.cfg.Worker.Concurrency, a.cfg.Worker.StallInterval,
				a.log.With().Str("component", "worker").Logger()).Run(a.ctx)
		}()
		go func() {
			defer wg.Done()
			if err := authBridge.Run(a.ctx); err != nil && a.ctx.Err() == nil {
				a.log.Error().Err(err).Msg("run: мост авторизации остановился")
			}
		}()

		a.log.Info().Msg("run: запущен")
		<-a.ctx.Done()
		a.log.Info().Msg("run: останавливаюсь")

		scheduler.Stop()
		wg.Wait()

		closeCtx, cancel := context.WithTimeout(context.Background(), runShutdownTimeout)
		defer cancel()
		sessions.CloseAll(closeCtx)
		return nil
	},
}

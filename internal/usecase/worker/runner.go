package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/metrics"
)

const (
	receiveRetryDelay = time.Second
	finalizeTimeout   = 10 * time.Second
	depthPollEvery    = 15 * time.Second
)

// Handler обрабатывает одну задачу очереди.
type Handler func(ctx context.Context, job domain.Job) error

// Runner — пул обработчиков одной очереди. Во время обработки задача
// периодически подтверждает активность, чтобы зависший обработчик был
// обнаружен и задача вернулась в очередь.
type Runner struct {
	kind           domain.JobKind
	queue          domain.JobQueue
	handler        Handler
	concurrency    int
	heartbeatEvery time.Duration
	log            zerolog.Logger
}

// NewRunner создаёт пул для очереди kind.
func NewRunner(kind domain.JobKind, queue domain.JobQueue, handler Handler, concurrency int, stallInterval time.Duration, log zerolog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 3
	}
	heartbeat := stallInterval / 2
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Runner{
		kind:           kind,
		queue:          queue,
		handler:        handler,
		concurrency:    concurrency,
		heartbeatEvery: heartbeat,
		log:            log,
	}
}

// Run запускает пул и блокируется до отмены контекста.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.observeDepth(ctx)
	}()
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx)
		}()
	}
	wg.Wait()
}

// observeDepth периодически выгружает глубину очереди в метрики.
func (r *Runner) observeDepth(ctx context.Context) {
	tick := time.NewTicker(depthPollEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			counts, err := r.queue.Counts(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Warn().Err(err).Str("queue", string(r.kind)).Msg("worker: не удалось снять глубину очереди")
				}
				continue
			}
			for state, n := range counts {
				metrics.QueueDepth.WithLabelValues(string(r.kind), string(state)).Set(float64(n))
			}
		}
	}
}

func (r *Runner) loop(ctx context.Context) {
	for {
		job, err := r.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error().Err(err).Str("queue", string(r.kind)).Msg("worker: ошибка получения задачи")
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveRetryDelay):
			}
			continue
		}
		r.process(ctx, job)
	}
}

func (r *Runner) process(ctx context.Context, job domain.Job) {
	r.log.Info().Str("queue", string(r.kind)).Str("job", job.ID).Int("attempt", job.Attempt).
		Msg("worker: задача взята в работу")
	start := time.Now()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go r.heartbeat(hbCtx, job)

	err := r.handler(ctx, job)
	stopHeartbeat()
	metrics.JobDuration.WithLabelValues(string(r.kind)).Observe(time.Since(start).Seconds())

	// Финализация идёт на собственном контексте: завершение процесса
	// посреди задачи не должно терять её учёт.
	finCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err != nil {
		retried, failErr := r.queue.Fail(finCtx, job, err)
		if failErr != nil {
			r.log.Error().Err(failErr).Str("queue", string(r.kind)).Str("job", job.ID).
				Msg("worker: не удалось учесть неуспех задачи")
			return
		}
		outcome := "failed"
		if retried {
			outcome = "retried"
		}
		metrics.JobsTotal.WithLabelValues(string(r.kind), outcome).Inc()
		r.log.Error().Err(err).Str("queue", string(r.kind)).Str("job", job.ID).
			Bool("retried", retried).Msg("worker: задача завершилась с ошибкой")
		return
	}

	if err := r.queue.Complete(finCtx, job); err != nil {
		r.log.Error().Err(err).Str("queue", string(r.kind)).Str("job", job.ID).
			Msg("worker: не удалось завершить задачу")
		return
	}
	metrics.JobsTotal.WithLabelValues(string(r.kind), "completed").Inc()
	r.log.Info().Str("queue", string(r.kind)).Str("job", job.ID).
		Dur("took", time.Since(start)).Msg("worker: задача завершена")
}

func (r *Runner) heartbeat(ctx context.Context, job domain.Job) {
	tick := time.NewTicker(r.heartbeatEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := r.queue.Heartbeat(ctx, job); err != nil && ctx.Err() == nil {
				r.log.Warn().Err(err).Str("queue", string(r.kind)).Str("job", job.ID).
					Msg("worker: heartbeat не прошёл")
			}
		}
	}
}

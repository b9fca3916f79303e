package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/metrics"
)

const (
	releaseTimeout = 5 * time.Second
	// extendEvery меньше любого TTL блокировки: продление успевает
	// до истечения, пока работа идёт дольше ожидаемого.
	extendEvery = 3 * time.Minute
)

// RunLocked выполняет fn под распределённой блокировкой пары (вид, пользователь).
// Занятая блокировка — не ошибка, а намеренный пропуск: другой процесс уже
// делает эту работу.
func RunLocked(ctx context.Context, locker domain.Locker, kind domain.JobKind, userID string, log zerolog.Logger, fn func(ctx context.Context) error) (domain.RunOutcome, error) {
	acquired, err := locker.Acquire(ctx, kind, userID, 0)
	if err != nil {
		return domain.RunFailed, err
	}
	if !acquired {
		metrics.LockContention.WithLabelValues(string(kind)).Inc()
		log.Info().Str("kind", string(kind)).Str("user", userID).Msg("worker: блокировка занята, пропуск")
		return domain.RunSkippedContended, nil
	}
	defer func() {
		// Снимаем блокировку даже при отменённом контексте задачи.
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := locker.Release(releaseCtx, kind, userID); err != nil {
			log.Error().Err(err).Str("kind", string(kind)).Str("user", userID).
				Msg("worker: не удалось снять блокировку")
		}
	}()

	extendCtx, stopExtend := context.WithCancel(ctx)
	defer stopExtend()
	go func() {
		ticker := time.NewTicker(extendEvery)
		defer ticker.Stop()
		for {
			select {
			case <-extendCtx.Done():
				return
			case <-ticker.C:
				if _, err := locker.Extend(extendCtx, kind, userID, 0); err != nil {
					log.Warn().Err(err).Str("kind", string(kind)).Str("user", userID).
						Msg("worker: не удалось продлить блокировку")
				}
			}
		}
	}()

	if err := fn(ctx); err != nil {
		return domain.RunFailed, err
	}
	return domain.RunCompleted, nil
}

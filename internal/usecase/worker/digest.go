package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/usecase/digest"
)

// DigestProcessor обрабатывает очередь дайджестов: сентинел-задача
// поминутно проверяет, у кого наступил локальный час доставки, персональная
// задача строит и отправляет дайджест под блокировкой.
type DigestProcessor struct {
	queue   domain.JobQueue
	users   domain.UserRepo
	digests domain.DigestRepo
	locker  domain.Locker
	service *digest.Service
	log     zerolog.Logger
	// now подменяется в тестах.
	now func() time.Time
}

// NewDigestProcessor создаёт обработчик очереди дайджестов.
func NewDigestProcessor(queue domain.JobQueue, users domain.UserRepo, digests domain.DigestRepo, locker domain.Locker, service *digest.Service, log zerolog.Logger) *DigestProcessor {
	return &DigestProcessor{
		queue:   queue,
		users:   users,
		digests: digests,
		locker:  locker,
		service: service,
		log:     log,
		now:     time.Now,
	}
}

// Process — Handler очереди дайджестов.
func (p *DigestProcessor) Process(ctx context.Context, job domain.Job) error {
	var payload domain.DigestJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode digest job %s: %w", job.ID, err)
	}
	if payload.UserID == domain.SchedulerUserID {
		return p.dispatch(ctx)
	}
	return p.runForUser(ctx, payload)
}

// dispatch ставит задачи пользователям, у которых сейчас ровно их локальный
// час доставки. Идентификатор digest-{userId}-{date} вместе с отметкой
// последней отправки защищает от дублей в пределах минуты и после
// перезапусков планировщика.
func (p *DigestProcessor) dispatch(ctx context.Context) error {
	users, err := p.users.ListReadyUsers(ctx)
	if err != nil {
		return fmt.Errorf("list ready users: %w", err)
	}
	now := p.now()
	enqueued := 0
	for _, u := range users {
		if !u.HasDeliveryCredentials() {
			continue
		}
		loc, err := time.LoadLocation(u.Timezone)
		if err != nil {
			loc = time.UTC
		}
		local := now.In(loc)
		if local.Hour() != u.DigestHourLocal || local.Minute() != 0 {
			continue
		}
		if sentToday(u.LastDigestAt, local) {
			continue
		}

		digestDate := local.AddDate(0, 0, -1).Format("2006-01-02")
		payload, err := json.Marshal(domain.DigestJob{
			UserID:       u.ID,
			DigestDate:   digestDate,
			Timezone:     u.Timezone,
			BotToken:     u.BotToken,
			DigestChatID: u.DigestChatID,
		})
		if err != nil {
			return fmt.Errorf("encode digest job for %s: %w", u.ID, err)
		}
		added, err := p.queue.Enqueue(ctx, fmt.Sprintf("digest-%s-%s", u.ID, digestDate), payload)
		if err != nil {
			return fmt.Errorf("enqueue digest for %s: %w", u.ID, err)
		}
		if added {
			enqueued++
		}
	}
	if enqueued > 0 {
		p.log.Info().Int("enqueued", enqueued).Msg("worker: диспетчер дайджестов разложил задачи")
	}
	return nil
}

func (p *DigestProcessor) runForUser(ctx context.Context, job domain.DigestJob) error {
	_, err := RunLocked(ctx, p.locker, domain.JobDigest, job.UserID, p.log, func(ctx context.Context) error {
		sent, err := p.digests.WasDigestSent(ctx, job.UserID, job.DigestDate)
		if err != nil {
			return fmt.Errorf("check digest sent: %w", err)
		}
		if sent {
			p.log.Info().Str("user", job.UserID).Str("date", job.DigestDate).
				Msg("worker: дайджест уже отправлен, пропуск")
			return nil
		}
		_, runErr := p.service.Run(ctx, job, false)
		return runErr
	})
	if err != nil {
		return fmt.Errorf("digest for %s: %w", job.UserID, err)
	}
	return nil
}

// sentToday сообщает, была ли последняя отправка в тот же локальный
// календарный день, что и local.
func sentToday(lastDigestAt *time.Time, local time.Time) bool {
	if lastDigestAt == nil {
		return false
	}
	last := lastDigestAt.In(local.Location())
	return last.Year() == local.Year() && last.Month() == local.Month() && last.Day() == local.Day()
}

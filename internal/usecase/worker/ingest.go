package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/usecase/ingest"
)

// clientReadyWait — сколько персональная задача ждёт готовности
// свежеподнятого клиента, прежде чем признать попытку неуспешной.
const clientReadyWait = 10 * time.Second

// SessionControl — срез менеджера сессий, нужный воркерам: помимо выдачи
// шлюза, воркер умеет поднимать клиента на лету.
type SessionControl interface {
	domain.SessionProvider
	Connect(ctx context.Context, userID string) error
}

// IngestProcessor обрабатывает очередь выгрузки: сентинел-задача
// раскладывает персональные задачи по готовым пользователям, персональная
// задача выполняет один проход выгрузки под блокировкой.
type IngestProcessor struct {
	queue    domain.JobQueue
	users    domain.UserRepo
	locker   domain.Locker
	sessions SessionControl
	service  *ingest.Service
	log      zerolog.Logger
}

// NewIngestProcessor создаёт обработчик очереди выгрузки.
func NewIngestProcessor(queue domain.JobQueue, users domain.UserRepo, locker domain.Locker, sessions SessionControl, service *ingest.Service, log zerolog.Logger) *IngestProcessor {
	return &IngestProcessor{
		queue:    queue,
		users:    users,
		locker:   locker,
		sessions: sessions,
		service:  service,
		log:      log,
	}
}

// Process — Handler очереди выгрузки.
func (p *IngestProcessor) Process(ctx context.Context, job domain.Job) error {
	var payload domain.IngestJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode ingest job %s: %w", job.ID, err)
	}
	if payload.UserID == domain.SchedulerUserID {
		return p.dispatch(ctx)
	}
	return p.runForUser(ctx, payload.UserID)
}

// dispatch ставит по персональной задаче на каждого готового пользователя.
// Идентификатор ingest-{userId} гасит повторную постановку, пока прежняя
// задача жива.
func (p *IngestProcessor) dispatch(ctx context.Context) error {
	users, err := p.users.ListReadyUsers(ctx)
	if err != nil {
		return fmt.Errorf("list ready users: %w", err)
	}
	enqueued := 0
	for _, u := range users {
		payload, err := json.Marshal(domain.IngestJob{UserID: u.ID})
		if err != nil {
			return fmt.Errorf("encode ingest job for %s: %w", u.ID, err)
		}
		added, err := p.queue.Enqueue(ctx, "ingest-"+u.ID, payload)
		if err != nil {
			return fmt.Errorf("enqueue ingest for %s: %w", u.ID, err)
		}
		if added {
			enqueued++
		}
	}
	p.log.Info().Int("enqueued", enqueued).Int("ready", len(users)).
		Msg("worker: диспетчер выгрузки разложил задачи")
	return nil
}

func (p *IngestProcessor) runForUser(ctx context.Context, userID string) error {
	if p.sessions.State(userID) != domain.AuthReady {
		if err := p.sessions.Connect(ctx, userID); err != nil {
			return fmt.Errorf("connect client for %s: %w", userID, err)
		}
		if err := p.sessions.WaitReady(ctx, userID, clientReadyWait); err != nil {
			return fmt.Errorf("client for %s not ready: %w", userID, err)
		}
	}

	_, err := RunLocked(ctx, p.locker, domain.JobIngest, userID, p.log, func(ctx context.Context) error {
		_, runErr := p.service.Run(ctx, userID, false)
		return runErr
	})
	if err != nil {
		return fmt.Errorf("ingest for %s: %w", userID, err)
	}
	return nil
}

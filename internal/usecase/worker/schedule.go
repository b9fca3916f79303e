package worker

import (
	"context"
	"encoding/json"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tg-recap-bot/internal/domain"
)

const (
	ingestCronSpec = "*/10 * * * *"
	digestCronSpec = "* * * * *"

	ingestSchedulerJobID = "ingest-scheduler"
	digestSchedulerJobID = "digest-scheduler"
)

// Scheduler ставит повторяющиеся сентинел-задачи диспетчеров: выгрузка
// каждые десять минут, проверка часа доставки — каждую минуту. Стабильные
// идентификаторы не дают тикам накапливаться, пока прежний ещё жив.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewScheduler регистрирует расписания диспетчеров.
func NewScheduler(ingestQueue, digestQueue domain.JobQueue, log zerolog.Logger) (*Scheduler, error) {
	c := cron.New()

	ingestPayload, err := json.Marshal(domain.IngestJob{UserID: domain.SchedulerUserID})
	if err != nil {
		return nil, err
	}
	digestPayload, err := json.Marshal(domain.DigestJob{UserID: domain.SchedulerUserID})
	if err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(ingestCronSpec, func() {
		enqueueTick(ingestQueue, ingestSchedulerJobID, ingestPayload, log)
	}); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(digestCronSpec, func() {
		enqueueTick(digestQueue, digestSchedulerJobID, digestPayload, log)
	}); err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, log: log}, nil
}

// Start запускает расписания.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("worker: расписания диспетчеров запущены")
}

// Stop останавливает расписания и дожидается начатых тиков.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func enqueueTick(queue domain.JobQueue, jobID string, payload []byte, log zerolog.Logger) {
	if _, err := queue.Enqueue(context.Background(), jobID, payload); err != nil {
		log.Error().Err(err).Str("job", jobID).Msg("worker: не удалось поставить сентинел-задачу")
	}
}

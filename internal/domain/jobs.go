package domain

import (
	"context"
	"time"
)

// SchedulerUserID — зарезервированный идентификатор задачи-диспетчера:
// такая задача перечисляет готовых пользователей и ставит их личные задачи,
// сама по себе работы не выполняет.
const SchedulerUserID = "__scheduler__"

// JobKind различает очереди фоновых задач.
type JobKind string

const (
	JobIngest JobKind = "ingest"
	JobDigest JobKind = "digest"
)

// IngestJob — задача инкрементальной выгрузки сообщений одного пользователя.
type IngestJob struct {
	UserID string `json:"userId"`
}

// DigestJob — задача построения и доставки дайджеста за конкретную дату.
type DigestJob struct {
	UserID       string `json:"userId"`
	DigestDate   string `json:"digestDate"`
	Timezone     string `json:"timezone"`
	BotToken     string `json:"botToken"`
	DigestChatID string `json:"digestChatId"`
}

// JobState описывает состояние задачи в очереди.
type JobState string

const (
	JobStateWaiting JobState = "waiting"
	JobStateDelayed JobState = "delayed"
	JobStateActive  JobState = "active"
)

// Job — запись задачи в durable-очереди.
type Job struct {
	ID      string    `json:"id"`
	Kind    JobKind   `json:"kind"`
	Payload []byte    `json:"payload"`
	Attempt int       `json:"attempt"`
	State   JobState  `json:"state"`
	AddedAt time.Time `json:"addedAt"`
}

// JobQueue — durable-очередь с дедупликацией по идентификатору задачи,
// отложенными повторами и ограниченным хранением завершённых записей.
type JobQueue interface {
	// Enqueue ставит задачу. Если задача с тем же идентификатором уже
	// ожидает, выполняется или отложена, постановка пропускается и
	// возвращается false.
	Enqueue(ctx context.Context, jobID string, payload []byte) (bool, error)
	// Receive блокирующе получает следующую готовую задачу.
	Receive(ctx context.Context) (Job, error)
	// Complete завершает задачу и удерживает её идентификатор в
	// ограниченном журнале завершённых.
	Complete(ctx context.Context, job Job) error
	// Fail учитывает неуспех: до исчерпания бюджета попыток задача
	// возвращается в очередь с экспоненциальной задержкой, после — попадает
	// в ограниченный журнал неуспешных.
	Fail(ctx context.Context, job Job, cause error) (retried bool, err error)
	// Heartbeat продлевает признак активности задачи для обнаружения
	// зависших обработчиков.
	Heartbeat(ctx context.Context, job Job) error
	// Counts возвращает количество задач по состояниям.
	Counts(ctx context.Context) (map[JobState]int, error)
}

// RunOutcome различает исходы защищённого блокировкой запуска: работа
// выполнена, пропущена из-за конкуренции или завершилась ошибкой.
type RunOutcome int

const (
	RunCompleted RunOutcome = iota
	RunSkippedContended
	RunFailed
)

func (o RunOutcome) String() string {
	switch o {
	case RunCompleted:
		return "completed"
	case RunSkippedContended:
		return "skipped"
	case RunFailed:
		return "failed"
	}
	return "unknown"
}

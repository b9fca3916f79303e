package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/metrics"
)

const (
	pollTimeout      = time.Second
	completedMaxKeep = 100
	failedMaxKeep    = 500
)

// RetryPolicy задаёт бюджет попыток и базовую задержку экспоненциального
// повтора для очереди.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// IngestRetryPolicy — политика очереди выгрузки.
var IngestRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 30 * time.Second}

// DigestRetryPolicy — политика очереди дайджестов: вызов генерации дорог,
// поэтому попыток меньше и пауза длиннее.
var DigestRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 60 * time.Second}

// Backoff возвращает задержку перед повтором попытки attempt (с единицы).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// enqueueScript атомарно создаёт запись задачи и кладёт идентификатор в
// список готовых. Живой дубликат отсекается по существованию записи:
// запись, не числящаяся ни в одной структуре очереди, появиться не может.
var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "state", ARGV[1], "payload", ARGV[2], "attempt", 0, "added_at", ARGV[3])
redis.call("LPUSH", KEYS[2], ARGV[4])
return 1
`)

// RedisJobQueue — durable-очередь задач на структурах Redis: список готовых,
// список взятых в обработку, zset отложенных, set активных, hash записи
// задачи. Дедупликация — по существованию записи задачи в живом состоянии.
type RedisJobQueue struct {
	client        *redis.Client
	kind          domain.JobKind
	policy        RetryPolicy
	stallInterval time.Duration

	mu sync.Mutex
	// pendingSeen — идентификаторы из processing, замеченные прошлой
	// проверкой: задача, висящая там два прохода подряд, осиротела.
	pendingSeen map[string]bool
}

var _ domain.JobQueue = (*RedisJobQueue)(nil)

// NewRedisJobQueue создаёт очередь указанного вида.
func NewRedisJobQueue(client *redis.Client, kind domain.JobKind, policy RetryPolicy, stallInterval time.Duration) *RedisJobQueue {
	if stallInterval <= 0 {
		stallInterval = time.Minute
	}
	return &RedisJobQueue{
		client:        client,
		kind:          kind,
		policy:        policy,
		stallInterval: stallInterval,
		pendingSeen:   make(map[string]bool),
	}
}

func (q *RedisJobQueue) key(suffix string) string {
	return fmt.Sprintf("recap:%s:%s", q.kind, suffix)
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return q.key("job:" + jobID)
}

// Enqueue ставит задачу, пропуская постановку при живом дубликате.
func (q *RedisJobQueue) Enqueue(ctx context.Context, jobID string, payload []byte) (bool, error) {
	start := time.Now()
	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.key("ready")},
		string(domain.JobStateWaiting), payload, time.Now().UTC().UnixMilli(), jobID,
	).Int()
	metrics.ObserveNetworkRequest("redis", "queue_enqueue", string(q.kind), start, err)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return created == 1, nil
}

// Receive блокирующе получает следующую готовую задачу, попутно продвигая
// созревшие отложенные и возвращая зависшие. Идентификатор переезжает из
// ready в processing одной командой: упади обработчик до активации, задачу
// вернёт проверка зависших.
func (q *RedisJobQueue) Receive(ctx context.Context) (domain.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Job{}, err
		}
		if err := q.promoteDelayed(ctx); err != nil {
			return domain.Job{}, err
		}
		if err := q.requeueStalled(ctx); err != nil {
			return domain.Job{}, err
		}

		jobID, err := q.client.BLMove(ctx, q.key("ready"), q.key("processing"), "RIGHT", "LEFT", pollTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.Job{}, ctx.Err()
				}
				continue
			}
			return domain.Job{}, fmt.Errorf("receive: %w", err)
		}

		job, err := q.activate(ctx, jobID)
		if err != nil {
			return domain.Job{}, err
		}
		if job.ID == "" {
			// Запись задачи исчезла (например, обрезана вручную) — берём следующую.
			continue
		}
		return job, nil
	}
}

func (q *RedisJobQueue) activate(ctx context.Context, jobID string) (domain.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("activate %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		_ = q.client.LRem(ctx, q.key("processing"), 1, jobID).Err()
		return domain.Job{}, nil
	}
	attempt, _ := strconv.Atoi(fields["attempt"])
	attempt++
	addedAtMs, _ := strconv.ParseInt(fields["added_at"], 10, 64)

	now := time.Now().UTC()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID),
		"state", string(domain.JobStateActive),
		"attempt", attempt,
		"heartbeat", now.UnixMilli(),
	)
	pipe.SAdd(ctx, q.key("active"), jobID)
	pipe.LRem(ctx, q.key("processing"), 1, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("activate %s: %w", jobID, err)
	}
	return domain.Job{
		ID:      jobID,
		Kind:    q.kind,
		Payload: []byte(fields["payload"]),
		Attempt: attempt,
		State:   domain.JobStateActive,
		AddedAt: time.UnixMilli(addedAtMs).UTC(),
	}, nil
}

func (q *RedisJobQueue) promoteDelayed(ctx context.Context) error {
	now := float64(time.Now().UTC().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(now, 'f', 0, 64),
	}).Result()
	if err != nil {
		return fmt.Errorf("promote delayed: %w", err)
	}
	for _, jobID := range due {
		removed, err := q.client.ZRem(ctx, q.key("delayed"), jobID).Result()
		if err != nil {
			return fmt.Errorf("promote delayed: %w", err)
		}
		if removed == 0 {
			// Другой обработчик успел продвинуть задачу.
			continue
		}
		if err := q.client.HSet(ctx, q.jobKey(jobID), "state", string(domain.JobStateWaiting)).Err(); err != nil {
			return fmt.Errorf("promote delayed: %w", err)
		}
		if err := q.client.LPush(ctx, q.key("ready"), jobID).Err(); err != nil {
			return fmt.Errorf("promote delayed: %w", err)
		}
	}
	return nil
}

func (q *RedisJobQueue) requeueStalled(ctx context.Context) error {
	if err := q.requeueOrphanedPending(ctx); err != nil {
		return err
	}

	active, err := q.client.SMembers(ctx, q.key("active")).Result()
	if err != nil {
		return fmt.Errorf("requeue stalled: %w", err)
	}
	deadline := time.Now().UTC().Add(-q.stallInterval).UnixMilli()
	for _, jobID := range active {
		raw, err := q.client.HGet(ctx, q.jobKey(jobID), "heartbeat").Result()
		if errors.Is(err, redis.Nil) {
			_ = q.client.SRem(ctx, q.key("active"), jobID).Err()
			continue
		}
		if err != nil {
			return fmt.Errorf("requeue stalled: %w", err)
		}
		heartbeat, _ := strconv.ParseInt(raw, 10, 64)
		if heartbeat >= deadline {
			continue
		}
		removed, err := q.client.SRem(ctx, q.key("active"), jobID).Result()
		if err != nil {
			return fmt.Errorf("requeue stalled: %w", err)
		}
		if removed == 0 {
			continue
		}
		metrics.JobsStalled.WithLabelValues(string(q.kind)).Inc()
		if err := q.client.HSet(ctx, q.jobKey(jobID), "state", string(domain.JobStateWaiting)).Err(); err != nil {
			return fmt.Errorf("requeue stalled: %w", err)
		}
		if err := q.client.LPush(ctx, q.key("ready"), jobID).Err(); err != nil {
			return fmt.Errorf("requeue stalled: %w", err)
		}
	}
	return nil
}

// requeueOrphanedPending возвращает в ready задачи, застрявшие в processing.
// Живой обработчик активирует задачу за миллисекунды, поэтому идентификатор,
// замеченный там два прохода подряд без активации — след обработчика,
// упавшего между взятием и активацией.
func (q *RedisJobQueue) requeueOrphanedPending(ctx context.Context) error {
	pending, err := q.client.LRange(ctx, q.key("processing"), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("requeue pending: %w", err)
	}

	q.mu.Lock()
	seen := q.pendingSeen
	next := make(map[string]bool, len(pending))
	for _, jobID := range pending {
		next[jobID] = true
	}
	q.pendingSeen = next
	q.mu.Unlock()

	for _, jobID := range pending {
		if !seen[jobID] {
			continue
		}
		state, err := q.client.HGet(ctx, q.jobKey(jobID), "state").Result()
		if errors.Is(err, redis.Nil) {
			_ = q.client.LRem(ctx, q.key("processing"), 1, jobID).Err()
			continue
		}
		if err != nil {
			return fmt.Errorf("requeue pending: %w", err)
		}
		if state == string(domain.JobStateActive) {
			// Обработчик жив и успел активировать задачу.
			continue
		}
		removed, err := q.client.LRem(ctx, q.key("processing"), 1, jobID).Result()
		if err != nil {
			return fmt.Errorf("requeue pending: %w", err)
		}
		if removed == 0 {
			continue
		}
		metrics.JobsStalled.WithLabelValues(string(q.kind)).Inc()
		if err := q.client.LPush(ctx, q.key("ready"), jobID).Err(); err != nil {
			return fmt.Errorf("requeue pending: %w", err)
		}
	}
	return nil
}

// Complete завершает задачу и удерживает её идентификатор в ограниченном журнале.
func (q *RedisJobQueue) Complete(ctx context.Context, job domain.Job) error {
	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.key("active"), job.ID)
	pipe.Del(ctx, q.jobKey(job.ID))
	pipe.LPush(ctx, q.key("completed"), job.ID)
	pipe.LTrim(ctx, q.key("completed"), 0, completedMaxKeep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", job.ID, err)
	}
	return nil
}

type failedRecord struct {
	JobID    string    `json:"jobId"`
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
	Payload  string    `json:"payload"`
}

// Fail возвращает задачу в очередь с экспоненциальной задержкой, пока не
// исчерпан бюджет попыток; после — переносит запись в журнал неуспешных
// для разбора оператором.
func (q *RedisJobQueue) Fail(ctx context.Context, job domain.Job, cause error) (bool, error) {
	if err := q.client.SRem(ctx, q.key("active"), job.ID).Err(); err != nil {
		return false, fmt.Errorf("fail %s: %w", job.ID, err)
	}
	if job.Attempt < q.policy.MaxAttempts {
		delay := q.policy.Backoff(job.Attempt)
		readyAt := float64(time.Now().UTC().Add(delay).UnixMilli())
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.jobKey(job.ID), "state", string(domain.JobStateDelayed))
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: readyAt, Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("fail %s: %w", job.ID, err)
		}
		return true, nil
	}

	record := failedRecord{
		JobID:    job.ID,
		Attempt:  job.Attempt,
		FailedAt: time.Now().UTC(),
		Payload:  string(job.Payload),
	}
	if cause != nil {
		record.Error = cause.Error()
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("fail %s: %w", job.ID, err)
	}
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.jobKey(job.ID))
	pipe.LPush(ctx, q.key("failed"), raw)
	pipe.LTrim(ctx, q.key("failed"), 0, failedMaxKeep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("fail %s: %w", job.ID, err)
	}
	return false, nil
}

// Heartbeat продлевает признак активности задачи.
func (q *RedisJobQueue) Heartbeat(ctx context.Context, job domain.Job) error {
	err := q.client.HSet(ctx, q.jobKey(job.ID), "heartbeat", time.Now().UTC().UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", job.ID, err)
	}
	return nil
}

// Counts возвращает количество задач по состояниям. Идентификаторы в
// processing учитываются как активные: они уже взяты обработчиком.
func (q *RedisJobQueue) Counts(ctx context.Context) (map[domain.JobState]int, error) {
	ready, err := q.client.LLen(ctx, q.key("ready")).Result()
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, q.key("delayed")).Result()
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	active, err := q.client.SCard(ctx, q.key("active")).Result()
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	pending, err := q.client.LLen(ctx, q.key("processing")).Result()
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	return map[domain.JobState]int{
		domain.JobStateWaiting: int(ready),
		domain.JobStateDelayed: int(delayed),
		domain.JobStateActive:  int(active + pending),
	}, nil
}

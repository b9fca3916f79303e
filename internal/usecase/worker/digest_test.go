package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-recap-bot/internal/domain"
)

type stubQueue struct {
	enqueued map[string][]byte
}

func (q *stubQueue) Enqueue(ctx context.Context, jobID string, payload []byte) (bool, error) {
	if q.enqueued == nil {
		q.enqueued = make(map[string][]byte)
	}
	if _, ok := q.enqueued[jobID]; ok {
		return false, nil
	}
	q.enqueued[jobID] = payload
	return true, nil
}

func (q *stubQueue) Receive(ctx context.Context) (domain.Job, error) {
	<-ctx.Done()
	return domain.Job{}, ctx.Err()
}

func (q *stubQueue) Complete(ctx context.Context, job domain.Job) error { return nil }

func (q *stubQueue) Fail(ctx context.Context, job domain.Job, cause error) (bool, error) {
	return false, nil
}

func (q *stubQueue) Heartbeat(ctx context.Context, job domain.Job) error { return nil }

func (q *stubQueue) Counts(ctx context.Context) (map[domain.JobState]int, error) { return nil, nil }

type stubUsers struct {
	ready []domain.User
}

func (s *stubUsers) GetUser(ctx context.Context, userID string) (domain.User, error) {
	return domain.User{ID: userID}, nil
}
func (s *stubUsers) UpsertUser(ctx context.Context, userID string) (domain.User, error) {
	return domain.User{ID: userID}, nil
}
func (s *stubUsers) ListReadyUsers(ctx context.Context) ([]domain.User, error) {
	return s.ready, nil
}
func (s *stubUsers) UpdateAuthState(ctx context.Context, userID string, state domain.AuthState) error {
	return nil
}
func (s *stubUsers) ListConnectedUserIDs(ctx context.Context) ([]string, error) { return nil, nil }
func (s *stubUsers) TouchLastIngest(ctx context.Context, userID string, at time.Time) error {
	return nil
}
func (s *stubUsers) TouchLastDigest(ctx context.Context, userID string, at time.Time) error {
	return nil
}

type stubDigests struct {
	sent map[string]bool
}

func (s *stubDigests) UpsertDigest(ctx context.Context, digest domain.Digest) error { return nil }
func (s *stubDigests) WasDigestSent(ctx context.Context, userID, date string) (bool, error) {
	return s.sent[userID+"/"+date], nil
}

func schedulerJob(t *testing.T) domain.Job {
	t.Helper()
	payload, err := json.Marshal(domain.DigestJob{UserID: domain.SchedulerUserID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return domain.Job{ID: digestSchedulerJobID, Kind: domain.JobDigest, Payload: payload}
}

func newDigestProcessor(queue *stubQueue, users *stubUsers, at time.Time) *DigestProcessor {
	p := NewDigestProcessor(queue, users, &stubDigests{}, &stubLocker{}, nil, zerolog.Nop())
	p.now = func() time.Time { return at }
	return p
}

func TestDigestDispatchEnqueuesDueUser(t *testing.T) {
	queue := &stubQueue{}
	users := &stubUsers{ready: []domain.User{{
		ID:              "alice",
		Timezone:        "UTC",
		DigestHourLocal: 9,
		BotToken:        "token",
		DigestChatID:    "42",
	}}}
	// Ровно 09:00 по зоне пользователя.
	p := newDigestProcessor(queue, users, time.Date(2026, 9, 1, 9, 0, 30, 0, time.UTC))

	if err := p.Process(context.Background(), schedulerJob(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload, ok := queue.enqueued["digest-alice-2026-08-31"]
	if !ok {
		t.Fatalf("expected job for alice, got %v", queue.enqueued)
	}
	var job domain.DigestJob
	if err := json.Unmarshal(payload, &job); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if job.DigestDate != "2026-08-31" || job.BotToken != "token" || job.DigestChatID != "42" {
		t.Fatalf("unexpected payload: %+v", job)
	}
}

func TestDigestDispatchSkipsWrongMinute(t *testing.T) {
	queue := &stubQueue{}
	users := &stubUsers{ready: []domain.User{{
		ID: "alice", Timezone: "UTC", DigestHourLocal: 9, BotToken: "token", DigestChatID: "42",
	}}}
	p := newDigestProcessor(queue, users, time.Date(2026, 9, 1, 9, 1, 0, 0, time.UTC))

	if err := p.Process(context.Background(), schedulerJob(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queue.enqueued) != 0 {
		t.Fatalf("minute other than :00 must not trigger enqueue")
	}
}

func TestDigestDispatchHonorsUserTimezone(t *testing.T) {
	queue := &stubQueue{}
	users := &stubUsers{ready: []domain.User{{
		ID: "alice", Timezone: "Asia/Tokyo", DigestHourLocal: 9, BotToken: "token", DigestChatID: "42",
	}}}
	// 00:00 UTC == 09:00 в Токио.
	p := newDigestProcessor(queue, users, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))

	if err := p.Process(context.Background(), schedulerJob(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := queue.enqueued["digest-alice-2026-08-31"]; !ok {
		t.Fatalf("expected job keyed by local yesterday, got %v", queue.enqueued)
	}
}

func TestDigestDispatchSkipsWithoutCredentials(t *testing.T) {
	queue := &stubQueue{}
	users := &stubUsers{ready: []domain.User{{
		ID: "alice", Timezone: "UTC", DigestHourLocal: 9,
	}}}
	p := newDigestProcessor(queue, users, time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC))

	if err := p.Process(context.Background(), schedulerJob(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queue.enqueued) != 0 {
		t.Fatalf("user without delivery credentials must be skipped")
	}
}

func TestDigestDispatchSkipsAlreadySentToday(t *testing.T) {
	sentAt := time.Date(2026, 9, 1, 8, 59, 0, 0, time.UTC)
	queue := &stubQueue{}
	users := &stubUsers{ready: []domain.User{{
		ID: "alice", Timezone: "UTC", DigestHourLocal: 9, BotToken: "token", DigestChatID: "42",
		LastDigestAt: &sentAt,
	}}}
	p := newDigestProcessor(queue, users, time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC))

	if err := p.Process(context.Background(), schedulerJob(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queue.enqueued) != 0 {
		t.Fatalf("digest already sent today must not be re-enqueued")
	}
}

func TestSentToday(t *testing.T) {
	local := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

	if sentToday(nil, local) {
		t.Fatalf("nil mark means never sent")
	}
	yesterday := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	if sentToday(&yesterday, local) {
		t.Fatalf("yesterday's mark should not count as today")
	}
	today := time.Date(2026, 9, 1, 0, 30, 0, 0, time.UTC)
	if !sentToday(&today, local) {
		t.Fatalf("today's mark should count")
	}
}

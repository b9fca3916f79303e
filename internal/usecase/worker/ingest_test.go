package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"tg-recap-bot/internal/domain"
)

func ingestSchedulerJob(t *testing.T) domain.Job {
	t.Helper()
	payload, err := json.Marshal(domain.IngestJob{UserID: domain.SchedulerUserID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return domain.Job{ID: ingestSchedulerJobID, Kind: domain.JobIngest, Payload: payload}
}

func TestIngestDispatchFansOut(t *testing.T) {
	queue := &stubQueue{}
	users := &stubUsers{ready: []domain.User{{ID: "alice"}, {ID: "bob"}}}
	p := NewIngestProcessor(queue, users, &stubLocker{}, nil, nil, zerolog.Nop())

	if err := p.Process(context.Background(), ingestSchedulerJob(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queue.enqueued) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(queue.enqueued))
	}
	payload, ok := queue.enqueued["ingest-alice"]
	if !ok {
		t.Fatalf("expected job keyed ingest-alice, got %v", queue.enqueued)
	}
	var job domain.IngestJob
	if err := json.Unmarshal(payload, &job); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if job.UserID != "alice" {
		t.Fatalf("unexpected payload: %+v", job)
	}
}

func TestIngestDispatchDoesNotDuplicateLiveJobs(t *testing.T) {
	queue := &stubQueue{}
	users := &stubUsers{ready: []domain.User{{ID: "alice"}}}
	p := NewIngestProcessor(queue, users, &stubLocker{}, nil, nil, zerolog.Nop())

	if err := p.Process(context.Background(), ingestSchedulerJob(t)); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := p.Process(context.Background(), ingestSchedulerJob(t)); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("live job must not be enqueued twice, got %d", len(queue.enqueued))
	}
}

func TestIngestRejectsMalformedPayload(t *testing.T) {
	p := NewIngestProcessor(&stubQueue{}, &stubUsers{}, &stubLocker{}, nil, nil, zerolog.Nop())
	err := p.Process(context.Background(), domain.Job{ID: "broken", Payload: []byte("{")})
	if err == nil {
		t.Fatalf("expected decode error")
	}
}

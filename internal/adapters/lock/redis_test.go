package lock

import (
	"testing"
	"time"

	"tg-recap-bot/internal/domain"
)

func TestLockKeyFormat(t *testing.T) {
	if got := lockKey(domain.JobIngest, "alice"); got != "lock:ingest:alice" {
		t.Fatalf("unexpected key: %q", got)
	}
	if got := lockKey(domain.JobDigest, "bob"); got != "lock:digest:bob" {
		t.Fatalf("unexpected key: %q", got)
	}
}

func TestDefaultTTLExceedsJobBudget(t *testing.T) {
	if DefaultTTL[domain.JobIngest] != 15*time.Minute {
		t.Fatalf("unexpected ingest TTL: %v", DefaultTTL[domain.JobIngest])
	}
	if DefaultTTL[domain.JobDigest] != 10*time.Minute {
		t.Fatalf("unexpected digest TTL: %v", DefaultTTL[domain.JobDigest])
	}
}

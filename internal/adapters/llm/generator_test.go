package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-recap-bot/internal/infra/openai"
)

func newTestGenerator(t *testing.T, handler http.HandlerFunc) *Generator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	g := NewGenerator(openai.NewClient("test-key", srv.URL, 5*time.Second), "test-model", zerolog.Nop())
	g.sleep = func(time.Duration) {}
	return g
}

func completionBody(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, content)
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	var calls int32
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
			return
		}
		fmt.Fprint(w, completionBody("digest text"))
	})

	out, err := g.Generate(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "digest text" {
		t.Fatalf("unexpected output: %q", out)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestGenerateDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad request"}}`)
	})

	if _, err := g.Generate(context.Background(), "system", "user"); err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("client error must not be retried, got %d calls", got)
	}
}

func TestGenerateGivesUpAfterBudget(t *testing.T) {
	var calls int32
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	})

	if _, err := g.Generate(context.Background(), "system", "user"); err == nil {
		t.Fatalf("expected error after retry budget")
	}
	if got := atomic.LoadInt32(&calls); got != int32(maxRetries+1) {
		t.Fatalf("expected %d calls, got %d", maxRetries+1, got)
	}
}

func TestGenerateEmptyChoicesYieldsEmptyContent(t *testing.T) {
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	})
	out, err := g.Generate(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty content, got %q", out)
	}
}

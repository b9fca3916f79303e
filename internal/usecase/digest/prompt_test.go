package digest

import (
	"strings"
	"testing"
	"time"

	"tg-recap-bot/internal/domain"
)

func TestBuildUserPromptGroupsByChat(t *testing.T) {
	at := time.Date(2026, 8, 31, 9, 5, 0, 0, time.UTC)
	messages := []domain.DigestMessage{
		{ChatID: 1, ChatTitle: "Work", SenderName: "Bob", Text: "standup at 10", Date: at},
		{ChatID: 2, ChatTitle: "Family", SenderName: "Mom", Text: "call me", Date: at.Add(time.Hour)},
		{ChatID: 1, ChatTitle: "Work", SenderName: "Eve", Text: "deploy done", Date: at.Add(2 * time.Hour)},
	}

	prompt := buildUserPrompt(messages, "2026-08-31", time.UTC)

	workIdx := strings.Index(prompt, "## Work")
	familyIdx := strings.Index(prompt, "## Family")
	if workIdx == -1 || familyIdx == -1 {
		t.Fatalf("chat sections missing:\n%s", prompt)
	}
	if workIdx > familyIdx {
		t.Fatalf("sections should follow first-appearance order")
	}
	if !strings.Contains(prompt, "[09:05] Bob: standup at 10") {
		t.Fatalf("message line malformed:\n%s", prompt)
	}
	if !strings.Contains(prompt, "messages from 2026-08-31") {
		t.Fatalf("preamble should mention the date")
	}
	if strings.Count(prompt, "## Work") != 1 {
		t.Fatalf("chat section should not repeat")
	}
}

func TestBuildUserPromptLocalTimes(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	messages := []domain.DigestMessage{
		{ChatID: 1, ChatTitle: "Chat", SenderName: "Bob", Text: "hi", Date: time.Date(2026, 8, 31, 0, 5, 0, 0, time.UTC)},
	}
	prompt := buildUserPrompt(messages, "2026-08-31", loc)
	if !strings.Contains(prompt, "[09:05] Bob: hi") {
		t.Fatalf("time should be rendered in user zone:\n%s", prompt)
	}
}

func TestFormatLineTruncatesLongText(t *testing.T) {
	msg := domain.DigestMessage{
		SenderName: "Bob",
		Text:       strings.Repeat("я", 600),
		Date:       time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
	}
	line := formatLine(msg, time.UTC)
	if !strings.HasSuffix(line, "...") {
		t.Fatalf("long text should be truncated with ellipsis")
	}
	body := strings.TrimPrefix(line, "[12:00] Bob: ")
	if got := len([]rune(body)); got != maxLineRunes+3 {
		t.Fatalf("expected %d runes, got %d", maxLineRunes+3, got)
	}
}

func TestFormatLinePlaceholders(t *testing.T) {
	at := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	media := domain.DigestMessage{SenderName: "Bob", HasMedia: true, MediaType: domain.MediaPhoto, Date: at}
	if line := formatLine(media, time.UTC); !strings.Contains(line, "[photo]") {
		t.Fatalf("media message should carry its type: %q", line)
	}

	empty := domain.DigestMessage{Date: at}
	line := formatLine(empty, time.UTC)
	if !strings.Contains(line, "Unknown") || !strings.Contains(line, "[empty]") {
		t.Fatalf("empty message should use placeholders: %q", line)
	}
}

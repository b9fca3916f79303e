package telegram

import (
	"context"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

type stubBot struct {
	sent       []tgbotapi.MessageConfig
	rejectMode string
	failures   int
}

func (b *stubBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, &tgbotapi.Error{Message: "unexpected chattable"}
	}
	if b.failures > 0 {
		b.failures--
		return tgbotapi.Message{}, context.DeadlineExceeded
	}
	if b.rejectMode != "" && msg.ParseMode == b.rejectMode {
		return tgbotapi.Message{}, &tgbotapi.Error{Message: "can't parse entities"}
	}
	b.sent = append(b.sent, msg)
	return tgbotapi.Message{}, nil
}

func newTestSender(bot *stubBot, maxLen int) (*Sender, *[]time.Duration) {
	var slept []time.Duration
	s := &Sender{
		log:    zerolog.Nop(),
		maxLen: maxLen,
		newBot: func(string) (botAPI, error) { return bot, nil },
		sleep:  func(d time.Duration) { slept = append(slept, d) },
	}
	return s, &slept
}

func TestSendDigestSinglePart(t *testing.T) {
	bot := &stubBot{}
	s, slept := newTestSender(bot, 4000)

	if err := s.SendDigest(context.Background(), "token", "42", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(bot.sent))
	}
	if bot.sent[0].Text != "hello" {
		t.Fatalf("unexpected text: %q", bot.sent[0].Text)
	}
	if bot.sent[0].ParseMode != tgbotapi.ModeMarkdown {
		t.Fatalf("expected markdown first, got %q", bot.sent[0].ParseMode)
	}
	if len(*slept) != 0 {
		t.Fatalf("no delay expected for a single part")
	}
}

func TestSendDigestMultiPartPrefixes(t *testing.T) {
	bot := &stubBot{}
	s, slept := newTestSender(bot, 30)

	if err := s.SendDigest(context.Background(), "token", "42", strings.Repeat("a", 100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bot.sent) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(bot.sent))
	}
	if !strings.HasPrefix(bot.sent[0].Text, "(1/4)\n\n") {
		t.Fatalf("first part should carry a position prefix, got %q", bot.sent[0].Text[:10])
	}
	if !strings.HasPrefix(bot.sent[3].Text, "(4/4)\n\n") {
		t.Fatalf("last part should carry a position prefix")
	}
	if len(*slept) != 3 {
		t.Fatalf("expected 3 inter-part delays, got %d", len(*slept))
	}
	for _, d := range *slept {
		if d != interChunkDelay {
			t.Fatalf("unexpected delay: %v", d)
		}
	}
}

func TestSendDigestFallsBackToPlain(t *testing.T) {
	bot := &stubBot{rejectMode: tgbotapi.ModeMarkdown}
	s, _ := newTestSender(bot, 4000)

	if err := s.SendDigest(context.Background(), "token", "42", "_broken markdown"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(bot.sent))
	}
	if bot.sent[0].ParseMode != "" {
		t.Fatalf("fallback should be plain, got %q", bot.sent[0].ParseMode)
	}
}

func TestSendDigestRetriesNetworkErrors(t *testing.T) {
	bot := &stubBot{failures: 2}
	s, slept := newTestSender(bot, 4000)

	if err := s.SendDigest(context.Background(), "token", "42", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("expected message after retries, got %d", len(bot.sent))
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 retry delays, got %d", len(*slept))
	}
	if (*slept)[0] != sendBaseDelay || (*slept)[1] != 2*sendBaseDelay {
		t.Fatalf("retry delays should double: %v", *slept)
	}
}

func TestSendDigestBadChatID(t *testing.T) {
	bot := &stubBot{}
	s, _ := newTestSender(bot, 4000)
	if err := s.SendDigest(context.Background(), "token", "not-a-number", "hello"); err == nil {
		t.Fatalf("expected error for invalid chat id")
	}
}

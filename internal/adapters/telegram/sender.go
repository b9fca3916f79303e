package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/metrics"
)

const (
	sendMaxAttempts = 3
	sendBaseDelay   = time.Second
	interChunkDelay = 500 * time.Millisecond
)

// Sender доставляет дайджесты через Bot API. Токен у каждого пользователя
// свой, поэтому клиент создаётся на время отправки.
type Sender struct {
	log    zerolog.Logger
	maxLen int
	newBot func(token string) (botAPI, error)
	sleep  func(time.Duration)
}

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

var _ domain.DigestSender = (*Sender)(nil)

// NewSender создаёт отправителя.
func NewSender(log zerolog.Logger) *Sender {
	return &Sender{
		log:    log,
		maxLen: DefaultMessageLimit,
		newBot: func(token string) (botAPI, error) {
			return tgbotapi.NewBotAPI(token)
		},
		sleep: time.Sleep,
	}
}

// SendDigest отправляет документ частями: сперва с Markdown-разметкой,
// при отказе форматированной отправки — без разметки.
func (s *Sender) SendDigest(ctx context.Context, botToken, chatID, text string) error {
	bot, err := s.newBot(botToken)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", chatID, err)
	}

	parts := SplitMessage(text, s.maxLen)
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(parts) > 1 {
			part = fmt.Sprintf("(%d/%d)\n\n%s", i+1, len(parts), part)
		}
		if err := s.sendPart(bot, chat, part); err != nil {
			metrics.DigestSendErrors.Inc()
			return fmt.Errorf("send part %d/%d: %w", i+1, len(parts), err)
		}
		if i < len(parts)-1 {
			s.sleep(interChunkDelay)
		}
	}
	return nil
}

func (s *Sender) sendPart(bot botAPI, chatID int64, part string) error {
	formatted := tgbotapi.NewMessage(chatID, part)
	formatted.ParseMode = tgbotapi.ModeMarkdown
	formatted.DisableWebPagePreview = true
	err := s.sendWithRetry(bot, formatted, chatID)
	if err == nil {
		return nil
	}
	s.log.Warn().Err(err).Int64("chat", chatID).Msg("telegram: форматированная отправка отклонена, повтор без разметки")
	plain := tgbotapi.NewMessage(chatID, part)
	return s.sendWithRetry(bot, plain, chatID)
}

// sendWithRetry повторяет сетевые сбои с экспоненциальной паузой; отказ
// Bot API (например, из-за разметки) не повторяется, а возвращается сразу.
func (s *Sender) sendWithRetry(bot botAPI, msg tgbotapi.Chattable, chatID int64) error {
	var lastErr error
	delay := sendBaseDelay
	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		start := time.Now()
		_, err := bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err == nil {
			return nil
		}
		lastErr = err
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			return err
		}
		if attempt < sendMaxAttempts {
			s.sleep(delay)
			delay *= 2
		}
	}
	return lastErr
}

package digest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/metrics"
)

// Service строит дайджест за локальный день пользователя, сохраняет его
// и доставляет через бота. Построение и доставка разделены: дайджест
// сначала ложится в хранилище без отметки отправки, повтор задачи после
// сбоя доставки не зовёт модель заново без нужды.
type Service struct {
	messages  domain.MessageRepo
	digests   domain.DigestRepo
	users     domain.UserRepo
	generator domain.Generator
	sender    domain.DigestSender
	log       zerolog.Logger
	// now подменяется в тестах.
	now func() time.Time
}

// NewService создаёт движок дайджестов.
func NewService(
	messages domain.MessageRepo,
	digests domain.DigestRepo,
	users domain.UserRepo,
	generator domain.Generator,
	sender domain.DigestSender,
	log zerolog.Logger,
) *Service {
	return &Service{
		messages:  messages,
		digests:   digests,
		users:     users,
		generator: generator,
		sender:    sender,
		log:       log,
		now:       time.Now,
	}
}

// Run выполняет задачу дайджеста. В режиме dryRun дайджест строится и
// возвращается, но не сохраняется и не отправляется.
func (s *Service) Run(ctx context.Context, job domain.DigestJob, dryRun bool) (domain.Digest, error) {
	loc, known := loadLocation(job.Timezone)
	if !known {
		s.log.Warn().Str("user", job.UserID).Str("tz", job.Timezone).
			Msg("digest: неизвестная временная зона, использую UTC")
	}

	var window Window
	if job.DigestDate != "" {
		var err error
		window, err = windowForDate(job.DigestDate, loc)
		if err != nil {
			return domain.Digest{}, fmt.Errorf("parse digest date %q: %w", job.DigestDate, err)
		}
	} else {
		window = windowForYesterday(s.now(), loc)
	}

	digest, err := s.build(ctx, job.UserID, window, loc)
	if err != nil {
		return domain.Digest{}, err
	}
	if dryRun {
		return digest, nil
	}

	if err := s.digests.UpsertDigest(ctx, digest); err != nil {
		return domain.Digest{}, fmt.Errorf("save digest: %w", err)
	}

	if job.BotToken == "" || job.DigestChatID == "" {
		s.log.Info().Str("user", job.UserID).Str("date", window.Date).
			Msg("digest: доставка не настроена, дайджест только сохранён")
		return digest, nil
	}
	if err := s.deliver(ctx, job, digest); err != nil {
		return domain.Digest{}, err
	}
	return digest, nil
}

// build собирает содержимое дайджеста. Пустое окно даёт заглушку без
// обращения к модели.
func (s *Service) build(ctx context.Context, userID string, window Window, loc *time.Location) (domain.Digest, error) {
	start := time.Now()

	messages, err := s.messages.ListMessagesInRange(ctx, userID, window.Start, window.End)
	if err != nil {
		return domain.Digest{}, fmt.Errorf("list messages: %w", err)
	}

	digest := domain.Digest{
		UserID:       userID,
		Date:         window.Date,
		MessageCount: len(messages),
	}
	if len(messages) == 0 {
		digest.Content = fmt.Sprintf("# Daily Digest for %s\n\nNo messages received during this period.", window.Date)
		s.log.Info().Str("user", userID).Str("date", window.Date).Msg("digest: окно пустое")
		return digest, nil
	}

	prompt := buildUserPrompt(messages, window.Date, loc)
	content, err := s.generator.Generate(ctx, systemPrompt, prompt)
	if err != nil {
		return domain.Digest{}, fmt.Errorf("generate digest: %w", err)
	}
	digest.Content = fmt.Sprintf("# Daily Digest for %s\n\n%s", window.Date, content)

	metrics.DigestBuildSeconds.Observe(time.Since(start).Seconds())
	s.log.Info().Str("user", userID).Str("date", window.Date).Int("messages", len(messages)).
		Msg("digest: построен")
	return digest, nil
}

// deliver отправляет дайджест и фиксирует факт отправки.
func (s *Service) deliver(ctx context.Context, job domain.DigestJob, digest domain.Digest) error {
	if err := s.sender.SendDigest(ctx, job.BotToken, job.DigestChatID, digest.Content); err != nil {
		metrics.DigestSendErrors.Inc()
		return fmt.Errorf("send digest: %w", err)
	}

	sentAt := time.Now().UTC()
	digest.SentAt = &sentAt
	if err := s.digests.UpsertDigest(ctx, digest); err != nil {
		return fmt.Errorf("mark digest sent: %w", err)
	}
	if err := s.users.TouchLastDigest(ctx, job.UserID, sentAt); err != nil {
		s.log.Warn().Err(err).Str("user", job.UserID).Msg("digest: не удалось обновить отметку отправки")
	}
	s.log.Info().Str("user", job.UserID).Str("date", digest.Date).Msg("digest: отправлен")
	return nil
}

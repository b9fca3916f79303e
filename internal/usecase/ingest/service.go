package ingest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/metrics"
)

// historyPageLimit — размер страницы истории MTProto.
const historyPageLimit = 100

// Config — границы выгрузки.
type Config struct {
	// DialogLimit — сколько диалогов перечислять за проход.
	DialogLimit int
	// MessagesPerChat — верхняя граница новых сообщений на чат за проход.
	// Хвост старше границы доберётся следующими проходами.
	MessagesPerChat int
	// Allowlist и Blocklist фильтруют чаты по tg-идентификатору.
	// Непустой Allowlist пропускает только перечисленные чаты.
	Allowlist []string
	Blocklist []string
}

// Stats — итог одного прохода выгрузки.
type Stats struct {
	Chats   int
	Fetched int
	Saved   int
}

// Service — инкрементальная выгрузка сообщений пользователя в хранилище.
// Курсор по каждому чату двигается только после успешной записи пачки,
// поэтому сбой посреди прохода приводит максимум к повторной обработке,
// которую гасит идемпотентная вставка.
type Service struct {
	sessions domain.SessionProvider
	users    domain.UserRepo
	chats    domain.ChatRepo
	messages domain.MessageRepo
	cursors  domain.CursorRepo
	cfg      Config
	log      zerolog.Logger
}

// NewService создаёт движок выгрузки.
func NewService(
	sessions domain.SessionProvider,
	users domain.UserRepo,
	chats domain.ChatRepo,
	messages domain.MessageRepo,
	cursors domain.CursorRepo,
	cfg Config,
	log zerolog.Logger,
) *Service {
	if cfg.DialogLimit <= 0 {
		cfg.DialogLimit = 100
	}
	if cfg.MessagesPerChat <= 0 {
		cfg.MessagesPerChat = 300
	}
	return &Service{
		sessions: sessions,
		users:    users,
		chats:    chats,
		messages: messages,
		cursors:  cursors,
		cfg:      cfg,
		log:      log,
	}
}

// Run выполняет один проход выгрузки для пользователя. В режиме dryRun
// хранилище не трогается, считается только объём новых сообщений.
func (s *Service) Run(ctx context.Context, userID string, dryRun bool) (Stats, error) {
	var stats Stats

	gw, err := s.sessions.Gateway(ctx, userID)
	if err != nil {
		return stats, fmt.Errorf("gateway for %s: %w", userID, err)
	}

	dialogs, err := gw.ListChats(ctx, s.cfg.DialogLimit)
	if err != nil {
		return stats, fmt.Errorf("list chats: %w", err)
	}

	for _, info := range dialogs {
		if !s.allowed(info.TGChatID) {
			continue
		}
		stats.Chats++
		fetched, saved, err := s.ingestChat(ctx, gw, userID, info, dryRun)
		if err != nil {
			// Один проблемный чат не роняет весь проход.
			s.log.Error().Err(err).Str("user", userID).Int64("chat", info.TGChatID).
				Msg("ingest: чат пропущен из-за ошибки")
			continue
		}
		stats.Fetched += fetched
		stats.Saved += saved
	}

	if !dryRun {
		if err := s.users.TouchLastIngest(ctx, userID, time.Now().UTC()); err != nil {
			s.log.Warn().Err(err).Str("user", userID).Msg("ingest: не удалось обновить отметку выгрузки")
		}
	}
	s.log.Info().Str("user", userID).Int("chats", stats.Chats).Int("fetched", stats.Fetched).
		Int("saved", stats.Saved).Bool("dry_run", dryRun).Msg("ingest: проход завершён")
	return stats, nil
}

func (s *Service) allowed(tgChatID int64) bool {
	id := strconv.FormatInt(tgChatID, 10)
	for _, blocked := range s.cfg.Blocklist {
		if blocked == id {
			return false
		}
	}
	if len(s.cfg.Allowlist) == 0 {
		return true
	}
	for _, allowed := range s.cfg.Allowlist {
		if allowed == id {
			return true
		}
	}
	return false
}

func (s *Service) ingestChat(ctx context.Context, gw domain.TelegramGateway, userID string, info domain.ChatInfo, dryRun bool) (int, int, error) {
	var chatID int64
	if !dryRun {
		var err error
		chatID, err = s.chats.UpsertChat(ctx, domain.Chat{
			UserID:   userID,
			TGChatID: info.TGChatID,
			Title:    info.Title,
			Type:     info.Type,
		})
		if err != nil {
			return 0, 0, fmt.Errorf("upsert chat: %w", err)
		}
	}

	cursor, err := s.cursors.GetCursor(ctx, userID, info.TGChatID)
	if err != nil {
		return 0, 0, fmt.Errorf("get cursor: %w", err)
	}

	fresh, err := s.collectNew(ctx, gw, info.TGChatID, cursor)
	if err != nil {
		return 0, 0, err
	}
	if len(fresh) == 0 {
		return 0, 0, nil
	}
	if dryRun {
		return len(fresh), 0, nil
	}

	// Вставляем от старых к новым; курсор двигаем только после того,
	// как вся пачка легла в хранилище.
	saved := 0
	maxID := fresh[0].ID
	for i := len(fresh) - 1; i >= 0; i-- {
		msg := fresh[i]
		inserted, err := s.messages.InsertMessage(ctx, domain.Message{
			UserID:      userID,
			ChatID:      chatID,
			TGMessageID: msg.ID,
			SenderID:    msg.SenderID,
			SenderName:  msg.SenderName,
			Text:        msg.Text,
			HasMedia:    msg.HasMedia,
			MediaType:   msg.MediaType,
			Date:        msg.Date,
		})
		if err != nil {
			return len(fresh), saved, fmt.Errorf("insert message %d: %w", msg.ID, err)
		}
		if inserted {
			saved++
		}
	}
	metrics.IngestMessages.Add(float64(saved))

	if err := s.cursors.AdvanceCursor(ctx, userID, info.TGChatID, maxID); err != nil {
		return len(fresh), saved, fmt.Errorf("advance cursor: %w", err)
	}
	return len(fresh), saved, nil
}

// collectNew листает историю от новых к старым, пока не упрётся в курсор,
// конец истории или границу на чат. Результат — новые первыми.
func (s *Service) collectNew(ctx context.Context, gw domain.TelegramGateway, tgChatID, cursor int64) ([]domain.ChatMessage, error) {
	var collected []domain.ChatMessage
	fromID := int64(0)
	for len(collected) < s.cfg.MessagesPerChat {
		page, err := gw.ChatHistory(ctx, tgChatID, fromID, historyPageLimit)
		if err != nil {
			return nil, fmt.Errorf("chat history: %w", err)
		}
		if len(page) == 0 {
			break
		}
		reachedCursor := false
		for _, msg := range page {
			if msg.ID <= cursor {
				reachedCursor = true
				break
			}
			if len(collected) == s.cfg.MessagesPerChat {
				break
			}
			collected = append(collected, msg)
		}
		if reachedCursor || len(page) < historyPageLimit {
			break
		}
		fromID = page[len(page)-1].ID
	}
	return collected, nil
}

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-recap-bot/internal/domain"
)

type fakeGateway struct {
	chats []domain.ChatInfo
	// history хранит сообщения чатов от новых к старым.
	history map[int64][]domain.ChatMessage
}

func (g *fakeGateway) ListChats(ctx context.Context, limit int) ([]domain.ChatInfo, error) {
	if limit < len(g.chats) {
		return g.chats[:limit], nil
	}
	return g.chats, nil
}

func (g *fakeGateway) ChatHistory(ctx context.Context, tgChatID int64, fromMessageID int64, limit int) ([]domain.ChatMessage, error) {
	var page []domain.ChatMessage
	for _, msg := range g.history[tgChatID] {
		if fromMessageID != 0 && msg.ID >= fromMessageID {
			continue
		}
		page = append(page, msg)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

type fakeSessions struct {
	gw domain.TelegramGateway
}

func (s *fakeSessions) Gateway(ctx context.Context, userID string) (domain.TelegramGateway, error) {
	return s.gw, nil
}
func (s *fakeSessions) WaitReady(ctx context.Context, userID string, timeout time.Duration) error {
	return nil
}
func (s *fakeSessions) State(userID string) domain.AuthState { return domain.AuthReady }

type fakeChatRepo struct {
	next  int64
	chats map[int64]int64 // tg chat id -> внутренний id
}

func (r *fakeChatRepo) UpsertChat(ctx context.Context, chat domain.Chat) (int64, error) {
	if r.chats == nil {
		r.chats = make(map[int64]int64)
	}
	if id, ok := r.chats[chat.TGChatID]; ok {
		return id, nil
	}
	r.next++
	r.chats[chat.TGChatID] = r.next
	return r.next, nil
}

type msgKey struct {
	chatID int64
	tgID   int64
}

type fakeMessageRepo struct {
	rows map[msgKey]domain.Message
}

func (r *fakeMessageRepo) InsertMessage(ctx context.Context, msg domain.Message) (bool, error) {
	if r.rows == nil {
		r.rows = make(map[msgKey]domain.Message)
	}
	key := msgKey{chatID: msg.ChatID, tgID: msg.TGMessageID}
	if _, ok := r.rows[key]; ok {
		return false, nil
	}
	r.rows[key] = msg
	return true, nil
}

func (r *fakeMessageRepo) ListMessagesInRange(ctx context.Context, userID string, start, end time.Time) ([]domain.DigestMessage, error) {
	return nil, nil
}

type fakeCursorRepo struct {
	cursors map[int64]int64
}

func (r *fakeCursorRepo) GetCursor(ctx context.Context, userID string, chatID int64) (int64, error) {
	return r.cursors[chatID], nil
}

func (r *fakeCursorRepo) AdvanceCursor(ctx context.Context, userID string, chatID int64, lastMessageID int64) error {
	if r.cursors == nil {
		r.cursors = make(map[int64]int64)
	}
	if lastMessageID > r.cursors[chatID] {
		r.cursors[chatID] = lastMessageID
	}
	return nil
}

type fakeUserRepo struct {
	touched int
}

func (r *fakeUserRepo) GetUser(ctx context.Context, userID string) (domain.User, error) {
	return domain.User{ID: userID}, nil
}
func (r *fakeUserRepo) UpsertUser(ctx context.Context, userID string) (domain.User, error) {
	return domain.User{ID: userID}, nil
}
func (r *fakeUserRepo) ListReadyUsers(ctx context.Context) ([]domain.User, error) { return nil, nil }
func (r *fakeUserRepo) UpdateAuthState(ctx context.Context, userID string, state domain.AuthState) error {
	return nil
}
func (r *fakeUserRepo) ListConnectedUserIDs(ctx context.Context) ([]string, error) { return nil, nil }
func (r *fakeUserRepo) TouchLastIngest(ctx context.Context, userID string, at time.Time) error {
	r.touched++
	return nil
}
func (r *fakeUserRepo) TouchLastDigest(ctx context.Context, userID string, at time.Time) error {
	return nil
}

func chatMessages(ids ...int64) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, domain.ChatMessage{
			ID:         id,
			SenderID:   "user_1",
			SenderName: "user_1",
			Text:       "msg",
			Date:       time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
		})
	}
	return msgs
}

type fixture struct {
	gw       *fakeGateway
	users    *fakeUserRepo
	chats    *fakeChatRepo
	messages *fakeMessageRepo
	cursors  *fakeCursorRepo
	service  *Service
}

func newFixture(cfg Config, gw *fakeGateway) *fixture {
	f := &fixture{
		gw:       gw,
		users:    &fakeUserRepo{},
		chats:    &fakeChatRepo{},
		messages: &fakeMessageRepo{},
		cursors:  &fakeCursorRepo{},
	}
	f.service = NewService(&fakeSessions{gw: gw}, f.users, f.chats, f.messages, f.cursors, cfg, zerolog.Nop())
	return f
}

func TestRunSavesNewMessagesAndAdvancesCursor(t *testing.T) {
	gw := &fakeGateway{
		chats:   []domain.ChatInfo{{TGChatID: 100, Title: "Work", Type: domain.ChatTypeGroup}},
		history: map[int64][]domain.ChatMessage{100: chatMessages(5, 4, 3, 2, 1)},
	}
	f := newFixture(Config{}, gw)

	stats, err := f.service.Run(context.Background(), "alice", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Saved != 5 {
		t.Fatalf("expected 5 saved messages, got %d", stats.Saved)
	}
	if got := f.cursors.cursors[100]; got != 5 {
		t.Fatalf("cursor should advance to 5, got %d", got)
	}
	if f.users.touched != 1 {
		t.Fatalf("last ingest mark should be touched")
	}
}

func TestRunSecondPassIsIdempotent(t *testing.T) {
	gw := &fakeGateway{
		chats:   []domain.ChatInfo{{TGChatID: 100, Title: "Work", Type: domain.ChatTypeGroup}},
		history: map[int64][]domain.ChatMessage{100: chatMessages(5, 4, 3, 2, 1)},
	}
	f := newFixture(Config{}, gw)

	if _, err := f.service.Run(context.Background(), "alice", false); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	stats, err := f.service.Run(context.Background(), "alice", false)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats.Fetched != 0 || stats.Saved != 0 {
		t.Fatalf("second pass should find nothing new, got fetched=%d saved=%d", stats.Fetched, stats.Saved)
	}
}

func TestRunPicksUpOnlyFreshMessages(t *testing.T) {
	gw := &fakeGateway{
		chats:   []domain.ChatInfo{{TGChatID: 100, Title: "Work", Type: domain.ChatTypeGroup}},
		history: map[int64][]domain.ChatMessage{100: chatMessages(5, 4, 3, 2, 1)},
	}
	f := newFixture(Config{}, gw)
	if _, err := f.service.Run(context.Background(), "alice", false); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	gw.history[100] = chatMessages(7, 6, 5, 4, 3, 2, 1)
	stats, err := f.service.Run(context.Background(), "alice", false)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats.Saved != 2 {
		t.Fatalf("expected 2 fresh messages, got %d", stats.Saved)
	}
	if got := f.cursors.cursors[100]; got != 7 {
		t.Fatalf("cursor should advance to 7, got %d", got)
	}
}

func TestRunHonorsPerChatCap(t *testing.T) {
	gw := &fakeGateway{
		chats:   []domain.ChatInfo{{TGChatID: 100, Title: "Work", Type: domain.ChatTypeGroup}},
		history: map[int64][]domain.ChatMessage{100: chatMessages(9, 8, 7, 6, 5, 4, 3, 2, 1)},
	}
	f := newFixture(Config{MessagesPerChat: 3}, gw)

	stats, err := f.service.Run(context.Background(), "alice", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Saved != 3 {
		t.Fatalf("expected cap of 3, got %d", stats.Saved)
	}
	// Сохраняются самые свежие; хвост доберётся следующим проходом.
	if got := f.cursors.cursors[100]; got != 9 {
		t.Fatalf("cursor should advance to newest, got %d", got)
	}
}

func TestRunFiltersChats(t *testing.T) {
	gw := &fakeGateway{
		chats: []domain.ChatInfo{
			{TGChatID: 100, Title: "Keep", Type: domain.ChatTypeGroup},
			{TGChatID: 200, Title: "Blocked", Type: domain.ChatTypeGroup},
		},
		history: map[int64][]domain.ChatMessage{
			100: chatMessages(1),
			200: chatMessages(1),
		},
	}
	f := newFixture(Config{Blocklist: []string{"200"}}, gw)

	stats, err := f.service.Run(context.Background(), "alice", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Chats != 1 {
		t.Fatalf("blocked chat should be skipped, got %d chats", stats.Chats)
	}

	f = newFixture(Config{Allowlist: []string{"200"}}, gw)
	stats, err = f.service.Run(context.Background(), "alice", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Chats != 1 {
		t.Fatalf("allowlist should keep a single chat, got %d", stats.Chats)
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	gw := &fakeGateway{
		chats:   []domain.ChatInfo{{TGChatID: 100, Title: "Work", Type: domain.ChatTypeGroup}},
		history: map[int64][]domain.ChatMessage{100: chatMessages(3, 2, 1)},
	}
	f := newFixture(Config{}, gw)

	stats, err := f.service.Run(context.Background(), "alice", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Fetched != 3 {
		t.Fatalf("dry run should count fresh messages, got %d", stats.Fetched)
	}
	if stats.Saved != 0 || len(f.messages.rows) != 0 {
		t.Fatalf("dry run must not write messages")
	}
	if len(f.cursors.cursors) != 0 {
		t.Fatalf("dry run must not move cursors")
	}
	if f.users.touched != 0 {
		t.Fatalf("dry run must not touch last ingest mark")
	}
}

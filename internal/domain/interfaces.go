package domain

import (
	"context"
	"time"
)

// UserRepo управляет пользователями.
type UserRepo interface {
	GetUser(ctx context.Context, userID string) (User, error)
	UpsertUser(ctx context.Context, userID string) (User, error)
	ListReadyUsers(ctx context.Context) ([]User, error)
	UpdateAuthState(ctx context.Context, userID string, state AuthState) error
	ListConnectedUserIDs(ctx context.Context) ([]string, error)
	TouchLastIngest(ctx context.Context, userID string, at time.Time) error
	TouchLastDigest(ctx context.Context, userID string, at time.Time) error
}

// ChatRepo управляет чатами пользователя.
type ChatRepo interface {
	// UpsertChat создаёт или обновляет чат и возвращает его внутренний id.
	UpsertChat(ctx context.Context, chat Chat) (int64, error)
}

// MessageRepo управляет сообщениями.
type MessageRepo interface {
	// InsertMessage сохраняет сообщение; повторная вставка того же
	// (user, chat, tg_message_id) — no-op, возвращает false.
	InsertMessage(ctx context.Context, msg Message) (bool, error)
	// ListMessagesInRange возвращает сообщения в [start, end) по возрастанию даты.
	ListMessagesInRange(ctx context.Context, userID string, start, end time.Time) ([]DigestMessage, error)
}

// CursorRepo управляет курсорами инкрементальной выгрузки.
type CursorRepo interface {
	GetCursor(ctx context.Context, userID string, chatID int64) (int64, error)
	// AdvanceCursor передвигает курсор вперёд; движение назад игнорируется.
	AdvanceCursor(ctx context.Context, userID string, chatID int64, lastMessageID int64) error
}

// DigestRepo сохраняет дайджесты.
type DigestRepo interface {
	// UpsertDigest сохраняет дайджест; повтор за ту же дату перезаписывает содержимое.
	UpsertDigest(ctx context.Context, digest Digest) error
	WasDigestSent(ctx context.Context, userID, date string) (bool, error)
}

// DigestMessage — строка выборки для сборки дайджеста.
type DigestMessage struct {
	ChatID     int64
	ChatTitle  string
	SenderName string
	Text       string
	HasMedia   bool
	MediaType  MediaType
	Date       time.Time
}

// Locker — распределённые TTL-блокировки по паре (вид работы, пользователь).
type Locker interface {
	// Acquire атомарно ставит блокировку, если она свободна.
	Acquire(ctx context.Context, kind JobKind, userID string, ttl time.Duration) (bool, error)
	// Release безусловно снимает блокировку.
	Release(ctx context.Context, kind JobKind, userID string) error
	// Extend продлевает TTL удерживаемой блокировки.
	Extend(ctx context.Context, kind JobKind, userID string, ttl time.Duration) (bool, error)
}

// ChatInfo — метаданные чата из MTProto.
type ChatInfo struct {
	TGChatID int64
	Title    string
	Type     ChatType
}

// ChatMessage — сообщение из истории чата MTProto.
type ChatMessage struct {
	ID         int64
	SenderID   string
	SenderName string
	Text       string
	HasMedia   bool
	MediaType  MediaType
	Date       time.Time
}

// TelegramGateway абстрагирует MTProto-доступ для движка выгрузки.
// Реализация принадлежит менеджеру сессий; прямые клиентские хэндлы между
// компонентами не передаются.
type TelegramGateway interface {
	// ListChats перечисляет чаты пользователя, не более limit.
	ListChats(ctx context.Context, limit int) ([]ChatInfo, error)
	// ChatHistory возвращает страницу истории строго старше fromMessageID
	// (0 — с самого нового сообщения), новые первыми.
	ChatHistory(ctx context.Context, tgChatID int64, fromMessageID int64, limit int) ([]ChatMessage, error)
}

// SessionProvider выдаёт готовый шлюз для пользователя.
type SessionProvider interface {
	// Gateway возвращает шлюз пользователя в состоянии ready.
	Gateway(ctx context.Context, userID string) (TelegramGateway, error)
	// WaitReady ожидает состояния ready с ограничением по времени.
	WaitReady(ctx context.Context, userID string, timeout time.Duration) error
	State(userID string) AuthState
}

// Generator вызывает текстовую модель для построения дайджеста.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// DigestSender доставляет готовый дайджест пользователю.
type DigestSender interface {
	SendDigest(ctx context.Context, botToken, chatID, text string) error
}

// AuthStatePublisher публикует канонические состояния в мост.
type AuthStatePublisher interface {
	PublishState(ctx context.Context, userID string, update AuthUpdate) error
}

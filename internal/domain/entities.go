package domain

import "time"

// User описывает пользователя сервиса и его настройки доставки.
type User struct {
	ID              string
	Timezone        string
	DigestHourLocal int
	BotToken        string
	DigestChatID    string
	AuthState       AuthState
	LastIngestAt    *time.Time
	LastDigestAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasDeliveryCredentials сообщает, настроена ли доставка дайджестов.
func (u User) HasDeliveryCredentials() bool {
	return u.BotToken != "" && u.DigestChatID != ""
}

// ChatType описывает тип чата Telegram.
type ChatType string

const (
	ChatTypeUser       ChatType = "user"
	ChatTypeGroup      ChatType = "group"
	ChatTypeSupergroup ChatType = "supergroup"
	ChatTypeChannel    ChatType = "channel"
	ChatTypeSecret     ChatType = "secret"
	ChatTypeUnknown    ChatType = "unknown"
)

// Chat описывает чат пользователя.
type Chat struct {
	ID        int64
	UserID    string
	TGChatID  int64
	Title     string
	Type      ChatType
	UpdatedAt time.Time
}

// MediaType описывает канонический тип вложения.
type MediaType string

const (
	MediaPhoto     MediaType = "photo"
	MediaVideo     MediaType = "video"
	MediaDocument  MediaType = "document"
	MediaAudio     MediaType = "audio"
	MediaVoice     MediaType = "voice"
	MediaVideoNote MediaType = "video_note"
	MediaSticker   MediaType = "sticker"
	MediaAnimation MediaType = "animation"
	MediaOther     MediaType = "other"
)

// Message представляет сообщение чата. Вставка идемпотентна по
// (user_id, chat_id, tg_message_id).
type Message struct {
	ID          int64
	UserID      string
	ChatID      int64
	TGMessageID int64
	SenderID    string
	SenderName  string
	Text        string
	HasMedia    bool
	MediaType   MediaType
	Date        time.Time
}

// Cursor хранит последний обработанный идентификатор сообщения для пары
// (пользователь, чат). Значение никогда не убывает.
type Cursor struct {
	UserID        string
	ChatID        int64
	LastMessageID int64
	UpdatedAt     time.Time
}

// Digest представляет итоговый документ за один локальный день пользователя.
type Digest struct {
	ID           int64
	UserID       string
	Date         string
	Content      string
	MessageCount int
	CreatedAt    time.Time
	SentAt       *time.Time
}

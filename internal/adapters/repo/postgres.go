package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/metrics"
)

// ErrUserNotFound возвращается, когда пользователь отсутствует в БД.
var ErrUserNotFound = errors.New("user not found")

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo    = (*Postgres)(nil)
	_ domain.ChatRepo    = (*Postgres)(nil)
	_ domain.MessageRepo = (*Postgres)(nil)
	_ domain.CursorRepo  = (*Postgres)(nil)
	_ domain.DigestRepo  = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if _, ok := parent.Deadline(); ok {
		return parent, func() {}
	}
	return context.WithTimeout(parent, 5*time.Second)
}

// GetUser возвращает пользователя по идентификатору.
func (p *Postgres) GetUser(ctx context.Context, userID string) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		user       domain.User
		botToken   sql.NullString
		chatID     sql.NullString
		lastIngest sql.NullTime
		lastDigest sql.NullTime
		authState  string
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, timezone, digest_hour_local, telegram_bot_token, telegram_chat_id, telegram_auth_state, last_ingest_at, last_digest_at, created_at, updated_at
FROM users WHERE id=$1
`, userID).Scan(&user.ID, &user.Timezone, &user.DigestHourLocal, &botToken, &chatID, &authState, &lastIngest, &lastDigest, &user.CreatedAt, &user.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	user.AuthState = domain.AuthState(authState)
	if !user.AuthState.Valid() {
		user.AuthState = domain.AuthDisconnected
	}
	if botToken.Valid {
		user.BotToken = botToken.String
	}
	if chatID.Valid {
		user.DigestChatID = chatID.String
	}
	if lastIngest.Valid {
		ts := lastIngest.Time
		user.LastIngestAt = &ts
	}
	if lastDigest.Valid {
		ts := lastDigest.Time
		user.LastDigestAt = &ts
	}
	return user, nil
}

// UpsertUser создаёт пользователя с настройками по умолчанию, если его ещё нет.
func (p *Postgres) UpsertUser(ctx context.Context, userID string) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO users (id, timezone, digest_hour_local, telegram_auth_state)
VALUES ($1, 'UTC', 9, 'disconnected')
ON CONFLICT (id) DO NOTHING
`, userID)
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	if err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return p.GetUser(ctx, userID)
}

// ListReadyUsers возвращает пользователей в состоянии ready.
func (p *Postgres) ListReadyUsers(ctx context.Context) ([]domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, timezone, digest_hour_local, telegram_bot_token, telegram_chat_id, telegram_auth_state, last_ingest_at, last_digest_at, created_at, updated_at
FROM users WHERE telegram_auth_state='ready'
`)
	metrics.ObserveNetworkRequest("postgres", "users_list_ready", "users", start, err)
	if err != nil {
		return nil, fmt.Errorf("list ready users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var (
			user       domain.User
			botToken   sql.NullString
			chatID     sql.NullString
			lastIngest sql.NullTime
			lastDigest sql.NullTime
			authState  string
		)
		if err := rows.Scan(&user.ID, &user.Timezone, &user.DigestHourLocal, &botToken, &chatID, &authState, &lastIngest, &lastDigest, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list ready users: %w", err)
		}
		user.AuthState = domain.AuthState(authState)
		if botToken.Valid {
			user.BotToken = botToken.String
		}
		if chatID.Valid {
			user.DigestChatID = chatID.String
		}
		if lastIngest.Valid {
			ts := lastIngest.Time
			user.LastIngestAt = &ts
		}
		if lastDigest.Valid {
			ts := lastDigest.Time
			user.LastDigestAt = &ts
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// ListConnectedUserIDs возвращает пользователей с состоянием, отличным от
// disconnected: им нужна подписка моста после рестарта процесса.
func (p *Postgres) ListConnectedUserIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id FROM users WHERE telegram_auth_state IS NOT NULL AND telegram_auth_state != 'disconnected'
`)
	metrics.ObserveNetworkRequest("postgres", "users_list_connected", "users", start, err)
	if err != nil {
		return nil, fmt.Errorf("list connected users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list connected users: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateAuthState сохраняет каноническое состояние авторизации.
func (p *Postgres) UpdateAuthState(ctx context.Context, userID string, state domain.AuthState) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE users SET telegram_auth_state=$2, updated_at=now() WHERE id=$1
`, userID, string(state))
	metrics.ObserveNetworkRequest("postgres", "users_update_auth_state", "users", start, err)
	if err != nil {
		return fmt.Errorf("update auth state: %w", err)
	}
	return nil
}

// TouchLastIngest фиксирует время завершённой выгрузки.
func (p *Postgres) TouchLastIngest(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE users SET last_ingest_at=$2, updated_at=now() WHERE id=$1
`, userID, at.UTC())
	metrics.ObserveNetworkRequest("postgres", "users_touch_ingest", "users", start, err)
	if err != nil {
		return fmt.Errorf("touch last ingest: %w", err)
	}
	return nil
}

// TouchLastDigest фиксирует время доставленного дайджеста.
func (p *Postgres) TouchLastDigest(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE users SET last_digest_at=$2, updated_at=now() WHERE id=$1
`, userID, at.UTC())
	metrics.ObserveNetworkRequest("postgres", "users_touch_digest", "users", start, err)
	if err != nil {
		return fmt.Errorf("touch last digest: %w", err)
	}
	return nil
}

// UpsertChat создаёт или обновляет чат и возвращает его внутренний id.
func (p *Postgres) UpsertChat(ctx context.Context, chat domain.Chat) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var id int64
	err := p.pool.QueryRow(ctx, `
INSERT INTO chats (user_id, tg_chat_id, title, type, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (user_id, tg_chat_id) DO UPDATE SET title=EXCLUDED.title, type=EXCLUDED.type, updated_at=now()
RETURNING id
`, chat.UserID, chat.TGChatID, chat.Title, string(chat.Type)).Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "chats_upsert", "chats", start, err)
	if err != nil {
		return 0, fmt.Errorf("upsert chat: %w", err)
	}
	return id, nil
}

// InsertMessage сохраняет сообщение; дубликат по уникальному ключу — no-op.
func (p *Postgres) InsertMessage(ctx context.Context, msg domain.Message) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var mediaType sql.NullString
	if msg.MediaType != "" {
		mediaType = sql.NullString{String: string(msg.MediaType), Valid: true}
	}
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO messages (user_id, chat_id, tg_message_id, sender_id, sender_name, text, has_media, media_type, date)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id, chat_id, tg_message_id) DO NOTHING
`, msg.UserID, msg.ChatID, msg.TGMessageID, msg.SenderID, msg.SenderName, msg.Text, msg.HasMedia, mediaType, msg.Date.UTC())
	metrics.ObserveNetworkRequest("postgres", "messages_insert", "messages", start, err)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListMessagesInRange возвращает сообщения в [start, end) по возрастанию даты.
func (p *Postgres) ListMessagesInRange(ctx context.Context, userID string, start, end time.Time) ([]domain.DigestMessage, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	began := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT m.chat_id, c.title, m.sender_name, m.text, m.has_media, m.media_type, m.date
FROM messages m
JOIN chats c ON m.chat_id = c.id
WHERE m.user_id=$1 AND m.date >= $2 AND m.date < $3
ORDER BY m.date ASC
`, userID, start.UTC(), end.UTC())
	metrics.ObserveNetworkRequest("postgres", "messages_list_range", "messages", began, err)
	if err != nil {
		return nil, fmt.Errorf("list messages in range: %w", err)
	}
	defer rows.Close()

	var out []domain.DigestMessage
	for rows.Next() {
		var (
			msg       domain.DigestMessage
			mediaType sql.NullString
		)
		if err := rows.Scan(&msg.ChatID, &msg.ChatTitle, &msg.SenderName, &msg.Text, &msg.HasMedia, &mediaType, &msg.Date); err != nil {
			return nil, fmt.Errorf("list messages in range: %w", err)
		}
		if mediaType.Valid {
			msg.MediaType = domain.MediaType(mediaType.String)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// GetCursor возвращает курсор пары (пользователь, чат), 0 — если курсора нет.
func (p *Postgres) GetCursor(ctx context.Context, userID string, chatID int64) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var last int64
	err := p.pool.QueryRow(ctx, `
SELECT last_message_id FROM cursors WHERE user_id=$1 AND chat_id=$2
`, userID, chatID).Scan(&last)
	metrics.ObserveNetworkRequest("postgres", "cursors_get", "cursors", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	return last, nil
}

// AdvanceCursor передвигает курсор вперёд; GREATEST защищает от отката.
func (p *Postgres) AdvanceCursor(ctx context.Context, userID string, chatID int64, lastMessageID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO cursors (user_id, chat_id, last_message_id, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (user_id, chat_id) DO UPDATE SET
  last_message_id = GREATEST(cursors.last_message_id, EXCLUDED.last_message_id),
  updated_at = now()
`, userID, chatID, lastMessageID)
	metrics.ObserveNetworkRequest("postgres", "cursors_advance", "cursors", start, err)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// UpsertDigest сохраняет дайджест; повтор за ту же дату перезаписывает содержимое.
func (p *Postgres) UpsertDigest(ctx context.Context, digest domain.Digest) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var sentAt sql.NullTime
	if digest.SentAt != nil {
		sentAt = sql.NullTime{Time: digest.SentAt.UTC(), Valid: true}
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO digests (user_id, digest_date, content, message_count, created_at, sent_at)
VALUES ($1, $2, $3, $4, now(), $5)
ON CONFLICT (user_id, digest_date) DO UPDATE SET
  content = EXCLUDED.content,
  message_count = EXCLUDED.message_count,
  sent_at = EXCLUDED.sent_at
`, digest.UserID, digest.Date, digest.Content, digest.MessageCount, sentAt)
	metrics.ObserveNetworkRequest("postgres", "digests_upsert", "digests", start, err)
	if err != nil {
		return fmt.Errorf("upsert digest: %w", err)
	}
	return nil
}

// WasDigestSent сообщает, был ли дайджест за дату уже отправлен.
func (p *Postgres) WasDigestSent(ctx context.Context, userID, date string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var exists bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM digests WHERE user_id=$1 AND digest_date=$2 AND sent_at IS NOT NULL)
`, userID, date).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "digests_was_sent", "digests", start, err)
	if err != nil {
		return false, fmt.Errorf("was digest sent: %w", err)
	}
	return exists, nil
}

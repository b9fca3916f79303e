package mtproto

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/metrics"
)

// Gateway реализует domain.TelegramGateway поверх живого MTProto-соединения.
// Input-пиры кэшируются при перечислении диалогов и используются для
// последующих запросов истории.
type Gateway struct {
	api *tg.Client
	log zerolog.Logger

	mu    sync.Mutex
	peers map[int64]tg.InputPeerClass
}

var _ domain.TelegramGateway = (*Gateway)(nil)

// NewGateway создаёт шлюз поверх tg-клиента.
func NewGateway(api *tg.Client, log zerolog.Logger) *Gateway {
	return &Gateway{api: api, log: log, peers: make(map[int64]tg.InputPeerClass)}
}

// ListChats перечисляет диалоги пользователя, не более limit.
func (g *Gateway) ListChats(ctx context.Context, limit int) ([]domain.ChatInfo, error) {
	start := time.Now()
	raw, err := g.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		Limit:      limit,
		OffsetPeer: &tg.InputPeerEmpty{},
	})
	metrics.ObserveNetworkRequest("mtproto", "get_dialogs", "dialogs", start, err)
	if err != nil {
		return nil, fmt.Errorf("get dialogs: %w", err)
	}

	var (
		dialogs []tg.DialogClass
		users   []tg.UserClass
		chats   []tg.ChatClass
	)
	switch d := raw.(type) {
	case *tg.MessagesDialogs:
		dialogs, users, chats = d.Dialogs, d.Users, d.Chats
	case *tg.MessagesDialogsSlice:
		dialogs, users, chats = d.Dialogs, d.Users, d.Chats
	default:
		return nil, fmt.Errorf("get dialogs: unexpected response %T", raw)
	}

	userIndex := make(map[int64]*tg.User, len(users))
	for _, u := range users {
		if full, ok := u.(*tg.User); ok {
			userIndex[full.ID] = full
		}
	}
	chatIndex := make(map[int64]tg.ChatClass, len(chats))
	for _, c := range chats {
		switch chat := c.(type) {
		case *tg.Chat:
			chatIndex[chat.ID] = chat
		case *tg.Channel:
			chatIndex[chat.ID] = chat
		}
	}

	out := make([]domain.ChatInfo, 0, len(dialogs))
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range dialogs {
		dialog, ok := d.(*tg.Dialog)
		if !ok {
			continue
		}
		switch peer := dialog.Peer.(type) {
		case *tg.PeerUser:
			u, ok := userIndex[peer.UserID]
			if !ok {
				continue
			}
			g.peers[u.ID] = &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}
			out = append(out, domain.ChatInfo{TGChatID: u.ID, Title: userTitle(u), Type: domain.ChatTypeUser})
		case *tg.PeerChat:
			c, ok := chatIndex[peer.ChatID].(*tg.Chat)
			if !ok {
				continue
			}
			g.peers[c.ID] = &tg.InputPeerChat{ChatID: c.ID}
			out = append(out, domain.ChatInfo{TGChatID: c.ID, Title: c.Title, Type: domain.ChatTypeGroup})
		case *tg.PeerChannel:
			c, ok := chatIndex[peer.ChannelID].(*tg.Channel)
			if !ok {
				continue
			}
			g.peers[c.ID] = &tg.InputPeerChannel{ChannelID: c.ID, AccessHash: c.AccessHash}
			kind := domain.ChatTypeChannel
			if c.Megagroup {
				kind = domain.ChatTypeSupergroup
			}
			out = append(out, domain.ChatInfo{TGChatID: c.ID, Title: c.Title, Type: kind})
		default:
			continue
		}
	}
	return out, nil
}

// ChatHistory возвращает страницу истории строго старше fromMessageID,
// новые сообщения первыми.
func (g *Gateway) ChatHistory(ctx context.Context, tgChatID int64, fromMessageID int64, limit int) ([]domain.ChatMessage, error) {
	g.mu.Lock()
	peer, ok := g.peers[tgChatID]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("chat %d: peer not resolved, list chats first", tgChatID)
	}

	start := time.Now()
	raw, err := g.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: int(fromMessageID),
		Limit:    limit,
	})
	metrics.ObserveNetworkRequest("mtproto", "get_history", "history", start, err)
	if err != nil {
		return nil, fmt.Errorf("get history for chat %d: %w", tgChatID, err)
	}

	var messages []tg.MessageClass
	switch h := raw.(type) {
	case *tg.MessagesMessages:
		messages = h.Messages
	case *tg.MessagesMessagesSlice:
		messages = h.Messages
	case *tg.MessagesChannelMessages:
		messages = h.Messages
	default:
		return nil, fmt.Errorf("get history for chat %d: unexpected response %T", tgChatID, raw)
	}

	out := make([]domain.ChatMessage, 0, len(messages))
	for _, m := range messages {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		senderID := extractSenderID(msg, tgChatID)
		hasMedia, mediaType := ClassifyMedia(msg)
		out = append(out, domain.ChatMessage{
			ID:         int64(msg.ID),
			SenderID:   senderID,
			SenderName: senderID,
			Text:       msg.Message,
			HasMedia:   hasMedia,
			MediaType:  mediaType,
			Date:       time.Unix(int64(msg.Date), 0).UTC(),
		})
	}
	return out, nil
}

func extractSenderID(msg *tg.Message, tgChatID int64) string {
	from, ok := msg.GetFromID()
	if !ok {
		return fmt.Sprintf("chat_%d", tgChatID)
	}
	switch peer := from.(type) {
	case *tg.PeerUser:
		return fmt.Sprintf("user_%d", peer.UserID)
	case *tg.PeerChannel:
		return fmt.Sprintf("chat_%d", peer.ChannelID)
	case *tg.PeerChat:
		return fmt.Sprintf("chat_%d", peer.ChatID)
	}
	return fmt.Sprintf("chat_%d", tgChatID)
}

func userTitle(u *tg.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.Username != "" {
		return u.Username
	}
	return fmt.Sprintf("user_%d", u.ID)
}

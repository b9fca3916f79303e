package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-recap-bot/internal/adapters/session"
	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/metrics"
)

const (
	authChannelPrefix  = "telegram:auth:"
	stateChannelPrefix = "telegram:state:"

	connectWait     = 15 * time.Second
	connectWaitStep = 200 * time.Millisecond

	outboxDepth    = 16
	publishTimeout = 5 * time.Second
)

// Bridge связывает веб-слой и менеджер сессий через redis pub/sub.
// Команды приходят на telegram:auth:{userId}, уведомления уходят на
// telegram:state:{userId}.
type Bridge struct {
	rdb   *redis.Client
	mgr   *session.Manager
	users domain.UserRepo
	log   zerolog.Logger

	mu     sync.Mutex
	outbox map[string]chan domain.AuthUpdate
	closed chan struct{}
	once   sync.Once
}

var _ domain.AuthStatePublisher = (*Bridge)(nil)

// NewBridge создаёт мост.
func NewBridge(rdb *redis.Client, mgr *session.Manager, users domain.UserRepo, log zerolog.Logger) *Bridge {
	return &Bridge{
		rdb:    rdb,
		mgr:    mgr,
		users:  users,
		log:    log,
		outbox: make(map[string]chan domain.AuthUpdate),
		closed: make(chan struct{}),
	}
}

// PublishState ставит уведомление в ограниченную очередь пользователя и
// возвращается сразу: публикация не должна задерживать менеджер сессий.
// При переполненной очереди уведомление отбрасывается, доставка best-effort.
func (b *Bridge) PublishState(ctx context.Context, userID string, update domain.AuthUpdate) error {
	select {
	case b.userOutbox(userID) <- update:
	default:
		b.log.Warn().Str("user", userID).Msg("bridge: очередь уведомлений переполнена, уведомление отброшено")
	}
	return nil
}

// userOutbox возвращает очередь пользователя, при первом обращении
// запуская её потребителя.
func (b *Bridge) userOutbox(userID string) chan domain.AuthUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.outbox[userID]
	if !ok {
		ch = make(chan domain.AuthUpdate, outboxDepth)
		b.outbox[userID] = ch
		go b.drainOutbox(userID, ch)
	}
	return ch
}

func (b *Bridge) drainOutbox(userID string, ch <-chan domain.AuthUpdate) {
	for {
		select {
		case <-b.closed:
			return
		case update := <-ch:
			if err := b.publish(userID, update); err != nil {
				b.log.Warn().Err(err).Str("user", userID).Msg("bridge: не удалось опубликовать уведомление")
			}
		}
	}
}

func (b *Bridge) publish(userID string, update domain.AuthUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal auth update: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	start := time.Now()
	err = b.rdb.Publish(ctx, stateChannelPrefix+userID, payload).Err()
	metrics.ObserveNetworkRequest("bridge", "publish", "redis", start, err)
	if err != nil {
		return fmt.Errorf("publish state for %s: %w", userID, err)
	}
	return nil
}

// Close останавливает потребителей очередей уведомлений.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.closed) })
}

// Run восстанавливает клиентов ранее подключённых пользователей и
// обрабатывает команды до отмены контекста.
func (b *Bridge) Run(ctx context.Context) error {
	b.reconnectKnown(ctx)

	sub := b.rdb.PSubscribe(ctx, authChannelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	b.log.Info().Msg("bridge: подписка на команды авторизации активна")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			b.handle(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

// reconnectKnown поднимает клиентов всех пользователей, которые по БД
// не находятся в disconnected. Состояния при этом восстановятся из
// файлов сессий.
func (b *Bridge) reconnectKnown(ctx context.Context) {
	ids, err := b.users.ListConnectedUserIDs(ctx)
	if err != nil {
		b.log.Error().Err(err).Msg("bridge: не удалось получить список подключённых пользователей")
		return
	}
	for _, id := range ids {
		if err := b.mgr.Connect(ctx, id); err != nil {
			b.log.Error().Err(err).Str("user", id).Msg("bridge: не удалось восстановить клиента")
		}
	}
	b.log.Info().Int("count", len(ids)).Msg("bridge: восстановление клиентов запущено")
}

func (b *Bridge) handle(ctx context.Context, channel string, payload []byte) {
	userID := strings.TrimPrefix(channel, authChannelPrefix)
	if err := domain.ValidateUserID(userID); err != nil {
		b.log.Warn().Str("channel", channel).Msg("bridge: канал с недопустимым идентификатором пользователя")
		return
	}

	var cmd domain.AuthCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.publishErr(ctx, userID, "malformed command payload")
		return
	}
	b.log.Info().Str("user", userID).Str("type", string(cmd.Type)).Msg("bridge: команда")

	var err error
	switch cmd.Type {
	case domain.AuthCommandConnect:
		err = b.mgr.Connect(ctx, userID)
	case domain.AuthCommandPhone:
		err = b.withClient(ctx, userID, func() error {
			return b.mgr.SubmitPhone(ctx, userID, cmd.Phone)
		})
	case domain.AuthCommandCode:
		err = b.withClient(ctx, userID, func() error {
			return b.mgr.SubmitCode(ctx, userID, cmd.Code)
		})
	case domain.AuthCommandPassword:
		err = b.withClient(ctx, userID, func() error {
			return b.mgr.SubmitPassword(ctx, userID, cmd.Password)
		})
	case domain.AuthCommandDisconnect:
		err = b.mgr.Disconnect(ctx, userID)
	default:
		b.publishErr(ctx, userID, fmt.Sprintf("unknown command type %q", cmd.Type))
		return
	}
	if err != nil {
		b.log.Error().Err(err).Str("user", userID).Str("type", string(cmd.Type)).Msg("bridge: команда завершилась с ошибкой")
		// Веб-слой ждёт ответа на state-канале: ошибка команды должна
		// дойти туда же, а не остаться в логах воркера.
		b.publishErr(ctx, userID, err.Error())
	}
}

// withClient выполняет операцию, при необходимости поднимая клиента
// на лету: команда с кредами для пользователя без клиента означает,
// что процесс перезапускался посреди авторизации.
func (b *Bridge) withClient(ctx context.Context, userID string, op func() error) error {
	err := op()
	if !errors.Is(err, domain.ErrNoClient) {
		return err
	}
	if err := b.mgr.Connect(ctx, userID); err != nil {
		return err
	}
	if err := b.waitConnected(ctx, userID); err != nil {
		return err
	}
	return op()
}

// waitConnected ждёт, пока свежеподнятый клиент установит соединение
// и уйдёт из disconnected.
func (b *Bridge) waitConnected(ctx context.Context, userID string) error {
	deadline := time.Now().Add(connectWait)
	for time.Now().Before(deadline) {
		if b.mgr.State(userID) != domain.AuthDisconnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectWaitStep):
		}
	}
	return fmt.Errorf("user %s: connection not established: %w", userID, domain.ErrAuthTimeout)
}

func (b *Bridge) publishErr(ctx context.Context, userID, message string) {
	update := domain.AuthUpdate{Type: domain.AuthUpdateError, Message: message}
	if err := b.PublishState(ctx, userID, update); err != nil {
		b.log.Warn().Err(err).Str("user", userID).Msg("bridge: не удалось опубликовать ошибку")
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"tg-recap-bot/internal/adapters/mtproto"
	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/metrics"
)

const (
	// DefaultReadyTimeout — сколько WaitReady ждёт по умолчанию.
	DefaultReadyTimeout = 60 * time.Second

	readyPollInterval = 200 * time.Millisecond
	persistTimeout    = 5 * time.Second
)

// Config — параметры подключения к Telegram.
type Config struct {
	APIID   int
	APIHash string
	// DataDir — корень для файлов сессий, по каталогу на пользователя.
	DataDir string
}

// Manager владеет MTProto-клиентами всех пользователей процесса.
// Клиентские хэндлы наружу не отдаются: потребители получают шлюз
// через domain.SessionProvider.
type Manager struct {
	cfg       Config
	log       zerolog.Logger
	users     domain.UserRepo
	publisher domain.AuthStatePublisher

	mu      sync.Mutex
	clients map[string]*client
}

var _ domain.SessionProvider = (*Manager)(nil)

type client struct {
	userID  string
	tg      *telegram.Client
	gateway *mtproto.Gateway
	cancel  context.CancelFunc
	done    chan struct{}
	// detached выставляется при остановке процесса: состояние в БД
	// при этом не трогаем, пользователь остаётся подключённым логически.
	detached bool

	mu       sync.Mutex
	state    domain.AuthState
	phone    string
	codeHash string
}

func (c *client) currentState() domain.AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NewManager создаёт менеджер сессий. publisher может быть nil,
// тогда уведомления о смене состояний не публикуются.
func NewManager(cfg Config, users domain.UserRepo, publisher domain.AuthStatePublisher, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		log:       log,
		users:     users,
		publisher: publisher,
		clients:   make(map[string]*client),
	}
}

// SetPublisher задаёт издателя уведомлений после создания менеджера.
// Вызывается до подключения первых клиентов: мост и менеджер ссылаются
// друг на друга, и кто-то из них создаётся вторым.
func (m *Manager) SetPublisher(p domain.AuthStatePublisher) {
	m.publisher = p
}

// Connect создаёт и подключает клиента пользователя. Повторный вызов для
// уже подключённого пользователя — no-op.
func (m *Manager) Connect(ctx context.Context, userID string) error {
	if err := domain.ValidateUserID(userID); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.clients[userID]; ok {
		m.mu.Unlock()
		return nil
	}

	dir := filepath.Join(m.cfg.DataDir, userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("create session dir for %s: %w", userID, err)
	}

	tgClient := telegram.NewClient(m.cfg.APIID, m.cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: filepath.Join(dir, "session.json")},
	})
	runCtx, cancel := context.WithCancel(context.Background())
	c := &client{
		userID:  userID,
		tg:      tgClient,
		gateway: mtproto.NewGateway(tgClient.API(), m.log),
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   domain.AuthDisconnected,
	}
	m.clients[userID] = c
	m.mu.Unlock()

	go m.run(runCtx, c)
	return nil
}

// run держит соединение открытым до отмены контекста.
func (m *Manager) run(ctx context.Context, c *client) {
	defer close(c.done)
	err := c.tg.Run(ctx, func(ctx context.Context) error {
		status, err := c.tg.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if status.Authorized {
			m.transition(c, domain.AuthReady)
		} else {
			m.transition(c, domain.AuthAwaitingPhone)
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		m.log.Error().Err(err).Str("user", c.userID).Msg("session: клиент завершился с ошибкой")
		m.publishError(c.userID, err.Error())
	}

	m.mu.Lock()
	detached := c.detached
	if m.clients[c.userID] == c {
		delete(m.clients, c.userID)
	}
	m.mu.Unlock()
	if !detached {
		m.transition(c, domain.AuthDisconnected)
	}
}

// SubmitPhone отправляет номер и запрашивает код подтверждения.
func (m *Manager) SubmitPhone(ctx context.Context, userID, phone string) error {
	c, err := m.client(userID)
	if err != nil {
		return err
	}
	start := time.Now()
	sent, err := c.tg.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	metrics.ObserveNetworkRequest("session", "send_code", "auth", start, err)
	if err != nil {
		m.publishError(userID, err.Error())
		return fmt.Errorf("send code: %w", err)
	}

	switch code := sent.(type) {
	case *tg.AuthSentCode:
		c.mu.Lock()
		c.phone = phone
		c.codeHash = code.PhoneCodeHash
		c.mu.Unlock()
		m.transition(c, domain.AuthAwaitingCode)
		return nil
	case *tg.AuthSentCodeSuccess:
		m.transition(c, domain.AuthReady)
		return nil
	default:
		return fmt.Errorf("send code: unexpected response %T", sent)
	}
}

// SubmitCode завершает вход кодом подтверждения. Если у аккаунта включена
// двухфакторная защита, переводит пользователя в ожидание пароля.
func (m *Manager) SubmitCode(ctx context.Context, userID, code string) error {
	c, err := m.client(userID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	phone, codeHash := c.phone, c.codeHash
	c.mu.Unlock()
	if codeHash == "" {
		return fmt.Errorf("submit code for %s: %w", userID, domain.ErrInvalidAuthState)
	}

	start := time.Now()
	_, err = c.tg.Auth().SignIn(ctx, phone, code, codeHash)
	metrics.ObserveNetworkRequest("session", "sign_in", "auth", start, err)
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		m.transition(c, domain.AuthAwaitingPassword)
		return nil
	}
	if err != nil {
		m.publishError(userID, err.Error())
		return fmt.Errorf("sign in: %w", err)
	}
	m.transition(c, domain.AuthReady)
	return nil
}

// SubmitPassword завершает вход паролем двухфакторной защиты.
func (m *Manager) SubmitPassword(ctx context.Context, userID, password string) error {
	c, err := m.client(userID)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = c.tg.Auth().Password(ctx, password)
	metrics.ObserveNetworkRequest("session", "check_password", "auth", start, err)
	if err != nil {
		m.publishError(userID, err.Error())
		return fmt.Errorf("check password: %w", err)
	}
	m.transition(c, domain.AuthReady)
	return nil
}

// Disconnect выполняет best-effort выход и всегда закрывает клиента.
// Файл сессии удаляется, чтобы следующий Connect начал авторизацию заново.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	c, err := m.client(userID)
	if err != nil {
		return err
	}

	start := time.Now()
	_, logoutErr := c.tg.API().AuthLogOut(ctx)
	metrics.ObserveNetworkRequest("session", "log_out", "auth", start, logoutErr)
	if logoutErr != nil {
		m.log.Warn().Err(logoutErr).Str("user", userID).Msg("session: выход не удался, закрываю клиента")
	}

	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	if err := os.Remove(filepath.Join(m.cfg.DataDir, userID, "session.json")); err != nil && !os.IsNotExist(err) {
		m.log.Warn().Err(err).Str("user", userID).Msg("session: не удалось удалить файл сессии")
	}
	return nil
}

// Gateway возвращает шлюз пользователя. Требует состояния ready.
func (m *Manager) Gateway(ctx context.Context, userID string) (domain.TelegramGateway, error) {
	c, err := m.client(userID)
	if err != nil {
		return nil, err
	}
	if st := c.currentState(); st != domain.AuthReady {
		return nil, fmt.Errorf("user %s in state %s: %w", userID, st, domain.ErrInvalidAuthState)
	}
	return c.gateway, nil
}

// WaitReady опрашивает состояние до ready, таймаута или отмены контекста.
func (m *Manager) WaitReady(ctx context.Context, userID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(readyPollInterval)
	defer tick.Stop()

	for {
		c, err := m.client(userID)
		if err != nil {
			return err
		}
		if c.currentState() == domain.AuthReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("user %s: %w", userID, domain.ErrAuthTimeout)
		case <-tick.C:
		}
	}
}

// State возвращает кэшированное состояние пользователя.
func (m *Manager) State(userID string) domain.AuthState {
	m.mu.Lock()
	c, ok := m.clients[userID]
	m.mu.Unlock()
	if !ok {
		return domain.AuthDisconnected
	}
	return c.currentState()
}

// CloseAll закрывает всех клиентов при остановке процесса, не меняя
// состояний в БД.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		c.detached = true
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.cancel()
	}
	for _, c := range clients {
		select {
		case <-c.done:
		case <-ctx.Done():
			m.log.Warn().Str("user", c.userID).Msg("session: клиент не успел закрыться")
			return
		}
	}
}

func (m *Manager) client(userID string) (*client, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrNoClient)
	}
	return c, nil
}

// transition меняет кэшированное состояние, сохраняет его в БД и публикует
// уведомление. Сохранение и публикация best-effort: источник истины для
// «кто подключён» — БД, для «готов ли прямо сейчас» — кэш менеджера.
func (m *Manager) transition(c *client, state domain.AuthState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	metrics.AuthStateTransitions.WithLabelValues(string(state)).Inc()
	m.log.Info().Str("user", c.userID).Str("state", string(state)).Msg("session: смена состояния")

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.users.UpdateAuthState(ctx, c.userID, state); err != nil {
		m.log.Error().Err(err).Str("user", c.userID).Msg("session: не удалось сохранить состояние")
	}
	if m.publisher != nil {
		update := domain.AuthUpdate{Type: domain.AuthUpdateState, State: state}
		if err := m.publisher.PublishState(ctx, c.userID, update); err != nil {
			m.log.Warn().Err(err).Str("user", c.userID).Msg("session: не удалось опубликовать состояние")
		}
	}
}

func (m *Manager) publishError(userID, message string) {
	if m.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	update := domain.AuthUpdate{Type: domain.AuthUpdateError, Message: message}
	if err := m.publisher.PublishState(ctx, userID, update); err != nil {
		m.log.Warn().Err(err).Str("user", userID).Msg("session: не удалось опубликовать ошибку")
	}
}

package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tg-recap-bot/internal/adapters/repo"
	"tg-recap-bot/internal/adapters/session"
	"tg-recap-bot/internal/infra/config"
	"tg-recap-bot/internal/infra/db"
	applog "tg-recap-bot/internal/infra/log"
)

var flagUser string

var rootCmd = &cobra.Command{
	Use:           "recap",
	Short:         "Операторские команды сервиса дайджестов",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", "", "идентификатор пользователя")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(authStatusCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(sendTestCmd)
	rootCmd.AddCommand(runCmd)
}

func requireUser() (string, error) {
	if flagUser == "" {
		return "", errors.New("нужен флаг --user")
	}
	return flagUser, nil
}

// app — общие зависимости команд, собираются лениво по мере надобности.
type app struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.AppConfig
	log    zerolog.Logger

	pool  *pgxpool.Pool
	store *repo.Postgres
}

func newApp() *app {
	cfg := config.Load()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return &app{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		log:    applog.NewLogger(cfg.AppEnv),
	}
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	a.cancel()
}

func (a *app) database() (*repo.Postgres, error) {
	if a.store != nil {
		return a.store, nil
	}
	a.cfg.RequirePG()
	pool, err := db.Connect(a.cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.store = repo.NewPostgres(pool)
	return a.store, nil
}

func (a *app) sessions() (*session.Manager, error) {
	a.cfg.RequireTelegram()
	store, err := a.database()
	if err != nil {
		return nil, err
	}
	mgr := session.NewManager(session.Config{
		APIID:   a.cfg.Telegram.APIID,
		APIHash: a.cfg.Telegram.APIHash,
		DataDir: a.cfg.Telegram.DataDir,
	}, store, nil, a.log.With().Str("component", "session").Logger())
	return mgr, nil
}

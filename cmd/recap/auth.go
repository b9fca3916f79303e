package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tg-recap-bot/internal/adapters/session"
	"tg-recap-bot/internal/domain"
)

const connectWait = 15 * time.Second

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Интерактивный вход в Telegram",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		a := newApp()
		defer a.close()

		store, err := a.database()
		if err != nil {
			return err
		}
		if _, err := store.UpsertUser(a.ctx, userID); err != nil {
			return err
		}

		mgr, err := a.sessions()
		if err != nil {
			return err
		}
		defer mgr.CloseAll(a.ctx)
		if err := mgr.Connect(a.ctx, userID); err != nil {
			return err
		}
		if err := waitConnected(a.ctx, mgr, userID); err != nil {
			return err
		}
		if mgr.State(userID) == domain.AuthReady {
			fmt.Println("сессия уже авторизована")
			return nil
		}

		reader := bufio.NewReader(os.Stdin)
		phone, err := prompt(reader, "Телефон (с кодом страны): ")
		if err != nil {
			return err
		}
		if err := mgr.SubmitPhone(a.ctx, userID, phone); err != nil {
			return err
		}
		if mgr.State(userID) != domain.AuthReady {
			code, err := prompt(reader, "Код подтверждения: ")
			if err != nil {
				return err
			}
			if err := mgr.SubmitCode(a.ctx, userID, code); err != nil {
				return err
			}
		}
		if mgr.State(userID) == domain.AuthAwaitingPassword {
			password, err := prompt(reader, "Пароль двухфакторной защиты: ")
			if err != nil {
				return err
			}
			if err := mgr.SubmitPassword(a.ctx, userID, password); err != nil {
				return err
			}
		}
		if err := mgr.WaitReady(a.ctx, userID, time.Minute); err != nil {
			return err
		}
		fmt.Println("авторизация завершена")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "auth-status",
	Short: "Показать состояние авторизации пользователя",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		a := newApp()
		defer a.close()

		store, err := a.database()
		if err != nil {
			return err
		}
		user, err := store.GetUser(a.ctx, userID)
		if err != nil {
			return err
		}
		fmt.Printf("пользователь:  %s\n", user.ID)
		fmt.Printf("состояние:     %s\n", user.AuthState)
		fmt.Printf("зона:          %s, час доставки %02d:00\n", user.Timezone, user.DigestHourLocal)
		if user.LastIngestAt != nil {
			fmt.Printf("выгрузка:      %s\n", user.LastIngestAt.Format(time.RFC3339))
		}
		if user.LastDigestAt != nil {
			fmt.Printf("дайджест:      %s\n", user.LastDigestAt.Format(time.RFC3339))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Выйти из Telegram и закрыть сессию",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		a := newApp()
		defer a.close()

		mgr, err := a.sessions()
		if err != nil {
			return err
		}
		if err := mgr.Connect(a.ctx, userID); err != nil {
			return err
		}
		if err := waitConnected(a.ctx, mgr, userID); err != nil {
			return err
		}
		if err := mgr.Disconnect(a.ctx, userID); err != nil {
			return err
		}
		fmt.Println("сессия закрыта")
		return nil
	},
}

func prompt(reader *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// waitConnected ждёт, пока клиент установит соединение и определит
// исходное состояние.
func waitConnected(ctx context.Context, mgr *session.Manager, userID string) error {
	deadline := time.Now().Add(connectWait)
	for time.Now().Before(deadline) {
		if mgr.State(userID) != domain.AuthDisconnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("user %s: %w", userID, domain.ErrAuthTimeout)
}

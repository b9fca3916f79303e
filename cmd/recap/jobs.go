package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tg-recap-bot/internal/adapters/llm"
	"tg-recap-bot/internal/adapters/telegram"
	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/openai"
	digestusecase "tg-recap-bot/internal/usecase/digest"
	ingestusecase "tg-recap-bot/internal/usecase/ingest"
)

var (
	flagDryRun     bool
	flagDigestDate string
)

func init() {
	ingestCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "ничего не сохранять, только посчитать")
	digestCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "не сохранять и не отправлять, вывести на экран")
	digestCmd.Flags().StringVar(&flagDigestDate, "date", "", "дата дайджеста (yyyy-mm-dd, по умолчанию вчера)")
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Выполнить один проход выгрузки сообщений",
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
		mgr, err := a.sessions()
		if err != nil {
			return err
		}
		defer mgr.CloseAll(a.ctx)
		if err := mgr.Connect(a.ctx, userID); err != nil {
			return err
		}
		if err := mgr.WaitReady(a.ctx, userID, time.Minute); err != nil {
			return err
		}

		service := ingestusecase.NewService(mgr, store, store, store, store, ingestusecase.Config{
			DialogLimit:     a.cfg.Ingest.DialogLimit,
			MessagesPerChat: a.cfg.Ingest.MessagesPerChat,
			Allowlist:       a.cfg.Ingest.ChatAllowlist,
			Blocklist:       a.cfg.Ingest.ChatBlocklist,
		}, a.log.With().Str("component", "ingest").Logger())

		stats, err := service.Run(a.ctx, userID, flagDryRun)
		if err != nil {
			return err
		}
		fmt.Printf("чатов: %d, получено: %d, сохранено: %d\n", stats.Chats, stats.Fetched, stats.Saved)
		return nil
	},
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Построить (и при настроенной доставке отправить) дайджест",
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

		a.cfg.RequireLLM()
		generator := llm.NewGenerator(
			openai.NewClient(a.cfg.LLM.APIKey, a.cfg.LLM.BaseURL, a.cfg.LLM.Timeout),
			a.cfg.LLM.Model,
			a.log.With().Str("component", "llm").Logger(),
		)
		sender := telegram.NewSender(a.log.With().Str("component", "telegram").Logger())
		service := digestusecase.NewService(store, store, store, generator, sender,
			a.log.With().Str("component", "digest").Logger())

		job := domain.DigestJob{
			UserID:       user.ID,
			DigestDate:   flagDigestDate,
			Timezone:     user.Timezone,
			BotToken:     user.BotToken,
			DigestChatID: user.DigestChatID,
		}
		result, err := service.Run(a.ctx, job, flagDryRun)
		if err != nil {
			return err
		}
		if flagDryRun {
			fmt.Println(result.Content)
			return nil
		}
		fmt.Printf("дайджест за %s построен, сообщений: %d\n", result.Date, result.MessageCount)
		return nil
	},
}

var sendTestCmd = &cobra.Command{
	Use:   "send-test",
	Short: "Отправить тестовое сообщение через бота пользователя",
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
		if !user.HasDeliveryCredentials() {
			return fmt.Errorf("у пользователя %s не настроена доставка", userID)
		}

		sender := telegram.NewSender(a.log.With().Str("component", "telegram").Logger())
		text := fmt.Sprintf("Test message from digest service (%s)", time.Now().UTC().Format(time.RFC3339))
		if err := sender.SendDigest(a.ctx, user.BotToken, user.DigestChatID, text); err != nil {
			return err
		}
		fmt.Println("тестовое сообщение отправлено")
		return nil
	},
}

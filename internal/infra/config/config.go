package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Telegram struct {
		APIID   int    `envconfig:"TELEGRAM_API_ID"`
		APIHash string `envconfig:"TELEGRAM_API_HASH"`
		DataDir string `envconfig:"TELEGRAM_DATA_DIR" default:"data/sessions"`
	} `envconfig:""`

	LLM struct {
		BaseURL string        `envconfig:"LLM_BASE_URL" default:"https://api.openai.com/v1"`
		APIKey  string        `envconfig:"LLM_API_KEY"`
		Model   string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
		Timeout time.Duration `envconfig:"LLM_TIMEOUT" default:"120s"`
	} `envconfig:""`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	Ingest struct {
		DialogLimit     int      `envconfig:"INGEST_DIALOG_LIMIT" default:"100"`
		MessagesPerChat int      `envconfig:"INGEST_MESSAGES_PER_CHAT" default:"300"`
		ChatAllowlist   []string `envconfig:"CHAT_ALLOWLIST"`
		ChatBlocklist   []string `envconfig:"CHAT_BLOCKLIST"`
	} `envconfig:""`

	Worker struct {
		Concurrency   int           `envconfig:"WORKER_CONCURRENCY" default:"3"`
		StallInterval time.Duration `envconfig:"WORKER_STALL_INTERVAL" default:"60s"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// RequireTelegram завершает процесс, если не заданы MTProto-учётные данные.
func (c AppConfig) RequireTelegram() {
	if c.Telegram.APIID == 0 || c.Telegram.APIHash == "" {
		log.Fatal("не заданы TELEGRAM_API_ID/TELEGRAM_API_HASH")
	}
}

// RequireLLM завершает процесс, если не задан ключ текстовой модели.
func (c AppConfig) RequireLLM() {
	if c.LLM.APIKey == "" {
		log.Fatal("не задан LLM_API_KEY")
	}
}

// RequirePG завершает процесс, если не задан DSN Postgres.
func (c AppConfig) RequirePG() {
	if c.PGDSN == "" {
		log.Fatal("не задан PG_DSN")
	}
}

package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/openai"
)

const (
	maxTokens   = 2000
	temperature = 0.7

	maxRetries = 2
	baseDelay  = time.Second
)

// Generator реализует domain.Generator поверх OpenAI-совместимого API
// с повторами для временных сбоев.
type Generator struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
	// sleep подменяется в тестах.
	sleep func(time.Duration)
}

var _ domain.Generator = (*Generator)(nil)

// NewGenerator создаёт генератор для указанной модели.
func NewGenerator(client *openai.Client, model string, log zerolog.Logger) *Generator {
	return &Generator{client: client, model: model, log: log, sleep: time.Sleep}
}

// Generate выполняет один вызов модели. Временные сбои (таймауты, обрывы,
// 429, 5xx) повторяются с удвоением паузы, ошибки вида 4xx — нет.
func (g *Generator) Generate(ctx context.Context, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: system},
			{Role: openai.RoleUser, Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			g.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("llm: повтор после временного сбоя")
			g.sleep(delay)
			delay *= 2
		}

		resp, err := g.client.CreateChatCompletion(ctx, req)
		if err == nil {
			// Ответ без choices — пустой результат, не ошибка.
			if len(resp.Choices) == 0 {
				return "", nil
			}
			return resp.Choices[0].Message.Content, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !openai.IsRetryable(err) {
			return "", fmt.Errorf("chat completion: %w", err)
		}
	}
	return "", fmt.Errorf("chat completion after %d attempts: %w", maxRetries+1, lastErr)
}

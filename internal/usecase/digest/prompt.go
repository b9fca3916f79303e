package digest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tg-recap-bot/internal/domain"
)

// maxLineRunes — предел длины текста одного сообщения в промпте.
const maxLineRunes = 500

const systemPrompt = `You are a helpful assistant that creates daily digests of Telegram messages.

Your task is to:
1. Summarize each conversation concisely
2. Identify any action items, questions directed at the user, or things requiring follow-up
3. Highlight important information (dates, deadlines, links, decisions)

Format your response as a clear, scannable digest with sections for:
- Summary (bullet points per chat)
- Action Items / Follow-ups (if any)
- Important Notes (if any)

Be concise but don't miss important details. Use markdown formatting.`

type chatSection struct {
	title string
	lines []string
}

// buildUserPrompt группирует сообщения по чатам в порядке первого появления
// и собирает пользовательскую часть промпта.
func buildUserPrompt(messages []domain.DigestMessage, date string, loc *time.Location) string {
	var sections []*chatSection
	index := make(map[int64]*chatSection)
	for _, msg := range messages {
		section, ok := index[msg.ChatID]
		if !ok {
			title := msg.ChatTitle
			if title == "" {
				title = strconv.FormatInt(msg.ChatID, 10)
			}
			section = &chatSection{title: title}
			index[msg.ChatID] = section
			sections = append(sections, section)
		}
		section.lines = append(section.lines, formatLine(msg, loc))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Here are my Telegram messages from %s. Please provide:\n", date)
	b.WriteString("1. A brief summary of each conversation/chat\n")
	b.WriteString("2. Any action items or follow-ups I should do\n")
	b.WriteString("3. Important information I shouldn't miss\n\n")
	b.WriteString("---\n\n")
	for _, section := range sections {
		fmt.Fprintf(&b, "## %s\n", section.title)
		for _, line := range section.lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func formatLine(msg domain.DigestMessage, loc *time.Location) string {
	sender := msg.SenderName
	if sender == "" {
		sender = "Unknown"
	}
	text := msg.Text
	if text == "" {
		if msg.HasMedia {
			kind := string(msg.MediaType)
			if kind == "" {
				kind = "media"
			}
			text = "[" + kind + "]"
		} else {
			text = "[empty]"
		}
	}
	if runes := []rune(text); len(runes) > maxLineRunes {
		text = string(runes[:maxLineRunes]) + "..."
	}
	return fmt.Sprintf("[%s] %s: %s", msg.Date.In(loc).Format("15:04"), sender, text)
}

package telegram

import "strings"

// DefaultMessageLimit — предел размера исходящего сообщения.
const DefaultMessageLimit = 4000

// SplitMessage разбивает текст на части не длиннее maxLength рун.
// Предпочтительная точка разрыва — пустая строка, затем перевод строки,
// затем пробел (не раньше середины части), иначе жёсткий разрыв.
func SplitMessage(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = DefaultMessageLimit
	}
	runes := []rune(text)
	if len(runes) <= maxLength {
		return []string{text}
	}

	var parts []string
	remaining := runes
	for len(remaining) > 0 {
		if len(remaining) <= maxLength {
			parts = append(parts, string(remaining))
			break
		}

		split := lastIndexWithin(remaining, "\n\n", maxLength)
		if split == -1 || split < maxLength/2 {
			split = lastIndexWithin(remaining, "\n", maxLength)
		}
		if split == -1 || split < maxLength/2 {
			split = lastIndexWithin(remaining, " ", maxLength)
		}
		if split == -1 {
			split = maxLength
		}

		parts = append(parts, string(remaining[:split]))
		remaining = trimLeftSpace(remaining[split:])
	}

	return parts
}

// lastIndexWithin ищет последнее вхождение sep, начинающееся не позже limit.
func lastIndexWithin(runes []rune, sep string, limit int) int {
	sepRunes := []rune(sep)
	end := limit
	if end > len(runes)-len(sepRunes) {
		end = len(runes) - len(sepRunes)
	}
	for i := end; i >= 0; i-- {
		if string(runes[i:i+len(sepRunes)]) == sep {
			return i
		}
	}
	return -1
}

func trimLeftSpace(runes []rune) []rune {
	trimmed := strings.TrimLeft(string(runes), " \n\t\r")
	return []rune(trimmed)
}

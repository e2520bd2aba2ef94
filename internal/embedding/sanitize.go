package embedding

import (
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// emptyPlaceholder replaces texts that end up empty after sanitization, so
// the provider always receives something embeddable.
const emptyPlaceholder = "[empty]"

// sanitize cleans one text before it may reach a provider: NUL bytes go,
// control characters except tab and newline go, whitespace-only collapses
// to the placeholder, and anything over maxChars is truncated.
func sanitize(text string, maxChars int, logger *zap.Logger) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == 0 {
			return -1
		}
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			return -1
		}
		return r
	}, text)

	if cleaned != text {
		logger.Info("sanitized embedding text",
			zap.Int("removed_chars", len(text)-len(cleaned)))
	}
	if strings.TrimSpace(cleaned) == "" {
		logger.Info("replaced empty embedding text with placeholder")
		return emptyPlaceholder
	}
	if maxChars > 0 && len(cleaned) > maxChars {
		logger.Info("truncated embedding text",
			zap.Int("from", len(cleaned)),
			zap.Int("to", maxChars))
		cleaned = cleaned[:maxChars]
	}
	return cleaned
}

package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"arbor/internal/llm"
)

const (
	maxTitleWords = 8
	maxTitleRunes = 60
	titleTimeout  = 10 * time.Second
)

// generateTitle asks the LM to name the conversation after its first user
// prompt. On any failure it falls back to a cleaned-up truncation of the
// prompt itself, so the caller always gets something displayable.
func generateTitle(ctx context.Context, provider llm.Provider, model, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("prompt required")
	}

	cctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	resp, err := provider.Chat(cctx, []llm.Message{
		{
			Role: "system",
			Content: "Name this conversation. Reply with one short noun-phrase title of at most eight words, " +
				"plain text, no quotes, no markdown, no trailing punctuation.",
		},
		{Role: "user", Content: prompt},
	}, model)
	if err != nil {
		return promptFallback(prompt), err
	}
	title := cleanTitle(resp.Content)
	if title == "" {
		return promptFallback(prompt), fmt.Errorf("unusable title from provider")
	}
	return title, nil
}

// cleanTitle reduces raw model output to a one-line display title: the first
// maxTitleWords whitespace-separated words, stripped of any wrapping quote,
// bullet or punctuation runes, capped at maxTitleRunes. Inner punctuation
// survives so titles like "CI/CD pipeline design" stay intact.
func cleanTitle(raw string) string {
	words := strings.Fields(raw)
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	title := strings.TrimFunc(strings.Join(words, " "), func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = strings.TrimRightFunc(string(runes[:maxTitleRunes]), unicode.IsSpace)
	}
	return title
}

// promptFallback derives a title directly from the user's prompt when the
// model can't provide one.
func promptFallback(prompt string) string {
	if title := cleanTitle(prompt); title != "" {
		return title
	}
	return "Conversation"
}

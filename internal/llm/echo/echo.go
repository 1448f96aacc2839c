// Package echo provides a deterministic offline provider. It answers by
// reflecting the last user message, which keeps the full pipeline exercisable
// without credentials and gives tests stable output.
package echo

import (
	"context"
	"strings"

	"arbor/internal/llm"
)

type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	return llm.Message{Role: "assistant", Content: p.respond(msgs)}, nil
}

func (p *Provider) ChatStream(ctx context.Context, msgs []llm.Message, model string, h llm.StreamHandler) error {
	for _, word := range strings.Fields(p.respond(msgs)) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		h.OnDelta(word + " ")
	}
	return nil
}

func (p *Provider) respond(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return "echo: " + msgs[i].Content
		}
	}
	return "echo: (empty)"
}

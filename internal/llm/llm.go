package llm

import (
	"context"
	"errors"
	"net"
)

// Message is one entry of the prompt handed to a provider.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// StreamHandler receives incremental output from a streaming completion.
type StreamHandler interface {
	OnDelta(content string)
}

// StreamFunc adapts a plain function to a StreamHandler.
type StreamFunc func(content string)

func (f StreamFunc) OnDelta(content string) { f(content) }

// Provider is the narrow capability set the rest of the system depends on.
// Implementations: OpenAI-compatible, Anthropic, and a deterministic echo
// provider used offline and in tests.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, model string) (Message, error)
	ChatStream(ctx context.Context, msgs []Message, model string, h StreamHandler) error
}

// Embedder turns texts into dense vectors. Deterministic for identical inputs.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	// Model identifies the embedding model; stores refuse to mix models.
	Model() string
	Dimension() int
}

// TransientError is implemented by provider error wrappers that know whether
// the failure is worth a single retry (rate limits, timeouts, 5xx-class
// upstream trouble) as opposed to permanent ones (auth, unknown model).
type TransientError interface {
	error
	Transient() bool
}

// IsTransient reports whether err should be retried once. Provider packages
// classify their own SDK errors via TransientError; deadline expiry and
// network timeouts are transient for any provider.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te TransientError
	if errors.As(err, &te) {
		return te.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

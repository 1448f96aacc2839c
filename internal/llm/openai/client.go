package openai

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog/log"

	"arbor/internal/config"
	"arbor/internal/llm"
)

// Client implements llm.Provider against any OpenAI-compatible endpoint.
type Client struct {
	sdk   sdk.Client
	model string
}

func New(cfg config.OpenAIConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	opts = append(opts, option.WithHTTPClient(httpClient))
	return &Client{
		sdk:   sdk.NewClient(opts...),
		model: cfg.Model,
	}
}

func (c *Client) pickModel(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.model
}

// Chat implements llm.Provider.Chat using OpenAI Chat Completions.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.pickModel(model)),
		Messages: adaptMessages(msgs),
	}

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("chat_completion_error")
		return llm.Message{}, classify(err)
	}
	log.Debug().
		Str("model", string(params.Model)).
		Dur("duration", dur).
		Int("messages", len(msgs)).
		Int("prompt_tokens", int(comp.Usage.PromptTokens)).
		Int("completion_tokens", int(comp.Usage.CompletionTokens)).
		Msg("chat_completion_ok")
	if len(comp.Choices) == 0 {
		return llm.Message{}, errors.New("no choices returned")
	}
	return llm.Message{Role: "assistant", Content: comp.Choices[0].Message.Content}, nil
}

// ChatStream implements streaming chat completions.
func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, model string, h llm.StreamHandler) error {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.pickModel(model)),
		Messages: adaptMessages(msgs),
	}
	params.StreamOptions.IncludeUsage = sdk.Bool(true)

	start := time.Now()
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() {
		_ = stream.Close()
	}()

	var promptTokens, completionTokens int
	for stream.Next() {
		chunk := stream.Current()
		if chunk.JSON.Usage.Valid() && chunk.JSON.Usage.Raw() != "null" {
			promptTokens = int(chunk.Usage.PromptTokens)
			completionTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			h.OnDelta(delta)
		}
	}

	err := stream.Err()
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("chat_stream_error")
		return classify(err)
	}
	log.Debug().
		Str("model", string(params.Model)).
		Dur("duration", dur).
		Int("prompt_tokens", promptTokens).
		Int("completion_tokens", completionTokens).
		Msg("chat_stream_ok")
	return nil
}

func adaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

// requestError carries the retryability verdict for an OpenAI API failure,
// implementing llm.TransientError.
type requestError struct {
	err       error
	transient bool
}

func (e *requestError) Error() string   { return e.err.Error() }
func (e *requestError) Unwrap() error   { return e.err }
func (e *requestError) Transient() bool { return e.transient }

// classify wraps an SDK error with its retry classification: rate limits,
// request timeouts and 5xx responses are transient; auth and unknown-model
// failures are permanent.
func classify(err error) error {
	var apiErr *sdk.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &apiErr):
		transient := apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode == http.StatusRequestTimeout ||
			apiErr.StatusCode >= 500
		return &requestError{err: err, transient: transient}
	case errors.Is(err, context.DeadlineExceeded):
		return &requestError{err: err, transient: true}
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			return &requestError{err: err, transient: true}
		}
		return err
	}
}

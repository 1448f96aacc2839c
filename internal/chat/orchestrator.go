package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"arbor/internal/archive"
	"arbor/internal/conversation"
	"arbor/internal/llm"
	"arbor/internal/retrieval"
)

// ErrBusy signals that the LM call pool is exhausted; callers should answer
// with a retryable 503.
var ErrBusy = errors.New("llm pool exhausted")

const retryBackoff = 500 * time.Millisecond

// Event frame types sent over a turn's stream.
const (
	EventToken = "token"
	EventTitle = "title"
	EventDone  = "done"
	EventError = "error"
)

// Event is one frame of a streamed turn. The orchestrator produces a lazy
// sequence of these; the HTTP layer is a thin adapter to SSE.
type Event struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// TurnResult is the drained form of a stream, for non-streaming callers.
type TurnResult struct {
	Response string
	Title    string
}

// Config tunes the orchestrator.
type Config struct {
	ChatModel        string
	RetrievalDefault bool
	// MaxConcurrentTurns bounds in-flight LM work across all nodes.
	MaxConcurrentTurns int
}

// Orchestrator drives one conversation turn end to end: append, retrieve,
// assemble, stream, archive, summarize, title. Turns on the same node are
// serialized; turns on different nodes run in parallel.
type Orchestrator struct {
	forest     *conversation.Forest
	arch       *archive.Archive
	provider   llm.Provider
	decomposer *retrieval.Decomposer
	retriever  *retrieval.Retriever
	summarizer *conversation.Summarizer

	chatModel        string
	retrievalDefault bool
	sem              chan struct{}
}

func NewOrchestrator(
	forest *conversation.Forest,
	arch *archive.Archive,
	provider llm.Provider,
	decomposer *retrieval.Decomposer,
	retriever *retrieval.Retriever,
	summarizer *conversation.Summarizer,
	cfg Config,
) *Orchestrator {
	if cfg.MaxConcurrentTurns < 1 {
		cfg.MaxConcurrentTurns = 32
	}
	return &Orchestrator{
		forest:           forest,
		arch:             arch,
		provider:         provider,
		decomposer:       decomposer,
		retriever:        retriever,
		summarizer:       summarizer,
		chatModel:        cfg.ChatModel,
		retrievalDefault: cfg.RetrievalDefault,
		sem:              make(chan struct{}, cfg.MaxConcurrentTurns),
	}
}

// StreamTurn starts one turn and returns its event stream. Validation
// errors (missing node, empty message, pool exhaustion) surface immediately;
// everything after that arrives as frames. The channel closes when the turn
// is over; after an error frame no done frame follows.
func (o *Orchestrator) StreamTurn(ctx context.Context, nodeID, userText string, disableRetrieval bool) (<-chan Event, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, conversation.ErrEmptyText
	}
	node, err := o.forest.Get(nodeID)
	if err != nil {
		return nil, err
	}
	select {
	case o.sem <- struct{}{}:
	default:
		return nil, ErrBusy
	}

	events := make(chan Event, 16)
	go func() {
		defer func() { <-o.sem }()
		defer close(events)
		o.runTurn(ctx, node, userText, disableRetrieval, events)
	}()
	return events, nil
}

// Turn is the non-streaming variant: it drains the stream and returns the
// assembled response.
func (o *Orchestrator) Turn(ctx context.Context, nodeID, userText string, disableRetrieval bool) (TurnResult, error) {
	events, err := o.StreamTurn(ctx, nodeID, userText, disableRetrieval)
	if err != nil {
		return TurnResult{}, err
	}
	var sb strings.Builder
	var res TurnResult
	for ev := range events {
		switch ev.Type {
		case EventToken:
			sb.WriteString(ev.Content)
		case EventTitle:
			res.Title = ev.Content
		case EventError:
			return TurnResult{}, errors.New(ev.Content)
		}
	}
	res.Response = sb.String()
	return res, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, node *conversation.Node, userText string, disableRetrieval bool, events chan<- Event) {
	start := time.Now()
	if err := node.BeginTurn(ctx); err != nil {
		return
	}
	defer node.EndTurn()

	userTurn, _, err := node.Append(conversation.RoleUser, userText)
	if err != nil {
		// Validated before the stream opened; reaching this would corrupt
		// turn accounting, so fail the turn loudly.
		emit(ctx, events, Event{Type: EventError, Content: err.Error()})
		return
	}
	firstAssistantTurn := !hasAssistantTurn(node)
	o.arch.Index(ctx, recordFor(userTurn, node.Title()))
	o.summarizer.MaybeSummarize(ctx, node)

	retrievalRan := o.retrievalDefault && !disableRetrieval
	snap := node.Snapshot()
	var records []archive.Record
	if retrievalRan {
		records = o.retrieve(ctx, snap, userText)
	}
	msgs := BuildMessages(snap, records)

	var sb strings.Builder
	var firstTokenAt time.Duration
	streamErr := o.chatStreamWithRetry(ctx, msgs, func(delta string) {
		if sb.Len() == 0 {
			firstTokenAt = time.Since(start)
		}
		sb.WriteString(delta)
		emit(ctx, events, Event{Type: EventToken, Content: delta})
	})

	if ctx.Err() != nil {
		// Client gone: cancel cleanly, discard any assistant prefix so no
		// partial turn reaches the buffer or the archive.
		log.Info().Str("node_id", node.ID()).Msg("turn_canceled")
		return
	}
	if streamErr != nil {
		emit(ctx, events, Event{Type: EventError, Content: "language model error: " + streamErr.Error()})
		return
	}

	assistantText := sb.String()
	if strings.TrimSpace(assistantText) == "" {
		emit(ctx, events, Event{Type: EventError, Content: "language model returned no content"})
		return
	}
	assistantTurn, _, err := node.Append(conversation.RoleAssistant, assistantText)
	if err != nil {
		emit(ctx, events, Event{Type: EventError, Content: err.Error()})
		return
	}
	o.arch.Index(ctx, recordFor(assistantTurn, node.Title()))
	o.summarizer.MaybeSummarize(ctx, node)

	if firstAssistantTurn && node.HasDefaultTitle() {
		title, err := generateTitle(ctx, o.provider, o.chatModel, userText)
		if err != nil {
			log.Warn().Err(err).Str("node_id", node.ID()).Msg("title_generation_fallback")
		}
		if title != "" {
			node.SetTitle(title)
			emit(ctx, events, Event{Type: EventTitle, Content: title})
		}
	}

	emit(ctx, events, Event{Type: EventDone})

	log.Info().
		Str("node_id", node.ID()).
		Int("input_tokens", estimateTokens(msgs)).
		Int("output_tokens", len(assistantText)/4).
		Dur("first_token_latency", firstTokenAt).
		Dur("total_latency", time.Since(start)).
		Bool("retrieval_ran", retrievalRan).
		Int("retrieved_records", len(records)).
		Msg("turn_complete")
}

// retrieve decomposes the query and collects archived context. Failures
// degrade to an empty result; the turn proceeds without step 3.
func (o *Orchestrator) retrieve(ctx context.Context, snap conversation.Snapshot, userText string) []archive.Record {
	subQueries, intent := o.decomposer.Decompose(ctx, userText)
	records, err := o.retriever.Retrieve(ctx, subQueries, snap.OldestTimestamp, snap.HasTurns)
	if err != nil {
		log.Warn().Err(err).Str("intent", string(intent)).Msg("retrieval_failed")
		return nil
	}
	return records
}

// chatStreamWithRetry retries once with backoff on transient errors, but
// only when nothing has been forwarded yet; a half-streamed answer cannot be
// restarted without duplicating output.
func (o *Orchestrator) chatStreamWithRetry(ctx context.Context, msgs []llm.Message, onDelta func(string)) error {
	streamed := false
	h := llm.StreamFunc(func(delta string) {
		streamed = true
		onDelta(delta)
	})
	err := o.provider.ChatStream(ctx, msgs, o.chatModel, h)
	if err == nil || streamed || ctx.Err() != nil || !llm.IsTransient(err) {
		return err
	}
	log.Warn().Err(err).Msg("chat_stream_retrying")
	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	return o.provider.ChatStream(ctx, msgs, o.chatModel, h)
}

func emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func recordFor(turn conversation.Turn, nodeTitle string) archive.Record {
	return archive.Record{
		ID:        uuid.NewString(),
		NodeID:    turn.NodeID,
		Role:      turn.Role,
		Text:      turn.Text,
		Timestamp: turn.Timestamp,
		NodeTitle: nodeTitle,
	}
}

func hasAssistantTurn(node *conversation.Node) bool {
	for _, t := range node.Recent(0) {
		if t.Role == conversation.RoleAssistant {
			return true
		}
	}
	return false
}

// estimateTokens is the rough chars/4 heuristic; good enough for per-turn
// metrics without shipping a tokenizer.
func estimateTokens(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total / 4
}

package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"arbor/internal/archive"
	"arbor/internal/conversation"
	"arbor/internal/embeddings"
	"arbor/internal/llm"
	"arbor/internal/retrieval"
)

// fakeProvider scripts both the streaming completion and the auxiliary Chat
// calls (classification, expansion, titles, summaries).
type fakeProvider struct {
	mu          sync.Mutex
	streamParts []string
	streamErr   error
	// blockUntilCancel makes ChatStream emit its parts then wait for the
	// context to die, simulating a hung upstream.
	blockUntilCancel bool
	chatContent      string
	chatErr          error
	lastStreamMsgs   []llm.Message
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	if f.chatErr != nil {
		return llm.Message{}, f.chatErr
	}
	return llm.Message{Role: "assistant", Content: f.chatContent}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, model string, h llm.StreamHandler) error {
	f.mu.Lock()
	f.lastStreamMsgs = append([]llm.Message(nil), msgs...)
	f.mu.Unlock()
	if f.streamErr != nil {
		return f.streamErr
	}
	for _, part := range f.streamParts {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		h.OnDelta(part)
	}
	if f.blockUntilCancel {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeProvider) streamedMsgs() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Message(nil), f.lastStreamMsgs...)
}

type fixture struct {
	forest *conversation.Forest
	arch   *archive.Archive
	orch   *Orchestrator
}

func newFixture(t *testing.T, provider llm.Provider, retrievalOn bool, maxConcurrent int) fixture {
	t.Helper()
	meta, err := archive.OpenMetaStore(t.TempDir(), "hash-fnv")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { meta.Close() })
	arch := archive.New(archive.NewMemoryStore(), meta, embeddings.NewHashEmbedder(64))

	forest := conversation.NewForest(15)
	summarizer := conversation.NewSummarizer(provider, "", 15, 5)
	decomposer := retrieval.NewDecomposer(provider, "")
	retriever := retrieval.NewRetriever(arch, 5, 5, 60*time.Second)
	orch := NewOrchestrator(forest, arch, provider, decomposer, retriever, summarizer, Config{
		RetrievalDefault:   retrievalOn,
		MaxConcurrentTurns: maxConcurrent,
	})
	return fixture{forest: forest, arch: arch, orch: orch}
}

func TestTurnAppendsStreamsAndTitles(t *testing.T) {
	provider := &fakeProvider{
		streamParts: []string{"Hello ", "from ", "the ", "assistant."},
		chatContent: "Greeting Basics",
	}
	fx := newFixture(t, provider, false, 4)
	node := fx.forest.CreateRoot("")

	res, err := fx.orch.Turn(context.Background(), node.ID(), "say hello", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "Hello from the assistant." {
		t.Fatalf("response = %q", res.Response)
	}
	if res.Title != "Greeting Basics" {
		t.Fatalf("title = %q", res.Title)
	}
	if node.Title() != "Greeting Basics" {
		t.Fatalf("node title = %q", node.Title())
	}

	turns := node.Recent(0)
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("buffer = %+v", turns)
	}

	// Both sides of the turn were archived.
	recs, err := fx.arch.Window(context.Background(), node.ID(), turns[0].Timestamp, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("archived %d records, want 2", len(recs))
	}

	// A second turn must not emit another title frame.
	res2, err := fx.orch.Turn(context.Background(), node.ID(), "say it again", false)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Title != "" {
		t.Fatalf("second turn produced title %q", res2.Title)
	}
}

func TestTurnErrorKeepsUserTurnDropsAssistant(t *testing.T) {
	provider := &fakeProvider{streamErr: errors.New("auth failed")}
	fx := newFixture(t, provider, false, 4)
	node := fx.forest.CreateRoot("broken")

	events, err := fx.orch.StreamTurn(context.Background(), node.ID(), "hello?", false)
	if err != nil {
		t.Fatal(err)
	}
	var sawError, sawDone bool
	for ev := range events {
		switch ev.Type {
		case EventError:
			sawError = true
		case EventDone:
			sawDone = true
		}
	}
	if !sawError || sawDone {
		t.Fatalf("sawError=%v sawDone=%v; want error frame and no done", sawError, sawDone)
	}

	turns := node.Recent(0)
	if len(turns) != 1 || turns[0].Role != "user" {
		t.Fatalf("buffer after failure = %+v", turns)
	}
}

func TestClientDisconnectDiscardsPartialAssistant(t *testing.T) {
	provider := &fakeProvider{
		streamParts:      []string{"one ", "two ", "three "},
		blockUntilCancel: true,
	}
	fx := newFixture(t, provider, false, 4)
	node := fx.forest.CreateRoot("stream")

	ctx, cancel := context.WithCancel(context.Background())
	events, err := fx.orch.StreamTurn(ctx, node.ID(), "count for me", false)
	if err != nil {
		t.Fatal(err)
	}
	tokens := 0
	for ev := range events {
		if ev.Type == EventToken {
			tokens++
			if tokens == 3 {
				cancel()
			}
		}
		if ev.Type == EventError || ev.Type == EventDone {
			t.Fatalf("unexpected terminal frame %q after disconnect", ev.Type)
		}
	}
	cancel()

	turns := node.Recent(0)
	if len(turns) != 1 || turns[0].Role != "user" {
		t.Fatalf("buffer after disconnect = %+v", turns)
	}
	// No partial assistant record reached the archive.
	recs, err := fx.arch.Window(context.Background(), node.ID(), turns[0].Timestamp, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range recs {
		if rec.Role == "assistant" {
			t.Fatalf("partial assistant record archived: %+v", rec)
		}
	}
}

func TestPerNodeTurnSerialization(t *testing.T) {
	provider := &fakeProvider{streamParts: []string{"answer"}, chatContent: "Title"}
	fx := newFixture(t, provider, false, 4)
	node := fx.forest.CreateRoot("serial")

	ctx := context.Background()
	events1, err := fx.orch.StreamTurn(ctx, node.ID(), "first question", false)
	if err != nil {
		t.Fatal(err)
	}
	// Wait for turn one to hold the gate (first token observed), then start
	// turn two while one is still streaming.
	first := <-events1
	if first.Type != EventToken {
		t.Fatalf("expected token, got %+v", first)
	}
	events2, err := fx.orch.StreamTurn(ctx, node.ID(), "second question", false)
	if err != nil {
		t.Fatal(err)
	}
	for range events1 {
	}
	for range events2 {
	}

	turns := node.Recent(0)
	if len(turns) != 4 {
		t.Fatalf("buffer has %d turns", len(turns))
	}
	wantRoles := []string{"user", "assistant", "user", "assistant"}
	for i, role := range wantRoles {
		if turns[i].Role != role {
			t.Fatalf("turn %d role = %s, want %s", i, turns[i].Role, role)
		}
	}
	if turns[0].Text != "first question" || turns[2].Text != "second question" {
		t.Fatalf("turn order scrambled: %q then %q", turns[0].Text, turns[2].Text)
	}
}

func TestPoolExhaustionReturnsBusy(t *testing.T) {
	provider := &fakeProvider{blockUntilCancel: true}
	fx := newFixture(t, provider, false, 1)
	node := fx.forest.CreateRoot("busy")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := fx.orch.StreamTurn(ctx, node.ID(), "long running", false)
	if err != nil {
		t.Fatal(err)
	}
	// Give the worker a moment to occupy the pool slot.
	time.Sleep(20 * time.Millisecond)

	if _, err := fx.orch.StreamTurn(context.Background(), node.ID(), "also now", false); !errors.Is(err, ErrBusy) {
		t.Fatalf("got %v, want ErrBusy", err)
	}
	cancel()
	for range events {
	}
}

func TestTurnValidation(t *testing.T) {
	provider := &fakeProvider{streamParts: []string{"x"}}
	fx := newFixture(t, provider, false, 4)
	node := fx.forest.CreateRoot("v")

	if _, err := fx.orch.StreamTurn(context.Background(), "missing", "hi", false); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("missing node: %v", err)
	}
	if _, err := fx.orch.StreamTurn(context.Background(), node.ID(), "   ", false); !errors.Is(err, conversation.ErrEmptyText) {
		t.Fatalf("empty message: %v", err)
	}
}

func TestRetrievalFeedsArchivedMemoryIntoPrompt(t *testing.T) {
	provider := &fakeProvider{
		streamParts: []string{"you are Alex, an engineer"},
		// Doubles as the expansion response: two probes matching the
		// archived records.
		chatContent: "my name is\nI work as",
	}
	fx := newFixture(t, provider, true, 4)

	base := time.Now().UTC().Add(-time.Hour)
	fx.arch.Index(context.Background(), archive.Record{
		ID: "alex", NodeID: "nodeA", Role: "user", Text: "my name is Alex",
		Timestamp: base, NodeTitle: "Introductions",
	})
	fx.arch.Index(context.Background(), archive.Record{
		ID: "job", NodeID: "nodeB", Role: "user", Text: "I work as an engineer",
		Timestamp: base.Add(time.Minute), NodeTitle: "Career Chat",
	})

	node := fx.forest.CreateRoot("fresh")
	if _, err := fx.orch.Turn(context.Background(), node.ID(), "who am i?", false); err != nil {
		t.Fatal(err)
	}

	msgs := provider.streamedMsgs()
	var memoryBlock string
	for _, m := range msgs {
		if m.Role == "system" && strings.HasPrefix(m.Content, ArchiveMemoryPreamble) {
			memoryBlock = m.Content
		}
	}
	if memoryBlock == "" {
		t.Fatalf("no archived-memory system message in prompt: %+v", msgs)
	}
	for _, want := range []string{"my name is Alex", "I work as an engineer", "[Introductions]", "[Career Chat]"} {
		if !strings.Contains(memoryBlock, want) {
			t.Fatalf("memory block missing %q: %q", want, memoryBlock)
		}
	}
}

func TestDisableRAGSkipsRetrieval(t *testing.T) {
	provider := &fakeProvider{streamParts: []string{"ok"}, chatContent: "probe"}
	fx := newFixture(t, provider, true, 4)

	fx.arch.Index(context.Background(), archive.Record{
		ID: "r", NodeID: "n", Role: "user", Text: "probe target text",
		Timestamp: time.Now().UTC().Add(-time.Hour), NodeTitle: "T",
	})
	node := fx.forest.CreateRoot("no-rag")
	if _, err := fx.orch.Turn(context.Background(), node.ID(), "probe target text", true); err != nil {
		t.Fatal(err)
	}
	for _, m := range provider.streamedMsgs() {
		if strings.HasPrefix(m.Content, ArchiveMemoryPreamble) {
			t.Fatal("retrieval ran despite disable_rag")
		}
	}
}

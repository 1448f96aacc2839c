package retrieval

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"arbor/internal/llm"
)

// Intent classes the decomposer sorts queries into; each gets its own
// expansion vocabulary.
type Intent string

const (
	IntentIdentity   Intent = "identity"
	IntentPreference Intent = "preference"
	IntentDiscussion Intent = "discussion"
	IntentFactual    Intent = "factual"
	IntentGeneral    Intent = "general"
)

const (
	minSubQueries    = 5
	maxSubQueries    = 7
	decomposeTimeout = 10 * time.Second
)

// stockParaphrases pad the expansion when the model returns too few lines,
// so retrieval always fans out over at least minSubQueries probes.
var stockParaphrases = map[Intent][]string{
	IntentIdentity:   {"my name is", "i am a", "about myself", "who i am", "personal details i shared"},
	IntentPreference: {"i like", "i prefer", "my favorite", "i enjoy", "things i dislike"},
	IntentDiscussion: {"we talked about", "we discussed", "earlier conversation about", "you said that", "we covered"},
	IntentFactual:    {"the fact about", "details of", "information about", "what was said about", "explanation of"},
	IntentGeneral:    {"previous messages about", "earlier mention of", "context about", "related discussion", "notes on"},
}

const classifyPrompt = `Classify the intent of the user query into exactly one of:
identity (asking about who the user is), preference (likes/dislikes),
discussion (referring back to earlier conversation), factual (asking for a fact),
general (anything else). Respond with the single label only.`

// Decomposer turns a raw user query into an intent and 5-7 paraphrased
// sub-queries for multi-probe retrieval. It never fails: a failed
// classification defaults to the general intent, and a failed expansion
// degrades to the original query alone.
type Decomposer struct {
	provider llm.Provider
	model    string
}

func NewDecomposer(provider llm.Provider, model string) *Decomposer {
	return &Decomposer{provider: provider, model: model}
}

// Decompose classifies the query's intent and expands it into sub-queries.
// The original query is always among them.
func (d *Decomposer) Decompose(ctx context.Context, query string) ([]string, Intent) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, IntentGeneral
	}
	cctx, cancel := context.WithTimeout(ctx, decomposeTimeout)
	defer cancel()

	intent := d.classify(cctx, query)
	expanded, err := d.expand(cctx, query, intent)
	if err != nil {
		log.Warn().Err(err).Str("intent", string(intent)).Msg("query_expansion_failed")
		return []string{query}, intent
	}
	return assemble(query, expanded, intent), intent
}

func (d *Decomposer) classify(ctx context.Context, query string) Intent {
	resp, err := d.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: classifyPrompt},
		{Role: "user", Content: query},
	}, d.model)
	if err != nil {
		log.Warn().Err(err).Msg("intent_classification_failed")
		return IntentGeneral
	}
	switch Intent(strings.ToLower(strings.TrimSpace(resp.Content))) {
	case IntentIdentity:
		return IntentIdentity
	case IntentPreference:
		return IntentPreference
	case IntentDiscussion:
		return IntentDiscussion
	case IntentFactual:
		return IntentFactual
	default:
		return IntentGeneral
	}
}

func expansionPrompt(intent Intent) string {
	var angle string
	switch intent {
	case IntentIdentity:
		angle = "phrasings someone would use when stating who they are (e.g. \"my name is\", \"I am a\")"
	case IntentPreference:
		angle = "phrasings someone would use when stating likes or dislikes"
	case IntentDiscussion:
		angle = "phrasings that refer back to earlier parts of a conversation"
	case IntentFactual:
		angle = "alternative factual formulations of the same question"
	default:
		angle = "alternative short formulations of the same request"
	}
	return "Rewrite the user query into 6 short search probes, one per line, no numbering. " +
		"Favor " + angle + ". Keep each probe under ten words."
}

func (d *Decomposer) expand(ctx context.Context, query string, intent Intent) ([]string, error) {
	resp, err := d.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: expansionPrompt(intent)},
		{Role: "user", Content: query},
	}, d.model)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. \t"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// assemble merges the original query, the model's paraphrases and (when
// needed) stock paraphrases into a case-insensitively deduplicated list of
// minSubQueries..maxSubQueries entries, original first.
func assemble(query string, expanded []string, intent Intent) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || len(out) >= maxSubQueries {
			return
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	add(query)
	for _, s := range expanded {
		add(s)
	}
	for _, s := range stockParaphrases[intent] {
		if len(out) >= minSubQueries {
			break
		}
		add(s)
	}
	return out
}

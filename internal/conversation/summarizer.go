package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"arbor/internal/llm"
)

const summarizeTimeout = 20 * time.Second

// Summarizer periodically folds a node's oldest turns into its running
// summary. The turns stay in the buffer; the summary supplements it.
type Summarizer struct {
	provider       llm.Provider
	model          string
	startThreshold int
	interval       int
}

func NewSummarizer(provider llm.Provider, model string, startThreshold, interval int) *Summarizer {
	if startThreshold < 1 {
		startThreshold = 15
	}
	if interval < 1 {
		interval = 5
	}
	return &Summarizer{
		provider:       provider,
		model:          model,
		startThreshold: startThreshold,
		interval:       interval,
	}
}

// MaybeSummarize runs one summarization cycle when the node's cadence is
// due. LM failure leaves the prior summary untouched; the attempt still
// advances the cadence so the next interval retries. It never fails the
// caller's turn.
func (s *Summarizer) MaybeSummarize(ctx context.Context, node *Node) bool {
	turns, prior, due := node.BeginSummary(s.startThreshold, s.interval)
	if !due || len(turns) == 0 {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	resp, err := s.provider.Chat(cctx, []llm.Message{
		{Role: "system", Content: summaryInstruction(prior)},
		{Role: "user", Content: renderTurns(turns, prior)},
	}, s.model)
	if err != nil {
		log.Warn().Err(err).Str("node_id", node.ID()).Msg("summarization_failed")
		return false
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		log.Warn().Str("node_id", node.ID()).Msg("summarization_empty")
		return false
	}
	node.ReplaceSummary(summary)
	log.Debug().Str("node_id", node.ID()).Int("turns", len(turns)).Msg("summary_updated")
	return true
}

func summaryInstruction(prior string) string {
	if prior == "" {
		return "Summarize the following conversation excerpt in 3-5 compact sentences. " +
			"Keep names, decisions and open questions; drop pleasantries."
	}
	return "Merge the existing conversation summary with the new excerpt into a single " +
		"3-5 sentence summary. Keep names, decisions and open questions; drop pleasantries."
}

func renderTurns(turns []Turn, prior string) string {
	var sb strings.Builder
	if prior != "" {
		sb.WriteString("Existing summary:\n")
		sb.WriteString(prior)
		sb.WriteString("\n\nNew excerpt:\n")
	}
	for _, t := range turns {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Text)
	}
	return sb.String()
}

package chat

import (
	"fmt"
	"strings"

	"arbor/internal/archive"
	"arbor/internal/conversation"
	"arbor/internal/llm"
)

// ArchiveMemoryPreamble labels retrieved records so the model treats them as
// reference material from other threads, not the current one. This labeling
// is what keeps cross-conversation memory from polluting a branch.
const ArchiveMemoryPreamble = "The following are archived messages from related past conversations; " +
	"treat them as reference material, not as the current thread."

// BuildMessages produces the exact ordered prompt for one turn:
//
//  1. follow-up system message (the only parent linkage), if any
//  2. running summary system message, if non-empty
//  3. archived-memory system message, if retrieval produced records
//  4. buffer turns in chronological order, the freshly appended user
//     message last
//
// Nothing else is appended; sibling and parent buffers are never consulted.
// The snapshot must already contain the new user turn.
func BuildMessages(snap conversation.Snapshot, records []archive.Record) []llm.Message {
	msgs := make([]llm.Message, 0, len(snap.Turns)+3)
	if snap.FollowUpPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: snap.FollowUpPrompt})
	}
	if strings.TrimSpace(snap.Summary) != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: "Conversation summary so far: " + snap.Summary})
	}
	if len(records) > 0 {
		msgs = append(msgs, llm.Message{Role: "system", Content: renderArchiveBlock(records)})
	}
	for _, t := range snap.Turns {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Text})
	}
	return msgs
}

func renderArchiveBlock(records []archive.Record) string {
	var sb strings.Builder
	sb.WriteString(ArchiveMemoryPreamble)
	sb.WriteString("\n")
	for _, rec := range records {
		title := rec.NodeTitle
		if title == "" {
			title = "untitled conversation"
		}
		fmt.Fprintf(&sb, "\n[%s] %s: %s", title, rec.Role, rec.Text)
	}
	return sb.String()
}

package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultTitle is the placeholder given to nodes created without a title.
// The orchestrator replaces it after the first completed assistant turn.
const DefaultTitle = "New Chat"

// Context types a follow-up record may carry.
const (
	ContextFollowUp = "follow_up"
	ContextNewTopic = "new_topic"
	ContextGeneral  = "general"
)

// FollowUp captures what motivated a subchat: the fragment the user selected
// from the parent and what they want to pursue. It is the only parent content
// a child ever carries.
type FollowUp struct {
	SelectedText    string `json:"selected_text"`
	FollowUpContext string `json:"follow_up_context"`
	ContextType     string `json:"context_type"`
}

// Node is one conversation branch. The parent link is a handle resolved
// through the Forest registry, never an aliased pointer, so ownership stays
// acyclic. The node's mutex guards the title and the buffer; the turn gate
// serializes whole turns without holding that mutex across LM calls.
type Node struct {
	id        string
	createdAt time.Time
	followUp  *FollowUp

	mu       sync.Mutex
	title    string
	parentID string
	childIDs []string
	buffer   *Buffer

	turnGate chan struct{}
}

func newNode(id, title, parentID string, followUp *FollowUp, maxTurns int) *Node {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	if followUp != nil && followUp.ContextType == "" {
		fu := *followUp
		fu.ContextType = ContextGeneral
		followUp = &fu
	}
	return &Node{
		id:        id,
		createdAt: time.Now().UTC(),
		followUp:  followUp,
		title:     title,
		parentID:  parentID,
		buffer:    NewBuffer(id, maxTurns),
		turnGate:  make(chan struct{}, 1),
	}
}

func (n *Node) ID() string           { return n.id }
func (n *Node) CreatedAt() time.Time { return n.createdAt }
func (n *Node) FollowUp() *FollowUp  { return n.followUp }

func (n *Node) Title() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.title
}

func (n *Node) SetTitle(title string) {
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}
	n.mu.Lock()
	n.title = title
	n.mu.Unlock()
}

// HasDefaultTitle reports whether the title was never replaced; the
// orchestrator uses it to generate a title exactly once.
func (n *Node) HasDefaultTitle() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return strings.EqualFold(strings.TrimSpace(n.title), DefaultTitle)
}

func (n *Node) ParentID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parentID
}

func (n *Node) ChildIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.childIDs))
	copy(out, n.childIDs)
	return out
}

func (n *Node) addChildID(id string) {
	n.mu.Lock()
	n.childIDs = append(n.childIDs, id)
	n.mu.Unlock()
}

func (n *Node) removeChildID(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, c := range n.childIDs {
		if c == id {
			n.childIDs = append(n.childIDs[:i], n.childIDs[i+1:]...)
			return
		}
	}
}

// BeginTurn serializes turns on this node: it blocks until the previous turn
// released the gate or the context is canceled.
func (n *Node) BeginTurn(ctx context.Context) error {
	select {
	case n.turnGate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) EndTurn() {
	select {
	case <-n.turnGate:
	default:
	}
}

// Append adds a turn to the node's buffer under the node mutex and returns
// the stamped turn plus any evicted one.
func (n *Node) Append(role, text string) (Turn, *Turn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.buffer.Append(role, text)
}

// Snapshot is a consistent view of everything prompt assembly needs,
// captured in one critical section.
type Snapshot struct {
	Title           string
	FollowUpPrompt  string
	Summary         string
	Turns           []Turn
	OldestTimestamp time.Time
	HasTurns        bool
	Processed       int
}

func (n *Node) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	oldest, ok := n.buffer.OldestTimestamp()
	return Snapshot{
		Title:           n.title,
		FollowUpPrompt:  n.enhancedFollowUpPrompt(),
		Summary:         n.buffer.Summary(),
		Turns:           n.buffer.Recent(0),
		OldestTimestamp: oldest,
		HasTurns:        ok,
		Processed:       n.buffer.Processed(),
	}
}

// Recent returns the last n buffered turns (all when n <= 0).
func (n *Node) Recent(nTurns int) []Turn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.buffer.Recent(nTurns)
}

// Summary returns the node's running summary.
func (n *Node) Summary() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.buffer.Summary()
}

// ReplaceSummary overwrites the running summary; callers are the summarizer
// only.
func (n *Node) ReplaceSummary(s string) {
	n.mu.Lock()
	n.buffer.ReplaceSummary(s)
	n.mu.Unlock()
}

// BeginSummary checks the summarization cadence and, when due, marks the
// attempt and returns the oldest five turns plus the prior summary. The mark
// advances even if the subsequent LM call fails, so the next interval gets a
// fresh try.
func (n *Node) BeginSummary(startThreshold, interval int) (turns []Turn, prior string, due bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.buffer.summaryDue(startThreshold, interval) {
		return nil, "", false
	}
	n.buffer.summarizedAt = n.buffer.processed
	return n.buffer.oldest(5), n.buffer.Summary(), true
}

// EnhancedFollowUpPrompt composes the single system line that links a child
// to the fragment of the parent that motivated it. Empty when the node has
// no follow-up record or the record carries no text.
func (n *Node) EnhancedFollowUpPrompt() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enhancedFollowUpPrompt()
}

func (n *Node) enhancedFollowUpPrompt() string {
	fu := n.followUp
	if fu == nil {
		return ""
	}
	selected := strings.TrimSpace(fu.SelectedText)
	focus := strings.TrimSpace(fu.FollowUpContext)
	if selected == "" && focus == "" {
		return ""
	}
	if focus == "" {
		focus = selected
	}
	return fmt.Sprintf("Follow-up context: the user selected %q from the parent conversation; focus narrowly on %s.", selected, focus)
}

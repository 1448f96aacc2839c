package conversation

import (
	"time"
)

// tieBreakOffset keeps buffer timestamps strictly increasing when the clock
// returns the same instant twice.
const tieBreakOffset = 500 * time.Microsecond

// Buffer is a bounded FIFO of recent turns for one node. It is not
// goroutine-safe; the owning Node's mutex guards all access.
type Buffer struct {
	nodeID   string
	maxTurns int
	turns    []Turn

	summary string
	// processed counts every append over the node's life, never decreasing.
	processed int
	// summarizedAt records the processed count at the last summarization
	// attempt (successful or not).
	summarizedAt int
	lastTS       time.Time
}

func NewBuffer(nodeID string, maxTurns int) *Buffer {
	if maxTurns < 1 {
		maxTurns = 1
	}
	return &Buffer{nodeID: nodeID, maxTurns: maxTurns}
}

func (b *Buffer) NodeID() string { return b.nodeID }
func (b *Buffer) MaxTurns() int  { return b.maxTurns }
func (b *Buffer) Len() int       { return len(b.turns) }
func (b *Buffer) Processed() int { return b.processed }
func (b *Buffer) Summary() string { return b.summary }

// Append adds a turn stamped with the current time. When the buffer is at
// capacity the oldest turn is removed and returned; eviction is not an error.
func (b *Buffer) Append(role, text string) (Turn, *Turn, error) {
	if !validRole(role) {
		return Turn{}, nil, ErrInvalidRole
	}
	if text == "" {
		return Turn{}, nil, ErrEmptyText
	}
	ts := time.Now()
	if !ts.After(b.lastTS) {
		ts = b.lastTS.Add(tieBreakOffset)
	}
	b.lastTS = ts

	turn := Turn{Role: role, Text: text, Timestamp: ts, NodeID: b.nodeID}
	var evicted *Turn
	if len(b.turns) == b.maxTurns {
		old := b.turns[0]
		evicted = &old
		copy(b.turns, b.turns[1:])
		b.turns[len(b.turns)-1] = turn
	} else {
		b.turns = append(b.turns, turn)
	}
	b.processed++
	return turn, evicted, nil
}

// Recent returns the last n turns in chronological order; n <= 0 returns all.
// The result is a copy.
func (b *Buffer) Recent(n int) []Turn {
	if n <= 0 || n > len(b.turns) {
		n = len(b.turns)
	}
	out := make([]Turn, n)
	copy(out, b.turns[len(b.turns)-n:])
	return out
}

// OldestTimestamp reports the timestamp of the oldest buffered turn. The
// second return is false when the buffer is empty (retrieval treats that as
// no cutoff).
func (b *Buffer) OldestTimestamp() (time.Time, bool) {
	if len(b.turns) == 0 {
		return time.Time{}, false
	}
	return b.turns[0].Timestamp, true
}

// ReplaceSummary overwrites the running summary. The summarizer is the only
// caller.
func (b *Buffer) ReplaceSummary(s string) {
	b.summary = s
}

// summaryDue applies the summarization cadence: the processed counter has
// reached the start threshold, sits exactly on an interval boundary, and at
// least five turns arrived since the last attempt.
func (b *Buffer) summaryDue(startThreshold, interval int) bool {
	if b.processed < startThreshold {
		return false
	}
	if (b.processed-startThreshold)%interval != 0 {
		return false
	}
	return b.processed-b.summarizedAt >= 5
}

// oldest returns up to n of the oldest buffered turns as a copy.
func (b *Buffer) oldest(n int) []Turn {
	if n > len(b.turns) {
		n = len(b.turns)
	}
	out := make([]Turn, n)
	copy(out, b.turns[:n])
	return out
}

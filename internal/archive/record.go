package archive

import (
	"time"
)

// Record is one archived turn. Records are append-only: never mutated, never
// deleted by the core. Timestamps are the turn's production time, not the
// indexing time.
type Record struct {
	ID        string    `json:"record_id"`
	NodeID    string    `json:"node_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	// NodeTitle is the owning node's title at index time; retrieval labels
	// archived snippets with it.
	NodeTitle string `json:"node_title"`
}

// ScoredRecord pairs a record with its similarity score.
type ScoredRecord struct {
	Record
	Score float64 `json:"score"`
}

// tsFloat converts to the unix-seconds representation stored in the vector
// payload and the metadata database.
func tsFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func tsTime(f float64) time.Time {
	return time.Unix(0, int64(f*1e9))
}

package archive

import "context"

// SearchFilter narrows a vector search by metadata. The zero value matches
// everything.
type SearchFilter struct {
	// NodeID restricts hits to one node.
	NodeID string
	// Roles restricts hits to the given roles.
	Roles []string
	// MaxTimestamp excludes records at or after the given unix-seconds
	// instant; zero means unbounded. Retrieval uses it to refuse records
	// still sitting in the querying node's live buffer.
	MaxTimestamp float64
}

// VectorHit is a nearest-neighbor result; higher scores are closer.
type VectorHit struct {
	ID    string
	Score float64
}

// VectorStore is the pluggable dense index behind the archive.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error
	Search(ctx context.Context, vector []float32, k int, filter SearchFilter) ([]VectorHit, error)
	Close() error
}

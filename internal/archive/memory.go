package archive

import (
	"context"
	"math"
	"sort"
	"sync"
)

// memoryStore is a brute-force in-process vector store. It mirrors the
// qdrant store's filter semantics so the rest of the system can't tell them
// apart; durability is the only difference.
type memoryStore struct {
	mu     sync.RWMutex
	points map[string]memoryPoint
}

type memoryPoint struct {
	vector  []float32
	payload map[string]any
}

// NewMemoryStore returns a non-durable VectorStore for tests and
// credential-less runs.
func NewMemoryStore() VectorStore {
	return &memoryStore{points: make(map[string]memoryPoint)}
}

func (m *memoryStore) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	vec := make([]float32, len(vector))
	copy(vec, vector)
	pl := make(map[string]any, len(payload))
	for k, v := range payload {
		pl[k] = v
	}
	m.mu.Lock()
	m.points[id] = memoryPoint{vector: vec, payload: pl}
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Search(ctx context.Context, vector []float32, k int, filter SearchFilter) ([]VectorHit, error) {
	if k <= 0 {
		k = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	hits := make([]VectorHit, 0, len(m.points))
	for id, p := range m.points {
		if !matches(p.payload, filter) {
			continue
		}
		hits = append(hits, VectorHit{ID: id, Score: cosine(vector, p.vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *memoryStore) Close() error { return nil }

func matches(payload map[string]any, f SearchFilter) bool {
	if f.NodeID != "" {
		if v, _ := payload["node_id"].(string); v != f.NodeID {
			return false
		}
	}
	if len(f.Roles) > 0 {
		role, _ := payload["role"].(string)
		ok := false
		for _, r := range f.Roles {
			if r == role {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MaxTimestamp > 0 {
		ts, _ := payload["ts"].(float64)
		if ts >= f.MaxTimestamp {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

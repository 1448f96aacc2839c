// Package archive is the durable long-term memory of the conversation
// forest: every turn ever buffered lands here, embedded and indexed, and
// stays after its node dies.
package archive

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"arbor/internal/llm"
)

const indexTimeout = 5 * time.Second

// Archive pairs the dense vector index with the metadata database and the
// embedder that feeds both.
type Archive struct {
	vectors  VectorStore
	meta     *MetaStore
	embedder llm.Embedder
}

func New(vectors VectorStore, meta *MetaStore, embedder llm.Embedder) *Archive {
	return &Archive{vectors: vectors, meta: meta, embedder: embedder}
}

func (a *Archive) Embedder() llm.Embedder { return a.embedder }

// Index archives one record. It is best-effort by contract: failures are
// logged and swallowed so the live chat turn never breaks on archive
// trouble. The metadata row is written before the vector so the archive
// superset property holds even when the index write fails.
func (a *Archive) Index(ctx context.Context, rec Record) {
	cctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	if err := a.meta.Insert(cctx, rec); err != nil {
		log.Error().Err(err).Str("record_id", rec.ID).Str("node_id", rec.NodeID).Msg("archive_meta_insert_failed")
		return
	}
	vecs, err := a.embedder.Embed(cctx, []string{rec.Text})
	if err != nil || len(vecs) == 0 {
		log.Error().Err(err).Str("record_id", rec.ID).Msg("archive_embed_failed")
		return
	}
	payload := map[string]any{
		"node_id":    rec.NodeID,
		"role":       rec.Role,
		"ts":         tsFloat(rec.Timestamp),
		"node_title": rec.NodeTitle,
	}
	if err := a.vectors.Upsert(cctx, rec.ID, vecs[0], payload); err != nil {
		log.Error().Err(err).Str("record_id", rec.ID).Msg("archive_index_failed")
	}
}

// Query runs a nearest-neighbor search and hydrates full records from the
// metadata store. Results come back sorted by descending score.
func (a *Archive) Query(ctx context.Context, vector []float32, k int, filter SearchFilter) ([]ScoredRecord, error) {
	hits, err := a.vectors.Search(ctx, vector, k, filter)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredRecord, 0, len(hits))
	for _, hit := range hits {
		rec, err := a.meta.Get(ctx, hit.ID)
		if err != nil {
			log.Warn().Err(err).Str("record_id", hit.ID).Msg("archive_hydrate_missing")
			continue
		}
		out = append(out, ScoredRecord{Record: rec, Score: hit.Score})
	}
	return out, nil
}

// QueryText embeds the text and delegates to Query.
func (a *Archive) QueryText(ctx context.Context, text string, k int, filter SearchFilter) ([]ScoredRecord, error) {
	vecs, err := a.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	return a.Query(ctx, vecs[0], k, filter)
}

// Window returns the archived records of nodeID within ±w of center, in
// chronological order.
func (a *Archive) Window(ctx context.Context, nodeID string, center time.Time, w time.Duration) ([]Record, error) {
	return a.meta.Window(ctx, nodeID, center, w)
}

// Close releases both stores.
func (a *Archive) Close() {
	if err := a.vectors.Close(); err != nil {
		log.Warn().Err(err).Msg("archive_vector_close_failed")
	}
	if err := a.meta.Close(); err != nil {
		log.Warn().Err(err).Msg("archive_meta_close_failed")
	}
}

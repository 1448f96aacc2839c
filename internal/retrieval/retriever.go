package retrieval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"arbor/internal/archive"
)

// Retriever answers "what does the whole forest remember about this" for a
// single node's turn. It fans the sub-queries out against the archive,
// merges hits by best score, and widens each hit into its temporal
// neighborhood so retrieved fragments arrive with their surrounding
// exchange.
type Retriever struct {
	archive     *archive.Archive
	topK        int
	perSubQuery int
	window      time.Duration
}

func NewRetriever(a *archive.Archive, topK, perSubQuery int, window time.Duration) *Retriever {
	if topK < 1 {
		topK = 5
	}
	if perSubQuery < 1 {
		perSubQuery = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Retriever{archive: a, topK: topK, perSubQuery: perSubQuery, window: window}
}

// Retrieve runs the sub-queries against the archive and returns an ordered,
// deduplicated record list: best-scoring hits first, each expanded to its
// chronological ±window neighborhood from the same node.
//
// cutoff is the oldest timestamp in the requesting node's live buffer; no
// record at or past it is returned (the buffer already supplies those
// turns). hasCutoff false means the buffer is empty and nothing is excluded.
// Failed sub-queries contribute zero hits and are not reported as an error;
// when every probe fails the result is simply empty.
func (r *Retriever) Retrieve(ctx context.Context, subQueries []string, cutoff time.Time, hasCutoff bool) ([]archive.Record, error) {
	if len(subQueries) == 0 {
		return nil, nil
	}
	filter := archive.SearchFilter{}
	if hasCutoff {
		filter.MaxTimestamp = float64(cutoff.UnixNano()) / 1e9
	}

	var (
		mu   sync.Mutex
		best = map[string]archive.ScoredRecord{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range subQueries {
		g.Go(func() error {
			hits, err := r.archive.QueryText(gctx, q, r.perSubQuery, filter)
			if err != nil {
				// A failing probe is isolated; the others still count.
				log.Warn().Err(err).Str("sub_query", q).Msg("retrieval_subquery_failed")
				return nil
			}
			mu.Lock()
			for _, h := range hits {
				if prev, ok := best[h.ID]; !ok || h.Score > prev.Score {
					best[h.ID] = h
				}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	ranked := make([]archive.ScoredRecord, 0, len(best))
	for _, h := range best {
		ranked = append(ranked, h)
	}
	// Stable ordering: score descending, ties by timestamp then record id.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].Timestamp.Equal(ranked[j].Timestamp) {
			return ranked[i].Timestamp.Before(ranked[j].Timestamp)
		}
		return ranked[i].ID < ranked[j].ID
	})

	emitted := map[string]struct{}{}
	var out []archive.Record
	hits := 0
	for _, h := range ranked {
		if hits >= r.topK {
			break
		}
		hits++
		window, err := r.archive.Window(ctx, h.NodeID, h.Timestamp, r.window)
		if err != nil {
			log.Warn().Err(err).Str("record_id", h.ID).Msg("retrieval_window_failed")
			window = []archive.Record{h.Record}
		}
		for _, rec := range window {
			// The window scan can reach past the cutoff; re-apply it.
			if hasCutoff && !rec.Timestamp.Before(cutoff) {
				continue
			}
			if _, dup := emitted[rec.ID]; dup {
				continue
			}
			emitted[rec.ID] = struct{}{}
			out = append(out, rec)
		}
	}
	return out, nil
}

package archive

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Qdrant only allows UUIDs and positive integers as point IDs, so we derive
// a deterministic UUID from the record id and keep the original in the
// payload.
const payloadIDField = "_original_id"

type qdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrantStore connects to a Qdrant instance (gRPC, port 6334 by default)
// and ensures the collection exists with the expected dimension under cosine
// distance. An API key can ride along as a query parameter:
// "http://localhost:6334?api_key=your_api_key".
func NewQdrantStore(dsn, collection string, dimension int) (VectorStore, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("qdrant requires dimension > 0")
	}
	parsedURL, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse Qdrant DSN: %w", err)
	}
	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsedURL.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in Qdrant DSN: %w", err)
	}
	cfg := &qdrant.Config{
		Host: host,
		Port: portNum,
	}
	if parsedURL.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsedURL.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create Qdrant client: %w", err)
	}
	qs := &qdrantStore{
		client:     client,
		collection: collection,
		dimension:  dimension,
	}
	if err := qs.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return qs, nil
}

func (q *qdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func pointID(id string) (string, bool) {
	if _, err := uuid.Parse(id); err == nil {
		return id, false
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), true
}

func (q *qdrantStore) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	uuidStr, derived := pointID(id)
	payloadAny := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		payloadAny[k] = v
	}
	if derived {
		payloadAny[payloadIDField] = id
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(uuidStr),
				Vectors: qdrant.NewVectorsDense(vec),
				Payload: qdrant.NewValueMap(payloadAny),
			},
		},
	})
	return err
}

func (q *qdrantStore) Search(ctx context.Context, vector []float32, k int, filter SearchFilter) ([]VectorHit, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	var must []*qdrant.Condition
	if filter.NodeID != "" {
		must = append(must, qdrant.NewMatch("node_id", filter.NodeID))
	}
	if len(filter.Roles) > 0 {
		must = append(must, qdrant.NewMatchKeywords("role", filter.Roles...))
	}
	if filter.MaxTimestamp > 0 {
		max := filter.MaxTimestamp
		must = append(must, qdrant.NewRange("ts", &qdrant.Range{Lt: &max}))
	}
	var queryFilter *qdrant.Filter
	if len(must) > 0 {
		queryFilter = &qdrant.Filter{Must: must}
	}

	limit := uint64(k)
	searchResult, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         queryFilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	hits := make([]VectorHit, 0, len(searchResult))
	for _, hit := range searchResult {
		id := ""
		if hit.Payload != nil {
			if v, ok := hit.Payload[payloadIDField]; ok {
				id = v.GetStringValue()
			}
		}
		if id == "" {
			id = hit.Id.GetUuid()
		}
		if id == "" {
			id = hit.Id.String()
		}
		hits = append(hits, VectorHit{ID: id, Score: float64(hit.Score)})
	}
	return hits, nil
}

func (q *qdrantStore) Close() error {
	return q.client.Close()
}

package vectorstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payload keys reserved for record bookkeeping; everything else is metadata
const (
	payloadID       = "_id"
	payloadDocument = "_document"
)

// Qdrant talks to a qdrant server over gRPC. Point ids are deterministic
// UUIDs derived from record ids so upserts by the same id overwrite in place;
// the original id travels in the payload.
type Qdrant struct {
	client *qdrant.Client
	closed atomic.Bool
}

// NewQdrant connects to a qdrant server and verifies it responds.
func NewQdrant(host string, port int) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Qdrant{client: client}, nil
}

// Close shuts down the gRPC connection.
func (q *Qdrant) Close() error {
	q.closed.Store(true)
	return q.client.Close()
}

func (q *Qdrant) guard() error {
	if q.closed.Load() {
		return ErrClosed
	}
	return nil
}

// pointID derives a stable UUID from a record id.
func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

// EnsureCollection creates the collection if it does not exist, with
// Euclidean distance so both backends score alike.
func (q *Qdrant) EnsureCollection(ctx context.Context, name string, dim int) error {
	if err := q.guard(); err != nil {
		return err
	}
	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d for collection %s", dim, name)
	}
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Euclid,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	return nil
}

// Upsert writes records; same-id records overwrite previous versions.
func (q *Qdrant) Upsert(ctx context.Context, collection string, recs []Record) error {
	if err := q.guard(); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(recs))
	for _, r := range recs {
		payload := map[string]any{
			payloadID:       r.ID,
			payloadDocument: r.Document,
		}
		for k, v := range r.Metadata {
			payload[k] = v
		}
		points = append(points, &qdrant.PointStruct{
			Id:      pointID(r.ID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upserting into %s: %w", collection, err)
	}
	return nil
}

// Query runs a KNN search per query vector.
func (q *Qdrant) Query(ctx context.Context, collection string, vectors [][]float32, k int) ([]Result, error) {
	if err := q.guard(); err != nil {
		return nil, err
	}
	if k <= 0 || len(vectors) == 0 {
		return nil, nil
	}

	var results []Result
	for _, qv := range vectors {
		points, err := q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(qv...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", collection, err)
		}
		for _, p := range points {
			results = append(results, scoredResult(p))
		}
	}
	return results, nil
}

// scoredResult unpacks a scored point. With Euclidean distance the score is
// the distance itself, sorted ascending by the server.
func scoredResult(p *qdrant.ScoredPoint) Result {
	r := Result{Distance: float64(p.GetScore())}
	r.ID, r.Document, r.Metadata = unpackPayload(p.GetPayload())
	return r
}

func unpackPayload(payload map[string]*qdrant.Value) (id, doc string, meta map[string]string) {
	for k, v := range payload {
		switch k {
		case payloadID:
			id = v.GetStringValue()
		case payloadDocument:
			doc = v.GetStringValue()
		default:
			if meta == nil {
				meta = make(map[string]string)
			}
			meta[k] = v.GetStringValue()
		}
	}
	return id, doc, meta
}

// DeleteByIDs removes points by record id; unknown ids are ignored.
func (q *Qdrant) DeleteByIDs(ctx context.Context, collection string, ids []string) error {
	if err := q.guard(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	points := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		points = append(points, pointID(id))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(points...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", collection, err)
	}
	return nil
}

// DeleteCollection drops a collection; unknown collections are a no-op.
func (q *Qdrant) DeleteCollection(ctx context.Context, name string) error {
	if err := q.guard(); err != nil {
		return err
	}
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !exists {
		return nil
	}
	if err := q.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("dropping collection %s: %w", name, err)
	}
	return nil
}

// GetByIDs fetches stored records by id, skipping missing ones.
func (q *Qdrant) GetByIDs(ctx context.Context, collection string, ids []string) ([]Record, error) {
	if err := q.guard(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	points := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		points = append(points, pointID(id))
	}
	got, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            points,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching from %s: %w", collection, err)
	}

	recs := make([]Record, 0, len(got))
	for _, p := range got {
		var r Record
		r.ID, r.Document, r.Metadata = unpackPayload(p.GetPayload())
		if out := p.GetVectors().GetVector(); out != nil {
			r.Vector = out.GetData()
		}
		recs = append(recs, r)
	}
	return recs, nil
}

// ListCollections returns all collection names on the server.
func (q *Qdrant) ListCollections(ctx context.Context) ([]string, error) {
	if err := q.guard(); err != nil {
		return nil, err
	}
	names, err := q.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return names, nil
}

// Stats reports the dimension and point count of a collection.
func (q *Qdrant) Stats(ctx context.Context, collection string) (CollectionStats, error) {
	if err := q.guard(); err != nil {
		return CollectionStats{}, err
	}
	exists, err := q.client.CollectionExists(ctx, collection)
	if err != nil {
		return CollectionStats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !exists {
		return CollectionStats{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	info, err := q.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return CollectionStats{}, fmt.Errorf("inspecting collection %s: %w", collection, err)
	}
	stats := CollectionStats{Name: collection}
	if info.GetPointsCount() != 0 {
		stats.Count = int(info.GetPointsCount())
	}
	if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
		stats.Dimension = int(params.GetSize())
	}
	return stats, nil
}

// Ping verifies the server still answers health checks.
func (q *Qdrant) Ping(ctx context.Context) error {
	if err := q.guard(); err != nil {
		return err
	}
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

var _ Store = (*Qdrant)(nil)

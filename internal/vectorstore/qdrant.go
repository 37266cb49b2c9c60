package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"clinrag/internal/logging"
)

const defaultCollection = "clinical_chunks"

// chunkIDNamespace derives deterministic point UUIDs from chunk ids, which
// are not themselves UUIDs. The original chunk id travels in the payload.
var chunkIDNamespace = uuid.MustParse("9f2c3e58-7d41-4b8a-a6c1-0d9e54a10c42")

// QdrantConfig carries the connection settings for a Qdrant deployment.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// QdrantIndex implements Index against a Qdrant collection. The collection
// is created lazily on the first Add, because the embedding dimension is not
// known until the first vector arrives.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	logger     logging.Logger

	mu        sync.Mutex
	dimension int
	ready     bool
}

func NewQdrantIndex(cfg *QdrantConfig, logger logging.Logger) (*QdrantIndex, error) {
	collection := cfg.Collection
	if collection == "" {
		collection = defaultCollection
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}
	return &QdrantIndex{
		client:     client,
		collection: collection,
		logger:     logging.OrNoop(logger),
	}, nil
}

// ensureCollection creates the collection once the dimension is known.
func (q *QdrantIndex) ensureCollection(ctx context.Context, dimension int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dimension != 0 && dimension != q.dimension {
		return fmt.Errorf("%w: index holds %d-dim vectors, got %d",
			ErrDimensionMismatch, q.dimension, dimension)
	}
	if q.ready {
		return nil
	}

	collections, err := q.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("listing qdrant collections: %w", err)
	}
	exists := false
	for _, name := range collections {
		if name == q.collection {
			exists = true
			break
		}
	}
	if !exists {
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection %s: %w", q.collection, err)
		}
		q.logger.Info("created qdrant collection", map[string]interface{}{
			"collection": q.collection, "dimension": dimension,
		})
	}
	q.dimension = dimension
	q.ready = true
	return nil
}

func pointID(chunkID string) *qdrant.PointId {
	derived := uuid.NewSHA1(chunkIDNamespace, []byte(chunkID)).String()
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: derived}}
}

func (q *QdrantIndex) Add(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if _, err := checkDimension(len(points[0].Vector), p.Vector); err != nil {
			return err
		}
	}
	if err := q.ensureCollection(ctx, len(points[0].Vector)); err != nil {
		return err
	}

	qdrantPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		qdrantPoints = append(qdrantPoints, &qdrant.PointStruct{
			Id:      pointID(p.ChunkID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"chunk_id":   p.ChunkID,
				"patient_id": p.PatientID,
			}),
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, params SearchParams) ([]Hit, error) {
	q.mu.Lock()
	locked := q.dimension
	q.mu.Unlock()
	if locked > 0 {
		if _, err := checkDimension(locked, params.Vector); err != nil {
			return nil, err
		}
	}

	filter := &qdrant.Filter{}
	if params.PatientID != "" {
		filter.Must = append(filter.Must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: "patient_id",
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: params.PatientID},
					},
				},
			},
		})
	}
	if params.AllowedChunkIDs != nil {
		ids := make([]*qdrant.PointId, 0, len(params.AllowedChunkIDs))
		for chunkID := range params.AllowedChunkIDs {
			ids = append(ids, pointID(chunkID))
		}
		filter.Must = append(filter.Must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_HasId{
				HasId: &qdrant.HasIdCondition{HasId: ids},
			},
		})
	}

	limit := uint64(params.Limit)
	if limit == 0 {
		limit = 10
	}
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(params.Vector...),
		Limit:          qdrant.PtrOf(limit),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         filter,
	})
	if err != nil {
		return nil, fmt.Errorf("querying qdrant: %w", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, point := range scored {
		payload := point.GetPayload()
		chunkID := payload["chunk_id"].GetStringValue()
		if chunkID == "" {
			continue
		}
		hits = append(hits, Hit{ChunkID: chunkID, Score: clampScore(float64(point.GetScore()))})
	}
	return hits, nil
}

func (q *QdrantIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, len(chunkIDs))
	for i, chunkID := range chunkIDs {
		ids[i] = pointID(chunkID)
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: ids},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting %d points: %w", len(chunkIDs), err)
	}
	return nil
}

func (q *QdrantIndex) DeleteByPatient(ctx context.Context, patientID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{{
						ConditionOneOf: &qdrant.Condition_Field{
							Field: &qdrant.FieldCondition{
								Key: "patient_id",
								Match: &qdrant.Match{
									MatchValue: &qdrant.Match_Keyword{Keyword: patientID},
								},
							},
						},
					}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting points for patient %s: %w", patientID, err)
	}
	return nil
}

func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	count, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
	})
	if err != nil {
		return 0, fmt.Errorf("counting points: %w", err)
	}
	return int(count), nil
}

// clampScore maps qdrant cosine scores into [0,1].
func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

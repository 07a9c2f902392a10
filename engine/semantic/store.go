// Package semantic implements the Vector Index (C3): a thin, scope-aware
// wrapper over Qdrant, the engine's supplied vector store. The engine
// does not reimplement ANN internals; this package drives Qdrant for
// k-NN search and adds scope-key payload filtering, zero-vector
// exclusion at insert, and client-side tie-break reordering
// (last_used_at descending, then lexicographic id) before returning
// results.
package semantic

import (
	"context"
	"fmt"
	"sort"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/synapseai/synapse-mvp/pkg/resilience"
)

const scopeKeyField = "scope_key"
const lastUsedAtField = "last_used_at"

// pointsClient is the minimal Qdrant points surface the store depends on.
type pointsClient interface {
	Upsert(context.Context, *pb.UpsertPoints, ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(context.Context, *pb.DeletePoints, ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(context.Context, *pb.SearchPoints, ...grpc.CallOption) (*pb.SearchResponse, error)
}

// collectionsClient is the minimal Qdrant collections surface the store
// depends on.
type collectionsClient interface {
	List(context.Context, *pb.ListCollectionsRequest, ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(context.Context, *pb.CreateCollection, ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(context.Context, *pb.DeleteCollection, ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations for the engine.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsClient
	collections collectionsClient
	collection  string
	limiter     *resilience.Limiter
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection)
	vs.conn = conn
	return vs, nil
}

// NewWithClients builds a VectorStore from already-constructed client
// interfaces, so tests can substitute mocks without dialing Qdrant. Point
// operations are throttled with a token-bucket limiter so a burst of
// concurrent recalls can't overrun Qdrant.
func NewWithClients(points pointsClient, collections collectionsClient, collection string) *VectorStore {
	return &VectorStore{
		points:      points,
		collections: collections,
		collection:  collection,
		limiter:     resilience.NewLimiter(resilience.LimiterOpts{Rate: 200, Burst: 50}),
	}
}

// Close closes the underlying gRPC connection, if one was dialed by New.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	d := uint64(dims)
	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     d,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

// DeleteCollection deletes the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: v.collection,
	})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, err)
	}
	return nil
}

// isZeroVector reports whether every component of vec is zero. Zero stored
// vectors are excluded at insert time per the engine's similarity
// invariants.
func isZeroVector(vec []float32) bool {
	for _, f := range vec {
		if f != 0 {
			return false
		}
	}
	return true
}

// Insert stores one episode embedding into Qdrant under its scope_key,
// skipping zero vectors (they would otherwise pollute cosine search with
// an undefined direction).
func (v *VectorStore) Insert(ctx context.Context, rec VectorRecord) error {
	if isZeroVector(rec.Embedding) {
		return nil
	}
	point := &pb.PointStruct{
		Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: rec.ID}},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: rec.Embedding}},
		},
		Payload: map[string]*pb.Value{
			scopeKeyField:   {Kind: &pb.Value_StringValue{StringValue: rec.ScopeKey}},
			lastUsedAtField: {Kind: &pb.Value_IntegerValue{IntegerValue: rec.LastUsedAt.UnixNano()}},
		},
	}

	wait := true
	err := v.limiter.CallWait(ctx, func(ctx context.Context) error {
		_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: v.collection,
			Wait:           &wait,
			Points:         []*pb.PointStruct{point},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("semantic: insert %s: %w", rec.ID, err)
	}
	return nil
}

// Remove deletes a single point by id.
func (v *VectorStore) Remove(ctx context.Context, id string) error {
	wait := true
	err := v.limiter.CallWait(ctx, func(ctx context.Context) error {
		_, err := v.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: v.collection,
			Wait:           &wait,
			Points: &pb.PointsSelector{
				PointsSelectorOneOf: &pb.PointsSelector_Points{
					Points: &pb.PointsIdsList{Ids: []*pb.PointId{
						{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
					}},
				},
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("semantic: remove %s: %w", id, err)
	}
	return nil
}

// ClearScope deletes every point tagged with scopeKey.
func (v *VectorStore) ClearScope(ctx context.Context, scopeKey string) error {
	wait := true
	err := v.limiter.CallWait(ctx, func(ctx context.Context) error {
		_, err := v.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: v.collection,
			Wait:           &wait,
			Points: &pb.PointsSelector{
				PointsSelectorOneOf: &pb.PointsSelector_Filter{
					Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch(scopeKeyField, scopeKey)}},
				},
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("semantic: clear scope %s: %w", scopeKey, err)
	}
	return nil
}

// Search performs k-NN cosine similarity search scoped to scopeKey,
// returning up to k1 results ordered by similarity descending, with ties
// broken by last_used_at descending then lexicographic id. A zero query
// vector always returns no results.
func (v *VectorStore) Search(ctx context.Context, scopeKey string, queryVec []float32, k1 int) ([]SearchResult, error) {
	if isZeroVector(queryVec) || k1 <= 0 {
		return nil, nil
	}

	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         queryVec,
		Limit:          uint64(k1),
		Filter:         &pb.Filter{Must: []*pb.Condition{fieldMatch(scopeKeyField, scopeKey)}},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}

	var resp *pb.SearchResponse
	err := v.limiter.CallWait(ctx, func(ctx context.Context) error {
		var err error
		resp, err = v.points.Search(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		sr := SearchResult{
			ID:       r.GetId().GetUuid(),
			Score:    r.GetScore(),
			ScopeKey: scopeKey,
		}
		if payload := r.GetPayload(); payload != nil {
			if v, ok := payload[lastUsedAtField]; ok {
				sr.LastUsedAt = time.Unix(0, v.GetIntegerValue())
			}
		}
		results[i] = sr
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].LastUsedAt.Equal(results[j].LastUsedAt) {
			return results[i].LastUsedAt.After(results[j].LastUsedAt)
		}
		return results[i].ID < results[j].ID
	})

	return results, nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

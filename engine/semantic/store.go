// Package semantic mirrors the listing index into Qdrant and serves
// k-nearest-neighbour searches from it. It is an alternative Searcher to the
// in-process vindex.Handle for deployments that run a Qdrant cluster.
package semantic

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/estate-rag/engine/domain"
	"github.com/WessleyAI/estate-rag/engine/vindex"
)

// PayloadListingID is the payload field holding the listing id.
const PayloadListingID = "listing_id"

// DefaultBatchSize is the number of points sent per upsert.
const DefaultBatchSize = 256

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsAPI interface {
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore owns every Qdrant call the engine makes.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	batch       int
}

// New dials Qdrant's gRPC port at addr.
func New(addr, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection)
	vs.conn = conn
	return vs, nil
}

// NewWithClients builds a VectorStore over existing gRPC clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *VectorStore {
	return &VectorStore{points: points, collections: collections, collection: collection, batch: DefaultBatchSize}
}

// Close closes the gRPC connection when New opened one.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Collection returns the collection name.
func (v *VectorStore) Collection() string { return v.collection }

// PointID maps a listing id to its stable Qdrant point id.
func PointID(listingID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("listing:"+listingID)).String()
}

func (v *VectorStore) create(ctx context.Context, dims int) error {
	_, err := v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(dims), Distance: pb.Distance_Euclid},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

// Mirror replaces the collection contents with the vectors of ix. Rebuilds
// are full, so the collection is dropped and recreated first.
func (v *VectorStore) Mirror(ctx context.Context, ix *vindex.Index) error {
	// A missing collection is fine; any other failure surfaces on create.
	_, _ = v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: v.collection})
	if err := v.create(ctx, ix.Dim()); err != nil {
		return err
	}

	wait := true
	for start := 0; start < ix.Len(); start += v.batch {
		end := min(start+v.batch, ix.Len())
		points := make([]*pb.PointStruct, 0, end-start)
		for i := start; i < end; i++ {
			id := ix.ID(i)
			points = append(points, &pb.PointStruct{
				Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)}},
				Vectors: &pb.Vectors{
					VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: ix.Vector(i)}},
				},
				Payload: map[string]*pb.Value{
					PayloadListingID: {Kind: &pb.Value_StringValue{StringValue: id}},
				},
			})
		}
		_, err := v.points.Upsert(ctx, &pb.UpsertPoints{CollectionName: v.collection, Wait: &wait, Points: points})
		if err != nil {
			return fmt.Errorf("semantic: upsert points %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// Search returns the k nearest listings. Qdrant reports Euclidean distance
// as the score; it is squared here to match vindex. Transport failures match
// domain.ErrRetrievalUnavailable.
func (v *VectorStore) Search(ctx context.Context, query []float32, k int) ([]vindex.Neighbor, error) {
	if k < 1 {
		return nil, vindex.ErrInvalidK
	}
	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         query,
		Limit:          uint64(k),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Include{
				Include: &pb.PayloadIncludeSelector{Fields: []string{PayloadListingID}},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w: %w", domain.ErrRetrievalUnavailable, err)
	}

	out := make([]vindex.Neighbor, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		id := r.GetPayload()[PayloadListingID].GetStringValue()
		if id == "" {
			continue
		}
		d := float64(r.GetScore())
		out = append(out, vindex.Neighbor{ID: id, Distance: d * d})
	}
	return out, nil
}

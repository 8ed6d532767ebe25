package semantic

import (
	"context"
	"errors"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/WessleyAI/estate-rag/engine/domain"
	"github.com/WessleyAI/estate-rag/engine/vindex"
)

// --- Mocks ---

type mockPoints struct {
	upserts    []*pb.UpsertPoints
	upsertErr  error
	lastSearch *pb.SearchPoints
	searchResp *pb.SearchResponse
	searchErr  error
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upserts = append(m.upserts, in)
	return &pb.PointsOperationResponse{}, m.upsertErr
}

func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.lastSearch = in
	return m.searchResp, m.searchErr
}

type mockCollections struct {
	created   []*pb.CreateCollection
	createErr error
	deleted   int
	deleteErr error
}

func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = append(m.created, in)
	return &pb.CollectionOperationResponse{Result: m.createErr == nil}, m.createErr
}

func (m *mockCollections) Delete(_ context.Context, _ *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.deleted++
	return &pb.CollectionOperationResponse{}, m.deleteErr
}

func testIndex(t *testing.T, n int) *vindex.Index {
	t.Helper()
	ids := make([]string, n)
	vecs := make([][]float32, n)
	for i := range n {
		ids[i] = "P" + string(rune('A'+i%26)) + string(rune('a'+i/26))
		vecs[i] = []float32{float32(i), 0}
	}
	ix, err := vindex.FromVectors(vindex.Tag{Dim: 2, Model: "hash-v1"}, ids, vecs)
	if err != nil {
		t.Fatal(err)
	}
	return ix
}

// --- Tests ---

func TestNewWithClientsClose(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, "listings")
	if vs.Collection() != "listings" {
		t.Fatalf("collection = %q", vs.Collection())
	}
	if err := vs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPointIDStable(t *testing.T) {
	a, b := PointID("P1"), PointID("P1")
	if a != b || a == PointID("P2") {
		t.Fatalf("ids: %s %s", a, PointID("P2"))
	}
}

func TestMirrorBatches(t *testing.T) {
	pts := &mockPoints{}
	cols := &mockCollections{deleteErr: errors.New("not found")}
	vs := NewWithClients(pts, cols, "listings")
	vs.batch = 2

	ix := testIndex(t, 5)
	if err := vs.Mirror(context.Background(), ix); err != nil {
		t.Fatal(err)
	}
	if cols.deleted != 1 || len(cols.created) != 1 {
		t.Fatalf("deleted=%d created=%d", cols.deleted, len(cols.created))
	}
	params := cols.created[0].GetVectorsConfig().GetParams()
	if params.GetSize() != 2 || params.GetDistance() != pb.Distance_Euclid {
		t.Fatalf("params = %v", params)
	}
	if len(pts.upserts) != 3 {
		t.Fatalf("upsert calls = %d, want 3", len(pts.upserts))
	}
	first := pts.upserts[0].GetPoints()[0]
	if first.GetId().GetUuid() != PointID(ix.ID(0)) {
		t.Errorf("point id = %s", first.GetId().GetUuid())
	}
	if first.GetPayload()[PayloadListingID].GetStringValue() != ix.ID(0) {
		t.Errorf("payload = %v", first.GetPayload())
	}
	if len(pts.upserts[2].GetPoints()) != 1 {
		t.Errorf("last batch = %d points", len(pts.upserts[2].GetPoints()))
	}
}

func TestMirrorErrors(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{createErr: errors.New("boom")}, "listings")
	if err := vs.Mirror(context.Background(), testIndex(t, 1)); err == nil {
		t.Fatal("expected create error")
	}
	vs = NewWithClients(&mockPoints{upsertErr: errors.New("boom")}, &mockCollections{}, "listings")
	if err := vs.Mirror(context.Background(), testIndex(t, 1)); err == nil {
		t.Fatal("expected upsert error")
	}
}

func TestSearch(t *testing.T) {
	str := func(s string) *pb.Value { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}} }
	pts := &mockPoints{searchResp: &pb.SearchResponse{Result: []*pb.ScoredPoint{
		{Score: 0, Payload: map[string]*pb.Value{PayloadListingID: str("P1")}},
		{Score: 2, Payload: map[string]*pb.Value{PayloadListingID: str("P2")}},
		{Score: 3, Payload: map[string]*pb.Value{}},
	}}}
	vs := NewWithClients(pts, &mockCollections{}, "listings")

	got, err := vs.Search(context.Background(), []float32{1, 2}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "P1" || got[1].ID != "P2" || got[1].Distance != 4 {
		t.Fatalf("neighbors = %+v", got)
	}
	if pts.lastSearch.GetLimit() != 3 || pts.lastSearch.GetCollectionName() != "listings" {
		t.Errorf("request = %v", pts.lastSearch)
	}
}

func TestSearchErrors(t *testing.T) {
	vs := NewWithClients(&mockPoints{searchErr: errors.New("unavailable")}, &mockCollections{}, "listings")
	_, err := vs.Search(context.Background(), []float32{1}, 1)
	if !errors.Is(err, domain.ErrRetrievalUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if _, err := vs.Search(context.Background(), []float32{1}, 0); !errors.Is(err, vindex.ErrInvalidK) {
		t.Fatalf("err = %v", err)
	}
}

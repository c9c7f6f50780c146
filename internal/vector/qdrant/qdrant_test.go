package qdrant

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/vector"
	"github.com/efebarandurmaz/docvault/internal/vector/vectortest"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func mustParse(t *testing.T, where map[string]any) *vector.Filter {
	t.Helper()
	f, err := vector.ParseFilter(where)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestTranslateFilter_Empty(t *testing.T) {
	pf, exact := translateFilter(nil)
	if pf != nil || !exact {
		t.Errorf("translateFilter(nil) = %v, %v", pf, exact)
	}
}

func TestTranslateFilter(t *testing.T) {
	tests := []struct {
		name        string
		where       map[string]any
		exact       bool
		wantMust    int
		wantMustNot int
	}{
		{"string equality", map[string]any{"category": "A"}, true, 1, 0},
		{"number equality", map[string]any{"page": 3}, true, 1, 0},
		{"bool equality", map[string]any{"draft": true}, true, 1, 0},
		{"not equal requires presence", map[string]any{"category": map[string]any{"$ne": "A"}}, true, 0, 2},
		{"range", map[string]any{"page": map[string]any{"$gte": 2, "$lt": 5}}, true, 2, 0},
		{"string set", map[string]any{"tag": map[string]any{"$in": []any{"a", "b"}}}, true, 1, 0},
		{"integer set", map[string]any{"page": map[string]any{"$in": []any{1, 2}}}, true, 1, 0},
		{"excluded set", map[string]any{"tag": map[string]any{"$nin": []any{"a"}}}, true, 0, 2},
		{"mixed set falls back", map[string]any{"tag": map[string]any{"$in": []any{"a", 1}}}, false, 0, 1},
		{"nested value falls back", map[string]any{"loc": map[string]any{"$eq": map[string]any{"x": 1}}}, false, 0, 1},
		{"conjunction", map[string]any{"$and": []any{
			map[string]any{"category": "A"},
			map[string]any{"page": map[string]any{"$gt": 1}},
		}}, true, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf, exact := translateFilter(mustParse(t, tt.where))
			if exact != tt.exact {
				t.Errorf("exact = %v, want %v", exact, tt.exact)
			}
			if len(pf.GetMust()) != tt.wantMust || len(pf.GetMustNot()) != tt.wantMustNot {
				t.Errorf("must/mustNot = %d/%d, want %d/%d",
					len(pf.GetMust()), len(pf.GetMustNot()), tt.wantMust, tt.wantMustNot)
			}
		})
	}
}

func TestTranslateFilter_KeysAreNested(t *testing.T) {
	pf, _ := translateFilter(mustParse(t, map[string]any{"category": "A"}))
	fc := pf.GetMust()[0].GetField()
	if fc.GetKey() != "metadata.category" {
		t.Errorf("key = %q", fc.GetKey())
	}
	if fc.GetMatch().GetKeyword() != "A" {
		t.Errorf("keyword = %q", fc.GetMatch().GetKeyword())
	}
}

func TestTranslateFilter_NumberEqualityIsClosedRange(t *testing.T) {
	pf, _ := translateFilter(mustParse(t, map[string]any{"score": 0.5}))
	r := pf.GetMust()[0].GetField().GetRange()
	if r.GetGte() != 0.5 || r.GetLte() != 0.5 {
		t.Errorf("range = %v", r)
	}
}

func TestValueRoundTrip(t *testing.T) {
	in := map[string]any{
		"s":    "x",
		"i":    3,
		"f":    1.5,
		"b":    true,
		"list": []any{"a", 2},
		"obj":  map[string]any{"k": "v"},
		"null": nil,
	}
	got, ok := fromValue(toValue(in)).(map[string]any)
	if !ok {
		t.Fatal("expected a map")
	}
	if got["i"] != float64(3) || got["f"] != 1.5 || got["s"] != "x" || got["b"] != true {
		t.Errorf("scalars = %v", got)
	}
	if got["null"] != nil {
		t.Errorf("null = %v", got["null"])
	}
	if l := got["list"].([]any); len(l) != 2 || l[1] != float64(2) {
		t.Errorf("list = %v", l)
	}
	if toValue(3).GetIntegerValue() != 3 {
		t.Error("integral numbers should be stored as integers")
	}
}

func TestPointID_Deterministic(t *testing.T) {
	a := pointID("doc#0").GetUuid()
	if a != pointID("doc#0").GetUuid() {
		t.Error("point ids must be stable")
	}
	if a == pointID("doc#1").GetUuid() {
		t.Error("distinct keys must get distinct ids")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("not a uuid: %v", err)
	}
}

func TestRemoteErr(t *testing.T) {
	if remoteErr("op", nil) != nil {
		t.Error("nil should stay nil")
	}
	if err := remoteErr("op", status.Error(codes.Unavailable, "down")); !errors.Is(err, errdefs.ErrUpstreamUnavailable) {
		t.Errorf("unavailable = %v", err)
	}
	if err := remoteErr("op", status.Error(codes.InvalidArgument, "bad")); !errors.Is(err, errdefs.ErrStore) {
		t.Errorf("invalid argument = %v", err)
	}
}

func TestFromPayload(t *testing.T) {
	rec, seq := fromPayload(map[string]*pb.Value{
		payloadKey:      stringValue("doc#1"),
		payloadIdentity: stringValue("doc"),
		payloadContent:  stringValue("body"),
		payloadSeq:      {Kind: &pb.Value_IntegerValue{IntegerValue: 7}},
		payloadMetadata: toValue(map[string]any{"a": "b"}),
	})
	if rec.Key != "doc#1" || rec.Identity != "doc" || rec.Content != "body" || seq != 7 {
		t.Errorf("got %+v seq %d", rec, seq)
	}
	if rec.Metadata["a"] != "b" {
		t.Errorf("metadata = %v", rec.Metadata)
	}
}

// infoClient answers collection info with a fixed vector size.
type infoClient struct {
	pb.CollectionsClient
	size  uint64
	calls atomic.Int64
}

func (c *infoClient) Get(context.Context, *pb.GetCollectionInfoRequest, ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	c.calls.Add(1)
	return &pb.GetCollectionInfoResponse{Result: &pb.CollectionInfo{
		Config: &pb.CollectionConfig{Params: &pb.CollectionParams{
			VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: c.size, Distance: pb.Distance_Cosine},
			}},
		}},
	}}, nil
}

func TestDimension_ConcurrentReaders(t *testing.T) {
	info := &infoClient{size: 4}
	c := &Collection{collections: info, name: "shared"}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.mu.RLock()
			defer c.mu.RUnlock()
			dim, err := c.dimension(context.Background())
			if err != nil || dim != 4 {
				t.Errorf("dimension = %d, %v", dim, err)
			}
		}()
	}
	wg.Wait()

	before := info.calls.Load()
	if dim, _ := c.dimension(context.Background()); dim != 4 {
		t.Fatalf("cached dimension = %d", dim)
	}
	if info.calls.Load() != before {
		t.Fatal("cached dimension should not ask the server again")
	}
}

// TestCollection runs the shared suite against a live server when
// DOCVAULT_TEST_QDRANT_ADDR (host:port) is set.
func TestCollection(t *testing.T) {
	addr := os.Getenv("DOCVAULT_TEST_QDRANT_ADDR")
	if addr == "" {
		t.Skip("DOCVAULT_TEST_QDRANT_ADDR not set")
	}
	host, portStr, _ := strings.Cut(addr, ":")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("bad address %q", addr)
	}
	cfg := Config{Host: host, Port: port}
	names := map[vector.Collection]string{}

	openNamed := func(t *testing.T, name string) vector.Collection {
		c, err := Open(context.Background(), cfg, name)
		if err != nil {
			t.Fatal(err)
		}
		names[c] = name
		return c
	}
	vectortest.Run(t, vectortest.Opener{
		Open: func(t *testing.T) vector.Collection {
			name := "docvault_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			c := openNamed(t, name)
			t.Cleanup(func() {
				// The suite closes c first, so drop through a fresh client.
				if dc, err := Open(context.Background(), cfg, name); err == nil {
					dc.collections.Delete(context.Background(), &pb.DeleteCollection{CollectionName: name})
					dc.Close()
				}
			})
			return c
		},
		Reopen: func(t *testing.T, c vector.Collection) vector.Collection {
			name := names[c]
			if err := c.Close(); err != nil {
				t.Fatal(err)
			}
			return openNamed(t, name)
		},
	})
}

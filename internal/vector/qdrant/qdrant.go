// Package qdrant stores a collection in a Qdrant server over gRPC.
package qdrant

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/vector"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Payload keys. Caller metadata is nested under payloadMetadata so it can
// never collide with the bookkeeping fields.
const (
	payloadKey      = "key"
	payloadIdentity = "identity"
	payloadSeq      = "seq"
	payloadContent  = "content"
	payloadMetadata = "metadata"
)

var pointNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("docvault.point"))

// Config addresses a Qdrant server.
type Config struct {
	Host   string
	Port   int
	APIKey string
}

// Collection implements vector.Collection on Qdrant.
type Collection struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	name        string

	mu      sync.RWMutex
	dim     atomic.Int64
	lastSeq uint64
}

// Open connects to Qdrant. The remote collection is created on the first Add.
func Open(ctx context.Context, cfg Config, name string) (*Collection, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if cfg.APIKey != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errdefs.Upstream("qdrant connect", err)
	}
	c := &Collection{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		name:        name,
	}
	if _, err := c.dimension(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", key)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// dimension reads the vector size of the remote collection, 0 when it does
// not exist yet. Readers under mu.RLock may fill the cache concurrently.
func (c *Collection) dimension(ctx context.Context) (int, error) {
	if d := c.dim.Load(); d > 0 {
		return int(d), nil
	}
	info, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: c.name})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, remoteErr("qdrant collection info", err)
	}
	if params := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
		c.dim.Store(int64(params.GetSize()))
	}
	return int(c.dim.Load()), nil
}

func (c *Collection) ensure(ctx context.Context, dim int) error {
	_, err := c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: c.name,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{
			Params: &pb.VectorParams{Size: uint64(dim), Distance: pb.Distance_Cosine},
		}},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return remoteErr("qdrant create collection", err)
	}
	_, err = c.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: c.name,
		FieldName:      payloadIdentity,
		FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
		Wait:           ptr(true),
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return remoteErr("qdrant identity index", err)
	}
	c.dim.Store(int64(dim))
	return nil
}

func (c *Collection) Add(ctx context.Context, records []vector.Record) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dim, err := c.dimension(ctx)
	if err != nil {
		return 0, err
	}
	batch, newDim, err := vector.PrepareBatch(records, dim)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if dim == 0 {
		if err := c.ensure(ctx, newDim); err != nil {
			return 0, err
		}
	}

	existing, err := c.existingSeqs(ctx, batch)
	if err != nil {
		return 0, err
	}
	points := make([]*pb.PointStruct, len(batch))
	for i, r := range batch {
		seq, ok := existing[r.Key]
		if !ok {
			seq = c.nextSeq()
		}
		points[i] = &pb.PointStruct{
			Id:      pointID(r.Key),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Vector}}},
			Payload: map[string]*pb.Value{
				payloadKey:      stringValue(r.Key),
				payloadIdentity: stringValue(r.Identity),
				payloadSeq:      {Kind: &pb.Value_IntegerValue{IntegerValue: int64(seq)}},
				payloadContent:  stringValue(r.Content),
				payloadMetadata: toValue(r.Metadata),
			},
		}
	}

	_, err = c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.name,
		Wait:           ptr(true),
		Points:         points,
	})
	if err != nil {
		return 0, remoteErr("qdrant upsert", err)
	}
	return len(records), nil
}

// nextSeq hands out increasing sequence numbers that stay ahead of earlier
// processes by starting from the wall clock.
func (c *Collection) nextSeq() uint64 {
	now := uint64(time.Now().UnixNano())
	if now <= c.lastSeq {
		now = c.lastSeq + 1
	}
	c.lastSeq = now
	return now
}

func (c *Collection) existingSeqs(ctx context.Context, batch []vector.Record) (map[string]uint64, error) {
	ids := make([]*pb.PointId, len(batch))
	for i, r := range batch {
		ids[i] = pointID(r.Key)
	}
	resp, err := c.points.Get(ctx, &pb.GetPoints{
		CollectionName: c.name,
		Ids:            ids,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Include{Include: &pb.PayloadIncludeSelector{Fields: []string{payloadKey, payloadSeq}}}},
	})
	if err != nil {
		return nil, remoteErr("qdrant get", err)
	}
	out := make(map[string]uint64, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		key := pt.GetPayload()[payloadKey].GetStringValue()
		out[key] = uint64(pt.GetPayload()[payloadSeq].GetIntegerValue())
	}
	return out, nil
}

func (c *Collection) Query(ctx context.Context, q vector.Query) ([]vector.Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	dim, err := c.dimension(ctx)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, nil
	}
	if len(q.Vector) != dim {
		return nil, errdefs.DimensionMismatch(len(q.Vector), dim)
	}

	pf, exact := translateFilter(q.Filter)
	limit := uint64(q.K)
	if !exact {
		limit = uint64(q.K) * 4
	}
	top := vector.NewTopK(q.K)
	found := 0
	for offset := uint64(0); ; offset += limit {
		resp, err := c.points.Search(ctx, &pb.SearchPoints{
			CollectionName: c.name,
			Vector:         q.Vector,
			Limit:          limit,
			Offset:         ptr(offset),
			Filter:         pf,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, remoteErr("qdrant search", err)
		}
		for _, pt := range resp.GetResult() {
			rec, seq := fromPayload(pt.GetPayload())
			if !exact && !q.Filter.Match(rec.Metadata) {
				continue
			}
			found++
			top.Push(rec, seq, 1-float64(pt.GetScore()))
		}
		if exact || found >= q.K || uint64(len(resp.GetResult())) < limit {
			break
		}
	}
	return top.Matches(), nil
}

func (c *Collection) Delete(ctx context.Context, identities []string) error {
	if len(identities) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dim, err := c.dimension(ctx)
	if err != nil || dim == 0 {
		return err
	}
	_, err = c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: c.name,
		Wait:           ptr(true),
		Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Filter{
			Filter: &pb.Filter{Must: []*pb.Condition{keywordsCondition(payloadIdentity, identities)}},
		}},
	})
	return remoteErr("qdrant delete", err)
}

// Persist is a no-op: every write waits for the server to apply it.
func (c *Collection) Persist(context.Context) error { return nil }

func (c *Collection) Stats(ctx context.Context) (vector.Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := vector.Stats{Backend: "qdrant", Collection: c.name}
	dim, err := c.dimension(ctx)
	if err != nil || dim == 0 {
		return st, err
	}
	st.Dimension = dim
	resp, err := c.points.Count(ctx, &pb.CountPoints{CollectionName: c.name, Exact: ptr(true)})
	if err != nil {
		return st, remoteErr("qdrant count", err)
	}
	st.Count = int(resp.GetResult().GetCount())
	return st, nil
}

func (c *Collection) Close() error {
	return c.conn.Close()
}

func pointID(key string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.NewSHA1(pointNamespace, []byte(key)).String()}}
}

func fromPayload(p map[string]*pb.Value) (vector.Record, uint64) {
	rec := vector.Record{
		Key:      p[payloadKey].GetStringValue(),
		Identity: p[payloadIdentity].GetStringValue(),
		Content:  p[payloadContent].GetStringValue(),
	}
	if m, ok := fromValue(p[payloadMetadata]).(map[string]any); ok {
		rec.Metadata = m
	}
	return rec, uint64(p[payloadSeq].GetIntegerValue())
}

// remoteErr classifies gRPC failures: unreachable or timed-out servers are
// upstream errors, everything else is a store error.
func remoteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return errdefs.Upstream(op, err)
	}
	return errdefs.Store(op, err)
}

func ptr[T any](v T) *T { return &v }

func isIntegral(f float64) bool {
	return f == math.Trunc(f) && math.Abs(f) < 1<<53
}

var _ vector.Collection = (*Collection)(nil)

package semantic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// pointsAPI is the subset of pb.PointsClient the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

type healthAPI interface {
	HealthCheck(ctx context.Context, in *pb.HealthCheckRequest, opts ...grpc.CallOption) (*pb.HealthCheckReply, error)
}

// Options configures a Qdrant-backed VectorStore.
type Options struct {
	Collection string
	Distance   Distance
	// Wait makes Insert block until the point is indexed. Without it the
	// store may acknowledge before the reading is searchable.
	Wait bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Collection: "water_meters",
		Distance:   Cosine,
		Wait:       true,
	}
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	health      healthAPI
	opts        Options
	dim         atomic.Int64
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, opts Options) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), opts)
	vs.conn = conn
	vs.health = pb.NewQdrantClient(conn)
	return vs, nil
}

// NewWithClients builds a VectorStore over already-constructed clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, opts Options) *VectorStore {
	if opts.Collection == "" {
		opts.Collection = DefaultOptions().Collection
	}
	if opts.Distance == "" {
		opts.Distance = Cosine
	}
	return &VectorStore{points: points, collections: collections, opts: opts}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Dimension returns the vector size learned from EnsureCollection, or 0.
func (v *VectorStore) Dimension() int { return int(v.dim.Load()) }

func pbDistance(d Distance) pb.Distance {
	if d == Dot {
		return pb.Distance_Dot
	}
	return pb.Distance_Cosine
}

func fromPBDistance(d pb.Distance) Distance {
	switch d {
	case pb.Distance_Cosine:
		return Cosine
	case pb.Distance_Dot:
		return Dot
	default:
		return Distance(d.String())
	}
}

// EnsureCollection creates the collection if it doesn't exist, or verifies
// that the existing one matches dim and the configured distance.
func (v *VectorStore) EnsureCollection(ctx context.Context, dim int) error {
	const op = "semantic.ensure_collection"
	if dim <= 0 {
		return domain.Invalid(op, "dimension", fmt.Sprint(dim), domain.ErrNonPositive)
	}

	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return classify(op, err)
	}
	exists := false
	for _, c := range list.GetCollections() {
		if c.GetName() == v.opts.Collection {
			exists = true
			break
		}
	}

	if exists {
		info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.opts.Collection})
		if err != nil {
			return classify(op, err)
		}
		params := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams()
		if params == nil {
			return domain.Ef(domain.SchemaConflict, op, "collection %s uses named vectors", v.opts.Collection)
		}
		if int(params.GetSize()) != dim {
			return domain.Ef(domain.SchemaConflict, op, "collection %s has dimension %d, want %d", v.opts.Collection, params.GetSize(), dim)
		}
		if got := fromPBDistance(params.GetDistance()); got != v.opts.Distance {
			return domain.Ef(domain.SchemaConflict, op, "collection %s uses %s distance, want %s", v.opts.Collection, got, v.opts.Distance)
		}
		v.dim.Store(int64(dim))
		return nil
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.opts.Collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pbDistance(v.opts.Distance),
				},
			},
		},
	})
	if err != nil {
		// Lost a creation race; re-run the verification path.
		if status.Code(err) == codes.AlreadyExists {
			return v.EnsureCollection(ctx, dim)
		}
		return classify(op, err)
	}

	indexes := []struct {
		field string
		typ   pb.FieldType
	}{
		{domain.FieldCity, pb.FieldType_FieldTypeKeyword},
		{domain.FieldStreetName, pb.FieldType_FieldTypeKeyword},
		{domain.FieldStreetNumber, pb.FieldType_FieldTypeKeyword},
		{domain.FieldCreatedAt, pb.FieldType_FieldTypeInteger},
	}
	wait := true
	for _, idx := range indexes {
		_, err := v.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: v.opts.Collection,
			Wait:           &wait,
			FieldName:      idx.field,
			FieldType:      idx.typ.Enum(),
		})
		if err != nil {
			return classify(op, fmt.Errorf("index %s: %w", idx.field, err))
		}
	}
	v.dim.Store(int64(dim))
	return nil
}

// Insert upserts one reading keyed by its id. Repeating an insert with the
// same reading never creates a second point.
func (v *VectorStore) Insert(ctx context.Context, r domain.Reading) (Visibility, error) {
	const op = "semantic.insert"
	if err := validateInsert(op, r, v.Dimension()); err != nil {
		return Visibility{}, err
	}
	if _, err := uuid.Parse(r.ID); err != nil {
		return Visibility{}, domain.Invalid(op, "id", r.ID, domain.ErrBadID)
	}

	wait := v.opts.Wait
	resp, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.opts.Collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Embedding},
				},
			},
			Payload: readingPayload(r),
		}},
	})
	if err != nil {
		return Visibility{}, classify(op, err)
	}
	return Visibility{Visible: resp.GetResult().GetStatus() == pb.UpdateStatus_Completed}, nil
}

// Search performs k-NN similarity search with optional keyword filters.
func (v *VectorStore) Search(ctx context.Context, vector []float32, topK int, filter domain.Filter) ([]domain.Match, error) {
	const op = "semantic.search"
	if topK <= 0 {
		return nil, domain.Invalid(op, "top_k", fmt.Sprint(topK), domain.ErrNonPositive)
	}
	if err := validateFilter(op, filter); err != nil {
		return nil, err
	}
	if d := v.Dimension(); d > 0 && len(vector) != d {
		return nil, domain.Ef(domain.EmbeddingDimensionMismatch, op, "query has %d dimensions, collection has %d", len(vector), d)
	}

	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.opts.Collection,
		Vector:         vector,
		Limit:          uint64(topK),
		Filter:         buildFilter(filter),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, classify(op, err)
	}

	matches := make([]domain.Match, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		r, err := decodeReading(p.GetId(), p.GetPayload())
		if err != nil {
			return nil, domain.E(domain.StoreProtocolError, op, "undecodable point", err)
		}
		matches = append(matches, domain.Match{Reading: r, Score: p.GetScore()})
	}
	sortMatches(matches)
	return matches, nil
}

// Count returns the exact number of stored readings.
func (v *VectorStore) Count(ctx context.Context) (uint64, error) {
	exact := true
	resp, err := v.points.Count(ctx, &pb.CountPoints{CollectionName: v.opts.Collection, Exact: &exact})
	if err != nil {
		return 0, classify("semantic.count", err)
	}
	return resp.GetResult().GetCount(), nil
}

// Describe reports the collection's schema and size.
func (v *VectorStore) Describe(ctx context.Context) (Description, error) {
	const op = "semantic.describe"
	info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.opts.Collection})
	if err != nil {
		return Description{}, classify(op, err)
	}
	res := info.GetResult()
	params := res.GetConfig().GetParams().GetVectorsConfig().GetParams()
	return Description{
		Collection: v.opts.Collection,
		Dimension:  int(params.GetSize()),
		Distance:   fromPBDistance(params.GetDistance()),
		Points:     res.GetPointsCount(),
		Status:     res.GetStatus().String(),
		Fields:     PayloadFields,
	}, nil
}

// Recent returns the newest readings matching filter, newest first.
func (v *VectorStore) Recent(ctx context.Context, limit int, filter domain.Filter) ([]domain.Reading, error) {
	const op = "semantic.recent"
	if limit <= 0 {
		return nil, domain.Invalid(op, "limit", fmt.Sprint(limit), domain.ErrNonPositive)
	}
	if err := validateFilter(op, filter); err != nil {
		return nil, err
	}
	n := uint32(limit)
	resp, err := v.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: v.opts.Collection,
		Limit:          &n,
		Filter:         buildFilter(filter),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		OrderBy: &pb.OrderBy{
			Key:       domain.FieldCreatedAt,
			Direction: pb.Direction_Desc.Enum(),
		},
	})
	if err != nil {
		return nil, classify(op, err)
	}
	out := make([]domain.Reading, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		r, err := decodeReading(p.GetId(), p.GetPayload())
		if err != nil {
			return nil, domain.E(domain.StoreProtocolError, op, "undecodable point", err)
		}
		out = append(out, r)
	}
	sortRecent(out)
	return out, nil
}

// Health pings the Qdrant service.
func (v *VectorStore) Health(ctx context.Context) error {
	if v.health == nil {
		_, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
		return classify("semantic.health", err)
	}
	_, err := v.health.HealthCheck(ctx, &pb.HealthCheckRequest{})
	return classify("semantic.health", err)
}

// classify maps transport failures onto the store error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.E(domain.StoreUnavailable, op, "", err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Canceled:
		return domain.E(domain.StoreUnavailable, op, "", err)
	default:
		return domain.E(domain.StoreProtocolError, op, "", err)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package api

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"transferbook/internal/database"
	"transferbook/internal/models"
)

// Операторский gRPC: поиск брони и очередь сверки. Сообщения - google.protobuf.Struct,
// поэтому отдельная генерация кода не нужна.
const (
	lookupServiceName         = "transferbook.v1.BookingLookup"
	lookupGetBooking          = "/" + lookupServiceName + "/GetBooking"
	lookupListReconciliations = "/" + lookupServiceName + "/ListReconciliations"
	lookupJournalStats        = "/" + lookupServiceName + "/JournalStats"
)

// LookupStore is the journal surface the lookup service reads.
type LookupStore interface {
	GetBookingByRef(ctx context.Context, bookingRef string) (*models.BookingRecord, error)
	GetFailedTasks(ctx context.Context, limit int) ([]*models.ReconcileTask, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type lookupServer interface {
	GetBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListReconciliations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	JournalStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type LookupService struct {
	store LookupStore
}

func NewLookupService(store LookupStore) *LookupService {
	return &LookupService{store: store}
}

// GetBooking expects {"booking_ref": "..."} and answers {"booking": {...}}.
func (s *LookupService) GetBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ref := req.GetFields()["booking_ref"].GetStringValue()
	if ref == "" {
		return nil, status.Error(codes.InvalidArgument, "booking_ref is required")
	}
	rec, err := s.store.GetBookingByRef(ctx, ref)
	if errors.Is(err, database.ErrBookingNotFound) {
		return nil, status.Error(codes.NotFound, "booking not found")
	}
	if err != nil {
		return nil, status.Error(codes.Internal, "journal lookup failed")
	}
	return toStruct(map[string]any{"booking": rec})
}

// ListReconciliations lists dead reconcile tasks. Optional {"limit": n}, default 50.
func (s *LookupService) ListReconciliations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := 50
	if v, ok := req.GetFields()["limit"]; ok {
		n := int(v.GetNumberValue())
		if n <= 0 || n > 500 {
			return nil, status.Error(codes.InvalidArgument, "limit must be between 1 and 500")
		}
		limit = n
	}
	tasks, err := s.store.GetFailedTasks(ctx, limit)
	if err != nil {
		return nil, status.Error(codes.Internal, "task listing failed")
	}
	if tasks == nil {
		tasks = []*models.ReconcileTask{}
	}
	return toStruct(map[string]any{"tasks": tasks})
}

func (s *LookupService) JournalStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, "journal stats failed")
	}
	return toStruct(map[string]any{"by_status": counts})
}

// toStruct goes through JSON so model tags decide the field names.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func unaryHandler(method string, call func(lookupServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(lookupServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		h := func(ctx context.Context, req any) (any, error) {
			return call(srv.(lookupServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, h)
	}
}

var lookupServiceDesc = grpc.ServiceDesc{
	ServiceName: lookupServiceName,
	HandlerType: (*lookupServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBooking", Handler: unaryHandler(lookupGetBooking, lookupServer.GetBooking)},
		{MethodName: "ListReconciliations", Handler: unaryHandler(lookupListReconciliations, lookupServer.ListReconciliations)},
		{MethodName: "JournalStats", Handler: unaryHandler(lookupJournalStats, lookupServer.JournalStats)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transferbook/v1/lookup",
}

func RegisterLookupService(s grpc.ServiceRegistrar, srv *LookupService) {
	s.RegisterService(&lookupServiceDesc, srv)
}

package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wulonghui/dea-ng/internal/interfaces"
	"github.com/wulonghui/dea-ng/internal/logger"
)

const (
	serviceName   = "dea.StagingQuery"
	getTaskMethod = "/dea.StagingQuery/GetTask"
)

// TaskLookup is the read side of the staging manager
type TaskLookup interface {
	GetTask(ctx context.Context, id string) (*interfaces.TaskRecord, error)
}

// StagingQueryServer answers staging task status queries. Requests and
// responses are protobuf Structs keyed like the bus replies.
type StagingQueryServer interface {
	GetTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type Server struct {
	lookup TaskLookup
}

func NewServer(lookup TaskLookup) *Server {
	return &Server{lookup: lookup}
}

// Register attaches srv to a gRPC server
func Register(gs *grpc.Server, srv StagingQueryServer) {
	gs.RegisterService(&serviceDesc, srv)
}

func (s *Server) GetTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["task_id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}

	rec, err := s.lookup.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, interfaces.ErrTaskNotFound) {
			return nil, status.Errorf(codes.NotFound, "staging task %s not found", id)
		}
		logger.WithTaskID(id).Error().Err(err).Msg("Failed to look up staging task")
		return nil, status.Error(codes.Internal, "failed to look up staging task")
	}

	resp, err := recordToStruct(rec)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

func recordToStruct(rec *interfaces.TaskRecord) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"task_id":           rec.ID,
		"app_id":            rec.AppID,
		"status":            string(rec.Status),
		"streaming_log_url": rec.StreamingLogURL,
		"error":             rec.Error,
		"created_at":        rec.CreatedAt.Format(time.RFC3339),
		"updated_at":        rec.UpdatedAt.Format(time.RFC3339),
	})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StagingQueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetTask",
			Handler:    getTaskHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dea/staging_query.proto",
}

func getTaskHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StagingQueryServer).GetTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getTaskMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StagingQueryServer).GetTask(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

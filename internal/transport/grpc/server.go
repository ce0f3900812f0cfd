package grpcx

import (
	"context"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/rpccontract"
	"github.com/bcrosbie/agentdispatch/internal/runner"
	"github.com/bcrosbie/agentdispatch/internal/service"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type DispatchRPCServer interface {
	GetHealth(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListModels(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	RunAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRuns(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	StreamRun(*structpb.Struct, grpc.ServerStream) error
}

type DispatchHandler struct {
	runs *service.RunService
}

func NewDispatchHandler(runs *service.RunService) *DispatchHandler {
	return &DispatchHandler{runs: runs}
}

func RegisterDispatchServer(server *grpc.Server, handler DispatchRPCServer) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: rpccontract.ServiceName,
		HandlerType: (*DispatchRPCServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "GetHealth", Handler: getHealthHandler},
			{MethodName: "ListModels", Handler: listModelsHandler},
			{MethodName: "RunAgent", Handler: runAgentHandler},
			{MethodName: "GetRun", Handler: getRunHandler},
			{MethodName: "ListRuns", Handler: listRunsHandler},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "StreamRun", Handler: streamRunHandler, ServerStreams: true},
		},
		Metadata: "proto/agentdispatch/v1/dispatch.proto",
	}, handler)
}

func (h *DispatchHandler) GetHealth(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(h.runs.Health())
}

func (h *DispatchHandler) ListModels(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	return toList(h.runs.ListModels())
}

// RunAgent answers with the run even when it failed; the run's status and error say why.
// Errors raised before a run exists are returned as gRPC errors.
func (h *DispatchHandler) RunAgent(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.RunAgentRequest](request)
	if err != nil {
		return nil, err
	}
	run, err := h.runs.Run(ctx, decoded)
	if err != nil && run.ID == "" {
		return nil, err
	}
	return toStruct(run)
}

type getRunRequest struct {
	ID string `json:"id"`
}

func (h *DispatchHandler) GetRun(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[getRunRequest](request)
	if err != nil {
		return nil, err
	}
	run, err := h.runs.GetRun(ctx, decoded.ID)
	if err != nil {
		return nil, err
	}
	return toStruct(run)
}

func (h *DispatchHandler) ListRuns(ctx context.Context, request *structpb.Struct) (*structpb.ListValue, error) {
	decoded, err := decodeStruct[service.ListRunsRequest](request)
	if err != nil {
		return nil, err
	}
	runs, err := h.runs.ListRuns(ctx, decoded)
	if err != nil {
		return nil, err
	}
	return toList(runs)
}

func (h *DispatchHandler) StreamRun(request *structpb.Struct, stream grpc.ServerStream) error {
	decoded, err := decodeStruct[service.RunAgentRequest](request)
	if err != nil {
		return err
	}
	return h.runs.Stream(stream.Context(), decoded, func(chunk runner.Chunk) error {
		payload, err := toStruct(chunk)
		if err != nil {
			return err
		}
		return stream.SendMsg(payload)
	})
}

func toStruct(value any) (*structpb.Struct, error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, domain.Internal("failed to encode response", err)
	}

	decoded := map[string]any{}
	if err := json.Unmarshal(serialized, &decoded); err != nil {
		return nil, domain.Internal("failed to shape response object", err)
	}
	result, err := structpb.NewStruct(decoded)
	if err != nil {
		return nil, domain.Internal("failed to convert response to protobuf struct", err)
	}
	return result, nil
}

func toList(value any) (*structpb.ListValue, error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, domain.Internal("failed to encode response list", err)
	}

	decoded := []any{}
	if err := json.Unmarshal(serialized, &decoded); err != nil {
		return nil, domain.Internal("failed to shape response list", err)
	}
	result, err := structpb.NewList(decoded)
	if err != nil {
		return nil, domain.Internal("failed to convert response to protobuf list", err)
	}
	return result, nil
}

func decodeStruct[T any](input *structpb.Struct) (T, error) {
	var out T
	serialized, err := json.Marshal(input.AsMap())
	if err != nil {
		return out, domain.InvalidArgument("request payload could not be encoded")
	}
	if err := json.Unmarshal(serialized, &out); err != nil {
		return out, domain.InvalidArgument("request payload shape is invalid")
	}
	return out, nil
}

func getHealthHandler(
	srv any,
	ctx context.Context,
	decoder func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	request := new(emptypb.Empty)
	if err := decoder(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatchRPCServer).GetHealth(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rpccontract.MethodGetHealth}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DispatchRPCServer).GetHealth(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, request, info, handler)
}

func listModelsHandler(
	srv any,
	ctx context.Context,
	decoder func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	request := new(emptypb.Empty)
	if err := decoder(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatchRPCServer).ListModels(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rpccontract.MethodListModels}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DispatchRPCServer).ListModels(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, request, info, handler)
}

func runAgentHandler(
	srv any,
	ctx context.Context,
	decoder func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	request := new(structpb.Struct)
	if err := decoder(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatchRPCServer).RunAgent(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rpccontract.MethodRunAgent}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DispatchRPCServer).RunAgent(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, request, info, handler)
}

func getRunHandler(
	srv any,
	ctx context.Context,
	decoder func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	request := new(structpb.Struct)
	if err := decoder(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatchRPCServer).GetRun(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rpccontract.MethodGetRun}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DispatchRPCServer).GetRun(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, request, info, handler)
}

func listRunsHandler(
	srv any,
	ctx context.Context,
	decoder func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	request := new(structpb.Struct)
	if err := decoder(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatchRPCServer).ListRuns(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rpccontract.MethodListRuns}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DispatchRPCServer).ListRuns(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, request, info, handler)
}

func streamRunHandler(srv any, stream grpc.ServerStream) error {
	request := new(structpb.Struct)
	if err := stream.RecvMsg(request); err != nil {
		return err
	}
	return srv.(DispatchRPCServer).StreamRun(request, stream)
}

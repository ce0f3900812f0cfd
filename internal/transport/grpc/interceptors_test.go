package grpcx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/models"
	"github.com/bcrosbie/agentdispatch/internal/rpccontract"
	"github.com/bcrosbie/agentdispatch/internal/runner"
	"github.com/bcrosbie/agentdispatch/internal/service"
	"github.com/bcrosbie/agentdispatch/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func mustStruct(t *testing.T, value map[string]any) *structpb.Struct {
	t.Helper()
	out, err := structpb.NewStruct(value)
	if err != nil {
		t.Fatalf("failed to build struct: %v", err)
	}
	return out
}

func passThrough(ctx context.Context, req any) (any, error) {
	return "ok", nil
}

func TestAuthInterceptorRejectsRunWithoutToken(t *testing.T) {
	interceptor := AuthUnaryInterceptor("secret")
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: rpccontract.MethodRunAgent}, passThrough)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %s", status.Code(err))
	}
}

func TestAuthInterceptorAllowsReadsAndBearerToken(t *testing.T) {
	interceptor := AuthUnaryInterceptor("secret")
	if _, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: rpccontract.MethodListRuns}, passThrough); err != nil {
		t.Fatalf("expected reads without a token to pass, got %v", err)
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer secret"))
	if _, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: rpccontract.MethodRunAgent}, passThrough); err != nil {
		t.Fatalf("expected bearer token to pass, got %v", err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs(rpccontract.TokenHeader, "secret"))
	if _, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: rpccontract.MethodRunAgent}, passThrough); err != nil {
		t.Fatalf("expected token header to pass, got %v", err)
	}
}

func TestRecoveryInterceptorConvertsPanics(t *testing.T) {
	interceptor := RecoveryUnaryInterceptor()
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: rpccontract.MethodGetRun}, func(context.Context, any) (any, error) {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %s", status.Code(err))
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{domain.InvalidArgument("bad"), codes.InvalidArgument},
		{domain.NotFound("gone"), codes.NotFound},
		{domain.MissingCache("no cache"), codes.NotFound},
		{domain.ModelDoesNotSupportMode("no images"), codes.InvalidArgument},
		{domain.NoProviderSupportingModel("gpt-4o"), codes.FailedPrecondition},
		{domain.MaxToolCallIteration(5), codes.Aborted},
		{domain.NewProviderError(domain.CodeRateLimit, "slow"), codes.ResourceExhausted},
		{domain.NewProviderError(domain.CodeServerOverloaded, "busy"), codes.Unavailable},
		{domain.NewProviderError(domain.CodeMaxTokensExceeded, "long"), codes.InvalidArgument},
		{fmt.Errorf("wrapped: %w", domain.NewProviderError(domain.CodeFailedGeneration, "bad json")), codes.Internal},
		{context.Canceled, codes.Canceled},
		{status.Error(codes.PermissionDenied, "nope"), codes.PermissionDenied},
		{errors.New("plain"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(mapError(tc.err)); got != tc.want {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.want, got)
		}
	}
}

type echoRunner struct {
	fail error
}

func (r echoRunner) Run(_ context.Context, req runner.Request) (domain.AgentRun, error) {
	run := domain.AgentRun{
		ID:         "run-1",
		TaskID:     req.TaskID,
		GroupID:    req.GroupID,
		TaskInput:  req.Input,
		TaskOutput: map[string]any{"echo": req.Input["text"]},
		Status:     domain.RunStatusSuccess,
		CreatedAt:  "2026-01-01T00:00:00Z",
	}
	if r.fail != nil {
		run.Status = domain.RunStatusFailure
		run.Error = domain.RunErrorFrom(r.fail)
	}
	return run, r.fail
}

func (r echoRunner) Stream(ctx context.Context, req runner.Request) iter.Seq2[runner.Chunk, error] {
	return func(yield func(runner.Chunk, error) bool) {
		for _, partial := range []string{"he", "hello"} {
			if !yield(runner.Chunk{RunID: "run-s", Output: map[string]any{"echo": partial}}, nil) {
				return
			}
		}
		run, _ := echoRunner{}.Run(ctx, req)
		run.ID = "run-s"
		yield(runner.Chunk{RunID: run.ID, Output: run.TaskOutput, Final: &run}, nil)
	}
}

func startServer(t *testing.T, r service.AgentRunner) *grpc.ClientConn {
	t.Helper()
	s := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("load store: %v", err)
	}
	runs := service.NewRunService(service.Config{Store: s, Runner: r, Models: models.Default(), StoreDriver: "file"})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoveryUnaryInterceptor(), AuthUnaryInterceptor("secret"), LoggingUnaryInterceptor(), ErrorUnaryInterceptor()),
		grpc.ChainStreamInterceptor(RecoveryStreamInterceptor(), AuthStreamInterceptor("secret"), LoggingStreamInterceptor(), ErrorStreamInterceptor()),
	)
	RegisterDispatchServer(server, NewDispatchHandler(runs))
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient(listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func runRequest(t *testing.T) *structpb.Struct {
	return mustStruct(t, map[string]any{
		"task_id":        "echo",
		"task_schema_id": 1,
		"task_input":     map[string]any{"text": "hello"},
		"properties":     map[string]any{"model": "gpt-4o-2024-11-20"},
	})
}

func authed(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, rpccontract.TokenHeader, "secret")
}

func TestRunAgentOverGRPC(t *testing.T) {
	conn := startServer(t, echoRunner{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	response := &structpb.Struct{}
	err := conn.Invoke(ctx, rpccontract.MethodRunAgent, runRequest(t), response)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated without token, got %v", err)
	}

	if err := conn.Invoke(authed(ctx), rpccontract.MethodRunAgent, runRequest(t), response); err != nil {
		t.Fatalf("run agent: %v", err)
	}
	output, _ := response.AsMap()["task_output"].(map[string]any)
	if output["echo"] != "hello" {
		t.Fatalf("unexpected output %v", response.AsMap())
	}

	fetched := &structpb.Struct{}
	if err := conn.Invoke(ctx, rpccontract.MethodGetRun, mustStruct(t, map[string]any{"id": "run-1"}), fetched); err != nil {
		t.Fatalf("get run: %v", err)
	}
	if fetched.AsMap()["task_id"] != "echo" {
		t.Fatalf("unexpected run %v", fetched.AsMap())
	}

	err = conn.Invoke(ctx, rpccontract.MethodGetRun, mustStruct(t, map[string]any{"id": "missing"}), fetched)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}

	listed := &structpb.ListValue{}
	if err := conn.Invoke(ctx, rpccontract.MethodListModels, &emptypb.Empty{}, listed); err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(listed.GetValues()) == 0 {
		t.Fatalf("expected models to be listed")
	}
}

func TestRunAgentRejectsInvalidRequest(t *testing.T) {
	conn := startServer(t, echoRunner{})
	ctx, cancel := context.WithTimeout(authed(context.Background()), 5*time.Second)
	defer cancel()

	err := conn.Invoke(ctx, rpccontract.MethodRunAgent, mustStruct(t, map[string]any{"task_id": "echo"}), &structpb.Struct{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestRunAgentReturnsFailedRun(t *testing.T) {
	conn := startServer(t, echoRunner{fail: domain.NewProviderError(domain.CodeFailedGeneration, "bad json")})
	ctx, cancel := context.WithTimeout(authed(context.Background()), 5*time.Second)
	defer cancel()

	response := &structpb.Struct{}
	if err := conn.Invoke(ctx, rpccontract.MethodRunAgent, runRequest(t), response); err != nil {
		t.Fatalf("expected failed run as payload, got %v", err)
	}
	runError, _ := response.AsMap()["error"].(map[string]any)
	if response.AsMap()["status"] != "failure" || runError["code"] != "failed_generation" {
		t.Fatalf("unexpected failed run %v", response.AsMap())
	}
}

func TestStreamRunOverGRPC(t *testing.T) {
	conn := startServer(t, echoRunner{})
	ctx, cancel := context.WithTimeout(authed(context.Background()), 5*time.Second)
	defer cancel()

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "StreamRun", ServerStreams: true}, rpccontract.MethodStreamRun)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := stream.SendMsg(runRequest(t)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}

	var chunks []map[string]any
	for {
		chunk := &structpb.Struct{}
		err := stream.RecvMsg(chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		chunks = append(chunks, chunk.AsMap())
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if _, ok := chunks[2]["run"].(map[string]any); !ok {
		t.Fatalf("expected the last chunk to carry the run, got %v", chunks[2])
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/rpccontract"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	base := flag.NewFlagSet("agentdispatch-cli", flag.ExitOnError)
	addr := base.String("addr", "127.0.0.1:50051", "gRPC address")
	token := base.String("token", os.Getenv("AUTH_TOKEN"), "optional auth token")
	timeout := base.Duration("timeout", 3*time.Minute, "request timeout")
	_ = base.Parse(os.Args[1:])

	args := base.Args()
	if len(args) == 0 {
		usage()
		return
	}

	command := args[0]
	commandArgs := args[1:]

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if *token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, rpccontract.TokenHeader, *token)
	}

	switch command {
	case "health":
		callStruct(ctx, conn, rpccontract.MethodGetHealth, &emptypb.Empty{})
	case "list-models":
		callList(ctx, conn, rpccontract.MethodListModels, &emptypb.Empty{})
	case "run":
		runAgent(ctx, conn, commandArgs)
	case "get-run":
		runGetRun(ctx, conn, commandArgs)
	case "list-runs":
		runListRuns(ctx, conn, commandArgs)
	default:
		usage()
	}
}

func runAgent(ctx context.Context, conn *grpc.ClientConn, args []string) {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	taskID := flags.String("task-id", "", "required")
	schemaID := flags.Int("schema-id", 1, "task schema id")
	input := flags.String("input", "", "required json object, or @path to read it from a file")
	outputSchema := flags.String("output-schema", "", "optional json schema, or @path")
	model := flags.String("model", "", "required")
	provider := flags.String("provider", "", "optional")
	instructions := flags.String("instructions", "", "optional")
	temperature := flags.Float64("temperature", 0, "0..2")
	useCache := flags.String("use-cache", "auto", "never|auto|always|when_available|only")
	stream := flags.Bool("stream", false, "print chunks as they arrive")
	_ = flags.Parse(args)

	if *taskID == "" || *input == "" || *model == "" {
		log.Fatalf("run requires --task-id, --input and --model")
	}
	taskInput, err := readObject(*input)
	if err != nil {
		log.Fatalf("invalid --input: %v", err)
	}
	payload := map[string]any{
		"task_id":        *taskID,
		"task_schema_id": *schemaID,
		"task_input":     taskInput,
		"use_cache":      *useCache,
		"properties": map[string]any{
			"model":        *model,
			"provider":     *provider,
			"instructions": *instructions,
			"temperature":  *temperature,
		},
	}
	if *outputSchema != "" {
		schema, err := readObject(*outputSchema)
		if err != nil {
			log.Fatalf("invalid --output-schema: %v", err)
		}
		payload["output_schema"] = schema
	}
	request, err := structpb.NewStruct(payload)
	if err != nil {
		log.Fatalf("request build error: %v", err)
	}

	if !*stream {
		callStruct(ctx, conn, rpccontract.MethodRunAgent, request)
		return
	}
	streamRun(ctx, conn, request)
}

func streamRun(ctx context.Context, conn *grpc.ClientConn, request *structpb.Struct) {
	desc := &grpc.StreamDesc{StreamName: "StreamRun", ServerStreams: true}
	stream, err := conn.NewStream(ctx, desc, rpccontract.MethodStreamRun)
	if err != nil {
		log.Fatalf("stream open error: %v", err)
	}
	if err := stream.SendMsg(request); err != nil {
		log.Fatalf("stream send error: %v", err)
	}
	if err := stream.CloseSend(); err != nil {
		log.Fatalf("stream close error: %v", err)
	}
	for {
		chunk := &structpb.Struct{}
		err := stream.RecvMsg(chunk)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Fatalf("rpc error %s: %v", rpccontract.MethodStreamRun, err)
		}
		printJSON(chunk.AsMap())
	}
}

func runGetRun(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("get-run", flag.ExitOnError)
	id := flags.String("id", "", "required")
	_ = flags.Parse(args)

	if *id == "" {
		log.Fatalf("get-run requires --id")
	}
	request, err := structpb.NewStruct(map[string]any{"id": *id})
	if err != nil {
		log.Fatalf("request build error: %v", err)
	}
	callStruct(ctx, conn, rpccontract.MethodGetRun, request)
}

func runListRuns(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("list-runs", flag.ExitOnError)
	taskID := flags.String("task-id", "", "optional")
	schemaID := flags.Int64("schema-id", 0, "optional")
	groupID := flags.String("group-id", "", "optional")
	status := flags.String("status", "", "optional success|failure")
	limit := flags.Int64("limit", 0, "optional")
	_ = flags.Parse(args)

	request, err := structpb.NewStruct(map[string]any{
		"task_id":        *taskID,
		"task_schema_id": *schemaID,
		"group_id":       *groupID,
		"status":         *status,
		"limit":          *limit,
	})
	if err != nil {
		log.Fatalf("request build error: %v", err)
	}
	callList(ctx, conn, rpccontract.MethodListRuns, request)
}

func readObject(raw string) (map[string]any, error) {
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = contents
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func callStruct(ctx context.Context, conn grpc.ClientConnInterface, method string, request any) {
	response := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, request, response); err != nil {
		log.Fatalf("rpc error %s: %v", method, err)
	}
	printJSON(response.AsMap())
}

func callList(ctx context.Context, conn grpc.ClientConnInterface, method string, request any) {
	response := &structpb.ListValue{}
	if err := conn.Invoke(ctx, method, request, response); err != nil {
		log.Fatalf("rpc error %s: %v", method, err)
	}
	printJSON(response.AsSlice())
}

func printJSON(value any) {
	serialized, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		log.Fatalf("encode error: %v", err)
	}
	fmt.Println(string(serialized))
}

func usage() {
	fmt.Print(`agentdispatch gRPC CLI

Usage:
  agentdispatch-cli [--addr 127.0.0.1:50051] [--token ...] [--timeout 3m] <command> [flags]

Commands:
  health
  list-models
  run --task-id "..." --input '{"question":"..."}' --model gpt-4o-2024-11-20 [--output-schema @schema.json] [--stream]
  get-run --id "..."
  list-runs [--task-id "..." --schema-id 1 --group-id "..." --status success|failure --limit 20]
`)
}

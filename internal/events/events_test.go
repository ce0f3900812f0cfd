package events

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/rpccontract"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	received []Event
}

func (s *flakySink) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("collector unavailable")
	}
	s.received = append(s.received, event)
	return nil
}

func newTestDispatcher(sink Sink) *Dispatcher {
	d := NewDispatcher(sink)
	d.backoff = 0
	return d
}

func TestDispatcherRetriesOnce(t *testing.T) {
	sink := &flakySink{failures: 1}
	d := newTestDispatcher(sink)
	d.Emit(context.Background(), Event{Kind: KindRunCreated, TaskID: "summarize"})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.calls != 2 || len(sink.received) != 1 {
		t.Fatalf("expected one retry then delivery, got calls=%d delivered=%d", sink.calls, len(sink.received))
	}
	if sink.received[0].ID == "" || sink.received[0].CreatedAt == "" {
		t.Fatalf("expected id and timestamp to be filled, got %+v", sink.received[0])
	}
}

func TestDispatcherDropsAfterSecondFailure(t *testing.T) {
	sink := &flakySink{failures: 5}
	d := newTestDispatcher(sink)
	d.Emit(context.Background(), Event{Kind: KindTaskGroupSaved, TaskID: "summarize"})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.calls != 2 || len(sink.received) != 0 {
		t.Fatalf("expected exactly two attempts, got calls=%d delivered=%d", sink.calls, len(sink.received))
	}
}

func TestDispatcherSurvivesCanceledCaller(t *testing.T) {
	sink := &flakySink{}
	d := newTestDispatcher(sink)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Emit(ctx, Event{Kind: KindRunCreated})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(sink.received) != 1 {
		t.Fatalf("expected the event to be delivered after the caller went away")
	}
}

type blockingSink struct {
	release chan struct{}
}

func (s blockingSink) Publish(ctx context.Context, _ Event) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDispatcherCloseHonorsDeadline(t *testing.T) {
	sink := blockingSink{release: make(chan struct{})}
	d := newTestDispatcher(sink)
	d.Emit(context.Background(), Event{Kind: KindRunCreated})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(sink.release)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close after release: %v", err)
	}
}

type collectorServer interface{}

type collector struct {
	mu     sync.Mutex
	events []map[string]any
	tokens []string
}

func (c *collector) register(server *grpc.Server) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: rpccontract.EventCollectorServiceName,
		HandlerType: (*collectorServer)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "PublishEvent",
				Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
					request := &structpb.Struct{}
					if err := dec(request); err != nil {
						return nil, err
					}
					md, _ := metadata.FromIncomingContext(ctx)
					c.mu.Lock()
					defer c.mu.Unlock()
					c.events = append(c.events, request.AsMap())
					c.tokens = append(c.tokens, md.Get(rpccontract.TokenHeader)...)
					return &structpb.Struct{}, nil
				},
			},
		},
	}, c)
}

func TestGRPCSinkPublishesStructPayload(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := grpc.NewServer()
	c := &collector{}
	c.register(server)
	go func() { _ = server.Serve(listener) }()
	defer server.Stop()

	sink, err := NewGRPCSink(GRPCSinkConfig{Addr: listener.Addr().String(), Token: "collector-token"})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = sink.Publish(ctx, Event{
		ID:      "evt-1",
		Kind:    KindRunCreated,
		TaskID:  "summarize",
		Payload: map[string]any{"run_id": "run-1", "cost_usd": 0.002},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) != 1 {
		t.Fatalf("expected one event, got %d", len(c.events))
	}
	if c.events[0]["kind"] != string(KindRunCreated) {
		t.Fatalf("expected run_created, got %v", c.events[0]["kind"])
	}
	payload, _ := c.events[0]["payload"].(map[string]any)
	if payload["run_id"] != "run-1" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if len(c.tokens) != 1 || c.tokens[0] != "collector-token" {
		t.Fatalf("expected token metadata, got %v", c.tokens)
	}
}

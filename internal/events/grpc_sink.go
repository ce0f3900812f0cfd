package events

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/rpccontract"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

type GRPCSinkConfig struct {
	Addr     string
	Insecure bool
	Token    string
}

// GRPCSink publishes events to a remote EventCollector service as structpb payloads.
type GRPCSink struct {
	conn  *grpc.ClientConn
	token string
}

func NewGRPCSink(cfg GRPCSinkConfig) (*GRPCSink, error) {
	cred := grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	if cfg.Insecure || strings.HasPrefix(cfg.Addr, "127.0.0.1:") || strings.HasPrefix(cfg.Addr, "localhost:") {
		cred = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	conn, err := grpc.NewClient(
		cfg.Addr,
		cred,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                25 * time.Second,
			Timeout:             6 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	conn.Connect()

	return &GRPCSink{conn: conn, token: strings.TrimSpace(cfg.Token)}, nil
}

func (s *GRPCSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *GRPCSink) Publish(ctx context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	request, err := structpb.NewStruct(payload)
	if err != nil {
		return err
	}

	if s.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, rpccontract.TokenHeader, s.token)
	}
	if err := s.conn.Invoke(ctx, rpccontract.MethodPublishEvent, request, &structpb.Struct{}); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Kind, err)
	}
	return nil
}

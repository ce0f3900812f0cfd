package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/config"
	"github.com/bcrosbie/agentdispatch/internal/cost"
	"github.com/bcrosbie/agentdispatch/internal/events"
	"github.com/bcrosbie/agentdispatch/internal/models"
	"github.com/bcrosbie/agentdispatch/internal/pipeline"
	"github.com/bcrosbie/agentdispatch/internal/providers"
	"github.com/bcrosbie/agentdispatch/internal/runner"
	"github.com/bcrosbie/agentdispatch/internal/service"
	"github.com/bcrosbie/agentdispatch/internal/store"
	grpcx "github.com/bcrosbie/agentdispatch/internal/transport/grpc"
	httpx "github.com/bcrosbie/agentdispatch/internal/transport/http"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	cfg := config.Load()

	runStore, dataSource, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("store setup failed: %v", err)
	}
	defer func() {
		if err := runStore.Close(); err != nil {
			log.Printf("store close warning: %v", err)
		}
	}()

	if err := runStore.Load(); err != nil {
		log.Fatalf("store initialization failed: %v", err)
	}

	providerConfigs, err := cfg.ProviderConfigs()
	if err != nil {
		log.Fatalf("provider configuration invalid: %v", err)
	}
	pool, err := providers.NewPool(providerConfigs, &http.Client{})
	if err != nil {
		log.Fatalf("provider pool setup failed: %v", err)
	}

	registry := models.Default()
	agentRunner := runner.New(runner.Config{
		Models:            registry,
		Factory:           pool,
		Cache:             runStore,
		Costs:             cost.NewCalculator(registry),
		Tools:             buildTools(cfg),
		MaxToolIterations: cfg.MaxToolIterations,
		RoundRobin:        cfg.RoundRobinProviders,
		Reporter:          pipeline.LogReporter{},
	})

	sink, err := buildEventSink(cfg)
	if err != nil {
		log.Fatalf("event sink setup failed: %v", err)
	}
	dispatcher := events.NewDispatcher(sink)

	runService := service.NewRunService(service.Config{
		Store:       runStore,
		Runner:      agentRunner,
		Models:      registry,
		Events:      dispatcher,
		StoreDriver: cfg.StoreDriver,
		Providers:   pool.Configured(),
		MaxRetries:  cfg.RunMaxRetries,
	})
	httpServer := httpx.NewServer(cfg.HTTPAddr, runService, cfg.AuthToken)

	listener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.GRPCAddr, err)
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcx.RecoveryUnaryInterceptor(),
			grpcx.AuthUnaryInterceptor(cfg.AuthToken),
			grpcx.LoggingUnaryInterceptor(),
			grpcx.ErrorUnaryInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			grpcx.RecoveryStreamInterceptor(),
			grpcx.AuthStreamInterceptor(cfg.AuthToken),
			grpcx.LoggingStreamInterceptor(),
			grpcx.ErrorStreamInterceptor(),
		),
	)
	grpcx.RegisterDispatchServer(server, grpcx.NewDispatchHandler(runService))

	healthService := health.NewServer()
	healthService.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthService)

	if cfg.EnableReflection {
		reflection.Register(server)
	}

	go func() {
		log.Printf("agentdispatch gRPC server listening on %s", cfg.GRPCAddr)
		log.Printf("store driver=%s source=%s providers=%v", cfg.StoreDriver, dataSource, pool.Configured())
		if cfg.AuthToken == "" {
			log.Printf("AUTH_TOKEN is not configured; run methods are currently unauthenticated.")
		}
		if err := server.Serve(listener); err != nil {
			log.Fatalf("grpc serve failed: %v", err)
		}
	}()

	go func() {
		if strings.TrimSpace(cfg.HTTPAddr) == "" {
			return
		}
		log.Printf("agentdispatch HTTP API listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http serve failed: %v", err)
		}
	}()

	waitForShutdown(server, httpServer, cfg.ShutdownTimeout)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		log.Printf("event drain warning: %v", err)
	}
	if closer, ok := sink.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Printf("event sink close warning: %v", err)
		}
	}
}

func waitForShutdown(server *grpc.Server, httpServer *http.Server, timeout time.Duration) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("shutdown signal received; draining gRPC server")
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Println("gRPC server stopped gracefully")
	case <-time.After(timeout):
		log.Println("graceful timeout reached; forcing stop")
		server.Stop()
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown warning: %v", err)
		}
	}
}

func buildStore(cfg config.Config) (store.RunStore, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreDriver)) {
	case "postgres":
		pgStore, err := store.NewPostgresStore(cfg.DatabaseURL, cfg.DBAutoMigrate)
		if err != nil {
			return nil, "", err
		}
		return pgStore, "postgres", nil
	case "", "file":
		return store.NewFileStore(cfg.DataFile), cfg.DataFile, nil
	default:
		return nil, "", fmt.Errorf("unsupported STORE_DRIVER %q; expected file|postgres", cfg.StoreDriver)
	}
}

// buildTools returns nil when no gateway is configured, which leaves @-tools unavailable.
func buildTools(cfg config.Config) *runner.ToolRegistry {
	if strings.TrimSpace(cfg.ToolGatewayURL) == "" {
		return nil
	}
	return runner.NewGatewayTools(runner.HTTPToolExecutor{
		Endpoint: cfg.ToolGatewayURL,
		Token:    cfg.ToolGatewayToken,
		Client:   &http.Client{Timeout: cfg.ProviderTimeout},
	})
}

func buildEventSink(cfg config.Config) (events.Sink, error) {
	if strings.TrimSpace(cfg.EventsGRPCAddr) == "" {
		return events.LogSink{}, nil
	}
	return events.NewGRPCSink(events.GRPCSinkConfig{
		Addr:     cfg.EventsGRPCAddr,
		Insecure: cfg.EventsGRPCInsecure,
		Token:    cfg.EventsToken,
	})
}

package grpcx

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/rpccontract"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func RecoveryUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (response any, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				log.Printf("panic recovered method=%s panic=%v\n%s", info.FullMethod, recovered, string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func RecoveryStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				log.Printf("panic recovered method=%s panic=%v\n%s", info.FullMethod, recovered, string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(srv, stream)
	}
}

func AuthUnaryInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if err := authorize(ctx, token, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func AuthStreamInterceptor(token string) grpc.StreamServerInterceptor {
	return func(
		srv any,
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := authorize(stream.Context(), token, info.FullMethod); err != nil {
			return err
		}
		return handler(srv, stream)
	}
}

func authorize(ctx context.Context, token, method string) error {
	if token == "" {
		return nil
	}
	if _, isWriteMethod := rpccontract.WriteMethods[method]; !isWriteMethod {
		return nil
	}
	if extractToken(ctx) != token {
		return status.Error(codes.Unauthenticated, "invalid authentication token")
	}
	return nil
}

func LoggingUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		started := time.Now()
		response, err := handler(ctx, req)
		log.Printf("grpc method=%s duration=%s code=%s", info.FullMethod, time.Since(started), status.Code(err))
		return response, err
	}
}

func LoggingStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		started := time.Now()
		err := handler(srv, stream)
		log.Printf("grpc stream method=%s duration=%s code=%s", info.FullMethod, time.Since(started), status.Code(err))
		return err
	}
}

func ErrorUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		response, err := handler(ctx, req)
		if err == nil {
			return response, nil
		}
		return nil, mapError(err)
	}
}

func ErrorStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := handler(srv, stream); err != nil {
			return mapError(err)
		}
		return nil
	}
}

func mapError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, "request canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, "request deadline exceeded")
	}

	var providerErr *domain.ProviderError
	if errors.As(err, &providerErr) {
		return status.Error(providerCode(providerErr.Code), providerErr.Error())
	}

	var appError *domain.AppError
	if errors.As(err, &appError) {
		switch appError.Code {
		case domain.CodeInvalidArgument, domain.CodeModelDoesNotSupportMode:
			return status.Error(codes.InvalidArgument, appError.Message)
		case domain.CodeNotFound, domain.CodeMissingCache:
			return status.Error(codes.NotFound, appError.Message)
		case domain.CodeConflict:
			return status.Error(codes.AlreadyExists, appError.Message)
		case domain.CodeUnauthenticated:
			return status.Error(codes.Unauthenticated, appError.Message)
		case domain.CodeFailedPrecondition, domain.CodeNoProviderSupportingModel, domain.CodeProviderDoesNotSupportModel:
			return status.Error(codes.FailedPrecondition, appError.Message)
		case domain.CodeResourceExhausted:
			return status.Error(codes.ResourceExhausted, appError.Message)
		case domain.CodeMaxToolCallIteration:
			return status.Error(codes.Aborted, appError.Message)
		default:
			return status.Error(codes.Internal, appError.Message)
		}
	}

	return status.Error(codes.Internal, "internal server error")
}

func providerCode(code domain.ErrorCode) codes.Code {
	switch code {
	case domain.CodeRateLimit:
		return codes.ResourceExhausted
	case domain.CodeServerOverloaded, domain.CodeProviderUnavailable:
		return codes.Unavailable
	case domain.CodeProviderTimeout:
		return codes.DeadlineExceeded
	case domain.CodeInvalidRequest, domain.CodeMaxTokensExceeded:
		return codes.InvalidArgument
	case domain.CodeInvalidProviderConfig:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

func extractToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	token := strings.TrimSpace(first(md.Get(rpccontract.TokenHeader)))
	if token != "" {
		return token
	}

	authHeader := strings.TrimSpace(first(md.Get("authorization")))
	const bearer = "Bearer "
	if strings.HasPrefix(authHeader, bearer) {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, bearer))
	}
	return ""
}

func first(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}

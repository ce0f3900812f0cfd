package domain

import (
	"errors"
	"fmt"
	"time"
)

type ErrorCode string

const (
	CodeInvalidArgument    ErrorCode = "invalid_argument"
	CodeNotFound           ErrorCode = "not_found"
	CodeConflict           ErrorCode = "conflict"
	CodeUnauthenticated    ErrorCode = "unauthenticated"
	CodeFailedPrecondition ErrorCode = "failed_precondition"
	CodeResourceExhausted  ErrorCode = "resource_exhausted"
	CodeInternal           ErrorCode = "internal"

	CodeNoProviderSupportingModel   ErrorCode = "no_provider_supporting_model"
	CodeProviderDoesNotSupportModel ErrorCode = "provider_does_not_support_model"
	CodeModelDoesNotSupportMode     ErrorCode = "model_does_not_support_mode"
	CodeMissingCache                ErrorCode = "missing_cache"
	CodeMaxToolCallIteration        ErrorCode = "max_tool_call_iteration"
)

// Provider error taxonomy.
const (
	CodeRateLimit             ErrorCode = "rate_limit"
	CodeServerOverloaded      ErrorCode = "server_overloaded"
	CodeProviderUnavailable   ErrorCode = "provider_unavailable"
	CodeProviderInternal      ErrorCode = "provider_internal_error"
	CodeProviderTimeout       ErrorCode = "provider_timeout"
	CodeInvalidProviderConfig ErrorCode = "invalid_provider_config"
	CodeInvalidRequest        ErrorCode = "invalid_request"
	CodeMaxTokensExceeded     ErrorCode = "max_tokens_exceeded"
	CodeStructuredGeneration  ErrorCode = "structured_generation_error"
	CodeFailedGeneration      ErrorCode = "failed_generation"
	CodeUnknownProviderError  ErrorCode = "unknown_provider_error"
)

type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func InvalidArgument(message string) *AppError {
	return &AppError{Code: CodeInvalidArgument, Message: message}
}

func NotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

func Unauthenticated(message string) *AppError {
	return &AppError{Code: CodeUnauthenticated, Message: message}
}

func FailedPrecondition(message string) *AppError {
	return &AppError{Code: CodeFailedPrecondition, Message: message}
}

func ResourceExhausted(message string) *AppError {
	return &AppError{Code: CodeResourceExhausted, Message: message}
}

func Internal(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Cause: cause}
}

func NoProviderSupportingModel(model string) *AppError {
	return &AppError{Code: CodeNoProviderSupportingModel, Message: fmt.Sprintf("no configured provider supports model %s", model)}
}

func ProviderDoesNotSupportModel(model string) *AppError {
	return &AppError{Code: CodeProviderDoesNotSupportModel, Message: fmt.Sprintf("requested providers do not support model %s", model)}
}

func ModelDoesNotSupportMode(reason string) *AppError {
	return &AppError{Code: CodeModelDoesNotSupportMode, Message: reason}
}

func MissingCache(message string) *AppError {
	return &AppError{Code: CodeMissingCache, Message: message}
}

func MaxToolCallIteration(limit int) *AppError {
	return &AppError{Code: CodeMaxToolCallIteration, Message: fmt.Sprintf("tool calls exceeded %d iterations", limit)}
}

func AsAppError(err error) (*AppError, bool) {
	if err == nil {
		return nil, false
	}
	var typed *AppError
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// ProviderError is an upstream failure classified at the adapter boundary.
type ProviderError struct {
	Code                  ErrorCode
	Message               string
	Provider              string
	ConfigID              string
	StatusCode            int
	RetryAfter            time.Duration
	ShouldTryNextProvider bool
	Details               map[string]any
	Cause                 error
}

func NewProviderError(code ErrorCode, message string) *ProviderError {
	return &ProviderError{
		Code:                  code,
		Message:               message,
		ShouldTryNextProvider: defaultTryNext(code),
	}
}

func defaultTryNext(code ErrorCode) bool {
	switch code {
	case CodeRateLimit, CodeServerOverloaded, CodeProviderUnavailable,
		CodeProviderInternal, CodeProviderTimeout, CodeInvalidProviderConfig:
		return true
	default:
		return false
	}
}

func (e *ProviderError) Error() string {
	prefix := string(e.Code)
	if e.Provider != "" {
		prefix = e.Provider + " " + prefix
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return fmt.Sprintf("%s: %s (%v)", prefix, e.Message, e.Cause)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a caller may run the whole request again after RetryAfter.
func (e *ProviderError) Retryable() bool {
	switch e.Code {
	case CodeRateLimit, CodeServerOverloaded, CodeProviderUnavailable:
		return true
	default:
		return false
	}
}

func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.StatusCode = status
	return e
}

func (e *ProviderError) WithRetryAfter(d time.Duration) *ProviderError {
	e.RetryAfter = d
	return e
}

func (e *ProviderError) WithCause(cause error) *ProviderError {
	e.Cause = cause
	return e
}

func (e *ProviderError) WithDetail(key string, value any) *ProviderError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func AsProviderError(err error) (*ProviderError, bool) {
	if err == nil {
		return nil, false
	}
	var typed *ProviderError
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// RunErrorFrom converts any error into the stable shape stored on a failed run.
func RunErrorFrom(err error) *RunError {
	if err == nil {
		return nil
	}
	if providerErr, ok := AsProviderError(err); ok {
		details := map[string]any{}
		for key, value := range providerErr.Details {
			details[key] = value
		}
		if providerErr.Provider != "" {
			details["provider"] = providerErr.Provider
		}
		if providerErr.StatusCode != 0 {
			details["status_code"] = providerErr.StatusCode
		}
		if providerErr.RetryAfter > 0 {
			details["retry_after_seconds"] = providerErr.RetryAfter.Seconds()
		}
		if len(details) == 0 {
			details = nil
		}
		return &RunError{Code: string(providerErr.Code), Message: providerErr.Message, Details: details}
	}
	if appErr, ok := AsAppError(err); ok {
		return &RunError{Code: string(appErr.Code), Message: appErr.Message}
	}
	return &RunError{Code: string(CodeInternal), Message: err.Error()}
}

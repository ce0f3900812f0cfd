package providers

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/goccy/go-json"
)

var tryAgainPattern = regexp.MustCompile(`(?i)try again in ([0-9.]+(?:ms|s|m|h)(?:[0-9.]+(?:ms|s))?)`)

var maxTokensMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"prompt is too long",
	"exceeds the maximum number of tokens",
	"input token count",
	"reduce the length",
	"too many tokens",
}

var structuredMarkers = []string{
	"response_format",
	"json_schema",
	"response_schema",
	"responseschema",
	"invalid schema",
}

var failedGenerationMarkers = []string{
	"json_validate_failed",
	"failed to generate json",
	"failed_generation",
}

// errorPayload covers the {"error": {...}} envelope shared by the supported vendors.
type errorPayload struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Status  string `json:"status"`
		Code    any    `json:"code"`
	} `json:"error"`
	Message string `json:"message"`
}

// extractError returns the vendor message and type from an error body, falling back to the raw text.
func extractError(body []byte) (message string, kind string) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", ""
	}
	var single errorPayload
	if err := json.Unmarshal(body, &single); err == nil {
		return pickMessage(single, trimmed)
	}
	var list []errorPayload
	if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 {
		return pickMessage(list[0], trimmed)
	}
	return truncate(trimmed, 1024), ""
}

func pickMessage(payload errorPayload, raw string) (string, string) {
	kind := payload.Error.Type
	if kind == "" {
		kind = payload.Error.Status
	}
	if kind == "" {
		if code, ok := payload.Error.Code.(string); ok {
			kind = code
		}
	}
	switch {
	case payload.Error.Message != "":
		return payload.Error.Message, kind
	case payload.Message != "":
		return payload.Message, kind
	default:
		return truncate(raw, 1024), kind
	}
}

// classifyStatus maps a status and vendor message onto the shared taxonomy.
func classifyStatus(status int, header http.Header, message string, kind string) *domain.ProviderError {
	lower := strings.ToLower(message + " " + kind)
	if message == "" {
		message = http.StatusText(status)
	}

	var providerErr *domain.ProviderError
	switch {
	case status == http.StatusTooManyRequests:
		providerErr = domain.NewProviderError(domain.CodeRateLimit, message)
	case status == 529 || (status == http.StatusServiceUnavailable && strings.Contains(lower, "overload")):
		providerErr = domain.NewProviderError(domain.CodeServerOverloaded, message)
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		providerErr = domain.NewProviderError(domain.CodeProviderUnavailable, message)
	case status == http.StatusRequestTimeout:
		providerErr = domain.NewProviderError(domain.CodeProviderTimeout, message)
	case status >= 500:
		providerErr = domain.NewProviderError(domain.CodeProviderInternal, message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		providerErr = domain.NewProviderError(domain.CodeInvalidProviderConfig, message)
	case status == http.StatusRequestEntityTooLarge || containsAny(lower, maxTokensMarkers):
		providerErr = domain.NewProviderError(domain.CodeMaxTokensExceeded, message)
	case containsAny(lower, failedGenerationMarkers):
		providerErr = domain.NewProviderError(domain.CodeFailedGeneration, message)
	case containsAny(lower, structuredMarkers):
		providerErr = domain.NewProviderError(domain.CodeStructuredGeneration, message)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		providerErr = domain.NewProviderError(domain.CodeInvalidRequest, message)
	default:
		providerErr = domain.NewProviderError(domain.CodeUnknownProviderError, message)
	}

	providerErr.StatusCode = status
	if kind != "" {
		providerErr.WithDetail("type", kind)
	}
	if retryAfter := retryAfter(header, message); retryAfter > 0 {
		providerErr.RetryAfter = retryAfter
	}
	return providerErr
}

// retryAfter reads Retry-After style headers, then a "try again in" hint in the message.
func retryAfter(header http.Header, message string) time.Duration {
	if header != nil {
		if raw := strings.TrimSpace(header.Get("retry-after-ms")); raw != "" {
			if ms, err := strconv.ParseFloat(raw, 64); err == nil && ms > 0 {
				return time.Duration(ms * float64(time.Millisecond))
			}
		}
		if raw := strings.TrimSpace(header.Get("retry-after")); raw != "" {
			if seconds, err := strconv.ParseFloat(raw, 64); err == nil && seconds > 0 {
				return time.Duration(seconds * float64(time.Second))
			}
			if at, err := http.ParseTime(raw); err == nil {
				if wait := time.Until(at); wait > 0 {
					return wait
				}
			}
		}
	}
	if match := tryAgainPattern.FindStringSubmatch(message); len(match) == 2 {
		if wait, err := time.ParseDuration(match[1]); err == nil {
			return wait
		}
	}
	return 0
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

package httpx

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/rpccontract"
	"github.com/bcrosbie/agentdispatch/internal/runner"
	"github.com/bcrosbie/agentdispatch/internal/service"
	"github.com/goccy/go-json"
)

const maxRequestBody = 8 << 20

func NewServer(addr string, runs *service.RunService, authToken string) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, runs.Health())
	})

	mux.HandleFunc("GET /api/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, runs.ListModels())
	})

	mux.HandleFunc("GET /api/runs", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		request := service.ListRunsRequest{
			TaskID:  strings.TrimSpace(query.Get("task_id")),
			GroupID: strings.TrimSpace(query.Get("group_id")),
			Status:  strings.TrimSpace(query.Get("status")),
		}
		for key, target := range map[string]*int{"task_schema_id": &request.TaskSchemaID, "limit": &request.Limit} {
			raw := strings.TrimSpace(query.Get(key))
			if raw == "" {
				continue
			}
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				writeError(w, domain.InvalidArgument(key+" must be a non-negative integer"))
				return
			}
			*target = parsed
		}
		items, err := runs.ListRuns(r.Context(), request)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	})

	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		run, err := runs.GetRun(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	mux.HandleFunc("POST /api/runs", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, authToken) {
			writeError(w, domain.Unauthenticated("invalid authentication token"))
			return
		}
		request, err := decodeBody[service.RunAgentRequest](r)
		if err != nil {
			writeError(w, err)
			return
		}
		run, err := runs.Run(r.Context(), request)
		if err != nil {
			if run.ID == "" {
				writeError(w, err)
				return
			}
			writeJSON(w, httpStatus(err), map[string]any{"error": run.Error, "run": run})
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	mux.HandleFunc("POST /api/runs/stream", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, authToken) {
			writeError(w, domain.Unauthenticated("invalid authentication token"))
			return
		}
		request, err := decodeBody[service.RunAgentRequest](r)
		if err != nil {
			writeError(w, err)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, domain.Internal("streaming is not supported by this connection", nil))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		err = runs.Stream(r.Context(), request, func(chunk runner.Chunk) error {
			event := "chunk"
			if chunk.Final != nil {
				event = "done"
			}
			if err := writeEvent(w, event, chunk); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})
		if err != nil && r.Context().Err() == nil {
			// headers are already sent, so failures travel as an event
			_ = writeEvent(w, "error", domain.RunErrorFrom(err))
			flusher.Flush()
		}
	})

	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}

func authorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if strings.TrimSpace(r.Header.Get(rpccontract.TokenHeader)) == token {
		return true
	}
	const bearer = "Bearer "
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.HasPrefix(authHeader, bearer) && strings.TrimSpace(strings.TrimPrefix(authHeader, bearer)) == token
}

func decodeBody[T any](r *http.Request) (T, error) {
	var out T
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return out, domain.InvalidArgument("request body could not be read")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, domain.InvalidArgument("request body must be a valid json object")
	}
	return out, nil
}

func writeEvent(w io.Writer, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("http json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("http request failed status=%d err=%v", status, err)
	}
	writeJSON(w, status, map[string]any{"error": domain.RunErrorFrom(err)})
}

func httpStatus(err error) int {
	var providerErr *domain.ProviderError
	if errors.As(err, &providerErr) {
		switch providerErr.Code {
		case domain.CodeRateLimit:
			return http.StatusTooManyRequests
		case domain.CodeServerOverloaded, domain.CodeProviderUnavailable:
			return http.StatusServiceUnavailable
		case domain.CodeProviderTimeout:
			return http.StatusGatewayTimeout
		case domain.CodeInvalidRequest, domain.CodeMaxTokensExceeded:
			return http.StatusBadRequest
		default:
			return http.StatusBadGateway
		}
	}

	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case domain.CodeInvalidArgument, domain.CodeModelDoesNotSupportMode:
			return http.StatusBadRequest
		case domain.CodeNotFound, domain.CodeMissingCache:
			return http.StatusNotFound
		case domain.CodeConflict:
			return http.StatusConflict
		case domain.CodeUnauthenticated:
			return http.StatusUnauthorized
		case domain.CodeFailedPrecondition, domain.CodeNoProviderSupportingModel, domain.CodeProviderDoesNotSupportModel:
			return http.StatusUnprocessableEntity
		case domain.CodeResourceExhausted:
			return http.StatusTooManyRequests
		case domain.CodeMaxToolCallIteration:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

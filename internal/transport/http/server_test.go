package httpx

import (
	"bufio"
	"context"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/models"
	"github.com/bcrosbie/agentdispatch/internal/runner"
	"github.com/bcrosbie/agentdispatch/internal/service"
	"github.com/bcrosbie/agentdispatch/internal/store"
	"github.com/goccy/go-json"
)

type cannedRunner struct {
	err error
}

func (r cannedRunner) Run(_ context.Context, req runner.Request) (domain.AgentRun, error) {
	run := domain.AgentRun{
		ID:         "run-1",
		TaskID:     req.TaskID,
		GroupID:    req.GroupID,
		TaskOutput: map[string]any{"answer": 42},
		Status:     domain.RunStatusSuccess,
	}
	if r.err != nil {
		run.Status = domain.RunStatusFailure
		run.Error = domain.RunErrorFrom(r.err)
	}
	return run, r.err
}

func (r cannedRunner) Stream(_ context.Context, req runner.Request) iter.Seq2[runner.Chunk, error] {
	return func(yield func(runner.Chunk, error) bool) {
		if !yield(runner.Chunk{RunID: "run-s", Output: map[string]any{"answer": 4}}, nil) {
			return
		}
		if r.err != nil {
			yield(runner.Chunk{}, r.err)
			return
		}
		run := domain.AgentRun{ID: "run-s", TaskID: req.TaskID, GroupID: req.GroupID, Status: domain.RunStatusSuccess}
		yield(runner.Chunk{RunID: run.ID, Output: map[string]any{"answer": 42}, Final: &run}, nil)
	}
}

func newTestServer(t *testing.T, r service.AgentRunner) *httptest.Server {
	t.Helper()
	s := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("load store: %v", err)
	}
	runs := service.NewRunService(service.Config{Store: s, Runner: r, Models: models.Default(), StoreDriver: "file"})
	server := httptest.NewServer(NewServer("", runs, "secret").Handler)
	t.Cleanup(server.Close)
	return server
}

const runBody = `{"task_id":"answer","task_schema_id":1,"task_input":{"q":"?"},"properties":{"model":"gpt-4o-2024-11-20"}}`

func post(t *testing.T, url, body string, authed bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer secret")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestPostRunRequiresToken(t *testing.T) {
	server := newTestServer(t, cannedRunner{})
	resp := post(t, server.URL+"/api/runs", runBody, false)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestPostRunAndFetch(t *testing.T) {
	server := newTestServer(t, cannedRunner{})
	resp := post(t, server.URL+"/api/runs", runBody, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	run := decode(t, resp)
	if run["id"] != "run-1" {
		t.Fatalf("unexpected run %v", run)
	}

	got, err := http.Get(server.URL + "/api/runs/run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.StatusCode != http.StatusOK || decode(t, got)["task_id"] != "answer" {
		t.Fatalf("expected stored run")
	}

	missing, err := http.Get(server.URL + "/api/runs/nope")
	if err != nil {
		t.Fatalf("get missing run: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}

	listed, err := http.Get(server.URL + "/api/runs?task_id=answer&limit=5")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	defer listed.Body.Close()
	var items []map[string]any
	if err := json.NewDecoder(listed.Body).Decode(&items); err != nil || len(items) != 1 {
		t.Fatalf("expected one listed run, got %d %v", len(items), err)
	}

	bad, err := http.Get(server.URL + "/api/runs?limit=-1")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", bad.StatusCode)
	}
}

func TestPostRunMapsProviderFailures(t *testing.T) {
	server := newTestServer(t, cannedRunner{err: domain.NewProviderError(domain.CodeMaxTokensExceeded, "too long")})
	resp := post(t, server.URL+"/api/runs", runBody, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decode(t, resp)
	runError, _ := body["error"].(map[string]any)
	if runError["code"] != "max_tokens_exceeded" {
		t.Fatalf("unexpected error body %v", body)
	}
	if run, _ := body["run"].(map[string]any); run["id"] != "run-1" {
		t.Fatalf("expected the failed run in the body, got %v", body["run"])
	}

	invalid := post(t, server.URL+"/api/runs", `{"task_id":`, true)
	invalid.Body.Close()
	if invalid.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", invalid.StatusCode)
	}
}

func readEvents(t *testing.T, body io.Reader) []string {
	t.Helper()
	var names []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestStreamRunWritesServerSentEvents(t *testing.T) {
	server := newTestServer(t, cannedRunner{})
	resp := post(t, server.URL+"/api/runs/stream", runBody, true)
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}
	names := readEvents(t, resp.Body)
	if len(names) != 2 || names[0] != "chunk" || names[1] != "done" {
		t.Fatalf("unexpected events %v", names)
	}
}

func TestStreamRunReportsErrorsAsEvents(t *testing.T) {
	server := newTestServer(t, cannedRunner{err: domain.NewProviderError(domain.CodeFailedGeneration, "bad json")})
	resp := post(t, server.URL+"/api/runs/stream", runBody, true)
	defer resp.Body.Close()
	names := readEvents(t, resp.Body)
	if len(names) != 2 || names[1] != "error" {
		t.Fatalf("unexpected events %v", names)
	}
}

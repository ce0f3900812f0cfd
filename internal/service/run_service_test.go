package service

import (
	"context"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/events"
	"github.com/bcrosbie/agentdispatch/internal/models"
	"github.com/bcrosbie/agentdispatch/internal/runner"
	"github.com/bcrosbie/agentdispatch/internal/store"
)

type scriptedRunner struct {
	errs      []error
	fromCache bool
	calls     int
	requests  []runner.Request
}

func (r *scriptedRunner) Run(_ context.Context, req runner.Request) (domain.AgentRun, error) {
	r.calls++
	r.requests = append(r.requests, req)
	run := domain.AgentRun{
		ID:           "run-" + string(rune('0'+r.calls)),
		TaskID:       req.TaskID,
		TaskSchemaID: req.TaskSchemaID,
		GroupID:      req.GroupID,
		Status:       domain.RunStatusSuccess,
		FromCache:    r.fromCache,
		CreatedAt:    "2026-01-01T00:00:00Z",
	}
	var err error
	if r.calls <= len(r.errs) {
		err = r.errs[r.calls-1]
	}
	if err != nil {
		run.Status = domain.RunStatusFailure
		run.Error = domain.RunErrorFrom(err)
	}
	return run, err
}

func (r *scriptedRunner) Stream(ctx context.Context, req runner.Request) iter.Seq2[runner.Chunk, error] {
	return func(yield func(runner.Chunk, error) bool) {
		if !yield(runner.Chunk{RunID: "run-stream", Delta: `{"a"`}, nil) {
			return
		}
		run := domain.AgentRun{ID: "run-stream", TaskID: req.TaskID, GroupID: req.GroupID, Status: domain.RunStatusSuccess}
		yield(runner.Chunk{RunID: run.ID, Final: &run}, nil)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) kinds() []events.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Kind, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event.Kind)
	}
	return out
}

type testHarness struct {
	service *RunService
	runner  *scriptedRunner
	store   *store.FileStore
	sink    *recordingSink
	events  *events.Dispatcher
	sleeps  []time.Duration
}

func newHarness(t *testing.T, r *scriptedRunner) *testHarness {
	t.Helper()
	s := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("load store: %v", err)
	}
	h := &testHarness{runner: r, store: s, sink: &recordingSink{}}
	h.events = events.NewDispatcher(h.sink)
	h.service = NewRunService(Config{
		Store:      s,
		Runner:     r,
		Models:     models.Default(),
		Events:     h.events,
		MaxRetries: DefaultMaxRetries,
		Sleep: func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		},
	})
	return h
}

func (h *testHarness) flush(t *testing.T) {
	t.Helper()
	if err := h.events.Close(context.Background()); err != nil {
		t.Fatalf("close events: %v", err)
	}
}

func validRequest() RunAgentRequest {
	return RunAgentRequest{
		TaskID:       "summarize",
		TaskSchemaID: 1,
		TaskInput:    map[string]any{"text": "hello"},
		Properties:   domain.TaskGroupProperties{Model: "gpt-4o-2024-11-20"},
	}
}

func rateLimited(after time.Duration) error {
	return domain.NewProviderError(domain.CodeRateLimit, "slow down").WithRetryAfter(after)
}

func TestRunRetriesRetryableErrors(t *testing.T) {
	h := newHarness(t, &scriptedRunner{errs: []error{rateLimited(45 * time.Second), rateLimited(0)}})

	run, err := h.service.Run(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.runner.calls != 3 {
		t.Fatalf("expected 3 runner calls, got %d", h.runner.calls)
	}
	if len(h.sleeps) != 2 || h.sleeps[0] != 30*time.Second || h.sleeps[1] != 2*minRetryWait {
		t.Fatalf("unexpected waits %v", h.sleeps)
	}

	stored, err := h.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("expected run to be persisted: %v", err)
	}
	if stored.GroupID == "" || stored.GroupID != h.runner.requests[0].GroupID {
		t.Fatalf("expected run to carry the resolved group, got %q", stored.GroupID)
	}
	if h.runner.requests[0].Iteration != 1 || h.runner.requests[0].CachePolicy != runner.CacheAuto {
		t.Fatalf("unexpected runner request %+v", h.runner.requests[0])
	}

	h.flush(t)
	kinds := h.sink.kinds()
	if len(kinds) != 2 {
		t.Fatalf("expected group and run events, got %v", kinds)
	}
}

func TestRunStopsAfterMaxRetries(t *testing.T) {
	errs := []error{rateLimited(time.Second), rateLimited(time.Second), rateLimited(time.Second), rateLimited(time.Second), rateLimited(time.Second)}
	h := newHarness(t, &scriptedRunner{errs: errs})

	run, err := h.service.Run(context.Background(), validRequest())
	if err == nil {
		t.Fatalf("expected rate limit error")
	}
	if h.runner.calls != DefaultMaxRetries+1 {
		t.Fatalf("expected %d calls, got %d", DefaultMaxRetries+1, h.runner.calls)
	}
	stored, getErr := h.store.GetRun(context.Background(), run.ID)
	if getErr != nil || stored.Status != domain.RunStatusFailure {
		t.Fatalf("expected failed run to be persisted, got %+v %v", stored, getErr)
	}
	h.flush(t)
}

func TestRunDoesNotRetryPermanentErrors(t *testing.T) {
	h := newHarness(t, &scriptedRunner{errs: []error{domain.NewProviderError(domain.CodeMaxTokensExceeded, "too long")}})
	if _, err := h.service.Run(context.Background(), validRequest()); err == nil {
		t.Fatalf("expected error")
	}
	if h.runner.calls != 1 || len(h.sleeps) != 0 {
		t.Fatalf("expected a single call without waiting, got calls=%d sleeps=%v", h.runner.calls, h.sleeps)
	}
	h.flush(t)
}

func TestRunSkipsPersistingCachedRuns(t *testing.T) {
	h := newHarness(t, &scriptedRunner{fromCache: true})
	run, err := h.service.Run(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := h.store.GetRun(context.Background(), run.ID); err == nil {
		t.Fatalf("expected cached run not to be stored again")
	}
	h.flush(t)
	if kinds := h.sink.kinds(); len(kinds) != 1 || kinds[0] != events.KindTaskGroupSaved {
		t.Fatalf("expected only the group event, got %v", kinds)
	}
}

func TestRunReusesTaskGroup(t *testing.T) {
	h := newHarness(t, &scriptedRunner{})
	ctx := context.Background()
	if _, err := h.service.Run(ctx, validRequest()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := h.service.Run(ctx, validRequest()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if h.runner.requests[0].GroupID != h.runner.requests[1].GroupID {
		t.Fatalf("expected identical properties to share a group")
	}
	h.flush(t)
	groupEvents := 0
	for _, kind := range h.sink.kinds() {
		if kind == events.KindTaskGroupSaved {
			groupEvents++
		}
	}
	if groupEvents != 1 {
		t.Fatalf("expected one group event, got %d", groupEvents)
	}
}

func TestRunValidatesRequest(t *testing.T) {
	h := newHarness(t, &scriptedRunner{})
	cases := []func(*RunAgentRequest){
		func(r *RunAgentRequest) { r.TaskID = " " },
		func(r *RunAgentRequest) { r.TaskSchemaID = 0 },
		func(r *RunAgentRequest) { r.TaskInput = nil },
		func(r *RunAgentRequest) { r.Properties.Model = "" },
		func(r *RunAgentRequest) { r.Properties.Temperature = 3 },
		func(r *RunAgentRequest) { r.UseCache = "sometimes" },
	}
	for i, mutate := range cases {
		request := validRequest()
		mutate(&request)
		_, err := h.service.Run(context.Background(), request)
		appErr, ok := domain.AsAppError(err)
		if !ok || appErr.Code != domain.CodeInvalidArgument {
			t.Fatalf("case %d: expected invalid argument, got %v", i, err)
		}
	}
	if h.runner.calls != 0 {
		t.Fatalf("expected no runner calls, got %d", h.runner.calls)
	}
}

func TestStreamPersistsFinalRun(t *testing.T) {
	h := newHarness(t, &scriptedRunner{})
	var chunks []runner.Chunk
	err := h.service.Stream(context.Background(), validRequest(), func(chunk runner.Chunk) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(chunks) != 2 || chunks[1].Final == nil {
		t.Fatalf("expected a partial and a final chunk, got %+v", chunks)
	}
	if _, err := h.store.GetRun(context.Background(), "run-stream"); err != nil {
		t.Fatalf("expected streamed run to be stored: %v", err)
	}
	h.flush(t)
}

func TestListRunsValidatesStatus(t *testing.T) {
	h := newHarness(t, &scriptedRunner{})
	if _, err := h.service.ListRuns(context.Background(), ListRunsRequest{Status: "pending"}); err == nil {
		t.Fatalf("expected invalid status to fail")
	}
	if _, err := h.service.Run(context.Background(), validRequest()); err != nil {
		t.Fatalf("run: %v", err)
	}
	runs, err := h.service.ListRuns(context.Background(), ListRunsRequest{TaskID: "summarize", Status: "success"})
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one run, got %d %v", len(runs), err)
	}
	if len(h.service.ListModels()) == 0 {
		t.Fatalf("expected the default model registry to be listed")
	}
	h.flush(t)
}

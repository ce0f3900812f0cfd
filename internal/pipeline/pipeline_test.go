package pipeline

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/models"
	"github.com/bcrosbie/agentdispatch/internal/providers"
	"github.com/bcrosbie/agentdispatch/internal/templates"
)

type fakeProvider struct {
	name     models.Provider
	id       string
	configID string
}

func (f *fakeProvider) Name() models.Provider { return f.name }
func (f *fakeProvider) ConfigID() string      { return f.configID }

func (f *fakeProvider) Complete(context.Context, []domain.Message, providers.Options) (providers.Output, error) {
	return providers.Output{}, nil
}

func (f *fakeProvider) Stream(context.Context, []domain.Message, providers.Options) iter.Seq2[providers.Delta, error] {
	return func(func(providers.Delta, error) bool) {}
}

func (f *fakeProvider) CountPromptTokens([]domain.Message) int64     { return 0 }
func (f *fakeProvider) CountCompletionTokens(string) int64           { return 0 }
func (f *fakeProvider) CountPromptCharacters([]domain.Message) int64 { return 0 }
func (f *fakeProvider) CountCompletionCharacters(string) int64       { return 0 }

type fakeFactory struct {
	pools  map[models.Provider][]providers.Provider
	custom map[string]providers.Provider
}

func (f fakeFactory) Pool(provider models.Provider) []providers.Provider {
	return f.pools[provider]
}

func (f fakeFactory) CustomConfig(id string) (providers.Provider, bool) {
	provider, ok := f.custom[id]
	return provider, ok
}

type recordingReporter struct {
	reported []*domain.ProviderError
}

func (r *recordingReporter) Report(err *domain.ProviderError) {
	r.reported = append(r.reported, err)
}

func reverse(n int, swap func(i, j int)) {
	for i := 0; i < n/2; i++ {
		swap(i, n-1-i)
	}
}

func entries(name models.Provider, ids ...string) []providers.Provider {
	out := make([]providers.Provider, 0, len(ids))
	for _, id := range ids {
		out = append(out, &fakeProvider{name: name, id: id})
	}
	return out
}

func twoVendorModel() models.ModelData {
	return models.ModelData{
		Model:                    "test-model",
		SupportsStructuredOutput: true,
		SupportsInputSchema:      true,
		ProviderForPricing:       models.ProviderOpenAI,
		Providers: []models.ProviderModelData{
			{Provider: models.ProviderOpenAI},
			{Provider: models.ProviderAnthropic, ModelID: "vendor-test-model"},
		},
	}
}

func ids(attempts []ProviderData) []string {
	out := make([]string, 0, len(attempts))
	for _, attempt := range attempts {
		out = append(out, attempt.Provider.(*fakeProvider).id)
	}
	return out
}

// drain reports every attempt as failed with errFor.
func drain(p *Pipeline, errFor func(ProviderData) error) ([]ProviderData, error) {
	var seen []ProviderData
	for data := range p.Attempts() {
		seen = append(seen, data)
		ok, err := p.Call(data, func() error { return errFor(data) })
		if ok {
			return seen, nil
		}
		if err != nil {
			return seen, err
		}
	}
	return seen, p.Err()
}

func tryNext() error {
	return domain.NewProviderError(domain.CodeRateLimit, "slow down")
}

func TestPriorityVendorYieldsPrimaryFirst(t *testing.T) {
	factory := fakeFactory{pools: map[models.Provider][]providers.Provider{
		models.ProviderOpenAI:    entries(models.ProviderOpenAI, "a1", "a2", "a3"),
		models.ProviderAnthropic: entries(models.ProviderAnthropic, "b1"),
	}}
	p := New(Config{ModelData: twoVendorModel(), Factory: factory, Shuffle: reverse, Reporter: &recordingReporter{}})

	seen, err := drain(p, func(ProviderData) error { return tryNext() })
	got := ids(seen)
	want := []string{"a1", "a3", "a2", "b1"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	providerErr, ok := domain.AsProviderError(err)
	if !ok || providerErr.Message != "slow down" {
		t.Fatalf("expected first accumulated error, got %v", err)
	}
	if len(p.Errors()) != 4 {
		t.Fatalf("expected 4 accumulated errors, got %d", len(p.Errors()))
	}
}

func TestRoundRobinVendorYieldsEveryEntryOnce(t *testing.T) {
	model := models.ModelData{
		Model:              "rr-model",
		ProviderForPricing: models.ProviderFireworks,
		Providers:          []models.ProviderModelData{{Provider: models.ProviderFireworks}},
	}
	factory := fakeFactory{pools: map[models.Provider][]providers.Provider{
		models.ProviderFireworks: entries(models.ProviderFireworks, "f1", "f2", "f3", "f4"),
	}}
	p := New(Config{ModelData: model, Factory: factory, Shuffle: reverse, Reporter: &recordingReporter{}})

	seen, _ := drain(p, func(ProviderData) error { return tryNext() })
	got := ids(seen)
	if len(got) != 4 || got[0] != "f4" {
		t.Fatalf("expected full shuffled pool starting at f4, got %v", got)
	}
	counts := map[string]int{}
	for _, id := range got {
		counts[id]++
	}
	for _, id := range []string{"f1", "f2", "f3", "f4"} {
		if counts[id] != 1 {
			t.Fatalf("expected %s exactly once, got %d", id, counts[id])
		}
	}
}

func TestNonRetryableErrorAbortsPipeline(t *testing.T) {
	factory := fakeFactory{pools: map[models.Provider][]providers.Provider{
		models.ProviderOpenAI:    entries(models.ProviderOpenAI, "a1", "a2"),
		models.ProviderAnthropic: entries(models.ProviderAnthropic, "b1"),
	}}
	p := New(Config{ModelData: twoVendorModel(), Factory: factory, Shuffle: reverse, Reporter: &recordingReporter{}})

	seen, err := drain(p, func(ProviderData) error {
		return domain.NewProviderError(domain.CodeMaxTokensExceeded, "too long")
	})
	if len(seen) != 1 {
		t.Fatalf("expected pipeline to stop after one attempt, got %d", len(seen))
	}
	providerErr, ok := domain.AsProviderError(err)
	if !ok || providerErr.Code != domain.CodeMaxTokensExceeded {
		t.Fatalf("expected max tokens error, got %v", err)
	}
}

func TestCustomConfigErrorIsSwallowed(t *testing.T) {
	custom := &fakeProvider{name: models.ProviderOpenAI, id: "custom", configID: "tenant-key"}
	factory := fakeFactory{
		pools:  map[models.Provider][]providers.Provider{models.ProviderOpenAI: entries(models.ProviderOpenAI, "a1")},
		custom: map[string]providers.Provider{"tenant-key": custom},
	}
	p := New(Config{ModelData: twoVendorModel(), Factory: factory, CustomConfigID: "tenant-key", Shuffle: reverse, Reporter: &recordingReporter{}})

	seen, err := drain(p, func(data ProviderData) error {
		if data.Provider.ConfigID() != "" {
			providerErr := domain.NewProviderError(domain.CodeInvalidRequest, "bad key")
			providerErr.ConfigID = data.Provider.ConfigID()
			return providerErr
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after custom config failure, got %v", err)
	}
	got := ids(seen)
	if len(got) != 2 || got[0] != "custom" || got[1] != "a1" {
		t.Fatalf("expected custom config first then a1, got %v", got)
	}
}

func TestForcedProviderStopsAfterItsPool(t *testing.T) {
	factory := fakeFactory{pools: map[models.Provider][]providers.Provider{
		models.ProviderOpenAI:    entries(models.ProviderOpenAI, "a1"),
		models.ProviderAnthropic: entries(models.ProviderAnthropic, "b1", "b2"),
	}}
	p := New(Config{ModelData: twoVendorModel(), Factory: factory, ForcedProvider: models.ProviderAnthropic, Shuffle: reverse, Reporter: &recordingReporter{}})

	seen, _ := drain(p, func(ProviderData) error { return tryNext() })
	got := ids(seen)
	if len(got) != 2 || got[0] != "b1" || got[1] != "b2" {
		t.Fatalf("expected only anthropic entries, got %v", got)
	}
	if seen[0].Options.ModelID != "vendor-test-model" {
		t.Fatalf("expected vendor model id, got %q", seen[0].Options.ModelID)
	}
}

func TestStructuredGenerationRetriesOnceAndStaysDisabled(t *testing.T) {
	factory := fakeFactory{pools: map[models.Provider][]providers.Provider{
		models.ProviderOpenAI:    entries(models.ProviderOpenAI, "a1"),
		models.ProviderAnthropic: entries(models.ProviderAnthropic, "b1"),
	}}
	reporter := &recordingReporter{}
	p := New(Config{ModelData: twoVendorModel(), Factory: factory, Shuffle: reverse, Reporter: reporter})

	seen, err := drain(p, func(data ProviderData) error {
		if data.Options.StructuredGeneration {
			return domain.NewProviderError(domain.CodeStructuredGeneration, "schema rejected")
		}
		if data.Provider.Name() == models.ProviderOpenAI {
			return tryNext()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	got := ids(seen)
	want := []string{"a1", "a1", "b1"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if !seen[0].Options.StructuredGeneration || seen[1].Options.StructuredGeneration {
		t.Fatalf("expected structured then unstructured attempt for a1")
	}
	if seen[0].TemplateName != templates.V2StructuredGeneration || seen[1].TemplateName != templates.V2Default {
		t.Fatalf("unexpected templates %s %s", seen[0].TemplateName, seen[1].TemplateName)
	}
	if seen[2].Options.StructuredGeneration || seen[2].TemplateName != templates.V2Default {
		t.Fatalf("expected b1 to start without structured generation, got %+v", seen[2].Options)
	}
	if len(reporter.reported) != 2 {
		t.Fatalf("expected 2 reported errors, got %d", len(reporter.reported))
	}
	if len(p.Errors()) != 1 {
		t.Fatalf("expected only the rate limit to accumulate, got %d", len(p.Errors()))
	}
}

func TestPinnedStructuredGenerationAborts(t *testing.T) {
	factory := fakeFactory{pools: map[models.Provider][]providers.Provider{
		models.ProviderOpenAI:    entries(models.ProviderOpenAI, "a1"),
		models.ProviderAnthropic: entries(models.ProviderAnthropic, "b1"),
	}}
	pinned := true
	p := New(Config{ModelData: twoVendorModel(), Factory: factory, StructuredGeneration: &pinned, Shuffle: reverse, Reporter: &recordingReporter{}})

	seen, err := drain(p, func(ProviderData) error {
		return domain.NewProviderError(domain.CodeStructuredGeneration, "schema rejected")
	})
	if len(seen) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(seen))
	}
	providerErr, ok := domain.AsProviderError(err)
	if !ok || providerErr.Code != domain.CodeStructuredGeneration {
		t.Fatalf("expected structured generation error, got %v", err)
	}
}

func TestNoConfiguredProviders(t *testing.T) {
	p := New(Config{ModelData: twoVendorModel(), Factory: fakeFactory{}, Reporter: &recordingReporter{}})
	_, err := drain(p, func(ProviderData) error { return nil })
	appErr, ok := domain.AsAppError(err)
	if !ok || appErr.Code != domain.CodeNoProviderSupportingModel {
		t.Fatalf("expected no provider error, got %v", err)
	}
}

func TestNonProviderErrorAborts(t *testing.T) {
	factory := fakeFactory{pools: map[models.Provider][]providers.Provider{
		models.ProviderOpenAI: entries(models.ProviderOpenAI, "a1", "a2"),
	}}
	p := New(Config{ModelData: twoVendorModel(), Factory: factory, Shuffle: reverse, Reporter: &recordingReporter{}})
	boom := errors.New("boom")
	seen, err := drain(p, func(ProviderData) error { return boom })
	if !errors.Is(err, boom) || len(seen) != 1 {
		t.Fatalf("expected abort on plain error, got %v after %d attempts", err, len(seen))
	}
}

func TestBreakingOutOfAttemptsStopsEnumeration(t *testing.T) {
	factory := fakeFactory{pools: map[models.Provider][]providers.Provider{
		models.ProviderOpenAI: entries(models.ProviderOpenAI, "a1", "a2"),
	}}
	p := New(Config{ModelData: twoVendorModel(), Factory: factory, Shuffle: reverse, Reporter: &recordingReporter{}})
	count := 0
	for data := range p.Attempts() {
		count++
		if ok, _ := p.Call(data, func() error { return nil }); ok {
			break
		}
	}
	if count != 1 {
		t.Fatalf("expected to stop after first success, got %d", count)
	}
}

func TestImageOnlyModelsGetPDFsAsImages(t *testing.T) {
	factory := fakeFactory{pools: map[models.Provider][]providers.Provider{
		models.ProviderOpenAI: entries(models.ProviderOpenAI, "a1"),
	}}
	model := twoVendorModel()
	model.SupportsInputImage = true

	for data := range New(Config{ModelData: model, Factory: factory, Shuffle: reverse}).Attempts() {
		if !data.Options.PDFAsImage {
			t.Fatalf("expected pdfs to travel as images")
		}
		break
	}

	model.SupportsInputPDF = true
	for data := range New(Config{ModelData: model, Factory: factory, Shuffle: reverse}).Attempts() {
		if data.Options.PDFAsImage {
			t.Fatalf("expected native pdf input")
		}
		break
	}
}

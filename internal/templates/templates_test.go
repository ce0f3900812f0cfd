package templates

import (
	"strings"
	"testing"
)

func TestSanitizeDecisionTable(t *testing.T) {
	for _, toolUse := range []bool{false, true} {
		for _, structured := range []bool{false, true} {
			for _, inputSchema := range []bool{false, true} {
				name := Sanitize("", toolUse, structured, inputSchema)
				if IsDeprecated(name) {
					t.Fatalf("expected non deprecated template, got %s", name)
				}
				if !IsActive(name) {
					t.Fatalf("expected active template, got %s", name)
				}
				if IsNoInputSchema(name) == inputSchema {
					t.Fatalf("expected no_input_schema family iff input schema unsupported, got %s for %v", name, inputSchema)
				}
				if strings.Contains(string(name), "tool_use") != toolUse {
					t.Fatalf("expected tool use variant %v, got %s", toolUse, name)
				}
				if strings.Contains(string(name), "structured_generation") != structured {
					t.Fatalf("expected structured variant %v, got %s", structured, name)
				}
			}
		}
	}
}

func TestSanitizeKeepsExplicitActiveName(t *testing.T) {
	if got := Sanitize(V2ToolUse, false, true, false); got != V2ToolUse {
		t.Fatalf("expected override v2_tool_use, got %s", got)
	}
}

func TestSanitizeNeverReturnsDeprecated(t *testing.T) {
	for _, legacy := range []Name{V1, V1ToolUse, V1NativeTools} {
		got := Sanitize(legacy, true, false, true)
		if got != V2ToolUse {
			t.Fatalf("expected %s to fall through to v2_tool_use, got %s", legacy, got)
		}
	}
	if got := Sanitize("made_up", false, false, false); got != V2DefaultNoInputSchema {
		t.Fatalf("expected unknown name to fall through, got %s", got)
	}
}

func TestBodiesMatchRecordedHashes(t *testing.T) {
	if len(recordedHashes) != len(bodies) {
		t.Fatalf("expected %d recorded hashes, got %d", len(bodies), len(recordedHashes))
	}
	for name, want := range recordedHashes {
		got, ok := Hash(name)
		if !ok {
			t.Fatalf("missing body for %s", name)
		}
		if got != want {
			t.Fatalf("template %s changed: expected hash %s, got %s", name, want, got)
		}
	}
}

func TestRenderFillsPlaceholders(t *testing.T) {
	system, user := Render(V2Default, Variables{
		Instructions: "Summarize the text",
		InputSchema:  `{"type":"object"}`,
		OutputSchema: `{"type":"object","properties":{"summary":{"type":"string"}}}`,
		Input:        `{"text":"hello"}`,
	})
	if strings.Contains(system, "{{") || strings.Contains(user, "{{") {
		t.Fatalf("expected all placeholders to be replaced")
	}
	if !strings.Contains(system, "Summarize the text") || !strings.Contains(system, `"summary"`) {
		t.Fatalf("expected instructions and output schema in system message: %s", system)
	}
	if !strings.Contains(user, `{"text":"hello"}`) {
		t.Fatalf("expected input in user message: %s", user)
	}
}

func TestRenderNoInputSchemaOmitsSchema(t *testing.T) {
	system, _ := Render(V2StructuredGenerationNoInputSchema, Variables{InputSchema: "SCHEMA-MARKER"})
	if strings.Contains(system, "SCHEMA-MARKER") {
		t.Fatalf("expected input schema to be omitted")
	}
	if !strings.Contains(system, "No additional instructions.") {
		t.Fatalf("expected default instructions")
	}
}

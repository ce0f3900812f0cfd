package templates

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

type Name string

const (
	V2Default                                  Name = "v2_default"
	V2DefaultNoInputSchema                     Name = "v2_default_no_input_schema"
	V2StructuredGeneration                     Name = "v2_structured_generation"
	V2StructuredGenerationNoInputSchema        Name = "v2_structured_generation_no_input_schema"
	V2ToolUse                                  Name = "v2_tool_use"
	V2ToolUseNoInputSchema                     Name = "v2_tool_use_no_input_schema"
	V2ToolUseStructuredGeneration              Name = "v2_tool_use_structured_generation"
	V2ToolUseStructuredGenerationNoInputSchema Name = "v2_tool_use_structured_generation_no_input_schema"

	V1            Name = "v1"
	V1ToolUse     Name = "v1_tool_use"
	V1NativeTools Name = "v1_native_tools"
)

var active = []Name{
	V2Default,
	V2DefaultNoInputSchema,
	V2StructuredGeneration,
	V2StructuredGenerationNoInputSchema,
	V2ToolUse,
	V2ToolUseNoInputSchema,
	V2ToolUseStructuredGeneration,
	V2ToolUseStructuredGenerationNoInputSchema,
}

var deprecated = []Name{V1, V1ToolUse, V1NativeTools}

func Active() []Name {
	return slices.Clone(active)
}

func IsDeprecated(name Name) bool {
	return slices.Contains(deprecated, name)
}

func IsActive(name Name) bool {
	return slices.Contains(active, name)
}

func IsNoInputSchema(name Name) bool {
	return strings.HasSuffix(string(name), "_no_input_schema")
}

// Sanitize keeps an explicit active name as an override and otherwise
// picks from the feature flags. Deprecated names are never returned.
func Sanitize(existing Name, toolUse, structuredGeneration, supportsInputSchema bool) Name {
	if existing != "" && IsActive(existing) {
		return existing
	}
	var name Name
	switch {
	case toolUse && structuredGeneration:
		name = V2ToolUseStructuredGeneration
	case toolUse:
		name = V2ToolUse
	case structuredGeneration:
		name = V2StructuredGeneration
	default:
		name = V2Default
	}
	if !supportsInputSchema {
		name += "_no_input_schema"
	}
	return name
}

type Template struct {
	System string
	User   string
}

func (t Template) Hash() string {
	sum := sha256.Sum256([]byte(t.System + "\n\n" + t.User))
	return hex.EncodeToString(sum[:])
}

func Body(name Name) (Template, bool) {
	body, ok := bodies[name]
	return body, ok
}

func Hash(name Name) (string, bool) {
	body, ok := bodies[name]
	if !ok {
		return "", false
	}
	return body.Hash(), true
}

type Variables struct {
	Instructions string
	InputSchema  string
	OutputSchema string
	Input        string
}

// Render fills a template. Unknown names fall back to v2_default.
func Render(name Name, vars Variables) (system string, user string) {
	body, ok := bodies[name]
	if !ok {
		body = bodies[V2Default]
	}
	instructions := strings.TrimSpace(vars.Instructions)
	if instructions == "" {
		instructions = "No additional instructions."
	}
	replacer := strings.NewReplacer(
		"{{instructions}}", instructions,
		"{{input_schema}}", vars.InputSchema,
		"{{output_schema}}", vars.OutputSchema,
		"{{input}}", vars.Input,
	)
	return replacer.Replace(body.System), replacer.Replace(body.User)
}

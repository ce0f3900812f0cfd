package templates

// Bodies are referenced by hash from stored versions. Never edit one in place; add a new name instead.

var bodies = map[Name]Template{
	V2Default: {
		System: `You are a careful assistant that turns an input into a JSON object by following the instructions below.

<instructions>
{{instructions}}
</instructions>

The input is a JSON object that conforms to the following JSON schema:
<input_schema>
{{input_schema}}
</input_schema>

Return a single JSON object that conforms to the following JSON schema:
<output_schema>
{{output_schema}}
</output_schema>

Do not wrap the JSON in markdown and do not add any text before or after it.`,
		User: `Input is:
<input>
{{input}}
</input>`,
	},
	V2DefaultNoInputSchema: {
		System: `You are a careful assistant that turns an input into a JSON object by following the instructions below.

<instructions>
{{instructions}}
</instructions>

Return a single JSON object that conforms to the following JSON schema:
<output_schema>
{{output_schema}}
</output_schema>

Do not wrap the JSON in markdown and do not add any text before or after it.`,
		User: `<input>
{{input}}
</input>`,
	},
	V2StructuredGeneration: {
		System: `You are a careful assistant that turns an input into a JSON object by following the instructions below.

<instructions>
{{instructions}}
</instructions>

The input is a JSON object that conforms to the following JSON schema:
<input_schema>
{{input_schema}}
</input_schema>

Return a single JSON object. The expected structure is enforced by the API.`,
		User: `Input is:
<input>
{{input}}
</input>`,
	},
	V2StructuredGenerationNoInputSchema: {
		System: `You are a careful assistant that turns an input into a JSON object by following the instructions below.

<instructions>
{{instructions}}
</instructions>

Return a single JSON object. The expected structure is enforced by the API.`,
		User: `<input>
{{input}}
</input>`,
	},
	V2ToolUse: {
		System: `You are a careful assistant that turns an input into a JSON object by following the instructions below.

<instructions>
{{instructions}}
</instructions>

The input is a JSON object that conforms to the following JSON schema:
<input_schema>
{{input_schema}}
</input_schema>

You can call the tools that are available to you. Call them only when they help with the instructions. When you have gathered enough information, stop calling tools and produce the final answer.

Return a single JSON object that conforms to the following JSON schema:
<output_schema>
{{output_schema}}
</output_schema>

Do not wrap the JSON in markdown and do not add any text before or after it.`,
		User: `Input is:
<input>
{{input}}
</input>`,
	},
	V2ToolUseNoInputSchema: {
		System: `You are a careful assistant that turns an input into a JSON object by following the instructions below.

<instructions>
{{instructions}}
</instructions>

You can call the tools that are available to you. Call them only when they help with the instructions. When you have gathered enough information, stop calling tools and produce the final answer.

Return a single JSON object that conforms to the following JSON schema:
<output_schema>
{{output_schema}}
</output_schema>

Do not wrap the JSON in markdown and do not add any text before or after it.`,
		User: `<input>
{{input}}
</input>`,
	},
	V2ToolUseStructuredGeneration: {
		System: `You are a careful assistant that turns an input into a JSON object by following the instructions below.

<instructions>
{{instructions}}
</instructions>

The input is a JSON object that conforms to the following JSON schema:
<input_schema>
{{input_schema}}
</input_schema>

You can call the tools that are available to you. Call them only when they help with the instructions. When you have gathered enough information, stop calling tools and produce the final answer.

Return a single JSON object. The expected structure is enforced by the API.`,
		User: `Input is:
<input>
{{input}}
</input>`,
	},
	V2ToolUseStructuredGenerationNoInputSchema: {
		System: `You are a careful assistant that turns an input into a JSON object by following the instructions below.

<instructions>
{{instructions}}
</instructions>

You can call the tools that are available to you. Call them only when they help with the instructions. When you have gathered enough information, stop calling tools and produce the final answer.

Return a single JSON object. The expected structure is enforced by the API.`,
		User: `<input>
{{input}}
</input>`,
	},
	V1: {
		System: `{{instructions}}

Input schema:
{{input_schema}}

Output schema:
{{output_schema}}

Return JSON only.`,
		User: `{{input}}`,
	},
	V1ToolUse: {
		System: `{{instructions}}

Input schema:
{{input_schema}}

Output schema:
{{output_schema}}

Use the available tools when needed, then return JSON only.`,
		User: `{{input}}`,
	},
	V1NativeTools: {
		System: `{{instructions}}

Output schema:
{{output_schema}}

Return JSON only.`,
		User: `{{input}}`,
	},
}

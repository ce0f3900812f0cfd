package models

const (
	GPT4o20241120          Model = "gpt-4o-2024-11-20"
	GPT4o20240806          Model = "gpt-4o-2024-08-06"
	GPT4oMini20240718      Model = "gpt-4o-mini-2024-07-18"
	Claude35Sonnet20241022 Model = "claude-3-5-sonnet-20241022"
	Claude35Haiku20241022  Model = "claude-3-5-haiku-20241022"
	Gemini15Pro002         Model = "gemini-1.5-pro-002"
	Gemini15Flash002       Model = "gemini-1.5-flash-002"
	Gemini20Flash001       Model = "gemini-2.0-flash-001"
	Llama3370B             Model = "llama-3.3-70b"
	Llama318B              Model = "llama-3.1-8b"
	DeepseekV3             Model = "deepseek-v3-2412"
	MistralLarge2411       Model = "mistral-large-2411"
)

// Provider order is the dispatch preference.
func modelTable() []ModelData {
	return []ModelData{
		{
			Model:                              GPT4o20241120,
			DisplayName:                        "GPT-4o (2024-11-20)",
			ReleaseDate:                        "2024-11-20",
			QualityIndex:                       89,
			MaxTokens:                          MaxTokens{Context: 128000, Output: 16384},
			SupportsJSONMode:                   true,
			SupportsInputImage:                 true,
			SupportsMultipleImagesInOneMessage: true,
			SupportsStructuredOutput:           true,
			SupportsToolCalling:                true,
			SupportsInputSchema:                true,
			ProviderForPricing:                 ProviderOpenAI,
			Providers: []ProviderModelData{
				{Provider: ProviderOpenAI, Pricing: perToken(0.0000025, 0.00001)},
				{Provider: ProviderAzureOpenAI, Pricing: perToken(0.0000025, 0.00001)},
			},
		},
		{
			Model:                              GPT4o20240806,
			DisplayName:                        "GPT-4o (2024-08-06)",
			ReleaseDate:                        "2024-08-06",
			QualityIndex:                       88,
			MaxTokens:                          MaxTokens{Context: 128000, Output: 16384},
			SupportsJSONMode:                   true,
			SupportsInputImage:                 true,
			SupportsMultipleImagesInOneMessage: true,
			SupportsStructuredOutput:           true,
			SupportsToolCalling:                true,
			SupportsInputSchema:                true,
			ProviderForPricing:                 ProviderOpenAI,
			Providers: []ProviderModelData{
				{Provider: ProviderOpenAI, Pricing: perToken(0.0000025, 0.00001)},
				{Provider: ProviderAzureOpenAI, Pricing: perToken(0.0000025, 0.00001)},
			},
		},
		{
			Model:                              GPT4oMini20240718,
			DisplayName:                        "GPT-4o mini (2024-07-18)",
			ReleaseDate:                        "2024-07-18",
			QualityIndex:                       75,
			MaxTokens:                          MaxTokens{Context: 128000, Output: 16384},
			SupportsJSONMode:                   true,
			SupportsInputImage:                 true,
			SupportsMultipleImagesInOneMessage: true,
			SupportsStructuredOutput:           true,
			SupportsToolCalling:                true,
			SupportsInputSchema:                true,
			ProviderForPricing:                 ProviderOpenAI,
			Providers: []ProviderModelData{
				{Provider: ProviderOpenAI, Pricing: perToken(0.00000015, 0.0000006)},
				{Provider: ProviderAzureOpenAI, Pricing: perToken(0.000000165, 0.00000066)},
			},
		},
		{
			Model:                              Claude35Sonnet20241022,
			DisplayName:                        "Claude 3.5 Sonnet (2024-10-22)",
			ReleaseDate:                        "2024-10-22",
			QualityIndex:                       90,
			MaxTokens:                          MaxTokens{Context: 200000, Output: 8192},
			SupportsInputImage:                 true,
			SupportsMultipleImagesInOneMessage: true,
			SupportsInputPDF:                   true,
			SupportsToolCalling:                true,
			SupportsInputSchema:                true,
			ProviderForPricing:                 ProviderAnthropic,
			Providers: []ProviderModelData{
				{Provider: ProviderAnthropic, Pricing: perToken(0.000003, 0.000015)},
			},
		},
		{
			Model:               Claude35Haiku20241022,
			DisplayName:         "Claude 3.5 Haiku (2024-10-22)",
			ReleaseDate:         "2024-10-22",
			QualityIndex:        78,
			MaxTokens:           MaxTokens{Context: 200000, Output: 8192},
			SupportsToolCalling: true,
			SupportsInputSchema: true,
			ProviderForPricing:  ProviderAnthropic,
			Providers: []ProviderModelData{
				{Provider: ProviderAnthropic, Pricing: perToken(0.0000008, 0.000004)},
			},
		},
		{
			Model:                              Gemini15Pro002,
			DisplayName:                        "Gemini 1.5 Pro (002)",
			ReleaseDate:                        "2024-09-24",
			QualityIndex:                       84,
			MaxTokens:                          MaxTokens{Context: 2097152, Output: 8192},
			SupportsJSONMode:                   true,
			SupportsInputImage:                 true,
			SupportsMultipleImagesInOneMessage: true,
			SupportsInputPDF:                   true,
			SupportsInputAudio:                 true,
			SupportsStructuredOutput:           true,
			SupportsToolCalling:                true,
			SupportsInputSchema:                true,
			ProviderForPricing:                 ProviderGoogle,
			Providers: []ProviderModelData{
				{Provider: ProviderGoogle, Pricing: perCharacter(0.0000003125, 0.00000125)},
			},
		},
		{
			Model:                              Gemini15Flash002,
			DisplayName:                        "Gemini 1.5 Flash (002)",
			ReleaseDate:                        "2024-09-24",
			QualityIndex:                       76,
			MaxTokens:                          MaxTokens{Context: 1048576, Output: 8192},
			SupportsJSONMode:                   true,
			SupportsInputImage:                 true,
			SupportsMultipleImagesInOneMessage: true,
			SupportsInputPDF:                   true,
			SupportsInputAudio:                 true,
			SupportsStructuredOutput:           true,
			SupportsToolCalling:                true,
			SupportsInputSchema:                true,
			ProviderForPricing:                 ProviderGoogle,
			Providers: []ProviderModelData{
				{Provider: ProviderGoogle, Pricing: perCharacter(0.00000001875, 0.000000075)},
			},
		},
		{
			Model:                              Gemini20Flash001,
			DisplayName:                        "Gemini 2.0 Flash (001)",
			ReleaseDate:                        "2025-02-05",
			QualityIndex:                       85,
			MaxTokens:                          MaxTokens{Context: 1048576, Output: 8192},
			SupportsJSONMode:                   true,
			SupportsInputImage:                 true,
			SupportsMultipleImagesInOneMessage: true,
			SupportsInputPDF:                   true,
			SupportsInputAudio:                 true,
			SupportsStructuredOutput:           true,
			SupportsToolCalling:                true,
			SupportsInputSchema:                true,
			ProviderForPricing:                 ProviderGoogle,
			Providers: []ProviderModelData{
				{Provider: ProviderGoogle, Pricing: perToken(0.0000001, 0.0000004)},
			},
		},
		{
			Model:               Llama3370B,
			DisplayName:         "Llama 3.3 (70B)",
			ReleaseDate:         "2024-12-06",
			QualityIndex:        74,
			MaxTokens:           MaxTokens{Context: 128000, Output: 32768},
			SupportsJSONMode:    true,
			SupportsToolCalling: true,
			SupportsInputSchema: true,
			ProviderForPricing:  ProviderGroq,
			Providers: []ProviderModelData{
				{Provider: ProviderGroq, ModelID: "llama-3.3-70b-versatile", Pricing: perToken(0.00000059, 0.00000079)},
				{Provider: ProviderFireworks, ModelID: "accounts/fireworks/models/llama-v3p3-70b-instruct", Pricing: perToken(0.0000009, 0.0000009)},
			},
		},
		{
			Model:              Llama318B,
			DisplayName:        "Llama 3.1 (8B)",
			ReleaseDate:        "2024-07-23",
			QualityIndex:       52,
			MaxTokens:          MaxTokens{Context: 128000, Output: 8192},
			SupportsJSONMode:   true,
			ProviderForPricing: ProviderGroq,
			Providers: []ProviderModelData{
				{Provider: ProviderGroq, ModelID: "llama-3.1-8b-instant", Pricing: perToken(0.00000005, 0.00000008)},
				{Provider: ProviderFireworks, ModelID: "accounts/fireworks/models/llama-v3p1-8b-instruct", Pricing: perToken(0.0000002, 0.0000002)},
			},
		},
		{
			Model:                    DeepseekV3,
			DisplayName:              "DeepSeek V3 (24-12)",
			ReleaseDate:              "2024-12-26",
			QualityIndex:             86,
			MaxTokens:                MaxTokens{Context: 128000, Output: 16384},
			SupportsJSONMode:         true,
			SupportsStructuredOutput: true,
			SupportsInputSchema:      true,
			ProviderForPricing:       ProviderFireworks,
			Providers: []ProviderModelData{
				{Provider: ProviderFireworks, ModelID: "accounts/fireworks/models/deepseek-v3", Pricing: perToken(0.0000009, 0.0000009)},
			},
		},
		{
			Model:               MistralLarge2411,
			DisplayName:         "Mistral Large (24-11)",
			ReleaseDate:         "2024-11-18",
			QualityIndex:        80,
			MaxTokens:           MaxTokens{Context: 131072, Output: 32768},
			SupportsJSONMode:    true,
			SupportsToolCalling: true,
			SupportsInputSchema: true,
			ProviderForPricing:  ProviderMistral,
			Providers: []ProviderModelData{
				{Provider: ProviderMistral, ModelID: "mistral-large-2411", Pricing: perToken(0.000002, 0.000006)},
			},
		},
	}
}

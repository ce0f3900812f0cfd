package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/models"
	"github.com/bcrosbie/agentdispatch/internal/providers"
	"github.com/goccy/go-json"
)

type Config struct {
	GRPCAddr         string
	HTTPAddr         string
	StoreDriver      string
	DataFile         string
	DatabaseURL      string
	DBAutoMigrate    bool
	AuthToken        string
	EnableReflection bool
	ShutdownTimeout  time.Duration

	ProviderTimeout     time.Duration
	RunMaxRetries       int
	MaxToolIterations   int
	RoundRobinProviders []models.Provider

	ProvidersJSON      string
	OpenAIKeys         []string
	AnthropicKeys      []string
	GroqKeys           []string
	FireworksKeys      []string
	MistralKeys        []string
	AzureEndpointsJSON string
	GoogleProject      string
	GoogleRegions      []string
	GoogleAccessToken  string
	ToolGatewayURL     string
	ToolGatewayToken   string
	EventsGRPCAddr     string
	EventsGRPCInsecure bool
	EventsToken        string
}

func Load() Config {
	return Config{
		GRPCAddr:         envOrDefault("GRPC_ADDR", "127.0.0.1:50051"),
		HTTPAddr:         envOrDefault("HTTP_ADDR", "127.0.0.1:8080"),
		StoreDriver:      envOrDefault("STORE_DRIVER", "file"),
		DataFile:         envOrDefault("DATA_FILE", "./data/agentdispatch.db.json"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DBAutoMigrate:    envBoolOrDefault("DB_AUTO_MIGRATE", false),
		AuthToken:        os.Getenv("AUTH_TOKEN"),
		EnableReflection: envBoolOrDefault("ENABLE_REFLECTION", false),
		ShutdownTimeout:  envDurationOrDefault("SHUTDOWN_TIMEOUT", 10*time.Second),

		ProviderTimeout:     envDurationOrDefault("PROVIDER_TIMEOUT", 2*time.Minute),
		RunMaxRetries:       envIntOrDefault("RUN_MAX_RETRIES", 3),
		MaxToolIterations:   envIntOrDefault("MAX_TOOL_ITERATIONS", 5),
		RoundRobinProviders: envProviders("ROUND_ROBIN_PROVIDERS", []models.Provider{models.ProviderFireworks}),

		ProvidersJSON:      os.Getenv("PROVIDERS_JSON"),
		OpenAIKeys:         envList("OPENAI_API_KEYS"),
		AnthropicKeys:      envList("ANTHROPIC_API_KEYS"),
		GroqKeys:           envList("GROQ_API_KEYS"),
		FireworksKeys:      envList("FIREWORKS_API_KEYS"),
		MistralKeys:        envList("MISTRAL_API_KEYS"),
		AzureEndpointsJSON: os.Getenv("AZURE_OPENAI_ENDPOINTS"),
		GoogleProject:      os.Getenv("GOOGLE_VERTEX_PROJECT"),
		GoogleRegions:      envList("GOOGLE_VERTEX_REGIONS"),
		GoogleAccessToken:  os.Getenv("GOOGLE_VERTEX_ACCESS_TOKEN"),
		ToolGatewayURL:     os.Getenv("TOOL_GATEWAY_URL"),
		ToolGatewayToken:   os.Getenv("TOOL_GATEWAY_TOKEN"),
		EventsGRPCAddr:     os.Getenv("EVENTS_GRPC_ADDR"),
		EventsGRPCInsecure: envBoolOrDefault("EVENTS_GRPC_INSECURE", false),
		EventsToken:        os.Getenv("EVENTS_TOKEN"),
	}
}

// ProviderConfigs assembles the credential pool: PROVIDERS_JSON entries first, then
// the per-vendor key lists in the order the keys were given.
func (c Config) ProviderConfigs() ([]providers.Config, error) {
	var out []providers.Config
	if strings.TrimSpace(c.ProvidersJSON) != "" {
		var parsed []providers.Config
		if err := json.Unmarshal([]byte(c.ProvidersJSON), &parsed); err != nil {
			return nil, fmt.Errorf("parse PROVIDERS_JSON: %w", err)
		}
		for _, item := range parsed {
			if _, ok := models.ParseProvider(string(item.Provider)); !ok {
				return nil, fmt.Errorf("PROVIDERS_JSON: unsupported provider %q", item.Provider)
			}
		}
		out = append(out, parsed...)
	}

	keyed := []struct {
		provider models.Provider
		keys     []string
	}{
		{models.ProviderOpenAI, c.OpenAIKeys},
		{models.ProviderAnthropic, c.AnthropicKeys},
		{models.ProviderGroq, c.GroqKeys},
		{models.ProviderFireworks, c.FireworksKeys},
		{models.ProviderMistral, c.MistralKeys},
	}
	for _, entry := range keyed {
		for i, key := range entry.keys {
			out = append(out, providers.Config{
				ID:       fmt.Sprintf("%s-env-%d", entry.provider, i),
				Provider: entry.provider,
				APIKey:   key,
			})
		}
	}

	if strings.TrimSpace(c.AzureEndpointsJSON) != "" {
		var endpoints []providers.Config
		if err := json.Unmarshal([]byte(c.AzureEndpointsJSON), &endpoints); err != nil {
			return nil, fmt.Errorf("parse AZURE_OPENAI_ENDPOINTS: %w", err)
		}
		for i, endpoint := range endpoints {
			endpoint.Provider = models.ProviderAzureOpenAI
			if endpoint.ID == "" {
				endpoint.ID = fmt.Sprintf("%s-env-%d", models.ProviderAzureOpenAI, i)
			}
			out = append(out, endpoint)
		}
	}

	if c.GoogleProject != "" {
		out = append(out, providers.Config{
			ID:       string(models.ProviderGoogle) + "-env-0",
			Provider: models.ProviderGoogle,
			APIKey:   c.GoogleAccessToken,
			Project:  c.GoogleProject,
			Regions:  c.GoogleRegions,
		})
	}

	for i := range out {
		if out[i].Timeout == 0 {
			out[i].Timeout = c.ProviderTimeout
		}
	}
	return out, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envBoolOrDefault(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envIntOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if clean := strings.TrimSpace(item); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}

func envProviders(key string, fallback []models.Provider) []models.Provider {
	names := envList(key)
	if len(names) == 0 {
		return fallback
	}
	out := make([]models.Provider, 0, len(names))
	for _, name := range names {
		if provider, ok := models.ParseProvider(name); ok {
			out = append(out, provider)
		}
	}
	return out
}

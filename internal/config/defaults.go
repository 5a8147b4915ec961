package config

import (
	"fmt"
	"strings"
)

// Placeholder keys shipped in the default config. Running the pipeline
// against a remote endpoint with one of these still set is an error.
var placeholderAPIKeys = map[string]struct{}{
	"sk-xxxxx": {},
	"sk-yyyyy": {},
}

// DefaultConfig returns the configuration used when no file or
// environment overrides exist. Model endpoints ship with placeholder
// keys so Validate fails loudly until they are set.
func DefaultConfig() *Config {
	return &Config{
		HomeDir: "",
		Server: ServerConfig{
			Addr:             ":8080",
			UserSessionDays:  30,
			GuestSessionDays: 7,
			MaxUploadMB:      50,
		},
		LLM: ModelEndpoint{
			BaseURL:           "https://api.openai.com/v1",
			APIKey:            "sk-xxxxx",
			Model:             "gpt-4o-mini",
			RateLimit:         60,
			TimeoutSeconds:    300,
			MaxRetries:        3,
			RetryDelaySeconds: 2,
			Temperature:       0.3,
		},
		Embedding: ModelEndpoint{
			BaseURL:           "https://api.openai.com/v1",
			APIKey:            "sk-yyyyy",
			Model:             "text-embedding-3-small",
			RateLimit:         60,
			TimeoutSeconds:    300,
			MaxRetries:        3,
			RetryDelaySeconds: 2,
			Dimensions:        1024,
			BatchSize:         32,
		},
		Pipeline: PipelineConfig{
			MinChapterLength:    500,
			SceneTargetLength:   800,
			SceneMinLength:      200,
			SceneMaxLength:      2000,
			CoverageThreshold:   0.98,
			AnnotationBatchSize: 5,
			ShortSceneThreshold: 300,
			Concurrency:         3,
			ProfileTopN:         10,
			ProfileMinScenes:    3,
			CollectionName:      "novel_scenes",
		},
		RP: RPConfig{
			VectorTopK:     30,
			FilterTopK:     20,
			ProfileTopK:    10,
			MaxFacts:       8,
			MaxCandidates:  60,
			CollectionName: "novel_scenes",
		},
	}
}

// IsPlaceholderAPIKey reports whether the key is empty or still one of
// the shipped placeholders.
func IsPlaceholderAPIKey(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}
	if _, ok := placeholderAPIKeys[key]; ok {
		return true
	}
	lowered := strings.ToLower(key)
	return strings.HasPrefix(lowered, "your-") || strings.Contains(lowered, "replace")
}

// isLocalBaseURL detects local endpoints that may not need real keys.
func isLocalBaseURL(baseURL string) bool {
	url := strings.ToLower(baseURL)
	return strings.Contains(url, "localhost") || strings.Contains(url, "127.0.0.1")
}

// Validate checks the model endpoints before pipeline or RP use. Local
// endpoints are exempt from the API key check.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		ep   ModelEndpoint
	}{
		{"llm", c.LLM},
		{"embedding", c.Embedding},
	}
	for _, section := range sections {
		if isLocalBaseURL(section.ep.BaseURL) {
			continue
		}
		if IsPlaceholderAPIKey(ResolveEnvVars(section.ep.APIKey)) {
			return fmt.Errorf("%s.api_key is placeholder or empty, set it in the config file or AIRP_%s_API_KEY", section.name, strings.ToUpper(section.name))
		}
	}
	return nil
}

// Package config loads service configuration from an optional YAML file
// plus AIRP_-prefixed environment variables, with fsnotify-backed hot
// reload of tunables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"airp/internal/pipeline"
	"airp/internal/providers"
	"airp/internal/rp"
)

// ModelEndpoint configures one OpenAI-compatible endpoint.
type ModelEndpoint struct {
	BaseURL           string  `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string  `mapstructure:"api_key" yaml:"api_key"`
	Model             string  `mapstructure:"model" yaml:"model"`
	RateLimit         int     `mapstructure:"rate_limit" yaml:"rate_limit"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries        int     `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelaySeconds int     `mapstructure:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	Temperature       float64 `mapstructure:"temperature" yaml:"temperature"`
	Dimensions        int     `mapstructure:"dimensions" yaml:"dimensions"`
	BatchSize         int     `mapstructure:"batch_size" yaml:"batch_size"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Addr             string `mapstructure:"addr" yaml:"addr"`
	UserSessionDays  int    `mapstructure:"user_session_days" yaml:"user_session_days"`
	GuestSessionDays int    `mapstructure:"guest_session_days" yaml:"guest_session_days"`
	MaxUploadMB      int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb"`
}

// PipelineConfig holds the ingestion tunables.
type PipelineConfig struct {
	MinChapterLength    int     `mapstructure:"min_chapter_length" yaml:"min_chapter_length"`
	SceneTargetLength   int     `mapstructure:"scene_target_length" yaml:"scene_target_length"`
	SceneMinLength      int     `mapstructure:"scene_min_length" yaml:"scene_min_length"`
	SceneMaxLength      int     `mapstructure:"scene_max_length" yaml:"scene_max_length"`
	CoverageThreshold   float64 `mapstructure:"coverage_threshold" yaml:"coverage_threshold"`
	AnnotationBatchSize int     `mapstructure:"annotation_batch_size" yaml:"annotation_batch_size"`
	ShortSceneThreshold int     `mapstructure:"short_scene_threshold" yaml:"short_scene_threshold"`
	Concurrency         int     `mapstructure:"concurrency" yaml:"concurrency"`
	ProfileTopN         int     `mapstructure:"profile_top_n" yaml:"profile_top_n"`
	ProfileMinScenes    int     `mapstructure:"profile_min_scenes" yaml:"profile_min_scenes"`
	SplitModel          string  `mapstructure:"split_model" yaml:"split_model"`
	AnnotateModel       string  `mapstructure:"annotate_model" yaml:"annotate_model"`
	CollectionName      string  `mapstructure:"collection_name" yaml:"collection_name"`
}

// RPConfig holds the retrieval tunables.
type RPConfig struct {
	VectorTopK     int    `mapstructure:"vector_top_k" yaml:"vector_top_k"`
	FilterTopK     int    `mapstructure:"filter_top_k" yaml:"filter_top_k"`
	ProfileTopK    int    `mapstructure:"profile_top_k" yaml:"profile_top_k"`
	MaxFacts       int    `mapstructure:"max_facts" yaml:"max_facts"`
	MaxCandidates  int    `mapstructure:"max_candidates" yaml:"max_candidates"`
	CollectionName string `mapstructure:"collection_name" yaml:"collection_name"`
	ChatModel      string `mapstructure:"chat_model" yaml:"chat_model"`
}

// Config is the full service configuration.
type Config struct {
	HomeDir   string         `mapstructure:"home_dir" yaml:"home_dir"`
	Server    ServerConfig   `mapstructure:"server" yaml:"server"`
	LLM       ModelEndpoint  `mapstructure:"llm" yaml:"llm"`
	Embedding ModelEndpoint  `mapstructure:"embedding" yaml:"embedding"`
	Pipeline  PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	RP        RPConfig       `mapstructure:"rp" yaml:"rp"`
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	viper *viper.Viper

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a manager and loads the initial config. cfgFile
// empty searches . and $HOME/.airp for config.yaml; a missing file is
// not an error, defaults and environment still apply.
func NewManager(cfgFile string) (*Manager, error) {
	m := &Manager{viper: viper.New()}
	if err := m.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := m.load()
	if err != nil {
		return nil, err
	}
	m.config = cfg
	return m, nil
}

func (m *Manager) initViper(cfgFile string) error {
	// Leaf-level defaults so environment overrides resolve per key.
	defaults := DefaultConfig()
	m.viper.SetDefault("home_dir", defaults.HomeDir)

	m.viper.SetDefault("server.addr", defaults.Server.Addr)
	m.viper.SetDefault("server.user_session_days", defaults.Server.UserSessionDays)
	m.viper.SetDefault("server.guest_session_days", defaults.Server.GuestSessionDays)
	m.viper.SetDefault("server.max_upload_mb", defaults.Server.MaxUploadMB)

	setEndpointDefaults(m.viper, "llm", defaults.LLM)
	setEndpointDefaults(m.viper, "embedding", defaults.Embedding)

	m.viper.SetDefault("pipeline.min_chapter_length", defaults.Pipeline.MinChapterLength)
	m.viper.SetDefault("pipeline.scene_target_length", defaults.Pipeline.SceneTargetLength)
	m.viper.SetDefault("pipeline.scene_min_length", defaults.Pipeline.SceneMinLength)
	m.viper.SetDefault("pipeline.scene_max_length", defaults.Pipeline.SceneMaxLength)
	m.viper.SetDefault("pipeline.coverage_threshold", defaults.Pipeline.CoverageThreshold)
	m.viper.SetDefault("pipeline.annotation_batch_size", defaults.Pipeline.AnnotationBatchSize)
	m.viper.SetDefault("pipeline.short_scene_threshold", defaults.Pipeline.ShortSceneThreshold)
	m.viper.SetDefault("pipeline.concurrency", defaults.Pipeline.Concurrency)
	m.viper.SetDefault("pipeline.profile_top_n", defaults.Pipeline.ProfileTopN)
	m.viper.SetDefault("pipeline.profile_min_scenes", defaults.Pipeline.ProfileMinScenes)
	m.viper.SetDefault("pipeline.split_model", defaults.Pipeline.SplitModel)
	m.viper.SetDefault("pipeline.annotate_model", defaults.Pipeline.AnnotateModel)
	m.viper.SetDefault("pipeline.collection_name", defaults.Pipeline.CollectionName)

	m.viper.SetDefault("rp.vector_top_k", defaults.RP.VectorTopK)
	m.viper.SetDefault("rp.filter_top_k", defaults.RP.FilterTopK)
	m.viper.SetDefault("rp.profile_top_k", defaults.RP.ProfileTopK)
	m.viper.SetDefault("rp.max_facts", defaults.RP.MaxFacts)
	m.viper.SetDefault("rp.max_candidates", defaults.RP.MaxCandidates)
	m.viper.SetDefault("rp.collection_name", defaults.RP.CollectionName)
	m.viper.SetDefault("rp.chat_model", defaults.RP.ChatModel)

	m.viper.SetEnvPrefix("AIRP")
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.viper.AutomaticEnv()

	if cfgFile != "" {
		m.viper.SetConfigFile(cfgFile)
	} else {
		m.viper.SetConfigName("config")
		m.viper.SetConfigType("yaml")
		m.viper.AddConfigPath(".")
		m.viper.AddConfigPath("$HOME/.airp")
	}

	// A missing config file is fine, defaults and environment apply.
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func setEndpointDefaults(v *viper.Viper, section string, ep ModelEndpoint) {
	v.SetDefault(section+".base_url", ep.BaseURL)
	v.SetDefault(section+".api_key", ep.APIKey)
	v.SetDefault(section+".model", ep.Model)
	v.SetDefault(section+".rate_limit", ep.RateLimit)
	v.SetDefault(section+".timeout_seconds", ep.TimeoutSeconds)
	v.SetDefault(section+".max_retries", ep.MaxRetries)
	v.SetDefault(section+".retry_delay_seconds", ep.RetryDelaySeconds)
	v.SetDefault(section+".temperature", ep.Temperature)
	v.SetDefault(section+".dimensions", ep.Dimensions)
	v.SetDefault(section+".batch_size", ep.BatchSize)
}

func (m *Manager) load() (*Config, error) {
	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Override forces one key above file and environment values, then
// reloads the snapshot. CLI flags use this.
func (m *Manager) Override(key string, value any) error {
	m.viper.Set(key, value)
	cfg, err := m.load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange registers a callback for config changes.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// WatchConfig enables hot-reloading of the config file.
func (m *Manager) WatchConfig() {
	m.viper.OnConfigChange(func(fsnotify.Event) {
		cfg, err := m.load()
		if err != nil {
			return
		}

		m.mu.Lock()
		m.config = cfg
		callbacks := make([]func(*Config), len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	m.viper.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// ChatConfig converts the llm section into a provider client config,
// resolving ${ENV_VAR} references in the API key.
func (c *Config) ChatConfig() providers.ChatConfig {
	return providers.ChatConfig{
		BaseURL:    c.LLM.BaseURL,
		APIKey:     ResolveEnvVars(c.LLM.APIKey),
		Model:      c.LLM.Model,
		MaxRetries: c.LLM.MaxRetries,
		RetryDelay: time.Duration(c.LLM.RetryDelaySeconds) * time.Second,
		RateLimit:  c.LLM.RateLimit,
		Timeout:    time.Duration(c.LLM.TimeoutSeconds) * time.Second,
	}
}

// EmbeddingConfig converts the embedding section likewise.
func (c *Config) EmbeddingConfig() providers.EmbeddingConfig {
	return providers.EmbeddingConfig{
		BaseURL:    c.Embedding.BaseURL,
		APIKey:     ResolveEnvVars(c.Embedding.APIKey),
		Model:      c.Embedding.Model,
		Dimensions: c.Embedding.Dimensions,
		BatchSize:  c.Embedding.BatchSize,
		MaxRetries: c.Embedding.MaxRetries,
		RetryDelay: time.Duration(c.Embedding.RetryDelaySeconds) * time.Second,
		RateLimit:  c.Embedding.RateLimit,
		Timeout:    time.Duration(c.Embedding.TimeoutSeconds) * time.Second,
	}
}

// PipelineSettings maps the pipeline section onto runner settings.
func (c *Config) PipelineSettings() pipeline.Settings {
	return pipeline.Settings{
		MinChapterLength:    c.Pipeline.MinChapterLength,
		SceneTargetLength:   c.Pipeline.SceneTargetLength,
		SceneMinLength:      c.Pipeline.SceneMinLength,
		SceneMaxLength:      c.Pipeline.SceneMaxLength,
		CoverageThreshold:   c.Pipeline.CoverageThreshold,
		AnnotationBatchSize: c.Pipeline.AnnotationBatchSize,
		ShortSceneThreshold: c.Pipeline.ShortSceneThreshold,
		Concurrency:         c.Pipeline.Concurrency,
		ProfileTopN:         c.Pipeline.ProfileTopN,
		ProfileMinScenes:    c.Pipeline.ProfileMinScenes,
		SplitModel:          c.Pipeline.SplitModel,
		AnnotateModel:       c.Pipeline.AnnotateModel,
		CollectionName:      c.Pipeline.CollectionName,
	}
}

// RPSettings maps the rp section onto retrieval settings.
func (c *Config) RPSettings() rp.Settings {
	return rp.Settings{
		VectorTopK:     c.RP.VectorTopK,
		FilterTopK:     c.RP.FilterTopK,
		ProfileTopK:    c.RP.ProfileTopK,
		MaxFacts:       c.RP.MaxFacts,
		MaxCandidates:  c.RP.MaxCandidates,
		CollectionName: c.RP.CollectionName,
		ChatModel:      c.RP.ChatModel,
	}
}

// WriteDefault writes the default configuration to the given path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# airp configuration\n" +
		"# API keys may use ${ENV_VAR} syntax to reference environment variables.\n" +
		"# Replace the placeholder keys before running the pipeline.\n\n")
	return os.WriteFile(path, append(header, data...), 0o644)
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 8082
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.json"
	YAMLConfigFilename    = "config.yaml"

	DefaultBigModel             = "gpt-4.1"
	DefaultSmallModel           = "gpt-4.1-mini"
	DefaultPreferredProvider    = "openai"
	DefaultLongContextThreshold = 60000
)

// Provider holds one backend family's connection settings. The family's
// translation behavior is built in; only endpoint and credentials vary.
type Provider struct {
	Name    string `json:"name" yaml:"name"`
	APIBase string `json:"api_base_url,omitempty" yaml:"api_base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// RouterConfig drives model-alias resolution.
type RouterConfig struct {
	PreferredProvider    string            `json:"preferred_provider,omitempty" yaml:"preferred_provider,omitempty"`
	BigModel             string            `json:"big_model,omitempty" yaml:"big_model,omitempty"`
	SmallModel           string            `json:"small_model,omitempty" yaml:"small_model,omitempty"`
	Default              string            `json:"default,omitempty" yaml:"default,omitempty"`
	LongContext          string            `json:"long_context,omitempty" yaml:"long_context,omitempty"`
	LongContextThreshold int               `json:"long_context_threshold,omitempty" yaml:"long_context_threshold,omitempty"`
	Aliases              map[string]string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

// SanitizerRules overrides a family's schema-keyword denylist without a
// rebuild. Empty fields keep the built-in rules.
type SanitizerRules struct {
	RemoveKeywords []string `json:"remove_keywords,omitempty" yaml:"remove_keywords,omitempty"`
	AllowedFormats []string `json:"allowed_formats,omitempty" yaml:"allowed_formats,omitempty"`
	KeepAllFormats bool     `json:"keep_all_formats,omitempty" yaml:"keep_all_formats,omitempty"`
}

type Config struct {
	Host      string                    `json:"host,omitempty" yaml:"host,omitempty"`
	Port      int                       `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey    string                    `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	LogLevel  string                    `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Providers []Provider                `json:"providers,omitempty" yaml:"providers,omitempty"`
	Router    RouterConfig              `json:"router" yaml:"router"`
	Sanitizer map[string]SanitizerRules `json:"sanitizer,omitempty" yaml:"sanitizer,omitempty"`
}

// ProviderByName returns the settings for the named family, if configured.
func (c *Config) ProviderByName(name string) (*Provider, bool) {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], true
		}
	}

	return nil, false
}

// Manager loads and caches the configuration. The cached value is swapped
// atomically so handlers always read a consistent snapshot.
type Manager struct {
	baseDir     string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// Load reads the configuration file, preferring config.json over
// config.yaml, applies defaults and environment overrides, and caches the
// result. A missing file is not an error: the defaults stand alone.
func (m *Manager) Load() (*Config, error) {
	cfg := &Config{}

	path, format := m.resolvePath()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		switch format {
		case "yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("unmarshal yaml config: %w", err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("unmarshal config: %w", err)
			}
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	m.configValue.Store(cfg)

	return cfg, nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		cfg = &Config{}
		applyDefaults(cfg)
		applyEnvOverrides(cfg)
	}

	return cfg
}

// Save writes the configuration as JSON and refreshes the cache. Defaults
// are filled in first so the cached value never carries zero thresholds.
func (m *Manager) Save(cfg *Config) error {
	applyDefaults(cfg)

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(m.jsonPath(), data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)

	return nil
}

func (m *Manager) GetPath() string {
	if path, _ := m.resolvePath(); path != "" {
		return path
	}

	return m.jsonPath()
}

func (m *Manager) Exists() bool {
	path, _ := m.resolvePath()
	return path != ""
}

func (m *Manager) jsonPath() string {
	return filepath.Join(m.baseDir, DefaultConfigFilename)
}

func (m *Manager) resolvePath() (path, format string) {
	jsonPath := m.jsonPath()
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath, "json"
	}

	yamlPath := filepath.Join(m.baseDir, YAMLConfigFilename)
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath, "yaml"
	}

	return "", ""
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.Router.PreferredProvider == "" {
		cfg.Router.PreferredProvider = DefaultPreferredProvider
	}

	if cfg.Router.BigModel == "" {
		cfg.Router.BigModel = DefaultBigModel
	}

	if cfg.Router.SmallModel == "" {
		cfg.Router.SmallModel = DefaultSmallModel
	}

	if cfg.Router.LongContextThreshold == 0 {
		cfg.Router.LongContextThreshold = DefaultLongContextThreshold
	}
}

// applyEnvOverrides layers process environment on top of the file: routing
// knobs under the CCP_ prefix, credentials under the conventional per-family
// variable names. Environment wins over the file for routing; file
// credentials win over environment ones.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CCP_PREFERRED_PROVIDER"); v != "" {
		cfg.Router.PreferredProvider = v
	}

	if v := os.Getenv("CCP_BIG_MODEL"); v != "" {
		cfg.Router.BigModel = v
	}

	if v := os.Getenv("CCP_SMALL_MODEL"); v != "" {
		cfg.Router.SmallModel = v
	}

	envKeys := map[string]string{
		"openai":    "OPENAI_API_KEY",
		"gemini":    "GEMINI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}

	for family, envVar := range envKeys {
		key := os.Getenv(envVar)
		if key == "" {
			continue
		}

		if provider, ok := cfg.ProviderByName(family); ok {
			if provider.APIKey == "" {
				provider.APIKey = key
			}

			continue
		}

		cfg.Providers = append(cfg.Providers, Provider{Name: family, APIKey: key})
	}
}

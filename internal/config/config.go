package config

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Organization Organization `yaml:"organization"`
	LLM          LLM          `yaml:"llm"`
	Audit        Audit        `yaml:"audit"`
	Source       Source       `yaml:"source"`
	Storage      Storage      `yaml:"storage"`
	Server       Server       `yaml:"server"`
	Logging      Logging      `yaml:"logging"`
}

type Organization struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"`
	UserAgent string `yaml:"user_agent"`
	Pages     []Page `yaml:"pages"`
}

// Page is one entry of the closed set of pages the auditor may consult.
type Page struct {
	Handle      string `yaml:"handle"`
	Path        string `yaml:"path"`
	Description string `yaml:"description"`
	Format      string `yaml:"format"` // "html" (default) or "feed"
}

type LLM struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	OllamaURL         string        `yaml:"ollama_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

type Audit struct {
	MaxRounds      int           `yaml:"max_rounds"`
	Pacing         time.Duration `yaml:"pacing"`
	VerdictRetries int           `yaml:"verdict_retries"`
	Dedup          bool          `yaml:"dedup"`
}

type Source struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxChars      int           `yaml:"max_chars"`
	Extractor     string        `yaml:"extractor"`
	FocusPassages bool          `yaml:"focus_passages"`
	Cache         Cache         `yaml:"cache"`
}

type Cache struct {
	Backend          string        `yaml:"backend"`
	TTL              time.Duration `yaml:"ttl"`
	RedisAddr        string        `yaml:"redis_addr"`
	RedisPasswordEnv string        `yaml:"redis_password_env"`
	RedisDB          int           `yaml:"redis_db"`
}

type Storage struct {
	Driver  string `yaml:"driver"`
	DSNEnv  string `yaml:"dsn_env"`
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Address      string `yaml:"address"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	Schedule     string `yaml:"schedule"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigDir returns the XDG config directory for knowledgeaudit.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "knowledgeaudit")
}

// DataDir returns the XDG data directory for knowledgeaudit.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "knowledgeaudit")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/knowledgeaudit/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'knowledgeaudit init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Organization: Organization{
			UserAgent: "KnowledgeAudit/1.0",
		},
		LLM: LLM{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			BaseURL:     "https://api.openai.com/v1",
			OllamaURL:   "http://localhost:11434",
			APIKeyEnv:   "OPENAI_API_KEY",
			MaxTokens:   2048,
			Temperature: 0.2,
			Timeout:     120 * time.Second,
		},
		Audit: Audit{
			MaxRounds: 5,
			Pacing:    500 * time.Millisecond,
		},
		Source: Source{
			Timeout:       10 * time.Second,
			MaxChars:      8000,
			Extractor:     "strip",
			FocusPassages: true,
			Cache: Cache{
				Backend:          "memory",
				TTL:              time.Hour,
				RedisAddr:        "localhost:6379",
				RedisPasswordEnv: "REDIS_PASSWORD",
			},
		},
		Storage: Storage{
			Driver: "sqlite",
			DSNEnv: "DATABASE_URL",
		},
		Server: Server{
			Address:      "127.0.0.1:8000",
			JWTSecretEnv: "KNOWLEDGEAUDIT_JWT_SECRET",
		},
		Logging: Logging{Level: "info", Format: "text"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	for i := range cfg.Organization.Pages {
		if cfg.Organization.Pages[i].Format == "" {
			cfg.Organization.Pages[i].Format = "html"
		}
	}

	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Organization.BaseURL == "" {
		return fmt.Errorf("organization.base_url is required")
	}
	u, err := url.Parse(c.Organization.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("organization.base_url must be an absolute http(s) URL, got %q", c.Organization.BaseURL)
	}
	if len(c.Organization.Pages) == 0 {
		return fmt.Errorf("organization.pages must list at least one page")
	}
	seen := make(map[string]struct{}, len(c.Organization.Pages))
	for _, p := range c.Organization.Pages {
		h := strings.TrimSpace(p.Handle)
		if h == "" {
			return fmt.Errorf("organization.pages: page with path %q has no handle", p.Path)
		}
		if _, dup := seen[h]; dup {
			return fmt.Errorf("organization.pages: duplicate handle %q", h)
		}
		seen[h] = struct{}{}
		if !strings.HasPrefix(p.Path, "/") {
			return fmt.Errorf("organization.pages[%s]: path must start with '/'", h)
		}
		if p.Format != "html" && p.Format != "feed" {
			return fmt.Errorf("organization.pages[%s]: unknown format %q", h, p.Format)
		}
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "openai", "ollama":
	default:
		return fmt.Errorf("llm.provider must be openai or ollama, got %q", c.LLM.Provider)
	}
	if c.LLM.RequestsPerMinute < 0 {
		return fmt.Errorf("llm.requests_per_minute cannot be negative")
	}

	if c.Audit.MaxRounds < 1 {
		return fmt.Errorf("audit.max_rounds must be at least 1")
	}
	if c.Audit.Pacing < 0 {
		return fmt.Errorf("audit.pacing cannot be negative")
	}
	if c.Audit.VerdictRetries < 0 {
		return fmt.Errorf("audit.verdict_retries cannot be negative")
	}

	switch c.Source.Extractor {
	case "strip", "readability":
	default:
		return fmt.Errorf("source.extractor must be strip or readability, got %q", c.Source.Extractor)
	}
	if c.Source.MaxChars <= 0 {
		return fmt.Errorf("source.max_chars must be positive")
	}
	switch c.Source.Cache.Backend {
	case "", "none", "memory", "redis":
	default:
		return fmt.Errorf("source.cache.backend must be none, memory or redis, got %q", c.Source.Cache.Backend)
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}

	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir
	}
	return DataDir()
}

// APIKey returns the LLM API key from the configured environment variable.
func (c *Config) APIKey() string {
	return envValue(c.LLM.APIKeyEnv)
}

// DSN returns the Postgres connection string from the configured environment variable.
func (c *Config) DSN() string {
	return envValue(c.Storage.DSNEnv)
}

// JWTSecret returns the API signing secret, empty when auth is disabled.
func (c *Config) JWTSecret() string {
	return envValue(c.Server.JWTSecretEnv)
}

// RedisPassword returns the page cache Redis password.
func (c *Config) RedisPassword() string {
	return envValue(c.Source.Cache.RedisPasswordEnv)
}

func envValue(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

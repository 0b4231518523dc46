package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/choraleia/relaychat/pkg/models"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file. All fields are optional; defaults are
// applied by the getters.
//
// Example (~/.relaychat/config.yaml):
//
// server:
//   host: 0.0.0.0
//   port: 8088
// redis:
//   addr: 127.0.0.1:6379
// store:
//   backend: redis
// generation:
//   lease_ttl_seconds: 30
// providers:
//   openrouter:
//     api_key: sk-or-...
// models:
//   - id: gemini-2.5-flash
//     provider: openrouter
//     modalities: [text, image, pdf]
//
// If the config file does not exist, Load returns defaults without error.
// If it exists but cannot be parsed or fails validation, Load returns an error.
type AppConfig struct {
	Server      ServerConfig              `yaml:"server"`
	Log         LogConfig                 `yaml:"log"`
	Redis       RedisConfig               `yaml:"redis"`
	Store       StoreConfig               `yaml:"store"`
	Generation  GenerationConfig          `yaml:"generation"`
	Attachments AttachmentConfig          `yaml:"attachments"`
	Title       TitleConfig               `yaml:"title"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Models      []models.ModelConfig      `yaml:"models"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type LogConfig struct {
	Level *string `yaml:"level"`
}

type RedisConfig struct {
	Addr     *string `yaml:"addr"`
	Password string  `yaml:"password"`
	DB       int     `yaml:"db"`
}

type StoreConfig struct {
	Backend *string `yaml:"backend"` // redis, sqlite, postgres
	DSN     string  `yaml:"dsn"`
}

type GenerationConfig struct {
	LeaseTTLSeconds       *int   `yaml:"lease_ttl_seconds"`
	RelayBlockSeconds     *int   `yaml:"relay_block_seconds"`
	RelayRetentionSeconds *int   `yaml:"relay_retention_seconds"`
	MaxDurationSeconds    *int   `yaml:"max_duration_seconds"`
	SystemPrompt          string `yaml:"system_prompt"`
}

type AttachmentConfig struct {
	Dir      *string `yaml:"dir"`
	MaxBytes *int64  `yaml:"max_bytes"`
}

type TitleConfig struct {
	Provider         string  `yaml:"provider"`
	Model            string  `yaml:"model"`
	BackfillSchedule *string `yaml:"backfill_schedule"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8088
	DefaultLogLevel         = "info"
	DefaultRedisAddr        = "127.0.0.1:6379"
	DefaultStoreBackend     = "redis"
	DefaultLeaseTTL         = 30 * time.Second
	DefaultRelayBlock       = 5 * time.Second
	DefaultRelayRetention   = 60 * time.Second
	DefaultMaxDuration      = 10 * time.Minute
	DefaultAttachmentBytes  = 20 << 20
	DefaultBackfillSchedule = "@every 15m"

	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "RELAYCHAT_CONFIG"
)

var storeBackends = map[string]struct{}{
	"redis":    {},
	"sqlite":   {},
	"postgres": {},
}

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".relaychat")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// LoadEnv loads KEY=VALUE pairs from the given dotenv files into the process
// environment. Missing files are skipped and existing variables win.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the config file at path. An empty path falls back to
// $RELAYCHAT_CONFIG and then ~/.relaychat/config.yaml.
func Load(path string) (*AppConfig, string, error) {
	configFile := strings.TrimSpace(path)
	if configFile == "" {
		configFile = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if configFile == "" {
		_, def, err := DefaultPaths()
		if err != nil {
			return nil, "", err
		}
		configFile = def
	}

	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, configFile, nil
		}
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("%w in %s", err, configFile)
	}

	return cfg, configFile, nil
}

// Validate checks values the getters cannot default away.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Host()) == "" {
		return fmt.Errorf("invalid server.host (empty)")
	}
	if port := c.Port(); port < 1 || port > 65535 {
		return fmt.Errorf("invalid server.port %d", port)
	}
	if _, ok := storeBackends[c.StoreBackend()]; !ok {
		return fmt.Errorf("invalid store.backend %q", c.StoreBackend())
	}
	if c.StoreBackend() != "redis" && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required for backend %q", c.StoreBackend())
	}
	if c.LeaseTTL() <= 0 {
		return fmt.Errorf("invalid generation.lease_ttl_seconds")
	}
	if c.MaxDuration() <= 0 {
		return fmt.Errorf("invalid generation.max_duration_seconds")
	}
	for i, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.Provider) == "" {
			return fmt.Errorf("models[%d]: id and provider are required", i)
		}
		if _, ok := models.SupportedModelProviders[m.Provider]; !ok {
			return fmt.Errorf("models[%d]: unsupported provider %q", i, m.Provider)
		}
		for _, mod := range m.Modalities {
			if _, ok := models.SupportedModalities[strings.ToLower(mod)]; !ok {
				return fmt.Errorf("models[%d]: unknown modality %q", i, mod)
			}
		}
	}
	return nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server: ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		Redis:  RedisConfig{Addr: ptr(DefaultRedisAddr)},
		Store:  StoreConfig{Backend: ptr(DefaultStoreBackend)},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Provider keys may end up in this file.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

func (c *AppConfig) LogLevel() string {
	if c == nil || c.Log.Level == nil {
		return DefaultLogLevel
	}
	return *c.Log.Level
}

func (c *AppConfig) RedisAddr() string {
	if c == nil || c.Redis.Addr == nil || strings.TrimSpace(*c.Redis.Addr) == "" {
		return DefaultRedisAddr
	}
	return strings.TrimSpace(*c.Redis.Addr)
}

func (c *AppConfig) StoreBackend() string {
	if c == nil || c.Store.Backend == nil || strings.TrimSpace(*c.Store.Backend) == "" {
		return DefaultStoreBackend
	}
	return strings.ToLower(strings.TrimSpace(*c.Store.Backend))
}

func (c *AppConfig) LeaseTTL() time.Duration {
	return seconds(c.Generation.LeaseTTLSeconds, DefaultLeaseTTL)
}

func (c *AppConfig) RelayBlock() time.Duration {
	return seconds(c.Generation.RelayBlockSeconds, DefaultRelayBlock)
}

func (c *AppConfig) RelayRetention() time.Duration {
	return seconds(c.Generation.RelayRetentionSeconds, DefaultRelayRetention)
}

func (c *AppConfig) MaxDuration() time.Duration {
	return seconds(c.Generation.MaxDurationSeconds, DefaultMaxDuration)
}

func (c *AppConfig) AttachmentDir() string {
	if c.Attachments.Dir != nil && strings.TrimSpace(*c.Attachments.Dir) != "" {
		return *c.Attachments.Dir
	}
	if dir, _, err := DefaultPaths(); err == nil {
		return filepath.Join(dir, "uploads")
	}
	return filepath.Join(os.TempDir(), "relaychat-uploads")
}

func (c *AppConfig) AttachmentMaxBytes() int64 {
	if c.Attachments.MaxBytes == nil || *c.Attachments.MaxBytes <= 0 {
		return DefaultAttachmentBytes
	}
	return *c.Attachments.MaxBytes
}

func (c *AppConfig) BackfillSchedule() string {
	if c.Title.BackfillSchedule == nil {
		return DefaultBackfillSchedule
	}
	return strings.TrimSpace(*c.Title.BackfillSchedule)
}

// Provider returns the settings for a provider. When the config has no
// api_key, <NAME>_API_KEY from the environment is used.
func (c *AppConfig) Provider(name string) ProviderConfig {
	var p ProviderConfig
	if c != nil && c.Providers != nil {
		p = c.Providers[name]
	}
	if strings.TrimSpace(p.APIKey) == "" {
		p.APIKey = strings.TrimSpace(os.Getenv(strings.ToUpper(name) + "_API_KEY"))
	}
	return p
}

// ModelRegistry returns the configured models, or the built-in list when none
// are configured.
func (c *AppConfig) ModelRegistry() []models.ModelConfig {
	list := models.DefaultModels()
	if c != nil && len(c.Models) > 0 {
		list = make([]models.ModelConfig, len(c.Models))
		copy(list, c.Models)
	}
	for i := range list {
		list[i].Normalize()
	}
	return list
}

func seconds(v *int, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return time.Duration(*v) * time.Second
}

func ptr[T any](v T) *T { return &v }

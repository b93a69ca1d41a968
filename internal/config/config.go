// Package config loads and hot-reloads the gateway's YAML configuration,
// with environment-variable overrides for secrets that should not live in
// the config file (database DSN, provider client secrets).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// AliasEntry is one "requested model name" -> "upstream model name" mapping
// configured for an OAuth provider channel.
type AliasEntry struct {
	Name  string `yaml:"name"`
	Alias string `yaml:"alias"`
}

// DatabaseConfig configures the Postgres connection backing the Account
// Store and Quota Ledger's consumption log.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
}

// LoggingConfig configures logrus output and lumberjack rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ServerConfig configures the south-side gin HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ProviderConfig holds the OAuth client credentials for one upstream
// provider channel ("antigravity", "kiro", "qwen").
type ProviderConfig struct {
	ClientID     string `yaml:"client_id" env:""`
	ClientSecret string `yaml:"client_secret" env:""`
}

// EndpointConfig is one ordinal-indexed north-side API Endpoint a provider's
// codec can target (spec §3's "API Endpoint" entity), tried in order before
// the Dispatch Engine gives up or swaps accounts.
type EndpointConfig struct {
	BaseURL string `yaml:"base_url"`
	Region  string `yaml:"region"` // Kiro only
}

// Config is the gateway's full runtime configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Logging  LoggingConfig   `yaml:"logging"`

	Providers map[string]ProviderConfig `yaml:"providers"`

	// Endpoints maps provider -> its ordered list of API Endpoints.
	Endpoints map[string][]EndpointConfig `yaml:"endpoints"`

	// ModelProviders maps a caller-facing requested model name to the
	// provider channel that should serve it, consulted by the HTTP handlers
	// before falling back to the name-prefix heuristic.
	ModelProviders map[string]string `yaml:"model_providers"`

	// APIKeys maps a south-side "sk-..." bearer token to the User id it is
	// bound to (spec's User entity is itself external; this gateway only
	// needs the key->user-id binding to attribute usage and shared pools).
	APIKeys map[string]string `yaml:"api_keys" env:""`

	// AdminAPIKey authorizes the account-management endpoints.
	AdminAPIKey string `yaml:"admin_api_key" env:"GATEWAY_ADMIN_API_KEY"`

	// OAuthModelAlias maps provider -> configured requested/upstream model
	// aliases, consulted before the built-in defaults and registry-based
	// fallback matching.
	OAuthModelAlias map[string][]AliasEntry `yaml:"oauth_model_alias"`

	// SharedPoolMultiplier is the User Shared Pool's max-quota multiplier
	// (spec default: 2.0 x enabled shared accounts).
	SharedPoolMultiplier float64 `yaml:"shared_pool_multiplier"`

	path string
}

const defaultSharedPoolMultiplier = 2.0

// Load reads the YAML file at path, applies ".env" overrides found in the
// same directory (if present), and fills in defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	if err := godotenv.Load(envFileNear(path)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("config: failed to load .env overrides")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{path: path}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

func envFileNear(path string) string {
	dir := path
	if idx := strings.LastIndexAny(path, "/\\"); idx >= 0 {
		dir = path[:idx]
	} else {
		dir = "."
	}
	return dir + "/.env"
}

func (cfg *Config) applyEnvOverrides() {
	if cfg == nil {
		return
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("GATEWAY_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if level := os.Getenv("GATEWAY_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if adminKey := os.Getenv("GATEWAY_ADMIN_API_KEY"); adminKey != "" {
		cfg.AdminAPIKey = adminKey
	}
	if mult := os.Getenv("GATEWAY_SHARED_POOL_MULTIPLIER"); mult != "" {
		if parsed, err := strconv.ParseFloat(mult, 64); err == nil {
			cfg.SharedPoolMultiplier = parsed
		}
	}
	for provider := range cfg.Providers {
		prefix := "GATEWAY_" + strings.ToUpper(provider) + "_"
		entry := cfg.Providers[provider]
		if id := os.Getenv(prefix + "CLIENT_ID"); id != "" {
			entry.ClientID = id
		}
		if secret := os.Getenv(prefix + "CLIENT_SECRET"); secret != "" {
			entry.ClientSecret = secret
		}
		cfg.Providers[provider] = entry
	}
}

func (cfg *Config) applyDefaults() {
	if cfg == nil {
		return
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.SharedPoolMultiplier <= 0 {
		cfg.SharedPoolMultiplier = defaultSharedPoolMultiplier
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 5
	}
}

// Watcher reloads Config from disk whenever the backing file changes and
// hands the new value to every registered callback.
type Watcher struct {
	mu        sync.Mutex
	path      string
	current   *Config
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
}

// NewWatcher loads path once and returns a Watcher ready to be started.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, current: cfg}, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// OnReload registers a callback invoked (with the new Config) after each
// successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	if w == nil || fn == nil {
		return
	}
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Start begins watching the config file for changes until stop is closed.
func (w *Watcher) Start(stop <-chan struct{}) error {
	if w == nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher init failed: %w", err)
	}
	if err := fw.Add(w.path); err != nil {
		_ = fw.Close()
		return fmt.Errorf("config: watch %s failed: %w", w.path, err)
	}
	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go func() {
		defer fw.Close()
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.reload()
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config: watcher error")
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.WithError(err).Warn("config: reload failed, keeping previous value")
		return
	}
	w.mu.Lock()
	w.current = cfg
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()
	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Package config handles configuration loading and management for nightwatch.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // scheduler.timezone must resolve on hosts without zoneinfo

	"github.com/spf13/viper"
)

// Config holds all configuration for nightwatch.
type Config struct {
	Jules     JulesConfig     `mapstructure:"jules"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Healing   HealingConfig   `mapstructure:"healing"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Store     StoreConfig     `mapstructure:"store"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Signals   SignalsConfig   `mapstructure:"signals"`
}

// JulesConfig holds remote agent API settings.
type JulesConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	DefaultSource  string        `mapstructure:"default_source"`
	StartingBranch string        `mapstructure:"starting_branch"`
	AutomationMode string        `mapstructure:"automation_mode"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CreateTimeout  time.Duration `mapstructure:"create_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// GitHubConfig holds settings for issue lookup and pull request operations.
type GitHubConfig struct {
	Token   string `mapstructure:"token"`
	BaseURL string `mapstructure:"base_url"`
}

// LimitsConfig holds token bucket and quota settings.
type LimitsConfig struct {
	ReadPerSecond     float64 `mapstructure:"read_per_second"`
	ReadBurst         int     `mapstructure:"read_burst"`
	WritePerSecond    float64 `mapstructure:"write_per_second"`
	WriteBurst        int     `mapstructure:"write_burst"`
	DailySessions     int     `mapstructure:"daily_sessions"`
	MaxActiveSessions int     `mapstructure:"max_active_sessions"`
	NotifyPerMinute   float64 `mapstructure:"notify_per_minute"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// QueueConfig holds session queue settings.
type QueueConfig struct {
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	DrainBatch    int           `mapstructure:"drain_batch"`
}

// PollerConfig holds session polling settings.
type PollerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	Concurrency int           `mapstructure:"concurrency"`
}

// RoutineConfig holds settings for one nightly routine.
type RoutineConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Hour        int    `mapstructure:"hour"`
	BacklogPath string `mapstructure:"backlog_path"`
	Source      string `mapstructure:"source"`
}

// SchedulerConfig holds tick loop settings.
type SchedulerConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	Timezone       string        `mapstructure:"timezone"`
	RoutineTimeout time.Duration `mapstructure:"routine_timeout"`
	Evolution      RoutineConfig `mapstructure:"evolution"`
	QA             RoutineConfig `mapstructure:"qa"`
}

// HealingConfig holds self-healing monitor settings.
type HealingConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Sentinel     string        `mapstructure:"sentinel"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window"`
	Buffer       int           `mapstructure:"buffer"`
}

// TelegramConfig holds notifier settings.
type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// ServerConfig holds HTTP surface settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	Development bool   `mapstructure:"development"`
}

// SignalsConfig holds the runtime switches directory.
type SignalsConfig struct {
	Dir string `mapstructure:"dir"`
}

// Well-known environment variables bound on top of the NIGHTWATCH_ prefix.
var envBindings = map[string]string{
	"jules.api_key":        "JULES_API_KEY",
	"jules.default_source": "JULES_DEFAULT_SOURCE",
	"github.token":         "GITHUB_TOKEN",
	"telegram.bot_token":   "TELEGRAM_BOT_TOKEN",
	"telegram.chat_id":     "TELEGRAM_CHAT_ID",
	"scheduler.timezone":   "NIGHTWATCH_TIMEZONE",
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (NIGHTWATCH_*, JULES_API_KEY, TELEGRAM_*)
// 2. Project config (.nightwatch.yaml in current directory or parent)
// 3. User config (~/.config/nightwatch/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	return finish(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("NIGHTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		v.BindEnv(key, "NIGHTWATCH_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Jules.APIKey = expandEnv(cfg.Jules.APIKey)
	cfg.GitHub.Token = expandEnv(cfg.GitHub.Token)
	cfg.Telegram.BotToken = expandEnv(cfg.Telegram.BotToken)
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	if cfg.Signals.Dir == "" {
		cfg.Signals.Dir = filepath.Join(filepath.Dir(cfg.Store.Path), "signals")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the engine misbehave.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
	}
	for name, r := range map[string]RoutineConfig{"evolution": c.Scheduler.Evolution, "qa": c.Scheduler.QA} {
		if r.Hour < 0 || r.Hour > 23 {
			return fmt.Errorf("scheduler.%s.hour must be 0-23, got %d", name, r.Hour)
		}
	}
	if c.Scheduler.Evolution.Enabled && c.Scheduler.QA.Enabled && c.Scheduler.Evolution.Hour == c.Scheduler.QA.Hour {
		return fmt.Errorf("scheduler.evolution.hour and scheduler.qa.hour must differ (both %d)", c.Scheduler.QA.Hour)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity must be at least 1")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver must be sqlite or sqlite3, got %q", c.Store.Driver)
	}
	return nil
}

// Location returns the scheduler's reference timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))
	for key, value := range Flatten(cfg) {
		v.Set(key, value)
	}
	return v.WriteConfig()
}

// Flatten returns every settable key with its current value, durations as strings.
func Flatten(cfg *Config) map[string]any {
	return map[string]any{
		"jules.api_key":                    cfg.Jules.APIKey,
		"jules.base_url":                   cfg.Jules.BaseURL,
		"jules.default_source":             cfg.Jules.DefaultSource,
		"jules.starting_branch":            cfg.Jules.StartingBranch,
		"jules.automation_mode":            cfg.Jules.AutomationMode,
		"jules.request_timeout":            cfg.Jules.RequestTimeout.String(),
		"jules.create_timeout":             cfg.Jules.CreateTimeout.String(),
		"jules.max_retries":                cfg.Jules.MaxRetries,
		"jules.retry_base_delay":           cfg.Jules.RetryBaseDelay.String(),
		"github.token":                     cfg.GitHub.Token,
		"github.base_url":                  cfg.GitHub.BaseURL,
		"limits.read_per_second":           cfg.Limits.ReadPerSecond,
		"limits.read_burst":                cfg.Limits.ReadBurst,
		"limits.write_per_second":          cfg.Limits.WritePerSecond,
		"limits.write_burst":               cfg.Limits.WriteBurst,
		"limits.daily_sessions":            cfg.Limits.DailySessions,
		"limits.max_active_sessions":       cfg.Limits.MaxActiveSessions,
		"limits.notify_per_minute":         cfg.Limits.NotifyPerMinute,
		"breaker.failure_threshold":        cfg.Breaker.FailureThreshold,
		"breaker.cooldown":                 cfg.Breaker.Cooldown.String(),
		"cache.capacity":                   cfg.Cache.Capacity,
		"cache.ttl":                        cfg.Cache.TTL.String(),
		"queue.drain_interval":             cfg.Queue.DrainInterval.String(),
		"queue.drain_batch":                cfg.Queue.DrainBatch,
		"poller.interval":                  cfg.Poller.Interval.String(),
		"poller.stale_after":               cfg.Poller.StaleAfter.String(),
		"poller.concurrency":               cfg.Poller.Concurrency,
		"scheduler.tick_interval":          cfg.Scheduler.TickInterval.String(),
		"scheduler.timezone":               cfg.Scheduler.Timezone,
		"scheduler.routine_timeout":        cfg.Scheduler.RoutineTimeout.String(),
		"scheduler.evolution.enabled":      cfg.Scheduler.Evolution.Enabled,
		"scheduler.evolution.hour":         cfg.Scheduler.Evolution.Hour,
		"scheduler.evolution.backlog_path": cfg.Scheduler.Evolution.BacklogPath,
		"scheduler.evolution.source":       cfg.Scheduler.Evolution.Source,
		"scheduler.qa.enabled":             cfg.Scheduler.QA.Enabled,
		"scheduler.qa.hour":                cfg.Scheduler.QA.Hour,
		"scheduler.qa.source":              cfg.Scheduler.QA.Source,
		"healing.enabled":                  cfg.Healing.Enabled,
		"healing.sentinel":                 cfg.Healing.Sentinel,
		"healing.dedupe_window":            cfg.Healing.DedupeWindow.String(),
		"healing.buffer":                   cfg.Healing.Buffer,
		"telegram.bot_token":               cfg.Telegram.BotToken,
		"telegram.chat_id":                 cfg.Telegram.ChatID,
		"telegram.timeout":                 cfg.Telegram.Timeout.String(),
		"store.driver":                     cfg.Store.Driver,
		"store.path":                       cfg.Store.Path,
		"server.addr":                      cfg.Server.Addr,
		"log.level":                        cfg.Log.Level,
		"log.file":                         cfg.Log.File,
		"log.development":                  cfg.Log.Development,
		"signals.dir":                      cfg.Signals.Dir,
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// DefaultStorePath returns the XDG data path for the state database.
func DefaultStorePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "nightwatch", "nightwatch.db")
}

func setDefaults(v *viper.Viper) {
	d := Default()
	for key, value := range Flatten(d) {
		v.SetDefault(key, value)
	}
	// Resolved in finish so XDG_DATA_HOME is read at load time.
	v.SetDefault("store.path", "")
	v.SetDefault("signals.dir", "")
}

// getUserConfigDir returns the XDG config directory for nightwatch.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "nightwatch")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "nightwatch")
	}
	return filepath.Join(home, ".config", "nightwatch")
}

// findProjectConfig searches for .nightwatch.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".nightwatch.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Jules: JulesConfig{
			BaseURL:        "https://jules.googleapis.com/v1alpha",
			StartingBranch: "main",
			AutomationMode: "AUTO_CREATE_PR",
			RequestTimeout: 30 * time.Second,
			CreateTimeout:  45 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 2 * time.Second,
		},
		GitHub: GitHubConfig{
			BaseURL: "https://api.github.com",
		},
		Limits: LimitsConfig{
			ReadPerSecond:     5,
			ReadBurst:         10,
			WritePerSecond:    0.5,
			WriteBurst:        3,
			DailySessions:     100,
			MaxActiveSessions: 15,
			NotifyPerMinute:   20,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         60 * time.Second,
		},
		Cache: CacheConfig{
			Capacity: 256,
			TTL:      60 * time.Second,
		},
		Queue: QueueConfig{
			DrainInterval: 30 * time.Second,
			DrainBatch:    5,
		},
		Poller: PollerConfig{
			Interval:    20 * time.Second,
			StaleAfter:  2 * time.Hour,
			Concurrency: 4,
		},
		Scheduler: SchedulerConfig{
			TickInterval:   time.Hour,
			Timezone:       "Europe/Madrid",
			RoutineTimeout: 2 * time.Minute,
			Evolution: RoutineConfig{
				Enabled:     true,
				Hour:        3,
				BacklogPath: "evolution.yaml",
			},
			QA: RoutineConfig{
				Enabled: true,
				Hour:    5,
			},
		},
		Healing: HealingConfig{
			Enabled:      true,
			Sentinel:     "NIGHTWATCH_SELF_TEST",
			DedupeWindow: 30 * time.Minute,
			Buffer:       16,
		},
		Telegram: TelegramConfig{
			Timeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   DefaultStorePath(),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7070",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Package config loads settings from an optional YAML file, a .env file and
// the environment, in increasing order of precedence over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"tdl-archive-manager/internal/store"
)

const (
	EnvPrefix      = "TDLAM"
	DefaultCron    = "0 */6 * * *"
	DefaultAPIPort = 5000
)

type Config struct {
	TDL       TDLConfig       `mapstructure:"tdl" json:"tdl"`
	Store     StoreConfig     `mapstructure:"store" json:"store"`
	Downloads DownloadsConfig `mapstructure:"downloads" json:"downloads"`
	Exports   ExportsConfig   `mapstructure:"exports" json:"exports"`
	Logs      LogsConfig      `mapstructure:"logs" json:"logs"`
	Logging   LoggingConfig   `mapstructure:"logging" json:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" json:"scheduler"`
	Discord   DiscordConfig   `mapstructure:"discord" json:"discord"`
	API       APIConfig       `mapstructure:"api" json:"api"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-" json:"file,omitempty"`
}

type TDLConfig struct {
	Path            string `mapstructure:"path" json:"path"`
	Namespace       string `mapstructure:"namespace" json:"namespace,omitempty"`
	SessionLockPath string `mapstructure:"session_lock_path" json:"session_lock_path,omitempty"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn" json:"dsn"`
}

type DownloadsConfig struct {
	BaseDirectory       string `mapstructure:"base_directory" json:"base_directory"`
	OrganizeBySource    bool   `mapstructure:"organize_by_source" json:"organize_by_source"`
	TimeoutIdleSeconds  int    `mapstructure:"timeout_idle_seconds" json:"timeout_idle_seconds"`
	TimeoutTotalSeconds int    `mapstructure:"timeout_total_seconds" json:"timeout_total_seconds"`
	PollIntervalMS      int    `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
	KillGraceSeconds    int    `mapstructure:"kill_grace_seconds" json:"kill_grace_seconds"`
	LockWaitSeconds     int    `mapstructure:"lock_wait_seconds" json:"lock_wait_seconds"`
}

func (d DownloadsConfig) IdleTimeout() time.Duration {
	return time.Duration(d.TimeoutIdleSeconds) * time.Second
}

func (d DownloadsConfig) TotalTimeout() time.Duration {
	return time.Duration(d.TimeoutTotalSeconds) * time.Second
}

func (d DownloadsConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMS) * time.Millisecond
}

func (d DownloadsConfig) KillGrace() time.Duration {
	return time.Duration(d.KillGraceSeconds) * time.Second
}

func (d DownloadsConfig) LockWait() time.Duration {
	return time.Duration(d.LockWaitSeconds) * time.Second
}

type ExportsConfig struct {
	BaseDirectory  string `mapstructure:"base_directory" json:"base_directory"`
	IncludeContent bool   `mapstructure:"include_content" json:"include_content"`
	IncludeAll     bool   `mapstructure:"include_all" json:"include_all"`
	Incremental    bool   `mapstructure:"incremental" json:"incremental"`
}

type LogsConfig struct {
	Directory string `mapstructure:"directory" json:"directory"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
	File   string `mapstructure:"file" json:"file,omitempty"`
}

type SchedulerConfig struct {
	Enabled      bool   `mapstructure:"enabled" json:"enabled"`
	CronSchedule string `mapstructure:"cron_schedule" json:"cron_schedule"`
	Timezone     string `mapstructure:"timezone" json:"timezone,omitempty"`
}

type DiscordConfig struct {
	WebhookURL       string `mapstructure:"webhook_url" json:"-"`
	NotifyOnStart    bool   `mapstructure:"notify_on_start" json:"notify_on_start"`
	NotifyOnComplete bool   `mapstructure:"notify_on_complete" json:"notify_on_complete"`
	NotifyOnError    bool   `mapstructure:"notify_on_error" json:"notify_on_error"`
	NotifyOnBatch    bool   `mapstructure:"notify_on_batch" json:"notify_on_batch"`
}

type APIConfig struct {
	Host        string   `mapstructure:"host" json:"host"`
	Port        int      `mapstructure:"port" json:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	JWTSecret   string   `mapstructure:"jwt_secret" json:"-"`
}

func (a APIConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

type Options struct {
	// Path is an explicit config file. Empty searches for config.yaml.
	Path string
	// EnvFile defaults to .env; a missing file is not an error.
	EnvFile string
}

// Load reads the configuration and returns it with the viper instance that
// produced it, for Watch.
func Load(opts Options) (*Config, *viper.Viper, error) {
	envFile := strings.TrimSpace(opts.EnvFile)
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v, strings.TrimSpace(os.Getenv("TDL_DATA_DIR")))
	if err := bindEnv(v); err != nil {
		return nil, nil, err
	}

	v.SetConfigType("yaml")
	if path := strings.TrimSpace(opts.Path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tdl-archive-manager"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, dataDir string) {
	base := func(name string) string {
		if dataDir == "" {
			return "./" + name
		}
		return filepath.Join(dataDir, name)
	}
	dsn := "file://data/state.json"
	if dataDir != "" {
		dsn = "file://" + filepath.ToSlash(filepath.Join(dataDir, "state.json"))
	}

	v.SetDefault("tdl.path", "tdl")
	v.SetDefault("tdl.namespace", "")
	v.SetDefault("tdl.session_lock_path", DefaultSessionLockPath())
	v.SetDefault("store.dsn", dsn)

	v.SetDefault("downloads.base_directory", base("downloads"))
	v.SetDefault("downloads.organize_by_source", true)
	v.SetDefault("downloads.timeout_idle_seconds", 10)
	v.SetDefault("downloads.timeout_total_seconds", 300)
	v.SetDefault("downloads.poll_interval_ms", 1000)
	v.SetDefault("downloads.kill_grace_seconds", 5)
	v.SetDefault("downloads.lock_wait_seconds", 10)

	v.SetDefault("exports.base_directory", base("exports"))
	v.SetDefault("exports.include_content", true)
	v.SetDefault("exports.include_all", false)
	v.SetDefault("exports.incremental", true)

	v.SetDefault("logs.directory", base("logs"))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron_schedule", DefaultCron)
	v.SetDefault("scheduler.timezone", "")

	v.SetDefault("discord.webhook_url", "")
	v.SetDefault("discord.notify_on_start", true)
	v.SetDefault("discord.notify_on_complete", true)
	v.SetDefault("discord.notify_on_error", true)
	v.SetDefault("discord.notify_on_batch", true)

	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", DefaultAPIPort)
	v.SetDefault("api.cors_origins", []string{})
	v.SetDefault("api.jwt_secret", "")
}

// DefaultSessionLockPath is the bolt database tdl keeps open under an
// exclusive lock while it runs. All namespaces share the one file.
func DefaultSessionLockPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tdl", "data")
}

// Short environment names kept for deployments that predate the prefixed form.
var envAliases = map[string]string{
	"tdl.path":            "TDL_PATH",
	"store.dsn":           "TDL_DB_DSN",
	"discord.webhook_url": "TDL_DISCORD_WEBHOOK",
	"api.host":            "WEB_HOST",
	"api.port":            "WEB_PORT",
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return fmt.Errorf("bind %s: %w", alias, err)
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.TDL.Path = strings.TrimSpace(c.TDL.Path)
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	c.Scheduler.CronSchedule = strings.TrimSpace(c.Scheduler.CronSchedule)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	origins := make([]string, 0, len(c.API.CORSOrigins))
	for _, o := range c.API.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.API.CORSOrigins = origins
}

func (c *Config) Validate() error {
	var errs []error
	if c.TDL.Path == "" {
		errs = append(errs, errors.New("tdl.path is required"))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	} else if err := store.ValidateDSN(c.Store.DSN); err != nil {
		errs = append(errs, err)
	}
	d := c.Downloads
	if d.TimeoutIdleSeconds < 5 || d.TimeoutIdleSeconds > 300 {
		errs = append(errs, fmt.Errorf("downloads.timeout_idle_seconds must be between 5 and 300, got %d", d.TimeoutIdleSeconds))
	}
	if d.TimeoutTotalSeconds < 60 || d.TimeoutTotalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("downloads.timeout_total_seconds must be between 60 and 3600, got %d", d.TimeoutTotalSeconds))
	}
	if d.TimeoutTotalSeconds < d.TimeoutIdleSeconds {
		errs = append(errs, errors.New("downloads.timeout_total_seconds must be >= downloads.timeout_idle_seconds"))
	}
	if d.PollIntervalMS < 10 {
		errs = append(errs, fmt.Errorf("downloads.poll_interval_ms must be >= 10, got %d", d.PollIntervalMS))
	}
	if d.KillGraceSeconds < 0 || d.LockWaitSeconds < 0 {
		errs = append(errs, errors.New("downloads.kill_grace_seconds and downloads.lock_wait_seconds must be >= 0"))
	}
	if _, err := cron.ParseStandard(c.Scheduler.CronSchedule); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.cron_schedule %q: %w", c.Scheduler.CronSchedule, err))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port must be between 1 and 65535, got %d", c.API.Port))
	}
	return errors.Join(errs...)
}

// Watch re-reads the file on every change and hands valid configurations
// to fn. Invalid edits are logged and ignored.
func Watch(v *viper.Viper, logger *slog.Logger, fn func(*Config)) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("config change rejected", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name)
		fn(cfg)
	})
	v.WatchConfig()
}

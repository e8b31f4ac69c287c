// Package config loads and validates the qengine daemon's configuration,
// following the layering dittofs uses in pkg/config: viper for
// file+environment precedence, go-playground/validator for struct-tag
// validation, and a small init/default surface for `qengine init`.
//
// Configuration sources (highest to lowest precedence):
//  1. Environment variables (QENGINE_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the qengine daemon's static configuration. Dynamic queue
// state (bundles, files, sources) lives in the persisted snapshot
// (pkg/persist), not here.
type Config struct {
	// Logging controls the structured logger (internal/logger).
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" validate:"required"`

	// Metrics controls the Prometheus registry bootstrap.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// StatusAPI controls the read-only HTTP status/metrics surface
	// (pkg/statusapi).
	StatusAPI StatusAPIConfig `mapstructure:"status_api" yaml:"status_api"`

	// StateDir is where the queue's persisted XML snapshot (§4.12,
	// §6.4) and the local index cache (pkg/qindex) live.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir" validate:"required"`

	// Queue carries the §6.5 configuration surface.
	Queue QueueConfig `mapstructure:"queue" yaml:"queue"`
}

// LoggingConfig controls logging behavior, mirroring dittofs's
// internal/logger.Config field-for-field.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// MetricsConfig controls whether the Prometheus registry is
// bootstrapped at all (pkg/metrics.InitRegistry).
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// StatusAPIConfig controls the read-only HTTP surface.
type StatusAPIConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Port         int           `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// QueueConfig carries the §6.5 configuration surface.
type QueueConfig struct {
	// MinSegmentSize is the lower bound on a scheduled segment
	// length, in bytes.
	MinSegmentSize int64 `mapstructure:"min_segment_size" yaml:"min_segment_size" validate:"gte=0"`

	// NewSegmentMinSpeed is the connection speed (bytes/sec) below
	// which a second parallel segment isn't started.
	NewSegmentMinSpeed int64 `mapstructure:"new_segment_min_speed" yaml:"new_segment_min_speed" validate:"gte=0"`

	// AllowSlowOverlap enables §4.6's overlap rule.
	AllowSlowOverlap bool `mapstructure:"allow_slow_overlap" yaml:"allow_slow_overlap"`

	// OverlapThreshold is the minimum estimated seconds-left a
	// running segment must have before it becomes a candidate for
	// overlap duplication.
	OverlapThreshold time.Duration `mapstructure:"overlap_threshold" yaml:"overlap_threshold"`

	// ExtraDownloadSlots is additional concurrent downloads allowed
	// above the slot limit, HIGHEST-priority files only.
	ExtraDownloadSlots int `mapstructure:"extra_download_slots" yaml:"extra_download_slots" validate:"gte=0"`

	// MaxDownloadSlots is the global concurrent-download ceiling.
	MaxDownloadSlots int `mapstructure:"max_download_slots" yaml:"max_download_slots" validate:"gte=0"`

	// MaxDownloadSpeed is the global speed ceiling in bytes/sec; 0
	// means unlimited.
	MaxDownloadSpeed int64 `mapstructure:"max_download_speed" yaml:"max_download_speed" validate:"gte=0"`

	// AutoSearch enables the alternate-source search driver (§4.11).
	AutoSearch bool `mapstructure:"auto_search" yaml:"auto_search"`

	// AutoAddSource controls whether alternate-search results are
	// added as sources automatically or require confirmation.
	AutoAddSource bool `mapstructure:"auto_add_source" yaml:"auto_add_source"`

	// AutoPrioType selects the auto-priority controller's mode.
	AutoPrioType string `mapstructure:"autoprio_type" yaml:"autoprio_type" validate:"omitempty,oneof=DISABLED PROGRESS BALANCED"`

	// DLAutoDisconnectMode selects the scope of slow-source
	// eviction (§4.7 Slow-source policy).
	DLAutoDisconnectMode string `mapstructure:"dl_auto_disconnect_mode" yaml:"dl_auto_disconnect_mode" validate:"omitempty,oneof=FILE BUNDLE ALL"`

	// RemoveSpeed is the speed floor (bytes/sec) below which a
	// source is considered slow for disconnect purposes.
	RemoveSpeed int64 `mapstructure:"remove_speed" yaml:"remove_speed" validate:"gte=0"`

	// DisconnectTime is how long a source must stay below
	// RemoveSpeed before it is disconnected.
	DisconnectTime time.Duration `mapstructure:"disconnect_time" yaml:"disconnect_time"`

	// PartialShareMinSize is the constant from §6.5: files below
	// this size are never partially shared.
	PartialShareMinSize int64 `mapstructure:"partial_share_min_size" yaml:"partial_share_min_size" validate:"gte=0"`

	// QIndex controls the badger-backed local index cache
	// (pkg/qindex).
	QIndex QIndexConfig `mapstructure:"qindex" yaml:"qindex"`

	// UserIndex controls the ristretto-backed warm user cache
	// (pkg/useridx).
	UserIndex UserIndexConfig `mapstructure:"user_index" yaml:"user_index"`
}

// QIndexConfig controls the local badger cache.
type QIndexConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// UserIndexConfig controls the ristretto warm-user cache.
type UserIndexConfig struct {
	MaxEntries int64         `mapstructure:"max_entries" yaml:"max_entries" validate:"gte=0"`
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// Default returns the built-in defaults, following the teacher's
// ApplyDefaults pattern.
func Default() *Config {
	dir := defaultStateDir()
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text", Output: "stdout"},
		Metrics: MetricsConfig{Enabled: true},
		StatusAPI: StatusAPIConfig{
			Enabled:      true,
			Port:         8620,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		StateDir: dir,
		Queue: QueueConfig{
			MinSegmentSize:        65536,
			NewSegmentMinSpeed:    51200,
			AllowSlowOverlap:      true,
			OverlapThreshold:      45 * time.Second,
			ExtraDownloadSlots:    2,
			MaxDownloadSlots:      8,
			MaxDownloadSpeed:      0,
			AutoSearch:            true,
			AutoAddSource:         true,
			AutoPrioType:          "BALANCED",
			DLAutoDisconnectMode:  "FILE",
			RemoveSpeed:           10240,
			DisconnectTime:        60 * time.Second,
			PartialShareMinSize:   20 * 1024 * 1024,
			QIndex:                QIndexConfig{Enabled: true, Dir: filepath.Join(dir, "qindex")},
			UserIndex:             UserIndexConfig{MaxEntries: 100_000, TTL: 10 * time.Minute},
		},
	}
}

var validate = validator.New()

// Validate checks struct tags and cross-field invariants that don't
// fit a single `validate` tag.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Queue.ExtraDownloadSlots > 0 && cfg.Queue.MaxDownloadSlots == 0 {
		return errors.New("config: queue.extra_download_slots requires queue.max_download_slots > 0")
	}
	return nil
}

// Load reads configuration from configPath (or the default location
// if empty), overlays environment variables prefixed QENGINE_, and
// falls back to Default() for anything unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	setViperDefaults(v, def)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(DefaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	cfg := *def
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setViperDefaults seeds viper with every default value so that
// env-var overrides of a single key don't blow away the rest of a
// nested struct during Unmarshal.
func setViperDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("logging", def.Logging)
	v.SetDefault("metrics", def.Metrics)
	v.SetDefault("status_api", def.StatusAPI)
	v.SetDefault("state_dir", def.StateDir)
	v.SetDefault("queue", def.Queue)
}

// Save writes cfg as YAML to path, creating parent directories as
// needed. Config files may reveal local filesystem layout, so they
// are written owner-only.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// InitConfig writes a default configuration file to the default
// location (or errors if one already exists and force is false).
func InitConfig(force bool) (string, error) {
	return InitConfigToPath(DefaultConfigPath(), force)
}

// InitConfigToPath writes a default configuration file to path.
func InitConfigToPath(path string, force bool) (string, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config: %s already exists (use --force to overwrite)", path)
		}
	}
	if err := Save(Default(), path); err != nil {
		return "", err
	}
	return path, nil
}

// DefaultConfigDir returns $XDG_CONFIG_HOME/qengine, falling back to
// ~/.config/qengine, falling back to "." if no home directory can be
// determined.
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "qengine")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "qengine")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the
// default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(DefaultConfigPath())
	return err == nil
}

func defaultStateDir() string {
	return filepath.Join(DefaultConfigDir(), "state")
}

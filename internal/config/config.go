// Package config loads the daemon's YAML configuration file, applying
// defaults first, then the parsed YAML, then VAULTHALLA_* environment
// overrides, then validation.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's top-level configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Fuse          FuseConfig          `yaml:"fuse"`
	Storage       StorageConfig       `yaml:"storage"`
	Caching       CachingConfig       `yaml:"caching"`
	Services      ServicesConfig      `yaml:"services"`
	Auth          AuthConfig          `yaml:"auth"`
	Encryption    EncryptionConfig    `yaml:"encryption"`
	Logging       LoggingConfig       `yaml:"logging"`
	Security      SecurityConfig      `yaml:"security"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Dev           DevConfig           `yaml:"dev"`
	Debug         bool                `yaml:"debug"`
}

// ServerConfig governs the daemon's listening surfaces.
type ServerConfig struct {
	UDSSocket           string `yaml:"uds_socket"`
	ShutdownTimeoutSecs int    `yaml:"shutdown_timeout_secs"`
}

// FuseConfig names the two roots every vault mounts under.
type FuseConfig struct {
	RootMountPath string `yaml:"root_mount_path"`
	BackingPath   string `yaml:"backing_path"`
}

// StorageConfig is the metadata store's location.
type StorageConfig struct {
	MetadataDir string `yaml:"metadata_dir"`
}

// ThumbnailCachingConfig names the thumbnail edge sizes, in pixels.
type ThumbnailCachingConfig struct {
	Sizes []uint32 `yaml:"sizes"`
}

// HTTPCachingConfig governs the preview-over-HTTP cache surface.
type HTTPCachingConfig struct {
	Enabled            bool  `yaml:"enabled"`
	MaxPreviewSizeBytes int64 `yaml:"max_preview_size_bytes"`
}

// CachingConfig groups the thumbnail and HTTP preview cache settings.
type CachingConfig struct {
	Thumbnails ThumbnailCachingConfig `yaml:"thumbnails"`
	HTTP       HTTPCachingConfig      `yaml:"http"`
}

// DBSweeperConfig governs the background metadata-store consistency sweep.
type DBSweeperConfig struct {
	SweepIntervalMinutes uint32 `yaml:"sweep_interval_minutes"`
}

// ServicesConfig groups background-service tunables.
type ServicesConfig struct {
	DBSweeper DBSweeperConfig `yaml:"db_sweeper"`
}

// AuthConfig carries the daemon's own admin credential pair for
// administrative calls.
type AuthConfig struct {
	AdminAccessKey string `yaml:"admin_access_key"`
	AdminSecretKey string `yaml:"admin_secret_key"`
}

// EncryptionConfig holds the daemon-wide bootstrap key, which seals API-key
// secrets at rest (vaultcrypto.SealSecret/OpenSecret). Vault key versions
// are generated separately and live per-vault in the metadata store
// (vaultcrypto.KeySource), not here.
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"` // hex-encoded 32-byte key (64 hex chars)
}

// KeyBytes returns the decoded bootstrap key bytes.
func (e *EncryptionConfig) KeyBytes() ([]byte, error) {
	if !e.Enabled {
		return nil, nil
	}
	key, err := hex.DecodeString(e.Key)
	if err != nil {
		return nil, fmt.Errorf("encryption key must be hex-encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// subsystemName enumerates the per-subsystem log level map's valid keys.
type subsystemName = string

const (
	SubsystemVaulthalla subsystemName = "vaulthalla"
	SubsystemFuse        subsystemName = "fuse"
	SubsystemFilesystem  subsystemName = "filesystem"
	SubsystemCrypto      subsystemName = "crypto"
	SubsystemCloud       subsystemName = "cloud"
	SubsystemAuth        subsystemName = "auth"
	SubsystemWebsocket   subsystemName = "websocket"
	SubsystemHTTP        subsystemName = "http"
	SubsystemShell       subsystemName = "shell"
	SubsystemDB          subsystemName = "db"
	SubsystemSync        subsystemName = "sync"
	SubsystemThumb       subsystemName = "thumb"
	SubsystemStorage     subsystemName = "storage"
	SubsystemTypes       subsystemName = "types"
)

// LoggingConfig governs slog output and rotation.
type LoggingConfig struct {
	FilePath             string                   `yaml:"file_path"`
	ConsoleLogLevel      string                   `yaml:"console_log_level"`
	Levels               map[subsystemName]string `yaml:"levels"`
	LogRotationDays      int                      `yaml:"log_rotation_days"`
	AuditLogRotationDays int                      `yaml:"audit_log_rotation_days"`
}

// LevelFor returns the configured level for subsystem, falling back to the
// console level when no per-subsystem override is set.
func (l *LoggingConfig) LevelFor(subsystem subsystemName) string {
	if lvl, ok := l.Levels[subsystem]; ok && lvl != "" {
		return lvl
	}
	if l.ConsoleLogLevel != "" {
		return l.ConsoleLogLevel
	}
	return "info"
}

// SecurityConfig governs how long finished sync events and audit records
// are retained before the janitor sweeps them.
type SecurityConfig struct {
	AuditRetentionDays int `yaml:"audit_retention_days"`
}

// NotificationsConfig configures the sync-event/conflict broker fan-out
// (internal/notify).
type NotificationsConfig struct {
	MaxWorkers int                  `yaml:"max_workers"`
	QueueSize  int                  `yaml:"queue_size"`
	Kafka      KafkaNotifyConfig    `yaml:"kafka"`
	NATS       NATSNotifyConfig     `yaml:"nats"`
	Redis      RedisNotifyConfig    `yaml:"redis"`
	AMQP       AMQPNotifyConfig     `yaml:"amqp"`
}

type KafkaNotifyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NATSNotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type RedisNotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type AMQPNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// DevConfig governs developer-only bypasses.
type DevConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses the YAML config at path, applying defaults, then
// environment overrides, then validation, in that order.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			UDSSocket:           "/var/run/vaulthalla.sock",
			ShutdownTimeoutSecs: 30,
		},
		Fuse: FuseConfig{
			RootMountPath: "/mnt/vaulthalla",
			BackingPath:   "/var/lib/vaulthalla/backing",
		},
		Storage: StorageConfig{
			MetadataDir: "/var/lib/vaulthalla/metadata",
		},
		Caching: CachingConfig{
			Thumbnails: ThumbnailCachingConfig{Sizes: []uint32{128, 256, 512}},
			HTTP:       HTTPCachingConfig{MaxPreviewSizeBytes: 25 << 20},
		},
		Services: ServicesConfig{
			DBSweeper: DBSweeperConfig{SweepIntervalMinutes: 60},
		},
		Logging: LoggingConfig{
			FilePath:             "/var/log/vaulthalla/daemon.log",
			ConsoleLogLevel:      "info",
			LogRotationDays:      14,
			AuditLogRotationDays: 90,
		},
		Security: SecurityConfig{
			AuditRetentionDays: 90,
		},
		Notifications: NotificationsConfig{
			MaxWorkers: 4,
			QueueSize:  256,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.Encryption.Enabled {
		if _, err := cfg.Encryption.KeyBytes(); err != nil {
			return nil, fmt.Errorf("invalid encryption config: %w", err)
		}
	}

	return cfg, nil
}

// applyEnvOverrides applies VAULTHALLA_* environment variable overrides.
// Environment variables take precedence over YAML config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VAULTHALLA_ACCESS_KEY"); v != "" {
		cfg.Auth.AdminAccessKey = v
	}
	if v := os.Getenv("VAULTHALLA_SECRET_KEY"); v != "" {
		cfg.Auth.AdminSecretKey = v
	}
	if v := os.Getenv("VAULTHALLA_UDS_SOCKET"); v != "" {
		cfg.Server.UDSSocket = v
	}
	if v := os.Getenv("VAULTHALLA_FUSE_ROOT"); v != "" {
		cfg.Fuse.RootMountPath = v
	}
	if v := os.Getenv("VAULTHALLA_BACKING_PATH"); v != "" {
		cfg.Fuse.BackingPath = v
	}
	if v := os.Getenv("VAULTHALLA_METADATA_DIR"); v != "" {
		cfg.Storage.MetadataDir = v
	}
	if v := os.Getenv("VAULTHALLA_ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Enabled = true
		cfg.Encryption.Key = v
	}
	if v := os.Getenv("VAULTHALLA_LOG_LEVEL"); v != "" {
		cfg.Logging.ConsoleLogLevel = v
	}
	if v := os.Getenv("VAULTHALLA_DEV_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Dev.Enabled = b
		}
	}
}

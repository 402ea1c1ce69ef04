package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for filemon.
type Config struct {
	InstanceID string           `toml:"instance_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Log        LogConfig        `toml:"log"`
	Database   DatabaseConfig   `toml:"database"`
	Watch      WatchConfig      `toml:"watch"`
	Notify     NotifyConfig     `toml:"notify"`
	Retention  RetentionConfig  `toml:"retention"`
	Dispatch   DispatchConfig   `toml:"dispatch"`
	Archive    ArchiveConfig    `toml:"archive"`
	Encryption EncryptionConfig `toml:"encryption"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// Duration is a time.Duration written as a string ("1h", "250ms") in TOML.
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// LogConfig controls rotation of the log file.
type LogConfig struct {
	Level      string `toml:"level"` // "debug", "info" (default), "warn" or "error"
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// DatabaseConfig represents configuration for the change database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// WatchConfig controls the path watchers.
type WatchConfig struct {
	// Debounce coalesces bursts of events for one file. Zero handles every event.
	Debounce          Duration `toml:"debounce"`
	ReconcileInterval Duration `toml:"reconcile_interval"`

	// Deny lists glob patterns of files that may not be subscribed to.
	// Patterns containing '/' match the absolute path, others the basename.
	Deny     []string `toml:"deny"`
	DenyFile string   `toml:"deny_file,omitempty"` // one pattern per line, '#' comments
}

// NotifyConfig controls the notification batcher.
type NotifyConfig struct {
	Interval Duration `toml:"interval"`
	LeaseTTL Duration `toml:"lease_ttl"`
}

// RetentionConfig controls pruning of old change records.
type RetentionConfig struct {
	Interval Duration `toml:"interval"`
	MaxAge   Duration `toml:"max_age"`
}

// DispatchConfig selects the transport used to deliver notifications.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DispatchConfig struct {
	Type string `toml:"type"` // "log", "smtp" or "amqp"
	From string `toml:"from,omitempty"`

	// SMTP-specific fields (only used when Type == "smtp")
	SMTPHost     string `toml:"smtp_host,omitempty"`
	SMTPPort     int    `toml:"smtp_port,omitempty"`
	SMTPUsername string `toml:"smtp_username,omitempty"`
	SMTPPassword string `toml:"smtp_password,omitempty"`

	// AMQP-specific fields (only used when Type == "amqp")
	AMQPURL   string `toml:"amqp_url,omitempty"`
	AMQPQueue string `toml:"amqp_queue,omitempty"`
}

// ArchiveConfig represents configuration for the archive of pruned records.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type"` // "", "memory", "s3" or "filesystem"; empty disables archiving

	// S3-specific fields (only used when Type == "s3")
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`
	// S3Endpoint points at an S3-compatible service; empty uses AWS.
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used to encrypt archives.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age", "test" or "none" (default)
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
	Armor          bool   `toml:"armor"` // ASCII-armored ciphertext
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Listen string `toml:"listen"` // e.g. "127.0.0.1:9464"; empty disables the endpoint
}

// NewConfig creates a new Config with the provided values and defaults for
// everything else.
func NewConfig(instanceID, baseDir string) *Config {
	return &Config{
		InstanceID: instanceID,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Watch: WatchConfig{
			ReconcileInterval: Duration{30 * time.Second},
			Deny:              []string{"*.key", "*.pem", "/etc/shadow"},
		},
		Notify: NotifyConfig{
			Interval: Duration{time.Hour},
			LeaseTTL: Duration{10 * time.Minute},
		},
		Retention: RetentionConfig{
			Interval: Duration{24 * time.Hour},
			MaxAge:   Duration{30 * 24 * time.Hour},
		},
		Dispatch: DispatchConfig{
			Type: "log",
			From: "filemon@localhost",
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "filemon.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "filemon.key"),
		},
	}
}

// Validate checks settings that have no usable zero value.
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if c.Notify.Interval.Duration <= 0 {
		return fmt.Errorf("notify.interval must be positive")
	}
	if c.Notify.LeaseTTL.Duration <= 0 {
		return fmt.Errorf("notify.lease_ttl must be positive")
	}
	if c.Watch.ReconcileInterval.Duration <= 0 {
		return fmt.Errorf("watch.reconcile_interval must be positive")
	}
	if c.Watch.Debounce.Duration < 0 {
		return fmt.Errorf("watch.debounce must not be negative")
	}
	if c.Retention.Interval.Duration <= 0 {
		return fmt.Errorf("retention.interval must be positive")
	}
	if c.Retention.MaxAge.Duration <= 0 {
		return fmt.Errorf("retention.max_age must be positive")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may carry SMTP credentials.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

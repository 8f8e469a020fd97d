package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Modes.
const (
	ModeSingleUser = "single-user"
	ModeMultiUser  = "multi-user"
)

// DefaultQueueSize is the per-client outbound notification buffer.
const DefaultQueueSize = 64

// Config represents the main configuration for arcstore.
type Config struct {
	InstanceID    string              `toml:"instance_id"`
	Mode          string              `toml:"mode"` // "single-user" or "multi-user"
	BaseDir       string              `toml:"base_dir"`
	LogDir        string              `toml:"log_dir"`
	LogLevel      string              `toml:"log_level,omitempty"` // "debug", "info" (default), "warn", "error"
	Store         StoreConfig         `toml:"store"`
	Auth          AuthConfig          `toml:"auth"`
	Secrets       SecretsConfig       `toml:"secrets"`
	Backup        BackupConfig        `toml:"backup"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// StoreConfig selects the ordered key-value engine.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type string `toml:"type"` // "memory", "sqlite", "postgres" or "dynamodb"

	// sqlite
	DataDir string `toml:"data_dir,omitempty"`

	// postgres
	DSN string `toml:"dsn,omitempty"`

	// dynamodb
	Table    string `toml:"table,omitempty"`
	Region   string `toml:"region,omitempty"`
	Endpoint string `toml:"endpoint,omitempty"`
}

// AuthConfig selects how the acting user is resolved.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type AuthConfig struct {
	Type string `toml:"type"` // "none" or "jwt"

	// none
	DefaultUser     string `toml:"default_user,omitempty"`
	DefaultUserName string `toml:"default_user_name,omitempty"`

	// jwt: the signing secret is given inline or as a parameter name resolved
	// through [secrets].
	Secret      string `toml:"secret,omitempty"`
	SecretParam string `toml:"secret_param,omitempty"`
	Issuer      string `toml:"issuer,omitempty"`
}

// SecretsConfig selects where named secrets are resolved from.
type SecretsConfig struct {
	Type   string `toml:"type"` // "env" or "ssm"
	Region string `toml:"region,omitempty"`
}

// BackupConfig configures snapshots of the store.
type BackupConfig struct {
	Vault      VaultConfig      `toml:"vault"`
	Encryption EncryptionConfig `toml:"encryption"`
	Compress   bool             `toml:"compress"`

	// AutoSnapshot takes a snapshot after every command that changed the
	// store.
	AutoSnapshot bool `toml:"auto_snapshot"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default), "test" or "none"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// VaultConfig represents configuration for a vault backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`

	// S3-compatible endpoints such as MinIO need an endpoint and static keys.
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// NotificationsConfig tunes the client registry.
type NotificationsConfig struct {
	QueueSize int `toml:"queue_size"`
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(instanceID, baseDir string) *Config {
	return &Config{
		InstanceID: instanceID,
		Mode:       ModeSingleUser,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		Store: StoreConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Auth: AuthConfig{
			Type:            "none",
			DefaultUser:     "local",
			DefaultUserName: "Local user",
		},
		Secrets: SecretsConfig{Type: "env"},
		Backup: BackupConfig{
			Vault: VaultConfig{
				Type:        "filesystem",
				Name:        "local",
				FSVaultRoot: filepath.Join(baseDir, "vault"),
			},
			Encryption: EncryptionConfig{
				Type:           "age",
				PublicKeyPath:  filepath.Join(baseDir, "keys", "arcstore.pub"),
				PrivateKeyPath: filepath.Join(baseDir, "keys", "arcstore.key"),
			},
			Compress: true,
		},
		Notifications: NotificationsConfig{QueueSize: DefaultQueueSize},
	}
}

// Validate checks the fields every component relies on.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSingleUser, ModeMultiUser:
	default:
		return fmt.Errorf("unknown mode: %q", c.Mode)
	}
	if c.Mode == ModeMultiUser && c.Auth.Type == "none" {
		return fmt.Errorf("multi-user mode requires authentication")
	}
	if c.Notifications.QueueSize < 0 {
		return fmt.Errorf("notifications.queue_size must not be negative")
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
	if cfg.Notifications.QueueSize == 0 {
		cfg.Notifications.QueueSize = DefaultQueueSize
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

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
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

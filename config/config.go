package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"packsync/ratelimit"
	"packsync/validate"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "packsync"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "PACKSYNC_DATA_DIR"
	// DefaultListeningPort is the TCP port used in fixed mode when none is set.
	DefaultListeningPort = 25570
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// DefaultConsentTimeoutSeconds bounds how long a sync request waits for the user.
	DefaultConsentTimeoutSeconds = 60
	// DefaultSecurityEventRetentionDays is how long security events are kept.
	DefaultSecurityEventRetentionDays = 90
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID              string `json:"device_id"`
	DeviceName            string `json:"device_name"`
	PortMode              string `json:"port_mode"`
	ListeningPort         int    `json:"listening_port"`
	SigningPrivateKeyPath string `json:"signing_private_key_path"`
	SigningPublicKeyPath  string `json:"signing_public_key_path"`
	KeyFingerprint        string `json:"key_fingerprint"`

	SharedRoot                 string  `json:"shared_root"`
	UploadLimit                int64   `json:"upload_limit"`
	MaxTransferSize            int64   `json:"max_transfer_size"`
	MaxFileSize                int64   `json:"max_file_size"`
	ConsentTimeoutSeconds      int     `json:"consent_timeout_seconds"`
	RequestsPerSecond          float64 `json:"requests_per_second"`
	RequestBurst               int     `json:"request_burst"`
	SecurityEventRetentionDays int     `json:"security_event_retention_days"`
	LogLevel                   string  `json:"log_level"`
}

// ConsentTimeout is how long an incoming sync request waits for a decision.
func (c *DeviceConfig) ConsentTimeout() time.Duration {
	return time.Duration(c.ConsentTimeoutSeconds) * time.Second
}

// SecurityEventRetention is how long security events are kept.
func (c *DeviceConfig) SecurityEventRetention() time.Duration {
	return time.Duration(c.SecurityEventRetentionDays) * 24 * time.Hour
}

// ListenAddress is the TCP address to bind, port 0 in automatic mode.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PACKSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return homedir.Expand(override)
	}

	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "modpacks"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes config.json through a temporary file so a crash mid-write
// never leaves a truncated config behind.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), configFileName+".*")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate reports settings a hand-edited config.json may have broken.
func (c *DeviceConfig) Validate() error {
	if err := validate.ValidatePeerID(c.DeviceID); err != nil {
		return fmt.Errorf("device_id: %w", err)
	}
	if err := validate.ValidateText("device_name", c.DeviceName, validate.MaxDisplayNameLength); err != nil {
		return err
	}
	if c.ListeningPort < 0 || c.ListeningPort > 65535 {
		return fmt.Errorf("listening_port %d out of range", c.ListeningPort)
	}
	if c.MaxFileSize > c.MaxTransferSize {
		return fmt.Errorf("max_file_size %d exceeds max_transfer_size %d", c.MaxFileSize, c.MaxTransferSize)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = &DeviceConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// ApplyOverrides layers flag and PACKSYNC_* environment values from v on top
// of the persisted config. Overrides are not saved.
func ApplyOverrides(cfg *DeviceConfig, v *viper.Viper) error {
	if v.IsSet("name") {
		name := strings.TrimSpace(v.GetString("name"))
		if err := validate.ValidateText("name", name, validate.MaxDisplayNameLength); err != nil {
			return err
		}
		cfg.DeviceName = name
	}
	if v.IsSet("port") {
		port := v.GetInt("port")
		if port < 0 || port > 65535 {
			return fmt.Errorf("port %d out of range", port)
		}
		cfg.ListeningPort = port
		cfg.PortMode = PortModeFixed
		if port == 0 {
			cfg.PortMode = PortModeAutomatic
		}
	}
	if v.IsSet("shared_root") {
		root, err := homedir.Expand(v.GetString("shared_root"))
		if err != nil {
			return fmt.Errorf("expand shared root: %w", err)
		}
		cfg.SharedRoot = root
	}
	if v.IsSet("upload_limit") {
		limit := v.GetInt64("upload_limit")
		if limit < 0 {
			return errors.New("upload limit must not be negative")
		}
		cfg.UploadLimit = limit
	}
	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}
	return nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "packsync"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.SigningPrivateKeyPath, filepath.Join(keysDir, "signing_private.pem"))
	setString(&cfg.SigningPublicKeyPath, filepath.Join(keysDir, "signing_public.pem"))
	setString(&cfg.SharedRoot, filepath.Join(dataDir, "modpacks"))
	setString(&cfg.LogLevel, DefaultLogLevel)

	if expanded, err := homedir.Expand(cfg.SharedRoot); err == nil && expanded != cfg.SharedRoot {
		cfg.SharedRoot = expanded
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.UploadLimit < 0 {
		cfg.UploadLimit = 0
		updated = true
	}
	if cfg.MaxTransferSize <= 0 {
		cfg.MaxTransferSize = validate.DefaultMaxTransferSize
		updated = true
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = validate.DefaultMaxFileSize
		updated = true
	}
	if cfg.ConsentTimeoutSeconds <= 0 {
		cfg.ConsentTimeoutSeconds = DefaultConsentTimeoutSeconds
		updated = true
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = ratelimit.DefaultRequestsPerSecond
		updated = true
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = ratelimit.DefaultRequestBurst
		updated = true
	}
	if cfg.SecurityEventRetentionDays <= 0 {
		cfg.SecurityEventRetentionDays = DefaultSecurityEventRetentionDays
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

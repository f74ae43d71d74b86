package config

import (
	"path/filepath"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"packsync/validate"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected default port mode %q, got %q", PortModeAutomatic, firstCfg.PortMode)
	}
	if firstCfg.ListeningPort != 0 {
		t.Fatalf("expected automatic mode listening port 0, got %d", firstCfg.ListeningPort)
	}
	if firstCfg.SharedRoot != filepath.Join(tempDir, "modpacks") {
		t.Fatalf("unexpected default shared root %q", firstCfg.SharedRoot)
	}
	if firstCfg.MaxFileSize != validate.DefaultMaxFileSize || firstCfg.ConsentTimeoutSeconds != DefaultConsentTimeoutSeconds {
		t.Fatalf("expected defaults to be filled, got %+v", firstCfg)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.SigningPrivateKeyPath != firstCfg.SigningPrivateKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.SigningPrivateKeyPath, secondCfg.SigningPrivateKeyPath)
	}
}

func TestLoadOrCreateNormalizesLegacyPortModeFromExistingPort(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := &DeviceConfig{
		DeviceID:      "legacy-device",
		DeviceName:    "Legacy",
		ListeningPort: 25565,
	}
	if err := Save(cfgPath, legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.PortMode != PortModeFixed {
		t.Fatalf("expected legacy config to normalize to fixed mode, got %q", cfg.PortMode)
	}
	if cfg.ListeningPort != 25565 || cfg.ListenAddress() != ":25565" {
		t.Fatalf("expected legacy fixed listening port to be retained, got %d", cfg.ListeningPort)
	}
	if cfg.DeviceID != "legacy-device" || cfg.SigningPublicKeyPath == "" {
		t.Fatalf("expected missing fields to be filled around existing ones, got %+v", cfg)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.RequestBurst == 0 {
		t.Fatalf("expected normalized config to be persisted")
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := &DeviceConfig{PortMode: PortModeAutomatic, SharedRoot: "/srv/packs"}

	v := viper.New()
	v.Set("port", 30000)
	v.Set("shared_root", "~/modpacks")
	v.Set("upload_limit", 1<<20)
	v.Set("name", "  lan-box  ")
	if err := ApplyOverrides(cfg, v); err != nil {
		t.Fatalf("ApplyOverrides failed: %v", err)
	}

	home, err := homedir.Dir()
	if err != nil {
		t.Fatalf("homedir.Dir failed: %v", err)
	}
	if cfg.PortMode != PortModeFixed || cfg.ListeningPort != 30000 {
		t.Fatalf("expected fixed port 30000, got %s %d", cfg.PortMode, cfg.ListeningPort)
	}
	if cfg.SharedRoot != filepath.Join(home, "modpacks") {
		t.Fatalf("expected expanded shared root, got %q", cfg.SharedRoot)
	}
	if cfg.UploadLimit != 1<<20 || cfg.DeviceName != "lan-box" {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
}

func TestApplyOverridesRejectsInvalidValues(t *testing.T) {
	for key, value := range map[string]any{
		"port":         70000,
		"upload_limit": -1,
	} {
		v := viper.New()
		v.Set(key, value)
		if err := ApplyOverrides(&DeviceConfig{}, v); err == nil {
			t.Fatalf("expected %s=%v to be rejected", key, value)
		}
	}
}

func TestLoadOrCreateRejectsBrokenConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	broken := &DeviceConfig{
		DeviceID:        "has spaces",
		DeviceName:      "Broken",
		MaxTransferSize: 1 << 20,
		MaxFileSize:     1 << 30,
	}
	if err := Save(ConfigPath(tempDir), broken); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, _, err := LoadOrCreate(); err == nil {
		t.Fatalf("expected invalid device id to be rejected")
	}

	broken.DeviceID = "fine-id"
	if err := Save(ConfigPath(tempDir), broken); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, _, err := LoadOrCreate(); err == nil {
		t.Fatalf("expected max_file_size above max_transfer_size to be rejected")
	}
}

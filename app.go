package main

import (
	"fmt"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/viper"

	"packsync/config"
	"packsync/crypto"
	"packsync/network"
	"packsync/storage"
)

var log = logging.Logger("packsync")

// app is the state shared by every command: config, identity and the store.
type app struct {
	cfg         *config.DeviceConfig
	cfgPath     string
	dataDir     string
	store       *storage.Store
	dbPath      string
	signing     crypto.SigningKeys
	fingerprint string
}

func openApp() (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.ApplyOverrides(cfg, viper.GetViper()); err != nil {
		return nil, fmt.Errorf("apply overrides: %w", err)
	}
	if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}

	signing, err := crypto.EnsureSigningKeys(cfg.SigningPrivateKeyPath, cfg.SigningPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare signing keys: %w", err)
	}
	fingerprint := crypto.KeyFingerprint(signing.Public)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store.SetSecurityEventRetention(cfg.SecurityEventRetention())

	return &app{
		cfg:         cfg,
		cfgPath:     cfgPath,
		dataDir:     dataDir,
		store:       store,
		dbPath:      dbPath,
		signing:     signing,
		fingerprint: fingerprint,
	}, nil
}

func (a *app) identity() network.LocalIdentity {
	return network.LocalIdentity{
		PeerID:  a.cfg.DeviceID,
		Name:    a.cfg.DeviceName,
		Signing: &a.signing,
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warnw("database close failed", "error", err)
	}
}

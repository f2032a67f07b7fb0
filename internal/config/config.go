// Package config loads the service's environment-variable configuration
// (spec §6), grounded on the teacher CLI's viper env-binding convention
// (cmd/wl/main.go's `viper.SetEnvPrefix` + `AutomaticEnv`). The templates_dir
// setting is read into Config.TemplatesDir, but no payout-schedule templates
// are loaded from it; work orders use engine.DefaultPayoutSchedule.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// AssetMode selects the PaymentChannelAdapter implementation.
type AssetMode string

const (
	AssetModeMock AssetMode = "mock"
	AssetModeReal AssetMode = "real"
)

// Config is the service's environment-derived configuration.
type Config struct {
	Port     int
	Host     string
	DataDir  string

	VerifierURL string

	AssetMode          AssetMode
	AdapterURL         string
	AdapterWSURL       string
	AdapterPrivateKey  string

	MilestoneSplits           int
	DemoActions               bool
	ChallengeDurationSeconds  int

	BiddingWindow  time.Duration
	DeliveryWindow time.Duration
	VerifyWindow   time.Duration
	PatchWindow    time.Duration

	SweepInterval time.Duration

	TemplatesDir string

	SignatureDomainName    string
	SignatureDomainVersion string
	ChainID                int64
	VerifyingContract      string

	JWTSecret string
}

// Load reads configuration from environment variables prefixed HOOKLINE_,
// applying the same defaults the teacher CLI falls back to when a flag or
// env var is unset.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HOOKLINE")
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("verifier_url", "http://localhost:9090")
	v.SetDefault("asset_mode", "mock")
	v.SetDefault("milestone_splits", 1)
	v.SetDefault("demo_actions", false)
	v.SetDefault("challenge_duration_seconds", 3600)
	v.SetDefault("bidding_window_seconds", 300)
	v.SetDefault("delivery_window_seconds", 1800)
	v.SetDefault("verify_window_seconds", 600)
	v.SetDefault("patch_window_seconds", 900)
	v.SetDefault("sweep_interval_seconds", 5)
	v.SetDefault("templates_dir", "")
	v.SetDefault("signature_domain_name", "hookline")
	v.SetDefault("signature_domain_version", "1")
	v.SetDefault("chain_id", 1)
	v.SetDefault("verifying_contract", "0x0000000000000000000000000000000000000000")

	cfg := Config{
		Port:                     v.GetInt("port"),
		Host:                     v.GetString("host"),
		DataDir:                  v.GetString("data_dir"),
		VerifierURL:              v.GetString("verifier_url"),
		AssetMode:                AssetMode(v.GetString("asset_mode")),
		AdapterURL:               v.GetString("adapter_url"),
		AdapterWSURL:             v.GetString("adapter_ws_url"),
		AdapterPrivateKey:        v.GetString("adapter_private_key"),
		MilestoneSplits:          v.GetInt("milestone_splits"),
		DemoActions:              v.GetBool("demo_actions"),
		ChallengeDurationSeconds: v.GetInt("challenge_duration_seconds"),
		BiddingWindow:            time.Duration(v.GetInt("bidding_window_seconds")) * time.Second,
		DeliveryWindow:           time.Duration(v.GetInt("delivery_window_seconds")) * time.Second,
		VerifyWindow:             time.Duration(v.GetInt("verify_window_seconds")) * time.Second,
		PatchWindow:              time.Duration(v.GetInt("patch_window_seconds")) * time.Second,
		SweepInterval:            time.Duration(v.GetInt("sweep_interval_seconds")) * time.Second,
		TemplatesDir:             v.GetString("templates_dir"),
		SignatureDomainName:      v.GetString("signature_domain_name"),
		SignatureDomainVersion:   v.GetString("signature_domain_version"),
		ChainID:                  v.GetInt64("chain_id"),
		VerifyingContract:        v.GetString("verifying_contract"),
		JWTSecret:                v.GetString("jwt_secret"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the bounds called out explicitly in spec §6
// (MILESTONE_SPLITS 1..20).
func (c Config) Validate() error {
	if c.MilestoneSplits < 1 || c.MilestoneSplits > 20 {
		return fmt.Errorf("config: milestone_splits must be between 1 and 20, got %d", c.MilestoneSplits)
	}
	if c.AssetMode != AssetModeMock && c.AssetMode != AssetModeReal {
		return fmt.Errorf("config: asset_mode must be mock or real, got %q", c.AssetMode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	return nil
}

// Package config loads the reference harness's JSON configuration: log
// sink settings plus the defaults fed into the transport facade (C7) at
// bind/connect time — FALCON enforcement level, extension policy, and
// adaptive-controller tuning (spec §6.3, §6.4).
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// projectConfig holds the top-level setting.json document.
type projectConfig struct {
	Log      logConfig      `json:"log"`
	Falcon   falconConfig   `json:"falcon"`
	Policy   policyConfig   `json:"policy"`
	Adaptive adaptiveConfig `json:"adaptive"`
}

type logConfig struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// falconConfig carries the local post-quantum identity policy (spec §4.3,
// §6.3's --falcon flag).
type falconConfig struct {
	// Level is one of "required", "preferred", "off".
	Level string `json:"level"`
	// KeyCachePath, if set, persists the FALCON keypair's seed across runs
	// (spec §6.4); empty means generate a fresh keypair every run.
	KeyCachePath string `json:"key_cache_path"`
}

// policyConfig mirrors extension.Policy's JSON-configurable fields (spec §4.4).
type policyConfig struct {
	TokenEnabled         bool   `json:"token_enabled"`
	MaxShardSize         uint64 `json:"max_shard_size"`
	ReassemblyTimeoutMs  uint64 `json:"reassembly_timeout_ms"`
	MaxReassemblyBytes   uint64 `json:"max_reassembly_bytes"`
	IsForwarder          bool   `json:"is_forwarder"`
	FalconSigningEnabled bool   `json:"falcon_signing_enabled"`
}

// adaptiveConfig mirrors adaptive.Config's JSON-configurable fields (spec §4.5).
type adaptiveConfig struct {
	SampleIntervalMs      uint64 `json:"sample_interval_ms"`
	CrossingThreshold     int    `json:"crossing_threshold"`
	MinTimeBetweenChangesMs uint64 `json:"min_time_between_changes_ms"`
	CooldownMs            uint64 `json:"cooldown_ms"`
	StalenessBoundMs       uint64 `json:"staleness_bound_ms"`
	MaxPassMs              uint64 `json:"max_pass_ms"`
}

// defaultConfig returns the harness's built-in configuration, used when no
// setting.json is found or the configured path fails to parse — the
// reference harness must still be runnable with zero setup.
func defaultConfig() *projectConfig {
	return &projectConfig{
		Log: logConfig{Level: "info", Path: "stoq.log"},
		Falcon: falconConfig{Level: "preferred"},
		Policy: policyConfig{
			TokenEnabled:        true,
			MaxShardSize:        1200,
			ReassemblyTimeoutMs: 5000,
			MaxReassemblyBytes:  64 << 20,
		},
		Adaptive: adaptiveConfig{
			SampleIntervalMs:        1000,
			CrossingThreshold:       3,
			MinTimeBetweenChangesMs: 5000,
			CooldownMs:              2000,
			StalenessBoundMs:        10000,
			MaxPassMs:               500,
		},
	}
}

// GlobalCfg is the configuration effective for this process.
var GlobalCfg *projectConfig

func init() {
	path := os.Getenv("STOQ_CONFIG")
	if path == "" {
		path = "config/setting.json"
	}
	cfg, err := load(path)
	if err != nil {
		fmt.Printf("stoq: no usable config at %s (%s); using built-in defaults\n", path, err)
		cfg = defaultConfig()
	}
	GlobalCfg = cfg
}

// Reload loads and activates a new configuration from path, falling back
// to built-in defaults for any field the file leaves unset.
func Reload(path string) error {
	cfg, err := load(path)
	if err != nil {
		return err
	}
	GlobalCfg = cfg
	return nil
}

func load(path string) (*projectConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	if err := json.Unmarshal(buf, cfg); err != nil {
		return nil, err
	}
	if err := cfg.verify(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *projectConfig) verify() error {
	switch c.Falcon.Level {
	case "required", "preferred", "off":
	default:
		return fmt.Errorf("invalid falcon.level %q: must be required, preferred, or off", c.Falcon.Level)
	}
	if c.Policy.MaxShardSize == 0 {
		return fmt.Errorf("policy.max_shard_size must be nonzero")
	}
	return nil
}

// LogLevel returns the effective log level.
func LogLevel() string { return GlobalCfg.Log.Level }

// LogPath returns the effective log sink path.
func LogPath() string { return GlobalCfg.Log.Path }

// FalconLevelName returns the configured FALCON enforcement level string.
func FalconLevelName() string { return GlobalCfg.Falcon.Level }

// FalconKeyCachePath returns the configured FALCON key-cache path, or ""
// if keys should not be persisted across runs.
func FalconKeyCachePath() string { return GlobalCfg.Falcon.KeyCachePath }

// Policy returns the configured extension.Policy fields, still in their
// JSON-friendly (non-time.Duration) form; transport construction converts
// the millisecond fields to time.Duration.
func Policy() (tokenEnabled bool, maxShardSize, reassemblyTimeoutMs, maxReassemblyBytes uint64, isForwarder, falconSigningEnabled bool) {
	p := GlobalCfg.Policy
	return p.TokenEnabled, p.MaxShardSize, p.ReassemblyTimeoutMs, p.MaxReassemblyBytes, p.IsForwarder, p.FalconSigningEnabled
}

// Adaptive returns the configured adaptive.Config fields in millisecond form.
func Adaptive() (sampleIntervalMs uint64, crossingThreshold int, minTimeBetweenChangesMs, cooldownMs, stalenessBoundMs, maxPassMs uint64) {
	a := GlobalCfg.Adaptive
	return a.SampleIntervalMs, a.CrossingThreshold, a.MinTimeBetweenChangesMs, a.CooldownMs, a.StalenessBoundMs, a.MaxPassMs
}

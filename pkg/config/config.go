// Package config centralizes the engine/verifier's environment switches.
// Env vars are read only at this boundary; every other package takes an
// explicit Config value or constructor argument.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the engine's environment-tunable behavior. Zero value is
// the conservative default: no auto-approve, no return-value capture, a
// 2-second approval clock-skew grace window.
type Config struct {
	// LedgerPath overrides the default ledger file/database location.
	LedgerPath string `yaml:"ledger_path"`
	// PublicKeyPath points at the Ed25519 public key used by the
	// verifier to check entry signatures.
	PublicKeyPath string `yaml:"public_key_path"`
	// AllowAutoApprove lets a configured auto-approver satisfy
	// REQUIRE_APPROVAL without an external call. Demos only; never set
	// in a production deployment.
	AllowAutoApprove bool `yaml:"allow_auto_approve"`
	// CaptureReturnValues opts into storing a redacted snapshot of the
	// guarded call's return value on the outcome entry. Off by default:
	// return values are not known in advance to be safe to persist.
	CaptureReturnValues bool `yaml:"capture_return_values"`
	// ApprovalClockSkew is added to an approval's computed expiry
	// before the engine treats it as expired, absorbing clock drift
	// between the process writing the approval and the one resolving
	// it.
	ApprovalClockSkew time.Duration `yaml:"approval_clock_skew"`
}

// Default returns the conservative zero-value configuration with
// ApprovalClockSkew set to its documented default.
func Default() Config {
	return Config{ApprovalClockSkew: 2 * time.Second}
}

// Load reads a YAML config file at path, falling back to Default()
// values for any field the file doesn't set, then applies the
// SUDO_AGENT_* environment overrides below.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides layers the stable SUDO_AGENT_* environment switches
// over whatever Load read from disk. This is the one place the package
// touches os.Getenv.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SUDO_AGENT_LEDGER_PATH"); v != "" {
		cfg.LedgerPath = v
	}
	if v := os.Getenv("SUDO_AGENT_PUBLIC_KEY_PATH"); v != "" {
		cfg.PublicKeyPath = v
	}
	if v := os.Getenv("SUDO_AGENT_ALLOW_AUTO_APPROVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowAutoApprove = b
		}
	}
	if v := os.Getenv("SUDO_AGENT_CAPTURE_RETURN_VALUES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CaptureReturnValues = b
		}
	}
	if v := os.Getenv("SUDO_AGENT_APPROVAL_CLOCK_SKEW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ApprovalClockSkew = d
		}
	}
}

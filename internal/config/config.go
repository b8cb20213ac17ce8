// Package config loads the immutable process configuration from VMAGENT_*
// environment variables, optionally overlaid by a YAML policy file. The
// value is constructed once at startup and passed into every component;
// changing limits requires a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/edvin/agentvm/internal/safety"
)

type Config struct {
	// Backend
	BackendURL            string `validate:"required,url"`
	BackendTimeoutSeconds int    `validate:"gte=1,lte=300"`

	// Identity
	KeyPath       string `validate:"required"`
	SSHPubkeyPath string `validate:"required"`
	// HumanAddress is the delegated payer. Empty means the agent
	// self-funds from its own balance.
	HumanAddress string

	// Inventory
	LedgerPath string `validate:"required"`

	// Safety limits
	MaxConcurrent        int     `validate:"gte=1"`
	DefaultTTLHours      float64 `validate:"gt=0"`
	MaxTTLHours          float64 `validate:"gt=0,gtefield=DefaultTTLHours"`
	BalanceGuardFraction float64 `validate:"gte=0,lt=1"`
	CostThreshold        float64 `validate:"gte=0"`
	MaxSessionSpend      float64 `validate:"gte=0"`
	// CleanupExpired enables automatic teardown of expired-active records
	// found by reconciliation. Off by default: destructive action should
	// require an explicit call.
	CleanupExpired bool

	// Defaults
	DefaultOSImage string

	// Server
	HTTPListenAddr string
	LogLevel       string
	ServiceName    string
}

// policyFile is the YAML overlay for the safety limits, so operators can
// version policy separately from deployment env.
type policyFile struct {
	MaxConcurrent        *int     `yaml:"max_concurrent"`
	DefaultTTLHours      *float64 `yaml:"default_ttl_hours"`
	MaxTTLHours          *float64 `yaml:"max_ttl_hours"`
	BalanceGuardFraction *float64 `yaml:"balance_guard_fraction"`
	CostThreshold        *float64 `yaml:"cost_threshold"`
	MaxSessionSpend      *float64 `yaml:"max_session_spend"`
	CleanupExpired       *bool    `yaml:"cleanup_expired"`
}

// Load reads, overlays, expands, and validates the configuration.
func Load() (*Config, error) {
	home, _ := os.UserHomeDir()

	cfg := &Config{
		BackendURL:            getEnv("VMAGENT_BACKEND_URL", "https://api.aleph.cloud"),
		BackendTimeoutSeconds: getEnvInt("VMAGENT_BACKEND_TIMEOUT_SECONDS", 30),
		KeyPath:               getEnv("VMAGENT_KEY_PATH", filepath.Join(home, ".agentvm", "agent.key")),
		SSHPubkeyPath:         getEnv("VMAGENT_SSH_PUBKEY_PATH", filepath.Join(home, ".ssh", "id_ed25519.pub")),
		HumanAddress:          getEnv("VMAGENT_HUMAN_ADDRESS", ""),
		LedgerPath:            getEnv("VMAGENT_LEDGER_PATH", filepath.Join(home, ".agentvm", "ledger.json")),
		MaxConcurrent:         getEnvInt("VMAGENT_MAX_CONCURRENT", 3),
		DefaultTTLHours:       getEnvFloat("VMAGENT_DEFAULT_TTL_HOURS", 4),
		MaxTTLHours:           getEnvFloat("VMAGENT_MAX_TTL_HOURS", 24),
		BalanceGuardFraction:  getEnvFloat("VMAGENT_BALANCE_GUARD_FRACTION", 0.2),
		CostThreshold:         getEnvFloat("VMAGENT_COST_THRESHOLD", 10),
		MaxSessionSpend:       getEnvFloat("VMAGENT_MAX_SESSION_SPEND", 0),
		CleanupExpired:        getEnvBool("VMAGENT_CLEANUP_EXPIRED", false),
		DefaultOSImage:        getEnv("VMAGENT_DEFAULT_OS_IMAGE", "ubuntu22"),
		HTTPListenAddr:        getEnv("VMAGENT_LISTEN_ADDR", ":8090"),
		LogLevel:              getEnv("VMAGENT_LOG_LEVEL", "info"),
		ServiceName:           getEnv("VMAGENT_SERVICE_NAME", "agentvm"),
	}

	if policyPath := getEnv("VMAGENT_POLICY_FILE", ""); policyPath != "" {
		if err := cfg.applyPolicyFile(policyPath); err != nil {
			return nil, err
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file %s: %w", path, err)
	}
	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}

	if p.MaxConcurrent != nil {
		c.MaxConcurrent = *p.MaxConcurrent
	}
	if p.DefaultTTLHours != nil {
		c.DefaultTTLHours = *p.DefaultTTLHours
	}
	if p.MaxTTLHours != nil {
		c.MaxTTLHours = *p.MaxTTLHours
	}
	if p.BalanceGuardFraction != nil {
		c.BalanceGuardFraction = *p.BalanceGuardFraction
	}
	if p.CostThreshold != nil {
		c.CostThreshold = *p.CostThreshold
	}
	if p.MaxSessionSpend != nil {
		c.MaxSessionSpend = *p.MaxSessionSpend
	}
	if p.CleanupExpired != nil {
		c.CleanupExpired = *p.CleanupExpired
	}
	return nil
}

// Limits projects the safety-relevant slice of the config.
func (c *Config) Limits() safety.Limits {
	return safety.Limits{
		MaxConcurrent:        c.MaxConcurrent,
		DefaultTTLHours:      c.DefaultTTLHours,
		MaxTTLHours:          c.MaxTTLHours,
		BalanceGuardFraction: c.BalanceGuardFraction,
		CostThreshold:        c.CostThreshold,
		MaxSessionSpend:      c.MaxSessionSpend,
	}
}

// SSHPubKey reads and validates the public key injected into created
// instances.
func (c *Config) SSHPubKey() (string, error) {
	data, err := os.ReadFile(c.SSHPubkeyPath)
	if err != nil {
		return "", fmt.Errorf("read ssh pubkey %s: %w", c.SSHPubkeyPath, err)
	}
	key := strings.TrimSpace(string(data))
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return "", fmt.Errorf("parse ssh pubkey %s: %w", c.SSHPubkeyPath, err)
	}
	return key, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

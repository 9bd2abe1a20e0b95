package ccrelay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level dispatcher configuration.
type Config struct {
	Accounts       []AccountConfig   `yaml:"accounts"`
	Endpoints      []string          `yaml:"endpoints"`
	FallbackModels map[string]string `yaml:"fallback_models"`
	Tunables       TunableConfig     `yaml:"tunables"`
}

// AccountConfig configures a single upstream account.
type AccountConfig struct {
	Email      string `yaml:"email"`
	Enabled    bool   `yaml:"enabled"`
	AuthRef    string `yaml:"auth_ref"`
}

// TunableConfig overrides the spec's default constants (§6). A zero
// value for any field means "use the built-in default".
type TunableConfig struct {
	MaxRetries              int   `yaml:"max_retries"`
	MaxEmptyResponseRetries int   `yaml:"max_empty_response_retries"`
	MaxWaitBeforeErrorMs    int64 `yaml:"max_wait_before_error_ms"`
	DefaultCooldownMs       int64 `yaml:"default_cooldown_ms"`
	RateLimitDedupWindowMs  int64 `yaml:"rate_limit_dedup_window_ms"`
	MaxConsecutiveFailures  int   `yaml:"max_consecutive_failures"`
	ExtendedCooldownMs      int64 `yaml:"extended_cooldown_ms"`
	CapacityRetryDelayMs    int64 `yaml:"capacity_retry_delay_ms"`
	MaxCapacityRetries      int   `yaml:"max_capacity_retries"`
}

// LoadConfig reads and parses a YAML config file. Environment
// variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("ccrelay: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("ccrelay: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("ccrelay: config: at least one account is required")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("ccrelay: config: at least one endpoint is required")
	}

	emails := make(map[string]bool, len(c.Accounts))
	for i, acc := range c.Accounts {
		if acc.Email == "" {
			return fmt.Errorf("ccrelay: config: accounts[%d]: email is required", i)
		}
		if emails[acc.Email] {
			return fmt.Errorf("ccrelay: config: duplicate account email %q", acc.Email)
		}
		emails[acc.Email] = true
	}

	for requested, fallback := range c.FallbackModels {
		if fallback == requested {
			return fmt.Errorf("ccrelay: config: fallback_models: %q maps to itself", requested)
		}
	}

	return nil
}

// ToAccounts converts the config's account list into Account records
// suitable for seeding an AccountStore.
func (c Config) ToAccounts() []*Account {
	out := make([]*Account, 0, len(c.Accounts))
	for _, ac := range c.Accounts {
		out = append(out, &Account{
			Email:           ac.Email,
			Enabled:         ac.Enabled,
			ModelRateLimits: make(map[string]RateLimitEntry),
			Quota:           AccountQuota{Models: make(map[string]ModelQuota)},
		})
	}
	return out
}

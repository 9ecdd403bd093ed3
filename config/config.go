package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// IdentityConfig controls session token validation.
type IdentityConfig struct {
	JWTSecret string `toml:"JWTSecret"`
	Issuer    string `toml:"Issuer"`
	ClockSkew string `toml:"ClockSkew"`
}

// DatabaseConfig selects the journal backend.
type DatabaseConfig struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Config captures runtime configuration for the escrow daemon.
type Config struct {
	ListenAddress     string         `toml:"ListenAddress"`
	Environment       string         `toml:"Environment"`
	FeeBps            uint32         `toml:"FeeBps"`
	PlatformAccount   string         `toml:"PlatformAccount"`
	SweepInterval     string         `toml:"SweepInterval"`
	RequestsPerMinute int            `toml:"RequestsPerMinute"`
	SeedFile          string         `toml:"SeedFile"`
	Identity          IdentityConfig `toml:"Identity"`
	Database          DatabaseConfig `toml:"Database"`
}

// Load reads the configuration from the given path, applying defaults for
// unset fields. A missing file yields the defaults. The JWT secret may be
// supplied via ESCROWD_JWT_SECRET instead of the file.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:     ":8545",
		Environment:       "dev",
		FeeBps:            250,
		PlatformAccount:   "platform",
		SweepInterval:     "1m",
		RequestsPerMinute: 600,
		Database:          DatabaseConfig{Driver: "sqlite", DSN: "escrowd.db"},
		Identity:          IdentityConfig{Issuer: "escrowd"},
	}
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if secret := strings.TrimSpace(os.Getenv("ESCROWD_JWT_SECRET")); secret != "" {
		cfg.Identity.JWTSecret = secret
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if c.FeeBps > 10_000 {
		return fmt.Errorf("config: FeeBps out of range: %d", c.FeeBps)
	}
	if strings.TrimSpace(c.PlatformAccount) == "" {
		return fmt.Errorf("config: PlatformAccount required")
	}
	if _, err := c.SweepEvery(); err != nil {
		return err
	}
	if _, err := c.IdentityClockSkew(); err != nil {
		return err
	}
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("config: RequestsPerMinute must be positive")
	}
	return nil
}

// SweepEvery parses the sweep interval.
func (c *Config) SweepEvery() (time.Duration, error) {
	dur, err := time.ParseDuration(strings.TrimSpace(c.SweepInterval))
	if err != nil {
		return 0, fmt.Errorf("config: parse SweepInterval: %w", err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("config: SweepInterval must be positive")
	}
	return dur, nil
}

// IdentityClockSkew parses the token validation leeway, defaulting to two
// minutes when unset.
func (c *Config) IdentityClockSkew() (time.Duration, error) {
	raw := strings.TrimSpace(c.Identity.ClockSkew)
	if raw == "" {
		return 2 * time.Minute, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: parse Identity.ClockSkew: %w", err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("config: Identity.ClockSkew must be positive")
	}
	return dur, nil
}

// SeedAccount is a development fixture crediting a principal's available
// balance at startup.
type SeedAccount struct {
	Principal string `yaml:"principal"`
	Available string `yaml:"available"`
}

type seedFile struct {
	Accounts []SeedAccount `yaml:"accounts"`
}

// LoadSeed reads the YAML seed fixture. Amounts are decimal strings in the
// smallest unit of account.
func LoadSeed(path string) ([]SeedAccount, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed seedFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("config: parse seed %s: %w", path, err)
	}
	for _, acct := range parsed.Accounts {
		if strings.TrimSpace(acct.Principal) == "" {
			return nil, fmt.Errorf("config: seed account without principal")
		}
		if _, ok := new(big.Int).SetString(strings.TrimSpace(acct.Available), 10); !ok {
			return nil, fmt.Errorf("config: invalid seed amount %q for %s", acct.Available, acct.Principal)
		}
	}
	return parsed.Accounts, nil
}

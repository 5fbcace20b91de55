package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"tradeescrow/native/escrow"
	"tradeescrow/state"
)

// Config carries the deployment-time policy of the escrow engine: the
// designated oracle, the treasury fee, the release policy and the accounts
// seeded into the admin, pauser and arbitrator roles.
type Config struct {
	DataDir       string   `toml:"DataDir"`
	Oracle        string   `toml:"Oracle"`
	FeeTreasury   string   `toml:"FeeTreasury"`
	FeeBps        uint32   `toml:"FeeBps"`
	ReleasePolicy string   `toml:"ReleasePolicy"`
	Admins        []string `toml:"Admins"`
	Pausers       []string `toml:"Pausers"`
	Arbitrators   []string `toml:"Arbitrators"`
	StartPaused   bool     `toml:"StartPaused"`
}

// Load loads and validates the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s contains unknown field %s", path, undecoded[0].String())
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrow-data"
	}
	if cfg.Admins == nil {
		cfg.Admins = []string{}
	}
	if cfg.Pausers == nil {
		cfg.Pausers = []string{}
	}
	if cfg.Arbitrators == nil {
		cfg.Arbitrators = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks address formats, the fee range and the release policy.
func (c *Config) Validate() error {
	if c.FeeBps > 10_000 {
		return fmt.Errorf("config: FeeBps out of range: %d", c.FeeBps)
	}
	if _, err := escrow.ParseReleasePolicy(c.ReleasePolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if strings.TrimSpace(c.Oracle) != "" {
		if _, err := ParseAddress(c.Oracle); err != nil {
			return fmt.Errorf("config: Oracle: %w", err)
		}
	}
	if strings.TrimSpace(c.FeeTreasury) != "" {
		if _, err := ParseAddress(c.FeeTreasury); err != nil {
			return fmt.Errorf("config: FeeTreasury: %w", err)
		}
	}
	if c.FeeBps > 0 && strings.TrimSpace(c.FeeTreasury) == "" {
		return fmt.Errorf("config: FeeBps requires a FeeTreasury")
	}
	for _, group := range [][]string{c.Admins, c.Pausers, c.Arbitrators} {
		for _, raw := range group {
			if _, err := ParseAddress(raw); err != nil {
				return fmt.Errorf("config: %w", err)
			}
		}
	}
	return nil
}

// Apply wires the configured policy onto an engine and seeds the role
// memberships and the initial pause flag through the state manager.
func (c *Config) Apply(eng *escrow.Engine, mgr *state.Manager) error {
	if eng == nil || mgr == nil {
		return fmt.Errorf("config: engine and state manager are required")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	policy, err := escrow.ParseReleasePolicy(c.ReleasePolicy)
	if err != nil {
		return err
	}
	if err := eng.SetReleasePolicy(policy); err != nil {
		return err
	}
	if err := eng.SetFeeBps(c.FeeBps); err != nil {
		return err
	}
	if strings.TrimSpace(c.Oracle) != "" {
		oracle, err := ParseAddress(c.Oracle)
		if err != nil {
			return err
		}
		eng.SetOracle(oracle)
	}
	if strings.TrimSpace(c.FeeTreasury) != "" {
		treasury, err := ParseAddress(c.FeeTreasury)
		if err != nil {
			return err
		}
		eng.SetFeeTreasury(treasury)
	}
	seeds := []struct {
		role     string
		accounts []string
	}{
		{escrow.RoleAdmin, c.Admins},
		{escrow.RolePauser, c.Pausers},
		{escrow.RoleArbitrator, c.Arbitrators},
	}
	for _, seed := range seeds {
		for _, raw := range seed.accounts {
			addr, err := ParseAddress(raw)
			if err != nil {
				return err
			}
			if err := eng.BootstrapRole(seed.role, addr); err != nil {
				return err
			}
		}
	}
	if c.StartPaused {
		if err := mgr.SetPaused(escrow.ModuleName, true); err != nil {
			return err
		}
	}
	return nil
}

// ParseAddress decodes a 20-byte hex account identifier, with or without a
// 0x prefix.
func ParseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid account address %q", raw)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("account address %q must be %d bytes", raw, len(addr))
	}
	copy(addr[:], decoded)
	if addr == ([20]byte{}) {
		return addr, fmt.Errorf("account address must not be zero")
	}
	return addr, nil
}

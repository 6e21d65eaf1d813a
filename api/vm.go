// Package api holds the protocol parameters of the qi ledger. Every constant
// that shapes metering, settlement or scheduling lives here so it can be tuned
// per network instead of being compiled in.
package api

import (
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/govm-net/qi/core"
)

// RegenConfig parameterizes the regenerating resource bar of accounts.
type RegenConfig struct {
	// MaxCapacity caps the bar. Zero lets the bar follow the account's
	// effective qi.
	MaxCapacity uint64 `yaml:"max_capacity"`
	// RegenWindow is the number of seconds needed to refill an empty bar.
	RegenWindow uint64 `yaml:"regen_window"`
}

// Config defines the tunable protocol parameters.
type Config struct {
	// ScaleFactor converts held qi into execution budget: budget = qi / scale.
	ScaleFactor uint64 `yaml:"scale_factor"`

	// TreasuryPercent is the share of spent qi routed to the treasury.
	TreasuryPercent uint64 `yaml:"treasury_percent"`

	// BaseOverheadPoints is the flat number of points charged per call.
	BaseOverheadPoints uint64 `yaml:"base_overhead_points"`

	// APICallPoints is charged for each helper call a script makes.
	APICallPoints uint64 `yaml:"api_call_points"`

	// TickPeriod is the number of blocks between two heartbeats of an entity.
	TickPeriod uint64 `yaml:"tick_period"`

	// MaxArgs caps the number of arguments of a single call.
	MaxArgs int `yaml:"max_args"`

	// MaxSupply bounds every qi amount on the ledger.
	MaxSupply uint64 `yaml:"max_supply"`

	SystemAccount    core.AccountName  `yaml:"system_account"`
	TreasuryAccount  core.AccountName  `yaml:"treasury_account"`
	DenylistContract core.ContractName `yaml:"denylist_contract"`

	Regen RegenConfig `yaml:"regen"`
}

// DefaultConfig returns the default protocol parameters
func DefaultConfig() Config {
	return Config{
		ScaleFactor:        10,
		TreasuryPercent:    20,
		BaseOverheadPoints: 50,
		APICallPoints:      1,
		TickPeriod:         20,
		MaxArgs:            20,
		MaxSupply:          1_000_000_000_000_000,
		SystemAccount:      "qi.system",
		TreasuryAccount:    "qi.treasury",
		DenylistContract:   "qi.denylist",
		Regen: RegenConfig{
			MaxCapacity: 0,
			RegenWindow: 5 * 24 * 3600,
		},
	}
}

// Validate reports every inconsistent parameter at once.
func (c Config) Validate() error {
	var result *multierror.Error
	if c.ScaleFactor == 0 {
		result = multierror.Append(result, errors.New("scale_factor must be positive"))
	}
	if c.TreasuryPercent > 100 {
		result = multierror.Append(result, fmt.Errorf("treasury_percent %d exceeds 100", c.TreasuryPercent))
	}
	if c.TickPeriod == 0 {
		result = multierror.Append(result, errors.New("tick_period must be positive"))
	}
	if c.MaxArgs <= 0 {
		result = multierror.Append(result, fmt.Errorf("invalid max_args: %d", c.MaxArgs))
	}
	if c.MaxSupply == 0 {
		result = multierror.Append(result, errors.New("max_supply must be positive"))
	}
	if c.SystemAccount == "" {
		result = multierror.Append(result, errors.New("system_account is empty"))
	}
	if c.TreasuryAccount == "" {
		result = multierror.Append(result, errors.New("treasury_account is empty"))
	}
	if c.SystemAccount != "" && c.SystemAccount == c.TreasuryAccount {
		result = multierror.Append(result, errors.New("system and treasury accounts must differ"))
	}
	if c.Regen.MaxCapacity > c.MaxSupply {
		result = multierror.Append(result, fmt.Errorf("regen.max_capacity %d exceeds max_supply", c.Regen.MaxCapacity))
	}
	return result.ErrorOrNil()
}

// LoadConfig reads a YAML file on top of the defaults, so a file only needs
// to name the parameters it overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

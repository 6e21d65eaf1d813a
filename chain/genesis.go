package chain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/resource"
	"github.com/govm-net/qi/types"
)

// GenesisAccount is an account created with the chain.
type GenesisAccount struct {
	Name      core.AccountName `yaml:"name"`
	PublicKey core.PublicKey   `yaml:"public_key"`
	Qi        uint64           `yaml:"qi"`
}

// Genesis is the initial state of a chain.
type Genesis struct {
	Time     uint64           `yaml:"time"`
	Accounts []GenesisAccount `yaml:"accounts"`
	Zones    []types.Zone     `yaml:"zones"`
	Rules    []types.ZoneRule `yaml:"zone_rules"`
}

// LoadGenesis reads a YAML genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g Genesis
	if err := yaml.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &g, nil
}

// InitGenesis writes the genesis state into an empty ledger. The system and
// treasury accounts are always created.
func (l *Ledger) InitGenesis(g *Genesis) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head.Block != 0 {
		return fmt.Errorf("ledger already at block %d", l.head.Block)
	}

	accounts := append([]GenesisAccount{
		{Name: l.cfg.SystemAccount},
		{Name: l.cfg.TreasuryAccount},
	}, g.Accounts...)
	var supply uint64
	for _, a := range accounts {
		supply = resource.AddSat(supply, a.Qi)
	}
	if supply > l.cfg.MaxSupply {
		return fmt.Errorf("genesis supply %d exceeds max_supply %d", supply, l.cfg.MaxSupply)
	}

	scope, err := l.store.Begin()
	if err != nil {
		return err
	}
	if err := l.writeGenesis(g, accounts); err != nil {
		if derr := scope.Discard(); derr != nil {
			l.logger.Error("failed to discard genesis scope", "error", derr)
		}
		return err
	}
	if err := scope.Squash(); err != nil {
		return err
	}
	l.head = types.Head{Time: g.Time}
	l.logger.Info("Genesis initialized", "accounts", len(accounts), "supply", supply)
	return nil
}

func (l *Ledger) writeGenesis(g *Genesis, accounts []GenesisAccount) error {
	for _, a := range accounts {
		acct := &types.Account{
			Name:      a.Name,
			PublicKey: a.PublicKey,
			Qi:        a.Qi,
			// the bar starts full
			Bar: resource.Bar{Current: a.Qi, LastUpdate: g.Time},
		}
		if err := l.store.CreateAccount(acct); err != nil {
			return err
		}
	}
	for i := range g.Zones {
		if err := l.store.PutZone(&g.Zones[i]); err != nil {
			return err
		}
	}
	for _, r := range g.Rules {
		if err := l.store.PutZoneRule(r); err != nil {
			return err
		}
	}
	return l.store.PutHead(types.Head{Time: g.Time})
}

package security

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/types"
)

// maxZoneDepth bounds the parent chain walked for a zone rule.
const maxZoneDepth = 16

// CheckAuthority verifies the signer set of an operation against a contract's
// authority key. The system account and operations with validation disabled
// are exempt.
func CheckAuthority(system core.AccountName, caller string, c *types.Contract, signers core.KeySet, skipValidation bool) error {
	if caller == string(system) || !c.RequireAuth || skipValidation {
		return nil
	}
	if c.AuthorityKey == "" || !signers.Has(c.AuthorityKey) {
		return core.Errorf(core.KindAuthorization, "authority", "%w: %s requires a signature from %s",
			core.ErrUnauthorized, c.Name, c.AuthorityKey)
	}
	return nil
}

// Reader is the part of the ledger the permission checker reads.
type Reader interface {
	DataGet(k types.DataKey, field string) ([]byte, bool, error)
	Zone(name string) (*types.Zone, error)
	ZoneRule(zone string, contract core.ContractName) (types.ZoneRule, bool, error)
}

// Permissions decides whether a contract may be called at all.
type Permissions struct {
	store    Reader
	denylist core.ContractName
}

// NewPermissions creates a checker reading the denylist from the public data
// of the denylist contract.
func NewPermissions(store Reader, denylist core.ContractName) *Permissions {
	return &Permissions{store: store, denylist: denylist}
}

// Allowed returns nil if contract may be called from zone. An empty zone
// skips the zone table.
func (p *Permissions) Allowed(contract core.ContractName, zone string) error {
	name := core.CanonicalName(contract)
	denied, err := p.denylisted(name)
	if err != nil {
		return core.Wrap(core.KindInternal, "permission", err)
	}
	if denied {
		return core.Errorf(core.KindAuthorization, "permission", "%w: %s is denylisted", core.ErrDenied, contract)
	}
	if zone == "" {
		return nil
	}
	allow, err := p.zoneAllows(zone, name)
	if err != nil {
		return core.Wrap(core.KindInternal, "permission", err)
	}
	if !allow {
		return core.Errorf(core.KindAuthorization, "permission", "%w: %s not allowed in zone %s", core.ErrDenied, contract, zone)
	}
	return nil
}

func (p *Permissions) denylisted(name core.ContractName) (bool, error) {
	if p.denylist == "" {
		return false, nil
	}
	raw, ok, err := p.store.DataGet(types.DataKey{Contract: p.denylist}, string(name))
	if err != nil || !ok {
		return false, err
	}
	var flag bool
	if err := json.Unmarshal(raw, &flag); err != nil {
		// any non-boolean entry counts as a listing
		return true, nil
	}
	return flag, nil
}

// zoneAllows walks from zone up through its parents. A rule found higher up
// overrides the ones below it; with no rule anywhere the call is allowed.
func (p *Permissions) zoneAllows(zone string, name core.ContractName) (bool, error) {
	allow := true
	seen := make(map[string]struct{})
	for cur := zone; cur != ""; {
		if _, loop := seen[cur]; loop || len(seen) >= maxZoneDepth {
			return false, fmt.Errorf("zone %s: parent chain too deep or cyclic", zone)
		}
		seen[cur] = struct{}{}

		rule, found, err := p.store.ZoneRule(cur, name)
		if err != nil {
			return false, err
		}
		if found {
			allow = rule.Allow
		}

		z, err := p.store.Zone(cur)
		if errors.Is(err, core.ErrNotFound) {
			break
		}
		if err != nil {
			return false, err
		}
		cur = z.Parent
	}
	return allow, nil
}

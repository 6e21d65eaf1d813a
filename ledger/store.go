package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/types"
)

// Store gives typed, copy-on-write access to ledger objects. Getters return
// copies; the only way to change an object is Create or Modify.
type Store struct {
	kv Backend
}

// NewStore wraps a backend.
func NewStore(kv Backend) *Store {
	return &Store{kv: kv}
}

// Backend returns the underlying key/value backend.
func (s *Store) Backend() Backend {
	return s.kv
}

// Begin opens a revertible scope.
func (s *Store) Begin() (Scope, error) {
	return s.kv.Begin()
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.kv.Close()
}

func (s *Store) load(key string, v any) error {
	data, ok, err := s.kv.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func (s *Store) store(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Put(key, data)
}

func (s *Store) exists(key string) (bool, error) {
	_, ok, err := s.kv.Get(key)
	return ok, err
}

// Accounts

func accountKey(name core.AccountName) string {
	return makeKey(prefixAccount, string(name))
}

// Account loads an account.
func (s *Store) Account(name core.AccountName) (*types.Account, error) {
	var a types.Account
	if err := s.load(accountKey(name), &a); err != nil {
		return nil, fmt.Errorf("account %s: %w", name, err)
	}
	return &a, nil
}

// CreateAccount stores a new account.
func (s *Store) CreateAccount(a *types.Account) error {
	key := accountKey(a.Name)
	if ok, err := s.exists(key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("account %s already exists", a.Name)
	}
	return s.store(key, a)
}

// ModifyAccount applies mutator to a copy of the account and stores the
// copy only if mutator succeeds.
func (s *Store) ModifyAccount(name core.AccountName, mutator func(*types.Account) error) error {
	a, err := s.Account(name)
	if err != nil {
		return err
	}
	if err := mutator(a); err != nil {
		return err
	}
	a.Name = name
	return s.store(accountKey(name), a)
}

// Entities

func entityKey(id core.EntityID) string {
	return makeKey(prefixEntity, uintKey(uint64(id)))
}

// Entity loads an entity.
func (s *Store) Entity(id core.EntityID) (*types.Entity, error) {
	var e types.Entity
	if err := s.load(entityKey(id), &e); err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	return &e, nil
}

// CreateEntity stores a new entity, assigning the next free ID.
func (s *Store) CreateEntity(e *types.Entity) (core.EntityID, error) {
	var next uint64 = 1
	data, ok, err := s.kv.Get(keyNextEntity)
	if err != nil {
		return 0, err
	}
	if ok {
		if next, err = strconv.ParseUint(string(data), 10, 64); err != nil {
			return 0, fmt.Errorf("corrupt entity counter: %w", err)
		}
	}
	if err := s.kv.Put(keyNextEntity, []byte(strconv.FormatUint(next+1, 10))); err != nil {
		return 0, err
	}
	e.ID = core.EntityID(next)
	if err := s.store(entityKey(e.ID), e); err != nil {
		return 0, err
	}
	return e.ID, nil
}

// ModifyEntity applies mutator to a copy of the entity.
func (s *Store) ModifyEntity(id core.EntityID, mutator func(*types.Entity) error) error {
	e, err := s.Entity(id)
	if err != nil {
		return err
	}
	if err := mutator(e); err != nil {
		return err
	}
	e.ID = id
	return s.store(entityKey(id), e)
}

// RemoveEntity deletes an entity.
func (s *Store) RemoveEntity(id core.EntityID) error {
	return s.kv.Delete(entityKey(id))
}

// DueEntities returns up to limit heartbeat entities whose NextTickTime is at
// or before now, ordered by (NextTickTime, ID).
func (s *Store) DueEntities(now uint64, limit int) ([]*types.Entity, error) {
	var due []*types.Entity
	err := s.kv.Scan(prefixEntity+sep, func(_ string, value []byte) error {
		var e types.Entity
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		if e.Active() && e.NextTickTime <= now {
			due = append(due, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextTickTime != due[j].NextTickTime {
			return due[i].NextTickTime < due[j].NextTickTime
		}
		return due[i].ID < due[j].ID
	})
	if limit >= 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ActiveEntityCount counts entities taking part in the heartbeat schedule.
func (s *Store) ActiveEntityCount() (int, error) {
	n := 0
	err := s.kv.Scan(prefixEntity+sep, func(_ string, value []byte) error {
		var e types.Entity
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		if e.Active() {
			n++
		}
		return nil
	})
	return n, err
}

// Contracts

func contractKey(name core.ContractName) string {
	return makeKey(prefixContract, string(core.CanonicalName(name)))
}

func revisionKey(name core.ContractName, rev uint64) string {
	return makeKey(prefixRevision, string(core.CanonicalName(name)), uintKey(rev))
}

// Contract loads a contract.
func (s *Store) Contract(name core.ContractName) (*types.Contract, error) {
	var c types.Contract
	if err := s.load(contractKey(name), &c); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", name, core.ErrContractNotFound)
		}
		return nil, fmt.Errorf("contract %s: %w", name, err)
	}
	return &c, nil
}

// CreateContract stores a new contract.
func (s *Store) CreateContract(c *types.Contract) error {
	key := contractKey(c.Name)
	if ok, err := s.exists(key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("contract %s already exists", c.Name)
	}
	return s.store(key, c)
}

// ModifyContract applies mutator to a copy of the contract.
func (s *Store) ModifyContract(name core.ContractName, mutator func(*types.Contract) error) error {
	c, err := s.Contract(name)
	if err != nil {
		return err
	}
	if err := mutator(c); err != nil {
		return err
	}
	return s.store(contractKey(name), c)
}

// AddRevision records a superseded contract version.
func (s *Store) AddRevision(r types.ContractRevision) error {
	return s.store(revisionKey(r.Name, r.Revision), r)
}

// Revisions lists the superseded versions of a contract, oldest first.
func (s *Store) Revisions(name core.ContractName) ([]types.ContractRevision, error) {
	var out []types.ContractRevision
	prefix := makeKey(prefixRevision, string(core.CanonicalName(name))) + sep
	err := s.kv.Scan(prefix, func(_ string, value []byte) error {
		var r types.ContractRevision
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Data cells

func cellKey(k types.CellKey, field string) string {
	return makeKey(prefixCell, string(core.CanonicalName(k.Contract)), k.Caller, field)
}

func dataKey(k types.DataKey, field string) string {
	return makeKey(prefixData, string(core.CanonicalName(k.Contract)), uintKey(uint64(k.Entity)), field)
}

// CellGet reads a field of a private data cell.
func (s *Store) CellGet(k types.CellKey, field string) ([]byte, bool, error) {
	return s.kv.Get(cellKey(k, field))
}

// CellSet writes a field of a private data cell; a nil value deletes it.
func (s *Store) CellSet(k types.CellKey, field string, value []byte) error {
	if value == nil {
		return s.kv.Delete(cellKey(k, field))
	}
	return s.kv.Put(cellKey(k, field), value)
}

// DataGet reads a field of contract-owned public data.
func (s *Store) DataGet(k types.DataKey, field string) ([]byte, bool, error) {
	return s.kv.Get(dataKey(k, field))
}

// DataSet writes a field of contract-owned public data; a nil value deletes
// it.
func (s *Store) DataSet(k types.DataKey, field string, value []byte) error {
	if value == nil {
		return s.kv.Delete(dataKey(k, field))
	}
	return s.kv.Put(dataKey(k, field), value)
}

// Zones

func zoneKey(name string) string {
	return makeKey(prefixZone, name)
}

func zoneRuleKey(zone string, contract core.ContractName) string {
	return makeKey(prefixZoneRule, zone, string(core.CanonicalName(contract)))
}

// Zone loads a zone.
func (s *Store) Zone(name string) (*types.Zone, error) {
	var z types.Zone
	if err := s.load(zoneKey(name), &z); err != nil {
		return nil, fmt.Errorf("zone %s: %w", name, err)
	}
	return &z, nil
}

// PutZone creates or replaces a zone.
func (s *Store) PutZone(z *types.Zone) error {
	return s.store(zoneKey(z.Name), z)
}

// ZoneRule looks up the rule a zone has for a contract.
func (s *Store) ZoneRule(zone string, contract core.ContractName) (types.ZoneRule, bool, error) {
	var r types.ZoneRule
	err := s.load(zoneRuleKey(zone, contract), &r)
	if errors.Is(err, core.ErrNotFound) {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	return r, true, nil
}

// PutZoneRule creates or replaces a zone rule.
func (s *Store) PutZoneRule(r types.ZoneRule) error {
	return s.store(zoneRuleKey(r.Zone, r.Contract), r)
}

// Head returns the last produced block, or the zero head of a fresh ledger.
func (s *Store) Head() (types.Head, error) {
	var h types.Head
	err := s.load(keyHead, &h)
	if errors.Is(err, core.ErrNotFound) {
		return types.Head{}, nil
	}
	return h, err
}

// PutHead records the last produced block.
func (s *Store) PutHead(h types.Head) error {
	return s.store(keyHead, h)
}

// ForEachAccount calls fn for every account in name order.
func (s *Store) ForEachAccount(fn func(*types.Account) error) error {
	return s.kv.Scan(prefixAccount+sep, func(_ string, value []byte) error {
		var a types.Account
		if err := json.Unmarshal(value, &a); err != nil {
			return err
		}
		return fn(&a)
	})
}

// ForEachEntity calls fn for every entity in ID order.
func (s *Store) ForEachEntity(fn func(*types.Entity) error) error {
	return s.kv.Scan(prefixEntity+sep, func(_ string, value []byte) error {
		var e types.Entity
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		return fn(&e)
	})
}

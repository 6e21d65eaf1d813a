package vm

import (
	"fmt"

	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/ledger"
	"github.com/govm-net/qi/meter"
	"github.com/govm-net/qi/resource"
	"github.com/govm-net/qi/types"
)

// CallerKind names the variant of a Caller.
type CallerKind string

const (
	KindAccount CallerKind = "account"
	KindEntity  CallerKind = "entity"
	KindActor   CallerKind = "actor"
)

// Funds gives a caller what it needs to read and debit its balance.
type Funds struct {
	Store *ledger.Store
	// Now is the block time in seconds, used to regenerate account bars.
	Now   uint64
	Regen resource.Params
}

// Caller is the side of an invocation that pays for it. The set of variants
// is closed: AccountCaller, EntityCaller and ActorCaller.
type Caller interface {
	Identity() string
	Kind() CallerKind
	// Balance is the qi the caller can spend right now.
	Balance(f Funds) (uint64, error)
	// Debit removes amount from the caller, failing without change when the
	// caller cannot cover it.
	Debit(f Funds, amount uint64) error
	isCaller()
}

// AccountCaller is a plain account.
type AccountCaller struct {
	Name core.AccountName
}

// EntityCaller is an autonomous ledger entity.
type EntityCaller struct {
	ID core.EntityID
}

// ActorCaller is an entity flagged as an actor.
type ActorCaller struct {
	ID core.EntityID
}

func (AccountCaller) isCaller() {}
func (EntityCaller) isCaller()  {}
func (ActorCaller) isCaller()   {}

func (c AccountCaller) Identity() string { return string(c.Name) }
func (c EntityCaller) Identity() string  { return c.ID.String() }
func (c ActorCaller) Identity() string   { return fmt.Sprintf("actor#%d", uint64(c.ID)) }

func (AccountCaller) Kind() CallerKind { return KindAccount }
func (EntityCaller) Kind() CallerKind  { return KindEntity }
func (ActorCaller) Kind() CallerKind   { return KindActor }

func barParams(a *types.Account, regen resource.Params) resource.Params {
	capacity := a.EffectiveQi()
	if regen.MaxCapacity > 0 && regen.MaxCapacity < capacity {
		capacity = regen.MaxCapacity
	}
	return resource.Params{MaxCapacity: capacity, RegenWindow: regen.RegenWindow}
}

// Balance is the smaller of the account's qi and its regenerated bar.
func (c AccountCaller) Balance(f Funds) (uint64, error) {
	a, err := f.Store.Account(c.Name)
	if err != nil {
		return 0, core.Wrap(core.KindNotFound, "balance", err)
	}
	bar := a.Bar
	if err := bar.Regenerate(f.Now, barParams(a, f.Regen)); err != nil {
		return 0, core.Wrap(core.KindInternal, "balance", err)
	}
	return min(a.Qi, bar.Current), nil
}

func (c AccountCaller) Debit(f Funds, amount uint64) error {
	return f.Store.ModifyAccount(c.Name, func(a *types.Account) error {
		if err := a.Bar.Regenerate(f.Now, barParams(a, f.Regen)); err != nil {
			return core.Wrap(core.KindInternal, "debit", err)
		}
		if a.Qi < amount {
			return fundingError(c, a.Qi, amount)
		}
		if err := a.Bar.Use(amount, 0); err != nil {
			return fundingError(c, a.Bar.Current, amount)
		}
		a.Qi -= amount
		return nil
	})
}

func (c EntityCaller) Balance(f Funds) (uint64, error) {
	return entityBalance(f, c.ID, false)
}

func (c EntityCaller) Debit(f Funds, amount uint64) error {
	return entityDebit(f, c, c.ID, false, amount)
}

func (c ActorCaller) Balance(f Funds) (uint64, error) {
	return entityBalance(f, c.ID, true)
}

func (c ActorCaller) Debit(f Funds, amount uint64) error {
	return entityDebit(f, c, c.ID, true, amount)
}

func entityBalance(f Funds, id core.EntityID, actor bool) (uint64, error) {
	e, err := f.Store.Entity(id)
	if err != nil {
		return 0, core.Wrap(core.KindNotFound, "balance", err)
	}
	if actor && !e.Actor {
		return 0, core.Errorf(core.KindInternal, "balance", "%s is not an actor", id)
	}
	return e.Qi, nil
}

func entityDebit(f Funds, c Caller, id core.EntityID, actor bool, amount uint64) error {
	return f.Store.ModifyEntity(id, func(e *types.Entity) error {
		if actor && !e.Actor {
			return core.Errorf(core.KindInternal, "debit", "%s is not an actor", id)
		}
		if e.Qi < amount {
			return fundingError(c, e.Qi, amount)
		}
		e.Qi -= amount
		return nil
	})
}

func fundingError(c Caller, have, need uint64) error {
	return core.Errorf(core.KindFunding, "debit", "%w: %s holds %d, needs %d",
		meter.ErrInsufficientQi, c.Identity(), have, need)
}

// CallerForEntity picks the variant matching an entity.
func CallerForEntity(e *types.Entity) Caller {
	if e.Actor {
		return ActorCaller{ID: e.ID}
	}
	return EntityCaller{ID: e.ID}
}

// Credit adds qi to an account. A balance never grows past limit; such a
// credit fails and leaves the account untouched.
func Credit(s *ledger.Store, name core.AccountName, amount, limit uint64) error {
	if amount == 0 {
		return nil
	}
	return s.ModifyAccount(name, func(a *types.Account) error {
		qi, ok := resource.AddBounded(a.Qi, amount, limit)
		if !ok {
			return core.Errorf(core.KindInternal, "credit", "%w: %s holds %d, credit %d", core.ErrSupplyExceeded, name, a.Qi, amount)
		}
		a.Qi = qi
		return nil
	})
}

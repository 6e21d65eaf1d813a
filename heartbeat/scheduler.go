// Package heartbeat drives ticking entities: every block a bounded batch of
// due entities runs on_heart_beat, pays for it, and is rescheduled or
// disabled. Nothing that goes wrong in a tick escapes the scheduler.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/govm-net/qi/abi"
	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/ledger"
	"github.com/govm-net/qi/resource"
	"github.com/govm-net/qi/types"
	"github.com/govm-net/qi/vm"
)

// Report summarizes one Run.
type Report struct {
	Processed    int `json:"processed"`
	Succeeded    int `json:"succeeded"`
	Disabled     int `json:"disabled"`
	DebtRecorded int `json:"debt_recorded"`
	DebtRepaid   int `json:"debt_repaid"`
	// Errors counts failures of the scheduler itself, as opposed to failed
	// ticks.
	Errors int `json:"errors"`
}

// Scheduler runs heartbeats through an engine.
type Scheduler struct {
	engine *vm.Engine
	store  *ledger.Store
	period uint64
	logger *slog.Logger
}

// New creates a scheduler.
func New(engine *vm.Engine, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine: engine,
		store:  engine.Store(),
		period: engine.Config().TickPeriod,
		logger: logger.With("component", "heartbeat"),
	}
}

// BatchSize is the number of entities handled per block.
func (s *Scheduler) BatchSize() (int, error) {
	active, err := s.store.ActiveEntityCount()
	if err != nil {
		return 0, err
	}
	return active/int(s.period) + 1, nil
}

// Run processes the entities due at block now.
func (s *Scheduler) Run(ctx context.Context, now uint64) Report {
	var report Report
	limit, err := s.BatchSize()
	if err != nil {
		s.logger.Error("failed to count active entities", "error", err)
		report.Errors++
		return report
	}
	due, err := s.store.DueEntities(now, limit)
	if err != nil {
		s.logger.Error("failed to select due entities", "error", err)
		report.Errors++
		return report
	}
	for _, e := range due {
		report.Processed++
		s.process(ctx, e, now, &report)
	}
	if report.Processed > 0 {
		s.logger.Info("Heartbeats processed", "block", now,
			"processed", report.Processed, "succeeded", report.Succeeded, "disabled", report.Disabled,
			"debt_recorded", report.DebtRecorded, "debt_repaid", report.DebtRepaid)
	}
	return report
}

// Enable puts a disabled entity back on the schedule at block now.
func (s *Scheduler) Enable(id core.EntityID, now uint64) error {
	return s.store.ModifyEntity(id, func(e *types.Entity) error {
		e.Heartbeat = true
		e.NextTickTime = now
		return nil
	})
}

func (s *Scheduler) disable(id core.EntityID, report *Report, reason string) {
	err := s.store.ModifyEntity(id, func(e *types.Entity) error {
		e.NextTickTime = types.Never
		return nil
	})
	if err != nil {
		s.logger.Error("failed to disable entity", "entity", id, "error", err)
		report.Errors++
		return
	}
	report.Disabled++
	s.logger.Info("Entity disabled", "entity", id, "reason", reason)
}

// process handles one due entity. It is the single place where failures of
// a tick, panics included, are absorbed.
func (s *Scheduler) process(ctx context.Context, e *types.Entity, now uint64, report *Report) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("heartbeat panicked", "entity", e.ID, "panic", r)
			s.disable(e.ID, report, "panic")
		}
	}()

	if e.DebtValue > 0 {
		if e.DebtValue > e.Qi {
			s.disable(e.ID, report, "debt")
			return
		}
		if err := s.repay(e); err != nil {
			s.logger.Error("failed to repay debt", "entity", e.ID, "error", err)
			s.disable(e.ID, report, "debt")
			return
		}
		report.DebtRepaid++
	}

	name := e.TickContract()
	if name == "" {
		s.disable(e.ID, report, "no contract")
		return
	}
	contract, err := s.store.Contract(name)
	if err != nil || !contract.ABI.Has(abi.HeartbeatFunction) {
		s.disable(e.ID, report, "no heartbeat function")
		return
	}

	caller := vm.CallerForEntity(e)
	inv := vm.NewInvocation(caller, nil)
	inv.Block = now
	inv.SkipValidation = true

	failed := false
	if err := s.tick(ctx, inv, e); err != nil {
		failed = true
		s.logger.Warn("heartbeat failed", "entity", e.ID, "contract", name,
			"kind", core.KindOf(err).String(), "error", err)
	}

	// Cost is charged outside the tick's scope, whatever became of it.
	if inv.Meter != nil {
		short, err := s.settle(inv, caller, contract)
		if err != nil {
			s.logger.Error("failed to settle heartbeat", "entity", e.ID, "error", err)
			report.Errors++
			failed = true
		}
		if short > 0 {
			report.DebtRecorded++
			failed = true
		}
	}

	if failed {
		s.disable(e.ID, report, "tick failed")
		return
	}
	err = s.store.ModifyEntity(e.ID, func(e *types.Entity) error {
		e.NextTickTime = nextTick(now, s.period)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to reschedule entity", "entity", e.ID, "error", err)
		report.Errors++
		return
	}
	report.Succeeded++
}

// tick runs on_heart_beat inside a revertible scope that is kept only if
// the call succeeds.
func (s *Scheduler) tick(ctx context.Context, inv *vm.Invocation, e *types.Entity) (err error) {
	scope, err := s.store.Begin()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if r := recover(); r != nil {
			err = core.Errorf(core.KindScript, "heartbeat", "panic: %v", r)
		}
		if !committed {
			if derr := scope.Discard(); derr != nil {
				s.logger.Error("failed to discard heartbeat scope", "entity", e.ID, "error", derr)
			}
		}
	}()

	if _, err = s.engine.Heartbeat(ctx, inv, e); err != nil {
		return err
	}
	committed = true
	return scope.Squash()
}

// settle charges the entity what the tick cost, as far as its balance goes,
// and records the rest as debt against the contract.
func (s *Scheduler) settle(inv *vm.Invocation, caller vm.Caller, contract *types.Contract) (short uint64, err error) {
	scope, err := s.store.Begin()
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			if derr := scope.Discard(); derr != nil {
				s.logger.Error("failed to discard settlement scope", "error", derr)
			}
		}
	}()

	st := s.engine.Settlement(inv)
	balance, err := caller.Balance(s.engine.Funds(inv))
	if err != nil {
		return 0, err
	}
	paid, short := st.Against(balance)
	if err = s.engine.Collect(inv, caller, contract.Owner, st, paid); err != nil {
		return 0, err
	}
	id := entityID(caller)
	if short > 0 {
		err = s.store.ModifyEntity(id, func(e *types.Entity) error {
			e.DebtValue = short
			e.DebtContract = contract.Name
			return nil
		})
		if err != nil {
			return short, err
		}
	}
	committed = true
	if err = scope.Squash(); err != nil {
		return short, err
	}
	if short > 0 {
		s.logger.Info("Heartbeat debt recorded", "entity", id, "debt", short, "contract", contract.Name)
	}
	return short, nil
}

// repay pays an entity's debt to the owner of the contract it is owed to.
func (s *Scheduler) repay(e *types.Entity) error {
	owner := s.engine.Config().TreasuryAccount
	if c, err := s.store.Contract(e.DebtContract); err == nil {
		owner = c.Owner
	}
	debt := e.DebtValue
	scope, err := s.store.Begin()
	if err != nil {
		return err
	}
	err = s.store.ModifyEntity(e.ID, func(ent *types.Entity) error {
		if ent.Qi < debt {
			return fmt.Errorf("%s cannot cover debt %d", ent.ID, debt)
		}
		ent.Qi -= debt
		ent.DebtValue = 0
		ent.DebtContract = ""
		return nil
	})
	if err == nil {
		err = vm.Credit(s.store, owner, debt, s.engine.Config().MaxSupply)
	}
	if err != nil {
		if derr := scope.Discard(); derr != nil {
			s.logger.Error("failed to discard repayment scope", "entity", e.ID, "error", derr)
		}
		return err
	}
	if err := scope.Squash(); err != nil {
		return err
	}
	e.Qi -= debt
	e.DebtValue = 0
	e.DebtContract = ""
	return nil
}

// nextTick schedules the following tick. Heights near the top of the range
// park the entity at types.Never instead of wrapping to an early block.
func nextTick(now, period uint64) uint64 {
	return resource.AddSat(now, period)
}

func entityID(c vm.Caller) core.EntityID {
	switch c := c.(type) {
	case vm.EntityCaller:
		return c.ID
	case vm.ActorCaller:
		return c.ID
	}
	return 0
}

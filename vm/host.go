package vm

import (
	"context"
	"log/slog"

	"github.com/govm-net/qi/abi"
	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/types"
)

// frame is one running call. It is the Host handed to the sandbox.
type frame struct {
	engine   *Engine
	ctx      context.Context
	inv      *Invocation
	caller   Caller
	contract *types.Contract
	entity   *types.Entity
	flavor   abi.Flavor
	view     *dataView
	result   types.Result
}

var _ Host = (*frame)(nil)

func (f *frame) charge() {
	f.inv.Meter.AddOverhead(f.engine.cfg.APICallPoints)
}

func (f *frame) writable(op string) error {
	if f.flavor == abi.Eval {
		return core.Errorf(core.KindScript, op, "%w: %s", core.ErrReadOnly, f.contract.Name)
	}
	return nil
}

func (f *frame) Caller() (string, CallerKind) {
	f.charge()
	return f.caller.Identity(), f.caller.Kind()
}

func (f *frame) Contract() core.ContractName {
	f.charge()
	return f.contract.Name
}

func (f *frame) Entity() (core.EntityID, bool) {
	f.charge()
	if f.entity == nil {
		return 0, false
	}
	return f.entity.ID, true
}

func (f *frame) Get(key string) ([]byte, bool, error) {
	f.charge()
	return f.view.get(publicSpace, key)
}

func (f *frame) Set(key string, value []byte) error {
	f.charge()
	if err := f.writable("set"); err != nil {
		return err
	}
	f.view.set(publicSpace, key, value)
	return nil
}

func (f *frame) CellGet(key string) ([]byte, bool, error) {
	f.charge()
	return f.view.get(cellSpace, key)
}

func (f *frame) CellSet(key string, value []byte) error {
	f.charge()
	if err := f.writable("cell_set"); err != nil {
		return err
	}
	f.view.set(cellSpace, key, value)
	return nil
}

func (f *frame) Log(msg string) error {
	f.charge()
	f.result.Logs = append(f.result.Logs, types.LogEntry{Contract: f.contract.Name, Message: msg})
	slog.Debug("Contract log", "contract", f.contract.Name, "message", msg)
	return nil
}

func (f *frame) Notify(entity core.EntityID, msg string) error {
	f.charge()
	if _, err := f.engine.store.Entity(entity); err != nil {
		return core.Wrap(core.KindNotFound, "notify", err)
	}
	f.result.Notices = append(f.result.Notices, types.Notice{Entity: entity, Contract: f.contract.Name, Message: msg})
	return nil
}

// nextCaller is the caller of a nested call: the bound entity when there is
// one, otherwise the current caller.
func (f *frame) nextCaller() Caller {
	if f.entity != nil {
		return CallerForEntity(f.entity)
	}
	return f.caller
}

func (f *frame) Call(contract core.ContractName, fn string, params map[string]any) (any, error) {
	f.charge()
	if err := f.writable("call"); err != nil {
		return nil, err
	}
	return f.engine.invoke(f.ctx, f.inv, f.nextCaller(), Target{Contract: contract, Function: fn},
		namedInput(params), abi.Effect, &f.result)
}

func (f *frame) Eval(contract core.ContractName, fn string, params map[string]any) (any, error) {
	f.charge()
	return f.engine.invoke(f.ctx, f.inv, f.nextCaller(), Target{Contract: contract, Function: fn},
		namedInput(params), abi.Eval, &f.result)
}

func (f *frame) Balance() (uint64, error) {
	f.charge()
	return f.caller.Balance(f.engine.funds(f.inv))
}

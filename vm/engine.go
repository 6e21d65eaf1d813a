// Package vm is the invocation engine: it resolves a contract, runs the
// authority, permission, recursion and ABI checks, executes the function in
// a fresh sandbox and settles what the call cost.
package vm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/govm-net/qi/abi"
	"github.com/govm-net/qi/api"
	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/ledger"
	"github.com/govm-net/qi/meter"
	"github.com/govm-net/qi/resource"
	"github.com/govm-net/qi/security"
	"github.com/govm-net/qi/types"
)

// Engine executes contract functions against a ledger store.
type Engine struct {
	cfg    api.Config
	params meter.Params
	store  *ledger.Store
	vm     ScriptVM
	perms  *security.Permissions
}

// NewEngine creates an engine.
func NewEngine(cfg api.Config, store *ledger.Store, script ScriptVM) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if store == nil || script == nil {
		return nil, fmt.Errorf("engine needs a store and a script vm")
	}
	return &Engine{
		cfg:    cfg,
		params: meter.ParamsFromConfig(cfg),
		store:  store,
		vm:     script,
		perms:  security.NewPermissions(store, cfg.DenylistContract),
	}, nil
}

// Config returns the protocol parameters.
func (e *Engine) Config() api.Config {
	return e.cfg
}

// Store returns the ledger store.
func (e *Engine) Store() *ledger.Store {
	return e.store
}

// Close closes the script VM.
func (e *Engine) Close() error {
	if err := e.vm.Close(); err != nil {
		return fmt.Errorf("failed to close script vm: %w", err)
	}
	return nil
}

func (e *Engine) funds(inv *Invocation) Funds {
	return Funds{
		Store: e.store,
		Now:   inv.Time,
		Regen: resource.Params{MaxCapacity: e.cfg.Regen.MaxCapacity, RegenWindow: e.cfg.Regen.RegenWindow},
	}
}

// Funds returns the balance context of an invocation.
func (e *Engine) Funds(inv *Invocation) Funds {
	return e.funds(inv)
}

// Start prepares an invocation: its meter holds the budget derived from the
// caller's balance.
func (e *Engine) Start(inv *Invocation) error {
	if inv.Path == nil {
		inv.Path = security.NewCallPath()
	}
	if inv.Meter != nil {
		return nil
	}
	balance, err := inv.Caller.Balance(e.funds(inv))
	if err != nil {
		return err
	}
	inv.Meter = NewMeter(meter.Budget(balance, e.cfg.ScaleFactor))
	return nil
}

// Settlement prices what the invocation has used so far.
func (e *Engine) Settlement(inv *Invocation) meter.Settlement {
	return meter.Settle(e.params, inv.Meter.Budget(), inv.Meter.Remaining(), inv.Meter.Overhead())
}

// Collect debits amount from payer and splits it between owner and the
// treasury according to s.
func (e *Engine) Collect(inv *Invocation, payer Caller, owner core.AccountName, s meter.Settlement, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := payer.Debit(e.funds(inv), amount); err != nil {
		return err
	}
	toOwner, toTreasury := s.Split(amount)
	if owner == "" {
		toTreasury += toOwner
		toOwner = 0
	}
	if err := Credit(e.store, owner, toOwner, e.cfg.MaxSupply); err != nil {
		return core.Wrap(core.KindInternal, "collect", err)
	}
	if err := Credit(e.store, e.cfg.TreasuryAccount, toTreasury, e.cfg.MaxSupply); err != nil {
		return core.Wrap(core.KindInternal, "collect", err)
	}
	return nil
}

// Apply runs an effectful call on behalf of inv.Caller. The call and its
// charge are atomic: on any error nothing it did remains in the store and
// the caller is not charged.
func (e *Engine) Apply(ctx context.Context, inv *Invocation, t Target, args []any) (*Outcome, error) {
	if err := e.Start(inv); err != nil {
		return nil, err
	}
	scope, err := e.store.Begin()
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "apply", err)
	}
	closed := false
	defer func() {
		if !closed {
			discard(scope)
		}
	}()

	value, err := e.invoke(ctx, inv, inv.Caller, t, positionalInput(args), abi.Effect, &inv.Result)
	out := e.outcome(inv, value)
	if err == nil {
		err = e.charge(inv, out.Settlement)
	}
	if err != nil {
		return out, err
	}
	closed = true
	if err := scope.Squash(); err != nil {
		return out, core.Wrap(core.KindInternal, "apply", err)
	}
	return out, nil
}

func (e *Engine) charge(inv *Invocation, s meter.Settlement) error {
	balance, err := inv.Caller.Balance(e.funds(inv))
	if err != nil {
		return err
	}
	if err := s.Require(balance); err != nil {
		return core.Wrap(core.KindFunding, "settle", err)
	}
	return e.Collect(inv, inv.Caller, inv.owner, s, s.Total)
}

// Eval runs a read-only call. Nothing it does is kept and nobody is charged.
func (e *Engine) Eval(ctx context.Context, inv *Invocation, t Target, args []any) (*Outcome, error) {
	if err := e.Start(inv); err != nil {
		return nil, err
	}
	scope, err := e.store.Begin()
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "eval", err)
	}
	defer discard(scope)
	value, err := e.invoke(ctx, inv, inv.Caller, t, positionalInput(args), abi.Eval, &inv.Result)
	return e.outcome(inv, value), err
}

// Heartbeat runs on_heart_beat of the contract an entity ticks, with the
// entity as caller. It neither opens a scope nor settles: the scheduler does
// both around it.
func (e *Engine) Heartbeat(ctx context.Context, inv *Invocation, entity *types.Entity) (*Outcome, error) {
	if err := e.Start(inv); err != nil {
		return nil, err
	}
	t := Target{Contract: entity.TickContract(), Function: abi.HeartbeatFunction, Entity: entity.ID}
	value, err := e.invoke(ctx, inv, inv.Caller, t, positionalInput(nil), abi.Effect, &inv.Result)
	return e.outcome(inv, value), err
}

func (e *Engine) outcome(inv *Invocation, value any) *Outcome {
	return &Outcome{
		Value:      value,
		Settlement: e.Settlement(inv),
		Result:     inv.Result,
		Owner:      inv.owner,
	}
}

// callInput carries call arguments either positionally or by parameter name.
type callInput struct {
	args   []any
	params map[string]any
	named  bool
}

func positionalInput(args []any) callInput {
	return callInput{args: args}
}

func namedInput(params map[string]any) callInput {
	return callInput{params: params, named: true}
}

func (in callInput) count() int {
	if in.named {
		return len(in.params)
	}
	return len(in.args)
}

// bind maps positional arguments onto the entry's parameter names. Extra
// arguments of a variadic function are collected under the last name.
func (in callInput) bind(entry abi.Entry) map[string]any {
	if in.named {
		if in.params == nil {
			return map[string]any{}
		}
		return in.params
	}
	params := make(map[string]any, len(in.args))
	n := len(entry.ArgList)
	if entry.IsVarArg {
		if n == 0 {
			params["args"] = in.args
			return params
		}
		for i := 0; i < n-1 && i < len(in.args); i++ {
			params[entry.ArgList[i].Name] = in.args[i]
		}
		if len(in.args) >= n {
			params[entry.ArgList[n-1].Name] = in.args[n-1:]
		}
		return params
	}
	for i, arg := range in.args {
		params[entry.ArgList[i].Name] = arg
	}
	return params
}

func (e *Engine) zoneOf(caller Caller, entity *types.Entity) (string, error) {
	if entity != nil {
		return entity.Zone, nil
	}
	var id core.EntityID
	switch c := caller.(type) {
	case AccountCaller:
		return "", nil
	case EntityCaller:
		id = c.ID
	case ActorCaller:
		id = c.ID
	}
	ent, err := e.store.Entity(id)
	if err != nil {
		return "", core.Wrap(core.KindNotFound, "zone", err)
	}
	return ent.Zone, nil
}

func (e *Engine) privileged(caller Caller) bool {
	ac, ok := caller.(AccountCaller)
	return ok && ac.Name == e.cfg.SystemAccount
}

// invoke performs one call, nested or not. Its writes are flushed inside a
// scope of their own that is squashed only if the call succeeds; its result
// record is merged into parent either way.
func (e *Engine) invoke(ctx context.Context, inv *Invocation, caller Caller, t Target, in callInput, flavor abi.Flavor, parent *types.Result) (any, error) {
	if inv.fatal != nil {
		return nil, inv.fatal
	}
	contract, err := e.store.Contract(t.Contract)
	if err != nil {
		return nil, core.Wrap(core.KindNotFound, "resolve", err)
	}

	var entity *types.Entity
	if t.Entity != 0 {
		if entity, err = e.store.Entity(t.Entity); err != nil {
			return nil, core.Wrap(core.KindNotFound, "resolve", err)
		}
		name := core.CanonicalName(contract.Name)
		if core.CanonicalName(entity.Contract) != name && core.CanonicalName(entity.MirageContract) != name {
			return nil, core.Errorf(core.KindAuthorization, "resolve", "%s is not bound to %s", entity.ID, contract.Name)
		}
	}

	if !e.privileged(caller) {
		if err := security.CheckAuthority(e.cfg.SystemAccount, caller.Identity(), contract, inv.Signers, inv.SkipValidation); err != nil {
			return nil, err
		}
		zone, err := e.zoneOf(caller, entity)
		if err != nil {
			return nil, err
		}
		if err := e.perms.Allowed(contract.Name, zone); err != nil {
			return nil, err
		}
	}

	if err := inv.Path.Enter(caller.Identity(), contract.Name, t.Function); err != nil {
		inv.fatal = err
		return nil, err
	}
	defer inv.Path.Leave()
	if inv.owner == "" {
		inv.owner = contract.Owner
	}

	entry, err := contract.ABI.Validate(t.Function, in.count(), flavor, e.cfg.MaxArgs)
	if err != nil {
		return nil, err
	}

	dataKey := types.DataKey{Contract: core.CanonicalName(contract.Name)}
	if entity != nil {
		dataKey.Entity = entity.ID
	}
	f := &frame{
		engine:   e,
		ctx:      ctx,
		inv:      inv,
		caller:   caller,
		contract: contract,
		entity:   entity,
		flavor:   flavor,
		view: newDataView(e.store, dataKey, types.CellKey{
			Caller:   caller.Identity(),
			Contract: core.CanonicalName(contract.Name),
		}),
	}
	defer parent.Merge(&f.result)

	scope, err := e.store.Begin()
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "invoke", err)
	}
	closed := false
	defer func() {
		if !closed {
			discard(scope)
		}
	}()

	value, err := e.run(ctx, f, entry, in)
	if err == nil && inv.fatal != nil {
		err = inv.fatal
	}
	if err == nil && f.view.dirty() {
		var size uint64
		size, err = f.view.flush()
		f.result.DataSize += size
		err = core.Wrap(core.KindInternal, "flush", err)
	}
	if err != nil {
		slog.Debug("Contract call failed", "contract", contract.Name, "function", t.Function, "error", err)
		return nil, err
	}
	closed = true
	if err := scope.Squash(); err != nil {
		return nil, core.Wrap(core.KindInternal, "invoke", err)
	}
	return value, nil
}

// discard drops a scope. It is also what unwinds scopes when a backend
// panics through the engine.
func discard(scope ledger.Scope) {
	if err := scope.Discard(); err != nil {
		slog.Error("failed to discard scope", "error", err)
	}
}

// run executes the function in a fresh sandbox. Sandbox failures become
// script errors; the sandbox is closed on every path.
func (e *Engine) run(ctx context.Context, f *frame, entry abi.Entry, in callInput) (any, error) {
	sandbox, err := e.vm.NewSandbox(ctx, f.inv.Meter)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "sandbox", err)
	}
	defer func() {
		if cerr := sandbox.Close(); cerr != nil {
			slog.Error("failed to close sandbox", "contract", f.contract.Name, "error", cerr)
		}
	}()
	if err := sandbox.Load(f.contract.Name, f.contract.Code); err != nil {
		return nil, &core.Error{Kind: core.KindScript, Op: "load", Err: err}
	}
	sandbox.Bind(f)

	self := Self{Contract: f.contract.Name, Owner: f.contract.Owner}
	self.Caller, self.CallerKind = f.caller.Identity(), f.caller.Kind()
	if f.entity != nil {
		id := f.entity.ID
		self.Entity = &id
	}
	value, err := sandbox.Call(ctx, entry.Name, []any{self, in.bind(entry)})
	if err != nil {
		if f.inv.fatal != nil {
			return nil, f.inv.fatal
		}
		return nil, &core.Error{Kind: core.KindScript, Op: string(f.contract.Name) + "." + entry.Name, Err: err}
	}
	return value, nil
}

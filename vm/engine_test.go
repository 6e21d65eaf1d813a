package vm_test

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/govm-net/qi/abi"
	"github.com/govm-net/qi/api"
	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/ledger"
	"github.com/govm-net/qi/ledger/memory"
	"github.com/govm-net/qi/mock"
	"github.com/govm-net/qi/types"
	"github.com/govm-net/qi/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	cfg    api.Config
	store  *ledger.Store
	script *mock.VM
	engine *vm.Engine
}

func newFixture(t *testing.T) *fixture {
	cfg := api.DefaultConfig()
	cfg.Regen.RegenWindow = 0
	store := memory.NewStore()
	script := mock.New(nil)
	engine, err := vm.NewEngine(cfg, store, script)
	require.NoError(t, err)

	for _, a := range []types.Account{
		{Name: "alice", Qi: 10_000},
		{Name: "bob"},
		{Name: cfg.TreasuryAccount},
		{Name: cfg.SystemAccount},
	} {
		a := a
		require.NoError(t, store.CreateAccount(&a))
	}
	return &fixture{cfg: cfg, store: store, script: script, engine: engine}
}

func (f *fixture) deploy(t *testing.T, name core.ContractName, s mock.Script, entries ...abi.Entry) {
	code := f.script.Register(string(name), s)
	require.NoError(t, f.store.CreateContract(&types.Contract{
		Name:  name,
		Owner: "bob",
		Code:  code,
		ABI:   abi.Table(entries),
	}))
}

func (f *fixture) qi(t *testing.T, name core.AccountName) uint64 {
	a, err := f.store.Account(name)
	require.NoError(t, err)
	return a.Qi
}

func (f *fixture) data(t *testing.T, contract core.ContractName, key string) (string, bool) {
	v, ok, err := f.store.DataGet(types.DataKey{Contract: contract}, key)
	require.NoError(t, err)
	return string(v), ok
}

func effect(name string, args ...string) abi.Entry {
	e := abi.Entry{Name: name, Consequence: true}
	for _, a := range args {
		e.ArgList = append(e.ArgList, abi.Param{Name: a})
	}
	return e
}

func view(name string, args ...string) abi.Entry {
	e := effect(name, args...)
	e.Consequence = false
	return e
}

// counter adds params["by"] to the public key "n", burning 39 steps on top of
// the entry cost.
func counter(env *mock.Env, fn string, self vm.Self, params map[string]any) (any, error) {
	env.ConsumeGas(39)
	switch fn {
	case "add":
		raw, _, err := env.Host.Get("n")
		if err != nil {
			return nil, err
		}
		n, _ := strconv.Atoi(string(raw))
		n += params["by"].(int)
		return n, env.Host.Set("n", []byte(strconv.Itoa(n)))
	case "value":
		raw, _, err := env.Host.Get("n")
		return string(raw), err
	case "sneak":
		return nil, env.Host.Set("n", []byte("999"))
	}
	return nil, errors.New("unknown function")
}

func counterABI() []abi.Entry {
	return []abi.Entry{effect("add", "by"), view("value"), view("sneak")}
}

func TestApplySettlesAndConserves(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "Counter", counter, counterABI()...)

	inv := vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
	out, err := f.engine.Apply(context.Background(), inv, vm.Target{Contract: "Counter", Function: "add"}, []any{5})
	require.NoError(t, err)
	assert.Equal(t, 5, out.Value)

	s := out.Settlement
	assert.Equal(t, uint64(40), s.Consumed)
	assert.Equal(t, uint64(2), s.APIOverhead)
	assert.Equal(t, uint64(400), s.Spent)
	assert.Equal(t, uint64(80), s.ToTreasury)
	assert.Equal(t, uint64(320), s.ToOwner)
	assert.Equal(t, uint64(520), s.Overhead)
	assert.Equal(t, uint64(920), s.Total)
	assert.True(t, s.Conserved())

	assert.Equal(t, uint64(9080), f.qi(t, "alice"))
	assert.Equal(t, uint64(320), f.qi(t, "bob"))
	assert.Equal(t, uint64(600), f.qi(t, f.cfg.TreasuryAccount))

	v, ok := f.data(t, "Counter", "n")
	assert.True(t, ok)
	assert.Equal(t, "5", v)
	assert.Equal(t, uint64(len("n")+len("5")), out.Result.DataSize)
	assert.Equal(t, core.AccountName("bob"), out.Owner)
}

func TestABIRejectedBeforeScript(t *testing.T) {
	f := newFixture(t)
	ran := false
	f.deploy(t, "Counter", func(env *mock.Env, fn string, self vm.Self, params map[string]any) (any, error) {
		ran = true
		return nil, nil
	}, counterABI()...)

	tooMany := make([]any, 21)
	tests := []struct {
		name string
		fn   string
		args []any
		want error
	}{
		{"unknown", "missing", nil, core.ErrFunctionNotFound},
		{"arity", "add", []any{1, 2}, core.ErrArgCount},
		{"flavor", "value", nil, core.ErrWrongFlavor},
		{"too many", "add", tooMany, core.ErrTooManyArgs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
			_, err := f.engine.Apply(context.Background(), inv, vm.Target{Contract: "Counter", Function: tt.fn}, tt.args)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, core.IsKind(err, core.KindABI))
			assert.Equal(t, 0, inv.Path.Depth())
		})
	}
	assert.False(t, ran)
	assert.Equal(t, uint64(10_000), f.qi(t, "alice"))
}

func TestCycleRejectedWithoutWrites(t *testing.T) {
	f := newFixture(t)
	caller := func(next core.ContractName) mock.Script {
		return func(env *mock.Env, fn string, self vm.Self, params map[string]any) (any, error) {
			if err := env.Host.Set("touched", []byte("yes")); err != nil {
				return nil, err
			}
			// the error is swallowed on purpose: a cycle must fail anyway
			_, _ = env.Host.Call(next, "ping", nil)
			return "done", nil
		}
	}
	f.deploy(t, "A", caller("B"), effect("ping"))
	f.deploy(t, "B", caller("a"), effect("ping"))

	inv := vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
	_, err := f.engine.Apply(context.Background(), inv, vm.Target{Contract: "A", Function: "ping"}, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindCircular))
	assert.ErrorIs(t, err, core.ErrCircularCall)

	_, ok := f.data(t, "A", "touched")
	assert.False(t, ok)
	_, ok = f.data(t, "B", "touched")
	assert.False(t, ok)
	assert.Equal(t, 0, inv.Path.Depth())
	assert.Equal(t, uint64(10_000), f.qi(t, "alice"))

	// a fresh operation is not blocked by the failed one
	f.deploy(t, "C", counter, counterABI()...)
	inv = vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
	_, err = f.engine.Apply(context.Background(), inv, vm.Target{Contract: "C", Function: "add"}, []any{1})
	assert.NoError(t, err)
}

func TestNestedCallCommitsWithParent(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "Counter", counter, counterABI()...)
	f.deploy(t, "Proxy", func(env *mock.Env, fn string, self vm.Self, params map[string]any) (any, error) {
		if _, err := env.Host.Call("Counter", "add", map[string]any{"by": 2}); err != nil {
			return nil, err
		}
		if err := env.Host.Log("forwarded"); err != nil {
			return nil, err
		}
		if fn == "fail" {
			return nil, errors.New("changed my mind")
		}
		return env.Host.Eval("Counter", "value", nil)
	}, effect("forward"), effect("fail"))

	inv := vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
	out, err := f.engine.Apply(context.Background(), inv, vm.Target{Contract: "Proxy", Function: "forward"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", out.Value)
	require.Len(t, out.Result.Logs, 1)
	assert.Equal(t, core.ContractName("Proxy"), out.Result.Logs[0].Contract)

	inv = vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
	out, err = f.engine.Apply(context.Background(), inv, vm.Target{Contract: "Proxy", Function: "fail"}, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindScript))
	assert.Contains(t, err.Error(), "changed my mind")
	// the log survives in the result record even though the call failed
	assert.Len(t, out.Result.Logs, 1)

	v, _ := f.data(t, "Counter", "n")
	assert.Equal(t, "2", v)
}

func TestEvalIsReadOnly(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "Counter", counter, counterABI()...)
	require.NoError(t, f.store.DataSet(types.DataKey{Contract: "Counter"}, "n", []byte("7")))

	inv := vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
	out, err := f.engine.Eval(context.Background(), inv, vm.Target{Contract: "Counter", Function: "value"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "7", out.Value)

	inv = vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
	_, err = f.engine.Eval(context.Background(), inv, vm.Target{Contract: "Counter", Function: "sneak"}, nil)
	assert.ErrorIs(t, err, core.ErrReadOnly)

	v, _ := f.data(t, "Counter", "n")
	assert.Equal(t, "7", v)
	assert.Equal(t, uint64(10_000), f.qi(t, "alice"))
}

func TestAuthority(t *testing.T) {
	f := newFixture(t)
	code := f.script.Register("vault", counter)
	require.NoError(t, f.store.CreateContract(&types.Contract{
		Name: "Vault", Owner: "bob", Code: code, ABI: abi.Table(counterABI()),
		RequireAuth: true, AuthorityKey: "vault-key",
	}))
	target := vm.Target{Contract: "Vault", Function: "add"}

	inv := vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
	_, err := f.engine.Apply(context.Background(), inv, target, []any{1})
	assert.True(t, core.IsKind(err, core.KindAuthorization))

	inv = vm.NewInvocation(vm.AccountCaller{Name: "alice"}, core.NewKeySet("vault-key"))
	_, err = f.engine.Apply(context.Background(), inv, target, []any{1})
	assert.NoError(t, err)

	inv = vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
	inv.SkipValidation = true
	_, err = f.engine.Apply(context.Background(), inv, target, []any{1})
	assert.NoError(t, err)
}

func TestDenylistedContract(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "Counter", counter, counterABI()...)
	require.NoError(t, f.store.DataSet(types.DataKey{Contract: f.cfg.DenylistContract}, "counter", []byte("true")))

	inv := vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
	_, err := f.engine.Apply(context.Background(), inv, vm.Target{Contract: "Counter", Function: "add"}, []any{1})
	assert.ErrorIs(t, err, core.ErrDenied)
}

func TestFundingShortfallIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "Counter", counter, counterABI()...)
	require.NoError(t, f.store.CreateAccount(&types.Account{Name: "carol", Qi: 500}))

	// budget 50 covers the 40 steps, but 400 spent + 520 overhead does not fit
	inv := vm.NewInvocation(vm.AccountCaller{Name: "carol"}, nil)
	_, err := f.engine.Apply(context.Background(), inv, vm.Target{Contract: "Counter", Function: "add"}, []any{1})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindFunding))

	assert.Equal(t, uint64(500), f.qi(t, "carol"))
	_, ok := f.data(t, "Counter", "n")
	assert.False(t, ok)
}

func TestBudgetExhaustion(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "Loop", func(env *mock.Env, fn string, self vm.Self, params map[string]any) (any, error) {
		_ = env.Host.Set("k", []byte("v"))
		for {
			env.ConsumeGas(7)
		}
	}, effect("spin"))

	inv := vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
	_, err := f.engine.Apply(context.Background(), inv, vm.Target{Contract: "Loop", Function: "spin"}, nil)
	assert.ErrorIs(t, err, vm.ErrOutOfSteps)
	assert.True(t, core.IsKind(err, core.KindScript))
	_, ok := f.data(t, "Loop", "k")
	assert.False(t, ok)
}

func TestEntityBoundCallSwitchesCaller(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "Witness", func(env *mock.Env, fn string, self vm.Self, params map[string]any) (any, error) {
		id, kind := env.Host.Caller()
		return string(kind) + ":" + id, env.Host.CellSet("seen", []byte("1"))
	}, effect("who"))
	f.deploy(t, "Pet", func(env *mock.Env, fn string, self vm.Self, params map[string]any) (any, error) {
		if self.Entity == nil {
			return nil, errors.New("not bound")
		}
		if err := env.Host.Set("fed", []byte("yes")); err != nil {
			return nil, err
		}
		return env.Host.Call("Witness", "who", nil)
	}, effect("feed"))

	id, err := f.store.CreateEntity(&types.Entity{Owner: "alice", Qi: 100, Contract: "Pet"})
	require.NoError(t, err)

	inv := vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
	out, err := f.engine.Apply(context.Background(), inv, vm.Target{Contract: "Pet", Function: "feed", Entity: id}, nil)
	require.NoError(t, err)
	assert.Equal(t, "entity:"+id.String(), out.Value)

	v, ok, err := f.store.DataGet(types.DataKey{Contract: "Pet", Entity: id}, "fed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("yes"), v)

	_, ok, err = f.store.CellGet(types.CellKey{Caller: id.String(), Contract: "witness"}, "seen")
	require.NoError(t, err)
	assert.True(t, ok)

	// the account that started the operation paid for it
	assert.Less(t, f.qi(t, "alice"), uint64(10_000))
	e, err := f.store.Entity(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), e.Qi)
}

func TestEntityMustBeBound(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "Counter", counter, counterABI()...)
	id, err := f.store.CreateEntity(&types.Entity{Owner: "alice", Contract: "Other"})
	require.NoError(t, err)

	inv := vm.NewInvocation(vm.AccountCaller{Name: "alice"}, nil)
	_, err = f.engine.Apply(context.Background(), inv, vm.Target{Contract: "Counter", Function: "add", Entity: id}, []any{1})
	assert.True(t, core.IsKind(err, core.KindAuthorization))
}

func TestCallerVariants(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.CreateEntity(&types.Entity{Owner: "alice", Qi: 30, Actor: true, ActorName: "hero"})
	require.NoError(t, err)
	e, _ := f.store.Entity(id)

	c := vm.CallerForEntity(e)
	assert.Equal(t, vm.KindActor, c.Kind())
	funds := f.engine.Funds(vm.NewInvocation(c, nil))

	bal, err := c.Balance(funds)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), bal)
	assert.True(t, core.IsKind(c.Debit(funds, 31), core.KindFunding))
	require.NoError(t, c.Debit(funds, 30))
	bal, _ = c.Balance(funds)
	assert.Zero(t, bal)

	acct := vm.AccountCaller{Name: "alice"}
	assert.Equal(t, "alice", acct.Identity())
	require.NoError(t, acct.Debit(funds, 10_000))
	assert.True(t, core.IsKind(acct.Debit(funds, 1), core.KindFunding))
}

func TestCreditRespectsMaxSupply(t *testing.T) {
	f := newFixture(t)
	limit := f.cfg.MaxSupply
	require.NoError(t, f.store.ModifyAccount("bob", func(a *types.Account) error {
		a.Qi = limit - 5
		return nil
	}))

	err := vm.Credit(f.store, "bob", 6, limit)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSupplyExceeded)
	assert.True(t, core.IsKind(err, core.KindInternal))
	assert.Equal(t, limit-5, f.qi(t, "bob"), "a rejected credit destroys nothing")

	require.NoError(t, vm.Credit(f.store, "bob", 5, limit))
	assert.Equal(t, limit, f.qi(t, "bob"))
}

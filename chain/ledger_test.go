package chain_test

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govm-net/qi/abi"
	"github.com/govm-net/qi/api"
	"github.com/govm-net/qi/chain"
	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/ledger/memory"
	"github.com/govm-net/qi/mock"
	"github.com/govm-net/qi/repository"
	"github.com/govm-net/qi/types"
	"github.com/govm-net/qi/vm"
)

const aliceKey core.PublicKey = "pk-alice"

var signedByAlice = core.NewKeySet(aliceKey)

type fixture struct {
	cfg    api.Config
	script *mock.VM
	ledger *chain.Ledger
}

func newFixture(t *testing.T, opts chain.Options) *fixture {
	cfg := api.DefaultConfig()
	cfg.Regen.RegenWindow = 0
	script := mock.New(nil)
	l, err := chain.New(cfg, memory.NewStore(), script, opts)
	require.NoError(t, err)
	require.NoError(t, l.InitGenesis(&chain.Genesis{
		Time: 1000,
		Accounts: []chain.GenesisAccount{
			{Name: "alice", PublicKey: aliceKey, Qi: 10_000},
			{Name: "bob"},
		},
	}))
	return &fixture{cfg: cfg, script: script, ledger: l}
}

func (f *fixture) qi(t *testing.T, name core.AccountName) uint64 {
	a, err := f.ledger.Store().Account(name)
	require.NoError(t, err)
	return a.Qi
}

func (f *fixture) entity(t *testing.T, id core.EntityID) *types.Entity {
	e, err := f.ledger.Store().Entity(id)
	require.NoError(t, err)
	return e
}

func (f *fixture) requireSupply(t *testing.T, want uint64) {
	t.Helper()
	supply, err := f.ledger.Supply()
	require.NoError(t, err)
	require.Equal(t, want, supply)
}

func (f *fixture) apply(t *testing.T, op chain.Operation, signers core.KeySet) chain.Receipt {
	return f.ledger.ApplyOperation(context.Background(), op, signers)
}

func (f *fixture) deploy(t *testing.T, name core.ContractName, s mock.Script, entries ...abi.Entry) {
	code := f.script.Register(string(name), s)
	r := f.apply(t, chain.DeployContract{Account: "bob", Name: name, Code: code, ABI: entries}, nil)
	require.True(t, r.Success, r.Error)
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

// counter keeps a number under "n" and burns 39 steps per call.
func counter(env *mock.Env, fn string, _ vm.Self, params map[string]any) (any, error) {
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
	case "boom":
		if err := env.Host.Set("n", []byte("-1")); err != nil {
			return nil, err
		}
		return nil, errors.New("boom")
	}
	return nil, errors.New("unknown function")
}

func counterABI() []abi.Entry {
	return []abi.Entry{effect("add", "by"), effect("boom"), view("value"), view("sneak")}
}

// ticker is a heartbeat contract burning 39 steps per tick without touching
// the host, so every tick costs 40*10 + 50*10 = 900 qi.
func ticker(env *mock.Env, fn string, _ vm.Self, _ map[string]any) (any, error) {
	env.ConsumeGas(39)
	return nil, nil
}

func (f *fixture) counterValue(t *testing.T) string {
	v, _, err := f.ledger.Store().DataGet(types.DataKey{Contract: "counter"}, "n")
	require.NoError(t, err)
	return string(v)
}

func TestGenesis(t *testing.T) {
	f := newFixture(t, chain.Options{})
	f.requireSupply(t, 10_000)
	assert.Equal(t, uint64(0), f.qi(t, f.cfg.TreasuryAccount))
	assert.Equal(t, types.Head{Time: 1000}, f.ledger.Head())

	err := f.ledger.InitGenesis(&chain.Genesis{})
	assert.Error(t, err, "accounts already exist")

	_, err = f.ledger.ProduceBlock(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, types.Head{Block: 1, Time: 1000 + chain.DefaultBlockInterval}, f.ledger.Head())
	assert.Error(t, f.ledger.InitGenesis(&chain.Genesis{}))
}

func TestGenesisSupplyBounded(t *testing.T) {
	cfg := api.DefaultConfig()
	cfg.MaxSupply = 100
	l, err := chain.New(cfg, memory.NewStore(), mock.New(nil), chain.Options{})
	require.NoError(t, err)
	err = l.InitGenesis(&chain.Genesis{Accounts: []chain.GenesisAccount{{Name: "alice", Qi: 101}}})
	assert.ErrorContains(t, err, "max_supply")
	_, err = l.Store().Account(cfg.SystemAccount)
	assert.Error(t, err, "nothing is written")
}

func TestCallSettlesAndConserves(t *testing.T) {
	f := newFixture(t, chain.Options{})
	f.deploy(t, "Counter", counter, counterABI()...)

	r := f.apply(t, chain.CallContract{Account: "alice", Contract: "counter", Function: "add", Args: []any{5}}, signedByAlice)
	require.True(t, r.Success, r.Error)
	assert.Equal(t, 5, r.Value)
	require.NotNil(t, r.Settlement)
	assert.Equal(t, uint64(920), r.Settlement.Total)
	assert.Equal(t, core.AccountName("bob"), r.Owner)

	assert.Equal(t, uint64(9080), f.qi(t, "alice"))
	assert.Equal(t, uint64(320), f.qi(t, "bob"))
	assert.Equal(t, uint64(600), f.qi(t, f.cfg.TreasuryAccount))
	assert.Equal(t, "5", f.counterValue(t))
	f.requireSupply(t, 10_000)
}

func TestUnsignedCallRejected(t *testing.T) {
	f := newFixture(t, chain.Options{})
	f.deploy(t, "counter", counter, counterABI()...)

	r := f.apply(t, chain.CallContract{Account: "alice", Contract: "counter", Function: "add", Args: []any{5}}, nil)
	assert.False(t, r.Success)
	assert.Equal(t, core.KindAuthorization.String(), r.ErrorKind)
	assert.Equal(t, uint64(10_000), f.qi(t, "alice"))
	assert.Empty(t, f.counterValue(t))
}

func TestFailedCallIsAtomic(t *testing.T) {
	f := newFixture(t, chain.Options{})
	f.deploy(t, "counter", counter, counterABI()...)

	r := f.apply(t, chain.CallContract{Account: "alice", Contract: "counter", Function: "boom"}, signedByAlice)
	assert.False(t, r.Success)
	assert.Equal(t, core.KindScript.String(), r.ErrorKind)
	assert.Contains(t, r.Error, "boom")
	assert.Empty(t, f.counterValue(t))
	assert.Equal(t, uint64(10_000), f.qi(t, "alice"))
	f.requireSupply(t, 10_000)

	r = f.apply(t, chain.CallContract{Account: "alice", Contract: "missing", Function: "add"}, signedByAlice)
	assert.Equal(t, core.KindNotFound.String(), r.ErrorKind)
}

func TestEvalNeverPersists(t *testing.T) {
	f := newFixture(t, chain.Options{})
	f.deploy(t, "counter", counter, counterABI()...)
	r := f.apply(t, chain.CallContract{Account: "alice", Contract: "counter", Function: "add", Args: []any{2}}, signedByAlice)
	require.True(t, r.Success, r.Error)
	alice := f.qi(t, "alice")

	r = f.apply(t, chain.EvalContract{Account: "alice", Contract: "counter", Function: "value"}, signedByAlice)
	require.True(t, r.Success, r.Error)
	assert.Equal(t, "2", r.Value)

	r = f.apply(t, chain.EvalContract{Account: "alice", Contract: "counter", Function: "sneak"}, signedByAlice)
	assert.False(t, r.Success)
	assert.Equal(t, "2", f.counterValue(t))
	assert.Equal(t, alice, f.qi(t, "alice"), "evaluations are free")
}

func TestReviseArchivesAndDiffs(t *testing.T) {
	archive, err := repository.NewManager(t.TempDir())
	require.NoError(t, err)
	defer archive.Close()
	f := newFixture(t, chain.Options{Archive: archive})
	f.deploy(t, "counter", counter, counterABI()...)

	code := f.script.Register("counter-v2", counter)
	next := []abi.Entry{effect("add", "by", "times"), view("value"), effect("reset")}

	r := f.apply(t, chain.ReviseContract{Account: "alice", Name: "counter", Code: code, ABI: next}, signedByAlice)
	assert.False(t, r.Success)
	assert.Equal(t, core.KindAuthorization.String(), r.ErrorKind)

	r = f.apply(t, chain.ReviseContract{Account: "bob", Name: "Counter", Code: code, ABI: next}, nil)
	require.True(t, r.Success, r.Error)
	assert.Equal(t, uint64(2), r.Revision)
	require.NotNil(t, r.Changes)
	assert.Equal(t, abi.Changes{Added: []string{"reset"}, Removed: []string{"boom", "sneak"}, Changed: []string{"add"}}, *r.Changes)

	c, err := f.ledger.Store().Contract("counter")
	require.NoError(t, err)
	assert.Equal(t, code, c.Code)
	assert.Equal(t, core.GetHash(code), c.CodeHash)

	revs, err := f.ledger.Store().Revisions("counter")
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, uint64(1), revs[0].Revision)

	archived, err := archive.Load("counter", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("counter"), archived.Code)
}

func TestDeployValidation(t *testing.T) {
	f := newFixture(t, chain.Options{})
	code := f.script.Register("dup", counter)

	r := f.apply(t, chain.DeployContract{Account: "bob", Name: "dup", Code: code, ABI: []abi.Entry{view("a"), view("a")}}, nil)
	assert.Equal(t, core.KindABI.String(), r.ErrorKind)
	r = f.apply(t, chain.DeployContract{Account: "bob", Name: "empty"}, nil)
	assert.False(t, r.Success)
	r = f.apply(t, chain.DeployContract{Account: "nobody", Name: "x", Code: code}, nil)
	assert.Equal(t, core.KindNotFound.String(), r.ErrorKind)

	r = f.apply(t, chain.DeployContract{Account: "bob", Name: "dup", Code: code}, nil)
	require.True(t, r.Success, r.Error)
	assert.Equal(t, uint64(1), r.Revision)
	r = f.apply(t, chain.DeployContract{Account: "bob", Name: "DUP", Code: code}, nil)
	assert.False(t, r.Success, "names are canonical")
}

func TestTransfer(t *testing.T) {
	f := newFixture(t, chain.Options{})

	r := f.apply(t, chain.Transfer{From: "alice", To: "bob", Amount: 100}, signedByAlice)
	require.True(t, r.Success, r.Error)
	assert.Equal(t, uint64(9900), f.qi(t, "alice"))
	assert.Equal(t, uint64(100), f.qi(t, "bob"))

	r = f.apply(t, chain.CreateEntity{Account: "alice", Qi: 500}, signedByAlice)
	require.True(t, r.Success, r.Error)
	id := r.Entity

	r = f.apply(t, chain.Transfer{From: "alice", FromEntity: id, To: "bob", Amount: 200}, signedByAlice)
	require.True(t, r.Success, r.Error)
	assert.Equal(t, uint64(300), f.entity(t, id).Qi)

	r = f.apply(t, chain.Transfer{From: "bob", FromEntity: id, To: "bob", Amount: 1}, nil)
	assert.Equal(t, core.KindAuthorization.String(), r.ErrorKind, "only the owner moves entity funds")

	r = f.apply(t, chain.Transfer{From: "bob", ToEntity: id, Amount: 50}, nil)
	require.True(t, r.Success, r.Error)
	assert.Equal(t, uint64(350), f.entity(t, id).Qi)

	r = f.apply(t, chain.Transfer{From: "bob", To: "alice", Amount: 1_000_000}, nil)
	assert.Equal(t, core.KindFunding.String(), r.ErrorKind)
	r = f.apply(t, chain.Transfer{From: "bob", To: "nobody", Amount: 1}, nil)
	assert.Equal(t, core.KindNotFound.String(), r.ErrorKind)
	assert.Equal(t, uint64(250), f.qi(t, "bob"), "failed transfers leave the source untouched")
	r = f.apply(t, chain.Transfer{From: "bob", To: "alice", ToEntity: id, Amount: 1}, nil)
	assert.False(t, r.Success)
	r = f.apply(t, chain.Transfer{From: "bob", To: "alice"}, nil)
	assert.False(t, r.Success)

	f.requireSupply(t, 10_000)
}

func TestCreditBeyondMaxSupplyRejected(t *testing.T) {
	f := newFixture(t, chain.Options{})
	r := f.apply(t, chain.CreateEntity{Account: "alice", Qi: 500}, signedByAlice)
	require.True(t, r.Success, r.Error)
	id := r.Entity
	full := f.cfg.MaxSupply - 10
	require.NoError(t, f.ledger.Store().ModifyEntity(id, func(e *types.Entity) error {
		e.Qi = full
		return nil
	}))

	r = f.apply(t, chain.Transfer{From: "alice", ToEntity: id, Amount: 50}, signedByAlice)
	assert.False(t, r.Success)
	assert.Equal(t, core.KindInternal.String(), r.ErrorKind)
	assert.Contains(t, r.Error, core.ErrSupplyExceeded.Error())
	assert.Equal(t, uint64(9500), f.qi(t, "alice"), "the debit is rolled back with the credit")
	assert.Equal(t, full, f.entity(t, id).Qi)

	r = f.apply(t, chain.TopUpEntity{Account: "alice", Entity: id, Amount: 11}, signedByAlice)
	assert.Equal(t, core.KindInternal.String(), r.ErrorKind)
	r = f.apply(t, chain.TopUpEntity{Account: "alice", Entity: id, Amount: 10}, signedByAlice)
	require.True(t, r.Success, r.Error)
	assert.Equal(t, f.cfg.MaxSupply, f.entity(t, id).Qi)
}

func TestHeartbeatThroughBlocks(t *testing.T) {
	f := newFixture(t, chain.Options{})
	f.deploy(t, "ticker", ticker, effect(abi.HeartbeatFunction))
	ctx := context.Background()

	report, err := f.ledger.ProduceBlock(ctx, []chain.Signed{
		{Op: chain.CreateEntity{Account: "alice", Qi: 1000, Contract: "ticker", Heartbeat: true}, Signers: signedByAlice},
	})
	require.NoError(t, err)
	require.Len(t, report.Receipts, 1)
	require.True(t, report.Receipts[0].Success, report.Receipts[0].Error)
	id := report.Receipts[0].Entity
	assert.Equal(t, 1, report.Heartbeat.Succeeded)

	e := f.entity(t, id)
	assert.Equal(t, uint64(100), e.Qi)
	assert.Equal(t, uint64(1+f.cfg.TickPeriod), e.NextTickTime)
	assert.Equal(t, uint64(320), f.qi(t, "bob"))
	assert.Equal(t, uint64(580), f.qi(t, f.cfg.TreasuryAccount))
	f.requireSupply(t, 10_000)

	// not due again until block 21
	report, err = f.ledger.ProduceBlock(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Heartbeat.Processed)
}

func TestTopUpReenablesAfterDebt(t *testing.T) {
	f := newFixture(t, chain.Options{})
	f.deploy(t, "ticker", ticker, effect(abi.HeartbeatFunction))
	ctx := context.Background()

	report, err := f.ledger.ProduceBlock(ctx, []chain.Signed{
		{Op: chain.CreateEntity{Account: "alice", Qi: 500, Contract: "ticker", Heartbeat: true}, Signers: signedByAlice},
	})
	require.NoError(t, err)
	id := report.Receipts[0].Entity
	assert.Equal(t, 1, report.Heartbeat.DebtRecorded)

	e := f.entity(t, id)
	assert.Equal(t, uint64(0), e.Qi)
	assert.Equal(t, uint64(400), e.DebtValue)
	assert.Equal(t, types.Never, e.NextTickTime)
	f.requireSupply(t, 10_000)

	r := f.apply(t, chain.TopUpEntity{Account: "alice", Entity: id, Amount: 1500}, signedByAlice)
	require.True(t, r.Success, r.Error)
	e = f.entity(t, id)
	assert.Equal(t, uint64(1500), e.Qi)
	assert.Equal(t, uint64(1), e.NextTickTime)

	report, err = f.ledger.ProduceBlock(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Heartbeat.DebtRepaid)
	assert.Equal(t, 1, report.Heartbeat.Succeeded)
	e = f.entity(t, id)
	assert.Equal(t, uint64(200), e.Qi)
	assert.Zero(t, e.DebtValue)
	assert.Equal(t, uint64(2+f.cfg.TickPeriod), e.NextTickTime)
	f.requireSupply(t, 10_000)
}

func TestCallAsEntity(t *testing.T) {
	f := newFixture(t, chain.Options{})
	f.deploy(t, "counter", counter, counterABI()...)

	r := f.apply(t, chain.CreateEntity{Account: "alice", Qi: 2000, Actor: true, ActorName: "scout"}, signedByAlice)
	require.True(t, r.Success, r.Error)
	id := r.Entity

	r = f.apply(t, chain.CallContract{Account: "alice", AsEntity: id, Contract: "counter", Function: "add", Args: []any{1}}, signedByAlice)
	require.True(t, r.Success, r.Error)
	assert.Equal(t, uint64(2000-920), f.entity(t, id).Qi, "the actor pays")
	assert.Equal(t, uint64(8000), f.qi(t, "alice"))

	r = f.apply(t, chain.CallContract{Account: "bob", AsEntity: id, Contract: "counter", Function: "add", Args: []any{1}}, nil)
	assert.Equal(t, core.KindAuthorization.String(), r.ErrorKind)
	f.requireSupply(t, 10_000)
}

func TestNilOperation(t *testing.T) {
	f := newFixture(t, chain.Options{})
	r := f.apply(t, nil, nil)
	assert.False(t, r.Success)
	assert.Equal(t, core.KindInternal.String(), r.ErrorKind)
}

func TestHeadSurvivesReopen(t *testing.T) {
	cfg := api.DefaultConfig()
	store := memory.NewStore()
	l, err := chain.New(cfg, store, mock.New(nil), chain.Options{BlockInterval: 5})
	require.NoError(t, err)
	require.NoError(t, l.InitGenesis(&chain.Genesis{Time: 10}))
	for i := 0; i < 3; i++ {
		_, err := l.ProduceBlock(context.Background(), nil)
		require.NoError(t, err)
	}

	again, err := chain.New(cfg, store, mock.New(nil), chain.Options{})
	require.NoError(t, err)
	assert.Equal(t, types.Head{Block: 3, Time: 25}, again.Head())
}

func TestJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "receipts.jsonl.zst")
	journal, err := chain.OpenJournal(path)
	require.NoError(t, err)
	f := newFixture(t, chain.Options{Journal: journal})
	ctx := context.Background()

	_, err = f.ledger.ProduceBlock(ctx, []chain.Signed{
		{Op: chain.Transfer{From: "alice", To: "bob", Amount: 7}, Signers: signedByAlice},
		{Op: chain.Transfer{From: "bob", To: "alice", Amount: 100}},
	})
	require.NoError(t, err)
	_, err = f.ledger.ProduceBlock(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Close())

	var receipts []chain.Receipt
	var blocks []uint64
	err = chain.ReadJournal(path, func(rec chain.JournalRecord) error {
		switch {
		case rec.Receipt != nil:
			receipts = append(receipts, *rec.Receipt)
		case rec.Block != nil:
			blocks = append(blocks, rec.Block.Block)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.True(t, receipts[0].Success)
	assert.Equal(t, chain.OpTransfer, receipts[0].Kind)
	assert.False(t, receipts[1].Success)
	assert.Equal(t, core.KindFunding.String(), receipts[1].ErrorKind)
	assert.Equal(t, []uint64{1, 2}, blocks)
}

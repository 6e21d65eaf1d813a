// Package chain drives the ledger block by block: it applies operations,
// each atomically in its own scope, runs the heartbeat scheduler and
// advances the chain head.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/govm-net/qi/abi"
	"github.com/govm-net/qi/api"
	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/heartbeat"
	"github.com/govm-net/qi/ledger"
	"github.com/govm-net/qi/repository"
	"github.com/govm-net/qi/resource"
	"github.com/govm-net/qi/types"
	"github.com/govm-net/qi/vm"
)

// DefaultBlockInterval is the number of seconds between two blocks.
const DefaultBlockInterval = 3

// Options configures a Ledger. Every field is optional.
type Options struct {
	// Archive keeps superseded contract revisions on disk.
	Archive *repository.Manager
	// Journal receives every receipt and block report.
	Journal *Journal
	Logger  *slog.Logger
	// BlockInterval is the block time step in seconds.
	BlockInterval uint64
}

// Ledger applies operations and produces blocks.
type Ledger struct {
	cfg       api.Config
	store     *ledger.Store
	engine    *vm.Engine
	scheduler *heartbeat.Scheduler
	archive   *repository.Manager
	journal   *Journal
	logger    *slog.Logger
	interval  uint64

	mu   sync.Mutex
	head types.Head
}

// BlockReport is what ProduceBlock did.
type BlockReport struct {
	Block     uint64           `json:"block"`
	Time      uint64           `json:"time"`
	Receipts  []Receipt        `json:"receipts"`
	Heartbeat heartbeat.Report `json:"heartbeat"`
}

// New creates a ledger on store, resuming from the head the store recorded.
func New(cfg api.Config, store *ledger.Store, script vm.ScriptVM, opts Options) (*Ledger, error) {
	engine, err := vm.NewEngine(cfg, store, script)
	if err != nil {
		return nil, err
	}
	head, err := store.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.BlockInterval
	if interval == 0 {
		interval = DefaultBlockInterval
	}
	return &Ledger{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		scheduler: heartbeat.New(engine, logger),
		archive:   opts.Archive,
		journal:   opts.Journal,
		logger:    logger.With("component", "chain"),
		interval:  interval,
		head:      head,
	}, nil
}

// Config returns the protocol parameters.
func (l *Ledger) Config() api.Config {
	return l.cfg
}

// Store returns the ledger store.
func (l *Ledger) Store() *ledger.Store {
	return l.store
}

// Head returns the last produced block.
func (l *Ledger) Head() types.Head {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Close closes the engine, the journal and the store.
func (l *Ledger) Close() error {
	var result *multierror.Error
	if err := l.engine.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if l.journal != nil {
		if err := l.journal.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close journal: %w", err))
		}
	}
	if err := l.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close store: %w", err))
	}
	return result.ErrorOrNil()
}

// Supply is the qi held by every account and entity.
func (l *Ledger) Supply() (uint64, error) {
	var total uint64
	err := l.store.ForEachAccount(func(a *types.Account) error {
		total = resource.AddSat(total, a.Qi)
		return nil
	})
	if err != nil {
		return 0, err
	}
	err = l.store.ForEachEntity(func(e *types.Entity) error {
		total = resource.AddSat(total, e.Qi)
		return nil
	})
	return total, err
}

// ApplyOperation applies op on top of the current head.
func (l *Ledger) ApplyOperation(ctx context.Context, op Operation, signers core.KeySet) Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.apply(ctx, l.head, 0, op, signers)
	l.record(journalEntry{Type: entryReceipt, Receipt: &r})
	return r
}

// ProduceBlock applies ops in order as the next block, runs the heartbeats
// due at that block and advances the head.
func (l *Ledger) ProduceBlock(ctx context.Context, ops []Signed) (*BlockReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := types.Head{Block: l.head.Block + 1, Time: l.head.Time + l.interval}
	report := &BlockReport{Block: next.Block, Time: next.Time}
	for i, s := range ops {
		r := l.apply(ctx, next, i, s.Op, s.Signers)
		l.record(journalEntry{Type: entryReceipt, Receipt: &r})
		report.Receipts = append(report.Receipts, r)
	}
	report.Heartbeat = l.scheduler.Run(ctx, next.Block)

	if err := l.store.PutHead(next); err != nil {
		return report, fmt.Errorf("failed to advance head: %w", err)
	}
	l.head = next
	l.record(journalEntry{Type: entryBlock, Block: report})
	l.logger.Debug("Block produced", "block", next.Block, "ops", len(ops), "heartbeats", report.Heartbeat.Processed)
	return report, nil
}

func (l *Ledger) record(entry journalEntry) {
	if l.journal == nil {
		return
	}
	if err := l.journal.Write(entry); err != nil {
		l.logger.Error("failed to write journal", "error", err)
	}
}

// apply runs one operation inside its own scope. Any error, a panic
// included, discards everything the operation did.
func (l *Ledger) apply(ctx context.Context, head types.Head, index int, op Operation, signers core.KeySet) (r Receipt) {
	r = Receipt{Block: head.Block, Index: index}
	if op == nil {
		return failed(r, core.Errorf(core.KindInternal, "apply", "nil operation"))
	}
	r.Kind = op.Kind()

	scope, err := l.store.Begin()
	if err != nil {
		return failed(r, core.Wrap(core.KindInternal, "apply", err))
	}
	var archived *types.ContractRevision
	closed := false
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("operation panicked", "kind", r.Kind, "panic", p)
			r = failed(r, core.Errorf(core.KindInternal, "apply", "panic: %v", p))
		}
		if !closed {
			if derr := scope.Discard(); derr != nil {
				l.logger.Error("failed to discard operation scope", "error", derr)
			}
		}
	}()

	a := &applier{l: l, ctx: ctx, head: head, signers: signers, receipt: &r}
	switch op := op.(type) {
	case DeployContract:
		err = a.deploy(op)
	case ReviseContract:
		archived, err = a.revise(op)
	case CallContract:
		err = a.call(op)
	case EvalContract:
		err = a.eval(op)
	case CreateEntity:
		err = a.createEntity(op)
	case Transfer:
		err = a.transfer(op)
	case TopUpEntity:
		err = a.topUp(op)
	default:
		err = core.Errorf(core.KindInternal, "apply", "unknown operation %T", op)
	}
	if err != nil {
		return failed(r, err)
	}
	closed = true
	if err := scope.Squash(); err != nil {
		return failed(r, core.Wrap(core.KindInternal, "apply", err))
	}
	r.Success = true

	if archived != nil && l.archive != nil {
		if err := l.archive.Archive(*archived); err != nil {
			l.logger.Error("failed to archive revision", "contract", archived.Name, "revision", archived.Revision, "error", err)
		}
	}
	return r
}

func failed(r Receipt, err error) Receipt {
	r.Success = false
	r.Error = err.Error()
	r.ErrorKind = core.KindOf(err).String()
	return r
}

// applier carries the context of one operation.
type applier struct {
	l       *Ledger
	ctx     context.Context
	head    types.Head
	signers core.KeySet
	receipt *Receipt
}

// authorize checks that the account's key signed the operation.
func (a *applier) authorize(name core.AccountName, op string) (*types.Account, error) {
	acct, err := a.l.store.Account(name)
	if err != nil {
		return nil, core.Wrap(core.KindNotFound, op, err)
	}
	if acct.PublicKey != "" && !a.signers.Has(acct.PublicKey) {
		return nil, core.Errorf(core.KindAuthorization, op, "%w: missing signature of %s", core.ErrUnauthorized, name)
	}
	return acct, nil
}

// ownedEntity loads an entity and checks that account owns it.
func (a *applier) ownedEntity(account core.AccountName, id core.EntityID, op string) (*types.Entity, error) {
	e, err := a.l.store.Entity(id)
	if err != nil {
		return nil, core.Wrap(core.KindNotFound, op, err)
	}
	if e.Owner != account {
		return nil, core.Errorf(core.KindAuthorization, op, "%w: %s does not own %s", core.ErrUnauthorized, account, id)
	}
	return e, nil
}

func (a *applier) caller(account core.AccountName, asEntity core.EntityID, op string) (vm.Caller, error) {
	if _, err := a.authorize(account, op); err != nil {
		return nil, err
	}
	if asEntity == 0 {
		return vm.AccountCaller{Name: account}, nil
	}
	e, err := a.ownedEntity(account, asEntity, op)
	if err != nil {
		return nil, err
	}
	return vm.CallerForEntity(e), nil
}

func (a *applier) checkContract(name core.ContractName, code []byte, table abi.Table, op string) error {
	if name == "" {
		return core.Errorf(core.KindInternal, op, "contract name is empty")
	}
	if len(code) == 0 {
		return core.Errorf(core.KindInternal, op, "contract code is empty")
	}
	if err := table.Check(); err != nil {
		return core.Wrap(core.KindABI, op, err)
	}
	return nil
}

func (a *applier) deploy(op DeployContract) error {
	if _, err := a.authorize(op.Account, "deploy"); err != nil {
		return err
	}
	if err := a.checkContract(op.Name, op.Code, op.ABI, "deploy"); err != nil {
		return err
	}
	c := &types.Contract{
		Name:         op.Name,
		Owner:        op.Account,
		Code:         op.Code,
		ABI:          op.ABI,
		AuthorityKey: op.AuthorityKey,
		RequireAuth:  op.RequireAuth,
		Revision:     1,
		CodeHash:     core.GetHash(op.Code),
	}
	if err := a.l.store.CreateContract(c); err != nil {
		return core.Wrap(core.KindInternal, "deploy", err)
	}
	a.receipt.Revision = c.Revision
	a.l.logger.Info("Contract deployed", "contract", c.Name, "owner", c.Owner, "hash", c.CodeHash)
	return nil
}

// revise swaps code and ABI as a unit and returns the superseded revision.
func (a *applier) revise(op ReviseContract) (*types.ContractRevision, error) {
	if _, err := a.authorize(op.Account, "revise"); err != nil {
		return nil, err
	}
	if err := a.checkContract(op.Name, op.Code, op.ABI, "revise"); err != nil {
		return nil, err
	}
	prev, err := a.l.store.Contract(op.Name)
	if err != nil {
		return nil, core.Wrap(core.KindNotFound, "revise", err)
	}
	if prev.Owner != op.Account {
		return nil, core.Errorf(core.KindAuthorization, "revise", "%w: %s does not own %s", core.ErrUnauthorized, op.Account, prev.Name)
	}
	old := types.ContractRevision{
		Name:     prev.Name,
		Revision: prev.Revision,
		Code:     prev.Code,
		ABI:      prev.ABI,
		CodeHash: prev.CodeHash,
	}
	if err := a.l.store.AddRevision(old); err != nil {
		return nil, core.Wrap(core.KindInternal, "revise", err)
	}
	err = a.l.store.ModifyContract(op.Name, func(c *types.Contract) error {
		c.Code = op.Code
		c.ABI = op.ABI
		c.CodeHash = core.GetHash(op.Code)
		c.Revision++
		return nil
	})
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "revise", err)
	}
	changes := abi.Diff(prev.ABI, op.ABI)
	a.receipt.Changes = &changes
	a.receipt.Revision = prev.Revision + 1
	a.l.logger.Info("Contract revised", "contract", prev.Name, "revision", prev.Revision+1,
		"added", changes.Added, "removed", changes.Removed, "changed", changes.Changed)
	return &old, nil
}

func (a *applier) invocation(caller vm.Caller) *vm.Invocation {
	inv := vm.NewInvocation(caller, a.signers)
	inv.Block = a.head.Block
	inv.Time = a.head.Time
	return inv
}

func (a *applier) outcome(out *vm.Outcome) {
	if out == nil {
		return
	}
	a.receipt.Value = out.Value
	a.receipt.Settlement = &out.Settlement
	a.receipt.Result = &out.Result
	a.receipt.Owner = out.Owner
}

func (a *applier) call(op CallContract) error {
	caller, err := a.caller(op.Account, op.AsEntity, "call")
	if err != nil {
		return err
	}
	t := vm.Target{Contract: op.Contract, Function: op.Function, Entity: op.Entity}
	out, err := a.l.engine.Apply(a.ctx, a.invocation(caller), t, op.Args)
	if err != nil {
		return err
	}
	a.outcome(out)
	return nil
}

func (a *applier) eval(op EvalContract) error {
	caller, err := a.caller(op.Account, op.AsEntity, "eval")
	if err != nil {
		return err
	}
	t := vm.Target{Contract: op.Contract, Function: op.Function, Entity: op.Entity}
	out, err := a.l.engine.Eval(a.ctx, a.invocation(caller), t, op.Args)
	if err != nil {
		return err
	}
	a.outcome(out)
	return nil
}

func (a *applier) createEntity(op CreateEntity) error {
	if _, err := a.authorize(op.Account, "create_entity"); err != nil {
		return err
	}
	if op.Contract != "" {
		if _, err := a.l.store.Contract(op.Contract); err != nil {
			return core.Wrap(core.KindNotFound, "create_entity", err)
		}
	}
	if op.Heartbeat && op.Contract == "" {
		return core.Errorf(core.KindInternal, "create_entity", "a heartbeat entity needs a contract")
	}
	if err := debitAccount(a.l.store, op.Account, op.Qi); err != nil {
		return err
	}
	e := &types.Entity{
		Owner:        op.Account,
		Qi:           op.Qi,
		Contract:     op.Contract,
		Heartbeat:    op.Heartbeat,
		NextTickTime: types.Never,
		Zone:         op.Zone,
		Actor:        op.Actor,
		ActorName:    op.ActorName,
	}
	if op.Heartbeat {
		// first tick at the block being produced
		e.NextTickTime = a.head.Block
	}
	id, err := a.l.store.CreateEntity(e)
	if err != nil {
		return core.Wrap(core.KindInternal, "create_entity", err)
	}
	a.receipt.Entity = id
	return nil
}

func (a *applier) transfer(op Transfer) error {
	if op.Amount == 0 {
		return core.Errorf(core.KindInternal, "transfer", "amount must be positive")
	}
	if (op.To == "") == (op.ToEntity == 0) {
		return core.Errorf(core.KindInternal, "transfer", "exactly one destination is required")
	}
	if _, err := a.authorize(op.From, "transfer"); err != nil {
		return err
	}
	if op.FromEntity != 0 {
		if _, err := a.ownedEntity(op.From, op.FromEntity, "transfer"); err != nil {
			return err
		}
		if err := debitEntity(a.l.store, op.FromEntity, op.Amount); err != nil {
			return err
		}
	} else if err := debitAccount(a.l.store, op.From, op.Amount); err != nil {
		return err
	}
	if op.ToEntity != 0 {
		return creditEntity(a.l.store, op.ToEntity, op.Amount, a.l.cfg.MaxSupply)
	}
	if _, err := a.l.store.Account(op.To); err != nil {
		return core.Wrap(core.KindNotFound, "transfer", err)
	}
	return core.Wrap(core.KindInternal, "transfer", vm.Credit(a.l.store, op.To, op.Amount, a.l.cfg.MaxSupply))
}

func (a *applier) topUp(op TopUpEntity) error {
	if op.Amount == 0 {
		return core.Errorf(core.KindInternal, "top_up", "amount must be positive")
	}
	if _, err := a.authorize(op.Account, "top_up"); err != nil {
		return err
	}
	e, err := a.ownedEntity(op.Account, op.Entity, "top_up")
	if err != nil {
		return err
	}
	if err := debitAccount(a.l.store, op.Account, op.Amount); err != nil {
		return err
	}
	if err := creditEntity(a.l.store, op.Entity, op.Amount, a.l.cfg.MaxSupply); err != nil {
		return err
	}
	if e.Heartbeat && e.NextTickTime == types.Never && resource.AddSat(e.Qi, op.Amount) >= e.DebtValue {
		if err := a.l.scheduler.Enable(e.ID, a.head.Block); err != nil {
			return core.Wrap(core.KindInternal, "top_up", err)
		}
		a.l.logger.Info("Entity re-enabled", "entity", e.ID)
	}
	return nil
}

func debitAccount(s *ledger.Store, name core.AccountName, amount uint64) error {
	if amount == 0 {
		return nil
	}
	return s.ModifyAccount(name, func(a *types.Account) error {
		if a.Qi < amount {
			return core.Errorf(core.KindFunding, "debit", "%w: %s holds %d, needs %d", core.ErrInsufficientFunds, name, a.Qi, amount)
		}
		a.Qi -= amount
		return nil
	})
}

func debitEntity(s *ledger.Store, id core.EntityID, amount uint64) error {
	return s.ModifyEntity(id, func(e *types.Entity) error {
		if e.Qi < amount {
			return core.Errorf(core.KindFunding, "debit", "%w: %s holds %d, needs %d", core.ErrInsufficientFunds, id, e.Qi, amount)
		}
		e.Qi -= amount
		return nil
	})
}

func creditEntity(s *ledger.Store, id core.EntityID, amount, limit uint64) error {
	err := s.ModifyEntity(id, func(e *types.Entity) error {
		qi, ok := resource.AddBounded(e.Qi, amount, limit)
		if !ok {
			return core.Errorf(core.KindInternal, "credit", "%w: %s holds %d, credit %d", core.ErrSupplyExceeded, id, e.Qi, amount)
		}
		e.Qi = qi
		return nil
	})
	if errors.Is(err, core.ErrNotFound) {
		return core.Wrap(core.KindNotFound, "credit", err)
	}
	return core.Wrap(core.KindInternal, "credit", err)
}

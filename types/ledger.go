// Package types contains the ledger object model shared by the store
// backends, the invocation engine and the scheduler.
package types

import (
	"math"

	"github.com/govm-net/qi/abi"
	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/resource"
)

// Never is the NextTickTime of a disabled entity.
const Never = uint64(math.MaxUint64)

// Account is a plain balance holder.
type Account struct {
	Name      core.AccountName `json:"name"`
	PublicKey core.PublicKey   `json:"public_key,omitempty"`
	Qi        uint64           `json:"qi"`

	ReceivedDelegations uint64 `json:"received_delegations,omitempty"`
	DelegatedOut        uint64 `json:"delegated_out,omitempty"`
	WithdrawRate        uint64 `json:"withdraw_rate,omitempty"`
	ToWithdraw          uint64 `json:"to_withdraw,omitempty"`

	Bar resource.Bar `json:"bar"`
}

// EffectiveQi is the capacity backing the account's resource bar.
func (a *Account) EffectiveQi() uint64 {
	return resource.EffectiveCapacity(a.Qi, a.ReceivedDelegations, a.DelegatedOut, a.WithdrawRate, a.ToWithdraw)
}

// Entity is an autonomous ledger object with its own balance, an optional
// bound contract and an optional heartbeat schedule.
type Entity struct {
	ID    core.EntityID    `json:"id"`
	Owner core.AccountName `json:"owner"`
	Qi    uint64           `json:"qi"`

	Contract core.ContractName `json:"contract,omitempty"`
	// MirageContract overrides Contract for heartbeats when set.
	MirageContract core.ContractName `json:"mirage_contract,omitempty"`

	DebtValue    uint64            `json:"debt_value,omitempty"`
	DebtContract core.ContractName `json:"debt_contract,omitempty"`

	Heartbeat    bool   `json:"heartbeat"`
	NextTickTime uint64 `json:"next_tick_time"`

	// Zone binds the entity to a geography for permission checks.
	Zone string `json:"zone,omitempty"`

	// Actor marks the derived actor specialization.
	Actor     bool   `json:"actor,omitempty"`
	ActorName string `json:"actor_name,omitempty"`
}

// Active reports whether the entity takes part in the heartbeat schedule.
func (e *Entity) Active() bool {
	return e.Heartbeat && e.NextTickTime != Never
}

// TickContract resolves the contract a heartbeat runs.
func (e *Entity) TickContract() core.ContractName {
	if e.MirageContract != "" {
		return e.MirageContract
	}
	return e.Contract
}

// Contract is a deployed script with its ABI.
type Contract struct {
	Name         core.ContractName `json:"name"`
	Owner        core.AccountName  `json:"owner"`
	Code         []byte            `json:"code"`
	ABI          abi.Table         `json:"abi"`
	AuthorityKey core.PublicKey    `json:"authority_key,omitempty"`
	RequireAuth  bool              `json:"require_auth"`
	Revision     uint64            `json:"revision"`
	CodeHash     core.Hash         `json:"code_hash"`
}

// ContractRevision is a superseded version of a contract, kept for audit.
type ContractRevision struct {
	Name     core.ContractName `json:"name"`
	Revision uint64            `json:"revision"`
	Code     []byte            `json:"code"`
	ABI      abi.Table         `json:"abi"`
	CodeHash core.Hash         `json:"code_hash"`
}

// CellKey addresses the private data of one caller in one contract.
type CellKey struct {
	Caller   string            `json:"caller"`
	Contract core.ContractName `json:"contract"`
}

// DataKey addresses contract-owned public data, optionally scoped to an entity
// bound to the contract.
type DataKey struct {
	Contract core.ContractName `json:"contract"`
	Entity   core.EntityID     `json:"entity,omitempty"`
}

// ZoneRule is one row of a zone's allow/deny table.
type ZoneRule struct {
	Zone     string            `json:"zone"`
	Contract core.ContractName `json:"contract"`
	Allow    bool              `json:"allow"`
}

// Zone is a geography entities can be bound to. A zone without a rule for a
// contract defers to its parent.
type Zone struct {
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
}

// Head is the position of the chain: the last block and its time in seconds.
type Head struct {
	Block uint64 `json:"block"`
	Time  uint64 `json:"time"`
}

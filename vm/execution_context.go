package vm

import (
	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/meter"
	"github.com/govm-net/qi/security"
	"github.com/govm-net/qi/types"
)

// Invocation is the context of one top-level operation. It owns the call
// path and the result record, and every nested call runs against it.
type Invocation struct {
	// Caller pays for the whole operation.
	Caller  Caller
	Signers core.KeySet
	// SkipValidation disables the signature check, e.g. during replay.
	SkipValidation bool

	// Block is the block number, Time the block time in seconds.
	Block uint64
	Time  uint64

	Path   *security.CallPath
	Result types.Result
	// Meter is created from the caller's balance when the operation starts
	// unless the operation supplies one.
	Meter *Meter

	// owner receives the owner share of the settlement: the owner of the
	// outermost contract.
	owner core.AccountName
	// fatal is set by errors no script may recover from.
	fatal error
}

// NewInvocation creates the context for an operation paid by caller.
func NewInvocation(caller Caller, signers core.KeySet) *Invocation {
	return &Invocation{
		Caller:  caller,
		Signers: signers,
		Path:    security.NewCallPath(),
	}
}

// Owner is the account receiving the owner share of the settlement.
func (inv *Invocation) Owner() core.AccountName {
	return inv.owner
}

// Target names a function to call. A non-zero Entity runs the contract bound
// to that entity, with the entity's public data and zone.
type Target struct {
	Contract core.ContractName
	Function string
	Entity   core.EntityID
}

// Outcome is what an operation produced.
type Outcome struct {
	Value      any               `json:"value,omitempty"`
	Settlement meter.Settlement  `json:"settlement"`
	Result     types.Result      `json:"result"`
	Owner      core.AccountName  `json:"owner,omitempty"`
}

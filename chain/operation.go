package chain

import (
	"github.com/govm-net/qi/abi"
	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/meter"
	"github.com/govm-net/qi/types"
)

// OpKind names an operation type.
type OpKind string

const (
	OpDeployContract OpKind = "deploy_contract"
	OpReviseContract OpKind = "revise_contract"
	OpCallContract   OpKind = "call_contract"
	OpEvalContract   OpKind = "eval_contract"
	OpCreateEntity   OpKind = "create_entity"
	OpTransfer       OpKind = "transfer"
	OpTopUpEntity    OpKind = "top_up_entity"
)

// Operation is something a block applies. The set of operations is closed.
type Operation interface {
	Kind() OpKind
	isOperation()
}

// DeployContract publishes a new contract owned by Account.
type DeployContract struct {
	Account      core.AccountName  `json:"account"`
	Name         core.ContractName `json:"name"`
	Code         []byte            `json:"code"`
	ABI          abi.Table         `json:"abi"`
	AuthorityKey core.PublicKey    `json:"authority_key,omitempty"`
	RequireAuth  bool              `json:"require_auth,omitempty"`
}

// ReviseContract replaces the code and ABI of a contract as a unit.
type ReviseContract struct {
	Account core.AccountName  `json:"account"`
	Name    core.ContractName `json:"name"`
	Code    []byte            `json:"code"`
	ABI     abi.Table         `json:"abi"`
}

// CallContract runs an effectful function. The caller is Account, or the
// entity AsEntity owned by Account when it is set. A non-zero Entity runs the
// contract bound to that entity.
type CallContract struct {
	Account  core.AccountName  `json:"account"`
	AsEntity core.EntityID     `json:"as_entity,omitempty"`
	Contract core.ContractName `json:"contract"`
	Function string            `json:"function"`
	Args     []any             `json:"args,omitempty"`
	Entity   core.EntityID     `json:"entity,omitempty"`
}

// EvalContract runs a read-only function. Nothing it does persists.
type EvalContract struct {
	Account  core.AccountName  `json:"account"`
	AsEntity core.EntityID     `json:"as_entity,omitempty"`
	Contract core.ContractName `json:"contract"`
	Function string            `json:"function"`
	Args     []any             `json:"args,omitempty"`
	Entity   core.EntityID     `json:"entity,omitempty"`
}

// CreateEntity creates an entity owned by Account and funds it with Qi taken
// from the account.
type CreateEntity struct {
	Account   core.AccountName  `json:"account"`
	Qi        uint64            `json:"qi"`
	Contract  core.ContractName `json:"contract,omitempty"`
	Heartbeat bool              `json:"heartbeat,omitempty"`
	Zone      string            `json:"zone,omitempty"`
	Actor     bool              `json:"actor,omitempty"`
	ActorName string            `json:"actor_name,omitempty"`
}

// Transfer moves qi. The source is From, or the entity FromEntity owned by
// From; the destination is To or, when it is set, the entity ToEntity.
type Transfer struct {
	From       core.AccountName `json:"from"`
	FromEntity core.EntityID    `json:"from_entity,omitempty"`
	To         core.AccountName `json:"to,omitempty"`
	ToEntity   core.EntityID    `json:"to_entity,omitempty"`
	Amount     uint64           `json:"amount"`
}

// TopUpEntity funds an entity from an account. A disabled heartbeat entity
// is put back on the schedule once its balance covers its debt.
type TopUpEntity struct {
	Account core.AccountName `json:"account"`
	Entity  core.EntityID    `json:"entity"`
	Amount  uint64           `json:"amount"`
}

func (DeployContract) Kind() OpKind { return OpDeployContract }
func (ReviseContract) Kind() OpKind { return OpReviseContract }
func (CallContract) Kind() OpKind   { return OpCallContract }
func (EvalContract) Kind() OpKind   { return OpEvalContract }
func (CreateEntity) Kind() OpKind   { return OpCreateEntity }
func (Transfer) Kind() OpKind       { return OpTransfer }
func (TopUpEntity) Kind() OpKind    { return OpTopUpEntity }

func (DeployContract) isOperation() {}
func (ReviseContract) isOperation() {}
func (CallContract) isOperation()   {}
func (EvalContract) isOperation()   {}
func (CreateEntity) isOperation()   {}
func (Transfer) isOperation()       {}
func (TopUpEntity) isOperation()    {}

// Signed is an operation with the keys whose signatures were verified for
// it.
type Signed struct {
	Op      Operation
	Signers core.KeySet
}

// Receipt is the outcome of one operation.
type Receipt struct {
	Block   uint64 `json:"block"`
	Index   int    `json:"index"`
	Kind    OpKind `json:"kind"`
	Success bool   `json:"success"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	Value      any               `json:"value,omitempty"`
	Settlement *meter.Settlement `json:"settlement,omitempty"`
	Result     *types.Result     `json:"result,omitempty"`
	Owner      core.AccountName  `json:"owner,omitempty"`

	// Entity is set by CreateEntity.
	Entity core.EntityID `json:"entity,omitempty"`
	// Revision and Changes are set by DeployContract and ReviseContract.
	Revision uint64       `json:"revision,omitempty"`
	Changes  *abi.Changes `json:"changes,omitempty"`
}

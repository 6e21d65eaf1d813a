package vm

import (
	"context"
	"errors"

	"github.com/govm-net/qi/core"
)

// ErrOutOfSteps is reported by a sandbox whose step budget ran out.
var ErrOutOfSteps = errors.New("execution budget exhausted")

// ScriptVM is the scripting runtime the engine drives. Implementations keep
// one immutable base environment and derive a fresh sandbox from it for
// every call.
type ScriptVM interface {
	NewSandbox(ctx context.Context, meter *Meter) (Sandbox, error)
	Close() error
}

// Sandbox is one isolated script environment.
type Sandbox interface {
	// Load compiles code into the sandbox under name.
	Load(name core.ContractName, code []byte) error
	// Bind injects the host capabilities. It must be called before Call.
	Bind(host Host)
	// Call runs fn with positional args [self, params] and returns the
	// script's result. The sandbox charges the meter as it runs.
	Call(ctx context.Context, fn string, args []any) (any, error)
	Close() error
}

// Self is the first positional argument of every call.
type Self struct {
	Contract   core.ContractName `json:"contract"`
	Owner      core.AccountName  `json:"owner"`
	Caller     string            `json:"caller"`
	CallerKind CallerKind        `json:"caller_kind"`
	Entity     *core.EntityID    `json:"entity,omitempty"`
}

// Host is the only surface a script can reach. Every helper costs API
// overhead points.
type Host interface {
	Caller() (string, CallerKind)
	Contract() core.ContractName
	Entity() (core.EntityID, bool)
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	CellGet(key string) ([]byte, bool, error)
	CellSet(key string, value []byte) error
	Log(msg string) error
	Notify(entity core.EntityID, msg string) error
	Call(contract core.ContractName, fn string, params map[string]any) (any, error)
	Eval(contract core.ContractName, fn string, params map[string]any) (any, error)
	Balance() (uint64, error)
}

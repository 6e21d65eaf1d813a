package types

// HostFunctionID identifies a helper a sandboxed script can call on the host.
//
// The numbering is part of the script ABI: contracts compiled against it
// pass these IDs to the imported host entry point, so values must never be
// reordered.
type HostFunctionID int32

const (
	// FuncCaller returns the identity of the current caller
	FuncCaller HostFunctionID = iota + 1 // 1
	// FuncContract returns the name of the running contract
	FuncContract // 2
	// FuncEntity returns the bound entity, if any
	FuncEntity // 3
	// FuncGet reads a key of the contract's public data
	FuncGet // 4
	// FuncSet writes a key of the contract's public data
	FuncSet // 5
	// FuncCellGet reads a key of the caller's private cell
	FuncCellGet // 6
	// FuncCellSet writes a key of the caller's private cell
	FuncCellSet // 7
	// FuncLog appends a log entry to the result
	FuncLog // 8
	// FuncNotify records an affected-entity notice
	FuncNotify // 9
	// FuncCall performs a nested effectful call
	FuncCall // 10
	// FuncEval performs a nested read-only call
	FuncEval // 11
	// FuncBalance returns the caller's qi balance
	FuncBalance // 12
)

// HostBufferSize is the size of the buffer the host writes results into.
const HostBufferSize int32 = 2048

// SetParams is the argument of FuncSet and FuncCellSet.
type SetParams struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// GetParams is the argument of FuncGet and FuncCellGet.
type GetParams struct {
	Key string `json:"key"`
}

// NotifyParams is the argument of FuncNotify.
type NotifyParams struct {
	Entity  uint64 `json:"entity"`
	Message string `json:"message"`
}

// CallParams is the argument of FuncCall and FuncEval.
type CallParams struct {
	Contract string         `json:"contract"`
	Function string         `json:"function"`
	Params   map[string]any `json:"params,omitempty"`
}

// HandleContractCallParams is what the host passes to a script's entry
// point.
type HandleContractCallParams struct {
	Function string `json:"function"`
	Args     []any  `json:"args"`
}

// ExecutionResult is what a script's entry point returns.
type ExecutionResult struct {
	Success bool   `json:"success"`
	Data    []any  `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

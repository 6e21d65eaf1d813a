// Package wasi runs contracts compiled to WebAssembly on wazero. One runtime
// and one "env" host module form the shared base environment; each call gets
// a fresh instance of the contract module. Code is rewritten at load time so
// that every function entry and every loop iteration costs one step, and a
// guest that runs its budget dry traps.
package wasi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/types"
	"github.com/govm-net/qi/vm"
)

// DefaultCacheSize is the number of compiled modules kept by default.
const DefaultCacheSize = 64

type sandboxKey struct{}

// WazeroVM implements vm.ScriptVM on wazero.
type WazeroVM struct {
	ctx     context.Context
	runtime wazero.Runtime
	env     api.Module

	mu    sync.Mutex
	cache *lru.Cache
}

var _ vm.ScriptVM = (*WazeroVM)(nil)

// NewWazeroVM creates the runtime and instantiates the base environment.
func NewWazeroVM(cacheSize int) (*WazeroVM, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	ctx := context.Background()
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter().WithCloseOnContextDone(true))

	w := &WazeroVM{ctx: ctx, runtime: runtime}
	cache, err := lru.NewWithEvict(cacheSize, func(key, value any) {
		if err := value.(wazero.CompiledModule).Close(w.ctx); err != nil {
			slog.Error("failed to close compiled module", "error", err)
		}
	})
	if err != nil {
		runtime.Close(ctx)
		return nil, err
	}
	w.cache = cache

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate wasi: %w", err)
	}
	if w.env, err = instantiateEnv(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate env module: %w", err)
	}
	return w, nil
}

// instantiateEnv builds the host module every contract imports. Host
// functions find their sandbox through the call context.
func instantiateEnv(ctx context.Context, runtime wazero.Runtime) (api.Module, error) {
	builder := runtime.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithParameterNames("funcID", "argPtr", "argLen", "bufferPtr").
		WithResultNames("result").
		WithFunc(func(ctx context.Context, m api.Module, funcID, argPtr, argLen, bufferPtr uint32) int32 {
			sb, arg, ok := hostCall(ctx, m, argPtr, argLen)
			if !ok {
				return -1
			}
			defer sb.reload()
			if _, err := sb.dispatch(types.HostFunctionID(funcID), arg); err != nil {
				sb.fail(err)
				return -1
			}
			return 0
		}).
		Export("call_host_set")

	builder.NewFunctionBuilder().
		WithParameterNames("funcID", "argPtr", "argLen", "buffer").
		WithResultNames("result").
		WithFunc(func(ctx context.Context, m api.Module, funcID, argPtr, argLen, buffer uint32) int32 {
			sb, arg, ok := hostCall(ctx, m, argPtr, argLen)
			if !ok {
				return -1
			}
			defer sb.reload()
			out, err := sb.dispatch(types.HostFunctionID(funcID), arg)
			if err != nil {
				sb.fail(err)
				return -1
			}
			if len(out) > int(types.HostBufferSize) {
				sb.fail(fmt.Errorf("host result of %d bytes exceeds buffer", len(out)))
				return -1
			}
			if !m.Memory().Write(buffer, out) {
				return -1
			}
			return int32(len(out))
		}).
		Export("call_host_get_buffer")

	return builder.Instantiate(ctx)
}

// hostCall finds the sandbox behind a host import and settles the steps the
// guest took so far, since the host may spend from the same meter.
func hostCall(ctx context.Context, m api.Module, argPtr, argLen uint32) (*Sandbox, []byte, bool) {
	sb, ok := ctx.Value(sandboxKey{}).(*Sandbox)
	if !ok || sb.host == nil || sb.steps == nil {
		return nil, nil, false
	}
	sb.settle()
	mem := m.Memory()
	if mem == nil {
		return nil, nil, false
	}
	arg, ok := mem.Read(argPtr, argLen)
	if !ok {
		return nil, nil, false
	}
	// the slice aliases guest memory
	return sb, append([]byte(nil), arg...), true
}

func (w *WazeroVM) compile(code []byte) (wazero.CompiledModule, error) {
	key := core.GetHash(code)
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.cache.Get(key); ok {
		return c.(wazero.CompiledModule), nil
	}
	metered, err := instrument(code)
	if err != nil {
		return nil, fmt.Errorf("failed to meter WebAssembly module: %w", err)
	}
	compiled, err := w.runtime.CompileModule(w.ctx, metered)
	if err != nil {
		return nil, fmt.Errorf("failed to compile WebAssembly module: %w", err)
	}
	w.cache.Add(key, compiled)
	return compiled, nil
}

// Cached reports whether code has a compiled module in the cache.
func (w *WazeroVM) Cached(code []byte) bool {
	return w.cache.Contains(core.GetHash(code))
}

// NewSandbox creates a sandbox charging meter.
func (w *WazeroVM) NewSandbox(_ context.Context, meter *vm.Meter) (vm.Sandbox, error) {
	if meter == nil {
		return nil, errors.New("sandbox needs a meter")
	}
	return &Sandbox{vm: w, meter: meter}, nil
}

// Close closes the runtime and every module compiled by it.
func (w *WazeroVM) Close() error {
	w.cache.Purge()
	if err := w.runtime.Close(w.ctx); err != nil {
		return fmt.Errorf("failed to close wazero runtime: %w", err)
	}
	return nil
}

// Sandbox is one call's module instance.
type Sandbox struct {
	vm       *WazeroVM
	meter    *vm.Meter
	name     core.ContractName
	compiled wazero.CompiledModule
	host     vm.Host

	// steps is the guest's counter; loaded is what it held when last loaded
	// from the meter.
	steps     api.MutableGlobal
	loaded    int64
	exhausted bool
	hostErr   error
	closed    bool
}

func (s *Sandbox) Load(name core.ContractName, code []byte) error {
	if len(code) == 0 {
		return errors.New("contract code cannot be empty")
	}
	compiled, err := s.vm.compile(code)
	if err != nil {
		return err
	}
	s.name = name
	s.compiled = compiled
	return nil
}

func (s *Sandbox) Bind(host vm.Host) {
	s.host = host
}

// reload hands the meter's remaining steps to the guest.
func (s *Sandbox) reload() {
	s.loaded = s.meter.Remaining()
	s.steps.Set(uint64(s.loaded))
}

// settle charges the meter for the steps the guest took since the last
// reload. A negative counter means the guest trapped on an empty budget.
func (s *Sandbox) settle() {
	left := int64(s.steps.Get())
	if left < 0 {
		s.exhausted = true
		left = 0
	}
	if err := s.meter.Consume(s.loaded - left); err != nil {
		s.exhausted = true
	}
	s.loaded = left
}

// fail records the first error a host function hit, so the script's failure
// can be reported with its cause.
func (s *Sandbox) fail(err error) {
	if s.hostErr == nil {
		s.hostErr = err
	}
}

// Call instantiates the module and runs handle_contract_call.
func (s *Sandbox) Call(ctx context.Context, fn string, args []any) (any, error) {
	if s.closed {
		return nil, errors.New("sandbox closed")
	}
	if s.compiled == nil || s.host == nil {
		return nil, errors.New("sandbox not ready")
	}
	ctx = context.WithValue(ctx, sandboxKey{}, s)

	// _initialize runs from callWasm, once the counter is loaded
	config := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	module, err := s.vm.runtime.InstantiateModule(ctx, s.compiled, config)
	if err != nil {
		return nil, s.translate(fmt.Errorf("failed to instantiate module: %w", err))
	}
	defer module.Close(context.Background())
	steps, ok := module.ExportedGlobal(stepsExport).(api.MutableGlobal)
	if !ok {
		return nil, errors.New("module has no step counter")
	}
	s.steps = steps
	s.reload()

	out, err := s.callWasm(ctx, module, fn, args)
	s.settle()
	if err != nil {
		return nil, s.translate(err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	var result types.ExecutionResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}
	if !result.Success {
		return nil, errors.New(result.Error)
	}
	switch len(result.Data) {
	case 0:
		return nil, nil
	case 1:
		return result.Data[0], nil
	}
	return result.Data, nil
}

func (s *Sandbox) translate(err error) error {
	if s.exhausted {
		return fmt.Errorf("%w: %s", vm.ErrOutOfSteps, s.name)
	}
	if s.hostErr != nil {
		return fmt.Errorf("%w (host: %v)", err, s.hostErr)
	}
	return err
}

func (s *Sandbox) callWasm(ctx context.Context, module api.Module, fn string, args []any) ([]byte, error) {
	if initialize := module.ExportedFunction("_initialize"); initialize != nil {
		if _, err := initialize.Call(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize module: %w", err)
		}
	}
	allocate := module.ExportedFunction("allocate")
	if allocate == nil {
		return nil, fmt.Errorf("allocate function not found")
	}
	handle := module.ExportedFunction("handle_contract_call")
	if handle == nil {
		return nil, fmt.Errorf("handle_contract_call not found")
	}

	input, err := json.Marshal(types.HandleContractCallParams{Function: fn, Args: args})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize handle_contract_call: %w", err)
	}
	result, err := allocate.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate memory: %w", err)
	}
	inputAddr := uint32(result[0])
	if !module.Memory().Write(inputAddr, input) {
		return nil, fmt.Errorf("failed to write to memory")
	}

	result, err = handle.Call(ctx, uint64(inputAddr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s: %w", fn, err)
	}
	resultLen := int32(result[0])
	if resultLen <= 0 {
		return nil, nil
	}

	getBufferAddress := module.ExportedFunction("get_buffer_address")
	if getBufferAddress == nil {
		return nil, fmt.Errorf("get_buffer_address function not found")
	}
	result, err = getBufferAddress.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("get_buffer_address failed: %w", err)
	}
	data, ok := module.Memory().Read(uint32(result[0]), uint32(resultLen))
	if !ok {
		return nil, fmt.Errorf("failed to read memory:%d, len:%d", result[0], resultLen)
	}
	return append([]byte(nil), data...), nil
}

func (s *Sandbox) Close() error {
	s.closed = true
	s.host = nil
	s.steps = nil
	return nil
}

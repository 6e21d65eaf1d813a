// Package mock is a native script VM: contracts are Go functions registered
// under a name, and a contract's code is that name. It follows the same
// sandbox contract as the wasm backend and is what the engine tests run.
package mock

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/vm"
)

// Script is a contract written in Go. It receives the call's self descriptor
// and named parameters and returns the call result.
type Script func(env *Env, fn string, self vm.Self, params map[string]any) (any, error)

// EntryCost is the number of steps charged when a call enters a script.
const EntryCost = 1

// VM is a registry of scripts plus the base environment every sandbox is
// seeded from.
type VM struct {
	mu      sync.RWMutex
	scripts map[string]Script
	base    map[string]any
}

var _ vm.ScriptVM = (*VM)(nil)

// New creates a VM whose sandboxes start with a copy of base as globals.
func New(base map[string]any) *VM {
	return &VM{
		scripts: make(map[string]Script),
		base:    maps.Clone(base),
	}
}

// Register makes a script loadable by code. It returns the code to deploy.
func (v *VM) Register(code string, s Script) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scripts[code] = s
	return []byte(code)
}

func (v *VM) lookup(code []byte) (Script, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.scripts[string(code)]
	return s, ok
}

// NewSandbox creates a sandbox charging meter.
func (v *VM) NewSandbox(_ context.Context, meter *vm.Meter) (vm.Sandbox, error) {
	if meter == nil {
		return nil, errors.New("sandbox needs a meter")
	}
	v.mu.RLock()
	globals := maps.Clone(v.base)
	v.mu.RUnlock()
	if globals == nil {
		globals = make(map[string]any)
	}
	return &Sandbox{vm: v, env: &Env{meter: meter, Globals: globals}}, nil
}

func (v *VM) Close() error {
	return nil
}

// Sandbox runs one script.
type Sandbox struct {
	vm     *VM
	name   core.ContractName
	script Script
	env    *Env
	closed bool
}

func (s *Sandbox) Load(name core.ContractName, code []byte) error {
	script, ok := s.vm.lookup(code)
	if !ok {
		return fmt.Errorf("no script registered for %s", name)
	}
	s.name = name
	s.script = script
	return nil
}

func (s *Sandbox) Bind(host vm.Host) {
	s.env.Host = host
}

// Call runs the loaded script. A panic inside the script, including running
// out of steps, is turned into an error.
func (s *Sandbox) Call(ctx context.Context, fn string, args []any) (result any, err error) {
	if s.closed {
		return nil, errors.New("sandbox closed")
	}
	if s.script == nil || s.env.Host == nil {
		return nil, errors.New("sandbox not ready")
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("expected [self, params], got %d args", len(args))
	}
	self, ok := args[0].(vm.Self)
	if !ok {
		return nil, fmt.Errorf("bad self descriptor %T", args[0])
	}
	params, ok := args[1].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("bad params %T", args[1])
	}

	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && errors.Is(e, vm.ErrOutOfSteps) {
				err = e
				return
			}
			err = fmt.Errorf("script %s panicked: %v", s.name, r)
		}
	}()
	s.env.ctx = ctx
	s.env.ConsumeGas(EntryCost)
	return s.script(s.env, fn, self, params)
}

func (s *Sandbox) Close() error {
	s.closed = true
	s.env.Host = nil
	return nil
}

package mock

import (
	"context"
	"fmt"

	"github.com/govm-net/qi/vm"
)

// Env is what a script sees: the host capabilities, its own globals and the
// step counter.
type Env struct {
	Host    vm.Host
	Globals map[string]any

	ctx   context.Context
	meter *vm.Meter
}

// ConsumeGas charges steps. Running out panics, which unwinds the script to
// the sandbox boundary.
func (e *Env) ConsumeGas(amount int64) {
	if err := e.meter.Consume(amount); err != nil {
		panic(fmt.Errorf("%w: need %d", err, amount))
	}
	if e.ctx != nil && e.ctx.Err() != nil {
		panic(e.ctx.Err())
	}
}

// GetGas returns the steps left.
func (e *Env) GetGas() int64 {
	return e.meter.Remaining()
}

// GetUsedGas returns the steps used by the whole operation so far.
func (e *Env) GetUsedGas() int64 {
	return e.meter.Budget() - e.meter.Remaining()
}

package vm

import "sync"

// Meter is the step budget of one operation. Nested calls share the meter of
// the operation that started them.
type Meter struct {
	mu        sync.Mutex
	budget    int64
	remaining int64
	api       uint64
}

// NewMeter creates a meter holding budget steps.
func NewMeter(budget int64) *Meter {
	if budget < 0 {
		budget = 0
	}
	return &Meter{budget: budget, remaining: budget}
}

// Consume takes steps from the budget. When the budget cannot cover them it
// is drained and ErrOutOfSteps is returned.
func (m *Meter) Consume(steps int64) error {
	if steps <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if steps > m.remaining {
		m.remaining = 0
		return ErrOutOfSteps
	}
	m.remaining -= steps
	return nil
}

// AddOverhead counts helper-call points, tracked apart from steps.
func (m *Meter) AddOverhead(points uint64) {
	m.mu.Lock()
	m.api += points
	m.mu.Unlock()
}

// Budget is the initial number of steps.
func (m *Meter) Budget() int64 {
	return m.budget
}

func (m *Meter) Remaining() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

// Overhead returns the helper-call points counted so far.
func (m *Meter) Overhead() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.api
}

// Exhausted reports whether no steps are left.
func (m *Meter) Exhausted() bool {
	return m.Remaining() == 0
}

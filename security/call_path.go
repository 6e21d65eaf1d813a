// Package security provides the checks every invocation passes before a
// script runs: signature authority, denylist and zone permissions, and the
// call-path recursion guard.
package security

import (
	"strings"

	"github.com/govm-net/qi/core"
)

// Frame is one entry on the call path.
type Frame struct {
	Caller   string
	Contract core.ContractName
	Function string
}

// CallPath records the contracts currently executing for one operation. It
// belongs to a single invocation context and is not safe for concurrent use.
type CallPath struct {
	frames []Frame
}

// NewCallPath creates an empty call path.
func NewCallPath() *CallPath {
	return &CallPath{frames: make([]Frame, 0, 4)}
}

// Enter pushes contract onto the path. If the contract is already on the
// path the whole path is cleared and a circular-call error is returned.
func (p *CallPath) Enter(caller string, contract core.ContractName, function string) error {
	name := core.CanonicalName(contract)
	for _, f := range p.frames {
		if f.Contract == name {
			chain := p.describe(name)
			p.Reset()
			return core.Errorf(core.KindCircular, "enter", "%w: %s", core.ErrCircularCall, chain)
		}
	}
	p.frames = append(p.frames, Frame{Caller: caller, Contract: name, Function: function})
	return nil
}

// Leave pops the innermost frame. Leaving an empty path is a no-op, which is
// what outer frames see after a cycle cleared the path.
func (p *CallPath) Leave() {
	if len(p.frames) > 0 {
		p.frames = p.frames[:len(p.frames)-1]
	}
}

// Reset clears the path.
func (p *CallPath) Reset() {
	p.frames = p.frames[:0]
}

// Depth is the number of frames on the path.
func (p *CallPath) Depth() int {
	return len(p.frames)
}

// Contains reports whether contract is on the path.
func (p *CallPath) Contains(contract core.ContractName) bool {
	name := core.CanonicalName(contract)
	for _, f := range p.frames {
		if f.Contract == name {
			return true
		}
	}
	return false
}

// Names lists the contracts on the path, outermost first.
func (p *CallPath) Names() []core.ContractName {
	out := make([]core.ContractName, len(p.frames))
	for i, f := range p.frames {
		out[i] = f.Contract
	}
	return out
}

// Current returns the innermost frame.
func (p *CallPath) Current() (Frame, bool) {
	if len(p.frames) == 0 {
		return Frame{}, false
	}
	return p.frames[len(p.frames)-1], true
}

func (p *CallPath) describe(next core.ContractName) string {
	parts := make([]string, 0, len(p.frames)+1)
	for _, f := range p.frames {
		parts = append(parts, string(f.Contract))
	}
	parts = append(parts, string(next))
	return strings.Join(parts, " -> ")
}

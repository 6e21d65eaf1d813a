// Package abi describes the functions a contract exposes and validates calls
// against that description before any script runs.
package abi

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/govm-net/qi/core"
)

// HeartbeatFunction is invoked by the scheduler on ticking entities.
const HeartbeatFunction = "on_heart_beat"

// Param describes one positional parameter.
type Param struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Entry is the persisted description of one exposed function.
type Entry struct {
	Name     string  `json:"name"`
	ArgList  []Param `json:"arglist"`
	IsVarArg bool    `json:"is_var_arg"`
	// Consequence marks functions that mutate state. Only transactions may
	// call them, and only evaluations may call the others.
	Consequence bool `json:"consequence"`
}

// Table is a contract's ABI.
type Table []Entry

// Flavor is the kind of entry point a call comes through.
type Flavor int

const (
	// Eval is a read-only evaluation.
	Eval Flavor = iota
	// Effect is a state-mutating, transaction-originated call.
	Effect
)

func (f Flavor) String() string {
	if f == Effect {
		return "effect"
	}
	return "eval"
}

// Lookup finds the entry named fn.
func (t Table) Lookup(fn string) (Entry, bool) {
	for _, e := range t {
		if e.Name == fn {
			return e, true
		}
	}
	return Entry{}, false
}

// Has reports whether fn is exposed.
func (t Table) Has(fn string) bool {
	_, ok := t.Lookup(fn)
	return ok
}

// Validate checks a call of fn with argc arguments through the given entry
// point.
func (t Table) Validate(fn string, argc int, flavor Flavor, maxArgs int) (Entry, error) {
	entry, ok := t.Lookup(fn)
	if !ok {
		return Entry{}, core.Wrap(core.KindABI, fn, core.ErrFunctionNotFound)
	}
	if argc > maxArgs {
		return Entry{}, &core.Error{Kind: core.KindABI, Op: fn,
			Err: fmt.Errorf("%w: %d > %d", core.ErrTooManyArgs, argc, maxArgs)}
	}
	if !entry.IsVarArg && argc != len(entry.ArgList) {
		return Entry{}, &core.Error{Kind: core.KindABI, Op: fn,
			Err: fmt.Errorf("%w: got %d, want %d", core.ErrArgCount, argc, len(entry.ArgList))}
	}
	if entry.Consequence != (flavor == Effect) {
		return Entry{}, &core.Error{Kind: core.KindABI, Op: fn,
			Err: fmt.Errorf("%w: %s call to consequence=%t function", core.ErrWrongFlavor, flavor, entry.Consequence)}
	}
	return entry, nil
}

// Check validates the table itself: names must be unique and non-empty.
func (t Table) Check() error {
	seen := make(map[string]struct{}, len(t))
	for _, e := range t {
		if e.Name == "" {
			return fmt.Errorf("abi entry with empty name")
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("duplicate abi entry %q", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return nil
}

// Encode serializes the table in its persisted form.
func (t Table) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// Decode parses a persisted table.
func Decode(data []byte) (Table, error) {
	if len(data) == 0 {
		return Table{}, nil
	}
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse abi: %w", err)
	}
	return t, nil
}

// Changes lists the differences between two revisions of a table.
type Changes struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

// Empty reports whether both revisions expose the same functions.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Diff compares a previous and a new revision.
func Diff(prev, next Table) Changes {
	var c Changes
	for _, e := range next {
		old, ok := prev.Lookup(e.Name)
		switch {
		case !ok:
			c.Added = append(c.Added, e.Name)
		case !sameEntry(old, e):
			c.Changed = append(c.Changed, e.Name)
		}
	}
	for _, e := range prev {
		if !next.Has(e.Name) {
			c.Removed = append(c.Removed, e.Name)
		}
	}
	sort.Strings(c.Added)
	sort.Strings(c.Removed)
	sort.Strings(c.Changed)
	return c
}

func sameEntry(a, b Entry) bool {
	if a.IsVarArg != b.IsVarArg || a.Consequence != b.Consequence || len(a.ArgList) != len(b.ArgList) {
		return false
	}
	for i := range a.ArgList {
		if a.ArgList[i] != b.ArgList[i] {
			return false
		}
	}
	return true
}

// Package ledger is the indexed object store the engine reads and writes
// through. Objects live in a key/value backend that supports nested,
// revertible scopes; the typed Store on top gives copy-on-write access to
// accounts, entities, contracts and data cells.
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrScopeOrder  = errors.New("ledger: scope closed out of order")
	ErrScopeClosed = errors.New("ledger: scope already closed")
)

// Backend is a key/value store with nested revertible scopes.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	// Scan calls fn for every live key with the given prefix, in key order.
	Scan(prefix string, fn func(key string, value []byte) error) error
	// Begin opens a scope nested in the innermost open one.
	Begin() (Scope, error)
	Close() error
}

// Scope is a revertible set of writes. Exactly one of Squash or Discard must
// be called, innermost scope first.
type Scope interface {
	// Squash commits the scope's writes into its parent.
	Squash() error
	// Discard drops every write made since the scope was opened.
	Discard() error
}

const sep = "\x1f"

const (
	prefixAccount  = "account"
	prefixEntity   = "entity"
	prefixContract = "contract"
	prefixRevision = "revision"
	prefixCell     = "cell"
	prefixData     = "data"
	prefixZone     = "zone"
	prefixZoneRule = "zonerule"
	keyNextEntity  = "meta" + sep + "next_entity"
	keyHead        = "meta" + sep + "head"
)

func makeKey(parts ...string) string {
	return strings.Join(parts, sep)
}

func uintKey(v uint64) string {
	return fmt.Sprintf("%020d", v)
}

package core

import (
	"errors"
	"fmt"
)

// Common errors returned across the ledger.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized operation")
	ErrDenied            = errors.New("contract is denied")
	ErrInsufficientFunds = errors.New("insufficient qi")
	ErrContractNotFound  = errors.New("contract not found")
	ErrFunctionNotFound  = errors.New("function not found")
	ErrArgCount          = errors.New("wrong argument count")
	ErrTooManyArgs       = errors.New("too many arguments")
	ErrWrongFlavor       = errors.New("wrong call flavor")
	ErrCircularCall      = errors.New("circular contract call")
	ErrReadOnly          = errors.New("write attempted during evaluation")
	ErrExecutionReverted = errors.New("execution reverted")
	ErrSupplyExceeded    = errors.New("balance would exceed max supply")
)

// Kind classifies a failure so callers can decide how to recover from it
// without inspecting messages.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthorization
	KindABI
	KindCircular
	KindScript
	KindFunding
	KindNotFound
)

var kindNames = map[Kind]string{
	KindInternal:      "internal",
	KindAuthorization: "authorization",
	KindABI:           "abi",
	KindCircular:      "circular",
	KindScript:        "script",
	KindFunding:       "funding",
	KindNotFound:      "not_found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the result type carried by every failed operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an Error of the given kind.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err stays nil, and an err that already
// carries a kind keeps it.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind of err, KindInternal when none was attached.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrContractNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

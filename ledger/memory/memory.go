// Package memory is an in-memory ledger backend. Scopes are layers of
// pending writes stacked on a base map; squashing a layer merges it into the
// one below, discarding it simply drops it.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/govm-net/qi/ledger"
)

type op struct {
	value   []byte
	deleted bool
}

type layer struct {
	ops map[string]op
}

func newLayer() *layer {
	return &layer{ops: make(map[string]op)}
}

// Backend implements ledger.Backend in memory.
type Backend struct {
	mu     sync.Mutex
	base   map[string][]byte
	layers []*layer
}

func init() {
	if err := ledger.Register(ledger.MemoryType, func(map[string]any) (ledger.Backend, error) {
		return New(), nil
	}); err != nil {
		panic(err)
	}
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{base: make(map[string][]byte)}
}

// NewStore is a shortcut for a typed store over a fresh memory backend.
func NewStore() *ledger.Store {
	return ledger.NewStore(New())
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (b *Backend) Get(key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.layers) - 1; i >= 0; i-- {
		if o, ok := b.layers[i].ops[key]; ok {
			if o.deleted {
				return nil, false, nil
			}
			return clone(o.value), true, nil
		}
	}
	v, ok := b.base[key]
	return clone(v), ok, nil
}

func (b *Backend) Put(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.write(key, op{value: clone(value)})
	return nil
}

func (b *Backend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.write(key, op{deleted: true})
	return nil
}

func (b *Backend) write(key string, o op) {
	if n := len(b.layers); n > 0 {
		b.layers[n-1].ops[key] = o
		return
	}
	if o.deleted {
		delete(b.base, key)
		return
	}
	b.base[key] = o.value
}

func (b *Backend) Scan(prefix string, fn func(key string, value []byte) error) error {
	b.mu.Lock()
	merged := make(map[string][]byte)
	for k, v := range b.base {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}
	for _, l := range b.layers {
		for k, o := range l.ops {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if o.deleted {
				delete(merged, k)
			} else {
				merged[k] = o.value
			}
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, clone(merged[k])); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Begin() (ledger.Scope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.layers = append(b.layers, newLayer())
	return &scope{b: b, depth: len(b.layers)}, nil
}

// Depth is the number of open scopes.
func (b *Backend) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.layers)
}

func (b *Backend) Close() error {
	return nil
}

type scope struct {
	b      *Backend
	depth  int
	closed bool
}

func (s *scope) check() error {
	if s.closed {
		return ledger.ErrScopeClosed
	}
	if len(s.b.layers) != s.depth {
		return ledger.ErrScopeOrder
	}
	return nil
}

func (s *scope) Squash() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	top := s.b.layers[s.depth-1]
	s.b.layers[s.depth-1] = nil
	s.b.layers = s.b.layers[:s.depth-1]
	for k, o := range top.ops {
		s.b.write(k, o)
	}
	s.closed = true
	return nil
}

func (s *scope) Discard() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.b.layers[s.depth-1] = nil
	s.b.layers = s.b.layers[:s.depth-1]
	s.closed = true
	return nil
}

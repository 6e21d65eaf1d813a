package vm

import (
	"github.com/govm-net/qi/ledger"
	"github.com/govm-net/qi/types"
)

type space byte

const (
	publicSpace space = 'p'
	cellSpace   space = 'c'
)

type viewEntry struct {
	value []byte
	ok    bool
}

// dataView stages the data accesses of one call. Reads are cached in the
// read list; writes go to the write list and reach the store only through
// flush.
type dataView struct {
	store  *ledger.Store
	public types.DataKey
	cell   types.CellKey

	reads  map[string]viewEntry
	writes map[string]viewEntry
	order  []string
}

func newDataView(store *ledger.Store, public types.DataKey, cell types.CellKey) *dataView {
	return &dataView{
		store:  store,
		public: public,
		cell:   cell,
		reads:  make(map[string]viewEntry),
		writes: make(map[string]viewEntry),
	}
}

func viewKey(sp space, key string) string {
	return string(sp) + key
}

func (v *dataView) get(sp space, key string) ([]byte, bool, error) {
	k := viewKey(sp, key)
	if w, ok := v.writes[k]; ok {
		return w.value, w.ok, nil
	}
	if r, ok := v.reads[k]; ok {
		return r.value, r.ok, nil
	}
	var (
		value []byte
		found bool
		err   error
	)
	if sp == publicSpace {
		value, found, err = v.store.DataGet(v.public, key)
	} else {
		value, found, err = v.store.CellGet(v.cell, key)
	}
	if err != nil {
		return nil, false, err
	}
	v.reads[k] = viewEntry{value: value, ok: found}
	return value, found, nil
}

// set stages a write; a nil value deletes the key.
func (v *dataView) set(sp space, key string, value []byte) {
	k := viewKey(sp, key)
	if _, ok := v.writes[k]; !ok {
		v.order = append(v.order, k)
	}
	v.writes[k] = viewEntry{value: value, ok: value != nil}
}

// flush writes the write list to the store in the order keys were first
// written and returns the number of bytes stored.
func (v *dataView) flush() (uint64, error) {
	var size uint64
	for _, k := range v.order {
		w := v.writes[k]
		sp, key := space(k[0]), k[1:]
		var value []byte
		if w.ok {
			value = w.value
		}
		var err error
		if sp == publicSpace {
			err = v.store.DataSet(v.public, key, value)
		} else {
			err = v.store.CellSet(v.cell, key, value)
		}
		if err != nil {
			return size, err
		}
		size += uint64(len(key) + len(value))
	}
	return size, nil
}

func (v *dataView) dirty() bool {
	return len(v.order) > 0
}

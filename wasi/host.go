package wasi

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/types"
	"github.com/govm-net/qi/vm"
)

// callerInfo is the FuncCaller reply.
type callerInfo struct {
	Identity string        `json:"identity"`
	Kind     vm.CallerKind `json:"kind"`
}

// dispatch routes a host call from the guest. Reads answer with the raw
// value, or nothing when the key is missing; numeric answers are
// little-endian uint64.
func (s *Sandbox) dispatch(id types.HostFunctionID, arg []byte) ([]byte, error) {
	h := s.host
	switch id {
	case types.FuncCaller:
		identity, kind := h.Caller()
		return json.Marshal(callerInfo{Identity: identity, Kind: kind})
	case types.FuncContract:
		return []byte(h.Contract()), nil
	case types.FuncEntity:
		entity, ok := h.Entity()
		if !ok {
			return nil, nil
		}
		return binary.LittleEndian.AppendUint64(nil, uint64(entity)), nil
	case types.FuncGet, types.FuncCellGet:
		var p types.GetParams
		if err := json.Unmarshal(arg, &p); err != nil {
			return nil, fmt.Errorf("invalid get params: %w", err)
		}
		get := h.Get
		if id == types.FuncCellGet {
			get = h.CellGet
		}
		value, _, err := get(p.Key)
		return value, err
	case types.FuncSet, types.FuncCellSet:
		var p types.SetParams
		if err := json.Unmarshal(arg, &p); err != nil {
			return nil, fmt.Errorf("invalid set params: %w", err)
		}
		if id == types.FuncCellSet {
			return nil, h.CellSet(p.Key, p.Value)
		}
		return nil, h.Set(p.Key, p.Value)
	case types.FuncLog:
		return nil, h.Log(string(arg))
	case types.FuncNotify:
		var p types.NotifyParams
		if err := json.Unmarshal(arg, &p); err != nil {
			return nil, fmt.Errorf("invalid notify params: %w", err)
		}
		return nil, h.Notify(core.EntityID(p.Entity), p.Message)
	case types.FuncCall, types.FuncEval:
		var p types.CallParams
		if err := json.Unmarshal(arg, &p); err != nil {
			return nil, fmt.Errorf("invalid call params: %w", err)
		}
		call := h.Call
		if id == types.FuncEval {
			call = h.Eval
		}
		out, err := call(core.ContractName(p.Contract), p.Function, p.Params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	case types.FuncBalance:
		balance, err := h.Balance()
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(nil, balance), nil
	}
	return nil, fmt.Errorf("unknown host function %d", id)
}

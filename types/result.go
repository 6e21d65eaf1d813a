package types

import "github.com/govm-net/qi/core"

// LogEntry is a message emitted by a script.
type LogEntry struct {
	Contract core.ContractName `json:"contract"`
	Message  string            `json:"message"`
}

// Notice tells an entity it was affected by a call.
type Notice struct {
	Entity   core.EntityID     `json:"entity"`
	Contract core.ContractName `json:"contract"`
	Message  string            `json:"message"`
}

// Result accumulates what a call and its nested calls produced.
type Result struct {
	Logs     []LogEntry `json:"logs,omitempty"`
	Notices  []Notice   `json:"notices,omitempty"`
	DataSize uint64     `json:"data_size"`
}

// Merge appends child into r.
func (r *Result) Merge(child *Result) {
	if child == nil {
		return
	}
	r.Logs = append(r.Logs, child.Logs...)
	r.Notices = append(r.Notices, child.Notices...)
	r.DataSize += child.DataSize
}

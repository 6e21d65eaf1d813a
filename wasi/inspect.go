package wasi

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// FuncInfo describes an exported or imported function.
type FuncInfo struct {
	Module  string   `json:"module,omitempty"`
	Name    string   `json:"name"`
	Params  []string `json:"params"`
	Results []string `json:"results"`
}

func (f FuncInfo) String() string {
	name := f.Name
	if f.Module != "" {
		name = f.Module + "." + name
	}
	return fmt.Sprintf("%s(%s) -> (%s)", name, strings.Join(f.Params, ", "), strings.Join(f.Results, ", "))
}

// ModuleInfo lists what a contract module exports and imports.
type ModuleInfo struct {
	Exports  []FuncInfo `json:"exports"`
	Imports  []FuncInfo `json:"imports"`
	Memories []string   `json:"memories"`
	// Unmetered explains why step metering cannot be added to the module.
	Unmetered string `json:"unmetered,omitempty"`
}

// requiredExports are the entry points a sandbox calls.
var requiredExports = []string{"allocate", "handle_contract_call", "get_buffer_address"}

// allowedImports are the host functions a contract may import.
var allowedImports = map[string]bool{
	"env.call_host_set":        true,
	"env.call_host_get_buffer": true,
}

func funcInfo(def api.FunctionDefinition) FuncInfo {
	info := FuncInfo{Name: def.Name(), Params: []string{}, Results: []string{}}
	if module, name, ok := def.Import(); ok {
		info.Module, info.Name = module, name
	}
	for _, t := range def.ParamTypes() {
		info.Params = append(info.Params, api.ValueTypeName(t))
	}
	for _, t := range def.ResultTypes() {
		info.Results = append(info.Results, api.ValueTypeName(t))
	}
	return info
}

// Inspect compiles code without instantiating it and reports its exports
// and imports.
func Inspect(ctx context.Context, code []byte) (*ModuleInfo, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer runtime.Close(ctx)

	compiled, err := runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile WebAssembly module: %w", err)
	}
	info := &ModuleInfo{}
	if _, err := instrument(code); err != nil {
		info.Unmetered = err.Error()
	}
	for name, def := range compiled.ExportedFunctions() {
		f := funcInfo(def)
		f.Name = name
		info.Exports = append(info.Exports, f)
	}
	for _, def := range compiled.ImportedFunctions() {
		info.Imports = append(info.Imports, funcInfo(def))
	}
	for name := range compiled.ExportedMemories() {
		info.Memories = append(info.Memories, name)
	}
	sort.Slice(info.Exports, func(i, j int) bool { return info.Exports[i].Name < info.Exports[j].Name })
	sort.Slice(info.Imports, func(i, j int) bool { return info.Imports[i].String() < info.Imports[j].String() })
	sort.Strings(info.Memories)
	return info, nil
}

// Check reports why a module cannot run as a contract, or nil when it can.
func (m *ModuleInfo) Check() error {
	exported := make(map[string]bool, len(m.Exports))
	for _, f := range m.Exports {
		exported[f.Name] = true
	}
	var problems []string
	for _, name := range requiredExports {
		if !exported[name] {
			problems = append(problems, "missing export "+name)
		}
	}
	if len(m.Memories) == 0 {
		problems = append(problems, "no exported memory")
	}
	if m.Unmetered != "" {
		problems = append(problems, "cannot meter: "+m.Unmetered)
	}
	for _, f := range m.Imports {
		if f.Module == "wasi_snapshot_preview1" {
			continue
		}
		if !allowedImports[f.Module+"."+f.Name] {
			problems = append(problems, "unknown import "+f.Module+"."+f.Name)
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid contract module: %s", strings.Join(problems, "; "))
	}
	return nil
}

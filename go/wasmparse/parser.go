// Package wasmparse validates WebAssembly modules and reports the parts of
// them that need a full decoder: imports, memories and export signatures.
package wasmparse

import (
	"context"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/steamhammer/object/go/format/wasm"
	"github.com/steamhammer/object/go/models"
)

type Import struct {
	Module string
	Name   string
	Kind   uint8
	// Index in the index space of Kind.
	Index uint32
}

type Memory struct {
	Index    uint32
	Exports  []string
	Imported bool
	// Min and Max are in 64KiB pages.
	Min    uint32
	Max    uint32
	HasMax bool
}

const PageSize = 65536

// Size is the initial size of the memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(m.Min) * PageSize
}

// Signature is the type of an exported function.
type Signature struct {
	Params  []api.ValueType
	Results []api.ValueType
}

func (s Signature) String() string {
	names := func(vt []api.ValueType) string {
		out := make([]string, len(vt))
		for i, v := range vt {
			out[i] = api.ValueTypeName(v)
		}
		return "(" + strings.Join(out, ", ") + ")"
	}
	return names(s.Params) + " -> " + names(s.Results)
}

type Module struct {
	Name       string
	Imports    []Import
	Memories   []Memory
	Signatures map[string]Signature
}

// Memory returns the memory exported as name.
func (m *Module) Memory(name string) (*Memory, bool) {
	for i := range m.Memories {
		for _, n := range m.Memories[i].Exports {
			if n == name {
				return &m.Memories[i], true
			}
		}
	}
	return nil, false
}

type Parser interface {
	Parse(ctx context.Context, data []byte) (*Module, error)
}

// Wazero is a Parser backed by wazero's module compiler, which validates the
// whole module before anything is reported. Logger overrides the package
// logger when set.
type Wazero struct {
	Config wazero.RuntimeConfig
	Logger *zap.Logger
}

// defaultConfig skips DWARF decoding: custom sections stay opaque, including
// empty ones such as a bare "linking" marker.
func defaultConfig() wazero.RuntimeConfig {
	return wazero.NewRuntimeConfigInterpreter().WithDebugInfoEnabled(false)
}

func NewWazero() *Wazero {
	return &Wazero{Config: defaultConfig()}
}

func (w *Wazero) log() *zap.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return Logger()
}

func (w *Wazero) Parse(ctx context.Context, data []byte) (*Module, error) {
	cfg := w.Config
	if cfg == nil {
		cfg = defaultConfig()
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		w.log().Debug("wasm module rejected", zap.Int("size", len(data)), zap.Error(err))
		return nil, models.WrapMalformed(models.FormatWasm, err, "module validation")
	}
	defer func() {
		if cerr := compiled.Close(ctx); cerr != nil {
			w.log().Debug("failed to close compiled module", zap.Error(cerr))
		}
	}()

	m := &Module{Name: compiled.Name(), Signatures: make(map[string]Signature)}
	for _, fn := range compiled.ImportedFunctions() {
		mod, name, _ := fn.Import()
		m.Imports = append(m.Imports, Import{Module: mod, Name: name, Kind: wasm.ExternFunc, Index: fn.Index()})
	}
	for _, mem := range compiled.ImportedMemories() {
		mod, name, _ := mem.Import()
		m.Imports = append(m.Imports, Import{Module: mod, Name: name, Kind: wasm.ExternMemory, Index: mem.Index()})
		m.Memories = append(m.Memories, memory(mem))
	}
	seen := make(map[uint32]bool)
	for _, mem := range m.Memories {
		seen[mem.Index] = true
	}
	for _, mem := range compiled.ExportedMemories() {
		if !seen[mem.Index()] {
			seen[mem.Index()] = true
			m.Memories = append(m.Memories, memory(mem))
		}
	}
	sort.Slice(m.Memories, func(i, j int) bool { return m.Memories[i].Index < m.Memories[j].Index })
	for name, fn := range compiled.ExportedFunctions() {
		m.Signatures[name] = Signature{Params: fn.ParamTypes(), Results: fn.ResultTypes()}
	}
	w.log().Debug("parsed wasm module",
		zap.String("name", m.Name),
		zap.Int("imports", len(m.Imports)),
		zap.Int("memories", len(m.Memories)))
	return m, nil
}

func memory(def api.MemoryDefinition) Memory {
	_, _, imported := def.Import()
	max, hasMax := def.Max()
	return Memory{
		Index:    def.Index(),
		Exports:  def.ExportNames(),
		Imported: imported,
		Min:      def.Min(),
		Max:      max,
		HasMax:   hasMax,
	}
}

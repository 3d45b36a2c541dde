package loader_test

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/steamhammer/object/go/format/wasm"
	"github.com/steamhammer/object/go/loader"
	"github.com/steamhammer/object/go/models"
	"github.com/steamhammer/object/go/wasmparse"
)

func TestWasmLoader(t *testing.T) {
	w, err := loader.NewWasmLoader(wasmModule())
	if err != nil {
		t.Fatal(err)
	}
	if w.Format() != models.FormatWasm || w.Arch() != models.ArchWasm32 || w.Kind() != models.ObjectExecutable {
		t.Fatalf("header: %v %v %v", w.Format(), w.Arch(), w.Kind())
	}
	if entry, ok := w.Entry(); !ok || entry != 1 {
		t.Fatalf("entry %d %v", entry, ok)
	}
	code, err := w.SectionByIndex(6)
	if err != nil || code.Kind != models.SectionText || code.Flags != uint64(wasm.SectionCode) {
		t.Fatalf("code section %+v %v", code, err)
	}

	var syms []loader.Symbol
	for s := range w.Symbols() {
		syms = append(syms, s)
	}
	if len(syms) != 3 {
		t.Fatalf("symbols %+v", syms)
	}
	run, mem, log := syms[0], syms[1], syms[2]
	if run.Name != "run" || run.Kind != models.SymbolText || run.Placement != models.PlaceSection ||
		run.SectionIndex != code.Index || run.Address != 1 {
		t.Fatalf("run %+v", run)
	}
	if mem.Name != "memory" || mem.Size != wasmparse.PageSize {
		t.Fatalf("memory %+v", mem)
	}
	if log.Name != "log" || log.IsDefined() || log.Kind != models.SymbolText {
		t.Fatalf("import %+v", log)
	}
	imports := w.Imports()
	if len(imports) != 1 || imports[0].Module != "env" || imports[0].Name != "log" {
		t.Fatalf("imports %+v", imports)
	}
	if sig, ok := w.Module().Signatures["run"]; !ok || len(sig.Params) != 0 || len(sig.Results) != 0 {
		t.Fatalf("run signature %v %v", sig, ok)
	}
	for range w.Segments() {
		t.Fatal("wasm has segments")
	}
}

func TestWasmWithoutParser(t *testing.T) {
	w, err := loader.NewWasmLoader(wasmModule(), loader.WithModuleParser(nil))
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for s := range w.Symbols() {
		if s.Name == "memory" && s.Size != 0 {
			t.Fatalf("memory size without a parser: %+v", s)
		}
		n++
	}
	if n != 2 || w.Imports() != nil || w.Module() != nil {
		t.Fatalf("%d symbols, imports %v", n, w.Imports())
	}
}

func TestWasmKinds(t *testing.T) {
	tests := []struct {
		custom string
		kind   models.ObjectKind
	}{
		{"linking", models.ObjectRelocatable},
		{"dylink.0", models.ObjectDynamic},
		{"producers", models.ObjectExecutable},
	}
	for _, test := range tests {
		w, err := loader.NewWasmLoader(wasmModule(test.custom))
		if err != nil {
			t.Fatalf("%s: %v", test.custom, err)
		}
		if w.Kind() != test.kind {
			t.Fatalf("%s: kind %v", test.custom, w.Kind())
		}
		if s, ok := w.SectionByName(test.custom); !ok || s.Kind != models.SectionOther {
			t.Fatalf("%s: section %+v", test.custom, s)
		}
	}
}

func TestWasmRejectsInvalidModule(t *testing.T) {
	// well-framed, but the start function index is out of range
	buf := wasm.Header()
	buf = wasm.AppendSection(buf, wasm.SectionStart, wasm.AppendU32(nil, 7))
	if _, err := loader.NewWasmLoader(buf); err == nil {
		t.Fatal("invalid module accepted by the module parser")
	}
	if _, err := loader.NewWasmLoader(buf, loader.WithModuleParser(nil)); err != nil {
		t.Fatalf("framing only: %v", err)
	}
}

func TestWasmLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	if _, err := loader.NewWasmLoader(wasmModule(), loader.WithLogger(zap.New(core))); err != nil {
		t.Fatal(err)
	}
	if n := logs.FilterMessage("parsed wasm module").Len(); n != 1 {
		t.Fatalf("%d parse entries on the loader's logger", n)
	}
}

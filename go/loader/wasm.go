package loader

import (
	"context"
	"iter"
	"strings"

	"go.uber.org/zap"

	"github.com/steamhammer/object/go/format/wasm"
	"github.com/steamhammer/object/go/models"
	"github.com/steamhammer/object/go/wasmparse"
)

type WasmLoader struct {
	LoaderHeader
	sections []Section
	symbols  []Symbol
	module   *wasmparse.Module
	codeIdx  uint32
	hasCode  bool
}

func MatchWasm(data []byte) bool {
	id, err := Identify(data)
	return err == nil && id.Kind == models.FileWasm
}

func NewWasmLoader(data []byte, opts ...Option) (*WasmLoader, error) {
	return newWasmLoader(data, newConfig(opts))
}

func newWasmLoader(data []byte, cfg *config) (*WasmLoader, error) {
	framing, err := wasm.Sections(data)
	if err != nil {
		return nil, err
	}
	w := &WasmLoader{
		LoaderHeader: LoaderHeader{
			format: models.FormatWasm,
			arch:   models.ArchWasm32,
			bits:   32,
			endian: models.LittleEndian,
			kind:   models.ObjectExecutable,
			cfg:    cfg,
		},
	}
	var exports []wasm.Export
	for i, fs := range framing {
		s := Section{
			Index:  uint32(i),
			Name:   fs.Name,
			Kind:   wasmSectionKind(fs.ID, fs.Name),
			Offset: fs.Offset,
			Size:   fs.Size,
			Align:  1,
			Flags:  uint64(fs.ID),
			data:   data[fs.Offset : fs.Offset+fs.Size],
			src:    w,
		}
		w.sections = append(w.sections, s)
		switch fs.ID {
		case wasm.SectionCode:
			w.codeIdx, w.hasCode = s.Index, true
		case wasm.SectionExport:
			if exports, err = wasm.Exports(s.data); err != nil {
				return nil, err
			}
		case wasm.SectionStart:
			start, err := wasm.Start(s.data)
			if err != nil {
				return nil, err
			}
			w.entry, w.hasEntry = uint64(start), true
		case wasm.SectionCustom:
			switch fs.Name {
			case "linking":
				w.kind = models.ObjectRelocatable
			case "dylink", "dylink.0":
				w.kind = models.ObjectDynamic
			}
		}
	}
	if cfg.parser != nil {
		if w.module, err = cfg.parser.Parse(context.Background(), data); err != nil {
			return nil, err
		}
	}
	w.buildSymbols(exports)
	cfg.logger.Debug("loaded wasm",
		zap.Stringer("kind", w.kind),
		zap.Int("sections", len(w.sections)),
		zap.Int("symbols", len(w.symbols)))
	return w, nil
}

func wasmSectionKind(id uint8, name string) models.SectionKind {
	switch id {
	case wasm.SectionCode:
		return models.SectionText
	case wasm.SectionData, wasm.SectionGlobal, wasm.SectionElement:
		return models.SectionData
	case wasm.SectionTable, wasm.SectionMemory:
		return models.SectionUninitializedData
	case wasm.SectionImport, wasm.SectionExport, wasm.SectionStart:
		return models.SectionLinker
	case wasm.SectionType, wasm.SectionFunction, wasm.SectionDataCount, wasm.SectionTag:
		return models.SectionMetadata
	case wasm.SectionCustom:
		if strings.HasPrefix(name, ".debug_") {
			return models.SectionDebug
		}
	}
	return models.SectionOther
}

// buildSymbols lists exports in file order, then the imports the module
// parser found as undefined symbols.
func (w *WasmLoader) buildSymbols(exports []wasm.Export) {
	for _, e := range exports {
		s := Symbol{
			Index:     uint32(len(w.symbols)),
			Name:      e.Name,
			Address:   uint64(e.Index),
			Binding:   models.BindGlobal,
			Placement: models.PlaceAbsolute,
			Kind:      models.SymbolData,
			Flags:     uint64(e.Kind),
		}
		switch e.Kind {
		case wasm.ExternFunc:
			s.Kind = models.SymbolText
			if w.hasCode {
				s.Placement, s.SectionIndex = models.PlaceSection, w.codeIdx
			}
		case wasm.ExternMemory:
			if w.module != nil {
				if m, ok := w.module.Memory(e.Name); ok {
					s.Size = m.Size()
				}
			}
		}
		w.symbols = append(w.symbols, s)
	}
	if w.module == nil {
		return
	}
	for _, imp := range w.module.Imports {
		s := Symbol{
			Index:   uint32(len(w.symbols)),
			Name:    imp.Name,
			Address: uint64(imp.Index),
			Binding: models.BindGlobal,
			Kind:    models.SymbolData,
			Flags:   uint64(imp.Kind),
		}
		if imp.Kind == wasm.ExternFunc {
			s.Kind = models.SymbolText
		}
		w.symbols = append(w.symbols, s)
	}
}

func (w *WasmLoader) Sections() iter.Seq[Section] {
	return func(yield func(Section) bool) {
		for _, s := range w.sections {
			if !yield(s) {
				return
			}
		}
	}
}

// SectionByIndex takes the position of the section in the module.
func (w *WasmLoader) SectionByIndex(index uint32) (Section, error) {
	if uint64(index) >= uint64(len(w.sections)) {
		return Section{}, models.Malformed(models.FormatWasm, "section %d out of range", index)
	}
	return w.sections[index], nil
}

func (w *WasmLoader) SectionByName(name string) (Section, bool) {
	return sectionByName(w, name, nil)
}

func (w *WasmLoader) Symbols() iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		for _, s := range w.symbols {
			if !yield(s) {
				return
			}
		}
	}
}

func (w *WasmLoader) DynamicSymbols() iter.Seq[Symbol] {
	return func(func(Symbol) bool) {}
}

func (w *WasmLoader) SymbolByIndex(index uint32) (Symbol, error) {
	if uint64(index) >= uint64(len(w.symbols)) {
		return Symbol{}, models.Malformed(models.FormatWasm, "symbol %d out of range", index)
	}
	return w.symbols[index], nil
}

func (w *WasmLoader) Segments() iter.Seq[Segment] {
	return func(func(Segment) bool) {}
}

// relocations is empty: "reloc.*" custom sections are not decoded.
func (w *WasmLoader) relocations(*Section) ([]Relocation, error) {
	return nil, nil
}

func (w *WasmLoader) compressed(s *Section) (CompressedData, error) {
	return CompressedData{Data: s.data, UncompressedSize: uint64(len(s.data))}, nil
}

// Imports returns what the module parser reported; nil without a parser.
func (w *WasmLoader) Imports() []wasmparse.Import {
	if w.module == nil {
		return nil
	}
	return w.module.Imports
}

func (w *WasmLoader) Module() *wasmparse.Module {
	return w.module
}

package loader

import (
	"sort"

	"github.com/steamhammer/object/go/models"
)

// SymbolMap holds the defined symbols of an object sorted by address, with
// missing sizes filled in from the next symbol or the end of the section.
type SymbolMap struct {
	Symbols []Symbol
}

func NewSymbolMap(obj Object) *SymbolMap {
	var syms []Symbol
	for s := range obj.Symbols() {
		if s.Placement != models.PlaceSection || s.Name == "" {
			continue
		}
		if s.Kind == models.SymbolSection || s.Kind == models.SymbolFile {
			continue
		}
		syms = append(syms, s)
	}
	sort.SliceStable(syms, func(i, j int) bool { return syms[i].Address < syms[j].Address })
	for i := range syms {
		s := &syms[i]
		if s.Size != 0 {
			continue
		}
		for _, next := range syms[i+1:] {
			if next.SectionIndex == s.SectionIndex && next.Address > s.Address {
				s.Size = next.Address - s.Address
				break
			}
		}
		if s.Size != 0 {
			continue
		}
		if sect, err := obj.SectionByIndex(s.SectionIndex); err == nil && sect.Addr+sect.Size > s.Address {
			s.Size = sect.Addr + sect.Size - s.Address
		}
	}
	return &SymbolMap{Symbols: syms}
}

// Symbolicate finds the symbol covering addr and the distance into it.
func (m *SymbolMap) Symbolicate(addr uint64) (Symbol, uint64, bool) {
	i := sort.Search(len(m.Symbols), func(i int) bool { return m.Symbols[i].Address > addr })
	for i--; i >= 0; i-- {
		s := &m.Symbols[i]
		if s.Contains(addr) {
			return *s, addr - s.Address, true
		}
		if s.Size != 0 {
			break
		}
	}
	return Symbol{}, 0, false
}

func (m *SymbolMap) Lookup(name string) (Symbol, bool) {
	for _, s := range m.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}

// HasDebugSymbols reports whether obj carries DWARF or a debug link.
func HasDebugSymbols(obj Object) bool {
	for _, name := range []string{".debug_info", ".zdebug_info", ".gnu_debuglink"} {
		if _, ok := obj.SectionByName(name); ok {
			return true
		}
	}
	return false
}

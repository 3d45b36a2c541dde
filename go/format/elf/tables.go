package elf

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/steamhammer/object/go/models"
)

// SymbolTable is a validated view of an SHT_SYMTAB or SHT_DYNSYM section.
type SymbolTable struct {
	Index   uint32
	Header  *SectionHeader
	Strings StringTable
	// Shndx holds the SHT_SYMTAB_SHNDX section for this table, if any.
	Shndx []byte
}

// Len returns the number of entries, including the reserved null symbol.
func (t *SymbolTable) Len() uint64 {
	if t == nil {
		return 0
	}
	return t.Header.Size / t.Header.Entsize
}

// SymbolTable locates the first section of the given type (SHT_SYMTAB or
// SHT_DYNSYM) and its string table. It returns nil, nil when there is none.
func (f *File) SymbolTable(typ uint32) (*SymbolTable, error) {
	for i := range f.Sections {
		sh := &f.Sections[i]
		if sh.Type != typ {
			continue
		}
		want := f.Class.SymSize()
		if sh.Entsize != want {
			return nil, malformed("symbol table %d has entry size %d, want %d", i, sh.Entsize, want)
		}
		if sh.Size%want != 0 {
			return nil, malformed("symbol table %d size %#x is not a multiple of %d", i, sh.Size, want)
		}
		strtab, err := f.StringTable(sh.Link)
		if err != nil {
			return nil, errors.Wrapf(err, "symbol table %d", i)
		}
		t := &SymbolTable{Index: uint32(i), Header: sh, Strings: strtab}
		for j := range f.Sections {
			x := &f.Sections[j]
			if x.Type == SHT_SHNDX && x.Link == uint32(i) {
				t.Shndx = f.SectionData(x)
			}
		}
		return t, nil
	}
	return nil, nil
}

// Symbol decodes entry i of t.
func (f *File) Symbol(t *SymbolTable, i uint64) (Sym, error) {
	if i >= t.Len() {
		return Sym{}, malformed("symbol index %d out of range of %d", i, t.Len())
	}
	off := t.Header.Off + i*t.Header.Entsize
	e := f.Endian
	if f.Class == Class64 {
		var raw Sym64
		if err := e.Unpack(f.Data, off, &raw); err != nil {
			return Sym{}, err
		}
		return Sym(raw), nil
	}
	var raw Sym32
	if err := e.Unpack(f.Data, off, &raw); err != nil {
		return Sym{}, err
	}
	return Sym{Name: raw.Name, Info: raw.Info, Other: raw.Other, Shndx: raw.Shndx,
		Value: uint64(raw.Value), Size: uint64(raw.Size)}, nil
}

// SectionIndex resolves the section index of symbol i, following
// SHT_SYMTAB_SHNDX for SHN_XINDEX entries. The second result is false for the
// reserved indexes (undefined, absolute, common).
func (f *File) SectionIndex(t *SymbolTable, i uint64, s *Sym) (uint32, bool) {
	switch {
	case s.Shndx == SHN_XINDEX:
		v, err := f.Endian.Uint32(t.Shndx, i*4)
		if err != nil {
			return 0, false
		}
		return v, true
	case s.Shndx == SHN_UNDEF, s.Shndx >= SHN_LORESERVE:
		return 0, false
	}
	return uint32(s.Shndx), true
}

// IsRela reports whether a relocation section carries explicit addends.
func (sh *SectionHeader) IsRela() bool {
	return sh.Type == SHT_RELA
}

// NumRels returns the entry count of a SHT_REL/SHT_RELA section.
func (f *File) NumRels(sh *SectionHeader) (uint64, error) {
	want := f.Class.RelSize(sh.IsRela())
	if sh.Entsize != 0 && sh.Entsize != want {
		return 0, malformed("relocation section entry size %d, want %d", sh.Entsize, want)
	}
	if sh.Size%want != 0 {
		return 0, malformed("relocation section size %#x is not a multiple of %d", sh.Size, want)
	}
	return sh.Size / want, nil
}

// Rel decodes entry i of a relocation section.
func (f *File) Rel(sh *SectionHeader, i uint64) (Rel, error) {
	rela := sh.IsRela()
	off := sh.Off + i*f.Class.RelSize(rela)
	e := f.Endian
	var r Rel
	var info uint64
	switch {
	case f.Class == Class64 && rela:
		var raw Rela64
		if err := e.Unpack(f.Data, off, &raw); err != nil {
			return r, err
		}
		r.Off, info, r.Addend = raw.Off, raw.Info, raw.Addend
	case f.Class == Class64:
		var raw Rel64
		if err := e.Unpack(f.Data, off, &raw); err != nil {
			return r, err
		}
		r.Off, info = raw.Off, raw.Info
	case rela:
		var raw Rela32
		if err := e.Unpack(f.Data, off, &raw); err != nil {
			return r, err
		}
		r.Off, info, r.Addend = uint64(raw.Off), uint64(raw.Info), int64(raw.Addend)
	default:
		var raw Rel32
		if err := e.Unpack(f.Data, off, &raw); err != nil {
			return r, err
		}
		r.Off, info = uint64(raw.Off), uint64(raw.Info)
	}
	r.Sym, r.Type = f.Class.SplitRelInfo(info)
	return r, nil
}

// Chdr decodes the compression header at the start of an SHF_COMPRESSED
// section and returns it with the compressed payload.
func (f *File) Chdr(data []byte) (typ uint32, size uint64, payload []byte, err error) {
	// the file is intact here; a section too short for its own header is malformed
	if uint64(len(data)) < f.Class.ChdrSize() {
		return 0, 0, nil, malformed("%d byte compressed section is shorter than its header", len(data))
	}
	e := f.Endian
	if f.Class == Class64 {
		var raw Chdr64
		if err := e.Unpack(data, 0, &raw); err != nil {
			return 0, 0, nil, errors.Wrap(err, "compression header")
		}
		return raw.Type, raw.Size, data[f.Class.ChdrSize():], nil
	}
	var raw Chdr32
	if err := e.Unpack(data, 0, &raw); err != nil {
		return 0, 0, nil, errors.Wrap(err, "compression header")
	}
	return raw.Type, uint64(raw.Size), data[f.Class.ChdrSize():], nil
}

type Note struct {
	Name string
	Type uint32
	Desc []byte
}

func align4(v uint64) uint64 { return (v + 3) &^ 3 }

// Notes splits the content of an SHT_NOTE section or PT_NOTE segment.
func Notes(data []byte, e models.Endian) ([]Note, error) {
	var notes []Note
	var off uint64
	for off < uint64(len(data)) {
		var h Nhdr
		if err := e.Unpack(data, off, &h); err != nil {
			return nil, errors.Wrap(err, "note header")
		}
		off += 12
		if err := checkRange(len(data), off, align4(uint64(h.Namesz)), "note name"); err != nil {
			return nil, err
		}
		name := data[off : off+uint64(h.Namesz)]
		name = bytes.TrimRight(name, "\x00")
		off += align4(uint64(h.Namesz))
		if err := checkRange(len(data), off, uint64(h.Descsz), "note desc"); err != nil {
			return nil, err
		}
		desc := data[off : off+uint64(h.Descsz)]
		off += align4(uint64(h.Descsz))
		notes = append(notes, Note{Name: string(name), Type: h.Type, Desc: desc})
	}
	return notes, nil
}

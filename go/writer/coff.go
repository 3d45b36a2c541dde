package writer

import (
	"math"

	"go.uber.org/zap"

	"github.com/steamhammer/object/go/format/pe"
	"github.com/steamhammer/object/go/models"
)

func coffCharacteristics(s *Section) (uint32, error) {
	if s.Flags != nil {
		return uint32(s.Flags.Flags), nil
	}
	var c uint32
	switch s.Kind {
	case models.SectionText:
		c = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	case models.SectionData, models.SectionTls:
		c = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
	case models.SectionUninitializedData, models.SectionUninitializedTls:
		c = pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
	case models.SectionDebug:
		c = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_DISCARDABLE
	case models.SectionLinker:
		c = pe.IMAGE_SCN_LNK_INFO | pe.IMAGE_SCN_LNK_REMOVE
	default:
		c = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
	}
	align, ok := pe.AlignCharacteristics(s.Align)
	if !ok {
		return 0, models.BuildError(models.FormatCoff, "section %q alignment %d exceeds 8192", s.Name, s.Align)
	}
	return c | align, nil
}

const maxCoffRelocs = 0xffff

// coffSymbol is one symbol table record and its auxiliary records.
type coffSymbol struct {
	name string
	raw  pe.RawSymbol
	aux  [][]byte
}

// writeCoff lays out
//
//	[file header][section headers][data, relocations]...[symbols][string table]
//
// Symbols are ".file", one static symbol per section with a section
// definition record, then user symbols in insertion order.
func (b *Builder) writeCoff() ([]byte, error) {
	machine, _ := pe.MachineFor(b.arch)
	table := pe.RelocTable(machine)
	e := models.LittleEndian
	nsect := len(b.sections)
	if nsect > 0x7fff {
		return nil, models.BuildError(models.FormatCoff, "%d sections exceed the COFF limit", nsect)
	}
	for i := range b.sections {
		if s := &b.sections[i]; s.Size > math.MaxUint32 {
			return nil, models.BuildError(models.FormatCoff, "%v size %#x overflows a 32-bit field", s, s.Size)
		}
	}

	// (1), (2) symbol records
	var syms []coffSymbol
	var index uint32
	addSym := func(s coffSymbol) uint32 {
		syms = append(syms, s)
		at := index
		index += 1 + uint32(len(s.aux))
		return at
	}
	if name := b.cfg.fileName; name != "" {
		var aux [][]byte
		for rest := []byte(name); len(rest) > 0; {
			rec := make([]byte, pe.SymbolSize)
			n := copy(rec, rest)
			rest = rest[n:]
			aux = append(aux, rec)
		}
		addSym(coffSymbol{name: ".file", raw: pe.RawSymbol{SectionNumber: pe.IMAGE_SYM_DEBUG,
			StorageClass: pe.IMAGE_SYM_CLASS_FILE}, aux: aux})
	}
	sectSym := make([]uint32, nsect)
	sectRecord := make([]int, nsect)
	for i := range b.sections {
		sectRecord[i] = len(syms)
		sectSym[i] = addSym(coffSymbol{
			name: b.sections[i].Name,
			raw:  pe.RawSymbol{SectionNumber: int16(i + 1), StorageClass: pe.IMAGE_SYM_CLASS_STATIC},
			aux:  [][]byte{make([]byte, pe.SymbolSize)},
		})
	}
	symIndex := make([]uint32, len(b.symbols))
	for i := range b.symbols {
		sym := &b.symbols[i]
		switch sym.Kind {
		case models.SymbolSection:
			symIndex[i] = sectSym[sym.Section]
			continue
		case models.SymbolFile:
			symIndex[i] = 0
			continue
		}
		cs := coffSymbol{name: b.mangle(sym), raw: pe.RawSymbol{StorageClass: pe.IMAGE_SYM_CLASS_STATIC}}
		if sym.Value > 0xffffffff {
			return nil, models.BuildError(models.FormatCoff, "symbol %q value %#x overflows 32 bits", sym.Name, sym.Value)
		}
		cs.raw.Value = uint32(sym.Value)
		if sym.Kind == models.SymbolText {
			cs.raw.Type = pe.IMAGE_SYM_DTYPE_FUNCTION
		}
		switch sym.Placement {
		case models.PlaceSection:
			cs.raw.SectionNumber = int16(sym.Section + 1)
		case models.PlaceAbsolute:
			cs.raw.SectionNumber = pe.IMAGE_SYM_ABSOLUTE
		case models.PlaceCommon:
			if sym.Size > 0xffffffff {
				return nil, models.BuildError(models.FormatCoff, "common symbol %q size overflows 32 bits", sym.Name)
			}
			cs.raw.Value = uint32(sym.Size)
		default:
			cs.raw.Value = 0
		}
		switch {
		case sym.Binding == models.BindWeak:
			// the weak external falls back to a defined alias, or to nothing
			var tag uint32
			search := uint32(pe.IMAGE_WEAK_EXTERN_SEARCH_NOLIBRARY)
			if sym.Placement != models.PlaceUndefined {
				def := cs
				def.name = ".weak." + cs.name + ".default"
				def.raw.StorageClass = pe.IMAGE_SYM_CLASS_EXTERNAL
				tag = addSym(def)
				search = pe.IMAGE_WEAK_EXTERN_SEARCH_ALIAS
			}
			aux := make([]byte, pe.SymbolSize)
			e.PutUint32(aux, 0, tag)
			e.PutUint32(aux, 4, search)
			cs.raw = pe.RawSymbol{Type: cs.raw.Type, StorageClass: pe.IMAGE_SYM_CLASS_WEAK_EXTERNAL}
			cs.aux = [][]byte{aux}
		case sym.Binding == models.BindGlobal, sym.Placement == models.PlaceCommon,
			sym.Placement == models.PlaceUndefined:
			cs.raw.StorageClass = pe.IMAGE_SYM_CLASS_EXTERNAL
		}
		symIndex[i] = addSym(cs)
	}
	nsyms := index

	// (3) string table: section and symbol names over 8 bytes
	strtab := newStringTable()
	sectNameIDs := make([]int, nsect)
	for i := range b.sections {
		if len(b.sections[i].Name) > 8 {
			sectNameIDs[i] = strtab.add(b.sections[i].Name)
		}
	}
	symNameIDs := make([]int, len(syms))
	for k := range syms {
		if len(syms[k].name) > 8 {
			symNameIDs[k] = strtab.add(syms[k].name)
		}
	}
	strData := strtab.finalize(make([]byte, 4))
	e.PutUint32(strData, 0, uint32(len(strData)))

	// (4) offsets
	pos := uint64(pe.FileHeaderSize + nsect*pe.SectionHeaderSize)
	dataOff := make([]uint64, nsect)
	relOff := make([]uint64, nsect)
	for i := range b.sections {
		s := &b.sections[i]
		if !s.isBSS() && s.Size > 0 {
			pos = alignUp(pos, 4)
			dataOff[i] = pos
			pos += s.Size
		}
		if n := len(s.relocs); n > 0 {
			relOff[i] = pos
			if n >= maxCoffRelocs {
				n++
			}
			pos += uint64(n) * pe.RelocSize
		}
	}
	pos = alignUp(pos, 4)
	symOff := pos
	pos += uint64(nsyms) * pe.SymbolSize
	strOff := pos
	size := pos + uint64(len(strData))
	if size > 0xffffffff {
		return nil, models.BuildError(models.FormatCoff, "%d byte object overflows 32-bit offsets", size)
	}

	// (5) relocations, with addends stored in the content
	contents := make([][]byte, nsect)
	relocs := make([][]pe.Relocation, nsect)
	for i := range b.sections {
		s := &b.sections[i]
		contents[i] = s.content()
		for _, r := range s.relocs {
			code, ok := table.Code(r.desc())
			if !ok {
				return nil, models.BuildError(models.FormatCoff, "%q relocation %v/%d bits is not supported on %v", s.Name, r.Kind, r.Size, b.arch)
			}
			if b.symbols[r.Symbol].Kind == models.SymbolFile {
				return nil, models.BuildError(models.FormatCoff, "relocation in %q against a file symbol", s.Name)
			}
			typ := uint16(code)
			content := r.Addend + pe.PcrelBias(machine, typ)
			ok, err := models.WriteAddend(e, contents[i], r.Offset, r.desc(), content)
			if err != nil {
				return nil, models.BuildError(models.FormatCoff, "relocation at %#x in %q: %v", r.Offset, s.Name, err)
			}
			if !ok {
				return nil, models.BuildError(models.FormatCoff, "addend %d does not fit the %d-bit field at %#x in %q", r.Addend, r.Size, r.Offset, s.Name)
			}
			relocs[i] = append(relocs[i], pe.Relocation{VirtualAddress: uint32(r.Offset),
				SymbolTableIndex: symIndex[r.Symbol], Type: typ})
		}
	}

	// (7) section definitions carry the sum of the final content
	for i := range b.sections {
		s := &b.sections[i]
		def := pe.AuxSectionDefinition{
			Length:              uint32(s.Size),
			NumberOfRelocations: uint16(min(len(relocs[i]), maxCoffRelocs)),
		}
		if contents[i] != nil {
			def.CheckSum = b.cfg.checksum.Sum32(contents[i])
		}
		raw, err := pe.Pack(&def)
		if err != nil {
			return nil, err
		}
		syms[sectRecord[i]].aux[0] = raw
	}

	// (6) serialize
	out := make([]byte, size)
	put := func(off uint64, v interface{}) (uint64, error) {
		raw, err := pe.Pack(v)
		if err != nil {
			return 0, err
		}
		copy(out[off:], raw)
		return off + uint64(len(raw)), nil
	}
	at, err := put(0, &pe.FileHeader{
		Machine:              machine,
		NumberOfSections:     uint16(nsect),
		PointerToSymbolTable: uint32(symOff),
		NumberOfSymbols:      nsyms,
		Characteristics:      uint16(b.cfg.flags),
	})
	if err != nil {
		return nil, err
	}
	for i := range b.sections {
		s := &b.sections[i]
		c, err := coffCharacteristics(s)
		if err != nil {
			return nil, err
		}
		name, ok := pe.InlineSymbolName(s.Name)
		if !ok {
			name = pe.LongSectionName(uint32(strtab.offset(sectNameIDs[i])))
		}
		nrel := len(relocs[i])
		if nrel >= maxCoffRelocs {
			c |= pe.IMAGE_SCN_LNK_NRELOC_OVFL
			nrel = maxCoffRelocs
		}
		if at, err = put(at, &pe.RawSectionHeader{
			Name:                 name,
			SizeOfRawData:        uint32(s.Size),
			PointerToRawData:     uint32(dataOff[i]),
			PointerToRelocations: uint32(relOff[i]),
			NumberOfRelocations:  uint16(nrel),
			Characteristics:      c,
		}); err != nil {
			return nil, err
		}
		copy(out[dataOff[i]:], contents[i])
		rpos := relOff[i]
		if len(relocs[i]) >= maxCoffRelocs {
			if rpos, err = put(rpos, &pe.Relocation{VirtualAddress: uint32(len(relocs[i]) + 1)}); err != nil {
				return nil, err
			}
		}
		for k := range relocs[i] {
			if rpos, err = put(rpos, &relocs[i][k]); err != nil {
				return nil, err
			}
		}
	}
	spos := symOff
	for k := range syms {
		cs := &syms[k]
		name, ok := pe.InlineSymbolName(cs.name)
		if !ok {
			name = pe.StringSymbolName(uint32(strtab.offset(symNameIDs[k])))
		}
		cs.raw.Name = name
		cs.raw.NumberOfAuxSymbols = uint8(len(cs.aux))
		if spos, err = put(spos, &cs.raw); err != nil {
			return nil, err
		}
		for _, aux := range cs.aux {
			copy(out[spos:], aux)
			spos += pe.SymbolSize
		}
	}
	copy(out[strOff:], strData)

	b.cfg.logger.Debug("coff layout",
		zap.Uint64("symtab", symOff),
		zap.Uint32("nsyms", nsyms),
		zap.Int("strtab_size", len(strData)))
	return out, nil
}

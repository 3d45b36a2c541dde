package writer

import (
	goelf "debug/elf"

	"go.uber.org/zap"

	"github.com/steamhammer/object/go/format/elf"
	"github.com/steamhammer/object/go/models"
)

func elfSectionHeader(s *Section) (typ uint32, flags uint64, entsize uint64) {
	typ = elf.SHT_PROGBITS
	switch s.Kind {
	case models.SectionText:
		flags = elf.SHF_ALLOC | elf.SHF_EXECINSTR
	case models.SectionData:
		flags = elf.SHF_ALLOC | elf.SHF_WRITE
	case models.SectionReadOnlyData:
		flags = elf.SHF_ALLOC
	case models.SectionReadOnlyString:
		flags, entsize = elf.SHF_ALLOC|elf.SHF_MERGE|elf.SHF_STRINGS, 1
	case models.SectionUninitializedData:
		typ, flags = elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE
	case models.SectionTls:
		flags = elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_TLS
	case models.SectionUninitializedTls:
		typ, flags = elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS
	case models.SectionNote:
		typ = elf.SHT_NOTE
	}
	if s.Flags != nil {
		flags = s.Flags.Flags
	}
	return typ, flags, entsize
}

func elfSymbolType(k models.SymbolKind) uint8 {
	switch k {
	case models.SymbolText:
		return uint8(goelf.STT_FUNC)
	case models.SymbolData:
		return uint8(goelf.STT_OBJECT)
	case models.SymbolSection:
		return uint8(goelf.STT_SECTION)
	case models.SymbolFile:
		return uint8(goelf.STT_FILE)
	case models.SymbolTls:
		return uint8(goelf.STT_TLS)
	}
	return uint8(goelf.STT_NOTYPE)
}

var elfBinding = map[models.Binding]uint8{
	models.BindLocal:  uint8(goelf.STB_LOCAL),
	models.BindGlobal: uint8(goelf.STB_GLOBAL),
	models.BindWeak:   uint8(goelf.STB_WEAK),
}

var elfVisibility = map[models.Visibility]uint8{
	models.VisibilityDefault:   uint8(goelf.STV_DEFAULT),
	models.VisibilityInternal:  uint8(goelf.STV_INTERNAL),
	models.VisibilityHidden:    uint8(goelf.STV_HIDDEN),
	models.VisibilityProtected: uint8(goelf.STV_PROTECTED),
}

// elfLayout is the file position of every part of the output.
type elfLayout struct {
	sectionOff []uint64
	relOff     []uint64
	symtabOff  uint64
	strtabOff  uint64
	shstrOff   uint64
	shoff      uint64
	size       uint64
}

// writeElf lays out
//
//	[header][section data...][.symtab][.strtab][.rel(a)...][.shstrtab][section headers]
//
// with sections numbered [null, user..., .symtab, .strtab, .rel(a)..., .shstrtab].
func (b *Builder) writeElf() ([]byte, error) {
	class := elf.Class(elf.Class32)
	if b.arch.Bits() == 64 {
		class = elf.Class64
	}
	machine, _ := elf.MachineFor(b.arch)
	rela := elf.UsesRela(machine)
	table := elf.RelocTable(machine)
	enc := elf.Encoder{Class: class, Endian: b.cfg.endian}
	e := b.cfg.endian

	// (1) section indexes
	nuser := len(b.sections)
	symtabIdx := uint32(nuser + 1)
	strtabIdx := symtabIdx + 1
	relIdx := make([]uint32, nuser)
	next := strtabIdx + 1
	for i := range b.sections {
		if len(b.sections[i].relocs) > 0 {
			relIdx[i] = next
			next++
		}
	}
	shstrIdx := next
	shnum := uint64(shstrIdx) + 1
	if nuser+1 >= elf.SHN_LORESERVE {
		return nil, models.BuildError(models.FormatElf, "%d sections do not fit symbol section indexes", nuser)
	}

	// (2) symbol indexes: null, file, locals, then globals
	symIndex := make([]uint32, len(b.symbols))
	var order []int
	for pass := 0; pass < 2; pass++ {
		for i := range b.symbols {
			local := b.symbols[i].Binding == models.BindLocal
			if local == (pass == 0) {
				order = append(order, i)
			}
		}
	}
	firstSym := uint32(1)
	if b.cfg.fileName != "" {
		firstSym++
	}
	firstGlobal := firstSym
	for n, i := range order {
		symIndex[i] = firstSym + uint32(n)
		if b.symbols[i].Binding == models.BindLocal {
			firstGlobal = symIndex[i] + 1
		}
	}
	nsyms := uint64(firstSym) + uint64(len(order))

	// (3) string tables
	strtab := newStringTable()
	nameIDs := make([]int, len(b.symbols))
	for i := range b.symbols {
		nameIDs[i] = strtab.add(b.mangle(&b.symbols[i]))
	}
	fileID := strtab.add(b.cfg.fileName)
	strtabData := strtab.finalize([]byte{0})

	shstrtab := newStringTable()
	secNameIDs := make([]int, nuser)
	relNameIDs := make([]int, nuser)
	relPrefix := ".rel"
	if rela {
		relPrefix = ".rela"
	}
	for i := range b.sections {
		secNameIDs[i] = shstrtab.add(b.sections[i].Name)
		if relIdx[i] != 0 {
			relNameIDs[i] = shstrtab.add(relPrefix + b.sections[i].Name)
		}
	}
	symtabName := shstrtab.add(".symtab")
	strtabName := shstrtab.add(".strtab")
	shstrName := shstrtab.add(".shstrtab")
	shstrData := shstrtab.finalize([]byte{0})

	nameOff := func(t *stringTable, id int, s string) uint32 {
		if s == "" {
			return 0
		}
		return uint32(t.offset(id))
	}

	// (4) offsets
	var lay elfLayout
	pos := class.HeaderSize()
	lay.sectionOff = make([]uint64, nuser)
	for i := range b.sections {
		s := &b.sections[i]
		pos = alignUp(pos, s.Align)
		lay.sectionOff[i] = pos
		if !s.isBSS() {
			pos += s.Size
		}
	}
	pos = alignUp(pos, class.Align())
	lay.symtabOff = pos
	pos += nsyms * class.SymSize()
	lay.strtabOff = pos
	pos += uint64(len(strtabData))
	lay.relOff = make([]uint64, nuser)
	for i := range b.sections {
		if relIdx[i] == 0 {
			continue
		}
		pos = alignUp(pos, class.Align())
		lay.relOff[i] = pos
		pos += uint64(len(b.sections[i].relocs)) * class.RelSize(rela)
	}
	lay.shstrOff = pos
	pos += uint64(len(shstrData))
	pos = alignUp(pos, class.Align())
	lay.shoff = pos
	lay.size = pos + shnum*class.SectionSize()

	// (5) relocations, with REL addends stored in the content
	contents := make([][]byte, nuser)
	rels := make([][]elf.Rel, nuser)
	for i := range b.sections {
		s := &b.sections[i]
		contents[i] = s.content()
		for _, r := range s.relocs {
			code, ok := table.Code(r.desc())
			if !ok {
				return nil, models.BuildError(models.FormatElf, "%v relocation %v/%d bits is not supported on %v", s.Name, r.Kind, r.Size, b.arch)
			}
			rel := elf.Rel{Off: r.Offset, Sym: symIndex[r.Symbol], Type: code}
			if rela {
				rel.Addend = r.Addend
			} else {
				ok, err := models.WriteAddend(e, contents[i], r.Offset, r.desc(), r.Addend)
				if err != nil {
					return nil, models.BuildError(models.FormatElf, "relocation at %#x in %q: %v", r.Offset, s.Name, err)
				}
				if !ok {
					return nil, models.BuildError(models.FormatElf, "addend %d does not fit the %d-bit field at %#x in %q", r.Addend, r.Size, r.Offset, s.Name)
				}
			}
			rels[i] = append(rels[i], rel)
		}
	}

	// (6) serialize
	out := make([]byte, lay.size)
	put := func(off uint64, raw []byte, err error) (uint64, error) {
		if err != nil {
			return 0, err
		}
		copy(out[off:], raw)
		return off + uint64(len(raw)), nil
	}
	raw, err := enc.Header(&elf.FileHeader{
		Type:     uint16(goelf.ET_REL),
		Machine:  machine,
		Version:  1,
		Flags:    b.cfg.flags,
		Shoff:    lay.shoff,
		Shnum:    shnum,
		Shstrndx: shstrIdx,
	})
	if _, err := put(0, raw, err); err != nil {
		return nil, err
	}
	for i := range b.sections {
		copy(out[lay.sectionOff[i]:], contents[i])
	}

	symPos := lay.symtabOff + class.SymSize() // null symbol is all zeroes
	if b.cfg.fileName != "" {
		raw, err := enc.Sym(&elf.Sym{
			Name:  uint32(strtab.offset(fileID)),
			Info:  elf.STInfo(uint8(goelf.STB_LOCAL), uint8(goelf.STT_FILE)),
			Shndx: elf.SHN_ABS,
		})
		if symPos, err = put(symPos, raw, err); err != nil {
			return nil, err
		}
	}
	for _, i := range order {
		sym := &b.symbols[i]
		es := elf.Sym{
			Name:  nameOff(strtab, nameIDs[i], b.mangle(sym)),
			Info:  elf.STInfo(elfBinding[sym.Binding], elfSymbolType(sym.Kind)),
			Other: elfVisibility[sym.Visibility],
			Value: sym.Value,
			Size:  sym.Size,
		}
		switch sym.Placement {
		case models.PlaceSection:
			es.Shndx = uint16(sym.Section) + 1
		case models.PlaceAbsolute:
			es.Shndx = elf.SHN_ABS
		case models.PlaceCommon:
			es.Shndx = elf.SHN_COMMON
			if es.Info&0xf == uint8(goelf.STT_NOTYPE) {
				es.Info = elf.STInfo(elfBinding[sym.Binding], uint8(goelf.STT_OBJECT))
			}
		}
		raw, err := enc.Sym(&es)
		if symPos, err = put(symPos, raw, err); err != nil {
			return nil, err
		}
	}
	copy(out[lay.strtabOff:], strtabData)
	for i := range b.sections {
		relPos := lay.relOff[i]
		for k := range rels[i] {
			raw, err := enc.Rel(&rels[i][k], rela)
			if relPos, err = put(relPos, raw, err); err != nil {
				return nil, err
			}
		}
	}
	copy(out[lay.shstrOff:], shstrData)

	headers := make([]elf.SectionHeader, 0, shnum)
	null := elf.SectionHeader{}
	if shnum >= elf.SHN_LORESERVE {
		null.Size = shnum
	}
	if shstrIdx >= elf.SHN_LORESERVE {
		null.Link = shstrIdx
	}
	headers = append(headers, null)
	for i := range b.sections {
		s := &b.sections[i]
		typ, flags, entsize := elfSectionHeader(s)
		headers = append(headers, elf.SectionHeader{
			Name:      nameOff(shstrtab, secNameIDs[i], s.Name),
			Type:      typ,
			Flags:     flags,
			Off:       lay.sectionOff[i],
			Size:      s.Size,
			Addralign: s.Align,
			Entsize:   entsize,
		})
	}
	headers = append(headers,
		elf.SectionHeader{
			Name: uint32(shstrtab.offset(symtabName)), Type: elf.SHT_SYMTAB,
			Off: lay.symtabOff, Size: nsyms * class.SymSize(), Link: strtabIdx, Info: firstGlobal,
			Addralign: class.Align(), Entsize: class.SymSize(),
		},
		elf.SectionHeader{
			Name: uint32(shstrtab.offset(strtabName)), Type: elf.SHT_STRTAB,
			Off: lay.strtabOff, Size: uint64(len(strtabData)), Addralign: 1,
		})
	relType := elf.SHT_REL
	if rela {
		relType = elf.SHT_RELA
	}
	for i := range b.sections {
		if relIdx[i] == 0 {
			continue
		}
		headers = append(headers, elf.SectionHeader{
			Name: uint32(shstrtab.offset(relNameIDs[i])), Type: relType, Flags: elf.SHF_INFO_LINK,
			Off: lay.relOff[i], Size: uint64(len(rels[i])) * class.RelSize(rela),
			Link: symtabIdx, Info: uint32(i + 1),
			Addralign: class.Align(), Entsize: class.RelSize(rela),
		})
	}
	headers = append(headers, elf.SectionHeader{
		Name: uint32(shstrtab.offset(shstrName)), Type: elf.SHT_STRTAB,
		Off: lay.shstrOff, Size: uint64(len(shstrData)), Addralign: 1,
	})
	shPos := lay.shoff
	for k := range headers {
		raw, err := enc.Section(&headers[k])
		if shPos, err = put(shPos, raw, err); err != nil {
			return nil, err
		}
	}

	b.cfg.logger.Debug("elf layout",
		zap.Uint64("symtab", lay.symtabOff),
		zap.Uint64("nsyms", nsyms),
		zap.Uint32("first_global", firstGlobal),
		zap.Int("strtab_size", len(strtabData)),
		zap.Uint64("shoff", lay.shoff))
	return out, nil
}

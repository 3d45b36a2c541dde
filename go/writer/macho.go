package writer

import (
	"math/bits"
	"sort"

	"go.uber.org/zap"

	"github.com/steamhammer/object/go/format/macho"
	"github.com/steamhammer/object/go/models"
)

func machoSectionFlags(s *Section) uint32 {
	if s.Flags != nil {
		return uint32(s.Flags.Flags)
	}
	switch s.Kind {
	case models.SectionText:
		return macho.S_REGULAR | macho.S_ATTR_PURE_INSTRUCTIONS | macho.S_ATTR_SOME_INSTRUCTIONS
	case models.SectionReadOnlyString:
		return macho.S_CSTRING_LITERALS
	case models.SectionUninitializedData:
		return macho.S_ZEROFILL
	case models.SectionTls:
		return macho.S_THREAD_LOCAL_REGULAR
	case models.SectionUninitializedTls:
		return macho.S_THREAD_LOCAL_ZEROFILL
	case models.SectionDebug:
		return macho.S_ATTR_DEBUG
	}
	return macho.S_REGULAR
}

func log2(align uint64) uint32 {
	if align <= 1 {
		return 0
	}
	return uint32(bits.TrailingZeros64(align))
}

// writeMachO lays out an MH_OBJECT with one unnamed segment:
//
//	[header][LC_SEGMENT + sections][LC_SYMTAB][LC_DYSYMTAB][section data...][relocations...][nlist][strings]
//
// Zerofill sections get addresses after every file-backed section.
func (b *Builder) writeMachO() ([]byte, error) {
	cpu, sub, _ := macho.CpuFor(b.arch)
	is64 := b.arch.Bits() == 64
	enc := macho.Encoder{Is64: is64, Endian: b.cfg.endian}
	e := b.cfg.endian
	table := macho.RelocTableFor(cpu)

	// (1) section ordinals follow insertion order; addresses put file-backed
	// sections first.
	nsect := len(b.sections)
	if nsect > macho.MAX_SECT {
		return nil, models.BuildError(models.FormatMachO, "%d sections exceed the nlist limit", nsect)
	}
	addrs := make([]uint64, nsect)
	var vmsize uint64
	for pass := 0; pass < 2; pass++ {
		for i := range b.sections {
			s := &b.sections[i]
			if s.isBSS() != (pass == 1) {
				continue
			}
			vmsize = alignUp(vmsize, s.Align)
			addrs[i] = vmsize
			vmsize += s.Size
		}
	}

	// (2) symbols: locals, external defined, undefined. Section symbols
	// have no nlist entry; relocations against them are non-extern.
	names := make([]string, len(b.symbols))
	var locals, extdefs, undefs []int
	for i := range b.symbols {
		sym := &b.symbols[i]
		names[i] = b.mangle(sym)
		switch {
		case sym.Kind == models.SymbolSection || sym.Kind == models.SymbolFile:
		case sym.Binding == models.BindLocal:
			locals = append(locals, i)
		case sym.Placement == models.PlaceSection || sym.Placement == models.PlaceAbsolute:
			extdefs = append(extdefs, i)
		default:
			undefs = append(undefs, i)
		}
	}
	if b.cfg.sortedExternals {
		byName := func(ids []int) {
			sort.SliceStable(ids, func(x, y int) bool { return names[ids[x]] < names[ids[y]] })
		}
		byName(extdefs)
		byName(undefs)
	}
	order := append(append(append([]int(nil), locals...), extdefs...), undefs...)
	symIndex := make(map[int]uint32, len(order))
	for n, i := range order {
		symIndex[i] = uint32(n)
	}
	if len(order) > 1<<24 {
		return nil, models.BuildError(models.FormatMachO, "%d symbols exceed the relocation index range", len(order))
	}

	// (3) strings
	strtab := newStringTable()
	nameIDs := make(map[int]int, len(order))
	for _, i := range order {
		nameIDs[i] = strtab.add(names[i])
	}
	strData := strtab.finalize([]byte{0})

	// (4) offsets
	cmdsize := enc.SegmentSize() + uint64(nsect)*enc.SectionSize() + macho.SymtabSize + macho.DysymtabSize
	pos := enc.HeaderSize() + cmdsize
	fileStart := pos
	offsets := make([]uint64, nsect)
	for i := range b.sections {
		s := &b.sections[i]
		if s.isBSS() {
			continue
		}
		pos = alignUp(pos, s.Align)
		offsets[i] = pos
		pos += s.Size
	}
	fileEnd := pos
	reloffs := make([]uint64, nsect)
	pos = alignUp(pos, 4)
	for i := range b.sections {
		if n := len(b.sections[i].relocs); n > 0 {
			reloffs[i] = pos
			pos += uint64(n) * macho.RelocSize
		}
	}
	pos = alignUp(pos, uint64(8))
	symoff := pos
	pos += uint64(len(order)) * enc.NlistSize()
	stroff := pos
	size := pos + uint64(len(strData))
	// file offsets are 32-bit fields in both word sizes
	if size > 1<<32-1 {
		return nil, models.BuildError(models.FormatMachO, "%d byte object overflows 32-bit offsets", size)
	}

	// (5) relocations, with addends stored in the content
	contents := make([][]byte, nsect)
	relocs := make([][]macho.Reloc, nsect)
	for i := range b.sections {
		s := &b.sections[i]
		contents[i] = s.content()
		for _, r := range s.relocs {
			code, ok := table.Code(r.desc())
			if !ok {
				return nil, models.BuildError(models.FormatMachO, "%v relocation %v/%d bits is not supported on %v", s, r.Kind, r.Size, b.arch)
			}
			mr := macho.Reloc{Addr: uint32(r.Offset), Pcrel: code.Pcrel, Len: code.Len, Type: code.Type}
			if r.Offset > 1<<32-1 {
				return nil, models.BuildError(models.FormatMachO, "relocation offset %#x overflows r_address", r.Offset)
			}
			target := &b.symbols[r.Symbol]
			var content int64
			if target.Kind == models.SymbolSection {
				tsect := target.Section
				mr.Symnum = uint32(tsect) + 1
				content = int64(addrs[tsect]+target.Value) + r.Addend
				if mr.Pcrel {
					content -= int64(addrs[i] + r.Offset)
				}
			} else {
				idx, ok := symIndex[int(r.Symbol)]
				if !ok {
					return nil, models.BuildError(models.FormatMachO, "relocation in %v refers to %q, which has no symbol table entry", s, target.Name)
				}
				mr.Extern, mr.Symnum = true, idx
				if cpu == macho.CPU_TYPE_ARM64 && r.Encoding == models.EncodingAArch64Call && r.Addend != 0 {
					return nil, models.BuildError(models.FormatMachO, "arm64 branch to %q cannot carry addend %d", target.Name, r.Addend)
				}
				content = r.Addend + macho.PcrelBias(cpu, &mr)
			}
			ok, err := models.WriteAddend(e, contents[i], r.Offset, r.desc(), content)
			if err != nil {
				return nil, models.BuildError(models.FormatMachO, "relocation at %#x in %v: %v", r.Offset, s, err)
			}
			if !ok {
				return nil, models.BuildError(models.FormatMachO, "addend %d does not fit the %d-bit field at %#x in %v", r.Addend, r.Size, r.Offset, s)
			}
			relocs[i] = append(relocs[i], mr)
		}
	}

	// (6) serialize
	out := make([]byte, size)
	put := func(off uint64, raw []byte, err error) (uint64, error) {
		if err != nil {
			return 0, err
		}
		copy(out[off:], raw)
		return off + uint64(len(raw)), nil
	}
	flags := b.cfg.flags
	if b.cfg.subsectionsViaSymbols {
		flags |= macho.MH_SUBSECTIONS_VIA_SYMBOLS
	}
	raw, err := enc.Header(&macho.FileHeader{Cpu: cpu, SubCpu: sub, Type: macho.MH_OBJECT,
		Ncmd: 3, Cmdsz: uint32(cmdsize), Flags: flags})
	at, err := put(0, raw, err)
	if err != nil {
		return nil, err
	}
	raw, err = enc.Segment(&macho.Segment{
		Addr: 0, Memsz: vmsize, Offset: fileStart, Filesz: fileEnd - fileStart,
		Maxprot: macho.VM_PROT_READ | macho.VM_PROT_WRITE | macho.VM_PROT_EXECUTE,
		Prot:    macho.VM_PROT_READ | macho.VM_PROT_WRITE | macho.VM_PROT_EXECUTE,
	}, uint32(nsect))
	if at, err = put(at, raw, err); err != nil {
		return nil, err
	}
	for i := range b.sections {
		s := &b.sections[i]
		ms := macho.Section{
			Name:   s.Name,
			Seg:    s.Segment,
			Addr:   addrs[i],
			Size:   s.Size,
			Offset: uint32(offsets[i]),
			Align:  log2(s.Align),
			Reloff: uint32(reloffs[i]),
			Nreloc: uint32(len(relocs[i])),
			Flags:  machoSectionFlags(s),
		}
		raw, err := enc.Section(&ms)
		if at, err = put(at, raw, err); err != nil {
			return nil, err
		}
	}
	raw, err = enc.Symtab(&macho.SymtabCommand{Symoff: uint32(symoff), Nsyms: uint32(len(order)),
		Stroff: uint32(stroff), Strsize: uint32(len(strData))})
	if at, err = put(at, raw, err); err != nil {
		return nil, err
	}
	raw, err = enc.Dysymtab(&macho.DysymtabCommand{
		Ilocalsym: 0, Nlocalsym: uint32(len(locals)),
		Iextdefsym: uint32(len(locals)), Nextdefsym: uint32(len(extdefs)),
		Iundefsym: uint32(len(locals) + len(extdefs)), Nundefsym: uint32(len(undefs)),
	})
	if _, err = put(at, raw, err); err != nil {
		return nil, err
	}
	for i := range b.sections {
		copy(out[offsets[i]:], contents[i])
		rpos := reloffs[i]
		for _, r := range relocs[i] {
			raw, err := enc.Reloc(r)
			if rpos, err = put(rpos, raw, err); err != nil {
				return nil, err
			}
		}
	}
	spos := symoff
	for _, i := range order {
		sym := &b.symbols[i]
		n := macho.Nlist{Value: sym.Value}
		if names[i] != "" {
			n.Name = uint32(strtab.offset(nameIDs[i]))
		}
		ext := sym.Binding != models.BindLocal
		switch sym.Placement {
		case models.PlaceSection:
			n.Type, n.Sect = macho.N_SECT, uint8(sym.Section+1)
			n.Value += addrs[sym.Section]
		case models.PlaceAbsolute:
			n.Type = macho.N_ABS
		case models.PlaceCommon:
			n.Type, n.Value, ext = macho.N_UNDF, sym.Size, true
		default:
			n.Type, n.Value = macho.N_UNDF, 0
		}
		if ext {
			n.Type |= macho.N_EXT
			if sym.Visibility == models.VisibilityHidden {
				n.Type |= macho.N_PEXT
			}
		}
		if sym.Binding == models.BindWeak {
			if sym.Placement == models.PlaceUndefined {
				n.Desc |= macho.N_WEAK_REF
			} else {
				n.Desc |= macho.N_WEAK_DEF
			}
		}
		raw, err := enc.Nlist(&n)
		if spos, err = put(spos, raw, err); err != nil {
			return nil, err
		}
	}
	copy(out[stroff:], strData)

	b.cfg.logger.Debug("mach-o layout",
		zap.Uint64("vmsize", vmsize),
		zap.Int("locals", len(locals)),
		zap.Int("extdefs", len(extdefs)),
		zap.Int("undefs", len(undefs)),
		zap.Int("strtab_size", len(strData)))
	return out, nil
}

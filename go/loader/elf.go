package loader

import (
	goelf "debug/elf"
	"iter"
	"strings"

	"go.uber.org/zap"

	"github.com/steamhammer/object/go/format/elf"
	"github.com/steamhammer/object/go/models"
)

type ElfLoader struct {
	LoaderHeader
	file     *elf.File
	sections []Section
	symtab   *elf.SymbolTable
	dynsym   *elf.SymbolTable
}

var elfKinds = map[uint16]models.ObjectKind{
	uint16(goelf.ET_REL):  models.ObjectRelocatable,
	uint16(goelf.ET_EXEC): models.ObjectExecutable,
	uint16(goelf.ET_DYN):  models.ObjectDynamic,
	uint16(goelf.ET_CORE): models.ObjectCore,
}

func MatchElf(data []byte) bool {
	id, err := Identify(data)
	return err == nil && id.Kind.Format() == models.FormatElf
}

func NewElfLoader(data []byte, opts ...Option) (*ElfLoader, error) {
	return newElfLoader(data, newConfig(opts))
}

func newElfLoader(data []byte, cfg *config) (*ElfLoader, error) {
	file, err := elf.Parse(data)
	if err != nil {
		return nil, err
	}
	arch := elf.Machines[goelf.Machine(file.Machine)]
	if arch == models.ArchMips && file.Class == elf.Class64 {
		arch = models.ArchMips64
	}
	l := &ElfLoader{
		LoaderHeader: LoaderHeader{
			format:   models.FormatElf,
			arch:     arch,
			bits:     file.Class.Bits(),
			endian:   file.Endian,
			kind:     elfKinds[file.Type],
			entry:    file.Entry,
			hasEntry: file.Entry != 0,
			flags:    uint64(file.Flags),
			cfg:      cfg,
		},
		file: file,
	}
	if l.symtab, err = file.SymbolTable(elf.SHT_SYMTAB); err != nil {
		return nil, err
	}
	if l.dynsym, err = file.SymbolTable(elf.SHT_DYNSYM); err != nil {
		return nil, err
	}
	l.sections = make([]Section, len(file.Sections))
	for i := range file.Sections {
		sh := &file.Sections[i]
		name := file.SectionName(sh)
		l.sections[i] = Section{
			Index:  uint32(i),
			Name:   name,
			Kind:   elfSectionKind(name, sh),
			Addr:   sh.Addr,
			Offset: sh.Off,
			Size:   sh.Size,
			Align:  sh.Addralign,
			Flags:  sh.Flags,
			data:   file.SectionData(sh),
			src:    l,
		}
	}
	cfg.logger.Debug("loaded elf",
		zap.Stringer("arch", arch),
		zap.Int("bits", l.bits),
		zap.Stringer("kind", l.kind),
		zap.Int("sections", len(l.sections)))
	return l, nil
}

func elfSectionKind(name string, sh *elf.SectionHeader) models.SectionKind {
	switch sh.Type {
	case elf.SHT_NULL:
		return models.SectionUnknown
	case elf.SHT_NOBITS:
		if sh.Flags&elf.SHF_TLS != 0 {
			return models.SectionUninitializedTls
		}
		return models.SectionUninitializedData
	case elf.SHT_NOTE:
		return models.SectionNote
	case elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_RELA, elf.SHT_REL, elf.SHT_DYNSYM,
		elf.SHT_SHNDX, elf.SHT_GROUP, uint32(goelf.SHT_HASH), uint32(goelf.SHT_DYNAMIC),
		uint32(goelf.SHT_GNU_HASH), uint32(goelf.SHT_GNU_VERSYM), uint32(goelf.SHT_GNU_VERDEF),
		uint32(goelf.SHT_GNU_VERNEED):
		return models.SectionMetadata
	}
	switch {
	case sh.Flags&elf.SHF_EXECINSTR != 0:
		return models.SectionText
	case sh.Flags&elf.SHF_TLS != 0:
		return models.SectionTls
	case sh.Flags&elf.SHF_WRITE != 0:
		return models.SectionData
	case sh.Flags&elf.SHF_ALLOC != 0:
		if sh.Flags&elf.SHF_STRINGS != 0 {
			return models.SectionReadOnlyString
		}
		return models.SectionReadOnlyData
	case strings.HasPrefix(name, ".debug") || strings.HasPrefix(name, ".zdebug"):
		return models.SectionDebug
	}
	return models.SectionOther
}

// Sections skips the reserved null section.
func (l *ElfLoader) Sections() iter.Seq[Section] {
	return func(yield func(Section) bool) {
		for i := 1; i < len(l.sections); i++ {
			if !yield(l.sections[i]) {
				return
			}
		}
	}
}

func (l *ElfLoader) SectionByIndex(index uint32) (Section, error) {
	if index == 0 || uint64(index) >= uint64(len(l.sections)) {
		return Section{}, models.Malformed(models.FormatElf, "section index %d out of range", index)
	}
	return l.sections[index], nil
}

// SectionByName also finds ".debug_x" stored as ".zdebug_x".
func (l *ElfLoader) SectionByName(name string) (Section, bool) {
	return sectionByName(l, name, func(n string) []string {
		if strings.HasPrefix(n, ".debug_") {
			return []string{".z" + n[1:]}
		}
		return nil
	})
}

func (l *ElfLoader) Symbols() iter.Seq[Symbol] {
	return l.symbols(l.symtab)
}

func (l *ElfLoader) DynamicSymbols() iter.Seq[Symbol] {
	return l.symbols(l.dynsym)
}

// symbols skips the reserved null entry.
func (l *ElfLoader) symbols(t *elf.SymbolTable) iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		for i := uint64(1); i < t.Len(); i++ {
			s, err := l.symbol(t, i)
			if err != nil {
				l.log().Debug("stopping at unreadable symbol", zap.Uint64("index", i), zap.Error(err))
				return
			}
			if !yield(s) {
				return
			}
		}
	}
}

func (l *ElfLoader) SymbolByIndex(index uint32) (Symbol, error) {
	if index == 0 || l.symtab == nil {
		return Symbol{}, models.Malformed(models.FormatElf, "symbol index %d out of range", index)
	}
	return l.symbol(l.symtab, uint64(index))
}

var elfVisibility = [4]models.Visibility{
	models.VisibilityDefault, models.VisibilityInternal, models.VisibilityHidden, models.VisibilityProtected,
}

func (l *ElfLoader) symbol(t *elf.SymbolTable, i uint64) (Symbol, error) {
	raw, err := l.file.Symbol(t, i)
	if err != nil {
		return Symbol{}, err
	}
	name, ok := t.Strings.Get(raw.Name)
	if !ok {
		l.log().Debug("malformed symbol name", zap.Uint64("index", i), zap.Uint32("offset", raw.Name))
	}
	s := Symbol{
		Index:      uint32(i),
		Name:       name,
		Address:    raw.Value,
		Size:       raw.Size,
		Visibility: elfVisibility[elf.STVisibility(raw.Other)],
		Flags:      uint64(raw.Info) | uint64(raw.Other)<<8,
	}
	switch goelf.SymBind(elf.STBind(raw.Info)) {
	case goelf.STB_GLOBAL, 10: // STB_GNU_UNIQUE
		s.Binding = models.BindGlobal
	case goelf.STB_WEAK:
		s.Binding = models.BindWeak
	default:
		s.Binding = models.BindLocal
	}
	switch raw.Shndx {
	case elf.SHN_UNDEF:
		s.Placement = models.PlaceUndefined
	case elf.SHN_ABS:
		s.Placement = models.PlaceAbsolute
	case elf.SHN_COMMON:
		s.Placement = models.PlaceCommon
	default:
		idx, ok := l.file.SectionIndex(t, i, &raw)
		if ok && uint64(idx) < uint64(len(l.sections)) {
			s.Placement, s.SectionIndex = models.PlaceSection, idx
		} else {
			s.Placement = models.PlaceAbsolute
		}
	}
	switch goelf.SymType(elf.STType(raw.Info)) {
	case goelf.STT_FUNC, goelf.STT_LOOS: // STT_GNU_IFUNC
		s.Kind = models.SymbolText
	case goelf.STT_OBJECT, goelf.STT_COMMON:
		s.Kind = models.SymbolData
	case goelf.STT_SECTION:
		s.Kind = models.SymbolSection
	case goelf.STT_FILE:
		s.Kind = models.SymbolFile
	case goelf.STT_TLS:
		s.Kind = models.SymbolTls
	case goelf.STT_NOTYPE:
		if s.Placement == models.PlaceSection {
			s.Kind = symbolKindFor(l.sections[s.SectionIndex].Kind)
		}
	}
	return s, nil
}

// symbolKindFor guesses the kind of an untyped symbol from its section.
func symbolKindFor(k models.SectionKind) models.SymbolKind {
	switch k {
	case models.SectionText:
		return models.SymbolText
	case models.SectionData, models.SectionReadOnlyData, models.SectionReadOnlyString, models.SectionUninitializedData:
		return models.SymbolData
	case models.SectionTls, models.SectionUninitializedTls:
		return models.SymbolTls
	}
	return models.SymbolUnknown
}

func (l *ElfLoader) Segments() iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		for i := range l.file.Progs {
			ph := &l.file.Progs[i]
			if ph.Type != uint32(goelf.PT_LOAD) {
				continue
			}
			seg := Segment{
				Addr:     ph.Vaddr,
				Size:     ph.Memsz,
				Offset:   ph.Off,
				FileSize: ph.Filesz,
				Align:    ph.Align,
				Prot:     elfProt(ph.Flags),
				data:     l.file.ProgData(ph),
			}
			if !yield(seg) {
				return
			}
		}
	}
}

func elfProt(flags uint32) models.Prot {
	var p models.Prot
	if flags&uint32(goelf.PF_R) != 0 {
		p |= models.PROT_READ
	}
	if flags&uint32(goelf.PF_W) != 0 {
		p |= models.PROT_WRITE
	}
	if flags&uint32(goelf.PF_X) != 0 {
		p |= models.PROT_EXEC
	}
	return p
}

func (l *ElfLoader) relocations(s *Section) ([]Relocation, error) {
	if s.Index == 0 {
		return nil, nil
	}
	table := elf.RelocTable(l.file.Machine)
	var out []Relocation
	for i := range l.file.Sections {
		sh := &l.file.Sections[i]
		if (sh.Type != elf.SHT_REL && sh.Type != elf.SHT_RELA) || sh.Info != s.Index {
			continue
		}
		n, err := l.file.NumRels(sh)
		if err != nil {
			return nil, err
		}
		for j := uint64(0); j < n; j++ {
			r, err := l.file.Rel(sh, j)
			if err != nil {
				return nil, err
			}
			rel, err := l.relocation(s, sh, table, r)
			if err != nil {
				return nil, err
			}
			out = append(out, rel)
		}
	}
	return out, nil
}

func (l *ElfLoader) relocation(s *Section, sh *elf.SectionHeader, table models.RelocTable, r elf.Rel) (Relocation, error) {
	off := r.Off
	if l.kind != models.ObjectRelocatable && off >= s.Addr {
		off -= s.Addr
	}
	rel := Relocation{
		Offset: off,
		Target: RelocationTarget{Kind: TargetSymbol, Index: r.Sym},
		Addend: r.Addend,
		Raw:    r.Type,
	}
	if r.Sym == 0 {
		rel.Target.Kind = TargetAbsolute
	}
	desc, ok := table.Lookup(r.Type)
	if !ok {
		rel.Kind = models.RelocFormatSpecific
		return rel, nil
	}
	rel.Kind, rel.Encoding, rel.Size = desc.Kind, desc.Encoding, desc.Size
	if !sh.IsRela() && s.data != nil {
		addend, ok, err := models.ReadAddend(l.endian, s.data, off, desc)
		if err != nil {
			return rel, models.Malformed(models.FormatElf, "relocation at %#x outside section %q", off, s.Name)
		}
		rel.Addend, rel.ImplicitAddend = addend, ok
	}
	return rel, nil
}

func (l *ElfLoader) compressed(s *Section) (CompressedData, error) {
	if s.Flags&elf.SHF_COMPRESSED != 0 {
		typ, size, payload, err := l.file.Chdr(s.data)
		if err != nil {
			return CompressedData{}, models.WrapMalformed(models.FormatElf, err, "section %q", s.Name)
		}
		c := CompressedData{Format: models.CompressionUnknown, Data: payload, UncompressedSize: size}
		switch typ {
		case elf.ELFCOMPRESS_ZLIB:
			c.Format = models.CompressionZlib
		case elf.ELFCOMPRESS_ZSTD:
			c.Format = models.CompressionZstd
		}
		return c, nil
	}
	if strings.HasPrefix(s.Name, ".zdebug_") {
		return gnuCompressed(models.FormatElf, s)
	}
	return CompressedData{Data: s.data, UncompressedSize: uint64(len(s.data))}, nil
}

// BuildID returns the NT_GNU_BUILD_ID note from a note section, or from a
// PT_NOTE segment when the file has no section headers.
func (l *ElfLoader) BuildID() ([]byte, bool, error) {
	var blobs [][]byte
	for i := range l.file.Sections {
		if sh := &l.file.Sections[i]; sh.Type == elf.SHT_NOTE {
			blobs = append(blobs, l.file.SectionData(sh))
		}
	}
	if len(l.file.Sections) == 0 {
		for i := range l.file.Progs {
			if ph := &l.file.Progs[i]; ph.Type == uint32(goelf.PT_NOTE) {
				blobs = append(blobs, l.file.ProgData(ph))
			}
		}
	}
	for _, data := range blobs {
		notes, err := elf.Notes(data, l.endian)
		if err != nil {
			return nil, false, models.WrapMalformed(models.FormatElf, err, "note")
		}
		for _, n := range notes {
			if n.Name == "GNU" && n.Type == elf.NT_GNU_BUILD_ID {
				return n.Desc, true, nil
			}
		}
	}
	return nil, false, nil
}

// Interp returns the PT_INTERP path of an executable.
func (l *ElfLoader) Interp() string {
	for i := range l.file.Progs {
		if ph := &l.file.Progs[i]; ph.Type == uint32(goelf.PT_INTERP) {
			return strings.TrimRight(string(l.file.ProgData(ph)), "\x00")
		}
	}
	return ""
}

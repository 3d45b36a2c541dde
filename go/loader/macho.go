package loader

import (
	"iter"
	"strings"

	"go.uber.org/zap"

	"github.com/steamhammer/object/go/format/macho"
	"github.com/steamhammer/object/go/models"
)

type MachOLoader struct {
	LoaderHeader
	file     *macho.File
	sections []Section
}

var machoKinds = map[uint32]models.ObjectKind{
	macho.MH_OBJECT:  models.ObjectRelocatable,
	macho.MH_EXECUTE: models.ObjectExecutable,
	macho.MH_DYLIB:   models.ObjectDynamic,
	macho.MH_BUNDLE:  models.ObjectDynamic,
	0x7:              models.ObjectDynamic, // MH_DYLINKER
	macho.MH_CORE:    models.ObjectCore,
}

func MatchMachO(data []byte) bool {
	id, err := Identify(data)
	return err == nil && (id.Kind == models.FileMachO32 || id.Kind == models.FileMachO64)
}

func NewMachOLoader(data []byte, opts ...Option) (*MachOLoader, error) {
	return newMachOLoader(data, newConfig(opts))
}

func newMachOLoader(data []byte, cfg *config) (*MachOLoader, error) {
	file, err := macho.Parse(data)
	if err != nil {
		return nil, err
	}
	entry, hasEntry, err := file.Entry()
	if err != nil {
		return nil, err
	}
	bits := 32
	if file.Is64 {
		bits = 64
	}
	m := &MachOLoader{
		LoaderHeader: LoaderHeader{
			format:   models.FormatMachO,
			arch:     macho.Cpus[file.Cpu],
			bits:     bits,
			endian:   file.Endian,
			kind:     machoKinds[file.Type],
			entry:    entry,
			hasEntry: hasEntry,
			flags:    uint64(file.Flags),
			cfg:      cfg,
		},
		file: file,
	}
	m.sections = make([]Section, len(file.Sections))
	for i := range file.Sections {
		sect := &file.Sections[i]
		m.sections[i] = Section{
			Index:   uint32(i + 1),
			Name:    sect.Name,
			Segment: sect.Seg,
			Kind:    machoSectionKind(sect),
			Addr:    sect.Addr,
			Offset:  uint64(sect.Offset),
			Size:    sect.Size,
			Align:   uint64(1) << (sect.Align & 63),
			Flags:   uint64(sect.Flags),
			data:    file.SectionData(sect),
			src:     m,
		}
	}
	cfg.logger.Debug("loaded mach-o",
		zap.Stringer("arch", m.arch),
		zap.Int("bits", bits),
		zap.Stringer("kind", m.kind),
		zap.Int("sections", len(m.sections)))
	return m, nil
}

func machoSectionKind(s *macho.Section) models.SectionKind {
	switch s.Type() {
	case macho.S_ZEROFILL, macho.S_GB_ZEROFILL:
		return models.SectionUninitializedData
	case macho.S_THREAD_LOCAL_ZEROFILL:
		return models.SectionUninitializedTls
	case macho.S_THREAD_LOCAL_REGULAR, macho.S_THREAD_LOCAL_VARIABLES:
		return models.SectionTls
	case macho.S_CSTRING_LITERALS:
		return models.SectionReadOnlyString
	}
	switch {
	case s.Flags&(macho.S_ATTR_PURE_INSTRUCTIONS|macho.S_ATTR_SOME_INSTRUCTIONS) != 0:
		return models.SectionText
	case s.Flags&macho.S_ATTR_DEBUG != 0 || s.Seg == "__DWARF":
		return models.SectionDebug
	case s.Seg == "__TEXT":
		return models.SectionReadOnlyData
	case s.Seg == "__DATA" || s.Seg == "__DATA_CONST":
		if s.Name == "__const" {
			return models.SectionReadOnlyData
		}
		return models.SectionData
	case s.Seg == "__LD":
		return models.SectionLinker
	}
	return models.SectionOther
}

func (m *MachOLoader) Sections() iter.Seq[Section] {
	return func(yield func(Section) bool) {
		for _, s := range m.sections {
			if !yield(s) {
				return
			}
		}
	}
}

// SectionByIndex takes a 1-based section ordinal.
func (m *MachOLoader) SectionByIndex(index uint32) (Section, error) {
	if index == 0 || uint64(index) > uint64(len(m.sections)) {
		return Section{}, models.Malformed(models.FormatMachO, "section ordinal %d out of range", index)
	}
	return m.sections[index-1], nil
}

// SectionByName also finds ".debug_x" stored as "__debug_x" or "__zdebug_x".
func (m *MachOLoader) SectionByName(name string) (Section, bool) {
	return sectionByName(m, name, func(n string) []string {
		if rest, ok := strings.CutPrefix(n, ".debug_"); ok {
			return []string{"__debug_" + rest, "__zdebug_" + rest}
		}
		return nil
	})
}

// Symbols skips debugger (STAB) entries.
func (m *MachOLoader) Symbols() iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		for i := uint32(0); i < m.file.NumSymbols(); i++ {
			n, err := m.file.Symbol(i)
			if err != nil {
				m.log().Debug("stopping at unreadable symbol", zap.Uint32("index", i), zap.Error(err))
				return
			}
			if n.Type&macho.N_STAB != 0 {
				continue
			}
			if !yield(m.symbol(i, &n)) {
				return
			}
		}
	}
}

// DynamicSymbols is empty: Mach-O keeps one symbol table.
func (m *MachOLoader) DynamicSymbols() iter.Seq[Symbol] {
	return func(func(Symbol) bool) {}
}

func (m *MachOLoader) SymbolByIndex(index uint32) (Symbol, error) {
	n, err := m.file.Symbol(index)
	if err != nil {
		return Symbol{}, err
	}
	return m.symbol(index, &n), nil
}

func (m *MachOLoader) symbol(i uint32, n *macho.Nlist) Symbol {
	name, ok := m.file.SymbolName(n)
	if !ok {
		m.log().Debug("malformed symbol name", zap.Uint32("index", i), zap.Uint32("offset", n.Name))
	}
	s := Symbol{
		Index:   i,
		Name:    name,
		Address: n.Value,
		Flags:   uint64(n.Type) | uint64(n.Desc)<<8,
	}
	ext := n.Type&macho.N_EXT != 0
	switch n.Type & macho.N_TYPE {
	case macho.N_SECT:
		if n.Sect != macho.NO_SECT && int(n.Sect) <= len(m.sections) {
			s.Placement, s.SectionIndex = models.PlaceSection, uint32(n.Sect)
			s.Kind = symbolKindFor(m.sections[n.Sect-1].Kind)
		} else {
			s.Placement = models.PlaceAbsolute
		}
	case macho.N_ABS:
		s.Placement = models.PlaceAbsolute
	case macho.N_UNDF:
		if ext && n.Value != 0 {
			s.Placement, s.Size, s.Kind = models.PlaceCommon, n.Value, models.SymbolData
		}
	}
	switch {
	case ext && n.Desc&(macho.N_WEAK_DEF|macho.N_WEAK_REF) != 0:
		s.Binding = models.BindWeak
	case ext:
		s.Binding = models.BindGlobal
	}
	if n.Type&macho.N_PEXT != 0 {
		s.Visibility = models.VisibilityHidden
	}
	return s
}

func machoProt(p uint32) models.Prot {
	return models.Prot(p & (macho.VM_PROT_READ | macho.VM_PROT_WRITE | macho.VM_PROT_EXECUTE))
}

func (m *MachOLoader) Segments() iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		for i := range m.file.Segments {
			s := &m.file.Segments[i]
			seg := Segment{
				Name:     s.Name,
				Addr:     s.Addr,
				Size:     s.Memsz,
				Offset:   s.Offset,
				FileSize: s.Filesz,
				Prot:     machoProt(s.Prot),
				data:     m.file.SegmentData(s),
			}
			if !yield(seg) {
				return
			}
		}
	}
}

func (m *MachOLoader) relocations(s *Section) ([]Relocation, error) {
	sect := &m.file.Sections[s.Index-1]
	relocs, err := m.file.Relocs(sect)
	if err != nil {
		return nil, err
	}
	table := macho.RelocTableFor(m.file.Cpu)
	out := make([]Relocation, 0, len(relocs))
	for i := range relocs {
		rel, err := m.relocation(s, table, &relocs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

// relocation recovers the addend stored in the content: extern pc-relative
// fields carry the distance to the end of the field, and non-extern fields
// hold the target address itself.
func (m *MachOLoader) relocation(s *Section, table macho.RelocTable, r *macho.Reloc) (Relocation, error) {
	rel := Relocation{Offset: uint64(r.Addr), Raw: uint32(r.Type), Size: 8 << r.Len}
	if r.Scattered {
		rel.Target = RelocationTarget{Kind: TargetAbsolute}
		rel.Kind = models.RelocFormatSpecific
		rel.Addend = int64(r.Value)
		return rel, nil
	}
	if r.Extern {
		rel.Target = RelocationTarget{Kind: TargetSymbol, Index: r.Symnum}
	} else {
		rel.Target = RelocationTarget{Kind: TargetSection, Index: r.Symnum}
	}
	desc, ok := table.Lookup(r.Type, r.Pcrel, r.Len)
	if !ok {
		rel.Kind = models.RelocFormatSpecific
		return rel, nil
	}
	rel.Kind, rel.Encoding, rel.Size = desc.Kind, desc.Encoding, desc.Size
	if s.data == nil {
		return rel, nil
	}
	content, ok, err := models.ReadAddend(m.endian, s.data, rel.Offset, desc)
	if err != nil {
		return rel, models.Malformed(models.FormatMachO, "relocation at %#x outside section %q", rel.Offset, s.Name)
	}
	if !ok {
		return rel, nil
	}
	if r.Extern {
		rel.Addend = content - macho.PcrelBias(m.file.Cpu, r)
	} else {
		if r.Symnum == 0 || uint64(r.Symnum) > uint64(len(m.sections)) {
			return rel, models.Malformed(models.FormatMachO, "relocation section ordinal %d out of range", r.Symnum)
		}
		rel.Addend = content - int64(m.sections[r.Symnum-1].Addr)
		if r.Pcrel {
			rel.Addend += int64(s.Addr + rel.Offset)
		}
	}
	rel.ImplicitAddend = true
	return rel, nil
}

func (m *MachOLoader) compressed(s *Section) (CompressedData, error) {
	if strings.HasPrefix(s.Name, "__zdebug_") {
		return gnuCompressed(models.FormatMachO, s)
	}
	return CompressedData{Data: s.data, UncompressedSize: uint64(len(s.data))}, nil
}

// UUID returns the LC_UUID payload.
func (m *MachOLoader) UUID() ([16]byte, bool) {
	if m.file.UUID == nil {
		return [16]byte{}, false
	}
	return *m.file.UUID, true
}

func (m *MachOLoader) Cpu() (cpu, sub uint32) {
	return m.file.Cpu, m.file.SubCpu
}

// FatArch is one slice of a fat file.
type FatArch struct {
	Cpu    uint32
	SubCpu uint32
	Arch   models.Arch
	Offset uint64
	Size   uint64
	// Align is a power of two exponent.
	Align uint32

	data []byte
	cfg  *config
}

// Data returns the slice bytes, borrowed from the fat file.
func (a *FatArch) Data() []byte {
	return a.data
}

// Open parses the slice as a thin Mach-O image.
func (a *FatArch) Open() (*MachOLoader, error) {
	return newMachOLoader(a.data, a.cfg)
}

type FatFile struct {
	Magic  uint32
	Arches []FatArch
}

func OpenFat(data []byte, opts ...Option) (*FatFile, error) {
	return openFat(data, newConfig(opts))
}

func openFat(data []byte, cfg *config) (*FatFile, error) {
	ff, err := macho.ParseFat(data)
	if err != nil {
		return nil, err
	}
	f := &FatFile{Magic: ff.Magic, Arches: make([]FatArch, len(ff.Arches))}
	for i := range ff.Arches {
		a := &ff.Arches[i]
		f.Arches[i] = FatArch{
			Cpu:    a.Cpu,
			SubCpu: a.SubCpu,
			Arch:   macho.Cpus[a.Cpu],
			Offset: a.Offset,
			Size:   a.Size,
			Align:  a.Align,
			data:   ff.SliceData(a),
			cfg:    cfg,
		}
	}
	cfg.logger.Debug("loaded fat file", zap.Int("arches", len(f.Arches)))
	return f, nil
}

// Find returns the first slice for arch.
func (f *FatFile) Find(arch models.Arch) (*FatArch, bool) {
	for i := range f.Arches {
		if f.Arches[i].Arch == arch {
			return &f.Arches[i], true
		}
	}
	return nil, false
}

// Package writer builds relocatable object files. Callers describe sections,
// symbols and relocations on a Builder, then Finalize lays them out for the
// target format.
package writer

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/steamhammer/object/go/format/elf"
	"github.com/steamhammer/object/go/format/macho"
	"github.com/steamhammer/object/go/format/pe"
	"github.com/steamhammer/object/go/models"
)

var ErrFinalized = errors.New("builder already finalized")

type SectionID int
type SymbolID int

type StandardSection uint8

const (
	StandardText StandardSection = iota
	StandardData
	StandardReadOnlyData
	StandardReadOnlyString
	StandardUninitializedData
	StandardTls
	StandardUninitializedTls
)

// SectionFlags overrides the flags derived from a section's kind. It only
// applies when Format matches the builder's format.
type SectionFlags struct {
	Format models.Format
	Flags  uint64
}

type Section struct {
	Segment string
	Name    string
	Kind    models.SectionKind
	Align   uint64
	// Size covers appended uninitialized space as well as data.
	Size  uint64
	Flags *SectionFlags

	data   []byte
	owned  bool
	relocs []Relocation
	symbol SymbolID
}

// Data returns the section content as it will be written, before addends
// are stored into it.
func (s *Section) Data() []byte {
	return s.data
}

func (s *Section) isBSS() bool {
	return s.Kind.IsBSS()
}

type Symbol struct {
	Name       string
	Value      uint64
	Size       uint64
	Kind       models.SymbolKind
	Binding    models.Binding
	Visibility models.Visibility
	Placement  models.Placement
	// Section is meaningful when Placement is PlaceSection.
	Section SectionID
}

// Relocation patches Size bits at Offset in its section with the value of
// Symbol plus Addend, computed as Kind says.
type Relocation struct {
	Offset   uint64
	Symbol   SymbolID
	Kind     models.RelocationKind
	Encoding models.RelocationEncoding
	Size     uint8
	Addend   int64
}

func (r *Relocation) desc() models.RelocDesc {
	return models.RelocDesc{Kind: r.Kind, Encoding: r.Encoding, Size: r.Size}
}

type state uint8

const (
	stateOpen state = iota
	stateFinalized
)

type config struct {
	endian                models.Endian
	logger                *zap.Logger
	checksum              Checksum
	flags                 uint32
	fileName              string
	mangling              models.Mangling
	sortedExternals       bool
	subsectionsViaSymbols bool
}

type Option func(*config)

// WithEndian overrides the architecture's default byte order.
func WithEndian(e models.Endian) Option {
	return func(c *config) { c.endian = e }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithChecksum sets the function COFF section definitions are summed with.
func WithChecksum(sum Checksum) Option {
	return func(c *config) { c.checksum = sum }
}

// WithFlags sets the header flags word: e_flags, Mach-O flags or COFF
// characteristics.
func WithFlags(flags uint32) Option {
	return func(c *config) { c.flags = flags }
}

// WithFileName adds a source file symbol (ELF STT_FILE, COFF .file).
func WithFileName(name string) Option {
	return func(c *config) { c.fileName = name }
}

func WithMangling(m models.Mangling) Option {
	return func(c *config) { c.mangling = m }
}

// WithSortedExternals controls whether Mach-O external symbols are sorted
// by name, as ld expects. It defaults to true.
func WithSortedExternals(sorted bool) Option {
	return func(c *config) { c.sortedExternals = sorted }
}

func WithSubsectionsViaSymbols(on bool) Option {
	return func(c *config) { c.subsectionsViaSymbols = on }
}

// Builder is the mutable description of one object. It is owned by a single
// goroutine until Finalize.
type Builder struct {
	format   models.Format
	arch     models.Arch
	cfg      config
	state    state
	sections []Section
	symbols  []Symbol
	// err is the first invalid handle passed to a mutator, reported by
	// Finalize.
	err error
}

// New starts an empty object for format and arch.
func New(format models.Format, arch models.Arch, opts ...Option) (*Builder, error) {
	b := &Builder{
		format: format,
		arch:   arch,
		cfg: config{
			endian:          arch.Endian(),
			logger:          zap.NewNop(),
			checksum:        JamCRC,
			sortedExternals: true,
		},
	}
	for _, o := range opts {
		o(&b.cfg)
	}
	var ok bool
	switch format {
	case models.FormatElf:
		_, ok = elf.MachineFor(arch)
	case models.FormatMachO:
		_, _, ok = macho.CpuFor(arch)
	case models.FormatCoff:
		_, ok = pe.MachineFor(arch)
		if b.cfg.endian != models.LittleEndian {
			return nil, models.Unsupported(format, "COFF is little-endian only")
		}
	default:
		return nil, models.Unsupported(format, "no writer for this format")
	}
	if !ok {
		return nil, models.Unsupported(format, "no writer for %v", arch)
	}
	return b, nil
}

func (b *Builder) Format() models.Format { return b.format }
func (b *Builder) Arch() models.Arch     { return b.arch }
func (b *Builder) Endian() models.Endian { return b.cfg.endian }

func (b *Builder) mutate() {
	if b.state == stateFinalized {
		panic("writer: mutation of a finalized builder")
	}
}

func (b *Builder) fail(format string, args ...interface{}) {
	if b.err == nil {
		b.err = models.BuildError(b.format, format, args...)
	}
}

func (b *Builder) section(id SectionID) *Section {
	if id < 0 || int(id) >= len(b.sections) {
		b.fail("section id %d is not registered", id)
		return nil
	}
	return &b.sections[id]
}

func (b *Builder) AddSection(segment, name string, kind models.SectionKind) SectionID {
	b.mutate()
	b.sections = append(b.sections, Section{Segment: segment, Name: name, Kind: kind, Align: 1, symbol: -1})
	return SectionID(len(b.sections) - 1)
}

// StandardSectionName returns the segment and section names format uses for
// a standard section.
func StandardSectionName(format models.Format, s StandardSection) (segment, name string, kind models.SectionKind) {
	type entry struct {
		seg, elf, macho, coff string
		kind                  models.SectionKind
	}
	table := map[StandardSection]entry{
		StandardText:              {"__TEXT", ".text", "__text", ".text", models.SectionText},
		StandardData:              {"__DATA", ".data", "__data", ".data", models.SectionData},
		StandardReadOnlyData:      {"__TEXT", ".rodata", "__const", ".rdata", models.SectionReadOnlyData},
		StandardReadOnlyString:    {"__TEXT", ".rodata.str1.1", "__cstring", ".rdata", models.SectionReadOnlyString},
		StandardUninitializedData: {"__DATA", ".bss", "__bss", ".bss", models.SectionUninitializedData},
		StandardTls:               {"__DATA", ".tdata", "__thread_data", ".tls$", models.SectionTls},
		StandardUninitializedTls:  {"__DATA", ".tbss", "__thread_bss", ".tls$", models.SectionUninitializedTls},
	}
	e := table[s]
	switch format {
	case models.FormatMachO:
		return e.seg, e.macho, e.kind
	case models.FormatCoff:
		return "", e.coff, e.kind
	}
	return "", e.elf, e.kind
}

// AddStandardSection returns the existing section of that name or adds it.
func (b *Builder) AddStandardSection(s StandardSection) SectionID {
	seg, name, kind := StandardSectionName(b.format, s)
	if id, ok := b.FindSection(seg, name); ok {
		return id
	}
	return b.AddSection(seg, name, kind)
}

func (b *Builder) FindSection(segment, name string) (SectionID, bool) {
	for i := range b.sections {
		if b.sections[i].Segment == segment && b.sections[i].Name == name {
			return SectionID(i), true
		}
	}
	return -1, false
}

func (b *Builder) Section(id SectionID) *Section {
	if id < 0 || int(id) >= len(b.sections) {
		return nil
	}
	return &b.sections[id]
}

func (s *Section) raiseAlign(align uint64) {
	if align > s.Align {
		s.Align = align
	}
}

func checkAlign(align uint64) bool {
	return align == 0 || align&(align-1) == 0
}

// SetSectionData makes data the section content without copying it; the
// caller must not modify data until Finalize returns.
func (b *Builder) SetSectionData(id SectionID, data []byte, align uint64) {
	b.mutate()
	s := b.section(id)
	if s == nil {
		return
	}
	if !checkAlign(align) {
		b.fail("section %q alignment %d is not a power of two", s.Name, align)
		return
	}
	if s.isBSS() {
		b.fail("section %q has no file content", s.Name)
		return
	}
	s.data, s.owned, s.Size = data, false, uint64(len(data))
	s.raiseAlign(align)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// AppendSectionData copies data onto the end of the section, padded to
// align, and returns its offset.
func (b *Builder) AppendSectionData(id SectionID, data []byte, align uint64) uint64 {
	b.mutate()
	s := b.section(id)
	if s == nil {
		return 0
	}
	if !checkAlign(align) {
		b.fail("section %q alignment %d is not a power of two", s.Name, align)
		return 0
	}
	if s.isBSS() {
		b.fail("section %q has no file content", s.Name)
		return 0
	}
	if !s.owned {
		s.data = append([]byte(nil), s.data...)
		s.owned = true
	}
	off := alignUp(uint64(len(s.data)), align)
	if pad := off - uint64(len(s.data)); pad > 0 {
		s.data = append(s.data, make([]byte, pad)...)
	}
	s.data = append(s.data, data...)
	s.Size = uint64(len(s.data))
	s.raiseAlign(align)
	return off
}

// AppendSectionBSS reserves size zero bytes in an uninitialized section and
// returns their offset.
func (b *Builder) AppendSectionBSS(id SectionID, size, align uint64) uint64 {
	b.mutate()
	s := b.section(id)
	if s == nil {
		return 0
	}
	if !checkAlign(align) {
		b.fail("section %q alignment %d is not a power of two", s.Name, align)
		return 0
	}
	if !s.isBSS() {
		b.fail("section %q is not uninitialized data", s.Name)
		return 0
	}
	off := alignUp(s.Size, align)
	s.Size = off + size
	s.raiseAlign(align)
	return off
}

func (b *Builder) SetSectionFlags(id SectionID, flags SectionFlags) {
	b.mutate()
	if s := b.section(id); s != nil {
		s.Flags = &flags
	}
}

func (b *Builder) AddSymbol(sym Symbol) SymbolID {
	b.mutate()
	b.symbols = append(b.symbols, sym)
	return SymbolID(len(b.symbols) - 1)
}

// SectionSymbol returns the symbol standing for the start of a section,
// creating it on first use.
func (b *Builder) SectionSymbol(id SectionID) SymbolID {
	b.mutate()
	s := b.section(id)
	if s == nil {
		return -1
	}
	if s.symbol < 0 {
		s.symbol = b.AddSymbol(Symbol{
			Kind:      models.SymbolSection,
			Binding:   models.BindLocal,
			Placement: models.PlaceSection,
			Section:   id,
		})
	}
	return s.symbol
}

func (b *Builder) FindSymbol(name string) (SymbolID, bool) {
	for i := range b.symbols {
		if b.symbols[i].Name == name && b.symbols[i].Kind != models.SymbolSection {
			return SymbolID(i), true
		}
	}
	return -1, false
}

func (b *Builder) Symbol(id SymbolID) *Symbol {
	if id < 0 || int(id) >= len(b.symbols) {
		return nil
	}
	return &b.symbols[id]
}

func (b *Builder) AddRelocation(id SectionID, r Relocation) {
	b.mutate()
	if s := b.section(id); s != nil {
		s.relocs = append(s.relocs, r)
	}
}

// validate checks every handle and range the serializers rely on.
func (b *Builder) validate() error {
	if b.err != nil {
		return b.err
	}
	for i := range b.symbols {
		sym := &b.symbols[i]
		if sym.Placement != models.PlaceSection && sym.Kind != models.SymbolSection {
			continue
		}
		if sym.Section < 0 || int(sym.Section) >= len(b.sections) {
			return models.BuildError(b.format, "symbol %q refers to unregistered section %d", sym.Name, sym.Section)
		}
	}
	for i := range b.sections {
		s := &b.sections[i]
		if s.Flags != nil && s.Flags.Format != b.format {
			return models.BuildError(b.format, "section %q carries %v flags", s.Name, s.Flags.Format)
		}
		for _, r := range s.relocs {
			if r.Symbol < 0 || int(r.Symbol) >= len(b.symbols) {
				return models.BuildError(b.format, "relocation in %q refers to unregistered symbol %d", s.Name, r.Symbol)
			}
			if s.isBSS() {
				return models.BuildError(b.format, "relocation in uninitialized section %q", s.Name)
			}
			width := (uint64(r.Size) + 7) / 8
			if r.Size == 0 || r.Offset+width > s.Size || r.Offset+width < r.Offset {
				return models.BuildError(b.format, "relocation at %#x outside section %q", r.Offset, s.Name)
			}
		}
	}
	return nil
}

// mangle applies the C symbol prefix convention.
func (b *Builder) mangle(sym *Symbol) string {
	if b.cfg.mangling != models.ManglingC || sym.Name == "" {
		return sym.Name
	}
	if sym.Kind == models.SymbolSection || sym.Kind == models.SymbolFile {
		return sym.Name
	}
	switch {
	case b.format == models.FormatMachO,
		b.format == models.FormatCoff && b.arch == models.ArchX86:
		return "_" + sym.Name
	}
	return sym.Name
}

// Finalize serializes the object. On failure nothing is returned and the
// builder stays open; after success it is immutable and further calls
// return ErrFinalized.
func (b *Builder) Finalize() ([]byte, error) {
	if b.state == stateFinalized {
		return nil, ErrFinalized
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	var out []byte
	var err error
	switch b.format {
	case models.FormatElf:
		out, err = b.writeElf()
	case models.FormatMachO:
		out, err = b.writeMachO()
	case models.FormatCoff:
		out, err = b.writeCoff()
	default:
		err = models.Unsupported(b.format, "no writer for this format")
	}
	if err != nil {
		return nil, err
	}
	b.state = stateFinalized
	b.cfg.logger.Debug("finalized object",
		zap.Stringer("format", b.format),
		zap.Stringer("arch", b.arch),
		zap.Int("sections", len(b.sections)),
		zap.Int("symbols", len(b.symbols)),
		zap.Int("size", len(out)))
	return out, nil
}

// content returns a private copy of a section's bytes for addends to be
// written into.
func (s *Section) content() []byte {
	if s.isBSS() {
		return nil
	}
	out := make([]byte, s.Size)
	copy(out, s.data)
	return out
}

func (s *Section) String() string {
	if s.Segment != "" {
		return fmt.Sprintf("%s,%s", s.Segment, s.Name)
	}
	return s.Name
}

package loader

import (
	"bytes"
	"iter"
	"strings"

	"go.uber.org/zap"

	"github.com/steamhammer/object/go/format/pe"
	"github.com/steamhammer/object/go/models"
)

// CoffLoader reads COFF objects and PE images.
type CoffLoader struct {
	LoaderHeader
	file     *pe.File
	sections []Section
}

func MatchCoff(data []byte) bool {
	id, err := Identify(data)
	return err == nil && (id.Kind == models.FileCoff || id.Kind == models.FilePe32 || id.Kind == models.FilePe64)
}

func NewCoffLoader(data []byte, opts ...Option) (*CoffLoader, error) {
	return newCoffLoader(data, newConfig(opts))
}

func newCoffLoader(data []byte, cfg *config) (*CoffLoader, error) {
	file, err := pe.Parse(data)
	if err != nil {
		return nil, err
	}
	arch, ok := pe.Machines[file.Machine]
	if !ok {
		cfg.logger.Debug("unknown COFF machine", zap.Uint16("machine", file.Machine))
	}
	c := &CoffLoader{
		LoaderHeader: LoaderHeader{
			format: models.FormatCoff,
			arch:   arch,
			bits:   arch.Bits(),
			endian: models.LittleEndian,
			kind:   models.ObjectRelocatable,
			flags:  uint64(file.Characteristics),
			cfg:    cfg,
		},
		file: file,
	}
	if opt := file.Optional; opt != nil {
		c.format, c.bits = models.FormatPe, 32
		if opt.Is64() {
			c.bits = 64
		}
		c.kind = models.ObjectExecutable
		if file.Characteristics&pe.IMAGE_FILE_DLL != 0 {
			c.kind = models.ObjectDynamic
		}
		if opt.AddressOfEntryPoint != 0 {
			c.entry, c.hasEntry = opt.ImageBase+uint64(opt.AddressOfEntryPoint), true
		}
	}
	c.sections = make([]Section, len(file.Sections))
	for i := range file.Sections {
		c.sections[i] = c.section(i)
	}
	cfg.logger.Debug("loaded coff",
		zap.Stringer("format", c.format),
		zap.Stringer("arch", c.arch),
		zap.Stringer("kind", c.kind),
		zap.Int("sections", len(c.sections)))
	return c, nil
}

func (c *CoffLoader) section(i int) Section {
	sh := &c.file.Sections[i]
	s := Section{
		Index:  uint32(i + 1),
		Name:   sh.Name,
		Kind:   coffSectionKind(sh.Name, sh.Characteristics),
		Addr:   uint64(sh.VirtualAddress),
		Offset: uint64(sh.PointerToRawData),
		Size:   uint64(sh.SizeOfRawData),
		Align:  pe.AlignFromCharacteristics(sh.Characteristics),
		Flags:  uint64(sh.Characteristics),
		data:   c.file.SectionData(sh),
		src:    c,
	}
	if opt := c.file.Optional; opt != nil {
		s.Addr += opt.ImageBase
		s.Align = uint64(opt.SectionAlignment)
		if sh.VirtualSize != 0 {
			s.Size = uint64(sh.VirtualSize)
		}
		// raw data is padded to the file alignment
		if uint64(len(s.data)) > s.Size {
			s.data = s.data[:s.Size]
		}
	}
	return s
}

func coffSectionKind(name string, c uint32) models.SectionKind {
	switch {
	case strings.HasPrefix(name, ".debug"):
		return models.SectionDebug
	case c&pe.IMAGE_SCN_CNT_CODE != 0:
		return models.SectionText
	case c&pe.IMAGE_SCN_CNT_INITIALIZED_DATA != 0:
		if strings.HasPrefix(name, ".tls") {
			return models.SectionTls
		}
		if c&pe.IMAGE_SCN_MEM_WRITE != 0 {
			return models.SectionData
		}
		return models.SectionReadOnlyData
	case c&pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0:
		return models.SectionUninitializedData
	case c&pe.IMAGE_SCN_LNK_INFO != 0:
		return models.SectionLinker
	}
	return models.SectionOther
}

func (c *CoffLoader) Sections() iter.Seq[Section] {
	return func(yield func(Section) bool) {
		for _, s := range c.sections {
			if !yield(s) {
				return
			}
		}
	}
}

// SectionByIndex takes a 1-based section number.
func (c *CoffLoader) SectionByIndex(index uint32) (Section, error) {
	if index == 0 || uint64(index) > uint64(len(c.sections)) {
		return Section{}, models.Malformed(c.format, "section number %d out of range", index)
	}
	return c.sections[index-1], nil
}

func (c *CoffLoader) SectionByName(name string) (Section, bool) {
	return sectionByName(c, name, nil)
}

// Symbols walks the symbol table, stepping over auxiliary records. Symbol
// indexes count those records.
func (c *CoffLoader) Symbols() iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		for i := uint32(0); i < c.file.NumberOfSymbols; {
			raw, err := c.file.Symbol(i)
			if err != nil {
				c.log().Debug("stopping at unreadable symbol", zap.Uint32("index", i), zap.Error(err))
				return
			}
			if !yield(c.symbol(i, &raw)) {
				return
			}
			i += 1 + uint32(raw.NumberOfAuxSymbols)
		}
	}
}

// DynamicSymbols is empty; PE exports live in the export directory.
func (c *CoffLoader) DynamicSymbols() iter.Seq[Symbol] {
	return func(func(Symbol) bool) {}
}

func (c *CoffLoader) SymbolByIndex(index uint32) (Symbol, error) {
	raw, err := c.file.Symbol(index)
	if err != nil {
		return Symbol{}, err
	}
	return c.symbol(index, &raw), nil
}

// fileName joins the auxiliary records following a .file symbol.
func (c *CoffLoader) fileName(i uint32, n uint8) string {
	var name []byte
	for k := uint32(1); k <= uint32(n); k++ {
		aux, err := c.file.Aux(i + k)
		if err != nil {
			break
		}
		name = append(name, aux...)
	}
	if end := bytes.IndexByte(name, 0); end >= 0 {
		name = name[:end]
	}
	return string(name)
}

func (c *CoffLoader) symbol(i uint32, raw *pe.RawSymbol) Symbol {
	s := Symbol{
		Index:   i,
		Address: uint64(raw.Value),
		Flags:   uint64(raw.StorageClass) | uint64(raw.Type)<<8 | uint64(raw.NumberOfAuxSymbols)<<24,
	}
	if raw.StorageClass == pe.IMAGE_SYM_CLASS_FILE {
		s.Name, s.Kind = c.fileName(i, raw.NumberOfAuxSymbols), models.SymbolFile
	} else {
		name, ok := c.file.SymbolName(raw)
		if !ok {
			c.log().Debug("malformed symbol name", zap.Uint32("index", i))
		}
		s.Name = name
	}
	switch n := raw.SectionNumber; {
	case n > 0:
		if int(n) > len(c.sections) {
			s.Placement = models.PlaceAbsolute
			break
		}
		sect := &c.sections[n-1]
		s.Placement, s.SectionIndex = models.PlaceSection, uint32(n)
		s.Address += sect.Addr
		switch {
		case s.Kind == models.SymbolFile:
		case raw.StorageClass == pe.IMAGE_SYM_CLASS_SECTION,
			raw.StorageClass == pe.IMAGE_SYM_CLASS_STATIC && raw.NumberOfAuxSymbols > 0 && raw.Value == 0 && s.Name == sect.Name:
			s.Kind = models.SymbolSection
		case raw.Type&0xf0 == pe.IMAGE_SYM_DTYPE_FUNCTION:
			s.Kind = models.SymbolText
		default:
			s.Kind = symbolKindFor(sect.Kind)
		}
	case n == pe.IMAGE_SYM_ABSOLUTE:
		s.Placement = models.PlaceAbsolute
	case n == pe.IMAGE_SYM_UNDEFINED:
		if raw.StorageClass == pe.IMAGE_SYM_CLASS_EXTERNAL && raw.Value != 0 {
			s.Placement, s.Size, s.Kind = models.PlaceCommon, uint64(raw.Value), models.SymbolData
			s.Address = 0
		}
	}
	switch raw.StorageClass {
	case pe.IMAGE_SYM_CLASS_EXTERNAL:
		s.Binding = models.BindGlobal
	case pe.IMAGE_SYM_CLASS_WEAK_EXTERNAL:
		s.Binding = models.BindWeak
	}
	return s
}

func coffProt(c uint32) models.Prot {
	var p models.Prot
	if c&pe.IMAGE_SCN_MEM_READ != 0 {
		p |= models.PROT_READ
	}
	if c&pe.IMAGE_SCN_MEM_WRITE != 0 {
		p |= models.PROT_WRITE
	}
	if c&pe.IMAGE_SCN_MEM_EXECUTE != 0 {
		p |= models.PROT_EXEC
	}
	return p
}

// Segments maps each PE section to the memory it occupies once loaded.
// COFF objects have none.
func (c *CoffLoader) Segments() iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		if !c.file.IsPE() {
			return
		}
		for i := range c.file.Sections {
			sh := &c.file.Sections[i]
			s := &c.sections[i]
			seg := Segment{
				Name:     sh.Name,
				Addr:     s.Addr,
				Size:     s.Size,
				Offset:   uint64(sh.PointerToRawData),
				FileSize: uint64(sh.SizeOfRawData),
				Align:    uint64(c.file.Optional.SectionAlignment),
				Prot:     coffProt(sh.Characteristics),
				data:     c.file.SectionData(sh),
			}
			if !yield(seg) {
				return
			}
		}
	}
}

func (c *CoffLoader) relocations(s *Section) ([]Relocation, error) {
	sh := &c.file.Sections[s.Index-1]
	relocs, err := c.file.Relocs(sh)
	if err != nil {
		return nil, err
	}
	table := pe.RelocTable(c.file.Machine)
	out := make([]Relocation, 0, len(relocs))
	for _, r := range relocs {
		if r.VirtualAddress < sh.VirtualAddress {
			return nil, models.Malformed(c.format, "relocation at %#x precedes section %q", r.VirtualAddress, s.Name)
		}
		if r.SymbolTableIndex >= c.file.NumberOfSymbols {
			return nil, models.Malformed(c.format, "relocation symbol %d out of range of %d", r.SymbolTableIndex, c.file.NumberOfSymbols)
		}
		rel := Relocation{
			Offset: uint64(r.VirtualAddress - sh.VirtualAddress),
			Target: RelocationTarget{Kind: TargetSymbol, Index: r.SymbolTableIndex},
			Raw:    uint32(r.Type),
		}
		desc, ok := table.Lookup(uint32(r.Type))
		if !ok {
			rel.Kind = models.RelocFormatSpecific
			out = append(out, rel)
			continue
		}
		rel.Kind, rel.Encoding, rel.Size = desc.Kind, desc.Encoding, desc.Size
		if s.data != nil {
			content, ok, err := models.ReadAddend(c.endian, s.data, rel.Offset, desc)
			if err != nil {
				return nil, models.Malformed(c.format, "relocation at %#x outside section %q", rel.Offset, s.Name)
			}
			if ok {
				rel.Addend = content - pe.PcrelBias(c.file.Machine, r.Type)
				rel.ImplicitAddend = true
			}
		}
		out = append(out, rel)
	}
	return out, nil
}

func (c *CoffLoader) compressed(s *Section) (CompressedData, error) {
	return CompressedData{Data: s.data, UncompressedSize: uint64(len(s.data))}, nil
}

func (c *CoffLoader) IsPE() bool {
	return c.file.IsPE()
}

// ImageBase is the preferred load address of a PE image, 0 for objects.
func (c *CoffLoader) ImageBase() uint64 {
	if c.file.Optional == nil {
		return 0
	}
	return c.file.Optional.ImageBase
}

func (c *CoffLoader) Machine() uint16 {
	return c.file.Machine
}

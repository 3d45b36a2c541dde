package loader

import (
	"github.com/steamhammer/object/go/compress"
	"github.com/steamhammer/object/go/models"
)

// sectionSource is implemented by each format's loader for the section
// queries that need to go back to the file.
type sectionSource interface {
	Format() models.Format
	decompressor() compress.Decompressor
	relocations(s *Section) ([]Relocation, error)
	compressed(s *Section) (CompressedData, error)
}

type Section struct {
	// Index is the format-native section index: ELF header index, 1-based
	// Mach-O ordinal or COFF section number, Wasm section position.
	Index   uint32
	Name    string
	Segment string
	Kind    models.SectionKind
	Addr    uint64
	Offset  uint64
	Size    uint64
	Align   uint64
	// Flags is the raw flags field of the section header.
	Flags uint64

	data []byte
	src  sectionSource
}

// Data returns the file bytes of the section, borrowed from the input. It
// is empty for sections without file content.
func (s Section) Data() []byte {
	return s.data
}

// DataRange returns the size bytes of section content at address addr. It
// reports false when the range is not wholly inside the file content.
func (s Section) DataRange(addr, size uint64) ([]byte, bool) {
	return dataRange(s.data, s.Addr, addr, size)
}

// Relocations decodes the relocations that apply to this section.
func (s Section) Relocations() ([]Relocation, error) {
	if s.src == nil {
		return nil, nil
	}
	return s.src.relocations(&s)
}

// CompressedData describes the stored form of a section. Format is
// CompressionNone for uncompressed sections, in which case Data is the
// section content.
type CompressedData struct {
	Format           models.CompressionFormat
	Data             []byte
	UncompressedSize uint64
}

func (s Section) Compressed() (CompressedData, error) {
	if s.src == nil {
		return CompressedData{Data: s.data, UncompressedSize: uint64(len(s.data))}, nil
	}
	return s.src.compressed(&s)
}

// UncompressedData returns the section content, decompressing it first if
// needed. Decompression failures are reported, never replaced by empty
// content.
func (s Section) UncompressedData() ([]byte, error) {
	c, err := s.Compressed()
	if err != nil {
		return nil, err
	}
	if c.Format == models.CompressionNone {
		return c.Data, nil
	}
	format := models.FormatUnknown
	var d compress.Decompressor
	if s.src != nil {
		format = s.src.Format()
		d = s.src.decompressor()
	}
	if d == nil {
		return nil, models.Unsupported(format, "section %q is %v compressed and no decompressor is configured", s.Name, c.Format)
	}
	if c.Format == models.CompressionUnknown {
		return nil, models.Unsupported(format, "section %q uses an unknown compression format", s.Name)
	}
	out, err := d.Decompress(c.Format, c.Data, c.UncompressedSize)
	if err != nil {
		return nil, models.WrapMalformed(format, err, "section %q", s.Name)
	}
	if uint64(len(out)) != c.UncompressedSize {
		return nil, models.Malformed(format, "section %q decompressed to %d bytes, header says %d", s.Name, len(out), c.UncompressedSize)
	}
	return out, nil
}

type Symbol struct {
	// Index is the format-native symbol table index; COFF indexes count
	// auxiliary records.
	Index      uint32
	Name       string
	Address    uint64
	Size       uint64
	Kind       models.SymbolKind
	Binding    models.Binding
	Visibility models.Visibility
	Placement  models.Placement
	// SectionIndex is meaningful when Placement is PlaceSection.
	SectionIndex uint32
	// Flags holds the raw type/class bits of the symbol table entry.
	Flags uint64
}

func (s *Symbol) IsDefined() bool {
	return s.Placement == models.PlaceSection || s.Placement == models.PlaceAbsolute
}

// Contains reports whether addr falls inside the symbol, treating a zero
// size as open-ended.
func (s *Symbol) Contains(addr uint64) bool {
	return s.Address <= addr && (s.Address+s.Size > addr || s.Size == 0)
}

type Segment struct {
	Name     string
	Addr     uint64
	Size     uint64
	Offset   uint64
	FileSize uint64
	Align    uint64
	Prot     models.Prot

	data []byte
}

func (s Segment) Data() []byte {
	return s.data
}

func (s Segment) DataRange(addr, size uint64) ([]byte, bool) {
	return dataRange(s.data, s.Addr, addr, size)
}

func dataRange(data []byte, base, addr, size uint64) ([]byte, bool) {
	if addr < base {
		return nil, false
	}
	off := addr - base
	if off > uint64(len(data)) || size > uint64(len(data))-off {
		return nil, false
	}
	return data[off : off+size], true
}

type TargetKind uint8

const (
	TargetSymbol TargetKind = iota
	TargetSection
	TargetAbsolute
)

type RelocationTarget struct {
	Kind  TargetKind
	Index uint32
}

type Relocation struct {
	// Offset is relative to the start of the owning section.
	Offset   uint64
	Target   RelocationTarget
	Kind     models.RelocationKind
	Encoding models.RelocationEncoding
	Size     uint8
	Addend   int64
	// ImplicitAddend is set when Addend was read from the section content
	// rather than the relocation entry.
	ImplicitAddend bool
	Raw            uint32
}

package pe

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/steamhammer/object/go/models"
)

// OptionalHeader is the PE32/PE32+ optional header with the width
// differences folded away.
type OptionalHeader struct {
	Magic               uint16
	AddressOfEntryPoint uint32
	ImageBase           uint64
	SectionAlignment    uint32
	FileAlignment       uint32
	SizeOfImage         uint32
	SizeOfHeaders       uint32
	Subsystem           uint16
	DllCharacteristics  uint16
	DataDirectories     []DataDirectory
}

func (o *OptionalHeader) Is64() bool { return o.Magic == Pe32PlusMagic }

type SectionHeader struct {
	Name                 string
	RawName              [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	// NumberOfRelocations is the real count, also when it overflowed the
	// 16-bit header field.
	NumberOfRelocations uint32
	Characteristics     uint32
	firstReloc          uint32
}

// File is a descriptor set over a COFF object or a PE image. COFF is always
// little-endian.
type File struct {
	FileHeader
	// Optional is nil for COFF objects.
	Optional *OptionalHeader
	Data     []byte
	Sections []SectionHeader
	Strings  []byte
	// HeaderOffset is where the COFF file header starts: after "PE\0\0"
	// for images, 0 for objects.
	HeaderOffset uint64
}

func (f *File) IsPE() bool { return f.Optional != nil }

func (f *File) format() models.Format {
	if f.IsPE() {
		return models.FormatPe
	}
	return models.FormatCoff
}

var le = models.LittleEndian

func truncated(format models.Format, detail string, args ...interface{}) error {
	return models.Truncated(format, detail, args...)
}

func malformed(format models.Format, detail string, args ...interface{}) error {
	return models.Malformed(format, detail, args...)
}

func checkRange(format models.Format, n int, off, size uint64, what string) error {
	end := off + size
	if end < off {
		return malformed(format, "%s range %#x+%#x overflows", what, off, size)
	}
	if end > uint64(n) {
		return truncated(format, "%s range %#x+%#x past end of %#x byte file", what, off, size, n)
	}
	return nil
}

// PEHeaderOffset follows the MS-DOS stub to the COFF header. ok is false
// when data is not an MZ image or e_lfanew does not lead to "PE\0\0".
func PEHeaderOffset(data []byte) (off uint64, ok bool, err error) {
	magic, err := le.Uint16(data, 0)
	if err != nil || magic != DosMagic {
		return 0, false, nil
	}
	lfanew, err := le.Uint32(data, lfanewOffset)
	if err != nil {
		return 0, false, truncated(models.FormatPe, "MS-DOS header")
	}
	sig, err := le.Uint32(data, uint64(lfanew))
	if err != nil {
		return 0, false, truncated(models.FormatPe, "PE signature at %#x", lfanew)
	}
	if sig != PeSignature {
		return 0, false, nil
	}
	return uint64(lfanew) + 4, true, nil
}

// Parse decodes a PE image (when data starts with an MZ stub) or a bare COFF
// object.
func Parse(data []byte) (*File, error) {
	f := &File{Data: data}
	format := models.FormatCoff
	off, isPE, err := PEHeaderOffset(data)
	if err != nil {
		return nil, err
	}
	if !isPE {
		if m, _ := le.Uint16(data, 0); m == DosMagic && len(data) >= 2 {
			return nil, models.Unrecognized(models.FormatPe, "MZ stub without PE signature")
		}
	} else {
		format = models.FormatPe
	}
	f.HeaderOffset = off
	if err := le.Unpack(data, off, &f.FileHeader); err != nil {
		return nil, models.WrapMalformed(format, err, "COFF header")
	}
	optOff := off + fileHeaderSize
	if err := checkRange(format, len(data), optOff, uint64(f.SizeOfOptionalHeader), "optional header"); err != nil {
		return nil, err
	}
	if isPE {
		opt, err := parseOptional(data[optOff : optOff+uint64(f.SizeOfOptionalHeader)])
		if err != nil {
			return nil, err
		}
		f.Optional = opt
	}
	if err := f.parseStrings(); err != nil {
		return nil, err
	}
	if err := f.parseSections(optOff + uint64(f.SizeOfOptionalHeader)); err != nil {
		return nil, err
	}
	return f, nil
}

func parseOptional(raw []byte) (*OptionalHeader, error) {
	magic, err := le.Uint16(raw, 0)
	if err != nil {
		return nil, malformed(models.FormatPe, "optional header too small for magic")
	}
	opt := &OptionalHeader{Magic: magic}
	var ndirs uint32
	var base uint64
	switch magic {
	case Pe32Magic:
		var h OptionalHeader32
		if err := le.Unpack(raw, 0, &h); err != nil {
			return nil, models.WrapMalformed(models.FormatPe, err, "PE32 optional header")
		}
		opt.AddressOfEntryPoint, opt.ImageBase = h.AddressOfEntryPoint, uint64(h.ImageBase)
		opt.SectionAlignment, opt.FileAlignment = h.SectionAlignment, h.FileAlignment
		opt.SizeOfImage, opt.SizeOfHeaders = h.SizeOfImage, h.SizeOfHeaders
		opt.Subsystem, opt.DllCharacteristics = h.Subsystem, h.DllCharacteristics
		ndirs, base = h.NumberOfRvaAndSizes, opt32Size
	case Pe32PlusMagic:
		var h OptionalHeader64
		if err := le.Unpack(raw, 0, &h); err != nil {
			return nil, models.WrapMalformed(models.FormatPe, err, "PE32+ optional header")
		}
		opt.AddressOfEntryPoint, opt.ImageBase = h.AddressOfEntryPoint, h.ImageBase
		opt.SectionAlignment, opt.FileAlignment = h.SectionAlignment, h.FileAlignment
		opt.SizeOfImage, opt.SizeOfHeaders = h.SizeOfImage, h.SizeOfHeaders
		opt.Subsystem, opt.DllCharacteristics = h.Subsystem, h.DllCharacteristics
		ndirs, base = h.NumberOfRvaAndSizes, opt64Size
	default:
		return nil, models.Unsupported(models.FormatPe, "optional header magic %#x", magic)
	}
	if uint64(ndirs) > (uint64(len(raw))-base)/dataDirSize {
		return nil, malformed(models.FormatPe, "%d data directories do not fit the optional header", ndirs)
	}
	for i := uint32(0); i < ndirs; i++ {
		var d DataDirectory
		if err := le.Unpack(raw, base+uint64(i)*dataDirSize, &d); err != nil {
			return nil, err
		}
		opt.DataDirectories = append(opt.DataDirectories, d)
	}
	return opt, nil
}

func (f *File) parseStrings() error {
	if f.PointerToSymbolTable == 0 {
		return nil
	}
	format := f.format()
	symSize := uint64(f.NumberOfSymbols) * SymbolSize
	if err := checkRange(format, len(f.Data), uint64(f.PointerToSymbolTable), symSize, "symbol table"); err != nil {
		return err
	}
	strOff := uint64(f.PointerToSymbolTable) + symSize
	size, err := le.Uint32(f.Data, strOff)
	if err != nil {
		return truncated(format, "string table size at %#x", strOff)
	}
	if size < 4 {
		size = 4
	}
	if err := checkRange(format, len(f.Data), strOff, uint64(size), "string table"); err != nil {
		return err
	}
	f.Strings = f.Data[strOff : strOff+uint64(size)]
	return nil
}

func (f *File) parseSections(off uint64) error {
	format := f.format()
	n := uint64(f.NumberOfSections)
	if err := checkRange(format, len(f.Data), off, n*sectionSize, "section table"); err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		var raw RawSectionHeader
		if err := le.Unpack(f.Data, off+i*sectionSize, &raw); err != nil {
			return err
		}
		sh := SectionHeader{
			RawName: raw.Name, VirtualSize: raw.VirtualSize, VirtualAddress: raw.VirtualAddress,
			SizeOfRawData: raw.SizeOfRawData, PointerToRawData: raw.PointerToRawData,
			PointerToRelocations: raw.PointerToRelocations, NumberOfRelocations: uint32(raw.NumberOfRelocations),
			Characteristics: raw.Characteristics,
		}
		sh.Name, _ = f.SectionName(raw.Name)
		if sh.PointerToRawData != 0 && sh.SizeOfRawData > 0 {
			if err := checkRange(format, len(f.Data), uint64(sh.PointerToRawData), uint64(sh.SizeOfRawData), "section"); err != nil {
				return errors.Wrapf(err, "section %d", i+1)
			}
		}
		if sh.NumberOfRelocations > 0 {
			if err := checkRange(format, len(f.Data), uint64(sh.PointerToRelocations), RelocSize, "relocations"); err != nil {
				return errors.Wrapf(err, "section %d", i+1)
			}
			if sh.Characteristics&IMAGE_SCN_LNK_NRELOC_OVFL != 0 && raw.NumberOfRelocations == 0xffff {
				count, _ := le.Uint32(f.Data, uint64(sh.PointerToRelocations))
				if count == 0 {
					return malformed(format, "section %d relocation overflow count is zero", i+1)
				}
				sh.NumberOfRelocations, sh.firstReloc = count-1, 1
			}
			size := uint64(sh.firstReloc+sh.NumberOfRelocations) * RelocSize
			if err := checkRange(format, len(f.Data), uint64(sh.PointerToRelocations), size, "relocations"); err != nil {
				return errors.Wrapf(err, "section %d", i+1)
			}
		}
		f.Sections = append(f.Sections, sh)
	}
	return nil
}

// String returns the NUL-terminated string at off in the string table.
// Offsets are counted from the start of the table, size field included.
func (f *File) String(off uint32) (string, bool) {
	if off < 4 || uint64(off) >= uint64(len(f.Strings)) {
		return "", false
	}
	end := bytes.IndexByte(f.Strings[off:], 0)
	if end < 0 {
		return "", false
	}
	return string(f.Strings[off : off+uint32(end)]), true
}

func inlineName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// SectionName resolves a section header name, following "/nnn" and
// "//base64" string table references.
func (f *File) SectionName(raw [8]byte) (string, bool) {
	name := inlineName(raw[:])
	if !strings.HasPrefix(name, "/") || len(name) < 2 {
		return name, true
	}
	var off uint64
	if strings.HasPrefix(name, "//") {
		for _, c := range name[2:] {
			v := strings.IndexRune(base64Alphabet, c)
			if v < 0 {
				return "", false
			}
			off = off<<6 | uint64(v)
		}
	} else {
		v, err := strconv.ParseUint(name[1:], 10, 32)
		if err != nil {
			return "", false
		}
		off = v
	}
	if off > 0xffffffff {
		return "", false
	}
	return f.String(uint32(off))
}

// LongSectionName encodes a string table offset as a section name field.
func LongSectionName(off uint32) [8]byte {
	var b [8]byte
	if off <= 9999999 {
		copy(b[:], "/"+strconv.FormatUint(uint64(off), 10))
		return b
	}
	b[0], b[1] = '/', '/'
	v := uint64(off)
	for i := 7; i >= 2; i-- {
		b[i] = base64Alphabet[v&63]
		v >>= 6
	}
	return b
}

func (f *File) Symbol(i uint32) (RawSymbol, error) {
	var s RawSymbol
	if i >= f.NumberOfSymbols {
		return s, malformed(f.format(), "symbol index %d out of range of %d", i, f.NumberOfSymbols)
	}
	err := le.Unpack(f.Data, uint64(f.PointerToSymbolTable)+uint64(i)*SymbolSize, &s)
	return s, err
}

// SymbolName resolves an inline or string table symbol name.
func (f *File) SymbolName(s *RawSymbol) (string, bool) {
	if s.Name[0] == 0 && s.Name[1] == 0 && s.Name[2] == 0 && s.Name[3] == 0 {
		off, _ := le.Uint32(s.Name[:], 4)
		return f.String(off)
	}
	return inlineName(s.Name[:]), true
}

// Aux returns the raw bytes of the symbol table record at index i, for use
// with the auxiliary record decoders.
func (f *File) Aux(i uint32) ([]byte, error) {
	if i >= f.NumberOfSymbols {
		return nil, malformed(f.format(), "auxiliary record %d out of range of %d", i, f.NumberOfSymbols)
	}
	off := uint64(f.PointerToSymbolTable) + uint64(i)*SymbolSize
	return f.Data[off : off+SymbolSize], nil
}

func DecodeAuxSection(raw []byte) (AuxSectionDefinition, error) {
	var a AuxSectionDefinition
	err := le.Unpack(raw, 0, &a)
	return a, err
}

func DecodeAuxWeak(raw []byte) (AuxWeakExternal, error) {
	var a AuxWeakExternal
	err := le.Unpack(raw, 0, &a)
	return a, err
}

// SectionData returns the raw bytes of a section; nil for uninitialized data.
func (f *File) SectionData(sh *SectionHeader) []byte {
	if sh.PointerToRawData == 0 || sh.SizeOfRawData == 0 {
		return nil
	}
	return f.Data[sh.PointerToRawData : sh.PointerToRawData+sh.SizeOfRawData]
}

func (f *File) Relocs(sh *SectionHeader) ([]Relocation, error) {
	out := make([]Relocation, 0, sh.NumberOfRelocations)
	for i := uint32(0); i < sh.NumberOfRelocations; i++ {
		var r Relocation
		off := uint64(sh.PointerToRelocations) + uint64(sh.firstReloc+i)*RelocSize
		if err := le.Unpack(f.Data, off, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

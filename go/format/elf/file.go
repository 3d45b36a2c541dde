package elf

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/steamhammer/object/go/models"
)

// FileHeader is the class-independent view of Elf32_Ehdr/Elf64_Ehdr.
// Shnum and Shstrndx hold the extended values when the header defers them to
// section 0.
type FileHeader struct {
	Class      Class
	Endian     models.Endian
	OSABI      uint8
	ABIVersion uint8
	Type       uint16
	Machine    uint16
	Version    uint32
	Entry      uint64
	Phoff      uint64
	Shoff      uint64
	Flags      uint32
	Ehsize     uint16
	Phentsize  uint16
	Phnum      uint16
	Shentsize  uint16
	Shnum      uint64
	Shstrndx   uint32
}

type SectionHeader struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Off       uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// HasFileData reports whether the section occupies bytes in the file.
func (s *SectionHeader) HasFileData() bool {
	return s.Type != SHT_NOBITS && s.Type != SHT_NULL && s.Size > 0
}

type ProgHeader struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

type Rel struct {
	Off    uint64
	Sym    uint32
	Type   uint32
	Addend int64
}

// File is a descriptor set over an ELF image. It borrows Data and never
// modifies it.
type File struct {
	FileHeader
	Data     []byte
	Sections []SectionHeader
	Progs    []ProgHeader
}

func truncated(detail string, args ...interface{}) error {
	return models.Truncated(models.FormatElf, detail, args...)
}

func malformed(detail string, args ...interface{}) error {
	return models.Malformed(models.FormatElf, detail, args...)
}

// checkRange validates that [off, off+size) lies inside a buffer of length n.
func checkRange(n int, off, size uint64, what string) error {
	end := off + size
	if end < off {
		return malformed("%s range %#x+%#x overflows", what, off, size)
	}
	if end > uint64(n) {
		return truncated("%s range %#x+%#x past end of %#x byte file", what, off, size, n)
	}
	return nil
}

// Ident decodes e_ident, returning the class and byte order.
func Ident(data []byte) (Class, models.Endian, error) {
	if len(data) < IdentSize {
		if bytes.HasPrefix(Magic[:], data) || bytes.HasPrefix(data, Magic[:]) {
			return 0, 0, truncated("%d byte file is shorter than e_ident", len(data))
		}
		return 0, 0, models.Unrecognized(models.FormatElf, "bad magic")
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return 0, 0, models.Unrecognized(models.FormatElf, "bad magic % x", data[:4])
	}
	var class Class
	switch data[4] {
	case Class32, Class64:
		class = Class(data[4])
	default:
		return 0, 0, models.Unsupported(models.FormatElf, "unknown class %d", data[4])
	}
	var endian models.Endian
	switch data[5] {
	case DataLSB:
		endian = models.LittleEndian
	case DataMSB:
		endian = models.BigEndian
	default:
		return 0, 0, models.Unsupported(models.FormatElf, "unknown data encoding %d", data[5])
	}
	return class, endian, nil
}

func parseHeader(data []byte) (FileHeader, error) {
	class, endian, err := Ident(data)
	if err != nil {
		return FileHeader{}, err
	}
	h := FileHeader{Class: class, Endian: endian, OSABI: data[7], ABIVersion: data[8]}
	if class == Class64 {
		var raw Header64
		if err := endian.Unpack(data, 0, &raw); err != nil {
			return h, errors.Wrap(err, "elf header")
		}
		h.Type, h.Machine, h.Version = raw.Type, raw.Machine, raw.Version
		h.Entry, h.Phoff, h.Shoff, h.Flags = raw.Entry, raw.Phoff, raw.Shoff, raw.Flags
		h.Ehsize, h.Phentsize, h.Phnum = raw.Ehsize, raw.Phentsize, raw.Phnum
		h.Shentsize, h.Shnum, h.Shstrndx = raw.Shentsize, uint64(raw.Shnum), uint32(raw.Shstrndx)
	} else {
		var raw Header32
		if err := endian.Unpack(data, 0, &raw); err != nil {
			return h, errors.Wrap(err, "elf header")
		}
		h.Type, h.Machine, h.Version = raw.Type, raw.Machine, raw.Version
		h.Entry, h.Phoff, h.Shoff, h.Flags = uint64(raw.Entry), uint64(raw.Phoff), uint64(raw.Shoff), raw.Flags
		h.Ehsize, h.Phentsize, h.Phnum = raw.Ehsize, raw.Phentsize, raw.Phnum
		h.Shentsize, h.Shnum, h.Shstrndx = raw.Shentsize, uint64(raw.Shnum), uint32(raw.Shstrndx)
	}
	return h, nil
}

func (f *File) readSection(off uint64) (SectionHeader, error) {
	e := f.Endian
	if f.Class == Class64 {
		var raw Section64
		if err := e.Unpack(f.Data, off, &raw); err != nil {
			return SectionHeader{}, err
		}
		return SectionHeader(raw), nil
	}
	var raw Section32
	if err := e.Unpack(f.Data, off, &raw); err != nil {
		return SectionHeader{}, err
	}
	return SectionHeader{
		Name: raw.Name, Type: raw.Type, Flags: uint64(raw.Flags), Addr: uint64(raw.Addr),
		Off: uint64(raw.Off), Size: uint64(raw.Size), Link: raw.Link, Info: raw.Info,
		Addralign: uint64(raw.Addralign), Entsize: uint64(raw.Entsize),
	}, nil
}

func (f *File) readProg(off uint64) (ProgHeader, error) {
	e := f.Endian
	if f.Class == Class64 {
		var raw Prog64
		if err := e.Unpack(f.Data, off, &raw); err != nil {
			return ProgHeader{}, err
		}
		return ProgHeader(raw), nil
	}
	var raw Prog32
	if err := e.Unpack(f.Data, off, &raw); err != nil {
		return ProgHeader{}, err
	}
	return ProgHeader{
		Type: raw.Type, Flags: raw.Flags, Off: uint64(raw.Off), Vaddr: uint64(raw.Vaddr),
		Paddr: uint64(raw.Paddr), Filesz: uint64(raw.Filesz), Memsz: uint64(raw.Memsz), Align: uint64(raw.Align),
	}, nil
}

// Parse decodes the header and the section and program header tables of
// data, validating every table and section range against the buffer.
func Parse(data []byte) (*File, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	f := &File{FileHeader: h, Data: data}
	if err := f.parseSections(); err != nil {
		return nil, err
	}
	if err := f.parseProgs(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) parseSections() error {
	if f.Shoff == 0 {
		if f.Shnum != 0 {
			return malformed("e_shnum %d without section header table", f.Shnum)
		}
		return nil
	}
	entsize := f.Class.SectionSize()
	if uint64(f.Shentsize) != entsize {
		return malformed("e_shentsize %d, want %d", f.Shentsize, entsize)
	}
	if err := checkRange(len(f.Data), f.Shoff, entsize, "section header table"); err != nil {
		return err
	}
	count := f.Shnum
	shstrndx := f.Shstrndx
	if count == 0 || shstrndx == SHN_XINDEX {
		first, err := f.readSection(f.Shoff)
		if err != nil {
			return err
		}
		if count == 0 {
			count = first.Size
		}
		if shstrndx == SHN_XINDEX {
			shstrndx = first.Link
		}
	}
	if count > uint64(len(f.Data))/entsize {
		return truncated("%d section headers cannot fit in %#x byte file", count, len(f.Data))
	}
	if err := checkRange(len(f.Data), f.Shoff, count*entsize, "section header table"); err != nil {
		return err
	}
	f.Shnum, f.Shstrndx = count, shstrndx
	f.Sections = make([]SectionHeader, count)
	for i := range f.Sections {
		sh, err := f.readSection(f.Shoff + uint64(i)*entsize)
		if err != nil {
			return err
		}
		if sh.HasFileData() {
			if err := checkRange(len(f.Data), sh.Off, sh.Size, "section"); err != nil {
				return errors.Wrapf(err, "section %d", i)
			}
		}
		f.Sections[i] = sh
	}
	if shstrndx != SHN_UNDEF && uint64(shstrndx) >= count {
		return malformed("e_shstrndx %d out of range of %d sections", shstrndx, count)
	}
	return nil
}

func (f *File) parseProgs() error {
	if f.Phnum == 0 {
		return nil
	}
	entsize := f.Class.ProgSize()
	if uint64(f.Phentsize) != entsize {
		return malformed("e_phentsize %d, want %d", f.Phentsize, entsize)
	}
	if err := checkRange(len(f.Data), f.Phoff, uint64(f.Phnum)*entsize, "program header table"); err != nil {
		return err
	}
	f.Progs = make([]ProgHeader, f.Phnum)
	for i := range f.Progs {
		ph, err := f.readProg(f.Phoff + uint64(i)*entsize)
		if err != nil {
			return err
		}
		if ph.Filesz > 0 {
			if err := checkRange(len(f.Data), ph.Off, ph.Filesz, "segment"); err != nil {
				return errors.Wrapf(err, "program header %d", i)
			}
		}
		f.Progs[i] = ph
	}
	return nil
}

// SectionData returns the file bytes of a section, or nil for sections
// without file content. The range was validated by Parse.
func (f *File) SectionData(sh *SectionHeader) []byte {
	if !sh.HasFileData() {
		return nil
	}
	return f.Data[sh.Off : sh.Off+sh.Size]
}

// ProgData returns the file bytes of a segment.
func (f *File) ProgData(ph *ProgHeader) []byte {
	if ph.Filesz == 0 {
		return nil
	}
	return f.Data[ph.Off : ph.Off+ph.Filesz]
}

// StringTable returns the string table held by section index.
func (f *File) StringTable(index uint32) (StringTable, error) {
	if uint64(index) >= uint64(len(f.Sections)) {
		return nil, malformed("string table index %d out of range", index)
	}
	sh := &f.Sections[index]
	if sh.Type != SHT_STRTAB {
		return nil, malformed("section %d is not a string table", index)
	}
	return StringTable(f.SectionData(sh)), nil
}

// SectionName resolves a section's name through e_shstrndx. A malformed name
// offset yields the empty string.
func (f *File) SectionName(sh *SectionHeader) string {
	if f.Shstrndx == SHN_UNDEF {
		return ""
	}
	tab, err := f.StringTable(f.Shstrndx)
	if err != nil {
		return ""
	}
	name, _ := tab.Get(sh.Name)
	return name
}

// StringTable is the content of an SHT_STRTAB section.
type StringTable []byte

// Get returns the NUL-terminated string at off. An offset outside the table
// or a missing terminator yields "", false.
func (t StringTable) Get(off uint32) (string, bool) {
	if uint64(off) >= uint64(len(t)) {
		return "", false
	}
	end := bytes.IndexByte(t[off:], 0)
	if end < 0 {
		return "", false
	}
	return string(t[off : off+uint32(end)]), true
}

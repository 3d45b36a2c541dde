// Package elf describes the on-disk layout of ELF files: headers, section and
// program header tables, symbols, relocations and compression headers, for
// both classes and both byte orders.
package elf

import (
	goelf "debug/elf"
)

var Magic = [4]byte{0x7f, 'E', 'L', 'F'}

const (
	ClassNone = 0
	Class32   = 1
	Class64   = 2

	DataNone = 0
	DataLSB  = 1
	DataMSB  = 2

	IdentSize = 16
)

// Special section indexes.
const (
	SHN_UNDEF     = 0
	SHN_LORESERVE = 0xff00
	SHN_ABS       = 0xfff1
	SHN_COMMON    = 0xfff2
	SHN_XINDEX    = 0xffff
)

const (
	SHT_NULL     = uint32(goelf.SHT_NULL)
	SHT_PROGBITS = uint32(goelf.SHT_PROGBITS)
	SHT_SYMTAB   = uint32(goelf.SHT_SYMTAB)
	SHT_STRTAB   = uint32(goelf.SHT_STRTAB)
	SHT_RELA     = uint32(goelf.SHT_RELA)
	SHT_NOTE     = uint32(goelf.SHT_NOTE)
	SHT_NOBITS   = uint32(goelf.SHT_NOBITS)
	SHT_REL      = uint32(goelf.SHT_REL)
	SHT_DYNSYM   = uint32(goelf.SHT_DYNSYM)
	SHT_GROUP    = uint32(goelf.SHT_GROUP)
	SHT_SHNDX    = uint32(goelf.SHT_SYMTAB_SHNDX)

	SHF_WRITE      = uint64(goelf.SHF_WRITE)
	SHF_ALLOC      = uint64(goelf.SHF_ALLOC)
	SHF_EXECINSTR  = uint64(goelf.SHF_EXECINSTR)
	SHF_MERGE      = uint64(goelf.SHF_MERGE)
	SHF_STRINGS    = uint64(goelf.SHF_STRINGS)
	SHF_INFO_LINK  = uint64(goelf.SHF_INFO_LINK)
	SHF_TLS        = uint64(goelf.SHF_TLS)
	SHF_COMPRESSED = uint64(goelf.SHF_COMPRESSED)

	ELFCOMPRESS_ZLIB = uint32(goelf.COMPRESS_ZLIB)
	ELFCOMPRESS_ZSTD = 2

	NT_GNU_BUILD_ID = 3
)

// Header32 is Elf32_Ehdr.
type Header32 struct {
	Ident     [IdentSize]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Header64 is Elf64_Ehdr.
type Header64 struct {
	Ident     [IdentSize]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type Section32 struct {
	Name      uint32
	Type      uint32
	Flags     uint32
	Addr      uint32
	Off       uint32
	Size      uint32
	Link      uint32
	Info      uint32
	Addralign uint32
	Entsize   uint32
}

type Section64 struct {
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

type Prog32 struct {
	Type   uint32
	Off    uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

type Prog64 struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

type Sym32 struct {
	Name  uint32
	Value uint32
	Size  uint32
	Info  uint8
	Other uint8
	Shndx uint16
}

type Sym64 struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

type Rel32 struct {
	Off  uint32
	Info uint32
}

type Rela32 struct {
	Off    uint32
	Info   uint32
	Addend int32
}

type Rel64 struct {
	Off  uint64
	Info uint64
}

type Rela64 struct {
	Off    uint64
	Info   uint64
	Addend int64
}

type Chdr32 struct {
	Type      uint32
	Size      uint32
	Addralign uint32
}

type Chdr64 struct {
	Type      uint32
	Reserved  uint32
	Size      uint64
	Addralign uint64
}

type Nhdr struct {
	Namesz uint32
	Descsz uint32
	Type   uint32
}

// Class-dependent record sizes.
type Class uint8

func (c Class) Is64() bool { return c == Class64 }

func (c Class) Bits() int {
	if c == Class64 {
		return 64
	}
	return 32
}

func (c Class) HeaderSize() uint64 {
	if c == Class64 {
		return 64
	}
	return 52
}

func (c Class) SectionSize() uint64 {
	if c == Class64 {
		return 64
	}
	return 40
}

func (c Class) ProgSize() uint64 {
	if c == Class64 {
		return 56
	}
	return 32
}

func (c Class) SymSize() uint64 {
	if c == Class64 {
		return 24
	}
	return 16
}

func (c Class) RelSize(rela bool) uint64 {
	switch {
	case c == Class64 && rela:
		return 24
	case c == Class64:
		return 16
	case rela:
		return 12
	}
	return 8
}

func (c Class) ChdrSize() uint64 {
	if c == Class64 {
		return 24
	}
	return 12
}

// Align is the natural alignment of tables in this class.
func (c Class) Align() uint64 {
	if c == Class64 {
		return 8
	}
	return 4
}

// RelInfo packs a symbol index and type into r_info.
func (c Class) RelInfo(sym, typ uint32) uint64 {
	if c == Class64 {
		return uint64(sym)<<32 | uint64(typ)
	}
	return uint64(sym<<8 | typ&0xff)
}

// SplitRelInfo is the inverse of RelInfo.
func (c Class) SplitRelInfo(info uint64) (sym, typ uint32) {
	if c == Class64 {
		return uint32(info >> 32), uint32(info)
	}
	return uint32(info) >> 8, uint32(info) & 0xff
}

func STInfo(bind, typ uint8) uint8 { return bind<<4 | typ&0xf }
func STBind(info uint8) uint8      { return info >> 4 }
func STType(info uint8) uint8      { return info & 0xf }
func STVisibility(other uint8) uint8 {
	return other & 3
}

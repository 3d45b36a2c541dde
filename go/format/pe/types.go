// Package pe describes COFF objects and PE images: the MS-DOS stub, the COFF
// file header, the PE32 and PE32+ optional headers, section headers, the
// symbol table with its auxiliary records, and the string table.
package pe

import (
	gope "debug/pe"
)

const (
	DosMagic       = 0x5a4d // "MZ"
	PeSignature    = 0x00004550
	Pe32Magic      = 0x10b
	Pe32PlusMagic  = 0x20b
	lfanewOffset   = 0x3c
	dosHeaderSize  = 64
	fileHeaderSize = 20
	opt32Size      = 96
	opt64Size      = 112
	dataDirSize    = 8
	sectionSize    = 40
	SymbolSize     = 18
	RelocSize      = 10
)

const (
	IMAGE_FILE_MACHINE_UNKNOWN = gope.IMAGE_FILE_MACHINE_UNKNOWN
	IMAGE_FILE_MACHINE_I386    = gope.IMAGE_FILE_MACHINE_I386
	IMAGE_FILE_MACHINE_AMD64   = gope.IMAGE_FILE_MACHINE_AMD64
	IMAGE_FILE_MACHINE_ARMNT   = gope.IMAGE_FILE_MACHINE_ARMNT
	IMAGE_FILE_MACHINE_ARM64   = gope.IMAGE_FILE_MACHINE_ARM64

	IMAGE_FILE_EXECUTABLE_IMAGE = gope.IMAGE_FILE_EXECUTABLE_IMAGE
	IMAGE_FILE_DLL              = gope.IMAGE_FILE_DLL
)

// Section characteristics.
const (
	IMAGE_SCN_CNT_CODE               = gope.IMAGE_SCN_CNT_CODE
	IMAGE_SCN_CNT_INITIALIZED_DATA   = gope.IMAGE_SCN_CNT_INITIALIZED_DATA
	IMAGE_SCN_CNT_UNINITIALIZED_DATA = gope.IMAGE_SCN_CNT_UNINITIALIZED_DATA
	IMAGE_SCN_LNK_INFO               = 0x00000200
	IMAGE_SCN_LNK_REMOVE             = 0x00000800
	IMAGE_SCN_LNK_COMDAT             = gope.IMAGE_SCN_LNK_COMDAT
	IMAGE_SCN_ALIGN_1BYTES           = 0x00100000
	IMAGE_SCN_ALIGN_MASK             = 0x00f00000
	IMAGE_SCN_LNK_NRELOC_OVFL        = 0x01000000
	IMAGE_SCN_MEM_DISCARDABLE        = gope.IMAGE_SCN_MEM_DISCARDABLE
	IMAGE_SCN_MEM_EXECUTE            = gope.IMAGE_SCN_MEM_EXECUTE
	IMAGE_SCN_MEM_READ               = gope.IMAGE_SCN_MEM_READ
	IMAGE_SCN_MEM_WRITE              = gope.IMAGE_SCN_MEM_WRITE
)

// Symbol storage classes and special section numbers.
const (
	IMAGE_SYM_CLASS_EXTERNAL      = 2
	IMAGE_SYM_CLASS_STATIC        = 3
	IMAGE_SYM_CLASS_LABEL         = 6
	IMAGE_SYM_CLASS_FUNCTION      = 101
	IMAGE_SYM_CLASS_FILE          = 103
	IMAGE_SYM_CLASS_SECTION       = 104
	IMAGE_SYM_CLASS_WEAK_EXTERNAL = 105

	IMAGE_SYM_UNDEFINED = 0
	IMAGE_SYM_ABSOLUTE  = -1
	IMAGE_SYM_DEBUG     = -2

	IMAGE_SYM_DTYPE_FUNCTION = 0x20

	IMAGE_WEAK_EXTERN_SEARCH_NOLIBRARY = 1
	IMAGE_WEAK_EXTERN_SEARCH_ALIAS     = 3
)

type DosHeader struct {
	Magic  uint16
	Stub   [58]byte
	Lfanew uint32
}

type FileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// OptionalHeader32 is the PE32 optional header without its data directories,
// which follow it and are decoded separately.
type OptionalHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
}

type OptionalHeader64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
}

type RawSectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

type RawSymbol struct {
	Name               [8]byte
	Value              uint32
	SectionNumber      int16
	Type               uint16
	StorageClass       uint8
	NumberOfAuxSymbols uint8
}

type AuxSectionDefinition struct {
	Length              uint32
	NumberOfRelocations uint16
	NumberOfLinenumbers uint16
	CheckSum            uint32
	Number              uint16
	Selection           uint8
	Unused              [3]byte
}

type AuxWeakExternal struct {
	TagIndex        uint32
	Characteristics uint32
	Unused          [10]byte
}

type Relocation struct {
	VirtualAddress   uint32
	SymbolTableIndex uint32
	Type             uint16
}

// AlignFromCharacteristics decodes IMAGE_SCN_ALIGN_*; zero means unspecified.
func AlignFromCharacteristics(c uint32) uint64 {
	n := (c & IMAGE_SCN_ALIGN_MASK) >> 20
	if n == 0 {
		return 0
	}
	return 1 << (n - 1)
}

// AlignCharacteristics encodes an alignment, which must be a power of two
// no greater than 8192.
func AlignCharacteristics(align uint64) (uint32, bool) {
	if align == 0 {
		align = 1
	}
	for n := uint32(1); n <= 14; n++ {
		if uint64(1)<<(n-1) == align {
			return n << 20, true
		}
	}
	return 0, false
}

package models

import "fmt"

// Format is the container format of an object.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatElf
	FormatMachO
	FormatCoff
	FormatPe
	FormatWasm
)

func (f Format) String() string {
	switch f {
	case FormatElf:
		return "elf"
	case FormatMachO:
		return "macho"
	case FormatCoff:
		return "coff"
	case FormatPe:
		return "pe"
	case FormatWasm:
		return "wasm"
	}
	return "unknown"
}

// FileKind is what the dispatcher reports for a buffer.
type FileKind uint8

const (
	FileUnknown FileKind = iota
	FileArchive
	FileElf32
	FileElf64
	FileMachO32
	FileMachO64
	FileMachOFat32
	FileMachOFat64
	FileCoff
	FilePe32
	FilePe64
	FileWasm
)

var fileKindNames = map[FileKind]string{
	FileUnknown:    "unknown",
	FileArchive:    "archive",
	FileElf32:      "elf32",
	FileElf64:      "elf64",
	FileMachO32:    "macho32",
	FileMachO64:    "macho64",
	FileMachOFat32: "macho-fat32",
	FileMachOFat64: "macho-fat64",
	FileCoff:       "coff",
	FilePe32:       "pe32",
	FilePe64:       "pe32+",
	FileWasm:       "wasm",
}

func (k FileKind) String() string {
	if s, ok := fileKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("FileKind(%d)", k)
}

// Format returns the container format of a single-object file kind.
func (k FileKind) Format() Format {
	switch k {
	case FileElf32, FileElf64:
		return FormatElf
	case FileMachO32, FileMachO64, FileMachOFat32, FileMachOFat64:
		return FormatMachO
	case FileCoff:
		return FormatCoff
	case FilePe32, FilePe64:
		return FormatPe
	case FileWasm:
		return FormatWasm
	}
	return FormatUnknown
}

type ObjectKind uint8

const (
	ObjectUnknown ObjectKind = iota
	ObjectRelocatable
	ObjectExecutable
	ObjectDynamic
	ObjectCore
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectRelocatable:
		return "relocatable"
	case ObjectExecutable:
		return "executable"
	case ObjectDynamic:
		return "dynamic"
	case ObjectCore:
		return "core"
	}
	return "unknown"
}

type SectionKind uint8

const (
	SectionUnknown SectionKind = iota
	SectionText
	SectionData
	SectionReadOnlyData
	SectionReadOnlyString
	SectionUninitializedData
	SectionTls
	SectionUninitializedTls
	SectionDebug
	SectionNote
	SectionMetadata // symbol/string/relocation tables and other format plumbing
	SectionLinker   // directives consumed by the linker
	SectionOther
)

var sectionKindNames = map[SectionKind]string{
	SectionUnknown:           "unknown",
	SectionText:              "text",
	SectionData:              "data",
	SectionReadOnlyData:      "rodata",
	SectionReadOnlyString:    "rostring",
	SectionUninitializedData: "bss",
	SectionTls:               "tls",
	SectionUninitializedTls:  "tbss",
	SectionDebug:             "debug",
	SectionNote:              "note",
	SectionMetadata:          "metadata",
	SectionLinker:            "linker",
	SectionOther:             "other",
}

func (k SectionKind) String() string {
	if s, ok := sectionKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("SectionKind(%d)", k)
}

// IsBSS reports whether sections of this kind have no file content.
func (k SectionKind) IsBSS() bool {
	return k == SectionUninitializedData || k == SectionUninitializedTls
}

type SymbolKind uint8

const (
	SymbolUnknown SymbolKind = iota
	SymbolText
	SymbolData
	SymbolSection
	SymbolFile
	SymbolTls
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolText:
		return "text"
	case SymbolData:
		return "data"
	case SymbolSection:
		return "section"
	case SymbolFile:
		return "file"
	case SymbolTls:
		return "tls"
	}
	return "unknown"
}

type Binding uint8

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
)

func (b Binding) String() string {
	switch b {
	case BindGlobal:
		return "global"
	case BindWeak:
		return "weak"
	}
	return "local"
}

type Visibility uint8

const (
	VisibilityDefault Visibility = iota
	VisibilityHidden
	VisibilityProtected
	VisibilityInternal
)

// Placement says where a symbol's value lives.
type Placement uint8

const (
	PlaceUndefined Placement = iota
	PlaceSection
	PlaceAbsolute
	PlaceCommon
)

func (p Placement) String() string {
	switch p {
	case PlaceSection:
		return "section"
	case PlaceAbsolute:
		return "absolute"
	case PlaceCommon:
		return "common"
	}
	return "undefined"
}

// RelocationKind is the normalized meaning of a relocation.
type RelocationKind uint8

const (
	RelocUnknown        RelocationKind = iota
	RelocAbsolute                      // S + A
	RelocRelative                      // S + A - P
	RelocGotRelative                   // G + GOT + A - P
	RelocPltRelative                   // L + A - P
	RelocImageOffset                   // S + A - Image
	RelocSectionOffset                 // S + A - Section
	RelocSectionIndex                  // index of the section containing S
	RelocFormatSpecific                // only the raw code is meaningful
)

var relocKindNames = map[RelocationKind]string{
	RelocUnknown:        "unknown",
	RelocAbsolute:       "absolute",
	RelocRelative:       "relative",
	RelocGotRelative:    "got-relative",
	RelocPltRelative:    "plt-relative",
	RelocImageOffset:    "image-offset",
	RelocSectionOffset:  "section-offset",
	RelocSectionIndex:   "section-index",
	RelocFormatSpecific: "format-specific",
}

func (k RelocationKind) String() string {
	if s, ok := relocKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("RelocationKind(%d)", k)
}

type RelocationEncoding uint8

const (
	EncodingGeneric RelocationEncoding = iota
	EncodingX86Signed
	EncodingX86RipRelative
	EncodingX86RipRelativeMovq
	EncodingX86Branch
	EncodingAArch64Call
)

type CompressionFormat uint8

const (
	CompressionNone CompressionFormat = iota
	CompressionUnknown
	CompressionZlib
	CompressionZstd
)

func (c CompressionFormat) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	case CompressionZstd:
		return "zstd"
	}
	return "unknown"
}

// Mangling controls the symbol name prefix convention applied on write.
type Mangling uint8

const (
	ManglingNone Mangling = iota
	ManglingC             // leading underscore where the platform expects one
)

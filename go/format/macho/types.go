// Package macho describes the on-disk layout of Mach-O objects and of the
// fat (universal) wrapper around them.
package macho

import (
	gomacho "debug/macho"

	"github.com/steamhammer/object/go/models"
)

const (
	Magic32  = gomacho.Magic32
	Magic64  = gomacho.Magic64
	Cigam32  = 0xcefaedfe
	Cigam64  = 0xcffaedfe
	MagicFat = gomacho.MagicFat

	// MagicFat64 uses 64-bit offsets in its arch table.
	MagicFat64 = 0xcafebabf
)

const (
	MH_OBJECT  = uint32(gomacho.TypeObj)
	MH_EXECUTE = uint32(gomacho.TypeExec)
	MH_CORE    = 0x4
	MH_DYLIB   = uint32(gomacho.TypeDylib)
	MH_BUNDLE  = uint32(gomacho.TypeBundle)
	MH_DSYM    = 0xa

	MH_SUBSECTIONS_VIA_SYMBOLS = uint32(gomacho.FlagSubsectionsViaSymbols)
)

const (
	CPU_TYPE_X86    = uint32(gomacho.Cpu386)
	CPU_TYPE_X86_64 = uint32(gomacho.CpuAmd64)
	CPU_TYPE_ARM    = uint32(gomacho.CpuArm)
	CPU_TYPE_ARM64  = uint32(gomacho.CpuArm64)
	CPU_TYPE_PPC    = uint32(gomacho.CpuPpc)
	CPU_TYPE_PPC64  = uint32(gomacho.CpuPpc64)

	CPU_SUBTYPE_X86_ALL   = 3
	CPU_SUBTYPE_ARM_ALL   = 0
	CPU_SUBTYPE_ARM64_ALL = 0
)

const (
	LC_SEGMENT       = uint32(gomacho.LoadCmdSegment)
	LC_SYMTAB        = uint32(gomacho.LoadCmdSymtab)
	LC_THREAD        = uint32(gomacho.LoadCmdThread)
	LC_UNIXTHREAD    = uint32(gomacho.LoadCmdUnixThread)
	LC_DYSYMTAB      = uint32(gomacho.LoadCmdDysymtab)
	LC_SEGMENT_64    = uint32(gomacho.LoadCmdSegment64)
	LC_UUID          = 0x1b
	LC_MAIN          = 0x80000028
	LC_BUILD_VERSION = 0x32
)

// Section type and attributes, from the low and high bits of flags.
const (
	SECTION_TYPE       = 0x000000ff
	SECTION_ATTRIBUTES = 0xffffff00

	S_REGULAR                  = 0x0
	S_ZEROFILL                 = 0x1
	S_CSTRING_LITERALS         = 0x2
	S_4BYTE_LITERALS           = 0x3
	S_8BYTE_LITERALS           = 0x4
	S_LITERAL_POINTERS         = 0x5
	S_NON_LAZY_SYMBOL_POINTERS = 0x6
	S_LAZY_SYMBOL_POINTERS     = 0x7
	S_SYMBOL_STUBS             = 0x8
	S_MOD_INIT_FUNC_POINTERS   = 0x9
	S_GB_ZEROFILL              = 0xc
	S_16BYTE_LITERALS          = 0xe
	S_THREAD_LOCAL_REGULAR     = 0x11
	S_THREAD_LOCAL_ZEROFILL    = 0x12
	S_THREAD_LOCAL_VARIABLES   = 0x13

	S_ATTR_PURE_INSTRUCTIONS = 0x80000000
	S_ATTR_DEBUG             = 0x02000000
	S_ATTR_SOME_INSTRUCTIONS = 0x00000400
)

// nlist n_type and n_desc bits.
const (
	N_STAB = 0xe0
	N_PEXT = 0x10
	N_TYPE = 0x0e
	N_EXT  = 0x01

	N_UNDF = 0x0
	N_ABS  = 0x2
	N_SECT = 0xe
	N_INDR = 0xa

	N_NO_DEAD_STRIP = 0x20
	N_WEAK_REF      = 0x40
	N_WEAK_DEF      = 0x80

	NO_SECT  = 0
	MAX_SECT = 255
)

const (
	VM_PROT_READ    = 0x1
	VM_PROT_WRITE   = 0x2
	VM_PROT_EXECUTE = 0x4
)

type Header32 struct {
	Magic  uint32
	Cpu    uint32
	SubCpu uint32
	Type   uint32
	Ncmd   uint32
	Cmdsz  uint32
	Flags  uint32
}

type Header64 struct {
	Magic    uint32
	Cpu      uint32
	SubCpu   uint32
	Type     uint32
	Ncmd     uint32
	Cmdsz    uint32
	Flags    uint32
	Reserved uint32
}

type LoadCommand struct {
	Cmd uint32
	Len uint32
}

type SegmentCommand32 struct {
	Cmd     uint32
	Len     uint32
	Name    [16]byte
	Addr    uint32
	Memsz   uint32
	Offset  uint32
	Filesz  uint32
	Maxprot uint32
	Prot    uint32
	Nsect   uint32
	Flag    uint32
}

type SegmentCommand64 struct {
	Cmd     uint32
	Len     uint32
	Name    [16]byte
	Addr    uint64
	Memsz   uint64
	Offset  uint64
	Filesz  uint64
	Maxprot uint32
	Prot    uint32
	Nsect   uint32
	Flag    uint32
}

type Section32 struct {
	Name      [16]byte
	Seg       [16]byte
	Addr      uint32
	Size      uint32
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
}

type Section64 struct {
	Name      [16]byte
	Seg       [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

type SymtabCommand struct {
	Cmd     uint32
	Len     uint32
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

type DysymtabCommand struct {
	Cmd            uint32
	Len            uint32
	Ilocalsym      uint32
	Nlocalsym      uint32
	Iextdefsym     uint32
	Nextdefsym     uint32
	Iundefsym      uint32
	Nundefsym      uint32
	Tocoffset      uint32
	Ntoc           uint32
	Modtaboff      uint32
	Nmodtab        uint32
	Extrefsymoff   uint32
	Nextrefsyms    uint32
	Indirectsymoff uint32
	Nindirectsyms  uint32
	Extreloff      uint32
	Nextrel        uint32
	Locreloff      uint32
	Nlocrel        uint32
}

type UuidCommand struct {
	Cmd  uint32
	Len  uint32
	Uuid [16]byte
}

type EntryPointCommand struct {
	Cmd       uint32
	Len       uint32
	Entryoff  uint64
	Stacksize uint64
}

type Nlist32 struct {
	Name  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint32
}

type Nlist64 struct {
	Name  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// RawRelocation is relocation_info as two words; the bit layout of the second
// depends on the file's byte order. See Reloc.
type RawRelocation struct {
	Addr uint32
	Info uint32
}

type FatHeader struct {
	Magic uint32
	Narch uint32
}

type FatArch32 struct {
	Cpu    uint32
	SubCpu uint32
	Offset uint32
	Size   uint32
	Align  uint32
}

type FatArch64 struct {
	Cpu      uint32
	SubCpu   uint32
	Offset   uint64
	Size     uint64
	Align    uint32
	Reserved uint32
}

const (
	headerSize32    = 28
	headerSize64    = 32
	segmentSize32   = 56
	segmentSize64   = 72
	sectionSize32   = 68
	sectionSize64   = 80
	nlistSize32     = 12
	nlistSize64     = 16
	relocSize       = 8
	symtabSize      = 24
	dysymtabSize    = 80
	fatHeaderSize   = 8
	fatArchSize32   = 20
	fatArchSize64   = 32
	loadCommandSize = 8
)

// Cpus maps cpu types to architectures.
var Cpus = map[uint32]models.Arch{
	CPU_TYPE_X86:    models.ArchX86,
	CPU_TYPE_X86_64: models.ArchX86_64,
	CPU_TYPE_ARM:    models.ArchArm,
	CPU_TYPE_ARM64:  models.ArchArm64,
	CPU_TYPE_PPC:    models.ArchPpc,
	CPU_TYPE_PPC64:  models.ArchPpc64,
}

// CpuFor returns the cpu type and subtype the writer emits for arch.
func CpuFor(arch models.Arch) (cpu, sub uint32, ok bool) {
	switch arch {
	case models.ArchX86:
		return CPU_TYPE_X86, CPU_SUBTYPE_X86_ALL, true
	case models.ArchX86_64:
		return CPU_TYPE_X86_64, CPU_SUBTYPE_X86_ALL, true
	case models.ArchArm64:
		return CPU_TYPE_ARM64, CPU_SUBTYPE_ARM64_ALL, true
	}
	return 0, 0, false
}

// FixedName decodes a 16-byte NUL-padded name.
func FixedName(b [16]byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b[:])
}

// PutFixedName encodes name into a 16-byte field. Longer names do not fit.
func PutFixedName(name string) ([16]byte, bool) {
	var b [16]byte
	if len(name) > len(b) {
		return b, false
	}
	copy(b[:], name)
	return b, true
}

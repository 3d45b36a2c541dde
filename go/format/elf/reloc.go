package elf

import (
	goelf "debug/elf"

	"github.com/steamhammer/object/go/models"
)

func entry(code uint32, kind models.RelocationKind, enc models.RelocationEncoding, size uint8) models.RelocEntry {
	return models.RelocEntry{Code: code, RelocDesc: models.RelocDesc{Kind: kind, Encoding: enc, Size: size}}
}

var (
	abs  = models.RelocAbsolute
	rel  = models.RelocRelative
	got  = models.RelocGotRelative
	plt  = models.RelocPltRelative
	gen  = models.EncodingGeneric
	sign = models.EncodingX86Signed
)

var relocX86_64 = models.RelocTable{
	entry(uint32(goelf.R_X86_64_64), abs, gen, 64),
	entry(uint32(goelf.R_X86_64_PC32), rel, gen, 32),
	entry(uint32(goelf.R_X86_64_PLT32), plt, gen, 32),
	entry(uint32(goelf.R_X86_64_PLT32), rel, models.EncodingX86Branch, 32),
	entry(uint32(goelf.R_X86_64_GOTPCREL), got, gen, 32),
	entry(uint32(goelf.R_X86_64_GOTPCRELX), got, models.EncodingX86RipRelative, 32),
	entry(uint32(goelf.R_X86_64_REX_GOTPCRELX), got, models.EncodingX86RipRelativeMovq, 32),
	entry(uint32(goelf.R_X86_64_32), abs, gen, 32),
	entry(uint32(goelf.R_X86_64_32S), abs, sign, 32),
	entry(uint32(goelf.R_X86_64_16), abs, gen, 16),
	entry(uint32(goelf.R_X86_64_PC16), rel, gen, 16),
	entry(uint32(goelf.R_X86_64_8), abs, gen, 8),
	entry(uint32(goelf.R_X86_64_PC8), rel, gen, 8),
	entry(uint32(goelf.R_X86_64_PC64), rel, gen, 64),
}

var relocX86 = models.RelocTable{
	entry(uint32(goelf.R_386_32), abs, gen, 32),
	entry(uint32(goelf.R_386_PC32), rel, gen, 32),
	entry(uint32(goelf.R_386_PLT32), plt, gen, 32),
	entry(uint32(goelf.R_386_PLT32), rel, models.EncodingX86Branch, 32),
	entry(uint32(goelf.R_386_GOTPC), got, gen, 32),
	entry(uint32(goelf.R_386_16), abs, gen, 16),
	entry(uint32(goelf.R_386_PC16), rel, gen, 16),
	entry(uint32(goelf.R_386_8), abs, gen, 8),
	entry(uint32(goelf.R_386_PC8), rel, gen, 8),
}

var relocAArch64 = models.RelocTable{
	entry(uint32(goelf.R_AARCH64_ABS64), abs, gen, 64),
	entry(uint32(goelf.R_AARCH64_ABS32), abs, gen, 32),
	entry(uint32(goelf.R_AARCH64_ABS16), abs, gen, 16),
	entry(uint32(goelf.R_AARCH64_PREL64), rel, gen, 64),
	entry(uint32(goelf.R_AARCH64_PREL32), rel, gen, 32),
	entry(uint32(goelf.R_AARCH64_PREL16), rel, gen, 16),
	entry(uint32(goelf.R_AARCH64_CALL26), plt, models.EncodingAArch64Call, 26),
	entry(uint32(goelf.R_AARCH64_CALL26), rel, models.EncodingAArch64Call, 26),
}

var relocArm = models.RelocTable{
	entry(uint32(goelf.R_ARM_ABS32), abs, gen, 32),
	entry(uint32(goelf.R_ARM_REL32), rel, gen, 32),
	entry(uint32(goelf.R_ARM_ABS16), abs, gen, 16),
	entry(uint32(goelf.R_ARM_ABS8), abs, gen, 8),
	entry(uint32(goelf.R_ARM_CALL), plt, gen, 24),
}

// Machines maps e_machine values to architectures.
var Machines = map[goelf.Machine]models.Arch{
	goelf.EM_386:     models.ArchX86,
	goelf.EM_X86_64:  models.ArchX86_64,
	goelf.EM_ARM:     models.ArchArm,
	goelf.EM_AARCH64: models.ArchArm64,
	goelf.EM_MIPS:    models.ArchMips,
	goelf.EM_PPC:     models.ArchPpc,
	goelf.EM_PPC64:   models.ArchPpc64,
	goelf.EM_RISCV:   models.ArchRiscv64,
	goelf.EM_S390:    models.ArchS390x,
}

// MachineFor is the inverse of Machines for the architectures the writer
// supports.
func MachineFor(arch models.Arch) (uint16, bool) {
	switch arch {
	case models.ArchX86:
		return uint16(goelf.EM_386), true
	case models.ArchX86_64:
		return uint16(goelf.EM_X86_64), true
	case models.ArchArm:
		return uint16(goelf.EM_ARM), true
	case models.ArchArm64:
		return uint16(goelf.EM_AARCH64), true
	}
	return 0, false
}

// RelocTable returns the code table of a machine, or nil.
func RelocTable(machine uint16) models.RelocTable {
	switch goelf.Machine(machine) {
	case goelf.EM_X86_64:
		return relocX86_64
	case goelf.EM_386:
		return relocX86
	case goelf.EM_AARCH64:
		return relocAArch64
	case goelf.EM_ARM:
		return relocArm
	}
	return nil
}

// UsesRela reports whether relocatable objects for machine carry explicit
// addends.
func UsesRela(machine uint16) bool {
	switch goelf.Machine(machine) {
	case goelf.EM_386, goelf.EM_ARM:
		return false
	}
	return true
}

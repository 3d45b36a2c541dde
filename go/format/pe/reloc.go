package pe

import (
	"github.com/steamhammer/object/go/models"
)

const (
	IMAGE_REL_AMD64_ADDR64   = 0x0001
	IMAGE_REL_AMD64_ADDR32   = 0x0002
	IMAGE_REL_AMD64_ADDR32NB = 0x0003
	IMAGE_REL_AMD64_REL32    = 0x0004
	IMAGE_REL_AMD64_REL32_1  = 0x0005
	IMAGE_REL_AMD64_REL32_5  = 0x0009
	IMAGE_REL_AMD64_SECTION  = 0x000a
	IMAGE_REL_AMD64_SECREL   = 0x000b

	IMAGE_REL_I386_DIR16   = 0x0001
	IMAGE_REL_I386_REL16   = 0x0002
	IMAGE_REL_I386_DIR32   = 0x0006
	IMAGE_REL_I386_DIR32NB = 0x0007
	IMAGE_REL_I386_SECTION = 0x000a
	IMAGE_REL_I386_SECREL  = 0x000b
	IMAGE_REL_I386_REL32   = 0x0014

	IMAGE_REL_ARM64_ADDR32   = 0x0001
	IMAGE_REL_ARM64_ADDR32NB = 0x0002
	IMAGE_REL_ARM64_BRANCH26 = 0x0003
	IMAGE_REL_ARM64_SECREL   = 0x0008
	IMAGE_REL_ARM64_SECTION  = 0x000d
	IMAGE_REL_ARM64_ADDR64   = 0x000e
	IMAGE_REL_ARM64_REL32    = 0x0011

	IMAGE_REL_ARM_ADDR32   = 0x0001
	IMAGE_REL_ARM_ADDR32NB = 0x0002
	IMAGE_REL_ARM_REL32    = 0x000a
	IMAGE_REL_ARM_SECTION  = 0x000e
	IMAGE_REL_ARM_SECREL   = 0x000f
)

func entry(code uint16, kind models.RelocationKind, enc models.RelocationEncoding, size uint8) models.RelocEntry {
	return models.RelocEntry{Code: uint32(code), RelocDesc: models.RelocDesc{Kind: kind, Encoding: enc, Size: size}}
}

var (
	abs = models.RelocAbsolute
	rel = models.RelocRelative
	img = models.RelocImageOffset
	sec = models.RelocSectionOffset
	idx = models.RelocSectionIndex
	gen = models.EncodingGeneric
)

var relocAmd64 = models.RelocTable{
	entry(IMAGE_REL_AMD64_ADDR64, abs, gen, 64),
	entry(IMAGE_REL_AMD64_ADDR32, abs, gen, 32),
	entry(IMAGE_REL_AMD64_ADDR32NB, img, gen, 32),
	entry(IMAGE_REL_AMD64_REL32, rel, gen, 32),
	entry(IMAGE_REL_AMD64_REL32, rel, models.EncodingX86Branch, 32),
	entry(IMAGE_REL_AMD64_REL32, models.RelocPltRelative, gen, 32),
	entry(IMAGE_REL_AMD64_SECTION, idx, gen, 16),
	entry(IMAGE_REL_AMD64_SECREL, sec, gen, 32),
}

var relocI386 = models.RelocTable{
	entry(IMAGE_REL_I386_DIR32, abs, gen, 32),
	entry(IMAGE_REL_I386_DIR16, abs, gen, 16),
	entry(IMAGE_REL_I386_DIR32NB, img, gen, 32),
	entry(IMAGE_REL_I386_REL32, rel, gen, 32),
	entry(IMAGE_REL_I386_REL32, rel, models.EncodingX86Branch, 32),
	entry(IMAGE_REL_I386_REL16, rel, gen, 16),
	entry(IMAGE_REL_I386_SECTION, idx, gen, 16),
	entry(IMAGE_REL_I386_SECREL, sec, gen, 32),
}

var relocArm64 = models.RelocTable{
	entry(IMAGE_REL_ARM64_ADDR64, abs, gen, 64),
	entry(IMAGE_REL_ARM64_ADDR32, abs, gen, 32),
	entry(IMAGE_REL_ARM64_ADDR32NB, img, gen, 32),
	entry(IMAGE_REL_ARM64_REL32, rel, gen, 32),
	entry(IMAGE_REL_ARM64_BRANCH26, rel, models.EncodingAArch64Call, 26),
	entry(IMAGE_REL_ARM64_SECTION, idx, gen, 16),
	entry(IMAGE_REL_ARM64_SECREL, sec, gen, 32),
}

var relocArm = models.RelocTable{
	entry(IMAGE_REL_ARM_ADDR32, abs, gen, 32),
	entry(IMAGE_REL_ARM_ADDR32NB, img, gen, 32),
	entry(IMAGE_REL_ARM_REL32, rel, gen, 32),
	entry(IMAGE_REL_ARM_SECTION, idx, gen, 16),
	entry(IMAGE_REL_ARM_SECREL, sec, gen, 32),
}

var Machines = map[uint16]models.Arch{
	IMAGE_FILE_MACHINE_I386:  models.ArchX86,
	IMAGE_FILE_MACHINE_AMD64: models.ArchX86_64,
	IMAGE_FILE_MACHINE_ARMNT: models.ArchArm,
	IMAGE_FILE_MACHINE_ARM64: models.ArchArm64,
}

func MachineFor(arch models.Arch) (uint16, bool) {
	for m, a := range Machines {
		if a == arch {
			return m, true
		}
	}
	return 0, false
}

func RelocTable(machine uint16) models.RelocTable {
	switch machine {
	case IMAGE_FILE_MACHINE_AMD64:
		return relocAmd64
	case IMAGE_FILE_MACHINE_I386:
		return relocI386
	case IMAGE_FILE_MACHINE_ARM64:
		return relocArm64
	case IMAGE_FILE_MACHINE_ARMNT:
		return relocArm
	}
	return nil
}

// PcrelBias is the offset between the relocated field and the address its
// pc-relative value is measured from. COFF stores addends in the content,
// so the writer adds it and the reader takes it away.
func PcrelBias(machine uint16, typ uint16) int64 {
	switch machine {
	case IMAGE_FILE_MACHINE_AMD64:
		if typ >= IMAGE_REL_AMD64_REL32 && typ <= IMAGE_REL_AMD64_REL32_5 {
			return 4 + int64(typ-IMAGE_REL_AMD64_REL32)
		}
	case IMAGE_FILE_MACHINE_I386:
		if typ == IMAGE_REL_I386_REL32 {
			return 4
		}
		if typ == IMAGE_REL_I386_REL16 {
			return 2
		}
	}
	return 0
}

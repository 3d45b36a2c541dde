package models

import "fmt"

type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchX86_64
	ArchArm
	ArchArm64
	ArchMips
	ArchMips64
	ArchPpc
	ArchPpc64
	ArchRiscv64
	ArchS390x
	ArchWasm32
)

var archNames = map[Arch]string{
	ArchUnknown: "unknown",
	ArchX86:     "x86",
	ArchX86_64:  "x86_64",
	ArchArm:     "arm",
	ArchArm64:   "arm64",
	ArchMips:    "mips",
	ArchMips64:  "mips64",
	ArchPpc:     "ppc",
	ArchPpc64:   "ppc64",
	ArchRiscv64: "riscv64",
	ArchS390x:   "s390x",
	ArchWasm32:  "wasm32",
}

func (a Arch) String() string {
	if s, ok := archNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Arch(%d)", a)
}

// Bits is the natural address width of the architecture.
func (a Arch) Bits() int {
	switch a {
	case ArchX86_64, ArchArm64, ArchMips64, ArchPpc64, ArchRiscv64, ArchS390x:
		return 64
	case ArchUnknown:
		return 0
	}
	return 32
}

// Endian is the byte order used by default for the architecture.
func (a Arch) Endian() Endian {
	switch a {
	case ArchPpc, ArchPpc64, ArchS390x, ArchMips, ArchMips64:
		return BigEndian
	}
	return LittleEndian
}

package macho

import (
	"github.com/steamhammer/object/go/models"
)

const R_SCATTERED = 0x80000000

// Relocation types.
const (
	GENERIC_RELOC_VANILLA        = 0
	GENERIC_RELOC_PAIR           = 1
	GENERIC_RELOC_SECTDIFF       = 2
	GENERIC_RELOC_LOCAL_SECTDIFF = 4

	X86_64_RELOC_UNSIGNED   = 0
	X86_64_RELOC_SIGNED     = 1
	X86_64_RELOC_BRANCH     = 2
	X86_64_RELOC_GOT_LOAD   = 3
	X86_64_RELOC_GOT        = 4
	X86_64_RELOC_SUBTRACTOR = 5

	ARM64_RELOC_UNSIGNED       = 0
	ARM64_RELOC_SUBTRACTOR     = 1
	ARM64_RELOC_BRANCH26       = 2
	ARM64_RELOC_PAGE21         = 3
	ARM64_RELOC_PAGEOFF12      = 4
	ARM64_RELOC_POINTER_TO_GOT = 7
	ARM64_RELOC_ADDEND         = 10
)

// Reloc is a decoded relocation_info or scattered_relocation_info.
type Reloc struct {
	Addr      uint32
	Symnum    uint32 // symbol index when Extern, else section ordinal
	Pcrel     bool
	Len       uint8 // log2 of the width in bytes
	Extern    bool
	Type      uint8
	Scattered bool
	Value     uint32 // scattered only
}

func bit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// DecodeReloc unpacks the bitfields of raw. The scattered form only exists
// for cpus other than x86_64 and arm64.
func DecodeReloc(raw RawRelocation, e models.Endian, cpu uint32) Reloc {
	if raw.Addr&R_SCATTERED != 0 && cpu != CPU_TYPE_X86_64 && cpu != CPU_TYPE_ARM64 {
		return Reloc{
			Scattered: true,
			Addr:      raw.Addr & 0xffffff,
			Type:      uint8(raw.Addr >> 24 & 0xf),
			Len:       uint8(raw.Addr >> 28 & 3),
			Pcrel:     raw.Addr>>30&1 != 0,
			Value:     raw.Info,
		}
	}
	r := Reloc{Addr: raw.Addr}
	info := raw.Info
	if e == models.BigEndian {
		r.Symnum = info >> 8
		r.Pcrel = info>>7&1 != 0
		r.Len = uint8(info >> 5 & 3)
		r.Extern = info>>4&1 != 0
		r.Type = uint8(info & 0xf)
	} else {
		r.Symnum = info & 0xffffff
		r.Pcrel = info>>24&1 != 0
		r.Len = uint8(info >> 25 & 3)
		r.Extern = info>>27&1 != 0
		r.Type = uint8(info >> 28)
	}
	return r
}

// EncodeReloc is the inverse of DecodeReloc for the non-scattered form.
func EncodeReloc(r Reloc, e models.Endian) (RawRelocation, error) {
	if r.Symnum > 0xffffff {
		return RawRelocation{}, models.BuildError(models.FormatMachO, "relocation symbol number %d does not fit 24 bits", r.Symnum)
	}
	var info uint32
	if e == models.BigEndian {
		info = r.Symnum<<8 | bit(r.Pcrel)<<7 | uint32(r.Len&3)<<5 | bit(r.Extern)<<4 | uint32(r.Type&0xf)
	} else {
		info = r.Symnum | bit(r.Pcrel)<<24 | uint32(r.Len&3)<<25 | bit(r.Extern)<<27 | uint32(r.Type)<<28
	}
	return RawRelocation{Addr: r.Addr, Info: info}, nil
}

// Relocs decodes the relocation entries of s.
func (f *File) Relocs(s *Section) ([]Reloc, error) {
	out := make([]Reloc, 0, s.Nreloc)
	for i := uint32(0); i < s.Nreloc; i++ {
		var raw RawRelocation
		if err := f.Endian.Unpack(f.Data, uint64(s.Reloff)+uint64(i)*relocSize, &raw); err != nil {
			return nil, err
		}
		out = append(out, DecodeReloc(raw, f.Endian, f.Cpu))
	}
	return out, nil
}

// RelocEntry maps a (type, pcrel, length) triple to its meaning.
type RelocEntry struct {
	Type  uint8
	Pcrel bool
	Len   uint8
	models.RelocDesc
}

type RelocTable []RelocEntry

func (t RelocTable) Lookup(typ uint8, pcrel bool, length uint8) (models.RelocDesc, bool) {
	for _, e := range t {
		if e.Type == typ && e.Pcrel == pcrel && e.Len == length {
			return e.RelocDesc, true
		}
	}
	return models.RelocDesc{}, false
}

func (t RelocTable) Code(d models.RelocDesc) (RelocEntry, bool) {
	for _, e := range t {
		if e.RelocDesc == d {
			return e, true
		}
	}
	if d.Encoding != models.EncodingGeneric {
		d.Encoding = models.EncodingGeneric
		return t.Code(d)
	}
	return RelocEntry{}, false
}

func desc(kind models.RelocationKind, enc models.RelocationEncoding, size uint8) models.RelocDesc {
	return models.RelocDesc{Kind: kind, Encoding: enc, Size: size}
}

var relocX86_64 = RelocTable{
	{X86_64_RELOC_UNSIGNED, false, 3, desc(models.RelocAbsolute, models.EncodingGeneric, 64)},
	{X86_64_RELOC_UNSIGNED, false, 2, desc(models.RelocAbsolute, models.EncodingGeneric, 32)},
	{X86_64_RELOC_SIGNED, true, 2, desc(models.RelocRelative, models.EncodingGeneric, 32)},
	{X86_64_RELOC_SIGNED, true, 2, desc(models.RelocRelative, models.EncodingX86RipRelative, 32)},
	{X86_64_RELOC_BRANCH, true, 2, desc(models.RelocRelative, models.EncodingX86Branch, 32)},
	{X86_64_RELOC_BRANCH, true, 2, desc(models.RelocPltRelative, models.EncodingGeneric, 32)},
	{X86_64_RELOC_GOT_LOAD, true, 2, desc(models.RelocGotRelative, models.EncodingX86RipRelativeMovq, 32)},
	{X86_64_RELOC_GOT, true, 2, desc(models.RelocGotRelative, models.EncodingGeneric, 32)},
}

var relocX86 = RelocTable{
	{GENERIC_RELOC_VANILLA, false, 2, desc(models.RelocAbsolute, models.EncodingGeneric, 32)},
	{GENERIC_RELOC_VANILLA, true, 2, desc(models.RelocRelative, models.EncodingGeneric, 32)},
	{GENERIC_RELOC_VANILLA, true, 2, desc(models.RelocRelative, models.EncodingX86Branch, 32)},
	{GENERIC_RELOC_VANILLA, false, 1, desc(models.RelocAbsolute, models.EncodingGeneric, 16)},
	{GENERIC_RELOC_VANILLA, true, 1, desc(models.RelocRelative, models.EncodingGeneric, 16)},
}

var relocArm64 = RelocTable{
	{ARM64_RELOC_UNSIGNED, false, 3, desc(models.RelocAbsolute, models.EncodingGeneric, 64)},
	{ARM64_RELOC_UNSIGNED, false, 2, desc(models.RelocAbsolute, models.EncodingGeneric, 32)},
	{ARM64_RELOC_BRANCH26, true, 2, desc(models.RelocRelative, models.EncodingAArch64Call, 26)},
	{ARM64_RELOC_BRANCH26, true, 2, desc(models.RelocPltRelative, models.EncodingAArch64Call, 26)},
	{ARM64_RELOC_POINTER_TO_GOT, true, 2, desc(models.RelocGotRelative, models.EncodingGeneric, 32)},
}

func RelocTableFor(cpu uint32) RelocTable {
	switch cpu {
	case CPU_TYPE_X86_64:
		return relocX86_64
	case CPU_TYPE_X86:
		return relocX86
	case CPU_TYPE_ARM64:
		return relocArm64
	}
	return nil
}

// PcrelBias is the distance between the relocated field and the address its
// pc-relative value is measured from, folded into implicit addends of extern
// relocations on x86.
func PcrelBias(cpu uint32, r *Reloc) int64 {
	if !r.Pcrel || r.Len != 2 {
		return 0
	}
	switch cpu {
	case CPU_TYPE_X86, CPU_TYPE_X86_64:
		return 4
	}
	return 0
}

package elf

import (
	"bytes"
	"math"

	"github.com/steamhammer/object/go/models"
)

// Encoder serializes normalized descriptors into their on-disk shape for one
// class and byte order. Values that do not fit a 32-bit field are build errors.
type Encoder struct {
	Class  Class
	Endian models.Endian
}

func overflow(what string, v uint64) error {
	return models.BuildError(models.FormatElf, "%s %#x overflows a 32-bit field", what, v)
}

func (e Encoder) fit32(vals map[string]uint64) error {
	if e.Class == Class64 {
		return nil
	}
	for _, name := range []string{"addr", "offset", "size", "align", "entsize", "entry", "value", "phoff", "shoff"} {
		if v, ok := vals[name]; ok && v > math.MaxUint32 {
			return overflow(name, v)
		}
	}
	return nil
}

func (e Encoder) pack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.Endian.Pack(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Header encodes h, filling e_ident from the encoder. Shnum and Shstrndx
// values past the 16-bit range are deferred to section 0, which the caller
// must populate with Size and Link accordingly.
func (e Encoder) Header(h *FileHeader) ([]byte, error) {
	if err := e.fit32(map[string]uint64{"entry": h.Entry, "phoff": h.Phoff, "shoff": h.Shoff}); err != nil {
		return nil, err
	}
	var ident [IdentSize]byte
	copy(ident[:], Magic[:])
	ident[4] = uint8(e.Class)
	ident[5] = DataLSB
	if e.Endian == models.BigEndian {
		ident[5] = DataMSB
	}
	ident[6] = 1
	ident[7] = h.OSABI
	ident[8] = h.ABIVersion
	shnum := uint16(h.Shnum)
	if h.Shnum >= SHN_LORESERVE {
		shnum = 0
	}
	shstrndx := uint16(h.Shstrndx)
	if h.Shstrndx >= SHN_LORESERVE {
		shstrndx = SHN_XINDEX
	}
	if e.Class == Class64 {
		return e.pack(&Header64{
			Ident: ident, Type: h.Type, Machine: h.Machine, Version: h.Version,
			Entry: h.Entry, Phoff: h.Phoff, Shoff: h.Shoff, Flags: h.Flags,
			Ehsize: uint16(e.Class.HeaderSize()), Phentsize: h.Phentsize, Phnum: h.Phnum,
			Shentsize: uint16(e.Class.SectionSize()), Shnum: shnum, Shstrndx: shstrndx,
		})
	}
	return e.pack(&Header32{
		Ident: ident, Type: h.Type, Machine: h.Machine, Version: h.Version,
		Entry: uint32(h.Entry), Phoff: uint32(h.Phoff), Shoff: uint32(h.Shoff), Flags: h.Flags,
		Ehsize: uint16(e.Class.HeaderSize()), Phentsize: h.Phentsize, Phnum: h.Phnum,
		Shentsize: uint16(e.Class.SectionSize()), Shnum: shnum, Shstrndx: shstrndx,
	})
}

func (e Encoder) Section(sh *SectionHeader) ([]byte, error) {
	if err := e.fit32(map[string]uint64{"addr": sh.Addr, "offset": sh.Off, "size": sh.Size,
		"align": sh.Addralign, "entsize": sh.Entsize}); err != nil {
		return nil, err
	}
	if e.Class == Class64 {
		raw := Section64(*sh)
		return e.pack(&raw)
	}
	return e.pack(&Section32{
		Name: sh.Name, Type: sh.Type, Flags: uint32(sh.Flags), Addr: uint32(sh.Addr),
		Off: uint32(sh.Off), Size: uint32(sh.Size), Link: sh.Link, Info: sh.Info,
		Addralign: uint32(sh.Addralign), Entsize: uint32(sh.Entsize),
	})
}

func (e Encoder) Sym(s *Sym) ([]byte, error) {
	if err := e.fit32(map[string]uint64{"value": s.Value, "size": s.Size}); err != nil {
		return nil, err
	}
	if e.Class == Class64 {
		raw := Sym64(*s)
		return e.pack(&raw)
	}
	return e.pack(&Sym32{Name: s.Name, Value: uint32(s.Value), Size: uint32(s.Size),
		Info: s.Info, Other: s.Other, Shndx: s.Shndx})
}

// Rel encodes a REL or RELA entry. ELF32 r_info holds a 24-bit symbol index.
func (e Encoder) Rel(r *Rel, rela bool) ([]byte, error) {
	if e.Class != Class64 {
		if r.Off > math.MaxUint32 {
			return nil, overflow("relocation offset", r.Off)
		}
		if r.Sym > 0xffffff {
			return nil, models.BuildError(models.FormatElf, "symbol index %d does not fit ELF32 r_info", r.Sym)
		}
		if rela && (r.Addend > math.MaxInt32 || r.Addend < math.MinInt32) {
			return nil, models.BuildError(models.FormatElf, "addend %d does not fit ELF32 r_addend", r.Addend)
		}
	}
	info := e.Class.RelInfo(r.Sym, r.Type)
	switch {
	case e.Class == Class64 && rela:
		return e.pack(&Rela64{Off: r.Off, Info: info, Addend: r.Addend})
	case e.Class == Class64:
		return e.pack(&Rel64{Off: r.Off, Info: info})
	case rela:
		return e.pack(&Rela32{Off: uint32(r.Off), Info: uint32(info), Addend: int32(r.Addend)})
	}
	return e.pack(&Rel32{Off: uint32(r.Off), Info: uint32(info)})
}

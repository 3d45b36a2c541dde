package macho

import (
	"bytes"
	"math"

	"github.com/steamhammer/object/go/models"
)

// Encoder serializes descriptors for one word size and byte order.
type Encoder struct {
	Is64   bool
	Endian models.Endian
}

func (e Encoder) pack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.Endian.Pack(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e Encoder) HeaderSize() uint64 {
	if e.Is64 {
		return headerSize64
	}
	return headerSize32
}

func (e Encoder) SegmentSize() uint64 {
	if e.Is64 {
		return segmentSize64
	}
	return segmentSize32
}

func (e Encoder) SectionSize() uint64 {
	if e.Is64 {
		return sectionSize64
	}
	return sectionSize32
}

func (e Encoder) NlistSize() uint64 {
	if e.Is64 {
		return nlistSize64
	}
	return nlistSize32
}

const (
	RelocSize    = relocSize
	SymtabSize   = symtabSize
	DysymtabSize = dysymtabSize
)

func (e Encoder) fits(what string, v uint64) error {
	if !e.Is64 && v > math.MaxUint32 {
		return models.BuildError(models.FormatMachO, "%s %#x overflows a 32-bit field", what, v)
	}
	return nil
}

func (e Encoder) Header(h *FileHeader) ([]byte, error) {
	if e.Is64 {
		return e.pack(&Header64{Magic: Magic64, Cpu: h.Cpu, SubCpu: h.SubCpu, Type: h.Type,
			Ncmd: h.Ncmd, Cmdsz: h.Cmdsz, Flags: h.Flags})
	}
	return e.pack(&Header32{Magic: Magic32, Cpu: h.Cpu, SubCpu: h.SubCpu, Type: h.Type,
		Ncmd: h.Ncmd, Cmdsz: h.Cmdsz, Flags: h.Flags})
}

// Segment encodes a segment command for nsect sections; the section
// headers follow it in the same load command.
func (e Encoder) Segment(s *Segment, nsect uint32) ([]byte, error) {
	name, ok := PutFixedName(s.Name)
	if !ok {
		return nil, models.BuildError(models.FormatMachO, "segment name %q longer than 16 bytes", s.Name)
	}
	size := e.SegmentSize() + uint64(nsect)*e.SectionSize()
	if e.Is64 {
		return e.pack(&SegmentCommand64{Cmd: LC_SEGMENT_64, Len: uint32(size), Name: name, Addr: s.Addr,
			Memsz: s.Memsz, Offset: s.Offset, Filesz: s.Filesz, Maxprot: s.Maxprot, Prot: s.Prot,
			Nsect: nsect, Flag: s.Flag})
	}
	for what, v := range map[string]uint64{"segment address": s.Addr, "segment size": s.Memsz,
		"segment offset": s.Offset, "segment file size": s.Filesz} {
		if err := e.fits(what, v); err != nil {
			return nil, err
		}
	}
	return e.pack(&SegmentCommand32{Cmd: LC_SEGMENT, Len: uint32(size), Name: name, Addr: uint32(s.Addr),
		Memsz: uint32(s.Memsz), Offset: uint32(s.Offset), Filesz: uint32(s.Filesz), Maxprot: s.Maxprot,
		Prot: s.Prot, Nsect: nsect, Flag: s.Flag})
}

func (e Encoder) Section(s *Section) ([]byte, error) {
	name, ok := PutFixedName(s.Name)
	if !ok {
		return nil, models.BuildError(models.FormatMachO, "section name %q longer than 16 bytes", s.Name)
	}
	seg, ok := PutFixedName(s.Seg)
	if !ok {
		return nil, models.BuildError(models.FormatMachO, "segment name %q longer than 16 bytes", s.Seg)
	}
	if e.Is64 {
		return e.pack(&Section64{Name: name, Seg: seg, Addr: s.Addr, Size: s.Size, Offset: s.Offset,
			Align: s.Align, Reloff: s.Reloff, Nreloc: s.Nreloc, Flags: s.Flags,
			Reserved1: s.Reserved1, Reserved2: s.Reserved2, Reserved3: s.Reserved3})
	}
	if err := e.fits("section address", s.Addr); err != nil {
		return nil, err
	}
	if err := e.fits("section size", s.Size); err != nil {
		return nil, err
	}
	return e.pack(&Section32{Name: name, Seg: seg, Addr: uint32(s.Addr), Size: uint32(s.Size),
		Offset: s.Offset, Align: s.Align, Reloff: s.Reloff, Nreloc: s.Nreloc, Flags: s.Flags,
		Reserved1: s.Reserved1, Reserved2: s.Reserved2})
}

func (e Encoder) Symtab(st *SymtabCommand) ([]byte, error) {
	st.Cmd, st.Len = LC_SYMTAB, symtabSize
	return e.pack(st)
}

func (e Encoder) Dysymtab(dt *DysymtabCommand) ([]byte, error) {
	dt.Cmd, dt.Len = LC_DYSYMTAB, dysymtabSize
	return e.pack(dt)
}

func (e Encoder) Nlist(n *Nlist) ([]byte, error) {
	if e.Is64 {
		raw := Nlist64(*n)
		return e.pack(&raw)
	}
	if err := e.fits("symbol value", n.Value); err != nil {
		return nil, err
	}
	return e.pack(&Nlist32{Name: n.Name, Type: n.Type, Sect: n.Sect, Desc: n.Desc, Value: uint32(n.Value)})
}

func (e Encoder) Reloc(r Reloc) ([]byte, error) {
	raw, err := EncodeReloc(r, e.Endian)
	if err != nil {
		return nil, err
	}
	return e.pack(&raw)
}

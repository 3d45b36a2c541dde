package macho

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/steamhammer/object/go/models"
)

type FileHeader struct {
	Magic  uint32
	Cpu    uint32
	SubCpu uint32
	Type   uint32
	Ncmd   uint32
	Cmdsz  uint32
	Flags  uint32
}

// Load is one load command: its type, offset into the file and full bytes.
type Load struct {
	Cmd uint32
	Off uint64
	Raw []byte
}

type Segment struct {
	Name    string
	Addr    uint64
	Memsz   uint64
	Offset  uint64
	Filesz  uint64
	Maxprot uint32
	Prot    uint32
	Flag    uint32
	// Sections indexes File.Sections.
	Sections []int
}

type Section struct {
	Name      string
	Seg       string
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

func (s *Section) Type() uint32 {
	return s.Flags & SECTION_TYPE
}

// IsZerofill reports whether the section has no file content.
func (s *Section) IsZerofill() bool {
	switch s.Type() {
	case S_ZEROFILL, S_GB_ZEROFILL, S_THREAD_LOCAL_ZEROFILL:
		return true
	}
	return false
}

type Nlist struct {
	Name  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// File is a descriptor set over one thin Mach-O image. Data is borrowed.
type File struct {
	FileHeader
	Endian   models.Endian
	Is64     bool
	Data     []byte
	Loads    []Load
	Segments []Segment
	// Sections holds every section of every segment in load command order;
	// section ordinal n (1-based) is Sections[n-1].
	Sections []Section
	Symtab   *SymtabCommand
	Dysymtab *DysymtabCommand
	UUID     *[16]byte
}

func truncated(detail string, args ...interface{}) error {
	return models.Truncated(models.FormatMachO, detail, args...)
}

func malformed(detail string, args ...interface{}) error {
	return models.Malformed(models.FormatMachO, detail, args...)
}

func checkRange(n int, off, size uint64, what string) error {
	end := off + size
	if end < off {
		return malformed("%s range %#x+%#x overflows", what, off, size)
	}
	if end > uint64(n) {
		return truncated("%s range %#x+%#x past end of %#x byte file", what, off, size, n)
	}
	return nil
}

var thinMagics = [][]byte{
	{0xfe, 0xed, 0xfa, 0xce},
	{0xfe, 0xed, 0xfa, 0xcf},
	{0xce, 0xfa, 0xed, 0xfe},
	{0xcf, 0xfa, 0xed, 0xfe},
}

// Ident decodes the magic of a thin image.
func Ident(data []byte) (is64 bool, e models.Endian, err error) {
	if len(data) < 4 {
		for _, m := range thinMagics {
			if bytes.HasPrefix(m, data) {
				return false, 0, truncated("%d byte file is shorter than the magic", len(data))
			}
		}
		return false, 0, models.Unrecognized(models.FormatMachO, "bad magic")
	}
	be, _ := models.BigEndian.Uint32(data, 0)
	switch be {
	case Magic32:
		return false, models.BigEndian, nil
	case Magic64:
		return true, models.BigEndian, nil
	case Cigam32:
		return false, models.LittleEndian, nil
	case Cigam64:
		return true, models.LittleEndian, nil
	}
	return false, 0, models.Unrecognized(models.FormatMachO, "bad magic %#x", be)
}

// Parse decodes a thin Mach-O image, walking every load command and
// validating every section, relocation and symbol table range.
func Parse(data []byte) (*File, error) {
	is64, e, err := Ident(data)
	if err != nil {
		return nil, err
	}
	f := &File{Endian: e, Is64: is64, Data: data}
	hsize := uint64(headerSize32)
	if is64 {
		var raw Header64
		if err := e.Unpack(data, 0, &raw); err != nil {
			return nil, errors.Wrap(err, "mach-o header")
		}
		f.FileHeader = FileHeader{raw.Magic, raw.Cpu, raw.SubCpu, raw.Type, raw.Ncmd, raw.Cmdsz, raw.Flags}
		hsize = headerSize64
	} else {
		var raw Header32
		if err := e.Unpack(data, 0, &raw); err != nil {
			return nil, errors.Wrap(err, "mach-o header")
		}
		f.FileHeader = FileHeader(raw)
	}
	if err := checkRange(len(data), hsize, uint64(f.Cmdsz), "load commands"); err != nil {
		return nil, err
	}
	if uint64(f.Ncmd) > uint64(f.Cmdsz)/loadCommandSize {
		return nil, malformed("%d load commands cannot fit in %#x bytes", f.Ncmd, f.Cmdsz)
	}
	end := hsize + uint64(f.Cmdsz)
	off := hsize
	for i := uint32(0); i < f.Ncmd; i++ {
		var lc LoadCommand
		if err := e.Unpack(data[:end], off, &lc); err != nil {
			return nil, models.WrapMalformed(models.FormatMachO, err, "load command %d", i)
		}
		if lc.Len < loadCommandSize || off+uint64(lc.Len) > end {
			return nil, malformed("load command %d size %d", i, lc.Len)
		}
		l := Load{Cmd: lc.Cmd, Off: off, Raw: data[off : off+uint64(lc.Len)]}
		if err := f.parseLoad(&l); err != nil {
			return nil, errors.Wrapf(err, "load command %d", i)
		}
		f.Loads = append(f.Loads, l)
		off += uint64(lc.Len)
	}
	return f, nil
}

func (f *File) parseLoad(l *Load) error {
	e := f.Endian
	switch l.Cmd {
	case LC_SEGMENT, LC_SEGMENT_64:
		return f.parseSegment(l)
	case LC_SYMTAB:
		var st SymtabCommand
		if err := e.Unpack(l.Raw, 0, &st); err != nil {
			return models.WrapMalformed(models.FormatMachO, err, "symtab command")
		}
		nsize := uint64(nlistSize32)
		if f.Is64 {
			nsize = nlistSize64
		}
		if err := checkRange(len(f.Data), uint64(st.Symoff), uint64(st.Nsyms)*nsize, "symbol table"); err != nil {
			return err
		}
		if err := checkRange(len(f.Data), uint64(st.Stroff), uint64(st.Strsize), "string table"); err != nil {
			return err
		}
		f.Symtab = &st
	case LC_DYSYMTAB:
		var dt DysymtabCommand
		if err := e.Unpack(l.Raw, 0, &dt); err != nil {
			return models.WrapMalformed(models.FormatMachO, err, "dysymtab command")
		}
		f.Dysymtab = &dt
	case LC_UUID:
		var uc UuidCommand
		if err := e.Unpack(l.Raw, 0, &uc); err != nil {
			return models.WrapMalformed(models.FormatMachO, err, "uuid command")
		}
		f.UUID = &uc.Uuid
	}
	return nil
}

func (f *File) parseSegment(l *Load) error {
	e := f.Endian
	var seg Segment
	var nsect uint32
	var off, sectSize uint64
	if l.Cmd == LC_SEGMENT_64 {
		var raw SegmentCommand64
		if err := e.Unpack(l.Raw, 0, &raw); err != nil {
			return models.WrapMalformed(models.FormatMachO, err, "segment command")
		}
		seg = Segment{Name: FixedName(raw.Name), Addr: raw.Addr, Memsz: raw.Memsz, Offset: raw.Offset,
			Filesz: raw.Filesz, Maxprot: raw.Maxprot, Prot: raw.Prot, Flag: raw.Flag}
		nsect, off, sectSize = raw.Nsect, segmentSize64, sectionSize64
	} else {
		var raw SegmentCommand32
		if err := e.Unpack(l.Raw, 0, &raw); err != nil {
			return models.WrapMalformed(models.FormatMachO, err, "segment command")
		}
		seg = Segment{Name: FixedName(raw.Name), Addr: uint64(raw.Addr), Memsz: uint64(raw.Memsz),
			Offset: uint64(raw.Offset), Filesz: uint64(raw.Filesz), Maxprot: raw.Maxprot, Prot: raw.Prot, Flag: raw.Flag}
		nsect, off, sectSize = raw.Nsect, segmentSize32, sectionSize32
	}
	if uint64(nsect) > (uint64(len(l.Raw))-off)/sectSize {
		return malformed("segment %q declares %d sections in a %d byte command", seg.Name, nsect, len(l.Raw))
	}
	if err := checkRange(len(f.Data), seg.Offset, seg.Filesz, "segment"); err != nil {
		return err
	}
	for i := uint32(0); i < nsect; i++ {
		s, err := f.readSection(l.Raw, off+uint64(i)*sectSize)
		if err != nil {
			return err
		}
		if !s.IsZerofill() && s.Size > 0 {
			if err := checkRange(len(f.Data), uint64(s.Offset), s.Size, "section"); err != nil {
				return errors.Wrapf(err, "section %s,%s", s.Seg, s.Name)
			}
		}
		if s.Nreloc > 0 {
			if err := checkRange(len(f.Data), uint64(s.Reloff), uint64(s.Nreloc)*relocSize, "relocations"); err != nil {
				return errors.Wrapf(err, "section %s,%s", s.Seg, s.Name)
			}
		}
		seg.Sections = append(seg.Sections, len(f.Sections))
		f.Sections = append(f.Sections, s)
	}
	f.Segments = append(f.Segments, seg)
	return nil
}

func (f *File) readSection(raw []byte, off uint64) (Section, error) {
	e := f.Endian
	if f.Is64 {
		var s Section64
		if err := e.Unpack(raw, off, &s); err != nil {
			return Section{}, err
		}
		return Section{Name: FixedName(s.Name), Seg: FixedName(s.Seg), Addr: s.Addr, Size: s.Size,
			Offset: s.Offset, Align: s.Align, Reloff: s.Reloff, Nreloc: s.Nreloc, Flags: s.Flags,
			Reserved1: s.Reserved1, Reserved2: s.Reserved2, Reserved3: s.Reserved3}, nil
	}
	var s Section32
	if err := e.Unpack(raw, off, &s); err != nil {
		return Section{}, err
	}
	return Section{Name: FixedName(s.Name), Seg: FixedName(s.Seg), Addr: uint64(s.Addr), Size: uint64(s.Size),
		Offset: s.Offset, Align: s.Align, Reloff: s.Reloff, Nreloc: s.Nreloc, Flags: s.Flags,
		Reserved1: s.Reserved1, Reserved2: s.Reserved2}, nil
}

// SectionData returns the bytes of a section, or nil for zerofill sections.
func (f *File) SectionData(s *Section) []byte {
	if s.IsZerofill() || s.Size == 0 {
		return nil
	}
	return f.Data[s.Offset : uint64(s.Offset)+s.Size]
}

func (f *File) SegmentData(s *Segment) []byte {
	if s.Filesz == 0 {
		return nil
	}
	return f.Data[s.Offset : s.Offset+s.Filesz]
}

// Segment returns the first segment named name.
func (f *File) Segment(name string) *Segment {
	for i := range f.Segments {
		if f.Segments[i].Name == name {
			return &f.Segments[i]
		}
	}
	return nil
}

func (f *File) NumSymbols() uint32 {
	if f.Symtab == nil {
		return 0
	}
	return f.Symtab.Nsyms
}

// Symbol decodes nlist entry i.
func (f *File) Symbol(i uint32) (Nlist, error) {
	if i >= f.NumSymbols() {
		return Nlist{}, malformed("symbol index %d out of range of %d", i, f.NumSymbols())
	}
	e := f.Endian
	if f.Is64 {
		var raw Nlist64
		if err := e.Unpack(f.Data, uint64(f.Symtab.Symoff)+uint64(i)*nlistSize64, &raw); err != nil {
			return Nlist{}, err
		}
		return Nlist(raw), nil
	}
	var raw Nlist32
	if err := e.Unpack(f.Data, uint64(f.Symtab.Symoff)+uint64(i)*nlistSize32, &raw); err != nil {
		return Nlist{}, err
	}
	return Nlist{Name: raw.Name, Type: raw.Type, Sect: raw.Sect, Desc: raw.Desc, Value: uint64(raw.Value)}, nil
}

// SymbolName resolves n_strx. Offsets outside the string table yield "", false.
func (f *File) SymbolName(n *Nlist) (string, bool) {
	if f.Symtab == nil {
		return "", false
	}
	tab := f.Data[f.Symtab.Stroff : f.Symtab.Stroff+f.Symtab.Strsize]
	if n.Name >= uint32(len(tab)) {
		return "", false
	}
	end := bytes.IndexByte(tab[n.Name:], 0)
	if end < 0 {
		return "", false
	}
	return string(tab[n.Name : n.Name+uint32(end)]), true
}

// Thread state offsets of the program counter inside LC_UNIXTHREAD, counted
// from the start of the command.
var threadPC = map[uint32]struct {
	off  uint64
	size int
}{
	CPU_TYPE_X86:    {56, 4},
	CPU_TYPE_X86_64: {144, 8},
	CPU_TYPE_ARM:    {76, 4},
	CPU_TYPE_ARM64:  {272, 8},
	CPU_TYPE_PPC:    {16, 4},
	CPU_TYPE_PPC64:  {16, 8},
}

// Entry finds the entry point from LC_MAIN (relative to __TEXT) or
// LC_UNIXTHREAD.
func (f *File) Entry() (uint64, bool, error) {
	for _, l := range f.Loads {
		switch l.Cmd {
		case LC_MAIN:
			var ep EntryPointCommand
			if err := f.Endian.Unpack(l.Raw, 0, &ep); err != nil {
				return 0, false, models.WrapMalformed(models.FormatMachO, err, "entry point command")
			}
			text := f.Segment("__TEXT")
			if text == nil {
				return 0, false, malformed("found LC_MAIN but did not find __TEXT segment")
			}
			return ep.Entryoff + text.Addr, true, nil
		case LC_UNIXTHREAD:
			pc, ok := threadPC[f.Cpu]
			if !ok {
				return 0, false, models.Unsupported(models.FormatMachO, "thread state for cpu %#x", f.Cpu)
			}
			v, err := f.Endian.Uint(l.Raw, pc.off, pc.size)
			if err != nil {
				return 0, false, models.WrapMalformed(models.FormatMachO, err, "thread command")
			}
			return v, true, nil
		}
	}
	return 0, false, nil
}

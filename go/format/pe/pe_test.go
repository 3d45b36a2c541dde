package pe

import (
	"bytes"
	gope "debug/pe"
	"errors"
	"testing"

	"github.com/steamhammer/object/go/models"
)

type coffFixture struct {
	data     []byte
	longName string
}

// object lays out: header, one section header, 8 bytes of text, one
// relocation, two symbols, string table.
func object(t *testing.T) coffFixture {
	long := ".text$mn_long_name"
	strtab := []byte{0, 0, 0, 0}
	strtab = append(strtab, long...)
	strtab = append(strtab, 0)
	strtab = append(strtab, "a_long_symbol_name"...)
	strtab = append(strtab, 0)
	le.PutUint32(strtab, 0, uint32(len(strtab)))

	textOff := uint32(FileHeaderSize + SectionHeaderSize)
	relOff := textOff + 8
	symOff := relOff + RelocSize

	var buf bytes.Buffer
	put := func(v interface{}) {
		b, err := Pack(v)
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(b)
	}
	put(&FileHeader{Machine: IMAGE_FILE_MACHINE_AMD64, NumberOfSections: 1, PointerToSymbolTable: symOff, NumberOfSymbols: 2})
	align, _ := AlignCharacteristics(16)
	put(&RawSectionHeader{Name: LongSectionName(4), SizeOfRawData: 8, PointerToRawData: textOff,
		PointerToRelocations: relOff, NumberOfRelocations: 1,
		Characteristics: IMAGE_SCN_CNT_CODE | IMAGE_SCN_MEM_EXECUTE | IMAGE_SCN_MEM_READ | align})
	buf.Write([]byte{0xe8, 0, 0, 0, 0, 0xc3, 0x90, 0x90})
	put(&Relocation{VirtualAddress: 1, SymbolTableIndex: 1, Type: IMAGE_REL_AMD64_REL32})
	name, _ := InlineSymbolName("main")
	put(&RawSymbol{Name: name, SectionNumber: 1, Type: IMAGE_SYM_DTYPE_FUNCTION, StorageClass: IMAGE_SYM_CLASS_EXTERNAL})
	put(&RawSymbol{Name: StringSymbolName(uint32(4 + len(long) + 1)), StorageClass: IMAGE_SYM_CLASS_EXTERNAL})
	buf.Write(strtab)
	return coffFixture{data: buf.Bytes(), longName: long}
}

func TestParseObject(t *testing.T) {
	fx := object(t)
	f, err := Parse(fx.data)
	if err != nil {
		t.Fatal(err)
	}
	if f.IsPE() || len(f.Sections) != 1 {
		t.Fatalf("decoded %+v", f.FileHeader)
	}
	sh := &f.Sections[0]
	if sh.Name != fx.longName {
		t.Fatalf("section name %q", sh.Name)
	}
	if AlignFromCharacteristics(sh.Characteristics) != 16 {
		t.Fatalf("alignment %d", AlignFromCharacteristics(sh.Characteristics))
	}
	relocs, err := f.Relocs(sh)
	if err != nil || len(relocs) != 1 || relocs[0].SymbolTableIndex != 1 {
		t.Fatalf("relocs %+v %v", relocs, err)
	}
	s, err := f.Symbol(1)
	if err != nil {
		t.Fatal(err)
	}
	if name, ok := f.SymbolName(&s); !ok || name != "a_long_symbol_name" {
		t.Fatalf("symbol name %q", name)
	}
	std, err := gope.NewFile(bytes.NewReader(fx.data))
	if err != nil {
		t.Fatal(err)
	}
	if std.Sections[0].Name != fx.longName || std.Symbols[1].Name != "a_long_symbol_name" {
		t.Fatalf("debug/pe sees %q, %q", std.Sections[0].Name, std.Symbols[1].Name)
	}
}

func TestParseObjectTruncated(t *testing.T) {
	data := object(t).data
	for i := 0; i < len(data); i++ {
		_, err := Parse(data[:i])
		if err == nil {
			t.Fatalf("parse of %d/%d bytes succeeded", i, len(data))
		}
		if !errors.Is(err, models.ErrTruncated) && !errors.Is(err, models.ErrMalformed) {
			t.Fatalf("parse of %d bytes: %v", i, err)
		}
	}
}

func TestLongSectionName(t *testing.T) {
	if raw := LongSectionName(9999999); inlineName(raw[:]) != "/9999999" {
		t.Fatalf("decimal form %q", raw)
	}
	if raw := LongSectionName(10000000); inlineName(raw[:]) != "//AAmJaA" {
		t.Fatalf("base64 form %q", raw)
	}
	f := &File{Strings: []byte("\x00\x00\x00\x00.debug_info\x00")}
	for _, raw := range [][8]byte{LongSectionName(4), {'/', '/', 'A', 'A', 'A', 'A', 'A', 'E'}} {
		if name, ok := f.SectionName(raw); !ok || name != ".debug_info" {
			t.Fatalf("%q resolved to %q", raw, name)
		}
	}
	if _, ok := f.SectionName([8]byte{'/', 'x'}); ok {
		t.Fatal("bad decimal name accepted")
	}
	if _, ok := f.SectionName(LongSectionName(100)); ok {
		t.Fatal("offset past the string table accepted")
	}
}

func TestNrelocOverflow(t *testing.T) {
	fx := object(t)
	data := append([]byte{}, fx.data...)
	// Rewrite the header for an overflowed count whose first entry carries
	// the real total (itself included).
	hdrOff := uint64(FileHeaderSize)
	le.PutUint16(data, hdrOff+32, 0xffff)
	c, _ := le.Uint32(data, hdrOff+36)
	le.PutUint32(data, hdrOff+36, c|IMAGE_SCN_LNK_NRELOC_OVFL)
	relOff := uint64(FileHeaderSize + SectionHeaderSize + 8)
	le.PutUint32(data, relOff, 1)
	f, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Sections[0].NumberOfRelocations != 0 {
		t.Fatalf("overflowed count decoded as %d", f.Sections[0].NumberOfRelocations)
	}
}

func TestAlignCharacteristics(t *testing.T) {
	for _, a := range []uint64{1, 2, 4, 8192} {
		c, ok := AlignCharacteristics(a)
		if !ok || AlignFromCharacteristics(c) != a {
			t.Fatalf("align %d encoded as %#x", a, c)
		}
	}
	if _, ok := AlignCharacteristics(16384); ok {
		t.Fatal("16384 accepted")
	}
}

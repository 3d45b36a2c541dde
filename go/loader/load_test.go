package loader_test

import (
	"errors"
	"testing"

	"github.com/steamhammer/object/go/format/macho"
	"github.com/steamhammer/object/go/format/pe"
	"github.com/steamhammer/object/go/format/wasm"
	"github.com/steamhammer/object/go/loader"
	"github.com/steamhammer/object/go/models"
	"github.com/steamhammer/object/go/writer"
)

func TestIdentify(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		kind   models.FileKind
		bits   int
		endian models.Endian
	}{
		{"elf64", object(t, models.FormatElf, models.ArchX86_64), models.FileElf64, 64, models.LittleEndian},
		{"elf32", object(t, models.FormatElf, models.ArchX86), models.FileElf32, 32, models.LittleEndian},
		{"macho64", object(t, models.FormatMachO, models.ArchX86_64), models.FileMachO64, 64, models.LittleEndian},
		{"macho64 big-endian", object(t, models.FormatMachO, models.ArchX86_64, writer.WithEndian(models.BigEndian)),
			models.FileMachO64, 64, models.BigEndian},
		{"fat", fat(t), models.FileMachOFat32, 32, models.BigEndian},
		{"pe32+", peImage(t), models.FilePe64, 64, models.LittleEndian},
		{"coff", object(t, models.FormatCoff, models.ArchX86_64), models.FileCoff, 64, models.LittleEndian},
		{"coff i386", object(t, models.FormatCoff, models.ArchX86), models.FileCoff, 32, models.LittleEndian},
		{"wasm", wasmModule(), models.FileWasm, 32, models.LittleEndian},
		{"archive", []byte("!<arch>\nfoo.o/          0           0     0     644     0         `\n"), models.FileArchive, 0, models.LittleEndian},
	}
	for _, test := range tests {
		id, err := loader.Identify(test.data)
		if err != nil {
			t.Errorf("%s: %v", test.name, err)
			continue
		}
		if id.Kind != test.kind || id.Bits != test.bits || (test.bits != 0 && id.Endian != test.endian) {
			t.Errorf("%s: identified as %+v", test.name, id)
		}
	}
}

func TestIdentifyRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"empty", nil, models.ErrTruncated},
		{"elf prefix", []byte{0x7f, 'E', 'L'}, models.ErrTruncated},
		{"text", []byte("this is not an object file"), models.ErrUnrecognized},
		{"java class", []byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 0x34, 0, 0, 0, 0}, models.ErrUnrecognized},
		{"mz without pe", append([]byte("MZ"), make([]byte, 0x80)...), models.ErrUnrecognized},
	}
	for _, test := range tests {
		if _, err := loader.Identify(test.data); !errors.Is(err, test.err) {
			t.Errorf("%s: got %v, want %v", test.name, err, test.err)
		}
	}
}

// atStart returns a zeroed 256 byte buffer with prefix at offset 0 and the
// given little-endian words patched in.
func atStart(prefix []byte, words map[uint64]uint32) []byte {
	buf := make([]byte, 256)
	copy(buf, prefix)
	for off, v := range words {
		models.LittleEndian.PutUint32(buf, off, v)
	}
	return buf
}

func TestIdentifyMagicOnly(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		kind models.FileKind
	}{
		{"mach-o", atStart(nil, map[uint64]uint32{0: macho.Magic64}), models.FileMachO64},
		{"wasm", atStart(wasm.Magic, nil), models.FileWasm},
		{"elf", atStart([]byte{0x7f, 'E', 'L', 'F', 2, 1}, nil), models.FileElf64},
		{"pe", atStart([]byte("MZ"), map[uint64]uint32{0x3c: 0x40, 0x40: 0x4550, 0x58: pe.Pe32PlusMagic}), models.FilePe64},
	}
	for _, test := range tests {
		id, err := loader.Identify(test.data)
		if err != nil || id.Kind != test.kind {
			t.Errorf("%s: %+v %v", test.name, id, err)
		}
	}

	// the header bytes ELF and PE need are missing; the error still names the format
	bare := []struct {
		data   []byte
		format models.Format
	}{
		{atStart([]byte{0x7f, 'E', 'L', 'F'}, nil), models.FormatElf},
		{atStart([]byte("MZ"), nil), models.FormatPe},
	}
	for _, test := range bare {
		if _, err := loader.Identify(test.data); err == nil || models.FormatOf(err) != test.format {
			t.Errorf("%v: %v", test.format, err)
		}
	}

	// a zero version is only rejected once the module is loaded
	if _, err := loader.NewWasmLoader(atStart(wasm.Magic, nil)); !errors.Is(err, models.ErrUnsupported) {
		t.Fatalf("wasm version 0: %v", err)
	}
	if _, err := loader.Identify(wasm.Magic[:4]); err == nil {
		t.Fatal("identified a bare wasm magic")
	}
}

func TestOpen(t *testing.T) {
	f, err := loader.Open(object(t, models.FormatElf, models.ArchX86_64))
	if err != nil {
		t.Fatal(err)
	}
	if f.Object == nil || f.Fat != nil || f.Kind != models.FileElf64 {
		t.Fatalf("open elf: %+v", f)
	}
	f, err = loader.Open(fat(t))
	if err != nil {
		t.Fatal(err)
	}
	if f.Object != nil || f.Fat == nil || len(f.Fat.Arches) != 2 {
		t.Fatalf("open fat: %+v", f)
	}
	if _, err := loader.Open([]byte("!<arch>\n")); !errors.Is(err, models.ErrUnsupported) {
		t.Fatalf("open archive: %v", err)
	}
	if !loader.MatchElf(object(t, models.FormatElf, models.ArchX86)) || loader.MatchMachO(fat(t)) {
		t.Fatal("match helpers disagree with Identify")
	}
}

func isBoundary(data []byte, n int) bool {
	if n == wasm.HeaderSize {
		return true
	}
	sections, err := wasm.Sections(data)
	if err != nil {
		return false
	}
	for _, s := range sections {
		if uint64(n) == s.Offset+s.Size {
			return true
		}
	}
	return false
}

// Every strict prefix of a valid file must fail to load, and must never
// panic. Wasm modules are valid when cut between sections.
func TestTruncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		load func([]byte) error
	}{
		{"elf64", object(t, models.FormatElf, models.ArchX86_64), func(b []byte) error {
			_, err := loader.NewElfLoader(b)
			return err
		}},
		{"elf32", object(t, models.FormatElf, models.ArchX86), func(b []byte) error {
			_, err := loader.NewElfLoader(b)
			return err
		}},
		{"macho", object(t, models.FormatMachO, models.ArchX86_64), func(b []byte) error {
			_, err := loader.NewMachOLoader(b)
			return err
		}},
		{"macho exec", machoExec(t, macho.CPU_TYPE_X86_64, macho.CPU_SUBTYPE_X86_ALL, 0), func(b []byte) error {
			_, err := loader.NewMachOLoader(b)
			return err
		}},
		{"fat", fat(t), func(b []byte) error {
			_, err := loader.OpenFat(b)
			return err
		}},
		{"coff", object(t, models.FormatCoff, models.ArchX86_64), func(b []byte) error {
			_, err := loader.NewCoffLoader(b)
			return err
		}},
		{"pe", peImage(t), func(b []byte) error {
			_, err := loader.NewCoffLoader(b)
			return err
		}},
		{"open", object(t, models.FormatElf, models.ArchX86_64), func(b []byte) error {
			_, err := loader.Open(b)
			return err
		}},
	}
	for _, test := range tests {
		for n := 0; n < len(test.data); n++ {
			if err := test.load(test.data[:n]); err == nil {
				t.Fatalf("%s: %d of %d bytes loaded", test.name, n, len(test.data))
			}
		}
		if err := test.load(test.data); err != nil {
			t.Fatalf("%s: full file: %v", test.name, err)
		}
	}

	module := wasmModule()
	for n := 0; n < len(module); n++ {
		_, err := loader.NewWasmLoader(module[:n], loader.WithModuleParser(nil))
		if err == nil && !isBoundary(module, n) {
			t.Fatalf("wasm: %d of %d bytes loaded", n, len(module))
		}
	}
}

package loader_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/steamhammer/object/go/format/macho"
	"github.com/steamhammer/object/go/format/pe"
	"github.com/steamhammer/object/go/loader"
	"github.com/steamhammer/object/go/models"
	"github.com/steamhammer/object/go/writer"
)

func TestSymbolMap(t *testing.T) {
	l, err := loader.NewElfLoader(object(t, models.FormatElf, models.ArchX86_64))
	if err != nil {
		t.Fatal(err)
	}
	m := loader.NewSymbolMap(l)
	for _, s := range m.Symbols {
		if s.Kind == models.SymbolSection || s.Kind == models.SymbolFile || !s.IsDefined() {
			t.Fatalf("unexpected symbol in map: %+v", s)
		}
	}
	tests := []struct {
		addr uint64
		name string
		off  uint64
	}{
		{0, "main", 0},
		{5, "main", 5},
		{8, "helper", 0},
		{10, "helper", 2},
	}
	for _, test := range tests {
		s, off, ok := m.Symbolicate(test.addr)
		if !ok || s.Name != test.name || off != test.off {
			t.Fatalf("%#x: got %s+%d %v, want %s+%d", test.addr, s.Name, off, ok, test.name, test.off)
		}
	}
	if s, _, ok := m.Symbolicate(11); ok {
		t.Fatalf("address past .text resolved to %s", s.Name)
	}
	helper, ok := m.Lookup("helper")
	if !ok || helper.Size != 3 {
		t.Fatalf("helper %+v", helper)
	}
	if _, ok := m.Lookup("ext"); ok {
		t.Fatal("undefined symbol in map")
	}
}

func TestHasDebugSymbols(t *testing.T) {
	plain, err := loader.NewElfLoader(object(t, models.FormatElf, models.ArchX86_64))
	if err != nil {
		t.Fatal(err)
	}
	if loader.HasDebugSymbols(plain) {
		t.Fatal("plain object reported debug symbols")
	}

	b, err := writer.New(models.FormatElf, models.ArchX86_64)
	if err != nil {
		t.Fatal(err)
	}
	link := b.AddSection("", ".gnu_debuglink", models.SectionOther)
	b.SetSectionData(link, []byte("hello.debug\x00\x00\x00\x00\x00"), 4)
	out, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	linked, err := loader.NewElfLoader(out)
	if err != nil {
		t.Fatal(err)
	}
	if !loader.HasDebugSymbols(linked) {
		t.Fatal("debug link not detected")
	}
}

func TestMapFile(t *testing.T) {
	data := object(t, models.FormatElf, models.ArchX86_64)
	path := filepath.Join(t.TempDir(), "hello.o")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := loader.MapFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(m.Bytes(), data) {
		t.Fatal("mapped contents differ")
	}
	if _, err := loader.Open(m.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if m, err = loader.MapFile(empty); err != nil {
		t.Fatal(err)
	}
	if len(m.Bytes()) != 0 || m.Close() != nil {
		t.Fatal("empty file")
	}
	if _, err := loader.MapFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("mapped a missing file")
	}
}

func TestFlags(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		flags uint64
	}{
		{"elf", object(t, models.FormatElf, models.ArchX86_64, writer.WithFlags(0x5000000)), 0x5000000},
		{"coff", object(t, models.FormatCoff, models.ArchX86_64, writer.WithFlags(pe.IMAGE_FILE_EXECUTABLE_IMAGE)),
			pe.IMAGE_FILE_EXECUTABLE_IMAGE},
		{"mach-o", object(t, models.FormatMachO, models.ArchX86_64), 0},
		{"mach-o subsections", object(t, models.FormatMachO, models.ArchX86_64, writer.WithSubsectionsViaSymbols(true)),
			uint64(macho.MH_SUBSECTIONS_VIA_SYMBOLS)},
		{"wasm", wasmModule(), 0},
	}
	for _, test := range tests {
		f, err := loader.Open(test.data)
		if err != nil {
			t.Fatalf("%s: %v", test.name, err)
		}
		if got := f.Object.Flags(); got != test.flags {
			t.Errorf("%s: flags %#x, want %#x", test.name, got, test.flags)
		}
	}
}

func TestDataRange(t *testing.T) {
	l, err := loader.NewElfLoader(object(t, models.FormatElf, models.ArchX86_64))
	if err != nil {
		t.Fatal(err)
	}
	text, _ := l.SectionByName(".text")
	tests := []struct {
		addr, size uint64
		want       []byte
		ok         bool
	}{
		{text.Addr + 8, 3, []byte{0x31, 0xc0, 0xc3}, true},
		{text.Addr, 1, []byte{0xe8}, true},
		{text.Addr + 11, 0, []byte{}, true},
		{text.Addr + 8, 4, nil, false},
		{text.Addr + 12, 0, nil, false},
		{text.Addr + 1, 1<<64 - 1, nil, false},
	}
	for _, test := range tests {
		got, ok := text.DataRange(test.addr, test.size)
		if ok != test.ok || !bytes.Equal(got, test.want) {
			t.Errorf("section %#x+%d: %x %v", test.addr, test.size, got, ok)
		}
	}

	c, err := loader.NewCoffLoader(peImage(t))
	if err != nil {
		t.Fatal(err)
	}
	for seg := range c.Segments() {
		if got, ok := seg.DataRange(seg.Addr, 1); !ok || !bytes.Equal(got, []byte{0xc3}) {
			t.Fatalf("segment start: %x %v", got, ok)
		}
		if _, ok := seg.DataRange(seg.Addr-1, 1); ok {
			t.Fatal("range below the segment")
		}
		if _, ok := seg.DataRange(seg.Addr+seg.FileSize, 1); ok {
			t.Fatal("range past the file content")
		}
	}
}

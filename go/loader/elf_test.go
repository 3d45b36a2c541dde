package loader_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/steamhammer/object/go/format/elf"
	"github.com/steamhammer/object/go/loader"
	"github.com/steamhammer/object/go/models"
	"github.com/steamhammer/object/go/writer"
)

func TestElfLoader(t *testing.T) {
	l, err := loader.NewElfLoader(object(t, models.FormatElf, models.ArchX86_64))
	if err != nil {
		t.Fatal(err)
	}
	if l.Format() != models.FormatElf || l.Arch() != models.ArchX86_64 || l.Bits() != 64 {
		t.Fatalf("header: %v %v %d", l.Format(), l.Arch(), l.Bits())
	}
	if l.Kind() != models.ObjectRelocatable {
		t.Fatalf("kind %v", l.Kind())
	}
	if _, ok := l.Entry(); ok {
		t.Fatal("relocatable reported an entry point")
	}
	text, ok := l.SectionByName(".text")
	if !ok {
		t.Fatal(".text missing")
	}
	if text.Kind != models.SectionText || text.Size != 11 || text.Align != 16 {
		t.Fatalf(".text: %+v", text)
	}
	if got, err := l.SectionByIndex(text.Index); err != nil || got.Name != ".text" {
		t.Fatalf("section %d: %+v %v", text.Index, got, err)
	}
	if _, err := l.SectionByIndex(1000); !errors.Is(err, models.ErrMalformed) && !errors.Is(err, models.ErrTruncated) {
		t.Fatalf("out of range section: %v", err)
	}

	byName := map[string]loader.Symbol{}
	for s := range l.Symbols() {
		byName[s.Name] = s
	}
	main, ok := byName["main"]
	if !ok || main.SectionIndex != text.Index || main.Binding != models.BindGlobal || main.Kind != models.SymbolText {
		t.Fatalf("main: %+v", main)
	}
	if ext := byName["ext"]; ext.IsDefined() || ext.Binding != models.BindGlobal {
		t.Fatalf("ext: %+v", ext)
	}
	if helper := byName["helper"]; helper.Address != 8 || helper.Binding != models.BindLocal {
		t.Fatalf("helper: %+v", helper)
	}

	relocs, err := text.Relocations()
	if err != nil {
		t.Fatal(err)
	}
	if len(relocs) != 1 || relocs[0].Offset != 1 || relocs[0].Addend != -4 || relocs[0].ImplicitAddend {
		t.Fatalf("text relocations: %+v", relocs)
	}
	target, err := l.SymbolByIndex(relocs[0].Target.Index)
	if err != nil || target.Name != "ext" {
		t.Fatalf("call target %+v %v", target, err)
	}
	if len(loader.NewSymbolMap(l).Symbols) == 0 {
		t.Fatal("empty symbol map")
	}
}

// compressedElf builds an object whose .debug_info is stored as payload with
// the given section flags, and a name override for GNU-style sections.
func compressedElf(t *testing.T, name string, payload []byte, flags uint64) []byte {
	b, err := writer.New(models.FormatElf, models.ArchX86_64)
	if err != nil {
		t.Fatal(err)
	}
	debug := b.AddSection("", name, models.SectionDebug)
	b.SetSectionData(debug, payload, 8)
	b.SetSectionFlags(debug, writer.SectionFlags{Format: models.FormatElf, Flags: flags})
	out, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

var debugInfo = bytes.Repeat([]byte("dwarf debug info "), 64)

func zlibBytes(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func chdr(t *testing.T, typ uint32, size uint64, payload []byte) []byte {
	var buf bytes.Buffer
	if err := models.LittleEndian.Pack(&buf, &elf.Chdr64{Type: typ, Size: size, Addralign: 1}); err != nil {
		t.Fatal(err)
	}
	buf.Write(payload)
	return buf.Bytes()
}

func gnuZlib(t *testing.T, data []byte) []byte {
	out := []byte("ZLIB")
	out = models.BigEndian.AppendUint64(out, uint64(len(data)))
	return append(out, zlibBytes(t, data)...)
}

func TestElfCompressed(t *testing.T) {
	tests := []struct {
		name   string
		object []byte
		format models.CompressionFormat
	}{
		{"zlib", compressedElf(t, ".debug_info", chdr(t, elf.ELFCOMPRESS_ZLIB, uint64(len(debugInfo)), zlibBytes(t, debugInfo)), elf.SHF_COMPRESSED), models.CompressionZlib},
		{"zstd", compressedElf(t, ".debug_info", chdr(t, elf.ELFCOMPRESS_ZSTD, uint64(len(debugInfo)), zstdBytes(t, debugInfo)), elf.SHF_COMPRESSED), models.CompressionZstd},
		{"gnu", compressedElf(t, ".zdebug_info", gnuZlib(t, debugInfo), 0), models.CompressionZlib},
	}
	for _, test := range tests {
		l, err := loader.NewElfLoader(test.object)
		if err != nil {
			t.Fatalf("%s: %v", test.name, err)
		}
		s, ok := l.SectionByName(".debug_info")
		if !ok {
			t.Fatalf("%s: .debug_info not found", test.name)
		}
		c, err := s.Compressed()
		if err != nil {
			t.Fatalf("%s: %v", test.name, err)
		}
		if c.Format != test.format || c.UncompressedSize != uint64(len(debugInfo)) {
			t.Fatalf("%s: compressed %v size %d", test.name, c.Format, c.UncompressedSize)
		}
		out, err := s.UncompressedData()
		if err != nil {
			t.Fatalf("%s: %v", test.name, err)
		}
		if !bytes.Equal(out, debugInfo) {
			t.Fatalf("%s: decompressed content differs", test.name)
		}
		if !loader.HasDebugSymbols(l) {
			t.Fatalf("%s: debug info not detected", test.name)
		}
	}
}

func TestElfCompressedErrors(t *testing.T) {
	good := compressedElf(t, ".debug_info", chdr(t, elf.ELFCOMPRESS_ZLIB, uint64(len(debugInfo)), zlibBytes(t, debugInfo)), elf.SHF_COMPRESSED)
	l, err := loader.NewElfLoader(good, loader.WithDecompressor(nil))
	if err != nil {
		t.Fatal(err)
	}
	s, _ := l.SectionByName(".debug_info")
	if _, err := s.UncompressedData(); !errors.Is(err, models.ErrUnsupported) {
		t.Fatalf("no decompressor: %v", err)
	}

	corrupt := compressedElf(t, ".debug_info", chdr(t, elf.ELFCOMPRESS_ZLIB, uint64(len(debugInfo)), []byte("not zlib at all")), elf.SHF_COMPRESSED)
	if l, err = loader.NewElfLoader(corrupt); err != nil {
		t.Fatal(err)
	}
	s, _ = l.SectionByName(".debug_info")
	if _, err := s.UncompressedData(); !errors.Is(err, models.ErrMalformed) {
		t.Fatalf("corrupt stream: %v", err)
	}

	short := compressedElf(t, ".debug_info", chdr(t, elf.ELFCOMPRESS_ZLIB, uint64(len(debugInfo))+1, zlibBytes(t, debugInfo)), elf.SHF_COMPRESSED)
	if l, err = loader.NewElfLoader(short); err != nil {
		t.Fatal(err)
	}
	s, _ = l.SectionByName(".debug_info")
	if _, err := s.UncompressedData(); !errors.Is(err, models.ErrMalformed) {
		t.Fatalf("size mismatch: %v", err)
	}

	unknown := compressedElf(t, ".debug_info", chdr(t, 0x99, 4, []byte{1, 2, 3, 4}), elf.SHF_COMPRESSED)
	if l, err = loader.NewElfLoader(unknown); err != nil {
		t.Fatal(err)
	}
	s, _ = l.SectionByName(".debug_info")
	if _, err := s.UncompressedData(); !errors.Is(err, models.ErrUnsupported) {
		t.Fatalf("unknown compression: %v", err)
	}

	headless := compressedElf(t, ".debug_info", []byte{1, 2, 3}, elf.SHF_COMPRESSED)
	if l, err = loader.NewElfLoader(headless); err != nil {
		t.Fatal(err)
	}
	s, _ = l.SectionByName(".debug_info")
	if _, err := s.Compressed(); !errors.Is(err, models.ErrMalformed) {
		t.Fatalf("short header: %v", err)
	}
}

func TestElfBuildID(t *testing.T) {
	b, err := writer.New(models.FormatElf, models.ArchArm64)
	if err != nil {
		t.Fatal(err)
	}
	e := models.LittleEndian
	var note []byte
	note = e.AppendUint32(note, 4)
	note = e.AppendUint32(note, 4)
	note = e.AppendUint32(note, elf.NT_GNU_BUILD_ID)
	note = append(note, "GNU\x00"...)
	note = append(note, 0xde, 0xad, 0xbe, 0xef)
	id := b.AddSection("", ".note.gnu.build-id", models.SectionNote)
	b.SetSectionData(id, note, 4)
	out, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	l, err := loader.NewElfLoader(out)
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := l.BuildID()
	if err != nil || !ok || !bytes.Equal(got, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("build id %x %v %v", got, ok, err)
	}
	if s, ok := l.SectionByName(".note.gnu.build-id"); !ok || s.Kind != models.SectionNote {
		t.Fatalf("note section %+v", s)
	}

	plain, err := loader.NewElfLoader(object(t, models.FormatElf, models.ArchX86_64))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := plain.BuildID(); ok || err != nil {
		t.Fatalf("build id without a note: %v %v", ok, err)
	}
}

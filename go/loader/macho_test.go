package loader_test

import (
	"testing"

	"github.com/steamhammer/object/go/format/macho"
	"github.com/steamhammer/object/go/loader"
	"github.com/steamhammer/object/go/models"
	"github.com/steamhammer/object/go/writer"
)

func TestFatMachO(t *testing.T) {
	f, err := loader.OpenFat(fat(t))
	if err != nil {
		t.Fatal(err)
	}
	if f.Magic != macho.MagicFat || len(f.Arches) != 2 {
		t.Fatalf("fat header: %#x with %d arches", f.Magic, len(f.Arches))
	}
	tests := []struct {
		arch  models.Arch
		entry uint64
	}{
		{models.ArchX86_64, machoTextAddr + 0x100},
		{models.ArchArm64, machoTextAddr + 0x200},
	}
	for _, test := range tests {
		slice, ok := f.Find(test.arch)
		if !ok {
			t.Fatalf("%v slice missing", test.arch)
		}
		if slice.Offset%(1<<slice.Align) != 0 || uint64(len(slice.Data())) != slice.Size {
			t.Fatalf("%v slice placement: %+v", test.arch, slice)
		}
		m, err := slice.Open()
		if err != nil {
			t.Fatalf("%v: %v", test.arch, err)
		}
		if m.Arch() != test.arch || m.Kind() != models.ObjectExecutable || m.Bits() != 64 {
			t.Fatalf("%v: opened as %v %v", test.arch, m.Arch(), m.Kind())
		}
		if entry, ok := m.Entry(); !ok || entry != test.entry {
			t.Fatalf("%v: entry %#x %v", test.arch, entry, ok)
		}

		var main loader.Symbol
		for s := range m.Symbols() {
			if s.Name == "_main" {
				main = s
			}
		}
		text, ok := m.SectionByName("__text")
		if !ok || text.Segment != "__TEXT" || text.Kind != models.SectionText {
			t.Fatalf("%v: __text %+v", test.arch, text)
		}
		if main.Name == "" || main.SectionIndex != text.Index || main.Address != text.Addr || main.Binding != models.BindGlobal {
			t.Fatalf("%v: _main %+v", test.arch, main)
		}

		var segs []loader.Segment
		for s := range m.Segments() {
			segs = append(segs, s)
		}
		if len(segs) != 1 || segs[0].Name != "__TEXT" || segs[0].Addr != machoTextAddr ||
			segs[0].Prot != models.PROT_READ|models.PROT_EXEC {
			t.Fatalf("%v: segments %+v", test.arch, segs)
		}
		if _, ok := m.UUID(); ok {
			t.Fatalf("%v: uuid without LC_UUID", test.arch)
		}
	}
	if _, ok := f.Find(models.ArchPpc); ok {
		t.Fatal("found a ppc slice")
	}
}

func TestMachOObject(t *testing.T) {
	m, err := loader.NewMachOLoader(object(t, models.FormatMachO, models.ArchX86_64, writer.WithMangling(models.ManglingC)))
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind() != models.ObjectRelocatable {
		t.Fatalf("kind %v", m.Kind())
	}
	if cpu, _ := m.Cpu(); cpu != macho.CPU_TYPE_X86_64 {
		t.Fatalf("cpu %#x", cpu)
	}
	text, ok := m.SectionByName("__text")
	if !ok {
		t.Fatal("__text missing")
	}
	relocs, err := text.Relocations()
	if err != nil {
		t.Fatal(err)
	}
	if len(relocs) != 1 {
		t.Fatalf("relocations %+v", relocs)
	}
	r := relocs[0]
	if r.Offset != 1 || r.Kind != models.RelocRelative || r.Encoding != models.EncodingX86Branch ||
		r.Size != 32 || r.Addend != -4 || !r.ImplicitAddend {
		t.Fatalf("call relocation %+v", r)
	}
	target, err := m.SymbolByIndex(r.Target.Index)
	if err != nil || target.Name != "_ext" || target.IsDefined() {
		t.Fatalf("call target %+v %v", target, err)
	}

	syms := loader.NewSymbolMap(m)
	main, ok := syms.Lookup("_main")
	if !ok {
		t.Fatal("_main missing from symbol map")
	}
	// _main has no size in the symbol table and ends where _helper starts.
	if main.Size != 8 {
		t.Fatalf("_main size %d", main.Size)
	}
	if s, off, ok := syms.Symbolicate(main.Address + 9); !ok || s.Name != "_helper" || off != 1 {
		t.Fatalf("symbolicate: %+v %d %v", s, off, ok)
	}
}

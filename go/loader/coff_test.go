package loader_test

import (
	"testing"

	"github.com/steamhammer/object/go/format/pe"
	"github.com/steamhammer/object/go/loader"
	"github.com/steamhammer/object/go/models"
)

func TestPEImage(t *testing.T) {
	c, err := loader.NewCoffLoader(peImage(t))
	if err != nil {
		t.Fatal(err)
	}
	if c.Format() != models.FormatPe || c.Arch() != models.ArchX86_64 || c.Bits() != 64 {
		t.Fatalf("header: %v %v %d", c.Format(), c.Arch(), c.Bits())
	}
	if !c.IsPE() || c.ImageBase() != peImageBase || c.Kind() != models.ObjectExecutable {
		t.Fatalf("image: pe=%v base=%#x kind=%v", c.IsPE(), c.ImageBase(), c.Kind())
	}
	if entry, ok := c.Entry(); !ok || entry != peImageBase+peTextRVA {
		t.Fatalf("entry %#x %v", entry, ok)
	}
	text, ok := c.SectionByName(".text")
	if !ok {
		t.Fatal(".text missing")
	}
	if text.Addr != peImageBase+peTextRVA || text.Size != 1 || text.Align != 0x1000 || text.Kind != models.SectionText {
		t.Fatalf(".text %+v", text)
	}
	if data := text.Data(); len(data) != 1 || data[0] != 0xc3 {
		t.Fatalf(".text data %x", data)
	}
	var segs []loader.Segment
	for s := range c.Segments() {
		segs = append(segs, s)
	}
	if len(segs) != 1 || segs[0].Addr != text.Addr || segs[0].FileSize != 0x200 ||
		segs[0].Prot != models.PROT_READ|models.PROT_EXEC {
		t.Fatalf("segments %+v", segs)
	}
	if c.Machine() != pe.IMAGE_FILE_MACHINE_AMD64 {
		t.Fatalf("machine %#x", c.Machine())
	}
}

func TestCoffObject(t *testing.T) {
	c, err := loader.NewCoffLoader(object(t, models.FormatCoff, models.ArchX86))
	if err != nil {
		t.Fatal(err)
	}
	if c.IsPE() || c.ImageBase() != 0 || c.Kind() != models.ObjectRelocatable || c.Bits() != 32 {
		t.Fatalf("object: pe=%v kind=%v bits=%d", c.IsPE(), c.Kind(), c.Bits())
	}
	for range c.Segments() {
		t.Fatal("COFF object has segments")
	}
	text, ok := c.SectionByName(".text")
	if !ok {
		t.Fatal(".text missing")
	}
	relocs, err := text.Relocations()
	if err != nil {
		t.Fatal(err)
	}
	if len(relocs) != 1 {
		t.Fatalf("relocations %+v", relocs)
	}
	r := relocs[0]
	if r.Offset != 1 || r.Kind != models.RelocRelative || r.Size != 32 || r.Addend != -4 || !r.ImplicitAddend {
		t.Fatalf("call relocation %+v", r)
	}
	target, err := c.SymbolByIndex(r.Target.Index)
	if err != nil || target.Name != "ext" || target.IsDefined() {
		t.Fatalf("call target %+v %v", target, err)
	}

	data, _ := c.SectionByName(".data")
	relocs, err = data.Relocations()
	if err != nil {
		t.Fatal(err)
	}
	if len(relocs) != 1 || relocs[0].Kind != models.RelocAbsolute || relocs[0].Size != 32 || relocs[0].Addend != 0 {
		t.Fatalf("data relocations %+v", relocs)
	}

	m := loader.NewSymbolMap(c)
	if s, off, ok := m.Symbolicate(text.Addr + 9); !ok || s.Name != "helper" || off != 1 {
		t.Fatalf("symbolicate %+v %d %v", s, off, ok)
	}
	if _, ok := m.Lookup(".text"); ok {
		t.Fatal("section symbol in symbol map")
	}
}

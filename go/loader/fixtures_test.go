package loader_test

import (
	"bytes"
	"testing"

	"github.com/steamhammer/object/go/format/macho"
	"github.com/steamhammer/object/go/format/pe"
	"github.com/steamhammer/object/go/format/wasm"
	"github.com/steamhammer/object/go/models"
	"github.com/steamhammer/object/go/writer"
)

// object builds a relocatable with a two-function .text, data pointing at
// main and a call to an undefined symbol.
func object(t *testing.T, format models.Format, arch models.Arch, opts ...writer.Option) []byte {
	b, err := writer.New(format, arch, opts...)
	if err != nil {
		t.Fatal(err)
	}
	text := b.AddStandardSection(writer.StandardText)
	data := b.AddStandardSection(writer.StandardData)
	b.AppendSectionData(text, []byte{0xe8, 0, 0, 0, 0, 0xc3, 0x90, 0x90, 0x31, 0xc0, 0xc3}, 16)
	width := arch.Bits() / 8
	b.AppendSectionData(data, make([]byte, width), uint64(width))
	main := b.AddSymbol(writer.Symbol{Name: "main", Kind: models.SymbolText,
		Binding: models.BindGlobal, Placement: models.PlaceSection, Section: text})
	b.AddSymbol(writer.Symbol{Name: "helper", Value: 8, Kind: models.SymbolText,
		Binding: models.BindLocal, Placement: models.PlaceSection, Section: text})
	ext := b.AddSymbol(writer.Symbol{Name: "ext", Binding: models.BindGlobal})
	b.AddRelocation(text, writer.Relocation{Offset: 1, Symbol: ext, Kind: models.RelocRelative,
		Encoding: models.EncodingX86Branch, Size: 32, Addend: -4})
	b.AddRelocation(data, writer.Relocation{Symbol: main, Kind: models.RelocAbsolute, Size: uint8(arch.Bits())})
	out, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func pack(t *testing.T, buf *bytes.Buffer, vs ...interface{}) {
	for _, v := range vs {
		raw, err := pe.Pack(v)
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(raw)
	}
}

const (
	peImageBase = 0x140000000
	peTextRVA   = 0x1000
)

// peImage is a PE32+ executable with one .text section holding "ret".
func peImage(t *testing.T) []byte {
	var buf bytes.Buffer
	pack(t, &buf, &pe.DosHeader{Magic: pe.DosMagic, Lfanew: 0x40})
	buf.WriteString("PE\x00\x00")
	optSize := uint16(112 + 16*8)
	pack(t, &buf, &pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     1,
		SizeOfOptionalHeader: optSize,
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE,
	})
	pack(t, &buf, &pe.OptionalHeader64{
		Magic:               pe.Pe32PlusMagic,
		AddressOfEntryPoint: peTextRVA,
		ImageBase:           peImageBase,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         0x2000,
		SizeOfHeaders:       0x200,
		NumberOfRvaAndSizes: 16,
	})
	buf.Write(make([]byte, 16*8))
	name, _ := pe.InlineSymbolName(".text")
	pack(t, &buf, &pe.RawSectionHeader{
		Name:             name,
		VirtualSize:      1,
		VirtualAddress:   peTextRVA,
		SizeOfRawData:    0x200,
		PointerToRawData: 0x200,
		Characteristics:  pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
	})
	buf.Write(make([]byte, 0x200-buf.Len()))
	text := make([]byte, 0x200)
	text[0] = 0xc3
	buf.Write(text)
	return buf.Bytes()
}

// wasmModule imports env.log, exports run and memory, and starts at run.
func wasmModule(custom ...string) []byte {
	buf := wasm.Header()
	buf = wasm.AppendSection(buf, wasm.SectionType, []byte{1, 0x60, 0, 0})

	imp := wasm.AppendU32(nil, 1)
	imp = wasm.AppendName(imp, "env")
	imp = wasm.AppendName(imp, "log")
	imp = append(imp, wasm.ExternFunc, 0)
	buf = wasm.AppendSection(buf, wasm.SectionImport, imp)

	buf = wasm.AppendSection(buf, wasm.SectionFunction, []byte{1, 0})
	buf = wasm.AppendSection(buf, wasm.SectionMemory, []byte{1, 1, 1, 2})

	exp := wasm.AppendU32(nil, 2)
	exp = wasm.AppendName(exp, "run")
	exp = append(exp, wasm.ExternFunc, 1)
	exp = wasm.AppendName(exp, "memory")
	exp = append(exp, wasm.ExternMemory, 0)
	buf = wasm.AppendSection(buf, wasm.SectionExport, exp)

	buf = wasm.AppendSection(buf, wasm.SectionStart, wasm.AppendU32(nil, 1))
	buf = wasm.AppendSection(buf, wasm.SectionCode, []byte{1, 2, 0, 0x0b})
	for _, name := range custom {
		buf = wasm.AppendSection(buf, wasm.SectionCustom, wasm.AppendName(nil, name))
	}
	return buf
}

const machoTextAddr = 0x100000000

// machoExec is an MH_EXECUTE with a __TEXT segment, one __text section, a
// _main symbol and LC_MAIN.
func machoExec(t *testing.T, cpu, sub uint32, entryoff uint64) []byte {
	e := models.LittleEndian
	enc := macho.Encoder{Is64: true, Endian: e}
	text := []byte{0xc3, 0x90, 0x90, 0x90}
	strtab := []byte("\x00_main\x00")
	const mainSize = 24
	cmdsz := enc.SegmentSize() + enc.SectionSize() + macho.SymtabSize + mainSize
	textOff := enc.HeaderSize() + cmdsz
	symOff := textOff + uint64(len(text))
	strOff := symOff + enc.NlistSize()
	end := strOff + uint64(len(strtab))

	var buf bytes.Buffer
	write := func(b []byte, err error) {
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(b)
	}
	write(enc.Header(&macho.FileHeader{Cpu: cpu, SubCpu: sub, Type: macho.MH_EXECUTE, Ncmd: 3, Cmdsz: uint32(cmdsz)}))
	write(enc.Segment(&macho.Segment{Name: "__TEXT", Addr: machoTextAddr, Memsz: 0x1000, Filesz: end,
		Maxprot: macho.VM_PROT_READ | macho.VM_PROT_EXECUTE, Prot: macho.VM_PROT_READ | macho.VM_PROT_EXECUTE}, 1))
	write(enc.Section(&macho.Section{Name: "__text", Seg: "__TEXT", Addr: machoTextAddr + textOff,
		Size: uint64(len(text)), Offset: uint32(textOff), Flags: macho.S_ATTR_PURE_INSTRUCTIONS}))
	write(enc.Symtab(&macho.SymtabCommand{Symoff: uint32(symOff), Nsyms: 1, Stroff: uint32(strOff), Strsize: uint32(len(strtab))}))
	if err := e.Pack(&buf, &macho.EntryPointCommand{Cmd: macho.LC_MAIN, Len: mainSize, Entryoff: entryoff}); err != nil {
		t.Fatal(err)
	}
	buf.Write(text)
	write(enc.Nlist(&macho.Nlist{Name: 1, Type: macho.N_SECT | macho.N_EXT, Sect: 1, Value: machoTextAddr + textOff}))
	buf.Write(strtab)
	return buf.Bytes()
}

// fat wraps an x86_64 and an arm64 executable.
func fat(t *testing.T) []byte {
	out, err := macho.BuildFat([]macho.FatSlice{
		{Cpu: macho.CPU_TYPE_X86_64, SubCpu: macho.CPU_SUBTYPE_X86_ALL, Data: machoExec(t, macho.CPU_TYPE_X86_64, macho.CPU_SUBTYPE_X86_ALL, 0x100)},
		{Cpu: macho.CPU_TYPE_ARM64, SubCpu: macho.CPU_SUBTYPE_ARM64_ALL, Data: machoExec(t, macho.CPU_TYPE_ARM64, macho.CPU_SUBTYPE_ARM64_ALL, 0x200)},
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

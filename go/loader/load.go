// Package loader identifies object files and reads them through one
// format-independent interface.
package loader

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/steamhammer/object/go/format/elf"
	"github.com/steamhammer/object/go/format/macho"
	"github.com/steamhammer/object/go/format/pe"
	"github.com/steamhammer/object/go/format/wasm"
	"github.com/steamhammer/object/go/models"
)

var (
	archiveMagic     = []byte("!<arch>\n")
	thinArchiveMagic = []byte("!<thin>\n")
	mzMagic          = []byte("MZ")
)

// Ident is what the dispatcher learns from the leading bytes of a file.
type Ident struct {
	Kind   models.FileKind
	Bits   int
	Endian models.Endian
}

// prefixOfMagic reports whether data is a strict prefix of a signature.
func prefixOfMagic(data []byte) bool {
	magics := [][]byte{elf.Magic[:], mzMagic, wasm.Magic, archiveMagic, thinArchiveMagic,
		{0xfe, 0xed, 0xfa, 0xce}, {0xfe, 0xed, 0xfa, 0xcf}, {0xce, 0xfa, 0xed, 0xfe},
		{0xcf, 0xfa, 0xed, 0xfe}, {0xca, 0xfe, 0xba, 0xbe}, {0xca, 0xfe, 0xba, 0xbf}}
	for _, m := range magics {
		if len(data) < len(m) && bytes.HasPrefix(m, data) {
			return true
		}
	}
	return false
}

// maxFatArches separates fat headers from Java class files, which share the
// magic but carry a version number in the same place.
const maxFatArches = 30

// Identify inspects the leading bytes of data. Signatures are tried in a
// fixed order: ELF, thin Mach-O, fat Mach-O, PE, Wasm, archive, bare COFF.
//
// A Mach-O or Wasm magic followed by zeroes is enough to pick the kind. ELF
// also needs a valid EI_CLASS and EI_DATA, and a PE image needs e_lfanew
// pointing at "PE\0\0" followed by the optional header magic. When those
// bytes are missing the error still names the format; see models.FormatOf.
func Identify(data []byte) (Ident, error) {
	if len(data) == 0 || prefixOfMagic(data) {
		return Ident{}, models.Truncated(models.FormatUnknown, "%d bytes are too short to identify", len(data))
	}
	switch {
	case bytes.HasPrefix(data, elf.Magic[:]):
		class, endian, err := elf.Ident(data)
		if err != nil {
			return Ident{}, err
		}
		if uint64(len(data)) < class.HeaderSize() {
			return Ident{}, models.Truncated(models.FormatElf, "%d byte file is shorter than its header", len(data))
		}
		id := Ident{Kind: models.FileElf32, Bits: 32, Endian: endian}
		if class == elf.Class64 {
			id.Kind, id.Bits = models.FileElf64, 64
		}
		return id, nil
	case matchMachO(data):
		is64, endian, err := macho.Ident(data)
		if err != nil {
			return Ident{}, err
		}
		id := Ident{Kind: models.FileMachO32, Bits: 32, Endian: endian}
		size := macho.Encoder{Is64: is64}.HeaderSize()
		if is64 {
			id.Kind, id.Bits = models.FileMachO64, 64
		}
		if uint64(len(data)) < size {
			return Ident{}, models.Truncated(models.FormatMachO, "%d byte file is shorter than its header", len(data))
		}
		return id, nil
	case macho.IsFat(data):
		narch, err := models.BigEndian.Uint32(data, 4)
		if err != nil {
			return Ident{}, models.Truncated(models.FormatMachO, "fat header")
		}
		if narch > maxFatArches {
			break
		}
		magic, _ := models.BigEndian.Uint32(data, 0)
		id := Ident{Kind: models.FileMachOFat32, Bits: 32, Endian: models.BigEndian}
		if magic == macho.MagicFat64 {
			id.Kind, id.Bits = models.FileMachOFat64, 64
		}
		return id, nil
	case bytes.HasPrefix(data, mzMagic):
		off, ok, err := pe.PEHeaderOffset(data)
		if err != nil {
			return Ident{}, err
		}
		if !ok {
			return Ident{}, models.Unrecognized(models.FormatPe, "MZ stub does not lead to a PE signature")
		}
		magic, err := models.LittleEndian.Uint16(data, off+pe.FileHeaderSize)
		if err != nil {
			return Ident{}, models.Truncated(models.FormatPe, "optional header magic")
		}
		switch magic {
		case pe.Pe32Magic:
			return Ident{Kind: models.FilePe32, Bits: 32, Endian: models.LittleEndian}, nil
		case pe.Pe32PlusMagic:
			return Ident{Kind: models.FilePe64, Bits: 64, Endian: models.LittleEndian}, nil
		}
		return Ident{}, models.Unsupported(models.FormatPe, "optional header magic %#x", magic)
	case bytes.HasPrefix(data, wasm.Magic):
		// the version is checked when the module is loaded
		if len(data) < wasm.HeaderSize {
			return Ident{}, models.Truncated(models.FormatWasm, "%d byte module is shorter than its header", len(data))
		}
		return Ident{Kind: models.FileWasm, Bits: 32, Endian: models.LittleEndian}, nil
	case bytes.HasPrefix(data, archiveMagic), bytes.HasPrefix(data, thinArchiveMagic):
		return Ident{Kind: models.FileArchive}, nil
	}
	if id, ok, err := matchCoff(data); ok || err != nil {
		return id, err
	}
	return Ident{}, models.Unrecognized(models.FormatUnknown, "no known signature")
}

func matchMachO(data []byte) bool {
	m, err := models.BigEndian.Uint32(data, 0)
	if err != nil {
		return false
	}
	switch m {
	case macho.Magic32, macho.Magic64, macho.Cigam32, macho.Cigam64:
		return true
	}
	return false
}

// matchCoff recognizes a bare COFF object by a known machine, an empty
// optional header and a section table that fits the buffer.
func matchCoff(data []byte) (Ident, bool, error) {
	machine, err := models.LittleEndian.Uint16(data, 0)
	if err != nil {
		return Ident{}, false, nil
	}
	arch, known := pe.Machines[machine]
	if !known {
		return Ident{}, false, nil
	}
	if len(data) < pe.FileHeaderSize {
		return Ident{}, false, models.Truncated(models.FormatCoff, "%d byte file is shorter than a COFF header", len(data))
	}
	nsect, _ := models.LittleEndian.Uint16(data, 2)
	optSize, _ := models.LittleEndian.Uint16(data, 16)
	if optSize != 0 || uint64(nsect)*pe.SectionHeaderSize > uint64(len(data)-pe.FileHeaderSize) {
		return Ident{}, false, nil
	}
	return Ident{Kind: models.FileCoff, Bits: arch.Bits(), Endian: models.LittleEndian}, true, nil
}

// File is the result of Open: exactly one of Object and Fat is set.
type File struct {
	Ident
	Object Object
	Fat    *FatFile
}

// Open identifies data and parses it with the matching loader. The returned
// objects borrow data.
func Open(data []byte, opts ...Option) (*File, error) {
	id, err := Identify(data)
	if err != nil {
		return nil, err
	}
	cfg := newConfig(opts)
	cfg.logger.Debug("identified file", zap.Stringer("kind", id.Kind), zap.Int("size", len(data)))
	f := &File{Ident: id}
	switch id.Kind {
	case models.FileElf32, models.FileElf64:
		f.Object, err = newElfLoader(data, cfg)
	case models.FileMachO32, models.FileMachO64:
		f.Object, err = newMachOLoader(data, cfg)
	case models.FileMachOFat32, models.FileMachOFat64:
		f.Fat, err = openFat(data, cfg)
	case models.FileCoff, models.FilePe32, models.FilePe64:
		f.Object, err = newCoffLoader(data, cfg)
	case models.FileWasm:
		f.Object, err = newWasmLoader(data, cfg)
	default:
		return nil, models.Unsupported(id.Kind.Format(), "%v files cannot be opened as objects", id.Kind)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Package wasm frames a WebAssembly binary module into its sections and
// decodes the few payloads the object model exposes directly (custom section
// names, exports and the start function). Everything else is left to a full
// module parser.
package wasm

import (
	"bytes"
	"unicode/utf8"

	"github.com/steamhammer/object/go/models"
)

var Magic = []byte{0, 'a', 's', 'm'}

const (
	Version    = 1
	HeaderSize = 8
)

// Section ids.
const (
	SectionCustom    = 0
	SectionType      = 1
	SectionImport    = 2
	SectionFunction  = 3
	SectionTable     = 4
	SectionMemory    = 5
	SectionGlobal    = 6
	SectionExport    = 7
	SectionStart     = 8
	SectionElement   = 9
	SectionCode      = 10
	SectionData      = 11
	SectionDataCount = 12
	SectionTag       = 13
)

var sectionNames = map[uint8]string{
	SectionType:      "<type>",
	SectionImport:    "<import>",
	SectionFunction:  "<function>",
	SectionTable:     "<table>",
	SectionMemory:    "<memory>",
	SectionGlobal:    "<global>",
	SectionExport:    "<export>",
	SectionStart:     "<start>",
	SectionElement:   "<element>",
	SectionCode:      "<code>",
	SectionData:      "<data>",
	SectionDataCount: "<data_count>",
	SectionTag:       "<tag>",
}

// External kinds used by imports and exports.
const (
	ExternFunc   = 0
	ExternTable  = 1
	ExternMemory = 2
	ExternGlobal = 3
	ExternTag    = 4
)

func truncated(detail string, args ...interface{}) error {
	return models.Truncated(models.FormatWasm, detail, args...)
}

func malformed(detail string, args ...interface{}) error {
	return models.Malformed(models.FormatWasm, detail, args...)
}

// Reader decodes LEB128 and length-prefixed values from a byte slice,
// tracking its position.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Position() int { return r.pos }
func (r *Reader) Len() int      { return len(r.buf) - r.pos }

func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, truncated("byte at %#x", r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// ReadU32 reads an unsigned LEB128 value of at most 5 bytes.
func (r *Reader) ReadU32() (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if shift == 28 && b&0x70 != 0 {
			return 0, malformed("u32 leb128 at %#x overflows", r.pos-1)
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, malformed("u32 leb128 at %#x longer than 5 bytes", r.pos-1)
		}
	}
}

func (r *Reader) ReadBytes(n uint32) ([]byte, error) {
	if uint64(n) > uint64(r.Len()) {
		return nil, truncated("%d bytes at %#x", n, r.pos)
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// ReadName reads a length-prefixed UTF-8 string.
func (r *Reader) ReadName() (string, error) {
	n, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	b, err := r.ReadBytes(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", malformed("name at %#x is not UTF-8", r.pos-int(n))
	}
	return string(b), nil
}

func AppendU32(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

func AppendName(buf []byte, name string) []byte {
	buf = AppendU32(buf, uint32(len(name)))
	return append(buf, name...)
}

// AppendSection frames payload as section id.
func AppendSection(buf []byte, id uint8, payload []byte) []byte {
	buf = append(buf, id)
	buf = AppendU32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

// Header returns the 8-byte module preamble.
func Header() []byte {
	return []byte{0, 'a', 's', 'm', Version, 0, 0, 0}
}

type Section struct {
	ID   uint8
	Name string
	// Offset and Size locate the payload; for custom sections the payload
	// starts after the name.
	Offset uint64
	Size   uint64
}

// Ident checks the module preamble.
func Ident(data []byte) error {
	if len(data) < HeaderSize {
		if bytes.HasPrefix(Magic, data) || bytes.HasPrefix(data, Magic) {
			return truncated("%d byte module is shorter than its header", len(data))
		}
		return models.Unrecognized(models.FormatWasm, "bad magic")
	}
	if !bytes.Equal(data[:4], Magic) {
		return models.Unrecognized(models.FormatWasm, "bad magic")
	}
	v, _ := models.LittleEndian.Uint32(data, 4)
	if v != Version {
		return models.Unsupported(models.FormatWasm, "version %d", v)
	}
	return nil
}

// Sections walks the section framing of a module.
func Sections(data []byte) ([]Section, error) {
	if err := Ident(data); err != nil {
		return nil, err
	}
	var out []Section
	r := NewReader(data)
	r.pos = HeaderSize
	for r.Len() > 0 {
		id, _ := r.ReadByte()
		size, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		start := r.Position()
		payload, err := r.ReadBytes(size)
		if err != nil {
			return nil, err
		}
		s := Section{ID: id, Offset: uint64(start), Size: uint64(size)}
		if id == SectionCustom {
			pr := NewReader(payload)
			name, err := pr.ReadName()
			if err != nil {
				return nil, models.WrapMalformed(models.FormatWasm, err, "custom section at %#x", start)
			}
			s.Name = name
			s.Offset += uint64(pr.Position())
			s.Size -= uint64(pr.Position())
		} else if n, ok := sectionNames[id]; ok {
			s.Name = n
		} else {
			return nil, malformed("unknown section id %d at %#x", id, start)
		}
		out = append(out, s)
	}
	return out, nil
}

type Export struct {
	Name  string
	Kind  uint8
	Index uint32
}

// Exports decodes an export section payload in on-disk order.
func Exports(payload []byte) ([]Export, error) {
	r := NewReader(payload)
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(len(payload)) {
		return nil, malformed("%d exports in a %d byte section", n, len(payload))
	}
	out := make([]Export, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := r.ReadName()
		if err != nil {
			return nil, err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		idx, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		out = append(out, Export{Name: name, Kind: kind, Index: idx})
	}
	return out, nil
}

// Start decodes a start section payload.
func Start(payload []byte) (uint32, error) {
	return NewReader(payload).ReadU32()
}

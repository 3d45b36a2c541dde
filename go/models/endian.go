package models

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
)

// Endian is the byte order of a parsed or built object. It is a property of
// the file, so it is carried as a value and consulted on every field access.
type Endian uint8

const (
	LittleEndian Endian = iota
	BigEndian
)

func (e Endian) String() string {
	if e == BigEndian {
		return "big"
	}
	return "little"
}

func (e Endian) ByteOrder() binary.ByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// EndianOf maps a binary.ByteOrder back to an Endian.
func EndianOf(order binary.ByteOrder) Endian {
	if order == binary.BigEndian {
		return BigEndian
	}
	return LittleEndian
}

func inRange(buf []byte, off uint64, size uint64) bool {
	end := off + size
	return end >= off && end <= uint64(len(buf))
}

func (e Endian) Uint16(buf []byte, off uint64) (uint16, error) {
	if !inRange(buf, off, 2) {
		return 0, Truncated(FormatUnknown, "u16 at %#x past end of %#x byte buffer", off, len(buf))
	}
	return e.ByteOrder().Uint16(buf[off:]), nil
}

func (e Endian) Uint32(buf []byte, off uint64) (uint32, error) {
	if !inRange(buf, off, 4) {
		return 0, Truncated(FormatUnknown, "u32 at %#x past end of %#x byte buffer", off, len(buf))
	}
	return e.ByteOrder().Uint32(buf[off:]), nil
}

func (e Endian) Uint64(buf []byte, off uint64) (uint64, error) {
	if !inRange(buf, off, 8) {
		return 0, Truncated(FormatUnknown, "u64 at %#x past end of %#x byte buffer", off, len(buf))
	}
	return e.ByteOrder().Uint64(buf[off:]), nil
}

// Uint reads a 1, 2, 4 or 8 byte unsigned value.
func (e Endian) Uint(buf []byte, off uint64, size int) (uint64, error) {
	switch size {
	case 1:
		if !inRange(buf, off, 1) {
			return 0, Truncated(FormatUnknown, "u8 at %#x past end of %#x byte buffer", off, len(buf))
		}
		return uint64(buf[off]), nil
	case 2:
		v, err := e.Uint16(buf, off)
		return uint64(v), err
	case 4:
		v, err := e.Uint32(buf, off)
		return uint64(v), err
	case 8:
		return e.Uint64(buf, off)
	}
	return 0, Malformed(FormatUnknown, "unsupported scalar width %d", size)
}

func (e Endian) PutUint16(buf []byte, off uint64, v uint16) error {
	if !inRange(buf, off, 2) {
		return Truncated(FormatUnknown, "u16 store at %#x past end of %#x byte buffer", off, len(buf))
	}
	e.ByteOrder().PutUint16(buf[off:], v)
	return nil
}

func (e Endian) PutUint32(buf []byte, off uint64, v uint32) error {
	if !inRange(buf, off, 4) {
		return Truncated(FormatUnknown, "u32 store at %#x past end of %#x byte buffer", off, len(buf))
	}
	e.ByteOrder().PutUint32(buf[off:], v)
	return nil
}

func (e Endian) PutUint64(buf []byte, off uint64, v uint64) error {
	if !inRange(buf, off, 8) {
		return Truncated(FormatUnknown, "u64 store at %#x past end of %#x byte buffer", off, len(buf))
	}
	e.ByteOrder().PutUint64(buf[off:], v)
	return nil
}

// PutUint stores the low size bytes of v.
func (e Endian) PutUint(buf []byte, off uint64, size int, v uint64) error {
	switch size {
	case 1:
		if !inRange(buf, off, 1) {
			return Truncated(FormatUnknown, "u8 store at %#x past end of %#x byte buffer", off, len(buf))
		}
		buf[off] = byte(v)
		return nil
	case 2:
		return e.PutUint16(buf, off, uint16(v))
	case 4:
		return e.PutUint32(buf, off, uint32(v))
	case 8:
		return e.PutUint64(buf, off, v)
	}
	return Malformed(FormatUnknown, "unsupported scalar width %d", size)
}

func (e Endian) AppendUint16(buf []byte, v uint16) []byte {
	var p [2]byte
	e.ByteOrder().PutUint16(p[:], v)
	return append(buf, p[:]...)
}

func (e Endian) AppendUint32(buf []byte, v uint32) []byte {
	var p [4]byte
	e.ByteOrder().PutUint32(p[:], v)
	return append(buf, p[:]...)
}

func (e Endian) AppendUint64(buf []byte, v uint64) []byte {
	var p [8]byte
	e.ByteOrder().PutUint64(p[:], v)
	return append(buf, p[:]...)
}

// Sizeof returns the packed size of the struct pointed to by v.
func Sizeof(v interface{}) int {
	size, err := struc.Sizeof(v)
	if err != nil {
		panic(err)
	}
	return size
}

// Unpack decodes the on-disk struct pointed to by v from buf at off.
func (e Endian) Unpack(buf []byte, off uint64, v interface{}) error {
	size, err := struc.Sizeof(v)
	if err != nil {
		return err
	}
	if !inRange(buf, off, uint64(size)) {
		return Truncated(FormatUnknown, "%d byte record at %#x past end of %#x byte buffer", size, off, len(buf))
	}
	return struc.UnpackWithOrder(bytes.NewReader(buf[off:off+uint64(size)]), v, e.ByteOrder())
}

// Pack encodes the struct pointed to by v onto w.
func (e Endian) Pack(w io.Writer, v interface{}) error {
	return struc.PackWithOrder(w, v, e.ByteOrder())
}

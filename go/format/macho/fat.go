package macho

import (
	"bytes"
	"math"

	"github.com/pkg/errors"

	"github.com/steamhammer/object/go/models"
)

type FatArch struct {
	Cpu    uint32
	SubCpu uint32
	Offset uint64
	Size   uint64
	Align  uint32
}

type FatFile struct {
	Magic  uint32
	Arches []FatArch
	Data   []byte
}

// SliceData returns the bytes of one slice. ParseFat validated the range.
func (f *FatFile) SliceData(a *FatArch) []byte {
	return f.Data[a.Offset : a.Offset+a.Size]
}

// IsFat reports whether data starts with a fat magic.
func IsFat(data []byte) bool {
	m, err := models.BigEndian.Uint32(data, 0)
	return err == nil && (m == MagicFat || m == MagicFat64)
}

// ParseFat decodes the fat header and arch table, which are always
// big-endian, and checks that every slice lies within data.
func ParseFat(data []byte) (*FatFile, error) {
	e := models.BigEndian
	var h FatHeader
	if err := e.Unpack(data, 0, &h); err != nil {
		return nil, errors.Wrap(err, "fat header")
	}
	archSize := uint64(fatArchSize32)
	switch h.Magic {
	case MagicFat:
	case MagicFat64:
		archSize = fatArchSize64
	default:
		return nil, models.Unrecognized(models.FormatMachO, "bad fat magic %#x", h.Magic)
	}
	if h.Narch == 0 {
		return nil, malformed("fat file has no slices")
	}
	if uint64(h.Narch) > uint64(len(data))/archSize {
		return nil, truncated("%d fat arches cannot fit in %#x bytes", h.Narch, len(data))
	}
	ff := &FatFile{Magic: h.Magic, Data: data}
	off := uint64(fatHeaderSize)
	for i := uint32(0); i < h.Narch; i++ {
		var a FatArch
		if h.Magic == MagicFat64 {
			var raw FatArch64
			if err := e.Unpack(data, off, &raw); err != nil {
				return nil, errors.Wrapf(err, "fat arch %d", i)
			}
			a = FatArch{raw.Cpu, raw.SubCpu, raw.Offset, raw.Size, raw.Align}
		} else {
			var raw FatArch32
			if err := e.Unpack(data, off, &raw); err != nil {
				return nil, errors.Wrapf(err, "fat arch %d", i)
			}
			a = FatArch{raw.Cpu, raw.SubCpu, uint64(raw.Offset), uint64(raw.Size), raw.Align}
		}
		if err := checkRange(len(data), a.Offset, a.Size, "fat slice"); err != nil {
			return nil, errors.Wrapf(err, "fat arch %d", i)
		}
		if a.Offset < off+archSize {
			return nil, malformed("fat arch %d overlaps the arch table", i)
		}
		ff.Arches = append(ff.Arches, a)
		off += archSize
	}
	return ff, nil
}

// FatSlice is one thin image to wrap. Align is a power of two exponent; zero
// selects page alignment.
type FatSlice struct {
	Cpu    uint32
	SubCpu uint32
	Align  uint32
	Data   []byte
}

// BuildFat writes a fat wrapper around slices, switching to the 64-bit arch
// table when an offset or size needs it.
func BuildFat(slices []FatSlice) ([]byte, error) {
	if len(slices) == 0 {
		return nil, models.BuildError(models.FormatMachO, "fat file needs at least one slice")
	}
	e := models.BigEndian
	offsets := make([]uint64, len(slices))
	pos := uint64(fatHeaderSize + fatArchSize64*len(slices))
	magic := uint32(MagicFat)
	for i, s := range slices {
		align := s.Align
		if align == 0 {
			align = 12
		}
		if align > 31 {
			return nil, models.BuildError(models.FormatMachO, "fat slice %d alignment 2^%d", i, align)
		}
		pos = (pos + 1<<align - 1) &^ (1<<align - 1)
		offsets[i] = pos
		pos += uint64(len(s.Data))
	}
	if pos > math.MaxUint32 {
		magic = MagicFat64
	}
	var buf bytes.Buffer
	out := &models.StrucStream{Stream: &buf, Endian: e}
	if err := out.Pack(&FatHeader{Magic: magic, Narch: uint32(len(slices))}); err != nil {
		return nil, err
	}
	for i, s := range slices {
		align := s.Align
		if align == 0 {
			align = 12
		}
		var err error
		if magic == MagicFat64 {
			err = out.Pack(&FatArch64{Cpu: s.Cpu, SubCpu: s.SubCpu, Offset: offsets[i], Size: uint64(len(s.Data)), Align: align})
		} else {
			err = out.Pack(&FatArch32{Cpu: s.Cpu, SubCpu: s.SubCpu, Offset: uint32(offsets[i]), Size: uint32(len(s.Data)), Align: align})
		}
		if err != nil {
			return nil, err
		}
	}
	for i, s := range slices {
		out.Write(make([]byte, offsets[i]-uint64(buf.Len())))
		out.Write(s.Data)
	}
	return buf.Bytes(), nil
}

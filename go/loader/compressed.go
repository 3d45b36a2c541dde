package loader

import (
	"bytes"

	"github.com/steamhammer/object/go/models"
)

var gnuZlibMagic = []byte("ZLIB")

// gnuCompressed decodes the ".zdebug_" / "__zdebug_" framing: "ZLIB", an
// 8-byte big-endian uncompressed size, then a zlib stream.
func gnuCompressed(format models.Format, s *Section) (CompressedData, error) {
	if !bytes.HasPrefix(s.data, gnuZlibMagic) {
		return CompressedData{}, models.Malformed(format, "section %q lacks the ZLIB header", s.Name)
	}
	size, err := models.BigEndian.Uint64(s.data, 4)
	if err != nil {
		return CompressedData{}, models.Malformed(format, "section %q compression header is truncated", s.Name)
	}
	return CompressedData{Format: models.CompressionZlib, Data: s.data[12:], UncompressedSize: size}, nil
}

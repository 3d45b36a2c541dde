// Package compress inflates compressed debug section payloads.
package compress

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/steamhammer/object/go/models"
)

// Decompressor expands data in the given format into exactly size bytes.
type Decompressor interface {
	Decompress(format models.CompressionFormat, data []byte, size uint64) ([]byte, error)
}

// DecompressorFunc adapts a function to Decompressor.
type DecompressorFunc func(format models.CompressionFormat, data []byte, size uint64) ([]byte, error)

func (f DecompressorFunc) Decompress(format models.CompressionFormat, data []byte, size uint64) ([]byte, error) {
	return f(format, data, size)
}

// MaxSize bounds the declared size Default will allocate for.
const MaxSize = 1 << 32

var ErrSizeMismatch = errors.New("decompressed size does not match header")

type defaultDecompressor struct {
	once sync.Once
	zstd *zstd.Decoder
	err  error
}

// Default handles zlib and zstd.
var Default Decompressor = &defaultDecompressor{}

func (d *defaultDecompressor) Decompress(format models.CompressionFormat, data []byte, size uint64) ([]byte, error) {
	if size > MaxSize {
		return nil, errors.Errorf("declared size %d too large", size)
	}
	switch format {
	case models.CompressionZlib:
		return inflate(data, size)
	case models.CompressionZstd:
		d.once.Do(func() {
			d.zstd, d.err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		})
		if d.err != nil {
			return nil, errors.Wrap(d.err, "zstd decoder")
		}
		out, err := d.zstd.DecodeAll(data, nil)
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
		if uint64(len(out)) != size {
			return nil, errors.Wrapf(ErrSizeMismatch, "zstd produced %d bytes, want %d", len(out), size)
		}
		return out, nil
	}
	return nil, errors.Errorf("unsupported compression %v", format)
}

func inflate(data []byte, size uint64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "zlib")
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(size)+1))
	if err != nil {
		return nil, errors.Wrap(err, "zlib")
	}
	if uint64(len(out)) != size {
		return nil, errors.Wrapf(ErrSizeMismatch, "zlib produced %d bytes, want %d", len(out), size)
	}
	return out, nil
}

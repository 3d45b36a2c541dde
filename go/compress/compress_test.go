package compress

import (
	"bytes"
	"errors"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/steamhammer/object/go/models"
)

var payload = bytes.Repeat([]byte(".debug_info payload "), 64)

func deflated(t *testing.T) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestZlib(t *testing.T) {
	data := deflated(t)
	out, err := Default.Decompress(models.CompressionZlib, data, uint64(len(payload)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("zlib output differs")
	}
	for _, size := range []uint64{uint64(len(payload)) - 1, uint64(len(payload)) + 1} {
		if _, err := Default.Decompress(models.CompressionZlib, data, size); !errors.Is(err, ErrSizeMismatch) {
			t.Errorf("size %d: %v", size, err)
		}
	}
	if _, err := Default.Decompress(models.CompressionZlib, data[:len(data)/2], uint64(len(payload))); err == nil {
		t.Error("truncated stream accepted")
	}
}

func TestZstd(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	data := enc.EncodeAll(payload, nil)
	enc.Close()
	out, err := Default.Decompress(models.CompressionZstd, data, uint64(len(payload)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("zstd output differs")
	}
	if _, err := Default.Decompress(models.CompressionZstd, data, 3); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("short size: %v", err)
	}
}

func TestUnsupported(t *testing.T) {
	if _, err := Default.Decompress(models.CompressionUnknown, nil, 0); err == nil {
		t.Fatal("unknown format accepted")
	}
	called := false
	d := DecompressorFunc(func(models.CompressionFormat, []byte, uint64) ([]byte, error) {
		called = true
		return nil, nil
	})
	d.Decompress(models.CompressionZlib, nil, 0)
	if !called {
		t.Fatal("func adapter not called")
	}
}

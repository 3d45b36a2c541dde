package models

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"
)

var orders = []Endian{LittleEndian, BigEndian}

func sample64(n int) []uint64 {
	vals := []uint64{0, 1, 0x7f, 0x80, 0xff, 0x100, 0x7fff, 0x8000, 0xffff, 0x10000,
		0x7fffffff, 0x80000000, 0xffffffff, 0x100000000, math.MaxInt64, math.MaxUint64,
		0x0102030405060708}
	r := rand.New(rand.NewSource(1))
	for i := 0; i < n; i++ {
		vals = append(vals, r.Uint64())
	}
	return vals
}

func TestEndianRoundTrip16(t *testing.T) {
	buf := make([]byte, 2)
	for _, e := range orders {
		for v := 0; v <= math.MaxUint16; v++ {
			if err := e.PutUint16(buf, 0, uint16(v)); err != nil {
				t.Fatal(err)
			}
			got, err := e.Uint16(buf, 0)
			if err != nil {
				t.Fatal(err)
			}
			if got != uint16(v) {
				t.Fatalf("%s: u16 %#x decoded as %#x", e, v, got)
			}
		}
	}
}

func TestEndianRoundTrip32And64(t *testing.T) {
	for _, e := range orders {
		for _, v := range sample64(4096) {
			b32 := e.AppendUint32(nil, uint32(v))
			if got, err := e.Uint32(b32, 0); err != nil || got != uint32(v) {
				t.Fatalf("%s: u32 %#x decoded as %#x (%v)", e, uint32(v), got, err)
			}
			b64 := e.AppendUint64(nil, v)
			if got, err := e.Uint64(b64, 0); err != nil || got != v {
				t.Fatalf("%s: u64 %#x decoded as %#x (%v)", e, v, got, err)
			}
			for _, size := range []int{1, 2, 4, 8} {
				buf := make([]byte, 8)
				if err := e.PutUint(buf, 0, size, v); err != nil {
					t.Fatal(err)
				}
				got, err := e.Uint(buf, 0, size)
				if err != nil {
					t.Fatal(err)
				}
				mask := uint64(math.MaxUint64)
				if size < 8 {
					mask = 1<<(8*uint(size)) - 1
				}
				if got != v&mask {
					t.Fatalf("%s: width %d %#x decoded as %#x", e, size, v&mask, got)
				}
			}
		}
	}
}

func TestEndianByteLayout(t *testing.T) {
	le := LittleEndian.AppendUint32(nil, 0x01020304)
	be := BigEndian.AppendUint32(nil, 0x01020304)
	if !bytes.Equal(le, []byte{4, 3, 2, 1}) {
		t.Errorf("little endian layout %x", le)
	}
	if !bytes.Equal(be, []byte{1, 2, 3, 4}) {
		t.Errorf("big endian layout %x", be)
	}
}

func TestEndianBounds(t *testing.T) {
	buf := make([]byte, 7)
	if _, err := LittleEndian.Uint64(buf, 0); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected truncated error, got %v", err)
	}
	if _, err := BigEndian.Uint32(buf, 4); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected truncated error, got %v", err)
	}
	if _, err := BigEndian.Uint16(buf, math.MaxUint64); !errors.Is(err, ErrTruncated) {
		t.Fatalf("offset overflow not caught: %v", err)
	}
	if err := LittleEndian.PutUint32(buf, 5, 1); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected truncated error, got %v", err)
	}
}

type testRecord struct {
	A uint16
	B uint32
	C [3]byte
	D uint64
}

func TestUnpackPack(t *testing.T) {
	for _, e := range orders {
		in := testRecord{A: 0xbeef, B: 0xdeadbeef, C: [3]byte{1, 2, 3}, D: 0x1122334455667788}
		var buf bytes.Buffer
		if err := e.Pack(&buf, &in); err != nil {
			t.Fatal(err)
		}
		if buf.Len() != Sizeof(&in) || buf.Len() != 17 {
			t.Fatalf("packed %d bytes, want 17", buf.Len())
		}
		if a, _ := e.Uint16(buf.Bytes(), 0); a != in.A {
			t.Fatalf("%s: field A packed as %#x", e, a)
		}
		var out testRecord
		if err := e.Unpack(buf.Bytes(), 0, &out); err != nil {
			t.Fatal(err)
		}
		if out != in {
			t.Fatalf("%s: unpacked %+v, want %+v", e, out, in)
		}
		if err := e.Unpack(buf.Bytes()[:16], 0, &out); !errors.Is(err, ErrTruncated) {
			t.Fatalf("short unpack: %v", err)
		}
	}
}

func TestStrucStream(t *testing.T) {
	for _, e := range orders {
		var buf bytes.Buffer
		s := &StrucStream{Stream: &buf, Endian: e}
		in := testRecord{A: 1, B: 2, C: [3]byte{4, 5, 6}, D: 7}
		if err := s.Pack(&in); err != nil {
			t.Fatal(err)
		}
		s.Write([]byte("tail"))
		var out testRecord
		if err := s.Unpack(&out); err != nil {
			t.Fatal(err)
		}
		if out != in || buf.String() != "tail" {
			t.Fatalf("%s: unpacked %+v, left %q", e, out, buf.String())
		}
	}
}

func TestErrorKinds(t *testing.T) {
	err := Malformed(FormatElf, "bad %s", "thing")
	if !errors.Is(err, ErrMalformed) || errors.Is(err, ErrTruncated) {
		t.Fatalf("kind matching broken: %v", err)
	}
	if KindOf(err) != KindMalformed || FormatOf(err) != FormatElf {
		t.Fatalf("KindOf = %v, FormatOf = %v", KindOf(err), FormatOf(err))
	}
	if FormatOf(errors.New("plain")) != FormatUnknown {
		t.Fatal("FormatOf on a foreign error")
	}
	if got := err.Error(); got != "elf: malformed field: bad thing" {
		t.Fatalf("message %q", got)
	}
	wrapped := WrapMalformed(FormatElf, errors.New("boom"), "decoding")
	if !errors.Is(wrapped, ErrMalformed) {
		t.Fatalf("WrapMalformed lost kind: %v", wrapped)
	}
	kept := WrapMalformed(FormatElf, Truncated(FormatElf, "short"), "decoding")
	if !errors.Is(kept, ErrTruncated) {
		t.Fatalf("WrapMalformed replaced existing kind: %v", kept)
	}
}

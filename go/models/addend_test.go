package models

import "testing"

func TestAddendRoundTrip(t *testing.T) {
	tests := []struct {
		desc   RelocDesc
		addend int64
	}{
		{RelocDesc{Kind: RelocAbsolute, Size: 8}, -3},
		{RelocDesc{Kind: RelocAbsolute, Size: 16}, 0x1234},
		{RelocDesc{Kind: RelocRelative, Size: 32}, -4},
		{RelocDesc{Kind: RelocAbsolute, Size: 64}, -0x100000000},
		{RelocDesc{Kind: RelocRelative, Encoding: EncodingAArch64Call, Size: 26}, -8},
		{RelocDesc{Kind: RelocRelative, Size: 24}, 0x400},
	}
	for _, e := range []Endian{LittleEndian, BigEndian} {
		for _, test := range tests {
			buf := make([]byte, 12)
			// opcode bits must survive
			e.PutUint32(buf, 4, 0x94000000)
			ok, err := WriteAddend(e, buf, 4, test.desc, test.addend)
			if err != nil || !ok {
				t.Fatalf("%v %+v: write failed: %v", e, test.desc, err)
			}
			got, ok, err := ReadAddend(e, buf, 4, test.desc)
			if err != nil || !ok || got != test.addend {
				t.Errorf("%v %+v: read %d, want %d (%v)", e, test.desc, got, test.addend, err)
			}
			if test.desc.Size == 26 {
				w, _ := e.Uint32(buf, 4)
				if w>>26 != 0x94000000>>26 {
					t.Errorf("opcode clobbered: %#x", w)
				}
			}
		}
	}
}

func TestAddendOverflow(t *testing.T) {
	buf := make([]byte, 4)
	if ok, _ := WriteAddend(LittleEndian, buf, 0, RelocDesc{Size: 8}, 0x1ff); ok {
		t.Error("0x1ff fit in 8 bits")
	}
	if ok, _ := WriteAddend(LittleEndian, buf, 0, RelocDesc{Encoding: EncodingAArch64Call, Size: 26}, 2); ok {
		t.Error("unaligned branch offset accepted")
	}
	if _, err := WriteAddend(LittleEndian, buf, 2, RelocDesc{Size: 32}, 1); KindOf(err) != KindTruncated {
		t.Errorf("field past end: %v", err)
	}
}

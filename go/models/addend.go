package models

// ReadAddend extracts the addend stored in the relocated field at off. Plain
// fields of 8 to 64 bits are sign-extended; branch encodings carry a word
// offset in their immediate.
func ReadAddend(e Endian, data []byte, off uint64, d RelocDesc) (int64, bool, error) {
	switch {
	case d.Encoding == EncodingAArch64Call && d.Size == 26:
		w, err := e.Uint32(data, off)
		if err != nil {
			return 0, false, err
		}
		return signExtend(uint64(w&0x3ffffff), 26) << 2, true, nil
	case d.Size == 24:
		w, err := e.Uint32(data, off)
		if err != nil {
			return 0, false, err
		}
		return signExtend(uint64(w&0xffffff), 24) << 2, true, nil
	case d.Size == 8 || d.Size == 16 || d.Size == 32 || d.Size == 64:
		v, err := e.Uint(data, off, int(d.Size/8))
		if err != nil {
			return 0, false, err
		}
		return signExtend(v, uint(d.Size)), true, nil
	}
	return 0, false, nil
}

// WriteAddend stores addend into the relocated field at off, keeping the
// opcode bits of branch encodings. ok is false when the field cannot hold
// the value.
func WriteAddend(e Endian, data []byte, off uint64, d RelocDesc, addend int64) (bool, error) {
	switch {
	case d.Encoding == EncodingAArch64Call && d.Size == 26, d.Size == 24:
		bits := uint(d.Size)
		if addend&3 != 0 || !fitsSigned(addend>>2, bits) {
			return false, nil
		}
		w, err := e.Uint32(data, off)
		if err != nil {
			return false, err
		}
		mask := uint32(1)<<bits - 1
		w = w&^mask | uint32(addend>>2)&mask
		return true, e.PutUint32(data, off, w)
	case d.Size == 8 || d.Size == 16 || d.Size == 32:
		bits := uint(d.Size)
		if !fitsSigned(addend, bits) && (addend < 0 || uint64(addend)>>bits != 0) {
			return false, nil
		}
		v := uint64(addend) & (1<<bits - 1)
		switch bits {
		case 8:
			if off >= uint64(len(data)) {
				return false, Truncated(FormatUnknown, "8-bit field at %#x", off)
			}
			data[off] = byte(v)
			return true, nil
		case 16:
			return true, e.PutUint16(data, off, uint16(v))
		}
		return true, e.PutUint32(data, off, uint32(v))
	case d.Size == 64:
		return true, e.PutUint64(data, off, uint64(addend))
	}
	return false, nil
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

func fitsSigned(v int64, bits uint) bool {
	return signExtend(uint64(v), bits) == v
}

package models

// RelocDesc is the normalized meaning of a format-specific relocation code.
type RelocDesc struct {
	Kind     RelocationKind
	Encoding RelocationEncoding
	Size     uint8 // bits
}

type RelocEntry struct {
	Code uint32
	RelocDesc
}

// RelocTable maps raw relocation codes of one machine to their meaning and
// back. When several codes share a meaning, the first entry wins on write.
type RelocTable []RelocEntry

func (t RelocTable) Lookup(code uint32) (RelocDesc, bool) {
	for _, e := range t {
		if e.Code == code {
			return e.RelocDesc, true
		}
	}
	return RelocDesc{}, false
}

func (t RelocTable) Code(d RelocDesc) (uint32, bool) {
	for _, e := range t {
		if e.RelocDesc == d {
			return e.Code, true
		}
	}
	// Generic is the fallback for any encoding the machine does not distinguish.
	if d.Encoding != EncodingGeneric {
		d.Encoding = EncodingGeneric
		return t.Code(d)
	}
	return 0, false
}

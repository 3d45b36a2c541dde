package pe

import (
	"bytes"
)

// Pack encodes any of the raw COFF records in little-endian order.
func Pack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := le.Pack(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const (
	FileHeaderSize    = fileHeaderSize
	SectionHeaderSize = sectionSize
)

// InlineSymbolName stores name in the 8-byte field when it fits.
func InlineSymbolName(name string) ([8]byte, bool) {
	var b [8]byte
	if len(name) > len(b) {
		return b, false
	}
	copy(b[:], name)
	return b, true
}

// StringSymbolName points a symbol name field at a string table offset.
func StringSymbolName(off uint32) [8]byte {
	var b [8]byte
	le.PutUint32(b[:], 4, off)
	return b
}

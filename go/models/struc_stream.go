package models

import (
	"io"

	"github.com/lunixbochs/struc"
)

// StrucStream packs and unpacks on-disk structs against a stream in a byte
// order chosen at runtime.
type StrucStream struct {
	Stream io.ReadWriter
	Endian Endian
}

func (s *StrucStream) Pack(i interface{}) error {
	return s.Endian.Pack(s.Stream, i)
}

func (s *StrucStream) Unpack(i interface{}) error {
	return struc.UnpackWithOrder(s.Stream, i, s.Endian.ByteOrder())
}

// Write passes raw bytes through, so headers and payloads can share a stream.
func (s *StrucStream) Write(p []byte) (int, error) {
	return s.Stream.Write(p)
}

//go:build !unix

package loader

import (
	"os"

	"github.com/pkg/errors"
)

// MappedFile holds the file contents read into memory.
type MappedFile struct {
	data []byte
}

func MapFile(path string) (*MappedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MappedFile{data: data}, nil
}

func (m *MappedFile) Bytes() []byte {
	return m.data
}

func (m *MappedFile) Close() error {
	m.data = nil
	return nil
}

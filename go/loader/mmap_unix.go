//go:build unix

package loader

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MappedFile is a read-only view of a file on disk.
type MappedFile struct {
	data   []byte
	mapped bool
}

// MapFile maps path read-only. Empty files are not mapped.
func MapFile(path string) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	size := fi.Size()
	if size == 0 {
		return &MappedFile{}, nil
	}
	if int64(int(size)) != size {
		return nil, errors.Errorf("%s: %d bytes is too large to map", path, size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", path)
	}
	return &MappedFile{data: data, mapped: true}, nil
}

// Bytes is valid until Close.
func (m *MappedFile) Bytes() []byte {
	return m.data
}

func (m *MappedFile) Close() error {
	if !m.mapped {
		return nil
	}
	data := m.data
	m.data, m.mapped = nil, false
	return errors.WithStack(unix.Munmap(data))
}

package loader

import (
	"encoding/binary"
	"iter"

	"go.uber.org/zap"

	"github.com/steamhammer/object/go/compress"
	"github.com/steamhammer/object/go/models"
	"github.com/steamhammer/object/go/wasmparse"
)

// Object is the format-independent view of one parsed object. Every
// sequence is finite, restartable and in on-disk order.
type Object interface {
	Format() models.Format
	Arch() models.Arch
	Bits() int
	Endian() models.Endian
	ByteOrder() binary.ByteOrder
	Kind() models.ObjectKind
	Entry() (uint64, bool)
	// Flags returns the raw file header flags: e_flags, Mach-O flags or
	// COFF Characteristics. Wasm has none.
	Flags() uint64

	Sections() iter.Seq[Section]
	Symbols() iter.Seq[Symbol]
	DynamicSymbols() iter.Seq[Symbol]
	Segments() iter.Seq[Segment]

	SectionByName(name string) (Section, bool)
	SectionByIndex(index uint32) (Section, error)
	SymbolByIndex(index uint32) (Symbol, error)
}

type config struct {
	decompressor compress.Decompressor
	parser       wasmparse.Parser
	logger       *zap.Logger
}

type Option func(*config)

// WithDecompressor sets the collaborator used by Section.UncompressedData.
// Passing nil disables decompression.
func WithDecompressor(d compress.Decompressor) Option {
	return func(c *config) { c.decompressor = d }
}

// WithModuleParser sets the Wasm module parser. Passing nil skips it, and
// Wasm objects then report exports only.
func WithModuleParser(p wasmparse.Parser) Option {
	return func(c *config) { c.parser = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func newConfig(opts []Option) *config {
	wz := wasmparse.NewWazero()
	c := &config{
		decompressor: compress.Default,
		parser:       wz,
		logger:       zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.parser == wasmparse.Parser(wz) {
		wz.Logger = c.logger
	}
	return c
}

// LoaderHeader holds what every format knows after reading its header.
type LoaderHeader struct {
	format   models.Format
	arch     models.Arch
	bits     int
	endian   models.Endian
	kind     models.ObjectKind
	entry    uint64
	hasEntry bool
	flags    uint64
	cfg      *config
}

func (l *LoaderHeader) Format() models.Format { return l.format }
func (l *LoaderHeader) Arch() models.Arch     { return l.arch }
func (l *LoaderHeader) Bits() int             { return l.bits }
func (l *LoaderHeader) Endian() models.Endian { return l.endian }

func (l *LoaderHeader) ByteOrder() binary.ByteOrder {
	return l.endian.ByteOrder()
}

func (l *LoaderHeader) Kind() models.ObjectKind { return l.kind }
func (l *LoaderHeader) Flags() uint64           { return l.flags }

func (l *LoaderHeader) Entry() (uint64, bool) {
	return l.entry, l.hasEntry
}

func (l *LoaderHeader) decompressor() compress.Decompressor {
	return l.cfg.decompressor
}

func (l *LoaderHeader) log() *zap.Logger {
	return l.cfg.logger
}

// sectionByName is the first-match lookup shared by the formats; alias maps
// a requested name to the other spellings it may have on disk.
func sectionByName(obj Object, name string, alias func(string) []string) (Section, bool) {
	names := []string{name}
	if alias != nil {
		names = append(names, alias(name)...)
	}
	for _, n := range names {
		for s := range obj.Sections() {
			if s.Name == n {
				return s, true
			}
		}
	}
	return Section{}, false
}

func collect[T any](seq iter.Seq[T]) []T {
	var out []T
	for v := range seq {
		out = append(out, v)
	}
	return out
}

package models

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type ErrorKind uint8

const (
	KindUnrecognized ErrorKind = iota + 1 // no magic matched
	KindTruncated                         // buffer shorter than a required structure
	KindMalformed                         // internally inconsistent field
	KindUnsupported                       // recognized, but an unhandled variant
	KindBuild                             // write path
)

var errorKindNames = map[ErrorKind]string{
	KindUnrecognized: "unrecognized format",
	KindTruncated:    "truncated input",
	KindMalformed:    "malformed field",
	KindUnsupported:  "unsupported variant",
	KindBuild:        "build error",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// Error is the single error type reported by parsing and serialization.
type Error struct {
	Kind   ErrorKind
	Format Format
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Format != FormatUnknown {
		b.WriteString(e.Format.String())
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so the sentinels below can be used
// with errors.Is regardless of detail.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

var (
	ErrUnrecognized = &Error{Kind: KindUnrecognized}
	ErrTruncated    = &Error{Kind: KindTruncated}
	ErrMalformed    = &Error{Kind: KindMalformed}
	ErrUnsupported  = &Error{Kind: KindUnsupported}
	ErrBuild        = &Error{Kind: KindBuild}
)

func newError(kind ErrorKind, format Format, detail string, args []interface{}) error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return errors.WithStack(&Error{Kind: kind, Format: format, Detail: detail})
}

func Unrecognized(format Format, detail string, args ...interface{}) error {
	return newError(KindUnrecognized, format, detail, args)
}

func Truncated(format Format, detail string, args ...interface{}) error {
	return newError(KindTruncated, format, detail, args)
}

func Malformed(format Format, detail string, args ...interface{}) error {
	return newError(KindMalformed, format, detail, args)
}

func Unsupported(format Format, detail string, args ...interface{}) error {
	return newError(KindUnsupported, format, detail, args)
}

func BuildError(format Format, detail string, args ...interface{}) error {
	return newError(KindBuild, format, detail, args)
}

// WrapMalformed reports cause as a malformed field unless it already carries
// a kind.
func WrapMalformed(format Format, cause error, detail string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return errors.Wrapf(cause, detail, args...)
	}
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return errors.WithStack(&Error{Kind: KindMalformed, Format: format, Detail: detail, Cause: cause})
}

// KindOf returns the kind of err, or 0 if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// FormatOf returns the format err was raised for, or FormatUnknown.
func FormatOf(err error) Format {
	var e *Error
	if errors.As(err, &e) {
		return e.Format
	}
	return FormatUnknown
}

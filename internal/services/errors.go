package services

import (
	"errors"
	"fmt"
)

// Error kinds reported by the codec. Match them with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrDecode            = errors.New("decode failed")
	ErrEncode            = errors.New("encode failed")
	ErrCompressionFailed = errors.New("compression failed")
)

// CodecError describes why a single image could not be compressed.
type CodecError struct {
	Op   string // validate, decode, encode, fetch
	Kind error
	Name string
	Err  error
}

func (e *CodecError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Name, e.Kind, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// Is reports whether target is the kind of this error.
func (e *CodecError) Is(target error) bool { return target == e.Kind }

func codecErr(op string, kind error, name string, err error) *CodecError {
	return &CodecError{Op: op, Kind: kind, Name: name, Err: err}
}

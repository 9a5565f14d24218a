// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package errtrace implements the error taxonomy from the core design:
// a fixed set of error kinds, plus a component-name trace that
// accumulates as an error bubbles up through nested layers.
package errtrace

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the error taxonomy members. It is carried by an [Err]
// (built by [New] or [Wrap]); Err.Is compares Kinds, so callers can
// errors.Is against errtrace.New(kind, "") even after [Trace] has
// prepended component context to the message.
type Kind int

const (
	_ Kind = iota
	IoError
	InvalidSignature
	InvalidField
	Unsupported
	AlreadySet
	OutOfRange
	Misaligned
	UnrecognizedFormat
	AmbiguousFormat
	InvalidParentChain
	NoSuchEntry
	ChecksumMismatch
	InvalidSeek
)

func (k Kind) String() string {
	switch k {
	case IoError:
		return "IoError"
	case InvalidSignature:
		return "InvalidSignature"
	case InvalidField:
		return "InvalidField"
	case Unsupported:
		return "Unsupported"
	case AlreadySet:
		return "AlreadySet"
	case OutOfRange:
		return "OutOfRange"
	case Misaligned:
		return "Misaligned"
	case UnrecognizedFormat:
		return "UnrecognizedFormat"
	case AmbiguousFormat:
		return "AmbiguousFormat"
	case InvalidParentChain:
		return "InvalidParentChain"
	case NoSuchEntry:
		return "NoSuchEntry"
	case ChecksumMismatch:
		return "ChecksumMismatch"
	case InvalidSeek:
		return "InvalidSeek"
	default:
		return "Unknown"
	}
}

// Err is a leaf error: a kind plus the detail that triggered it.
type Err struct {
	Kind   Kind
	Detail string
	cause  error
}

func New(kind Kind, detail string) *Err {
	return &Err{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, cause error, detail string) *Err {
	return &Err{Kind: kind, Detail: detail, cause: cause}
}

func (e *Err) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind.String(), e.Detail)
}

func (e *Err) Unwrap() error { return e.cause }

func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Field builds an InvalidField error naming the offending field.
func Field(field string, value any) *Err {
	return New(InvalidField, fmt.Sprintf("field %q has invalid value %v", field, value))
}

// Trace prepends a (component, context) pair to an existing error as it
// bubbles up through a layer boundary, per the propagation policy: each
// boundary prepends a short context message without discarding the
// innermost error.
func Trace(component, context string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "%s: %s", component, context)
}

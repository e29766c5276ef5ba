// Package rc implements a shared error-kind/trace-chain design.
//
// Unlike the classic package (which returns plain errors built with
// errors.New/fmt.Errorf), every failure that crosses a component boundary
// in the B-link core and the archiver carries a Kind plus a small chain of
// (file, line) frames recording where it was raised and re-raised. There
// are no panics/longjmps in this design: errors are always values.
package rc

import (
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an error without requiring callers to string-match.
type Kind int

const (
	OK Kind = iota
	NotFound
	Duplicate
	RecordTooLarge
	IndexNotEmpty
	KeyOutOfRange
	ShortIO
	EndOfFile
	LatchTimeout
	WriteOrderCycle
	Fatal
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case NotFound:
		return "NotFound"
	case Duplicate:
		return "Duplicate"
	case RecordTooLarge:
		return "RecordTooLarge"
	case IndexNotEmpty:
		return "IndexNotEmpty"
	case KeyOutOfRange:
		return "KeyOutOfRange"
	case ShortIO:
		return "ShortIO"
	case EndOfFile:
		return "EndOfFile"
	case LatchTimeout:
		return "LatchTimeout"
	case WriteOrderCycle:
		return "WriteOrderCycle"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// frame is one link of the trace chain: where an Error was raised or
// re-raised, and an optional free-form detail.
type frame struct {
	file string
	line int
	info string
}

// Error is the chained error value propagated across every component
// boundary in this repository. Construct one with New or Wrap; print it
// with Error or fmt's %v/%s verbs.
type Error struct {
	kind   Kind
	frames []frame
	cause  error
}

// New raises a fresh Error of the given kind at the caller's source
// location, with an optional detail message.
func New(kind Kind, info string) *Error {
	return &Error{kind: kind, frames: []frame{callerFrame(info)}}
}

// Wrap re-raises an existing error under a new Kind, appending a frame at
// the caller's location. If err is already an *Error, its kind is
// preserved in the chain but the outermost Kind reported by Kind is the
// new one — callers typically Wrap to add context, not to reclassify.
func Wrap(kind Kind, info string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, frames: []frame{callerFrame(info)}, cause: err}
}

func callerFrame(info string) frame {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return frame{file: "?", line: 0, info: info}
	}
	if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	return frame{file: file, line: line, info: info}
}

// Kind returns the classification of this error.
func (e *Error) Kind() Kind {
	if e == nil {
		return OK
	}
	return e.kind
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Error renders the chain as "<kind>: at <file>:<line>; caused by <inner>".
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s", e.kind)
	for _, fr := range e.frames {
		fmt.Fprintf(&b, ": at %s:%d", fr.file, fr.line)
		if fr.info != "" {
			fmt.Fprintf(&b, " (%s)", fr.info)
		}
	}
	if e.cause != nil {
		fmt.Fprintf(&b, "; caused by %s", e.cause.Error())
	}
	return b.String()
}

// Is reports whether err is an *Error of the given kind, looking through
// the wrapped chain. This lets callers write `rc.Is(err, rc.NotFound)`
// without caring whether err is the outermost Error or one it wraps.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.kind == kind {
				return true
			}
			err = e.cause
			continue
		}
		return false
	}
	return false
}

// IsFatal reports whether err should abort the owning component/process.
func IsFatal(err error) bool {
	return Is(err, Fatal)
}

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/spanlabs/extract-gateway/internal/extraction"
)

// Engine runs one extraction pass over a full text document. It is a
// pure function of the input text and the configured task: callers may
// invoke it repeatedly over growing documents and diff the results.
type Engine interface {
	// Extract runs the engine over text and returns the extractions it
	// discovered, in discovery order
	Extract(ctx context.Context, text string) ([]extraction.Extraction, error)
}

// ErrorKind classifies an engine failure
type ErrorKind int

const (
	// KindTransport covers network failures, timeouts and 5xx responses
	KindTransport ErrorKind = iota
	// KindParse covers malformed response bodies
	KindParse
	// KindSchema covers requests the engine rejected as invalid
	KindSchema
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindParse:
		return "parse"
	case KindSchema:
		return "schema"
	}
	return "unknown"
}

// Error is the failure surface of an extraction pass
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified engine error
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the error kind of an engine error, or KindTransport
// when the error is not an *Error (connection-level failures arrive
// unclassified)
func KindOf(err error) ErrorKind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindTransport
}

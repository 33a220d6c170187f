package bustime

import (
	"errors"
	"fmt"
)

var (
	ErrMissingField  = errors.New("missing field")
	ErrInvalidNumber = errors.New("invalid number")
	ErrOutOfRange    = errors.New("value out of range")
	ErrNoKeys        = errors.New("no keys")
)

// TransportError is a failed request: network error, timeout or a non-200
// status. StatusCode is 0 when no response was received.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http status: %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError is a response body that is not a readable bustime-response
// document.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ElementError describes one skipped element. Key is the element's own id
// (vid or rt) when it could be read.
type ElementError struct {
	Element string
	Index   int
	Key     string
	Field   string
	Value   string
	Err     error
}

func (e *ElementError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s[%d] %s: field %q (%q): %v", e.Element, e.Index, e.Key, e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("%s[%d]: field %q (%q): %v", e.Element, e.Index, e.Field, e.Value, e.Err)
}

func (e *ElementError) Unwrap() error { return e.Err }

// IsFetchError reports whether err failed a whole call, as opposed to a
// single element.
func IsFetchError(err error) bool {
	var te *TransportError
	var pe *ParseError
	return errors.As(err, &te) || errors.As(err, &pe)
}

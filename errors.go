package framer

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports a request that cannot be sent or applied as it is.
// Nothing was changed and nothing was sent.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

var (
	ErrNoSource   = &ValidationError{Reason: "no source image selected"}
	ErrNoOutputs  = &ValidationError{Reason: "no outputs requested"}
	ErrLastOutput = &ValidationError{Reason: "at least one output is required"}
)

// ErrOutOfRange is matched by every IndexError.
var ErrOutOfRange = errors.New("index out of range")

// ErrUnsupportedImage is returned when a source cannot be decoded.
var ErrUnsupportedImage = errors.New("unsupported image")

type IndexError struct {
	Op    string
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%s: index %d out of range [0, %d)", e.Op, e.Index, e.Len)
}

func (e *IndexError) Unwrap() error {
	return ErrOutOfRange
}

// TransportError is a failed call to the resize service. Either StatusCode
// and Message are set, or Err holds the network failure.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resize service: %v", e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("resize service: %s", e.Message)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("resize service returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return "resize service: request failed"
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

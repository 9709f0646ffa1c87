package media

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput is returned when decoded audio contains no samples.
	ErrEmptyInput = errors.New("media: empty audio input")

	// ErrNoFrames is returned when a video yields no extractable frames.
	ErrNoFrames = errors.New("media: no frames extracted")
)

// DecodeError indicates the uploaded media could not be decoded at all.
//
// The underlying decoder error (if any) can be accessed via errors.Unwrap.
type DecodeError struct {
	Format string
	cause  error
}

func (e *DecodeError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("media: decode %s failed", e.Format)
	}
	return fmt.Sprintf("media: decode %s failed: %v", e.Format, e.cause)
}

func (e *DecodeError) Unwrap() error { return e.cause }

// NewDecodeError wraps a decoder failure for the given source format.
func NewDecodeError(format string, cause error) *DecodeError {
	return &DecodeError{Format: format, cause: cause}
}

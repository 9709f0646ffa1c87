package verify

import (
	"errors"
	"fmt"
)

// ErrNoFaceDetected is reported when no frame in the set yielded a usable
// face. The aggregator treats it as a zero face score, not as a request
// failure.
var ErrNoFaceDetected = errors.New("verify: no face detected in any frame")

// ValidationError rejects an upload at the boundary, before any model is
// invoked. Requirement names which constraint failed ("size", "type",
// "duration", "file") so the user can retry correctly.
type ValidationError struct {
	Requirement string
	Message     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("verify: validation failed (%s): %s", e.Requirement, e.Message)
}

// AsValidation unwraps err into a ValidationError when possible.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

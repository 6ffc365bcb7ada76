package platform

import (
	"errors"
	"fmt"
)

// ErrorClass separates faults worth waiting out from payloads the platform
// refused.
type ErrorClass string

const (
	// ClassTransient covers network failures, timeouts, 5xx and 429.
	ClassTransient ErrorClass = "transient"
	// ClassRejection covers the remaining 4xx responses.
	ClassRejection ErrorClass = "rejection"
)

// DeliveryError describes a failed delivery attempt.
type DeliveryError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Class      ErrorClass
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("platform delivery to %s failed (%s): %v", e.Endpoint, e.Class, e.Err)
	}

	return fmt.Sprintf("platform delivery to %s failed (%s): status %d", e.Endpoint, e.Class, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Classify returns the error class of a delivery error, defaulting to
// transient for anything that is not a DeliveryError.
func Classify(err error) ErrorClass {
	var deliveryErr *DeliveryError

	if errors.As(err, &deliveryErr) {
		return deliveryErr.Class
	}

	return ClassTransient
}

// IsRejection reports whether the platform refused the payload with a
// non-retryable-looking 4xx. The processor still retries these, the class is
// kept for diagnostics.
func IsRejection(err error) bool {
	return Classify(err) == ClassRejection
}

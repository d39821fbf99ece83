package moderation

import (
	"context"
	"errors"
	"fmt"
)

// ServiceError is a non-success answer from the classification service.
type ServiceError struct {
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("moderation service: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("moderation service: %v", e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// UnavailableError is returned under the strict policy when no verdict could
// be obtained. It is always retryable.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("moderation unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

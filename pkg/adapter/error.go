package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// AdapterError carries provider failure metadata so callers can tell
// retryable conditions from hard errors.
type AdapterError struct {
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("adapter error (status=%d)", e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether a failed call may be retried: timeouts and
// provider overload are transient, cancellation and client errors are not.
func IsTransient(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) {
		return false
	}
	return adapterErr.Temporary ||
		adapterErr.Status == 429 ||
		(adapterErr.Status >= 500 && adapterErr.Status <= 599)
}

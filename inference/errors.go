package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// TransientError marks a failure worth retrying: timeouts, connection
// resets, rate limiting, server-side errors. After the retry budget is
// exhausted the caller records a Failed result and moves on.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot fix: bad credentials,
// malformed requests. It aborts the current stage.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err must abort the stage.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// classifyHTTP maps an HTTP status code onto the error taxonomy.
func classifyHTTP(status int, body string) error {
	err := fmt.Errorf("backend returned %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return &TransientError{Err: err}
	case status == http.StatusRequestTimeout:
		return &TransientError{Err: err}
	case status >= 500:
		return &TransientError{Err: err}
	default:
		return &FatalError{Err: err}
	}
}

// classifyNetwork maps a transport-level error onto the taxonomy. Context
// cancellation passes through untouched so callers can distinguish an
// operator cancel from a flaky backend.
func classifyNetwork(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return &TransientError{Err: err}
	}
	// Connection resets and refused connections surface as *net.OpError
	// wrapped in *url.Error; errors.As above catches them. Anything else
	// transport-shaped is still worth one more try.
	return &TransientError{Err: err}
}

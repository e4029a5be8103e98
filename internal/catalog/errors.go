package catalog

import (
	"errors"
	"fmt"
)

// NetworkError is a transport failure, timeout or 5xx response. The next
// sync trigger retries it.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthError means the service rejected the configured credential. Retrying
// does not help until the configuration changes.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	if e.Status == 0 {
		return "authentication failed: " + e.Reason
	}
	if e.Reason != "" {
		return fmt.Sprintf("authentication failed (%d): %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("authentication failed (%d)", e.Status)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNetwork reports whether err is a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestFailed wraps every failure surfaced after retries are exhausted.
	ErrRequestFailed = errors.New("request failed")
	// ErrDecode marks a response body that is not valid JSON.
	ErrDecode = errors.New("response is not valid JSON")
	// ErrReset is returned to callers whose debounced request was dropped by Reset.
	ErrReset = errors.New("request cache reset")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, e.Status)
}

package relay

import (
	"errors"
	"fmt"
)

// ErrSinkClosed is returned when the downstream client can no longer be
// written to. The caller should not try to report anything to it.
var ErrSinkClosed = errors.New("sink closed")

// UpstreamError describes a failed call to the inference endpoint: a non-2xx
// status, a missing body or a transport failure while streaming.
type UpstreamError struct {
	Status     int
	StatusText string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("upstream returned %d %s", e.Status, e.StatusText)
	case e.Err != nil:
		return fmt.Sprintf("upstream: %v", e.Err)
	default:
		return "upstream: " + e.StatusText
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

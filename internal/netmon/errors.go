package netmon

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceUnavailable means the OS notification service is not reachable.
	ErrServiceUnavailable = errors.New("network notification service unavailable")
	// ErrQueryFailed means a point query against the OS failed.
	ErrQueryFailed = errors.New("network query failed")

	errSourceEnded = errors.New("event source ended")
)

// MonitorError records which monitor operation failed.
type MonitorError struct {
	Op  string
	Err error
}

func (e *MonitorError) Error() string {
	return fmt.Sprintf("netmon %s: %v", e.Op, e.Err)
}

func (e *MonitorError) Unwrap() error { return e.Err }

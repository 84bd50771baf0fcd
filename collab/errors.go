package collab

import (
	"errors"
	"fmt"
)

// error taxonomy:
// - transport failures are handled internally with reconnect/backoff and only
//   surface as a terminal `ErrConnectionLost`
// - lock and comment failures are returned to the caller
// - presence/typing/cursor send failures are dropped (advisory, best effort)

// send attempted while the connection is not live. non-fatal.
var ErrNotConnected = errors.New("not connected")

// terminal state after the reconnect attempts are exhausted.
// requires an explicit user-triggered retry.
var ErrConnectionLost = errors.New("connection lost")

// lock acquire was denied or timed out. the caller must not proceed with the edit.
var ErrLockDenied = errors.New("lock denied")

// the underlying transport could not be established
type ConnectionError struct {
	Url string
	Err error
}

func (self *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %s", self.Url, self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

// an http write for comments/activity failed. surfaced to the caller, not retried.
type RequestFailedError struct {
	Op  string
	Err error
}

func (self *RequestFailedError) Error() string {
	return fmt.Sprintf("%s: %s", self.Op, self.Err)
}

func (self *RequestFailedError) Unwrap() error {
	return self.Err
}

package client

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected   = errors.New("client: not connected")
	ErrEmptyAddress   = errors.New("client: broker address must not be empty")
	ErrAlreadyStarted = errors.New("client: manager already started")
	ErrStopped        = errors.New("client: manager stopped")

	errConnectionLost = errors.New("client: connection lost during setup")
)

// PublishError is returned by Publish; it is never retried.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("client: publish to %s failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrSendQueueFull is returned by Client.Send when the outbound queue is saturated.
	ErrSendQueueFull = errors.New("realtime: send queue full")

	// ErrChannelClosed is returned by Client.Send after the client was closed.
	ErrChannelClosed = errors.New("realtime: channel closed")

	// ErrDisconnected marks the terminal receive result of a connection.
	ErrDisconnected = errors.New("realtime: disconnected")

	// ErrStorage is returned by Router.Relay when a chat message could not be persisted.
	ErrStorage = errors.New("realtime: storage failure")

	// ErrUnauthorized marks an Authenticator rejection of the presented token.
	ErrUnauthorized = errors.New("realtime: unauthorized")

	// ErrRateLimited is returned by Router.Relay when the sender exceeded its frame budget.
	ErrRateLimited = errors.New("realtime: rate limited")

	errInvalidParticipants = errors.New("realtime: sender and receiver ids must be positive")
	errEmptyContent        = errors.New("realtime: empty content")
	errNilStore            = errors.New("realtime: nil store")
)

// StorageError is returned by MessageStore implementations.
// Transient errors are retried by the router; everything else is fatal for the frame.
type StorageError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s storage error: %v", e.Op, kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a StorageError worth retrying.
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Transient
}

func storageErr(op string, transient bool, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Transient: transient, Err: err}
}

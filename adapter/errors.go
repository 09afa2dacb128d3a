package adapter

import (
	"errors"
	"fmt"

	"github.com/alwitt/sirimux/subscription"
)

// ErrUnknownSubscription the subscription is not registered
var ErrUnknownSubscription = errors.New("unknown subscription")

// ConnectionError the provider could not be reached. These are retried.
type ConnectionError struct {
	Operation subscription.Operation
	URL       string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s to %s failed: %s", e.Operation, e.URL, e.Err.Error())
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError the provider answered with a failure. These are not retried.
type ProtocolError struct {
	Operation  subscription.Operation
	URL        string
	StatusCode int
	Reason     string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf(
		"%s to %s rejected (HTTP %d): %s", e.Operation, e.URL, e.StatusCode, e.Reason,
	)
}

// IsConnectionError whether the error is a connection level failure
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsProtocolError whether the error is a protocol level failure
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

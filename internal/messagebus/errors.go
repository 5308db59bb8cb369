package messagebus

import (
	"errors"
	"fmt"
)

// ErrRequestTimedOut is returned by Request when no response arrives before
// the deadline or the context is cancelled.
var ErrRequestTimedOut = errors.New("messagebus: request timed out")

// ErrTransportUnavailable names the condition of a send attempted while
// IsConnected() is false. Broadcast, Send, Request and Reply do not check
// IsConnected and do not return this error; a failing transport call returns
// the transport's own error.
var ErrTransportUnavailable = errors.New("messagebus: transport unavailable")

// errInvalidArgument is the base sentinel wrapped by ErrInvalidArgument.
var errInvalidArgument = errors.New("messagebus: invalid argument")

// ErrInvalidArgument wraps errInvalidArgument with a descriptive reason.
// errors.Is(err, errInvalidArgument) holds for every error it returns.
func ErrInvalidArgument(reason string) error {
	return fmt.Errorf("%w: %s", errInvalidArgument, reason)
}

// IsInvalidArgument reports whether err was produced by ErrInvalidArgument.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, errInvalidArgument)
}

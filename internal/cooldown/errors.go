package cooldown

import (
	"errors"
	"fmt"
)

var errInvalidArgument = errors.New("cooldown: invalid argument")

// ErrInvalidArgument wraps errInvalidArgument with a descriptive reason.
func ErrInvalidArgument(reason string) error {
	return fmt.Errorf("%w: %s", errInvalidArgument, reason)
}

// IsInvalidArgument reports whether err was produced by ErrInvalidArgument.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, errInvalidArgument)
}

package cli

import (
	"errors"

	"github.com/Extra-Chill/apc/internal/device"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
	ExitConfig  = 3
	ExitDevice  = 4
)

var (
	// ErrNoCommand is returned when the invocation names no command.
	ErrNoCommand = errors.New("no command given")
	// ErrUnknownCommand means the grammar produced a command Dispatch
	// does not handle.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMissingPassword is returned when no password is configured and
	// none can be prompted for.
	ErrMissingPassword = errors.New("password is not configured and stdin is not a terminal")
)

// usageError marks a malformed invocation.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// configError marks a missing, unreadable or invalid configuration.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var (
		usageErr  usageError
		configErr configError
		deviceErr *device.Error
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrNoCommand), errors.As(err, &usageErr):
		return ExitUsage
	case errors.As(err, &configErr):
		return ExitConfig
	case errors.As(err, &deviceErr):
		return ExitDevice
	default:
		return ExitFailure
	}
}

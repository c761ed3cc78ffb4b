package cli

import (
	"github.com/jmgilman/go/errors"
	"github.com/rdkcentral/bundlegen/internal/bundle"
)

// Process exit codes.
const (
	ExitOK           = 0 // Success.
	ExitError        = 1 // Any failure not listed below.
	ExitIncompatible = 2 // The app cannot run on the platform.
	ExitProcessing   = 3 // The bundle could not be rewritten for the platform.
)

// Returns the process exit code for the error returned by [Execute].
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, bundle.ErrIncompatible):
		return ExitIncompatible
	case errors.Is(err, bundle.ErrProcessing):
		return ExitProcessing
	default:
		return ExitError
	}
}

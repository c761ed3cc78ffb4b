// Package size converts human-readable size strings to byte counts.
//
// Sizes use binary multiples, so "12M" is 12*1024*1024 bytes. Suffixes are
// case-insensitive and may carry a trailing "B" or "iB" ("12MB", "12MiB").
// A bare number is a byte count.
package size

import (
	"strings"

	units "github.com/docker/go-units"
	"github.com/jmgilman/go/errors"
)

// Returned when a size string cannot be parsed.
var ErrInvalidSize = errors.New(errors.CodeInvalidInput, "invalid size")

// Parses a size string into bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Wrap(ErrInvalidSize, errors.CodeInvalidInput, "empty size")
	}

	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidSize, errors.CodeInvalidInput, "%q: %v", s, err)
	}
	if n < 0 {
		return 0, errors.Wrapf(ErrInvalidSize, errors.CodeInvalidInput, "%q is negative", s)
	}

	return n, nil
}

// Formats a byte count with binary units (e.g., "12MiB").
func Format(n int64) string {
	return units.BytesSize(float64(n))
}

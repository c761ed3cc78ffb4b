package platform

import "github.com/jmgilman/go/errors"

var (
	ErrNotFound = errors.New(errors.CodeNotFound, "platform template not found")
	ErrInvalid  = errors.New(errors.CodeInvalidConfig, "invalid platform template")
)

package appmeta

import "github.com/jmgilman/go/errors"

var (
	ErrNotFound = errors.New(errors.CodeNotFound, "app metadata not found")
	ErrInvalid  = errors.New(errors.CodeInvalidInput, "invalid app metadata")
)

package generate

import "github.com/jmgilman/go/errors"

var (
	ErrRequest      = errors.New(errors.CodeInvalidInput, "invalid generate request")
	ErrOutputExists = errors.New(errors.CodeConflict, "output directory already exists")
	ErrNoMetadata   = errors.New(errors.CodeNotFound, "no app metadata in the image and none provided")
)

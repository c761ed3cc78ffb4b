package bundle

import "github.com/jmgilman/go/errors"

var (
	ErrIncompatible = errors.New(errors.CodeConflict, "app is not compatible with the platform")
	ErrProcessing   = errors.New(errors.CodeBuildFailed, "bundle processing failed")
	ErrConfig       = errors.New(errors.CodeInvalidConfig, "invalid bundle config")
	ErrFileSystem   = errors.New(errors.CodeInternal, "bundle file system operation failed")
	ErrSeccomp      = errors.New(errors.CodeInvalidConfig, "invalid seccomp profile")
)

package libmatch

import "github.com/jmgilman/go/errors"

var (
	ErrFileSystem = errors.New(errors.CodeInternal, "rootfs operation failed")
	ErrMode       = errors.New(errors.CodeInvalidInput, "invalid library matching mode")
)

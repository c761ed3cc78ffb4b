package tarball

import "github.com/jmgilman/go/errors"

var (
	ErrArchive = errors.New(errors.CodeInternal, "bundle archive failed")
)

package image

import "github.com/jmgilman/go/errors"

var (
	ErrPlatform      = errors.New(errors.CodeInvalidConfig, "platform template does not define the image platform")
	ErrDownload      = errors.New(errors.CodeNetwork, "image download failed")
	ErrUnpack        = errors.New(errors.CodeExecutionFailed, "image unpack failed")
	ErrImageNotFound = errors.New(errors.CodeNotFound, "image not found")
	ErrDigest        = errors.New(errors.CodeInvalidInput, "blob digest mismatch")
)

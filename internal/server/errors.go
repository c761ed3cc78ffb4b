package server

import "github.com/jmgilman/go/errors"

var (
	ErrServer   = errors.New(errors.CodeInternal, "server error")
	ErrProtocol = errors.New(errors.CodeInvalidInput, "malformed message")
)

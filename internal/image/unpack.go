package image

import (
	"context"
	"log/slog"

	"github.com/jmgilman/go/errors"
)

// Names of the available unpackers.
const (
	UnpackerUmoci      = "umoci"
	UnpackerLayout     = "layout"
	UnpackerContainerd = "containerd"
)

// Turns an image into an unmodified runtime bundle at dest.
//
// For layout-based unpackers src is the OCI layout directory and tag names
// the image within it. dest must not contain a bundle yet.
type Unpacker interface {
	Unpack(ctx context.Context, src, tag, dest string) error
}

// Unpacks images with "umoci unpack --rootless".
type Umoci struct {
	runner Runner // Runs umoci.
}

// Creates an unpacker running the umoci binary found on PATH.
func NewUmoci() *Umoci {
	return NewUmociWithRunner(Tool("umoci"))
}

// Creates an unpacker around a custom runner.
//
// The runner receives the umoci arguments only.
func NewUmociWithRunner(r Runner) *Umoci {
	return &Umoci{runner: r}
}

// Unpacks src:tag into dest.
func (u *Umoci) Unpack(ctx context.Context, src, tag, dest string) error {
	slog.Debug("unpacking image with umoci", "image", src, "tag", tag, "dest", dest)

	result, err := u.runner.Run(ctx, "unpack", "--rootless", "--image", src+":"+tag, dest)
	if err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeExecutionFailed, "umoci unpack %s:%s: %v%s", src, tag, err, stderr(result))
	}

	slog.Info("unpacked image", "dest", dest)
	return nil
}

// Options for selecting an unpacker by name.
type UnpackerOptions struct {
	Platform            string // OCI platform for native unpackers.
	ContainerdAddress   string // containerd socket for the containerd unpacker.
	ContainerdNamespace string // containerd namespace for the containerd unpacker.
}

// Returns the unpacker with the given name. Empty selects umoci.
func NewUnpacker(name string, opts UnpackerOptions) (Unpacker, error) {
	switch name {
	case "", UnpackerUmoci:
		return NewUmoci(), nil
	case UnpackerLayout:
		return &Layout{Platform: opts.Platform}, nil
	case UnpackerContainerd:
		return &Containerd{
			Address:   opts.ContainerdAddress,
			Namespace: opts.ContainerdNamespace,
			Platform:  opts.Platform,
		}, nil
	default:
		return nil, errors.Newf(errors.CodeInvalidInput, "unknown unpacker %q", name)
	}
}

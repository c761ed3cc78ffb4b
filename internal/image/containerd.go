package image

import (
	"cmp"
	"context"
	"log/slog"
	"strings"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/errdefs"
	"github.com/jmgilman/go/errors"
)

const (

	// containerd socket used when none is configured.
	DefaultContainerdAddress = "/run/containerd/containerd.sock"

	// containerd namespace used when none is configured.
	DefaultContainerdNamespace = "default"

	// Registry transport prefix of skopeo image references.
	dockerTransport = "docker://"
)

// Unpacks images already present in a containerd image store.
//
// src is the image name as stored in containerd, optionally in skopeo's
// "docker://" form. The image content must be available for the requested
// platform; nothing is pulled, so no download precedes this unpacker.
type Containerd struct {
	Address   string // containerd socket. Empty selects the default socket.
	Namespace string // containerd namespace. Empty selects "default".
	Platform  string // OCI platform to select. Empty selects the host platform.
}

// Unpacks the image named src into dest.
//
// tag is appended to src unless src already carries a tag or digest.
func (c *Containerd) Unpack(ctx context.Context, src, tag, dest string) error {
	address := cmp.Or(c.Address, DefaultContainerdAddress)
	namespace := cmp.Or(c.Namespace, DefaultContainerdNamespace)

	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeUnavailable, "connect to containerd at %s: %v", address, err)
	}
	defer client.Close()

	name := imageName(src, tag)
	slog.Debug("resolving containerd image", "image", name, "namespace", namespace)

	img, err := client.ImageService().Get(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return errors.Wrapf(ErrImageNotFound, errors.CodeNotFound, "%s in namespace %s", name, namespace)
		}
		return errors.Wrapf(ErrUnpack, errors.CodeUnavailable, "get image %s: %v", name, err)
	}

	return unpackImage(ctx, client.ContentStore(), img.Target, c.Platform, dest)
}

// Returns the containerd name of src, with tag appended when src names no
// tag or digest. A "docker://" transport prefix is dropped.
func imageName(src, tag string) string {
	src = strings.TrimPrefix(src, dockerTransport)
	if tag == "" || strings.Contains(src, "@") {
		return src
	}

	last := src[strings.LastIndexByte(src, '/')+1:]
	if strings.Contains(last, ":") {
		return src
	}
	return src + ":" + tag
}

// Reports whether u reads a downloaded OCI layout.
//
// Unpackers backed by their own image store take the image reference as src
// instead.
func NeedsDownload(u Unpacker) bool {
	_, ok := u.(*Containerd)
	return !ok
}

package image

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/pkg/archive"
	"github.com/containerd/containerd/v2/pkg/archive/compression"
	"github.com/containerd/containerd/v2/plugins/content/local"
	"github.com/containerd/platforms"
	"github.com/jmgilman/go/errors"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rdkcentral/bundlegen/internal/paths"
)

const (

	// Index file at the root of an OCI layout.
	layoutIndex = "index.json"

	// Bundle entries written by the native unpackers.
	bundleConfig = "config.json"
	bundleRootfs = "rootfs"
)

// Unpacks images from an OCI layout directory without external tools.
//
// Blobs are read through a containerd local content store rooted at the
// layout, whose blob paths match the layout's.
type Layout struct {
	Platform string // OCI platform to select (e.g. "linux/arm/v7"). Empty selects the host platform.
}

// Unpacks the image tagged tag in the layout at src into dest.
//
// The index entry is selected by its reference name annotation; a layout
// holding a single image is used regardless of its annotation.
func (l *Layout) Unpack(ctx context.Context, src, tag, dest string) error {
	store, err := local.NewStore(src)
	if err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeInternal, "open layout %s: %v", src, err)
	}

	idx, err := readLayoutIndex(src)
	if err != nil {
		return err
	}

	root, err := selectTag(idx, tag)
	if err != nil {
		return errors.Wrapf(err, errors.CodeNotFound, "layout %s", src)
	}

	return unpackImage(ctx, store, root, l.Platform, dest)
}

// Reads index.json from a layout directory.
func readLayoutIndex(dir string) (ocispec.Index, error) {
	data, err := os.ReadFile(filepath.Join(dir, layoutIndex))
	if err != nil {
		return ocispec.Index{}, errors.Wrapf(ErrUnpack, errors.CodeNotFound, "read layout index: %v", err)
	}

	var idx ocispec.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return ocispec.Index{}, errors.Wrapf(ErrUnpack, errors.CodeInvalidInput, "decode layout index: %v", err)
	}
	return idx, nil
}

// Returns the index entry whose reference name is tag.
func selectTag(idx ocispec.Index, tag string) (ocispec.Descriptor, error) {
	for _, m := range idx.Manifests {
		if m.Annotations[ocispec.AnnotationRefName] == tag {
			return m, nil
		}
	}

	if len(idx.Manifests) == 1 {
		slog.Debug("layout holds one image, ignoring tag", "tag", tag)
		return idx.Manifests[0], nil
	}

	return ocispec.Descriptor{}, errors.Wrapf(ErrImageNotFound, errors.CodeNotFound, "no image tagged %q", tag)
}

// Writes a bundle for the image rooted at root.
//
// The manifest for the platform is resolved through any index, the layers
// are verified and applied in order to dest/rootfs, and dest/config.json is
// generated from the image config.
func unpackImage(ctx context.Context, provider content.Provider, root ocispec.Descriptor, platform, dest string) error {
	matcher, spec, err := platformMatcher(platform)
	if err != nil {
		return err
	}

	manifest, err := images.Manifest(ctx, provider, root, matcher)
	if err != nil {
		return errors.Wrapf(ErrImageNotFound, errors.CodeNotFound, "no manifest for %s: %v", spec, err)
	}

	var config ocispec.Image
	if err := readJSON(ctx, provider, manifest.Config, &config); err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeInvalidInput, "read image config: %v", err)
	}

	rootfs := filepath.Join(dest, bundleRootfs)
	if err := os.MkdirAll(rootfs, paths.DefaultDirMode); err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeInternal, "create %s: %v", rootfs, err)
	}

	for i, layer := range manifest.Layers {
		slog.Debug("applying layer", "index", i, "digest", layer.Digest, "size", layer.Size)
		if err := applyLayer(ctx, provider, layer, rootfs); err != nil {
			return err
		}
	}

	s, err := generateSpec(ctx, config, rootfs, spec)
	if err != nil {
		return err
	}

	if err := writeSpec(filepath.Join(dest, bundleConfig), s); err != nil {
		return err
	}

	slog.Info("unpacked image", "dest", dest, "platform", spec, "layers", len(manifest.Layers))
	return nil
}

// Returns a strict matcher and the normalized platform string.
func platformMatcher(platform string) (platforms.MatchComparer, string, error) {
	p := platforms.DefaultSpec()
	if platform != "" {
		var err error
		if p, err = platforms.Parse(platform); err != nil {
			return nil, "", errors.Wrapf(ErrPlatform, errors.CodeInvalidConfig, "%s: %v", platform, err)
		}
	}
	return platforms.Only(p), platforms.Format(p), nil
}

// Applies one layer to rootfs after checking its digest.
//
// The blob is hashed while it streams into the extractor and drained after
// extraction, so the digest covers the whole blob. Ownership is not
// preserved, as the bundle is unpacked without privileges.
func applyLayer(ctx context.Context, provider content.Provider, desc ocispec.Descriptor, rootfs string) error {
	ra, err := provider.ReaderAt(ctx, desc)
	if err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeNotFound, "open layer %s: %v", desc.Digest, err)
	}
	defer ra.Close()

	verifier := desc.Digest.Verifier()
	blob := io.TeeReader(content.NewReader(ra), verifier)

	r, err := compression.DecompressStream(blob)
	if err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeInvalidInput, "decompress layer %s: %v", desc.Digest, err)
	}
	defer r.Close()

	if _, err := archive.Apply(ctx, rootfs, r, archive.WithNoSameOwner()); err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeInternal, "apply layer %s: %v", desc.Digest, err)
	}

	if _, err := io.Copy(io.Discard, blob); err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeInternal, "read layer %s: %v", desc.Digest, err)
	}

	if !verifier.Verified() {
		return errors.Wrapf(ErrDigest, errors.CodeInvalidInput, "layer %s", desc.Digest)
	}

	return nil
}

// Loads a JSON blob from the provider.
func readJSON(ctx context.Context, provider content.Provider, desc ocispec.Descriptor, v any) error {
	b, err := content.ReadBlob(ctx, provider, desc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

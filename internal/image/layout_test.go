package image

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPasswd = "root:x:0:0:root:/root:/bin/sh\napp:x:1000:1000::/home/app:/bin/sh\n"
	testGroup  = "root:x:0:\napp:x:1000:\nvideo:x:44:app\n"
)

type tarEntry struct {
	name     string
	body     string
	mode     int64
	typeflag byte
	linkname string
}

// Builds an uncompressed layer tarball.
func buildLayer(t *testing.T, entries []tarEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     e.mode,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Size:     int64(len(e.body)),
		}
		if e.typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// Stores data as a blob of the layout at dir.
func writeBlob(t *testing.T, dir, mediaType string, data []byte) ocispec.Descriptor {
	t.Helper()

	d := digest.FromBytes(data)
	path := filepath.Join(dir, "blobs", d.Algorithm().String(), d.Encoded())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return ocispec.Descriptor{MediaType: mediaType, Digest: d, Size: int64(len(data))}
}

func writeJSONBlob(t *testing.T, dir, mediaType string, v any) ocispec.Descriptor {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	return writeBlob(t, dir, mediaType, data)
}

func writeIndex(t *testing.T, dir string, manifests ...ocispec.Descriptor) {
	t.Helper()

	idx := ocispec.Index{
		Versioned: imagespec.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: manifests,
	}
	data, err := json.Marshal(idx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, layoutIndex), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ocispec.ImageLayoutFile), []byte(`{"imageLayoutVersion":"1.0.0"}`), 0o644))
}

// Stores an arm/v7 image in the layout at dir and returns its manifest
// descriptor. The layer blob is returned for tampering.
func writeImage(t *testing.T, dir string) (ocispec.Descriptor, string) {
	t.Helper()

	base := buildLayer(t, []tarEntry{
		{name: "etc/", mode: 0o755, typeflag: tar.TypeDir},
		{name: "etc/passwd", body: testPasswd, mode: 0o644, typeflag: tar.TypeReg},
		{name: "etc/group", body: testGroup, mode: 0o644, typeflag: tar.TypeReg},
		{name: "usr/", mode: 0o755, typeflag: tar.TypeDir},
		{name: "usr/bin/", mode: 0o755, typeflag: tar.TypeDir},
		{name: "usr/bin/app", body: "hello", mode: 0o755, typeflag: tar.TypeReg},
		{name: "bin", typeflag: tar.TypeSymlink, linkname: "usr/bin"},
	})
	extra := buildLayer(t, []tarEntry{
		{name: "srv/", mode: 0o755, typeflag: tar.TypeDir},
		{name: "srv/motd", body: "welcome", mode: 0o644, typeflag: tar.TypeReg},
	})

	baseDesc := writeBlob(t, dir, ocispec.MediaTypeImageLayer, base)
	extraDesc := writeBlob(t, dir, ocispec.MediaTypeImageLayer, extra)

	config := ocispec.Image{
		Platform: ocispec.Platform{OS: "linux", Architecture: "arm", Variant: "v7"},
		Config: ocispec.ImageConfig{
			User:       "app",
			Env:        []string{"PATH=/usr/bin:/bin", "APP_MODE=test"},
			Entrypoint: []string{"/usr/bin/app"},
			Cmd:        []string{"--serve"},
			WorkingDir: "/srv",
		},
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: []digest.Digest{baseDesc.Digest, extraDesc.Digest},
		},
	}
	configDesc := writeJSONBlob(t, dir, ocispec.MediaTypeImageConfig, config)

	manifest := ocispec.Manifest{
		Versioned: imagespec.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    []ocispec.Descriptor{baseDesc, extraDesc},
	}
	manifestDesc := writeJSONBlob(t, dir, ocispec.MediaTypeImageManifest, manifest)
	manifestDesc.Platform = &config.Platform

	return manifestDesc, filepath.Join(dir, "blobs", "sha256", baseDesc.Digest.Encoded())
}

func tagged(desc ocispec.Descriptor, tag string) ocispec.Descriptor {
	desc.Annotations = map[string]string{ocispec.AnnotationRefName: tag}
	return desc
}

func readBundleConfig(t *testing.T, dest string) specs.Spec {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dest, bundleConfig))
	require.NoError(t, err)

	var s specs.Spec
	require.NoError(t, json.Unmarshal(data, &s))
	return s
}

func TestLayoutUnpack(t *testing.T) {
	src := t.TempDir()
	desc, _ := writeImage(t, src)
	writeIndex(t, src, tagged(desc, "1.0"))

	dest := filepath.Join(t.TempDir(), "bundle")
	l := &Layout{Platform: "linux/arm/v7"}
	require.NoError(t, l.Unpack(context.Background(), src, "1.0", dest))

	rootfs := filepath.Join(dest, bundleRootfs)
	assert.FileExists(t, filepath.Join(rootfs, "usr", "bin", "app"))
	assert.FileExists(t, filepath.Join(rootfs, "srv", "motd"))

	link, err := os.Readlink(filepath.Join(rootfs, "bin"))
	require.NoError(t, err)
	assert.Equal(t, "usr/bin", link)

	body, err := os.ReadFile(filepath.Join(rootfs, "usr", "bin", "app"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	s := readBundleConfig(t, dest)
	require.NotNil(t, s.Root)
	assert.Equal(t, bundleRootfs, s.Root.Path)
	require.NotNil(t, s.Process)
	assert.Equal(t, []string{"/usr/bin/app", "--serve"}, s.Process.Args)
	assert.Equal(t, "/srv", s.Process.Cwd)
	assert.Contains(t, s.Process.Env, "APP_MODE=test")
	assert.Equal(t, uint32(1000), s.Process.User.UID)
	assert.Equal(t, uint32(1000), s.Process.User.GID)

	require.NotNil(t, s.Linux)
	require.Len(t, s.Linux.UIDMappings, 1)
	assert.Equal(t, uint32(os.Getuid()), s.Linux.UIDMappings[0].HostID)
	assert.Equal(t, uint32(0), s.Linux.UIDMappings[0].ContainerID)
	require.Len(t, s.Linux.GIDMappings, 1)
	assert.Equal(t, uint32(os.Getgid()), s.Linux.GIDMappings[0].HostID)

	var userns bool
	for _, ns := range s.Linux.Namespaces {
		if ns.Type == specs.UserNamespace {
			userns = true
		}
	}
	assert.True(t, userns, "user namespace missing")
}

func TestLayoutUnpackSingleImageIgnoresTag(t *testing.T) {
	src := t.TempDir()
	desc, _ := writeImage(t, src)
	writeIndex(t, src, desc)

	dest := filepath.Join(t.TempDir(), "bundle")
	require.NoError(t, (&Layout{Platform: "linux/arm/v7"}).Unpack(context.Background(), src, "latest", dest))
	assert.FileExists(t, filepath.Join(dest, bundleConfig))
}

func TestLayoutUnpackUnknownTag(t *testing.T) {
	src := t.TempDir()
	desc, _ := writeImage(t, src)
	writeIndex(t, src, tagged(desc, "1.0"), tagged(desc, "2.0"))

	err := (&Layout{Platform: "linux/arm/v7"}).Unpack(context.Background(), src, "3.0", t.TempDir())
	require.ErrorIs(t, err, ErrImageNotFound)
}

func TestLayoutUnpackPlatformMismatch(t *testing.T) {
	src := t.TempDir()
	desc, _ := writeImage(t, src)

	nested := writeJSONBlob(t, src, ocispec.MediaTypeImageIndex, ocispec.Index{
		Versioned: imagespec.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{desc},
	})
	writeIndex(t, src, tagged(nested, "1.0"))

	dest := filepath.Join(t.TempDir(), "bundle")
	err := (&Layout{Platform: "linux/amd64"}).Unpack(context.Background(), src, "1.0", dest)
	require.ErrorIs(t, err, ErrImageNotFound)

	require.NoError(t, (&Layout{Platform: "linux/arm/v7"}).Unpack(context.Background(), src, "1.0", dest))
	assert.FileExists(t, filepath.Join(dest, bundleRootfs, "srv", "motd"))
}

func TestLayoutUnpackDigestMismatch(t *testing.T) {
	src := t.TempDir()
	desc, layer := writeImage(t, src)
	writeIndex(t, src, tagged(desc, "1.0"))

	data, err := os.ReadFile(layer)
	require.NoError(t, err)
	data = bytes.Replace(data, []byte("hello"), []byte("jello"), 1)
	require.NoError(t, os.WriteFile(layer, data, 0o644))

	err = (&Layout{Platform: "linux/arm/v7"}).Unpack(context.Background(), src, "1.0", t.TempDir())
	require.ErrorIs(t, err, ErrDigest)
}

func TestLayoutUnpackMissingIndex(t *testing.T) {
	err := (&Layout{}).Unpack(context.Background(), t.TempDir(), "latest", t.TempDir())
	require.ErrorIs(t, err, ErrUnpack)
}

func TestLayoutUnpackInvalidPlatform(t *testing.T) {
	src := t.TempDir()
	desc, _ := writeImage(t, src)
	writeIndex(t, src, desc)

	err := (&Layout{Platform: "not/a/valid/platform/string"}).Unpack(context.Background(), src, "latest", t.TempDir())
	require.ErrorIs(t, err, ErrPlatform)
}

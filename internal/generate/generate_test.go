package generate

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/rdkcentral/bundlegen/internal/appmeta"
	"github.com/rdkcentral/bundlegen/internal/bundle"
	"github.com/rdkcentral/bundlegen/internal/image"
	"github.com/rdkcentral/bundlegen/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/fs"
)

const (
	testImage    = "docker://registry.example.com/app:1.0"
	testPlatform = "rpi3"
)

const testTemplate = `{
	"arch": {"arch": "arm", "variant": "v7"},
	"os": "linux",
	"hardware": {"graphics": false, "maxRam": "120M"},
	"storage": {"persistent": {"maxSize": "60M", "storageDir": "/opt/persistent"}}
}`

const ownershipTemplate = `{
	"arch": {"arch": "arm", "variant": "v7"},
	"os": "linux",
	"usersAndGroups": {
		"user": {"uid": 1000, "gid": 1000},
		"uidMap": [{"containerID": 1000, "hostID": 30000, "size": 1}],
		"gidMap": [{"containerID": 1000, "hostID": 30001, "size": 1}]
	},
	"tarball": {"fileOwnershipSameAsUser": true, "fileMask": "750"}
}`

const unpackedConfig = `{
	"ociVersion": "1.0.2",
	"process": {"user": {"uid": 0, "gid": 0}, "args": ["/bin/app"], "cwd": "/"},
	"root": {"path": "rootfs"},
	"linux": {
		"namespaces": [{"type": "pid"}, {"type": "mount"}, {"type": "user"}],
		"uidMappings": [{"containerID": 0, "hostID": 1000, "size": 1}],
		"gidMappings": [{"containerID": 0, "hostID": 1000, "size": 1}]
	}
}`

type emptyInspector struct{}

func (emptyInspector) APIVersions(string) map[string]struct{} {
	return map[string]struct{}{}
}

type fakeDownloader struct {
	dir    string
	err    error
	layout string
	calls  int
}

func (f *fakeDownloader) Download(_ context.Context, _, _ string, _ *platform.Template) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}

	dir, err := os.MkdirTemp(f.dir, "image-")
	if err != nil {
		return "", err
	}
	f.layout = dir
	return dir, nil
}

// Writes a minimal unpacked bundle, optionally embedding app metadata.
type fakeUnpacker struct {
	embedded string
	err      error
	src, tag string
}

func (f *fakeUnpacker) Unpack(_ context.Context, src, tag, dest string) error {
	f.src, f.tag = src, tag
	if f.err != nil {
		return f.err
	}

	rootfs := filepath.Join(dest, bundle.RootfsDir)
	if err := os.MkdirAll(filepath.Join(rootfs, "bin"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(rootfs, "bin", "app"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		return err
	}
	if f.embedded != "" {
		if err := os.WriteFile(filepath.Join(rootfs, appmeta.EmbeddedFile), []byte(f.embedded), 0o644); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(dest, bundle.ConfigFile), []byte(unpackedConfig), 0o644)
}

type fixture struct {
	opts       Options
	downloader *fakeDownloader
	unpacker   *fakeUnpacker
}

func newFixture(t *testing.T, template, embedded string) *fixture {
	t.Helper()

	templates := fs.NewDir(t, "templates", fs.WithFile(testPlatform+".json", template))
	downloader := &fakeDownloader{dir: t.TempDir()}
	unpacker := &fakeUnpacker{embedded: embedded}

	return &fixture{
		opts: Options{
			Image:      testImage,
			Platform:   testPlatform,
			SearchPath: []string{templates.Path()},
			Output:     filepath.Join(t.TempDir(), "bundle"),
			Downloader: downloader,
			Unpacker:   unpacker,
			Inspector:  emptyInspector{},
		},
		downloader: downloader,
		unpacker:   unpacker,
	}
}

func readConfig(t *testing.T, dir string) *bundle.Config {
	t.Helper()
	cfg, err := bundle.ReadConfig(filepath.Join(dir, bundle.ConfigFile))
	require.NoError(t, err)
	return cfg
}

func TestRunEmbeddedMetadata(t *testing.T) {
	f := newFixture(t, testTemplate, `{"id": "com.example.embedded"}`)

	result, err := Run(context.Background(), f.opts)
	require.NoError(t, err)

	assert.Equal(t, f.opts.Output, result.Bundle)
	assert.Equal(t, f.opts.Output+".tar.gz", result.Archive)
	assert.Equal(t, "com.example.embedded", result.AppID)
	assert.FileExists(t, result.Archive)

	assert.Equal(t, f.downloader.layout, f.unpacker.src)
	assert.Equal(t, "1.0", f.unpacker.tag)
	assert.NoDirExists(t, f.downloader.layout, "downloaded layout is removed")
	assert.NoFileExists(t, filepath.Join(result.Bundle, bundle.RootfsDir, appmeta.EmbeddedFile))

	cfg := readConfig(t, result.Bundle)
	assert.Equal(t, "com.example.embedded", cfg.Hostname)
	assert.Equal(t, []string{platform.DefaultDobbyInitPath, "/bin/app"}, cfg.Process.Args)
}

func TestRunMetadataPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "appmetadata.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"id": "com.example.file"}`), 0o644))

	tests := []struct {
		name   string
		inline string
		path   string
		want   string
	}{
		{name: "inline wins", inline: `{"id": "com.example.inline"}`, path: file, want: "com.example.inline"},
		{name: "file over image", path: file, want: "com.example.file"},
		{name: "image", want: "com.example.embedded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testTemplate, `{"id": "com.example.embedded"}`)
			f.opts.AppMetadata = json.RawMessage(tt.inline)
			f.opts.AppMetadataPath = tt.path
			f.opts.NoPackage = true

			result, err := Run(context.Background(), f.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.AppID)
			assert.Empty(t, result.Archive)
			assert.NoFileExists(t, f.opts.Output+".tar.gz")
			assert.NoFileExists(t, filepath.Join(result.Bundle, bundle.RootfsDir, appmeta.EmbeddedFile))
		})
	}
}

func TestRunAppIDOverride(t *testing.T) {
	f := newFixture(t, testTemplate, "")
	f.opts.AppMetadata = json.RawMessage(`{"graphics": false}`)
	f.opts.AppID = "com.example.override"
	f.opts.NoPackage = true

	result, err := Run(context.Background(), f.opts)
	require.NoError(t, err)
	assert.Equal(t, "com.example.override", result.AppID)
}

func TestRunInvalidMetadata(t *testing.T) {
	f := newFixture(t, testTemplate, `{"graphics": false}`)

	_, err := Run(context.Background(), f.opts)
	require.ErrorIs(t, err, appmeta.ErrInvalid)
	assert.NoDirExists(t, f.opts.Output)
}

func TestRunNoMetadata(t *testing.T) {
	f := newFixture(t, testTemplate, "")

	_, err := Run(context.Background(), f.opts)
	require.ErrorIs(t, err, ErrNoMetadata)
	assert.NoDirExists(t, f.opts.Output)
}

func TestRunIncompatible(t *testing.T) {
	f := newFixture(t, testTemplate, `{
		"id": "com.example.app",
		"storage": {"persistent": [{"size": "62M", "path": "/home/private"}]}
	}`)

	_, err := Run(context.Background(), f.opts)
	require.ErrorIs(t, err, bundle.ErrIncompatible)
	assert.NoDirExists(t, f.opts.Output)
	assert.NoFileExists(t, f.opts.Output+".tar.gz")
}

func TestRunOutputExists(t *testing.T) {
	f := newFixture(t, testTemplate, `{"id": "com.example.app"}`)
	require.NoError(t, os.MkdirAll(f.opts.Output, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.opts.Output, "keep"), nil, 0o644))

	_, err := Run(context.Background(), f.opts)
	require.ErrorIs(t, err, ErrOutputExists)
	assert.FileExists(t, filepath.Join(f.opts.Output, "keep"))
	assert.Zero(t, f.downloader.calls)
}

func TestRunDownloadFailure(t *testing.T) {
	f := newFixture(t, testTemplate, `{"id": "com.example.app"}`)
	f.downloader.err = errors.New("registry unreachable")

	_, err := Run(context.Background(), f.opts)
	require.ErrorContains(t, err, "registry unreachable")
	assert.NoDirExists(t, f.opts.Output)
}

func TestRunUnpackFailure(t *testing.T) {
	f := newFixture(t, testTemplate, `{"id": "com.example.app"}`)
	f.unpacker.err = errors.New("bad layer")

	_, err := Run(context.Background(), f.opts)
	require.ErrorContains(t, err, "bad layer")
	assert.NoDirExists(t, f.opts.Output)
	assert.NoDirExists(t, f.downloader.layout)
}

func TestRunMissingTemplate(t *testing.T) {
	f := newFixture(t, testTemplate, `{"id": "com.example.app"}`)
	f.opts.Platform = "unknown"

	_, err := Run(context.Background(), f.opts)
	require.ErrorIs(t, err, platform.ErrNotFound)
	assert.Zero(t, f.downloader.calls)
}

func TestRunRequiresImageAndOutput(t *testing.T) {
	_, err := Run(context.Background(), Options{Output: t.TempDir()})
	require.ErrorIs(t, err, ErrRequest)

	_, err = Run(context.Background(), Options{Image: testImage})
	require.ErrorIs(t, err, ErrRequest)
}

func TestRunArchiveOwnership(t *testing.T) {
	f := newFixture(t, ownershipTemplate, `{"id": "com.example.app"}`)
	f.opts.Archive = filepath.Join(t.TempDir(), "com.example.app-1")

	result, err := Run(context.Background(), f.opts)
	require.NoError(t, err)
	assert.Equal(t, f.opts.Archive+".tar.gz", result.Archive)

	file, err := os.Open(result.Archive)
	require.NoError(t, err)
	defer file.Close()

	gz, err := gzip.NewReader(file)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	names := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		names[hdr.Name] = true
		assert.Equal(t, 30000, hdr.Uid, hdr.Name)
		assert.Equal(t, 30001, hdr.Gid, hdr.Name)
		assert.Zero(t, hdr.Mode&0o027, hdr.Name)
	}

	assert.True(t, names[bundle.ConfigFile])
	assert.True(t, names["rootfs/bin/app"])
}

func TestUnpackerSelection(t *testing.T) {
	tmpl := &platform.Template{OS: "linux", Arch: &platform.Arch{Arch: "arm", Variant: "v7"}}

	u, err := unpacker(tmpl, Options{})
	require.NoError(t, err)
	assert.IsType(t, &image.Umoci{}, u)

	u, err = unpacker(tmpl, Options{UnpackerKind: image.UnpackerLayout})
	require.NoError(t, err)
	assert.Equal(t, &image.Layout{Platform: "linux/arm/v7"}, u)

	u, err = unpacker(tmpl, Options{
		UnpackerKind: image.UnpackerContainerd,
		Containerd:   ContainerdOptions{Address: "/run/test.sock", Namespace: "apps"},
	})
	require.NoError(t, err)
	assert.Equal(t, &image.Containerd{Address: "/run/test.sock", Namespace: "apps", Platform: "linux/arm/v7"}, u)

	_, err = unpacker(&platform.Template{}, Options{UnpackerKind: image.UnpackerLayout})
	require.ErrorIs(t, err, image.ErrPlatform)

	_, err = unpacker(tmpl, Options{UnpackerKind: "docker"})
	require.Error(t, err)

	custom := &fakeUnpacker{}
	u, err = unpacker(&platform.Template{}, Options{Unpacker: custom, UnpackerKind: "docker"})
	require.NoError(t, err)
	assert.Same(t, custom, u)
}

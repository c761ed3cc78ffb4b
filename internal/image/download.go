package image

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/containerd/platforms"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/exec"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rdkcentral/bundlegen/internal/paths"
	"github.com/rdkcentral/bundlegen/internal/platform"
)

// Tag used when an image reference carries none.
const defaultTag = "latest"

// Runs an external tool and returns its captured output.
type Runner interface {
	Run(ctx context.Context, args ...string) (*exec.Result, error)
}

// Runs the named binary from PATH.
//
// A fresh command is created for every run, so a Tool is safe for
// concurrent use.
type Tool string

// Runs the tool with args.
func (t Tool) Run(ctx context.Context, args ...string) (*exec.Result, error) {
	cmd := exec.New(exec.WithContext(ctx), exec.WithInheritEnv())
	return exec.NewWrapper(cmd, string(t)).Run(args...)
}

// Copies images from a registry into OCI layout directories.
type Downloader struct {
	runner   Runner // Runs skopeo.
	cacheDir string // Parent of the layout directories.
}

// Creates a downloader running skopeo and storing layouts under cacheDir.
func NewDownloader(cacheDir string) *Downloader {
	return NewDownloaderWithRunner(Tool("skopeo"), cacheDir)
}

// Creates a downloader around a custom runner.
//
// The runner receives the skopeo arguments only.
func NewDownloaderWithRunner(r Runner, cacheDir string) *Downloader {
	return &Downloader{runner: r, cacheDir: cacheDir}
}

// Returns the tag of an image reference.
//
// The tag is the text after the last ':'. References without a tag yield
// "latest", detected when that text still holds a path or the scheme
// separator.
func ImageTag(ref string) string {
	i := strings.LastIndexByte(ref, ':')
	if i < 0 {
		return defaultTag
	}

	tag := ref[i+1:]
	if tag == "" || strings.Contains(tag, "/") {
		return defaultTag
	}
	return tag
}

// Copies the image at ref into a new OCI layout directory.
//
// The manifest is selected for the template's os, arch and variant. creds
// ("user:password") is passed to the registry when set. Returns the layout
// directory, which holds the image under [ImageTag] of ref. The caller
// removes the directory when done.
func (d *Downloader) Download(ctx context.Context, ref, creds string, tmpl *platform.Template) (string, error) {
	if tmpl.Arch == nil || tmpl.Arch.Arch == "" {
		return "", errors.Wrap(ErrPlatform, errors.CodeInvalidConfig, "platform architecture is not defined")
	}
	if tmpl.OS == "" {
		return "", errors.Wrap(ErrPlatform, errors.CodeInvalidConfig, "platform os is not defined")
	}

	if err := os.MkdirAll(d.cacheDir, paths.DefaultDirMode); err != nil {
		return "", errors.Wrapf(err, errors.CodeInternal, "failed to create image cache %s", d.cacheDir)
	}

	dest, err := os.MkdirTemp(d.cacheDir, "image-")
	if err != nil {
		return "", errors.Wrapf(err, errors.CodeInternal, "failed to create image directory in %s", d.cacheDir)
	}

	tag := ImageTag(ref)

	var args []string
	if creds != "" {
		args = append(args, "--src-creds", creds)
	}
	args = append(args, "--override-os", tmpl.OS, "--override-arch", tmpl.Arch.Arch)
	if tmpl.Arch.Variant != "" {
		args = append(args, "--override-variant", tmpl.Arch.Variant)
	}
	args = append(args, "copy", ref, "oci:"+dest+":"+tag)

	slog.Info("downloading image", "image", ref, "dest", dest)

	result, err := d.runner.Run(ctx, args...)
	if err != nil {
		os.RemoveAll(dest)
		return "", errors.Wrapf(ErrDownload, errors.CodeNetwork, "skopeo copy %s: %v%s", ref, err, stderr(result))
	}

	slog.Info("downloaded image", "image", ref, "dest", dest)
	return dest, nil
}

// Returns the OCI platform string for a template, such as "linux/arm/v7".
func Platform(tmpl *platform.Template) (string, error) {
	if tmpl.Arch == nil || tmpl.Arch.Arch == "" || tmpl.OS == "" {
		return "", errors.Wrap(ErrPlatform, errors.CodeInvalidConfig, "platform os and architecture are required")
	}

	return platforms.Format(platforms.Normalize(ocispec.Platform{
		OS:           tmpl.OS,
		Architecture: tmpl.Arch.Arch,
		Variant:      tmpl.Arch.Variant,
	})), nil
}

// Returns the tool's stderr as an error suffix.
func stderr(result *exec.Result) string {
	if result == nil {
		return ""
	}
	if s := strings.TrimSpace(result.Stderr); s != "" {
		return ": " + s
	}
	return ""
}

package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmgilman/go/errors"
	"github.com/rdkcentral/bundlegen/internal/appmeta"
	"github.com/rdkcentral/bundlegen/internal/bundle"
	"github.com/rdkcentral/bundlegen/internal/image"
	"github.com/rdkcentral/bundlegen/internal/libmatch"
	"github.com/rdkcentral/bundlegen/internal/paths"
	"github.com/rdkcentral/bundlegen/internal/platform"
	"github.com/rdkcentral/bundlegen/internal/tarball"
)

// Copies an image into a local OCI layout directory.
type Downloader interface {
	Download(ctx context.Context, ref, creds string, tmpl *platform.Template) (string, error)
}

// Controls one run.
type Options struct {
	Image             string             // Image reference (e.g., "docker://registry/app:1.0").
	Platform          string             // Platform template name.
	SearchPath        []string           // Template directories. Empty uses the XDG search path.
	Creds             string             // Registry credentials ("user:password").
	Output            string             // Bundle directory. Must not exist.
	AppMetadata       json.RawMessage    // Inline app metadata. Wins over the file and the image.
	AppMetadataPath   string             // App metadata file. Wins over the image.
	AppID             string             // Overrides the app id of the metadata.
	NoDepWalking      bool               // Ignore library metadata when matching libraries.
	Mode              libmatch.Mode      // Library matching mode. Empty means normal.
	CreateMountPoints bool               // Create mount targets in the rootfs.
	NoPackage         bool               // Leave the bundle unpackaged.
	Archive           string             // Archive path without suffix. Empty uses Output.
	Downloader        Downloader         // Image downloader. Nil uses skopeo with the XDG image cache.
	Unpacker          image.Unpacker     // Image unpacker. Nil selects one by UnpackerKind.
	UnpackerKind      string             // "umoci" (default), "layout" or "containerd".
	Containerd        ContainerdOptions  // Image store for the containerd unpacker.
	Inspector         libmatch.Inspector // Rootfs library inspector. Nil uses readelf.
}

// Locates the containerd image store.
type ContainerdOptions struct {
	Address   string // containerd socket. Empty uses the default socket.
	Namespace string // containerd namespace. Empty uses "default".
}

// Returned after a successful run.
type Result struct {
	Bundle  string // Bundle directory.
	Archive string // Bundle archive. Empty when packaging was skipped.
	AppID   string // Id of the app the bundle runs.
}

// Generates a bundle.
//
// The output directory is removed when any step fails, including the
// compatibility check, which fails with an error wrapping
// [bundle.ErrIncompatible]. Processing failures wrap [bundle.ErrProcessing].
func Run(ctx context.Context, opts Options) (*Result, error) {
	opts, err := withDefaults(opts)
	if err != nil {
		return nil, err
	}

	tmpl, err := platform.Load(opts.Platform, opts.SearchPath)
	if err != nil {
		return nil, err
	}

	if opts.Unpacker, err = unpacker(tmpl, opts); err != nil {
		return nil, err
	}

	if _, err := os.Lstat(opts.Output); err == nil {
		return nil, errors.Wrapf(ErrOutputExists, errors.CodeConflict, "%s", opts.Output)
	}

	slog.Info("generating bundle", "image", opts.Image, "platform", opts.Platform, "output", opts.Output)

	result, err := run(ctx, tmpl, opts)
	if err != nil {
		if rmErr := os.RemoveAll(opts.Output); rmErr != nil {
			slog.Warn("failed to remove output directory", "path", opts.Output, "error", rmErr)
		}
		return nil, err
	}

	slog.Info("bundle generated", "bundle", result.Bundle, "archive", result.Archive, "app", result.AppID)
	return result, nil
}

// Validates the request and fills in the default collaborators.
func withDefaults(opts Options) (Options, error) {
	if opts.Image == "" {
		return opts, errors.Wrap(ErrRequest, errors.CodeInvalidInput, "image is required")
	}
	if opts.Output == "" {
		return opts, errors.Wrap(ErrRequest, errors.CodeInvalidInput, "output directory is required")
	}

	output, err := filepath.Abs(opts.Output)
	if err != nil {
		return opts, errors.Wrapf(ErrRequest, errors.CodeInvalidInput, "output directory %s: %v", opts.Output, err)
	}
	opts.Output = output

	if len(opts.SearchPath) == 0 {
		opts.SearchPath = paths.TemplateSearchPath()
	}
	if opts.Downloader == nil {
		opts.Downloader = image.NewDownloader(paths.ImageCache())
	}

	return opts, nil
}

// Returns the configured unpacker or builds one for the template platform.
func unpacker(tmpl *platform.Template, opts Options) (image.Unpacker, error) {
	if opts.Unpacker != nil {
		return opts.Unpacker, nil
	}

	uopts := image.UnpackerOptions{
		ContainerdAddress:   opts.Containerd.Address,
		ContainerdNamespace: opts.Containerd.Namespace,
	}
	if opts.UnpackerKind != "" && opts.UnpackerKind != image.UnpackerUmoci {
		p, err := image.Platform(tmpl)
		if err != nil {
			return nil, err
		}
		uopts.Platform = p
	}

	return image.NewUnpacker(opts.UnpackerKind, uopts)
}

// Runs every step after the template is loaded.
func run(ctx context.Context, tmpl *platform.Template, opts Options) (*Result, error) {
	src := opts.Image
	if image.NeedsDownload(opts.Unpacker) {
		layout, err := opts.Downloader.Download(ctx, opts.Image, opts.Creds, tmpl)
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(layout)
		src = layout
	}

	if err := opts.Unpacker.Unpack(ctx, src, image.ImageTag(opts.Image), opts.Output); err != nil {
		return nil, err
	}

	app, err := loadMetadata(opts)
	if err != nil {
		return nil, err
	}

	proc, err := bundle.New(tmpl, opts.Output, app, bundle.Options{
		NoDepWalking:      opts.NoDepWalking,
		Mode:              opts.Mode,
		CreateMountPoints: opts.CreateMountPoints,
		Inspector:         opts.Inspector,
	})
	if err != nil {
		return nil, err
	}

	if err := proc.CheckCompatibility(); err != nil {
		return nil, err
	}

	if err := proc.Process(); err != nil {
		return nil, err
	}

	result := &Result{Bundle: opts.Output, AppID: app.ID}
	if opts.NoPackage {
		return result, nil
	}

	archive, err := pack(proc, tmpl, opts)
	if err != nil {
		return nil, err
	}
	result.Archive = archive

	return result, nil
}

// Resolves the app metadata of the run.
//
// Inline metadata wins over the metadata file, which wins over the copy
// embedded in the image. The embedded copy is removed from the rootfs in
// every case. The id override is applied before validation.
func loadMetadata(opts Options) (*appmeta.Metadata, error) {
	embedded, err := appmeta.FromRootfs(opts.Output)
	if err != nil {
		return nil, err
	}
	if err := appmeta.RemoveFromRootfs(opts.Output); err != nil {
		return nil, err
	}

	var app *appmeta.Metadata
	switch {
	case len(opts.AppMetadata) > 0:
		if embedded != nil {
			slog.Warn("image contains app metadata, using the metadata provided instead")
		}
		if app, err = appmeta.Decode(bytes.NewReader(opts.AppMetadata)); err != nil {
			return nil, err
		}
	case opts.AppMetadataPath != "":
		slog.Debug("loading app metadata", "path", opts.AppMetadataPath)
		if app, err = appmeta.Load(opts.AppMetadataPath); err != nil {
			return nil, err
		}
	case embedded != nil:
		slog.Debug("using app metadata from the image")
		app = embedded
	default:
		return nil, errors.Wrap(ErrNoMetadata, errors.CodeNotFound, opts.Image)
	}

	if opts.AppID != "" {
		app.ID = opts.AppID
	}

	if err := app.Validate(); err != nil {
		return nil, err
	}
	return app, nil
}

// Packages the processed bundle.
//
// When the template asks for it, entries are owned by the host ids the
// container user maps to, and permission bits are masked.
func pack(proc *bundle.Processor, tmpl *platform.Template, opts Options) (string, error) {
	var topts tarball.Options
	if t := tmpl.Tarball; t != nil {
		if t.FileOwnershipSameAsUser {
			if uid, gid, ok := proc.RealUIDGID(); ok {
				topts.UID, topts.GID = &uid, &gid
			} else {
				slog.Warn("container user is not mapped to a host user, keeping file ownership")
			}
		}

		mask, err := tarball.ParseMask(t.FileMask)
		if err != nil {
			return "", err
		}
		topts.FileMask = mask
	}

	dest := opts.Archive
	if dest == "" {
		dest = opts.Output
	}

	return tarball.Create(opts.Output, dest, topts)
}

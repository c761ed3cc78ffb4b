package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/jmgilman/go/errors"
	"github.com/rdkcentral/bundlegen/internal/generate"
	"github.com/rdkcentral/bundlegen/internal/libmatch"
)

// Selects how images are unpacked. Shared by generate and serve.
type UnpackerFlags struct {
	Unpacker            string `enum:"umoci,layout,containerd" default:"umoci" help:"Image unpacker (${enum})."`
	ContainerdAddress   string `name:"containerd-address" placeholder:"PATH" help:"containerd socket for the containerd unpacker."`
	ContainerdNamespace string `name:"containerd-namespace" placeholder:"NAME" help:"containerd namespace for the containerd unpacker."`
}

// Returns the containerd settings of the flags.
func (f UnpackerFlags) containerd() generate.ContainerdOptions {
	return generate.ContainerdOptions{Address: f.ContainerdAddress, Namespace: f.ContainerdNamespace}
}

// Represents the 'bundlegen generate' command.
type GenerateCmd struct {
	Image             string        `arg:"" help:"Image reference (e.g., docker://registry.example.com/app:1.0)."`
	OutputDir         string        `arg:"" type:"path" help:"Bundle directory to create."`
	Platform          string        `short:"p" required:"" env:"RDK_PLATFORM" help:"Platform name to generate the bundle for."`
	SearchPath        string        `short:"s" name:"searchpath" type:"path" env:"RDK_PLATFORM_SEARCHPATH" help:"Where to search for platform templates."`
	Creds             string        `short:"c" env:"RDK_OCI_REGISTRY_CREDS" help:"Registry credentials (username:password)."`
	AppMetadata       string        `short:"a" name:"appmetadata" type:"path" help:"App metadata file, if not embedded in the image."`
	Yes               bool          `short:"y" help:"Replace the output directory if it exists."`
	NoDepWalking      bool          `short:"n" name:"nodepwalking" help:"Disable dependency walking and library matching metadata."`
	LibMatchingMode   string        `short:"m" name:"libmatchingmode" enum:"normal,image,host" default:"normal" help:"Library matching mode (${enum})."`
	CreateMountPoints bool          `short:"r" name:"createmountpoints" help:"Create mount points in the rootfs (read-only rootfs platforms)."`
	AppID             string        `short:"x" name:"appid" help:"Override the app id of the metadata."`
	NoPackage         bool          `name:"no-package" help:"Leave the bundle as a directory instead of a .tar.gz archive."`
	Unpack            UnpackerFlags `embed:""`
}

// Executes the generate command.
//
// Without --yes an existing output directory is an error. With it the
// directory is removed first.
func (c *GenerateCmd) Run(ctx context.Context) error {
	if _, err := os.Lstat(c.OutputDir); err == nil {
		if !c.Yes {
			return errors.Wrapf(generate.ErrOutputExists, errors.CodeConflict, "%s (use --yes to replace it)", c.OutputDir)
		}
		slog.Warn("removing existing output directory", "path", c.OutputDir)
		if err := os.RemoveAll(c.OutputDir); err != nil {
			return errors.Wrapf(err, errors.CodeInternal, "failed to remove %s", c.OutputDir)
		}
	}

	mode, err := libmatch.ParseMode(c.LibMatchingMode)
	if err != nil {
		return err
	}

	var searchPath []string
	if c.SearchPath != "" {
		searchPath = []string{c.SearchPath}
	}

	result, err := generate.Run(ctx, generate.Options{
		Image:             c.Image,
		Platform:          c.Platform,
		SearchPath:        searchPath,
		Creds:             c.Creds,
		Output:            c.OutputDir,
		AppMetadataPath:   c.AppMetadata,
		AppID:             c.AppID,
		NoDepWalking:      c.NoDepWalking,
		Mode:              mode,
		CreateMountPoints: c.CreateMountPoints,
		NoPackage:         c.NoPackage,
		UnpackerKind:      c.Unpack.Unpacker,
		Containerd:        c.Unpack.containerd(),
	})
	if err != nil {
		return err
	}

	if result.Archive != "" {
		slog.Info("successfully generated bundle", "archive", result.Archive)
	} else {
		slog.Info("successfully generated bundle", "bundle", result.Bundle)
	}
	return nil
}

package bundle

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmgilman/go/errors"
	"github.com/rdkcentral/bundlegen/internal/appmeta"
	"github.com/rdkcentral/bundlegen/internal/libmatch"
	"github.com/rdkcentral/bundlegen/internal/platform"
	"github.com/rdkcentral/bundlegen/internal/readelf"
)

// Controls bundle processing.
type Options struct {
	NoDepWalking      bool               // Ignore library metadata when matching libraries.
	Mode              libmatch.Mode      // Library matching mode. Empty means normal.
	CreateMountPoints bool               // Create mount targets in the rootfs (read-only rootfs platforms).
	Inspector         libmatch.Inspector // Reads rootfs library versions. Defaults to readelf.
}

// Rewrites one unpacked bundle for a platform.
//
// A processor owns the bundle directory and its config for one run. It is
// not safe for concurrent use.
type Processor struct {
	tmpl    *platform.Template // Platform template (read-only).
	app     *appmeta.Metadata  // Private copy of the app metadata.
	dir     string             // Bundle directory.
	rootfs  string             // Bundle rootfs directory.
	opts    Options            // Processing options.
	config  *Config            // Working config.
	matcher *libmatch.Matcher  // Library placement decisions.
}

// Creates a processor for the bundle in dir.
//
// Loads dir/config.json and binds a library matcher to dir/rootfs. The app
// metadata is copied; compatibility checks may adjust the copy.
func New(tmpl *platform.Template, dir string, app *appmeta.Metadata, opts Options) (*Processor, error) {
	if tmpl == nil {
		return nil, errors.New(errors.CodeInvalidInput, "platform template is required")
	}
	if app == nil {
		return nil, errors.New(errors.CodeInvalidInput, "app metadata is required")
	}

	cfg, err := ReadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}

	if opts.Inspector == nil {
		opts.Inspector = readelf.New()
	}

	p := &Processor{
		tmpl:   tmpl,
		app:    app.Clone(),
		dir:    dir,
		rootfs: filepath.Join(dir, RootfsDir),
		opts:   opts,
		config: cfg,
	}

	p.matcher = libmatch.New(tmpl.Libs, p.rootfs, p.bindLibrary, opts.Inspector, libmatch.Options{
		NoDepWalking:      opts.NoDepWalking,
		Mode:              opts.Mode,
		CreateMountPoints: opts.CreateMountPoints,
	})

	return p, nil
}

// Returns the working config.
func (p *Processor) Config() *Config {
	return p.config
}

// Returns the app metadata as adjusted by the compatibility checks.
func (p *Processor) App() *appmeta.Metadata {
	return p.app
}

// Registers a host library bind mount on behalf of the matcher.
func (p *Processor) bindLibrary(src, dst string) {
	slog.Debug("adding library bind mount", "src", src, "dst", dst)
	p.config.AddBindMount(src, dst, nil)
}

// Checks that the platform can run the app.
//
// Returns nil or an error wrapping [ErrIncompatible] describing the first
// failed check. Storage entries below the platform minimum are raised to
// the minimum.
func (p *Processor) CheckCompatibility() error {
	slog.Debug("checking app compatibility", "app", p.app.ID)

	for _, check := range compatibilityChecks {
		if err := check(p); err != nil {
			return err
		}
	}

	return nil
}

// Reports whether the platform can run the app, logging the reason if not.
func (p *Processor) Compatible() bool {
	if err := p.CheckCompatibility(); err != nil {
		slog.Error("app is not compatible with the platform", "error", err)
		return false
	}
	return true
}

// Rewrites the bundle for the platform.
//
// Runs every section in order, writes config.json and removes unpack
// leftovers. A failure wraps [ErrProcessing] and leaves the bundle in an
// undefined state; the caller discards the directory.
func (p *Processor) Process() error {
	slog.Info("processing bundle", "bundle", p.dir, "app", p.app.ID)

	for _, s := range steps {
		slog.Debug("processing section", "section", s.name)
		if err := s.run(p, p.config); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrProcessing, s.name, err)
		}
	}

	slog.Info("bundle processed", "bundle", p.dir)
	return nil
}

// Rewrites the bundle, logging any failure. Returns true on success.
func (p *Processor) BeginProcessing() bool {
	if err := p.Process(); err != nil {
		slog.Error("bundle processing failed", "error", err)
		return false
	}
	return true
}

// Returns the host uid and gid the container user maps to.
//
// Without a user namespace the container ids are the host ids. ok is false
// when the config has no process user or the ids are not mapped.
func (p *Processor) RealUIDGID() (uid, gid int, ok bool) {
	cfg := p.config
	if cfg.Process == nil {
		return 0, 0, false
	}

	user := cfg.Process.User
	if p.tmpl.DisableUserNamespacing || cfg.Linux == nil {
		return int(user.UID), int(user.GID), true
	}

	hostUID, uidOK := mapToHost(user.UID, cfg.Linux.UIDMappings)
	hostGID, gidOK := mapToHost(user.GID, cfg.Linux.GIDMappings)
	if !uidOK || !gidOK {
		return 0, 0, false
	}

	return int(hostUID), int(hostGID), true
}

// Removes a file if it exists.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(ErrFileSystem, errors.CodeInternal, "remove %s: %v", path, err)
	}
	return nil
}

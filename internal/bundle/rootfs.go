package bundle

import (
	"os"
	"path/filepath"
	"slices"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/jmgilman/go/errors"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rdkcentral/bundlegen/internal/paths"
)

// Resolves a container path to a host path confined to the rootfs.
func (p *Processor) rootfsPath(path string) (string, error) {
	full, err := securejoin.SecureJoin(p.rootfs, path)
	if err != nil {
		return "", errors.Wrapf(ErrFileSystem, errors.CodeInternal, "resolve %s: %v", path, err)
	}
	return full, nil
}

// Creates a directory in the rootfs, with parents, if it does not exist.
func (p *Processor) createRootfsDir(path string) error {
	full, err := p.rootfsPath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(full, paths.DefaultDirMode); err != nil {
		return errors.Wrapf(ErrFileSystem, errors.CodeInternal, "create %s: %v", full, err)
	}
	return nil
}

// Creates an empty file in the rootfs if nothing exists at path.
func (p *Processor) createRootfsFile(path string) error {
	full, err := p.rootfsPath(path)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(full); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(full), paths.DefaultDirMode); err != nil {
		return errors.Wrapf(ErrFileSystem, errors.CodeInternal, "create %s: %v", filepath.Dir(full), err)
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, paths.DefaultFileMode)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return errors.Wrapf(ErrFileSystem, errors.CodeInternal, "create %s: %v", full, err)
	}
	return f.Close()
}

// Writes a file in the rootfs, replacing any existing content.
func (p *Processor) writeRootfsFile(path, content string, mode os.FileMode) error {
	full, err := p.rootfsPath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(full), paths.DefaultDirMode); err != nil {
		return errors.Wrapf(ErrFileSystem, errors.CodeInternal, "create %s: %v", filepath.Dir(full), err)
	}

	if err := os.WriteFile(full, []byte(content), mode); err != nil {
		return errors.Wrapf(ErrFileSystem, errors.CodeInternal, "write %s: %v", full, err)
	}

	// The umask strips bits from the create mode.
	if err := os.Chmod(full, mode); err != nil {
		return errors.Wrapf(ErrFileSystem, errors.CodeInternal, "chmod %s: %v", full, err)
	}

	return nil
}

// Creates a file mount target when mount point creation is enabled.
func (p *Processor) mountPointFile(path string) error {
	if !p.opts.CreateMountPoints {
		return nil
	}
	return p.createRootfsFile(path)
}

// Creates the target of a config mount when mount point creation is
// enabled. Existing entries are kept. Bind mounts of host files get an
// empty file; everything else gets a directory.
func (p *Processor) mountPoint(m specs.Mount) error {
	if !p.opts.CreateMountPoints {
		return nil
	}

	full, err := p.rootfsPath(m.Destination)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(full); err == nil {
		return nil
	}

	if isBindMount(m) {
		if info, err := os.Stat(m.Source); err == nil && !info.IsDir() {
			return p.createRootfsFile(m.Destination)
		}
	}
	return p.createRootfsDir(m.Destination)
}

// Returns true if m binds a host path.
func isBindMount(m specs.Mount) bool {
	return m.Type == bindType || slices.Contains(m.Options, "bind") || slices.Contains(m.Options, "rbind")
}

// Creates a directory mount target when mount point creation is enabled.
func (p *Processor) mountPointDir(path string) error {
	if !p.opts.CreateMountPoints {
		return nil
	}
	return p.createRootfsDir(path)
}

package libmatch

import (
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/jmgilman/go/errors"
)

const (
	dirMode         os.FileMode = 0o755
	mountPointMode  os.FileMode = 0o777
	placeholderFlag             = os.O_CREATE | os.O_EXCL | os.O_WRONLY
)

// Location of a container path inside the rootfs.
//
// Both paths are confined to the rootfs. link is the entry named by the
// container path itself; target is where following it leads.
type rootfsPath struct {
	link   string // Directory entry for the path, symlinks in the parent resolved.
	target string // Fully resolved path.
}

// Resolves a container path against the rootfs.
func (m *Matcher) resolve(dst string) (rootfsPath, error) {
	parent, err := securejoin.SecureJoin(m.rootfs, filepath.Dir(dst))
	if err != nil {
		return rootfsPath{}, errors.Wrapf(err, errors.CodeInternal, "failed to resolve %s in rootfs", dst)
	}

	target, err := securejoin.SecureJoin(m.rootfs, dst)
	if err != nil {
		return rootfsPath{}, errors.Wrapf(err, errors.CodeInternal, "failed to resolve %s in rootfs", dst)
	}

	return rootfsPath{
		link:   filepath.Join(parent, filepath.Base(dst)),
		target: target,
	}, nil
}

// Returns true if the path names an existing file. Dangling links count as
// missing.
func (p rootfsPath) exists() bool {
	_, err := os.Stat(p.target)
	return err == nil
}

// Deletes the entry and, when it is a symlink, the file it points to.
func (p rootfsPath) remove() error {
	if _, err := os.Lstat(p.link); err == nil {
		if err := os.Remove(p.link); err != nil {
			return errors.Wrapf(ErrFileSystem, errors.CodeInternal, "remove %s: %v", p.link, err)
		}
	}

	if p.target == p.link {
		return nil
	}

	if _, err := os.Lstat(p.target); err == nil {
		if err := os.Remove(p.target); err != nil {
			return errors.Wrapf(ErrFileSystem, errors.CodeInternal, "remove %s: %v", p.target, err)
		}
	}

	return nil
}

// Creates an empty file usable as a bind mount target.
//
// Missing parent directories are created. An existing file is left alone.
func (p rootfsPath) createMountPoint() error {
	if err := os.MkdirAll(filepath.Dir(p.link), dirMode); err != nil {
		return errors.Wrapf(ErrFileSystem, errors.CodeInternal, "create %s: %v", filepath.Dir(p.link), err)
	}

	f, err := os.OpenFile(p.link, placeholderFlag, mountPointMode)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return errors.Wrapf(ErrFileSystem, errors.CodeInternal, "create %s: %v", p.link, err)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(ErrFileSystem, errors.CodeInternal, "close %s: %v", p.link, err)
	}

	// The umask strips bits from the create mode.
	if err := os.Chmod(p.link, mountPointMode); err != nil {
		return errors.Wrapf(ErrFileSystem, errors.CodeInternal, "chmod %s: %v", p.link, err)
	}

	return nil
}

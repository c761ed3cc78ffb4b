// Package tarball packages a generated bundle as a gzip-compressed tar.
//
// The contents of the bundle directory sit at the archive root, so
// extracting the archive into an empty directory reproduces the bundle
// (config.json next to rootfs/). Ownership can be rewritten to the host ids
// the container user maps to, and permission bits can be masked, so the
// extracted bundle is usable by the container user on the device.
package tarball

import (
	"archive/tar"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jmgilman/go/errors"
	"github.com/klauspost/compress/gzip"
)

// Suffix of generated archives.
const Suffix = ".tar.gz"

// Controls how entries are written.
type Options struct {
	UID      *int        // Owner uid for every entry. Nil keeps the on-disk owner.
	GID      *int        // Owner gid for every entry. Nil keeps the on-disk group.
	FileMask os.FileMode // Permission bits kept on every entry. Zero keeps all bits.
}

// Writes the contents of src to a .tar.gz archive at dest.
//
// The suffix is appended to dest when missing and an existing archive is
// replaced. Returns the archive path.
func Create(src, dest string, opts Options) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", errors.Wrapf(ErrArchive, errors.CodeNotFound, "bundle %s: %v", src, err)
	}
	if !info.IsDir() {
		return "", errors.Wrapf(ErrArchive, errors.CodeInvalidInput, "bundle %s is not a directory", src)
	}

	if !strings.HasSuffix(dest, Suffix) {
		dest += Suffix
	}

	slog.Info("creating bundle archive", "bundle", src, "archive", dest)

	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return "", errors.Wrapf(ErrArchive, errors.CodeInternal, "remove %s: %v", dest, err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", errors.Wrapf(ErrArchive, errors.CodeInternal, "create %s: %v", dest, err)
	}

	if err := write(f, src, opts); err != nil {
		f.Close()
		os.Remove(dest)
		return "", errors.Wrapf(ErrArchive, errors.CodeInternal, "write %s: %v", dest, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(dest)
		return "", errors.Wrapf(ErrArchive, errors.CodeInternal, "close %s: %v", dest, err)
	}

	return dest, nil
}

// Streams the compressed archive of dir to w.
func write(w io.Writer, dir string, opts Options) error {
	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)

	if err := writeDir(tw, dir, opts); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

// Writes every entry below dir, relative to dir.
func writeDir(tw *tar.Writer, dir string, opts Options) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		return writeEntry(tw, path, filepath.ToSlash(rel), d, opts)
	})
}

// Writes a single file, directory or symlink entry.
func writeEntry(tw *tar.Writer, hostPath, name string, d os.DirEntry, opts Options) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}
	applyOptions(header, opts)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	return nil
}

// Rewrites ownership and permission bits of a header.
func applyOptions(header *tar.Header, opts Options) {
	if opts.UID != nil {
		header.Uid = *opts.UID
		header.Uname = ""
	}
	if opts.GID != nil {
		header.Gid = *opts.GID
		header.Gname = ""
	}
	if opts.FileMask != 0 {
		header.Mode &= int64(opts.FileMask)
	}
}

// Parses an octal permission mask such as "770". Empty is zero.
func ParseMask(s string) (os.FileMode, error) {
	if s == "" {
		return 0, nil
	}

	mask, err := strconv.ParseUint(s, 8, 32)
	if err != nil || mask > 0o7777 {
		return 0, errors.Wrapf(ErrArchive, errors.CodeInvalidConfig, "invalid file mask %q", s)
	}
	return os.FileMode(mask), nil
}

package libmatch

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmgilman/go/errors"
	"github.com/rdkcentral/bundlegen/internal"
)

// Replaces rootfs libraries that are byte-identical to host libraries.
//
// sums maps the hex SHA-1 of a host library to its host path. Every regular
// file in the rootfs whose name contains ".so" and whose digest is in sums
// is bind mounted from the host and deleted from the rootfs. Returns the
// number of replaced files.
func (m *Matcher) MatchSHA1(sums map[string]string) (int, error) {
	if len(sums) == 0 {
		return 0, nil
	}

	slog.Warn("using legacy SHA-1 library matching")

	var replaced int
	err := filepath.WalkDir(m.rootfs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !strings.Contains(d.Name(), ".so") {
			return nil
		}

		sum, err := sha1File(path)
		if err != nil {
			return err
		}

		host, ok := sums[sum]
		if !ok {
			return nil
		}

		rel, err := filepath.Rel(m.rootfs, path)
		if err != nil {
			return err
		}
		dst := "/" + filepath.ToSlash(rel)

		internal.Trace("identical host library", "src", host, "dst", dst)
		m.handled[dst] = struct{}{}
		if err := m.replace(host, dst); err != nil {
			return err
		}

		replaced++
		return nil
	})
	if err != nil {
		return replaced, errors.Wrap(err, errors.CodeInternal, "failed to match libraries by SHA-1")
	}

	slog.Debug("legacy library matching done", "replaced", replaced)
	return replaced, nil
}

// Returns the hex SHA-1 digest of a file.
func sha1File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

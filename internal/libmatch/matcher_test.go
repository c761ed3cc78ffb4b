package libmatch

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/rdkcentral/bundlegen/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/fs"
)

type bindMount struct {
	src, dst string
}

type fakeInspector struct {
	versions map[string][]string // Keyed by rootfs-relative path.
	rootfs   string
	calls    []string
}

func (f *fakeInspector) APIVersions(path string) map[string]struct{} {
	f.calls = append(f.calls, path)
	rel, _ := filepath.Rel(f.rootfs, path)
	set := make(map[string]struct{})
	for _, v := range f.versions["/"+filepath.ToSlash(rel)] {
		set[v] = struct{}{}
	}
	return set
}

type fixture struct {
	rootfs    *fs.Dir
	inspector *fakeInspector
	mounts    []bindMount
}

func newFixture(t *testing.T, ops ...fs.PathOp) *fixture {
	t.Helper()
	dir := fs.NewDir(t, "rootfs", ops...)
	return &fixture{
		rootfs:    dir,
		inspector: &fakeInspector{versions: map[string][]string{}, rootfs: dir.Path()},
	}
}

func (f *fixture) matcher(libs []platform.Library, opts Options) *Matcher {
	return New(libs, f.rootfs.Path(), func(src, dst string) {
		f.mounts = append(f.mounts, bindMount{src, dst})
	}, f.inspector, opts)
}

func (f *fixture) exists(dst string) bool {
	_, err := os.Lstat(f.rootfs.Join(dst))
	return err == nil
}

func usrLib(files ...fs.PathOp) fs.PathOp {
	return fs.WithDir("usr", fs.WithDir("lib", files...))
}

// Creates a symlink with the target exactly as given. fs.WithSymlink
// joins the target onto the fixture root.
func symlink(name, target string) fs.PathOp {
	return func(p fs.Path) error {
		return os.Symlink(target, filepath.Join(p.Path(), name))
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeNormal, false},
		{"normal", ModeNormal, false},
		{"image", ModeImage, false},
		{"host", ModeHost, false},
		{"Host", "", true},
		{"rootfs", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHostSuperset(t *testing.T) {
	f := newFixture(t, usrLib(fs.WithFile("libfoo.so.1", "rootfs")))
	f.inspector.versions["/usr/lib/libfoo.so.1"] = []string{"GLIBC_2.4"}

	m := f.matcher([]platform.Library{
		{Name: "/usr/lib/libfoo.so.1", APIVersions: []string{"GLIBC_2.4", "GLIBC_2.6"}},
	}, Options{})

	require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))

	assert.Equal(t, []bindMount{{"/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"}}, f.mounts)
	assert.False(t, f.exists("usr/lib/libfoo.so.1"))
	assert.True(t, m.Handled("/usr/lib/libfoo.so.1"))
}

func TestEqualVersionsTakeHost(t *testing.T) {
	f := newFixture(t, usrLib(fs.WithFile("libfoo.so.1", "rootfs")))
	f.inspector.versions["/usr/lib/libfoo.so.1"] = []string{"FOO_1"}

	m := f.matcher([]platform.Library{
		{Name: "/usr/lib/libfoo.so.1", APIVersions: []string{"FOO_1"}},
	}, Options{})

	require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))
	assert.Len(t, f.mounts, 1)
}

func TestRootfsSuperset(t *testing.T) {
	f := newFixture(t, usrLib(fs.WithFile("libfoo.so.1", "rootfs")))
	f.inspector.versions["/usr/lib/libfoo.so.1"] = []string{"GLIBC_2.4", "GLIBC_2.6"}

	m := f.matcher([]platform.Library{
		{Name: "/usr/lib/libfoo.so.1", APIVersions: []string{"GLIBC_2.4"}},
	}, Options{})

	require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))

	assert.Empty(t, f.mounts)
	assert.True(t, f.exists("usr/lib/libfoo.so.1"))
	assert.True(t, m.Handled("/usr/lib/libfoo.so.1"))
}

func TestDisjointVersionsKeepRootfs(t *testing.T) {
	f := newFixture(t, usrLib(fs.WithFile("libfoo.so.1", "rootfs")))
	f.inspector.versions["/usr/lib/libfoo.so.1"] = []string{"GLIBC_2.4", "BAR_1"}

	m := f.matcher([]platform.Library{
		{Name: "/usr/lib/libfoo.so.1", APIVersions: []string{"GLIBC_2.4", "FOO_1"}},
	}, Options{})

	require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))

	assert.Empty(t, f.mounts)
	assert.True(t, f.exists("usr/lib/libfoo.so.1"))
}

func TestModeOverrides(t *testing.T) {
	libs := []platform.Library{
		{Name: "/usr/lib/libfoo.so.1", APIVersions: []string{"FOO_1"}},
	}

	tests := []struct {
		mode      Mode
		wantMount bool
	}{
		{ModeHost, true},
		{ModeImage, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			f := newFixture(t, usrLib(fs.WithFile("libfoo.so.1", "rootfs")))
			// The rootfs copy is richer; host mode still wins.
			f.inspector.versions["/usr/lib/libfoo.so.1"] = []string{"FOO_1", "FOO_2"}

			m := f.matcher(libs, Options{Mode: tt.mode})
			require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))

			assert.Equal(t, tt.wantMount, len(f.mounts) == 1)
			assert.Equal(t, !tt.wantMount, f.exists("usr/lib/libfoo.so.1"))
			assert.Empty(t, f.inspector.calls)
		})
	}
}

func TestMissingInRootfsTakesHost(t *testing.T) {
	for _, mode := range []Mode{ModeNormal, ModeImage, ModeHost} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			m := f.matcher([]platform.Library{
				{Name: "/usr/lib/libfoo.so.1", APIVersions: []string{"FOO_1"}},
			}, Options{Mode: mode})

			require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))
			assert.Len(t, f.mounts, 1)
		})
	}
}

func TestNoMetadataFallback(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		libs      []platform.Library
		wantMount bool
	}{
		{"normal without record", Options{}, []platform.Library{{Name: "/usr/lib/other.so.1"}}, true},
		{"image without record", Options{Mode: ModeImage}, []platform.Library{{Name: "/usr/lib/other.so.1"}}, false},
		{"normal without libs", Options{}, nil, true},
		{"image without libs", Options{Mode: ModeImage}, nil, false},
		{"image with dep walking off", Options{Mode: ModeImage, NoDepWalking: true}, []platform.Library{{Name: "/usr/lib/libfoo.so.1"}}, false},
		{"host with dep walking off", Options{Mode: ModeHost, NoDepWalking: true}, []platform.Library{{Name: "/usr/lib/libfoo.so.1"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, usrLib(fs.WithFile("libfoo.so.1", "rootfs")))
			m := f.matcher(tt.libs, tt.opts)

			require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))
			assert.Equal(t, tt.wantMount, len(f.mounts) == 1)
		})
	}
}

func TestNoVersionsTakeHost(t *testing.T) {
	f := newFixture(t, usrLib(fs.WithFile("libfoo.so.1", "rootfs")))
	f.inspector.versions["/usr/lib/libfoo.so.1"] = []string{"FOO_1"}

	m := f.matcher([]platform.Library{{Name: "/usr/lib/libfoo.so.1"}}, Options{})

	require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))
	assert.Len(t, f.mounts, 1)
	assert.Empty(t, f.inspector.calls)
}

func TestIdempotent(t *testing.T) {
	f := newFixture(t)
	m := f.matcher([]platform.Library{{Name: "/usr/lib/libfoo.so.1"}}, Options{})

	require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))
	require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))

	assert.Len(t, f.mounts, 1)
}

func libcLibs() []platform.Library {
	return []platform.Library{
		{Name: "/lib/libc.so.6", APIVersions: []string{"GLIBC_2.4", "GLIBC_2.5", "GLIBC_2.6"}},
		{Name: "/lib/libresolv.so.2", APIVersions: []string{"GLIBC_2.4"}},
		{Name: "/lib/ld-linux-armhf.so.3", APIVersions: []string{"GLIBC_2.4"}},
		{Name: "/usr/lib/libmixed.so.1", APIVersions: []string{"GLIBC_2.4", "MIXED_1"}},
		{Name: "/opt/lib/libc.so.6", APIVersions: []string{"GLIBC_2.4"}},
	}
}

func TestSublibDerivation(t *testing.T) {
	libs := libcLibs()
	m := New(libs, t.TempDir(), func(string, string) {}, &fakeInspector{}, Options{})

	libc := m.libs["/lib/libc.so.6"]
	assert.Equal(t, []string{"/lib/libresolv.so.2", "/lib/ld-linux-armhf.so.3"}, libc.sublibs)
	assert.Equal(t, "/lib/libc.so.6", m.libs["/lib/libresolv.so.2"].parent)
	assert.Empty(t, m.libs["/lib/libresolv.so.2"].apiVersions)

	assert.Empty(t, m.libs["/usr/lib/libmixed.so.1"].parent)
	assert.Empty(t, m.libs["/opt/lib/libc.so.6"].parent)

	// The template records are untouched.
	assert.Equal(t, []string{"GLIBC_2.4"}, libs[1].APIVersions)
}

func TestSublibTieBreak(t *testing.T) {
	libs := []platform.Library{
		{Name: "/lib/libz.so.1", APIVersions: []string{"GLIBC_2.4", "GLIBC_2.5"}},
		{Name: "/lib/libc.so.6", APIVersions: []string{"GLIBC_2.4", "GLIBC_2.5"}},
	}

	m := New(libs, t.TempDir(), func(string, string) {}, &fakeInspector{}, Options{})

	assert.Equal(t, []string{"/lib/libz.so.1"}, m.libs["/lib/libc.so.6"].sublibs)
	assert.Equal(t, "/lib/libc.so.6", m.libs["/lib/libz.so.1"].parent)
}

func TestSublibCascade(t *testing.T) {
	f := newFixture(t, fs.WithDir("lib",
		fs.WithFile("libc.so.6", "rootfs"),
		fs.WithFile("libresolv.so.2", "rootfs"),
		fs.WithFile("ld-linux-armhf.so.3", "rootfs"),
	))
	f.inspector.versions["/lib/libc.so.6"] = []string{"GLIBC_2.4"}

	m := f.matcher(libcLibs(), Options{})

	// Deciding a sublib redirects to libc.
	require.NoError(t, m.MountOrUseRootfs("/lib/libresolv.so.2", "/lib/libresolv.so.2"))

	assert.Equal(t, []bindMount{
		{"/lib/libc.so.6", "/lib/libc.so.6"},
		{"/lib/libresolv.so.2", "/lib/libresolv.so.2"},
		{"/lib/ld-linux-armhf.so.3", "/lib/ld-linux-armhf.so.3"},
	}, f.mounts)
	assert.False(t, f.exists("lib/libresolv.so.2"))
	assert.False(t, f.exists("lib/ld-linux-armhf.so.3"))
	require.Len(t, f.inspector.calls, 1)
	assert.Equal(t, "libc.so.6", filepath.Base(f.inspector.calls[0]))
}

func TestSublibFollowsRootfs(t *testing.T) {
	f := newFixture(t, fs.WithDir("lib",
		fs.WithFile("libc.so.6", "rootfs"),
		fs.WithFile("libresolv.so.2", "rootfs"),
	))
	f.inspector.versions["/lib/libc.so.6"] = []string{"GLIBC_2.4", "GLIBC_2.5", "GLIBC_2.6", "GLIBC_2.7"}

	m := f.matcher(libcLibs(), Options{})
	require.NoError(t, m.MountOrUseRootfs("/lib/libc.so.6", "/lib/libc.so.6"))

	assert.Empty(t, f.mounts)
	assert.True(t, m.Handled("/lib/libresolv.so.2"))
	assert.True(t, m.Handled("/lib/ld-linux-armhf.so.3"))
	assert.True(t, f.exists("lib/libresolv.so.2"))
}

func TestDependencies(t *testing.T) {
	f := newFixture(t, usrLib(
		fs.WithFile("libdep.so.1", "rootfs"),
	))
	f.inspector.versions["/usr/lib/libdep.so.1"] = []string{"DEP_1", "DEP_2"}

	m := f.matcher([]platform.Library{
		{Name: "/usr/lib/libgfx.so.1", Deps: []string{"/usr/lib/libdep.so.1", "/usr/lib/libnew.so.1"}},
		{Name: "/usr/lib/libdep.so.1", APIVersions: []string{"DEP_1"}},
		{Name: "/usr/lib/libnew.so.1"},
	}, Options{})

	require.NoError(t, m.Mount("/usr/lib/libgfx.so.1", "/usr/lib/libgfx.so.1"))

	assert.Equal(t, []bindMount{
		{"/usr/lib/libgfx.so.1", "/usr/lib/libgfx.so.1"},
		{"/usr/lib/libnew.so.1", "/usr/lib/libnew.so.1"},
	}, f.mounts)
	assert.True(t, f.exists("usr/lib/libdep.so.1"))
	assert.Equal(t, []string{
		"/usr/lib/libdep.so.1",
		"/usr/lib/libgfx.so.1",
		"/usr/lib/libnew.so.1",
	}, m.HandledPaths())
}

func TestDependencyCycle(t *testing.T) {
	f := newFixture(t)
	m := f.matcher([]platform.Library{
		{Name: "/usr/lib/liba.so.1", Deps: []string{"/usr/lib/libb.so.1"}},
		{Name: "/usr/lib/libb.so.1", Deps: []string{"/usr/lib/liba.so.1"}},
	}, Options{})

	require.NoError(t, m.MountOrUseRootfs("/usr/lib/liba.so.1", "/usr/lib/liba.so.1"))
	assert.Len(t, f.mounts, 2)
}

func TestMountAlwaysTakesHost(t *testing.T) {
	f := newFixture(t, usrLib(fs.WithFile("libgl.so.1", "rootfs")))
	f.inspector.versions["/usr/lib/libgl.so.1"] = []string{"GL_1", "GL_2"}

	m := f.matcher([]platform.Library{
		{Name: "/vendor/libgl.so.1", APIVersions: []string{"GL_1"}},
	}, Options{Mode: ModeImage})

	require.NoError(t, m.Mount("/vendor/libgl.so.1", "/usr/lib/libgl.so.1"))

	assert.Equal(t, []bindMount{{"/vendor/libgl.so.1", "/usr/lib/libgl.so.1"}}, f.mounts)
	assert.False(t, f.exists("usr/lib/libgl.so.1"))
}

func TestSymlinkTargetRemoved(t *testing.T) {
	f := newFixture(t, usrLib(
		fs.WithFile("libfoo.so.1.2.3", "rootfs"),
		symlink("libfoo.so.1", "libfoo.so.1.2.3"),
	))

	m := f.matcher(nil, Options{})
	require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))

	assert.False(t, f.exists("usr/lib/libfoo.so.1"))
	assert.False(t, f.exists("usr/lib/libfoo.so.1.2.3"))
}

func TestAbsoluteSymlinkTargetRemoved(t *testing.T) {
	f := newFixture(t, usrLib(
		fs.WithFile("libfoo.so.1.2.3", "rootfs"),
		symlink("libfoo.so.1", "/usr/lib/libfoo.so.1.2.3"),
	))

	m := f.matcher(nil, Options{})
	require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))

	assert.False(t, f.exists("usr/lib/libfoo.so.1"))
	assert.False(t, f.exists("usr/lib/libfoo.so.1.2.3"))
}

func TestAbsoluteSymlinkStaysInRootfs(t *testing.T) {
	outside := fs.NewFile(t, "host-lib", fs.WithContent("host"))

	f := newFixture(t, usrLib(
		symlink("libfoo.so.1", outside.Path()),
	))

	m := f.matcher(nil, Options{})
	require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))

	assert.False(t, f.exists("usr/lib/libfoo.so.1"))
	_, err := os.Stat(outside.Path())
	assert.NoError(t, err)
}

func TestCreateMountPoints(t *testing.T) {
	f := newFixture(t, usrLib(fs.WithFile("libfoo.so.1", "rootfs")))

	m := f.matcher(nil, Options{CreateMountPoints: true})
	require.NoError(t, m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"))
	require.NoError(t, m.Mount("/vendor/libgl.so.1", "/usr/lib/gl/libgl.so.1"))

	for _, p := range []string{"usr/lib/libfoo.so.1", "usr/lib/gl/libgl.so.1"} {
		info, err := os.Stat(f.rootfs.Join(p))
		require.NoError(t, err, p)
		assert.Zero(t, info.Size(), p)
		assert.Equal(t, os.FileMode(0o777), info.Mode().Perm(), p)
	}
}

func TestMatchSHA1(t *testing.T) {
	f := newFixture(t,
		usrLib(
			fs.WithFile("libsame.so.1", "same"),
			fs.WithFile("libother.so.1", "other"),
			fs.WithFile("README", "same"),
		),
	)

	sum := sha1.Sum([]byte("same"))
	m := f.matcher(nil, Options{})

	n, err := m.MatchSHA1(map[string]string{hex.EncodeToString(sum[:]): "/host/lib/libsame.so.1"})
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, []bindMount{{"/host/lib/libsame.so.1", "/usr/lib/libsame.so.1"}}, f.mounts)
	assert.False(t, f.exists("usr/lib/libsame.so.1"))
	assert.True(t, f.exists("usr/lib/libother.so.1"))
	assert.True(t, f.exists("usr/lib/README"))
}

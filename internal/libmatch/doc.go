// Package libmatch decides where each shared library in a bundle comes from.
//
// Libraries needed by host-side components (graphics drivers, Dobby plugin
// dependencies) can either be bind mounted from the device or taken from the
// image rootfs. A [Matcher] makes that decision per library, using the
// symbol-version metadata the platform template records for host libraries
// and the version definitions read from the rootfs copy:
//
//   - host versions are a superset of (or equal to) the rootfs versions:
//     the host copy is bind mounted and the rootfs copy deleted;
//   - host versions are a strict subset: the rootfs copy is kept;
//   - neither contains the other: the rootfs copy is kept and the
//     ambiguity is logged at error level.
//
// Libraries whose version definitions are pure GLIBC_* tags (libresolv,
// libpthread, ld-linux) are treated as sublibraries of the libc with the
// most such tags and always follow its decision. Every decided library
// recursively decides its own dependencies. A visited set bounds the walk,
// so cyclic dependency metadata terminates.
//
// Example usage:
//
//	m := libmatch.New(tmpl.Libs, rootfs, addMount, readelf.New(), libmatch.Options{
//	    Mode: libmatch.ModeNormal,
//	})
//
//	if err := m.MountOrUseRootfs("/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1"); err != nil {
//	    return err
//	}
package libmatch

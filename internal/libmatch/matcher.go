package libmatch

import (
	"cmp"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/jmgilman/go/errors"
	"github.com/rdkcentral/bundlegen/internal"
	"github.com/rdkcentral/bundlegen/internal/platform"
)

// Selects how the host/rootfs decision is made.
type Mode string

const (
	ModeNormal Mode = "normal" // Compare symbol versions; the richer copy wins.
	ModeImage  Mode = "image"  // Keep the rootfs copy whenever one exists.
	ModeHost   Mode = "host"   // Always bind mount the host copy.
)

// Prefix shared by every libc version tag.
const glibcPrefix = "GLIBC_"

var (
	sharedLibPattern = regexp.MustCompile(`^/(?:usr/)?lib/lib\S+\.so\.\d+$`)
	loaderPattern    = regexp.MustCompile(`^/(?:usr/)?lib/ld-linux\S*\.so\.\d+$`)
)

// Parses a mode name. The empty string selects [ModeNormal].
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeNormal:
		return ModeNormal, nil
	case ModeImage, ModeHost:
		return Mode(s), nil
	}
	return "", errors.Wrapf(ErrMode, errors.CodeInvalidInput, "%q (want normal, image or host)", s)
}

// Registers a read-only bind mount of a host path at a container path.
type MountFunc func(src, dst string)

// Reads the version definitions of a library file.
type Inspector interface {
	APIVersions(path string) map[string]struct{}
}

// Controls matcher behavior.
type Options struct {
	NoDepWalking      bool // Ignore library metadata; every decision uses the fallback rule.
	Mode              Mode // Decision mode. Empty means [ModeNormal].
	CreateMountPoints bool // Create placeholder files for bind mounts in the rootfs.
}

// Library record with the derived libc relationships.
type record struct {
	name        string   // Host path.
	apiVersions []string // Version tags provided by the host copy.
	deps        []string // Libraries needed at runtime.
	sublibs     []string // Sublibraries following this record (libc only).
	parent      string   // Libc this record follows, if it is a sublibrary.
}

// Decides host or rootfs placement for libraries of one bundle.
//
// A matcher is bound to one rootfs and must not be shared between runs.
type Matcher struct {
	rootfs    string              // Bundle rootfs directory.
	mount     MountFunc           // Callback registering bind mounts in the config.
	inspector Inspector           // Reads versions of rootfs copies.
	opts      Options             // Matching options.
	libs      map[string]*record  // Records by host path; nil when metadata is unused.
	handled   map[string]struct{} // Destination paths already decided.
}

// Creates a matcher for the given rootfs.
//
// The library records are copied, so sublibrary derivation never changes the
// template. Derivation is skipped when dependency walking is disabled or no
// records are given.
func New(libs []platform.Library, rootfs string, mount MountFunc, inspector Inspector, opts Options) *Matcher {
	if opts.Mode == "" {
		opts.Mode = ModeNormal
	}

	m := &Matcher{
		rootfs:    rootfs,
		mount:     mount,
		inspector: inspector,
		opts:      opts,
		handled:   make(map[string]struct{}),
	}

	switch {
	case opts.NoDepWalking:
		slog.Info("library dependency walking is disabled")
	case len(libs) == 0:
		slog.Warn("library dependency walking disabled, platform has no library metadata")
	default:
		m.libs = indexLibs(libs)
		m.deriveSublibs(libs)
	}

	slog.Debug("library matching", "mode", opts.Mode, "createMountPoints", opts.CreateMountPoints)
	return m
}

// Copies library metadata into records keyed by name. The first record wins
// when a name appears twice.
func indexLibs(libs []platform.Library) map[string]*record {
	index := make(map[string]*record, len(libs))
	for _, lib := range libs {
		if _, ok := index[lib.Name]; ok {
			continue
		}
		index[lib.Name] = &record{
			name:        lib.Name,
			apiVersions: slices.Clone(lib.APIVersions),
			deps:        slices.Clone(lib.Deps),
		}
	}
	return index
}

// Finds libc and attaches its sublibraries.
//
// Candidates are libraries under /lib or /usr/lib whose version tags are all
// GLIBC_*. The candidate with the most tags is libc; ties go to the
// lexicographically smallest name. Every other candidate becomes a sublibrary
// of libc and loses its own version tags.
func (m *Matcher) deriveSublibs(libs []platform.Library) {
	var candidates []*record
	for _, lib := range libs {
		rec := m.libs[lib.Name]
		if slices.Contains(candidates, rec) || !isLibcCandidate(rec) {
			continue
		}
		candidates = append(candidates, rec)
	}

	if len(candidates) == 0 {
		return
	}

	libc := slices.MaxFunc(candidates, func(a, b *record) int {
		if c := cmp.Compare(len(a.apiVersions), len(b.apiVersions)); c != 0 {
			return c
		}
		return strings.Compare(b.name, a.name)
	})

	internal.Trace("found libc", "name", libc.name)

	for _, rec := range candidates {
		if rec == libc {
			continue
		}
		libc.sublibs = append(libc.sublibs, rec.name)
		rec.parent = libc.name
		rec.apiVersions = nil
	}
}

// Returns true if the record looks like part of the C library.
func isLibcCandidate(rec *record) bool {
	if !sharedLibPattern.MatchString(rec.name) && !loaderPattern.MatchString(rec.name) {
		return false
	}
	if len(rec.apiVersions) == 0 {
		return false
	}
	for _, v := range rec.apiVersions {
		if !strings.HasPrefix(v, glibcPrefix) {
			return false
		}
	}
	return true
}

// Bind mounts the host library src at dst unconditionally.
//
// Used for libraries that must come from the host (graphics drivers). The
// dependencies of src are then decided with [Matcher.MountOrUseRootfs].
func (m *Matcher) Mount(src, dst string) error {
	internal.Trace("explicit host mount", "dst", dst)
	if m.Handled(dst) {
		internal.Trace("library already handled, mounting again", "dst", dst)
	}
	return m.takeHost(src, dst, m.lookup(src))
}

// Decides whether dst uses the host library src or the rootfs copy.
//
// Deciding an already handled destination is a no-op.
func (m *Matcher) MountOrUseRootfs(src, dst string) error {
	internal.Trace("host or rootfs decision", "dst", dst)
	return m.decide(src, dst)
}

// Returns true if a placement decision was made for dst.
func (m *Matcher) Handled(dst string) bool {
	_, ok := m.handled[dst]
	return ok
}

// Returns the decided destination paths in lexical order.
func (m *Matcher) HandledPaths() []string {
	return slices.Sorted(maps.Keys(m.handled))
}

// Returns the record for a host library, or nil when metadata is unused or
// the library is unknown.
func (m *Matcher) lookup(src string) *record {
	if m.libs == nil {
		return nil
	}
	rec, ok := m.libs[src]
	if !ok {
		internal.Trace("no library metadata", "lib", src)
		return nil
	}
	return rec
}

// Makes the placement decision for one library.
func (m *Matcher) decide(src, dst string) error {
	if m.Handled(dst) {
		return nil
	}

	rec := m.lookup(src)
	if rec == nil {
		return m.decideWithoutMetadata(src, dst)
	}

	// Sublibraries never decide on their own in normal mode.
	if m.opts.Mode == ModeNormal && rec.parent != "" {
		return m.decide(rec.parent, rec.parent)
	}

	p, err := m.resolve(dst)
	if err != nil {
		return err
	}
	if !p.exists() {
		internal.Trace("library not in rootfs", "dst", dst)
		return m.takeHost(src, dst, rec)
	}

	switch m.opts.Mode {
	case ModeImage:
		internal.Trace("rootfs library forced", "dst", dst)
		m.takeRootfs(dst, rec)
		return nil
	case ModeHost:
		internal.Trace("host library forced", "dst", dst)
		return m.takeHost(src, dst, rec)
	}

	if len(rec.apiVersions) == 0 {
		return m.takeHost(src, dst, rec)
	}

	return m.compare(src, dst, rec, p)
}

// Applies the fallback rule when no metadata is available.
//
// Image mode keeps an existing rootfs copy. Every other mode takes the host.
func (m *Matcher) decideWithoutMetadata(src, dst string) error {
	if m.opts.Mode != ModeImage {
		return m.takeHost(src, dst, nil)
	}

	p, err := m.resolve(dst)
	if err != nil {
		return err
	}
	if !p.exists() {
		internal.Trace("library not in rootfs", "dst", dst)
		return m.takeHost(src, dst, nil)
	}

	internal.Trace("rootfs library forced", "dst", dst)
	m.takeRootfs(dst, nil)
	return nil
}

// Compares host and rootfs version sets in normal mode.
func (m *Matcher) compare(src, dst string, rec *record, p rootfsPath) error {
	host := make(map[string]struct{}, len(rec.apiVersions))
	for _, v := range rec.apiVersions {
		host[v] = struct{}{}
	}
	image := m.inspector.APIVersions(p.target)

	hostExtra := difference(host, image)
	imageExtra := difference(image, host)

	switch {
	case len(imageExtra) == 0:
		if len(hostExtra) == 0 {
			internal.Trace("host library has the same versions", "dst", dst)
		} else {
			internal.Trace("host library has more versions", "dst", dst, "extra", hostExtra)
		}
		return m.takeHost(src, dst, rec)

	case len(hostExtra) == 0:
		internal.Trace("rootfs library has more versions", "dst", dst, "extra", imageExtra)
		m.takeRootfs(dst, rec)
		return nil

	default:
		slog.Error("cannot decide between host and rootfs library, keeping rootfs copy",
			"dst", dst,
			"rootfsExtra", imageExtra,
			"hostExtra", hostExtra,
		)
		m.takeRootfs(dst, rec)
		return nil
	}
}

// Returns the sorted elements of a that are not in b.
func difference(a, b map[string]struct{}) []string {
	var out []string
	for v := range a {
		if _, ok := b[v]; !ok {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}

// Uses the host copy of a library.
//
// Registers the bind mount, deletes the rootfs copy and optionally creates a
// placeholder. Sublibraries get the same treatment without a decision of
// their own. Dependencies are decided afterwards.
func (m *Matcher) takeHost(src, dst string, rec *record) error {
	internal.Trace("using host library", "src", src, "dst", dst)
	m.handled[dst] = struct{}{}

	if err := m.replace(src, dst); err != nil {
		return err
	}

	if rec == nil {
		return nil
	}

	for _, sublib := range rec.sublibs {
		internal.Trace("using host library", "src", sublib, "dst", sublib)
		m.handled[sublib] = struct{}{}
		if err := m.replace(sublib, sublib); err != nil {
			return err
		}
	}

	for _, dep := range rec.deps {
		if err := m.decide(dep, dep); err != nil {
			return err
		}
	}

	return nil
}

// Keeps the rootfs copy of a library and its sublibraries.
func (m *Matcher) takeRootfs(dst string, rec *record) {
	internal.Trace("using rootfs library", "dst", dst)
	m.handled[dst] = struct{}{}

	if rec == nil {
		return
	}
	for _, sublib := range rec.sublibs {
		internal.Trace("using rootfs library", "dst", sublib)
		m.handled[sublib] = struct{}{}
	}
}

// Bind mounts src at dst and clears dst in the rootfs.
func (m *Matcher) replace(src, dst string) error {
	m.mount(src, dst)

	p, err := m.resolve(dst)
	if err != nil {
		return err
	}

	if err := p.remove(); err != nil {
		return err
	}

	if m.opts.CreateMountPoints {
		return p.createMountPoint()
	}
	return nil
}

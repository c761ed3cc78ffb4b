package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/rdkcentral/bundlegen/internal"
)

const (

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644

	// Subdirectory holding platform templates under each data directory.
	templatesDir = "templates"
)

// Ordered list of directories searched for platform templates.
//
//	<build-time template dir>            (if set via ldflags)
//	$XDG_DATA_HOME/bundlegen/templates
//	$XDG_DATA_DIRS/bundlegen/templates   (each entry)
func TemplateSearchPath() []string {
	var dirs []string
	if dir := internal.TemplateDir(); dir != "" {
		dirs = append(dirs, dir)
	}

	dirs = append(dirs, filepath.Join(xdg.DataHome, internal.Name, templatesDir))
	for _, dir := range xdg.DataDirs {
		dirs = append(dirs, filepath.Join(dir, internal.Name, templatesDir))
	}

	return dirs
}

// Directory where downloaded OCI images are stored before unpacking.
//
//	Linux:   $XDG_CACHE_HOME/bundlegen/images
func ImageCache() string {
	return filepath.Join(xdg.CacheHome, internal.Name, "images")
}

// Default directory where the daemon stores bundle archives.
//
//	Linux:   $XDG_DATA_HOME/bundlegen/bundles
func BundleStore() string {
	return filepath.Join(xdg.DataHome, internal.Name, "bundles")
}

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/bundlegen or /run/user/<uid>/bundlegen
//	macOS:   ~/Library/Caches/bundlegen/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, internal.Name)
	}
	return filepath.Join(xdg.CacheHome, internal.Name, "run")
}

// Default path to the daemon's Unix domain socket.
func Socket() string {
	return filepath.Join(Runtime(), internal.Name+".sock")
}

// Default path to the daemon's PID file.
func PIDFile() string {
	return filepath.Join(Runtime(), internal.Name+".pid")
}

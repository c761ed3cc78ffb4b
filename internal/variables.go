package internal

import (
	"fmt"
	"runtime"
	"strings"
)

const (

	// Program name used for logging groups, directories and the CLI.
	Name = "bundlegen"

	// String to indicate an undefined variable
	defaultUndefined = "(undefined)"

	// String to indicate a local (non-pipeline) build
	defaultLocalBuild = "(local)"

	// Main branch name used in version strings
	mainBranch = "main"
)

var (
	version   = "" // Version number (e.g., "1.2.3")
	stage     = "" // Development stage or git branch (e.g., "staging", "main")
	gitCommit = "" // Git commit hash (e.g., "a1b2c3d4")

	templateDir = "" // Platform template directory shipped with the build (e.g., "/usr/share/bundlegen/templates")

	rawQuiet     = "false" // Whether to enable quiet mode
	rawDebug     = "false" // Whether to enable debug mode
	rawVerbosity = "0"     // Default verbosity level (0 info, 1 debug, 2 trace)
)

// Returns the current version.
//
// If the version is not set, returns "(undefined)". A leading "v" or "V" is
// stripped.
func Version() string {
	v := strings.TrimSpace(version)
	if v == "" {
		return defaultUndefined
	}

	v = strings.ToLower(v)
	v = strings.TrimPrefix(v, "v")

	return v
}

// Returns the development stage (e.g., "alpha").
//
// If it is not set, returns "(undefined)".
func Stage() string {
	s := strings.TrimSpace(stage)
	if s == "" {
		return defaultUndefined
	}
	return strings.ToLower(s)
}

// Returns the git commit hash, or "(undefined)".
func GitCommit() string {
	c := strings.TrimSpace(gitCommit)
	if c == "" {
		return defaultUndefined
	}
	return c
}

// Returns the platform template directory baked in at build time.
//
// Empty when the build did not set one. Callers fall back to the XDG data
// directories in that case.
func TemplateDir() string {
	return strings.TrimSpace(templateDir)
}

// Returns the build architecture.
func Arch() string {
	return runtime.GOARCH
}

// Returns true if this is a local (non-pipeline) build.
//
// A build is local if any of the version, git commit, or stage variables are
// unset.
func IsLocal() bool {
	return strings.TrimSpace(version) == "" ||
		strings.TrimSpace(gitCommit) == "" ||
		strings.TrimSpace(stage) == ""
}

// Returns a detailed version string.
//
// Local builds return "(local)". Pipeline builds return
// "<version>+<stage> <git-commit> [<arch>]", omitting the stage on main.
func VersionString() string {
	if IsLocal() {
		return defaultLocalBuild
	}

	s := Stage()
	if s == mainBranch {
		s = ""
	} else {
		s = "+" + s
	}

	return fmt.Sprintf("%s%s %s [%s]", Version(), s, GitCommit(), Arch())
}

// Package readelf extracts symbol version definitions from shared libraries.
//
// The version definition section of an ELF shared object lists the ABI tags
// the library provides (e.g. "GLIBC_2.6"). The tags are read by running
// "readelf -V" and parsing its text output, so the inspected library never
// has to be loadable on the build host.
package readelf

import (
	"os"
	"strings"

	"github.com/jmgilman/go/exec"
	"github.com/rdkcentral/bundlegen/internal"
)

const (

	// Header that opens the block of definitions.
	definitionSection = "Version definition section"

	// Header that opens the block of requirements, ending the definitions.
	needsSection = "Version needs section"

	// Prefix of a definition entry line (e.g. "  0x001c: Rev: 1 ...").
	entryPrefix = "  0x"

	// Marker preceding the tag on a definition entry line.
	nameMarker = "Name: "
)

// Runs an external command and returns its captured output.
type Runner interface {
	Run(args ...string) (*exec.Result, error)
}

// Reads version definitions using the readelf tool.
type Inspector struct {
	runner Runner // Runs "readelf"; prepended by the wrapper.
}

// Creates an inspector that runs the readelf binary found on PATH.
func New() *Inspector {
	return NewWithRunner(exec.NewWrapper(exec.New(exec.WithInheritEnv()), "readelf"))
}

// Creates an inspector around a custom runner.
//
// The runner receives the readelf arguments only ("-V", path); it is
// responsible for naming the binary.
func NewWithRunner(r Runner) *Inspector {
	return &Inspector{runner: r}
}

// Returns the set of version tags defined by the library at path.
//
// A missing file or a non-zero exit from readelf yields an empty set. These
// are expected outcomes for libraries that are absent from an image, so they
// are only logged at trace level.
func (i *Inspector) APIVersions(path string) map[string]struct{} {
	tags := make(map[string]struct{})

	if _, err := os.Stat(path); err != nil {
		internal.Trace("library not present for readelf", "path", path)
		return tags
	}

	result, err := i.runner.Run("-V", path)
	if err != nil {
		internal.Trace("readelf failed", "path", path, "error", err)
		return tags
	}

	for _, tag := range Parse(result.Stdout) {
		tags[tag] = struct{}{}
	}

	return tags
}

// Extracts version definition tags from "readelf -V" output.
//
// Only entry lines inside the version definition section contribute. The
// section ends at the version needs header.
func Parse(output string) []string {
	var tags []string
	inDefinitions := false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")

		if !inDefinitions {
			if strings.Contains(line, definitionSection) {
				inDefinitions = true
			}
			continue
		}

		if strings.Contains(line, needsSection) {
			break
		}

		idx := strings.Index(line, nameMarker)
		if !strings.HasPrefix(line, entryPrefix) || idx < 0 {
			continue
		}

		if tag := strings.TrimSpace(line[idx+len(nameMarker):]); tag != "" {
			tags = append(tags, tag)
		}
	}

	return tags
}

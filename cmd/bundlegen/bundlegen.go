package main

import (
	"log/slog"
	"os"

	"github.com/rdkcentral/bundlegen/internal"
	"github.com/rdkcentral/bundlegen/internal/cli"
)

// The entry point for bundlegen.
//
// Initializes logging, displays startup information, and executes the root
// command. The process exit code is derived from the returned error.
func main() {
	slog.SetDefault(internal.NewLogger(os.Stderr))

	slog.Debug("build", "version", internal.VersionString())

	slog.Debug("bundlegen is running",
		"pid", os.Getpid(),
		"cwd", cwd(),
		"args", os.Args,
	)

	if err := cli.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(cli.ExitCode(err))
	}
}

// Returns the current working directory or "(unknown)".
func cwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "(unknown)"
	}
	return cwd
}

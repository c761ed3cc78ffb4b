package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/rdkcentral/bundlegen/internal"
)

// Represents the root command for bundlegen.
var RootCmd struct {
	Quiet    bool        `short:"q" help:"Suppress informational output."`
	Verbose  int         `short:"v" type:"counter" help:"Increase log verbosity (-v debug, -vv trace)."`
	Debug    bool        `short:"d" help:"Enable debug output."`
	Generate GenerateCmd `cmd:"" help:"Generate an OCI bundle for a platform."`
	Serve    ServeCmd    `cmd:"" help:"Run the bundle generation daemon."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Generates OCI runtime bundles for RDK set-top boxes.\n\nDownloads an OCI image, unpacks it and rewrites its runtime config for a platform template."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Applies the logging flags on top of the build-time defaults.
func configureLogger() {
	if RootCmd.Quiet {
		internal.SetQuiet(true)
	}
	if RootCmd.Debug {
		internal.SetDebug(true)
	}
	if RootCmd.Verbose > 0 {
		internal.SetVerbosity(RootCmd.Verbose)
	}

	internal.ApplyLogLevel()
}

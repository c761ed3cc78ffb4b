// Parses flags and dispatches the bundlegen subcommands.
//
// The root command accepts the following flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Increase verbosity; repeat for trace output.
//	-d, --debug     Enable debug output.
//
// Subcommands:
//
//	generate IMAGE OUTPUTDIR -p PLATFORM   Generate one bundle.
//	serve                                  Run the Unix-socket daemon.
//	version                                Print the version.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// shared log level is updated before the subcommand runs. [ExitCode] maps the
// returned error to the process exit status.
package cli

package cli

import (
	"context"
	"log/slog"

	"github.com/rdkcentral/bundlegen/internal/server"
)

// Represents the 'bundlegen serve' command.
type ServeCmd struct {
	Socket     string        `type:"path" placeholder:"PATH" help:"Override the default Unix socket path."`
	OutputDir  string        `name:"outputdir" type:"path" env:"BUNDLE_STORE_DIR" help:"Directory for bundle archives when a request names none."`
	SearchPath string        `short:"s" name:"searchpath" type:"path" env:"RDK_PLATFORM_SEARCHPATH" help:"Where to search for platform templates when a request names none."`
	Creds      string        `short:"c" env:"RDK_OCI_REGISTRY_CREDS" help:"Registry credentials (username:password)."`
	Unpack     UnpackerFlags `embed:""`
}

// Executes the serve command.
//
// Starts the daemon on a Unix domain socket and blocks until the context is
// cancelled (e.g. via SIGINT or SIGTERM) or a shutdown command arrives.
func (c *ServeCmd) Run(ctx context.Context) error {
	var searchPath []string
	if c.SearchPath != "" {
		searchPath = []string{c.SearchPath}
	}

	srv := server.New(server.Config{
		SocketPath:   c.Socket,
		OutputDir:    c.OutputDir,
		SearchPath:   searchPath,
		Creds:        c.Creds,
		UnpackerKind: c.Unpack.Unpacker,
		Containerd:   c.Unpack.containerd(),
	})

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("bundlegen daemon is running", "socket", srv.SocketPath())

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	slog.Info("shutting down")
	return srv.Stop()
}

// Package server implements the bundlegen daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands.
// Each connection carries a single request-response exchange: the client
// sends a newline-delimited JSON envelope, the server dispatches the
// command, and writes the result back before closing the connection.
//
// Supported commands are generate, status and shutdown. Generate requests
// carry the same fields as a bundle generation job (uuid, platform, image,
// inline app metadata, library matching mode, output name and directory)
// and are delegated to the generate package. Requests run concurrently,
// each in its own work directory. Failures are reported with a retryable
// flag, so a job queue in front of the daemon can requeue transient
// failures and drop permanent ones.
//
// Example usage:
//
//	srv := server.New(server.Config{
//	    OutputDir: "/var/lib/bundlegen/bundles",
//	})
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server

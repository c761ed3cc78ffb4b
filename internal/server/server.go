package server

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/rdkcentral/bundlegen/internal"
	"github.com/rdkcentral/bundlegen/internal/generate"
	"github.com/rdkcentral/bundlegen/internal/image"
	"github.com/rdkcentral/bundlegen/internal/libmatch"
	"github.com/rdkcentral/bundlegen/internal/paths"
)

const (

	// Group name used to grant socket access. Members of this group can
	// connect to the daemon socket without owning the process.
	socketGroup = internal.Name

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660
)

// Holds server configuration.
type Config struct {
	SocketPath   string                     // Override for the Unix socket path. Empty uses the default.
	PIDFile      string                     // Override for the PID file path. Empty uses the default.
	OutputDir    string                     // Archive directory for requests that name none. Empty uses the XDG bundle store.
	SearchPath   []string                   // Template directories for requests that name none. Empty uses the XDG search path.
	Creds        string                     // Registry credentials for every download.
	Downloader   generate.Downloader        // Image downloader. Nil uses skopeo.
	Unpacker     image.Unpacker             // Image unpacker. Nil selects one by UnpackerKind.
	UnpackerKind string                     // "umoci" (default), "layout" or "containerd".
	Containerd   generate.ContainerdOptions // Image store for the containerd unpacker.
	Inspector    libmatch.Inspector         // Rootfs library inspector. Nil uses readelf.
}

// Listens on a Unix domain socket and dispatches commands.
type Server struct {
	cfg        Config         // Request defaults and collaborators.
	socketPath string         // Path to the Unix socket file.
	pidFile    string         // Path to the PID file.
	listener   net.Listener   // Listener for incoming connections.
	startedAt  time.Time      // Timestamp when the server started.
	active     int            // Generate requests in progress.
	completed  int            // Bundles generated.
	failed     int            // Generate requests that failed.
	running    sync.WaitGroup // Tracks generate requests in progress.
	done       chan struct{}  // Channel to signal server shutdown.
	stopOnce   sync.Once      // Guards shutdown.
	mu         sync.Mutex     // Mutex to protect shared state.
}

// Creates a new server instance.
//
// The socket is not opened until [Start] is called.
func New(cfg Config) *Server {
	cfg.OutputDir = cmp.Or(cfg.OutputDir, paths.BundleStore())

	return &Server{
		cfg:        cfg,
		socketPath: cmp.Or(cfg.SocketPath, paths.Socket()),
		pidFile:    cmp.Or(cfg.PIDFile, paths.PIDFile()),
		done:       make(chan struct{}),
	}
}

// Returns the path of the Unix socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Opens the Unix socket and begins accepting connections.
func (s *Server) Start() error {
	listener, err := listen(s.socketPath)
	if err != nil {
		return err
	}

	s.listener = listener
	s.startedAt = time.Now()

	if err := writePID(s.pidFile); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	slog.Info("server listening on socket", "path", s.socketPath, "output", s.cfg.OutputDir)

	go s.accept()
	return nil
}

// Creates the Unix socket listener, removes any stale socket from a previous
// run, and applies permissions.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), paths.DefaultDirMode); err != nil {
		return nil, errors.Wrapf(ErrServer, errors.CodeInternal, "create socket directory: %v", err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(ErrServer, errors.CodeUnavailable, "failed to listen on %s: %v", socketPath, err)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to owner and group. Any user in the bundlegen
// group can also connect.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return errors.Wrapf(ErrServer, errors.CodeInternal, "failed to chmod socket %s: %v", socketPath, err)
	}

	if g, err := user.LookupGroup(socketGroup); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			if err := os.Chown(socketPath, -1, gid); err != nil {
				slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
			}
		}
	} else {
		slog.Debug("socket group not found, socket accessible to owner only", "group", socketGroup)
	}

	return nil
}

// Shuts down the server and cleans up resources.
//
// Stops accepting connections and waits for generate requests in progress.
// Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}

		s.running.Wait()

		os.Remove(s.socketPath)
		os.Remove(s.pidFile)

		slog.Info("server stopped")
	})
	return nil
}

// Returns a channel closed when the server begins shutting down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Accepts connections in a loop until the server shuts down.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		go s.handle(conn)
	}
}

// Processes a single connection.
//
// Reads one newline-delimited JSON message, dispatches the command, and
// writes the response. The connection is closed after one exchange.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	line, err := reader.ReadBytes('\n')
	if err != nil {
		slog.Error("read error", "error", err)
		return
	}

	env, err := Decode(line)
	if err != nil {
		s.respond(conn, CmdError, &ErrorResult{Message: err.Error()})
		return
	}

	slog.Info("command received", "command", env.Command)

	ctx, cancel := contextWithDisconnect(context.Background(), reader)
	defer cancel()

	s.dispatch(ctx, conn, env.Command, env.Payload)
}

// Routes a command to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, cmd Command, payload json.RawMessage) {
	switch cmd {
	case CmdGenerate:
		s.handleGenerate(ctx, conn, payload)
	case CmdStatus:
		s.handleStatus(conn)
	case CmdShutdown:
		s.handleShutdown(conn)
	default:
		s.respond(conn, CmdError, &ErrorResult{
			Message: fmt.Sprintf("unknown command: %s", cmd),
		})
	}
}

// Writes a JSON envelope response to the connection.
func (s *Server) respond(conn net.Conn, cmd Command, payload any) {
	data, err := Encode(cmd, payload)
	if err != nil {
		slog.Error("encode response failed", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		slog.Warn("write response failed", "command", cmd, "error", err)
	}
}

// Writes the daemon PID so other tools can find and signal the daemon.
func writePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), paths.DefaultFileMode)
}

// Returns a derived context that is cancelled when the remote end of the
// connection closes.
//
// Detection works by reading from r in a background goroutine. The read blocks
// until the peer closes the connection, at which point it returns an error and
// the derived context is cancelled. No further data may be expected on r for
// the lifetime of the returned context. The returned [context.CancelFunc] must
// always be called.
func contextWithDisconnect(parent context.Context, r io.Reader) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		buf := make([]byte, 1)
		r.Read(buf)
		cancel()
	}()

	return ctx, cancel
}

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/rdkcentral/bundlegen/internal"
	"github.com/rdkcentral/bundlegen/internal/bundle"
	"github.com/rdkcentral/bundlegen/internal/generate"
	"github.com/rdkcentral/bundlegen/internal/libmatch"
	"github.com/rdkcentral/bundlegen/internal/paths"
)

// Prefix of the per-request work directories inside the output directory.
const workDirPattern = ".bundlegen-"

// Handles a generate command.
//
// Each request unpacks into its own work directory inside the output
// directory, so concurrent requests never share state. Only the archive is
// kept.
func (s *Server) handleGenerate(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[GenerateRequest](payload)
	if err != nil {
		s.respond(conn, CmdError, &ErrorResult{Message: err.Error()})
		return
	}

	if !s.begin() {
		s.respond(conn, CmdError, &ErrorResult{UUID: req.UUID, Message: "server is shutting down", Retryable: true})
		return
	}

	result, err := s.generate(ctx, req)
	s.finish(err == nil)

	if err != nil {
		slog.Error("generate failed", "uuid", req.UUID, "error", err)
		s.respond(conn, CmdError, &ErrorResult{
			UUID:      req.UUID,
			Message:   err.Error(),
			Retryable: retryable(err),
		})
		return
	}

	slog.Info("request completed", "uuid", req.UUID, "bundle", result.BundlePath)
	s.respond(conn, CmdOK, result)
}

// Runs one generate request in a fresh work directory.
func (s *Server) generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	mode, err := libmatch.ParseMode(req.LibMatchMode)
	if err != nil {
		return nil, err
	}

	outputDir := s.cfg.OutputDir
	if req.OutputDir != "" {
		outputDir = req.OutputDir
	}

	searchPath := s.cfg.SearchPath
	if req.SearchPath != "" {
		searchPath = []string{req.SearchPath}
	}

	if err := os.MkdirAll(outputDir, paths.DefaultDirMode); err != nil {
		return nil, errors.Wrapf(ErrServer, errors.CodeInternal, "create output directory %s: %v", outputDir, err)
	}

	work, err := os.MkdirTemp(outputDir, workDirPattern)
	if err != nil {
		return nil, errors.Wrapf(ErrServer, errors.CodeInternal, "create work directory in %s: %v", outputDir, err)
	}
	defer os.RemoveAll(work)

	name := req.OutputFilename
	if name == "" {
		name = req.UUID
	}
	if name == "" {
		name = strings.TrimPrefix(filepath.Base(work), workDirPattern)
	}
	if name == "." || name == ".." || filepath.Base(name) != name {
		return nil, errors.Wrapf(ErrProtocol, errors.CodeInvalidInput, "output name %q is not a file name", name)
	}

	slog.Info("generating bundle", "uuid", req.UUID, "image", req.ImageURL, "platform", req.Platform)

	result, err := generate.Run(ctx, generate.Options{
		Image:             req.ImageURL,
		Platform:          req.Platform,
		SearchPath:        searchPath,
		Creds:             s.cfg.Creds,
		Output:            filepath.Join(work, "bundle"),
		AppMetadata:       req.AppMetadata,
		AppID:             req.AppID,
		Mode:              mode,
		CreateMountPoints: req.CreateMountPoints,
		Archive:           filepath.Join(outputDir, name),
		Downloader:        s.cfg.Downloader,
		Unpacker:          s.cfg.Unpacker,
		UnpackerKind:      s.cfg.UnpackerKind,
		Containerd:        s.cfg.Containerd,
		Inspector:         s.cfg.Inspector,
	})
	if err != nil {
		return nil, err
	}

	return &GenerateResult{UUID: req.UUID, BundlePath: result.Archive, AppID: result.AppID}, nil
}

// Registers a generate request. Returns false once shutdown has begun.
func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return false
	default:
	}

	s.running.Add(1)
	s.active++
	return true
}

// Records the outcome of a generate request.
func (s *Server) finish(ok bool) {
	s.mu.Lock()
	s.active--
	if ok {
		s.completed++
	} else {
		s.failed++
	}
	s.mu.Unlock()

	s.running.Done()
}

// Reports whether repeating a failed request may succeed.
//
// Transient errors and processing failures are retryable. Invalid requests
// and incompatible apps are not.
func retryable(err error) bool {
	return errors.IsRetryable(err) || errors.Is(err, bundle.ErrProcessing)
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	status := &StatusResult{
		Running:   true,
		Version:   internal.VersionString(),
		Pid:       os.Getpid(),
		Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
		Active:    s.active,
		Completed: s.completed,
		Failed:    s.failed,
	}
	s.mu.Unlock()

	s.respond(conn, CmdOK, status)
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, CmdOK, nil)
	slog.Info("shutdown requested")

	go s.Stop()
}

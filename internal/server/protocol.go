package server

import (
	"encoding/json"

	"github.com/jmgilman/go/errors"
)

// Names a request or response.
type Command string

const (
	CmdGenerate Command = "generate" // Generate a bundle.
	CmdStatus   Command = "status"   // Report daemon status.
	CmdShutdown Command = "shutdown" // Stop the daemon.
	CmdOK       Command = "ok"       // Successful response.
	CmdError    Command = "error"    // Failed response.
)

// One message on the socket, encoded as a single JSON line.
type Envelope struct {
	Command Command         `json:"command"`           // Request or response kind.
	Payload json.RawMessage `json:"payload,omitempty"` // Command-specific body.
}

// Payload of a generate request.
type GenerateRequest struct {
	UUID              string          `json:"uuid"`                        // Request id echoed in the response.
	Platform          string          `json:"platform"`                    // Platform template name.
	ImageURL          string          `json:"imageUrl"`                    // Image reference.
	AppMetadata       json.RawMessage `json:"appMetadata,omitempty"`       // Inline app metadata.
	LibMatchMode      string          `json:"libMatchMode,omitempty"`      // "normal", "image" or "host".
	OutputFilename    string          `json:"outputFilename,omitempty"`    // Archive name without suffix.
	SearchPath        string          `json:"searchPath,omitempty"`        // Template directory.
	OutputDir         string          `json:"outputDir,omitempty"`         // Archive directory.
	CreateMountPoints bool            `json:"createMountPoints,omitempty"` // Create mount targets in the rootfs.
	AppID             string          `json:"appId,omitempty"`             // Overrides the metadata app id.
}

// Payload of a successful generate response.
type GenerateResult struct {
	UUID       string `json:"uuid"`       // Request id.
	BundlePath string `json:"bundlePath"` // Path of the bundle archive.
	AppID      string `json:"appId"`      // Id of the packaged app.
}

// Payload of a status response.
type StatusResult struct {
	Running   bool   `json:"running"`   // Always true while the daemon answers.
	Version   string `json:"version"`   // Daemon version string.
	Pid       int    `json:"pid"`       // Daemon process id.
	Uptime    string `json:"uptime"`    // Time since start.
	Active    int    `json:"active"`    // Generate requests in progress.
	Completed int    `json:"completed"` // Bundles generated.
	Failed    int    `json:"failed"`    // Generate requests that failed.
}

// Payload of an error response.
type ErrorResult struct {
	UUID      string `json:"uuid,omitempty"` // Request id, for generate requests.
	Message   string `json:"message"`        // Error description.
	Retryable bool   `json:"retryable"`      // Whether repeating the request may succeed.
}

// Encodes a message as a single JSON line without the trailing newline.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(ErrProtocol, errors.CodeInternal, "encode %s payload: %v", cmd, err)
		}
		env.Payload = data
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrapf(ErrProtocol, errors.CodeInternal, "encode %s: %v", cmd, err)
	}
	return data, nil
}

// Decodes a message line.
func Decode(line []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, errors.Wrapf(ErrProtocol, errors.CodeInvalidInput, "decode message: %v", err)
	}
	if env.Command == "" {
		return nil, errors.Wrap(ErrProtocol, errors.CodeInvalidInput, "message has no command")
	}
	return &env, nil
}

// Decodes a command payload.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return nil, errors.Wrap(ErrProtocol, errors.CodeInvalidInput, "missing payload")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, errors.Wrapf(ErrProtocol, errors.CodeInvalidInput, "decode payload: %v", err)
	}
	return &v, nil
}

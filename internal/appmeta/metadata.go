// Package appmeta describes the requirements of one application.
//
// App metadata is supplied next to an image or embedded in it as
// "rootfs/appmetadata.json". It declares the app id and what the app needs
// from the device: graphics, networking, storage, memory, capabilities and
// optional RDK plugins.
package appmeta

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jmgilman/go/errors"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Name of the metadata file embedded in an image rootfs.
const EmbeddedFile = "appmetadata.json"

// Requirements of one application.
type Metadata struct {
	ID           string        `json:"id"`                     // Application id; namespaces storage, logs and hook paths.
	Type         string        `json:"type,omitempty"`         // Application type (e.g., "application/vnd.rdk-app.dac.native").
	Version      string        `json:"version,omitempty"`      // Application version.
	Description  string        `json:"description,omitempty"`  // Human-readable description.
	Priority     string        `json:"priority,omitempty"`     // Scheduling priority hint.
	Graphics     bool          `json:"graphics"`               // Whether the app needs graphics output.
	Network      *Network      `json:"network,omitempty"`      // Networking requirements.
	Storage      *Storage      `json:"storage,omitempty"`      // Storage requirements.
	Resources    *Resources    `json:"resources,omitempty"`    // Memory requirements.
	Features     []string      `json:"features,omitempty"`     // Platform features the app requires.
	Capabilities *Capabilities `json:"capabilities,omitempty"` // Capability adjustments.
	Thunder      *Thunder      `json:"thunder,omitempty"`      // Thunder plugin settings.
	IPC          *Toggle       `json:"ipc,omitempty"`          // IPC plugin switch.
	Minidump     *Toggle       `json:"minidump,omitempty"`     // Minidump plugin switch.
	OOMCrash     *Toggle       `json:"oomcrash,omitempty"`     // OOM crash plugin switch.
	Mounts       []specs.Mount `json:"mounts,omitempty"`       // App-specific mounts.
	Seccomp      *Seccomp      `json:"seccomp,omitempty"`      // Syscall allow-list.
	Logging      *Logging      `json:"logging,omitempty"`      // Per-app log settings.
}

// Networking requirements.
//
// Only the type is interpreted. The whole object, including fields this
// package does not model, is forwarded to the networking plugin unchanged.
type Network struct {
	Type string          // Network mode (e.g., "nat", "open", "none").
	Raw  json.RawMessage // Original JSON object.
}

// Decodes the network object, keeping the raw JSON.
func (n *Network) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	n.Type = head.Type
	n.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Encodes the network object as it was received.
func (n Network) MarshalJSON() ([]byte, error) {
	if len(n.Raw) > 0 {
		return n.Raw, nil
	}
	return json.Marshal(struct {
		Type string `json:"type"`
	}{n.Type})
}

// Storage requirements.
type Storage struct {
	Persistent []StorageEntry `json:"persistent,omitempty"` // Loopback-backed storage surviving restarts.
	Temp       []StorageEntry `json:"temp,omitempty"`       // tmpfs-backed scratch storage.
}

// One storage mount.
type StorageEntry struct {
	Size string `json:"size"` // Requested size (e.g., "12M").
	Path string `json:"path"` // Mount destination inside the container.
}

// Resource requirements.
type Resources struct {
	RAM string `json:"ram,omitempty"` // Memory requirement (e.g., "128M").
	GPU string `json:"gpu,omitempty"` // GPU memory requirement (e.g., "64M").
}

// Capability adjustments relative to the platform set.
type Capabilities struct {
	Add  []string `json:"add,omitempty"`  // Capabilities to add.
	Drop []string `json:"drop,omitempty"` // Capabilities to remove.
}

// Thunder plugin settings.
type Thunder struct {
	BearerURL string `json:"bearerUrl,omitempty"` // URL used to obtain a security token.
	Trusted   bool   `json:"trusted,omitempty"`   // Whether the app is trusted.
	ConnLimit int    `json:"connLimit,omitempty"` // Maximum concurrent connections.
}

// Switch for a plugin that needs no app parameters.
type Toggle struct {
	Enable bool `json:"enable"` // Whether the plugin is requested.
}

// Syscall allow-list.
type Seccomp struct {
	Allow []string `json:"allow,omitempty"` // Syscalls the app may use.
}

// Per-app log settings.
type Logging struct {
	Limit int64 `json:"limit,omitempty"` // Log file size limit in bytes.
}

// Reads app metadata from a file.
func Load(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, errors.CodeNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, errors.CodeInternal, "failed to open %s", path)
	}
	defer f.Close()

	return Decode(f)
}

// Decodes app metadata.
//
// The result is not validated, so callers can fill in the id first. Call
// [Metadata.Validate] before use.
func Decode(r io.Reader) (*Metadata, error) {
	var md Metadata
	if err := json.NewDecoder(r).Decode(&md); err != nil {
		return nil, errors.Wrapf(ErrInvalid, errors.CodeInvalidInput, "%v", err)
	}
	return &md, nil
}

// Reads the metadata embedded in an unpacked bundle.
//
// Returns nil and no error when the rootfs has no metadata file.
func FromRootfs(bundle string) (*Metadata, error) {
	path := filepath.Join(bundle, "rootfs", EmbeddedFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return Load(path)
}

// Deletes the metadata file embedded in an unpacked bundle, if any.
func RemoveFromRootfs(bundle string) error {
	path := filepath.Join(bundle, "rootfs", EmbeddedFile)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.CodeInternal, "failed to remove %s", path)
	}
	return nil
}

// Checks the fields every bundle depends on.
//
// The id must be non-empty and usable as a single path element, because it
// names directories and files on the device.
func (m *Metadata) Validate() error {
	switch {
	case m.ID == "":
		return errors.Wrap(ErrInvalid, errors.CodeInvalidInput, "id is required")
	case m.ID == "." || m.ID == ".." || strings.ContainsAny(m.ID, "/\\"):
		return errors.Wrapf(ErrInvalid, errors.CodeInvalidInput, "id %q is not a valid name", m.ID)
	}
	return nil
}

// Returns a copy of the metadata that shares no mutable state with m.
func (m *Metadata) Clone() *Metadata {
	c := *m
	c.Features = slices.Clone(m.Features)
	c.Mounts = slices.Clone(m.Mounts)
	c.Network = clonePtr(m.Network)
	if c.Network != nil {
		c.Network.Raw = slices.Clone(m.Network.Raw)
	}
	if m.Storage != nil {
		c.Storage = &Storage{
			Persistent: slices.Clone(m.Storage.Persistent),
			Temp:       slices.Clone(m.Storage.Temp),
		}
	}
	if m.Capabilities != nil {
		c.Capabilities = &Capabilities{
			Add:  slices.Clone(m.Capabilities.Add),
			Drop: slices.Clone(m.Capabilities.Drop),
		}
	}
	if m.Seccomp != nil {
		c.Seccomp = &Seccomp{Allow: slices.Clone(m.Seccomp.Allow)}
	}
	c.Resources = clonePtr(m.Resources)
	c.Thunder = clonePtr(m.Thunder)
	c.IPC = clonePtr(m.IPC)
	c.Minidump = clonePtr(m.Minidump)
	c.OOMCrash = clonePtr(m.OOMCrash)
	c.Logging = clonePtr(m.Logging)
	return &c
}

// Returns a shallow copy of *p, or nil.
func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Returns true if the optional plugin switch is on.
func (t *Toggle) Enabled() bool {
	return t != nil && t.Enable
}

package bundle

import (
	"bytes"
	"encoding/json"
	"os"
	"slices"

	"github.com/jmgilman/go/errors"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (

	// Name of the runtime config inside a bundle.
	ConfigFile = "config.json"

	// Name of the root filesystem directory inside a bundle.
	RootfsDir = "rootfs"

	// Mount type for bind mounts.
	bindType = "bind"
)

// Options for a bind mount when the caller gives none.
var defaultBindOptions = []string{"rbind", "nosuid", "nodev", "ro"}

// OCI runtime config extended with the Dobby plugin block.
type Config struct {
	specs.Spec
	RDKPlugins map[string]Plugin `json:"rdkPlugins"` // Plugins loaded by Dobby, keyed by name.
}

// Dobby plugin entry.
type Plugin struct {
	Required  bool     `json:"required"`            // Whether the container fails to start without it.
	DependsOn []string `json:"dependsOn,omitempty"` // Plugins that must run first.
	Data      any      `json:"data"`                // Plugin-specific settings.
}

// Reads a runtime config from disk.
//
// The plugin block is always non-nil after loading.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrConfig, errors.CodeNotFound, "%s does not exist", path)
		}
		return nil, errors.Wrapf(err, errors.CodeInternal, "failed to read %s", path)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(ErrConfig, errors.CodeInvalidConfig, "%s: %v", path, err)
	}

	if cfg.RDKPlugins == nil {
		cfg.RDKPlugins = make(map[string]Plugin)
	}

	return &cfg, nil
}

// Writes the config to disk with four-space indentation.
func (c *Config) Write(path string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")

	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to encode config")
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "failed to write %s", path)
	}

	return nil
}

// Appends a mount unless an identical one is already present.
//
// Returns true if the mount was added.
func (c *Config) AddMount(m specs.Mount) bool {
	if slices.ContainsFunc(c.Mounts, func(existing specs.Mount) bool {
		return mountEqual(existing, m)
	}) {
		return false
	}
	c.Mounts = append(c.Mounts, m)
	return true
}

// Appends a bind mount of a host path. Nil options select
// "rbind,nosuid,nodev,ro".
func (c *Config) AddBindMount(src, dst string, options []string) bool {
	if options == nil {
		options = defaultBindOptions
	}
	return c.AddMount(specs.Mount{
		Source:      src,
		Destination: dst,
		Type:        bindType,
		Options:     slices.Clone(options),
	})
}

// Returns true if two mounts have the same source, destination, type and
// options.
func mountEqual(a, b specs.Mount) bool {
	return a.Source == b.Source &&
		a.Destination == b.Destination &&
		a.Type == b.Type &&
		slices.Equal(a.Options, b.Options)
}

// Returns the process section, creating it when absent.
func (c *Config) process() *specs.Process {
	if c.Process == nil {
		c.Process = &specs.Process{}
	}
	return c.Process
}

// Returns the linux section, creating it when absent.
func (c *Config) linux() *specs.Linux {
	if c.Linux == nil {
		c.Linux = &specs.Linux{}
	}
	return c.Linux
}

// Returns the linux resources section, creating it when absent.
func (c *Config) resources() *specs.LinuxResources {
	l := c.linux()
	if l.Resources == nil {
		l.Resources = &specs.LinuxResources{}
	}
	return l.Resources
}

// Sets an annotation, creating the map when absent.
func (c *Config) annotate(key, value string) {
	if c.Annotations == nil {
		c.Annotations = make(map[string]string)
	}
	c.Annotations[key] = value
}

package bundle

import (
	"log/slog"
	"path/filepath"
	"slices"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rdkcentral/bundlegen/internal/platform"
	"github.com/rdkcentral/bundlegen/internal/size"
)

const (

	// Version written when the config must be plain OCI.
	compliantVersion = "1.0.2"

	// Version written when the config carries Dobby extensions.
	dobbyVersion = "1.0.2-dobby"

	// Leftover written by umoci next to the rootfs.
	umociMetadata = "umoci.json"

	// Glob matching umoci mtree manifests.
	umociMtreeGlob = "sha256_*.mtree"
)

// One section of the config rewrite.
type step struct {
	name string                                // Section name for logs and errors.
	run  func(p *Processor, cfg *Config) error // Mutates cfg for the section.
}

// Sections in processing order. Capabilities precede seccomp, which filters
// rules by the bounding set. Plugin registration precedes every section
// that adds a plugin.
var steps = []step{
	{"mount points", (*Processor).createDefaultMountPoints},
	{"oci version", (*Processor).processVersion},
	{"process", (*Processor).processProcess},
	{"root", (*Processor).processRoot},
	{"mounts", (*Processor).processMounts},
	{"resources", (*Processor).processResources},
	{"gpu", (*Processor).processGPU},
	{"libraries", (*Processor).processLibraries},
	{"users and groups", (*Processor).processUsersAndGroups},
	{"capabilities", (*Processor).processCapabilities},
	{"seccomp", (*Processor).processSeccomp},
	{"hostname", (*Processor).processHostname},
	{"plugins", (*Processor).processPlugins},
	{"network", (*Processor).processNetwork},
	{"storage", (*Processor).processStorage},
	{"logging", (*Processor).processLogging},
	{"device mapper", (*Processor).processDeviceMapper},
	{"hooks", (*Processor).processHooks},
	{"write config", (*Processor).writeConfig},
	{"cleanup", (*Processor).cleanupUnpackLeftovers},
}

// Creates directories for the mounts the unpacker configured.
func (p *Processor) createDefaultMountPoints(cfg *Config) error {
	if !p.opts.CreateMountPoints {
		return nil
	}

	for _, m := range cfg.Mounts {
		if err := p.mountPoint(m); err != nil {
			return err
		}
	}
	return nil
}

// Sets ociVersion according to the config flavour.
func (p *Processor) processVersion(cfg *Config) error {
	if p.tmpl.Dobby.GenerateCompliantConfig {
		cfg.Version = compliantVersion
	} else {
		cfg.Version = dobbyVersion
	}
	slog.Debug("set oci version", "version", cfg.Version)
	return nil
}

// Starts the app through DobbyInit and adds platform environment and
// rlimits.
func (p *Processor) processProcess(cfg *Config) error {
	proc := cfg.process()

	initPath := p.tmpl.Dobby.InitPath()
	proc.Args = append([]string{initPath}, proc.Args...)

	cfg.AddBindMount(initPath, initPath, nil)
	if err := p.mountPointFile(initPath); err != nil {
		return err
	}

	proc.Env = append(proc.Env, p.tmpl.EnvVar...)
	proc.Rlimits = append(proc.Rlimits, p.tmpl.ResourceLimits...)

	if p.tmpl.ApparmorProfile != "" {
		proc.ApparmorProfile = p.tmpl.ApparmorProfile
	}

	return nil
}

// Applies the platform root settings.
func (p *Processor) processRoot(cfg *Config) error {
	if p.tmpl.Root == nil {
		return nil
	}

	if cfg.Root == nil {
		cfg.Root = &specs.Root{Path: RootfsDir}
	}
	if p.tmpl.Root.Path != "" {
		cfg.Root.Path = p.tmpl.Root.Path
	}
	cfg.Root.Readonly = p.tmpl.Root.Readonly

	return nil
}

// Adds platform mounts, then app mounts.
func (p *Processor) processMounts(cfg *Config) error {
	for _, m := range slices.Concat(p.tmpl.Mounts, p.app.Mounts) {
		if !cfg.AddMount(m) {
			continue
		}
		if err := p.mountPoint(m); err != nil {
			return err
		}
	}
	return nil
}

// Sets the device cgroup baseline and the memory limit.
//
// The deny-all device rule is always the first entry and appears once. The
// memory limit is the smaller of the app request and the platform maximum,
// and is only set when the platform declares a maximum.
func (p *Processor) processResources(cfg *Config) error {
	res := cfg.resources()

	rules := make([]specs.LinuxDeviceCgroup, 0, len(res.Devices)+1)
	rules = append(rules, denyAllDevices())
	for _, rule := range res.Devices {
		if !isDenyAll(rule) {
			rules = append(rules, rule)
		}
	}
	res.Devices = rules

	if p.tmpl.Hardware.MaxRAM == "" {
		return nil
	}

	limit, err := size.Parse(p.tmpl.Hardware.MaxRAM)
	if err != nil {
		return err
	}

	if p.app.Resources != nil && p.app.Resources.RAM != "" {
		ram, err := size.Parse(p.app.Resources.RAM)
		if err != nil {
			return err
		}

		if ram > limit {
			slog.Warn("app memory requirement exceeds platform limit, using platform limit",
				"requested", p.app.Resources.RAM,
				"limit", p.tmpl.Hardware.MaxRAM,
			)
		} else {
			limit = ram
		}
	}

	if res.Memory == nil {
		res.Memory = &specs.LinuxMemory{}
	}
	res.Memory.Limit = &limit

	return nil
}

// Returns the rule denying access to every device.
func denyAllDevices() specs.LinuxDeviceCgroup {
	return specs.LinuxDeviceCgroup{Allow: false, Access: "rwm"}
}

// Returns true if rule is the deny-all rule.
func isDenyAll(rule specs.LinuxDeviceCgroup) bool {
	return !rule.Allow && rule.Type == "" && rule.Major == nil && rule.Minor == nil && rule.Access == "rwm"
}

// Decides placement of the libraries Dobby plugins need.
//
// Templates without per-library metadata may still carry legacy SHA-1
// sums, in which case identical rootfs libraries are replaced.
func (p *Processor) processLibraries(cfg *Config) error {
	for _, lib := range p.tmpl.Dobby.PluginDependencies {
		if err := p.matcher.MountOrUseRootfs(lib, lib); err != nil {
			return err
		}
	}

	if len(p.tmpl.Libs) == 0 && len(p.tmpl.LibsSHA1Sums) > 0 {
		if _, err := p.matcher.MatchSHA1(p.tmpl.LibsSHA1Sums); err != nil {
			return err
		}
	}

	return nil
}

// Sets the hostname to the platform value or the app id.
func (p *Processor) processHostname(cfg *Config) error {
	cfg.Hostname = p.tmpl.Hostname
	if cfg.Hostname == "" {
		cfg.Hostname = p.app.ID
	}
	return nil
}

// Writes config.json.
func (p *Processor) writeConfig(cfg *Config) error {
	path := filepath.Join(p.dir, ConfigFile)
	slog.Debug("writing config", "path", path)
	return cfg.Write(path)
}

// Removes files the unpacker leaves next to the rootfs.
func (p *Processor) cleanupUnpackLeftovers(*Config) error {
	if err := removeIfExists(filepath.Join(p.dir, umociMetadata)); err != nil {
		return err
	}

	mtrees, err := filepath.Glob(filepath.Join(p.dir, umociMtreeGlob))
	if err != nil {
		return err
	}
	for _, path := range mtrees {
		slog.Debug("removing unpack leftover", "path", path)
		if err := removeIfExists(path); err != nil {
			return err
		}
	}

	return nil
}

// Returns the storage limits of the given kind, or nil.
func storageLimits(tmpl *platform.Template, persistent bool) *platform.StorageLimits {
	if tmpl.Storage == nil {
		return nil
	}
	if persistent {
		return tmpl.Storage.Persistent
	}
	return tmpl.Storage.Temp
}

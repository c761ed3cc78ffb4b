package bundle

import (
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"

	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rdkcentral/bundlegen/internal/size"
)

// Plugin names understood by Dobby.
const (
	pluginNetworking   = "networking"
	pluginStorage      = "storage"
	pluginLogging      = "logging"
	pluginIPC          = "ipc"
	pluginMinidump     = "minidump"
	pluginOOMCrash     = "oomcrash"
	pluginThunder      = "thunder"
	pluginGPU          = "gpu"
	pluginDeviceMapper = "devicemapper"
)

const (

	// Loopback mount flags: MS_NOSUID | MS_NODEV | MS_NOEXEC.
	loopbackFlags = 14

	// Filesystem of loopback images when the platform names none.
	defaultLoopbackFS = "ext4"

	// Hex digits of the destination hash naming a loopback image.
	loopbackNameLen = 16

	// Mount option marking a mount the storage plugin may skip.
	optionalMountOption = "X-dobby.optional"

	// Log sink modes.
	logModeFile     = "file"
	logModeJournald = "journald"
	logModeDevNull  = "devnull"

	// Annotations redirecting hook output when logging to a file.
	annotationHookStdout = "run.oci.hooks.stdout"
	annotationHookStderr = "run.oci.hooks.stderr"
)

// Default name service configuration for networked containers.
const nsswitchConf = "hosts:     files mdns4_minimal [NOTFOUND=return] dns mdns4\nprotocols: files\n"

// Default hosts file for networked containers.
const hostsFile = "127.0.0.1\tlocalhost\n"

// Data of the ipc plugin.
type ipcData struct {
	Session string `json:"session,omitempty"`
	System  string `json:"system,omitempty"`
	Debug   string `json:"debug,omitempty"`
}

// Data of the minidump plugin.
type minidumpData struct {
	DestinationPath string `json:"destinationPath"`
}

// Data of the oomcrash plugin.
type oomCrashData struct {
	Path string `json:"path"`
}

// Data of the thunder plugin.
type thunderData struct {
	BearerURL string `json:"bearerUrl,omitempty"`
	Trusted   bool   `json:"trusted"`
	ConnLimit int    `json:"connLimit,omitempty"`
}

// Data of the gpu plugin.
type gpuData struct {
	Memory int64 `json:"memory"` // GPU memory limit in bytes.
}

// Data of the storage plugin.
type storageData struct {
	Loopback []loopbackMount `json:"loopback,omitempty"`
	Dynamic  []dynamicMount  `json:"dynamic,omitempty"`
}

// Loopback-backed persistent storage entry.
type loopbackMount struct {
	Destination string `json:"destination"`
	Flags       int    `json:"flags"`
	FSType      string `json:"fstype"`
	Source      string `json:"source"`
	ImgSize     int64  `json:"imgsize"`
}

// Bind mount applied only when its source exists at start.
type dynamicMount struct {
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Options     []string `json:"options,omitempty"`
}

// Data of the logging plugin.
type loggingData struct {
	Sink            string       `json:"sink"`
	FileOptions     *fileOptions `json:"fileOptions,omitempty"`
	JournaldOptions any          `json:"journaldOptions,omitempty"`
}

// File sink settings.
type fileOptions struct {
	Path  string `json:"path"`
	Limit int64  `json:"limit,omitempty"`
}

// Data of the devicemapper plugin.
type deviceMapperData struct {
	Devices []string `json:"devices"`
}

// Prepares the plugin block and registers the feature plugins.
//
// The Dobby plugin directory is bind mounted so the start hook can load
// plugins. Feature plugins are added when the app enables them and the
// platform provides their settings.
func (p *Processor) processPlugins(cfg *Config) error {
	if cfg.RDKPlugins == nil {
		cfg.RDKPlugins = make(map[string]Plugin)
	}

	if dir := p.tmpl.Dobby.PluginDir; dir != "" {
		cfg.AddBindMount(dir, dir, nil)
		if err := p.mountPointDir(dir); err != nil {
			return err
		}
	}

	if p.app.IPC.Enabled() {
		if ipc := p.tmpl.IPC; ipc != nil {
			cfg.RDKPlugins[pluginIPC] = Plugin{Data: ipcData{ipc.Session, ipc.System, ipc.Debug}}
		} else {
			slog.Warn("app enables ipc but platform has no ipc settings")
		}
	}

	if p.app.Minidump.Enabled() {
		if md := p.tmpl.Minidump; md != nil {
			cfg.RDKPlugins[pluginMinidump] = Plugin{Data: minidumpData{md.DestinationPath}}
		} else {
			slog.Warn("app enables minidump but platform has no minidump settings")
		}
	}

	if p.app.OOMCrash.Enabled() {
		if oc := p.tmpl.OOMCrash; oc != nil {
			cfg.RDKPlugins[pluginOOMCrash] = Plugin{Data: oomCrashData{oc.Path}}
		} else {
			slog.Warn("app enables oomcrash but platform has no oomcrash settings")
		}
	}

	if t := p.app.Thunder; t != nil {
		cfg.RDKPlugins[pluginThunder] = Plugin{
			DependsOn: []string{pluginNetworking},
			Data:      thunderData{t.BearerURL, t.Trusted, t.ConnLimit},
		}
	}

	if p.app.Resources != nil && p.app.Resources.GPU != "" {
		memory, err := size.Parse(p.app.Resources.GPU)
		if err != nil {
			return err
		}
		cfg.RDKPlugins[pluginGPU] = Plugin{Required: true, Data: gpuData{memory}}
	}

	return nil
}

// Registers the networking plugin and seeds the files it expects.
//
// The app network settings are the plugin data verbatim.
func (p *Processor) processNetwork(cfg *Config) error {
	if p.app.Network == nil {
		return nil
	}

	cfg.RDKPlugins[pluginNetworking] = Plugin{Required: true, Data: p.app.Network}

	if err := p.writeRootfsFile("/etc/nsswitch.conf", nsswitchConf, 0644); err != nil {
		return err
	}
	if err := p.writeRootfsFile("/etc/hosts", hostsFile, 0644); err != nil {
		return err
	}

	return p.mountPointFile("/etc/resolv.conf")
}

// Configures persistent and temporary storage.
//
// Persistent entries become loopback images whose file name is derived from
// the mount destination, so regenerating a bundle reuses the same image.
// Temporary entries become tmpfs mounts. When the platform enables dynamic
// mounts, mounts marked optional move from the mount list to the storage
// plugin.
func (p *Processor) processStorage(cfg *Config) error {
	var data storageData

	if p.app.Storage != nil {
		loopback, err := p.persistentStorage()
		if err != nil {
			return err
		}
		data.Loopback = loopback

		if err := p.tempStorage(cfg); err != nil {
			return err
		}
	}

	if p.tmpl.Storage != nil && p.tmpl.Storage.DynamicMounts {
		data.Dynamic = promoteOptionalMounts(cfg)
	}

	if len(data.Loopback) > 0 || len(data.Dynamic) > 0 {
		cfg.RDKPlugins[pluginStorage] = Plugin{Required: true, Data: data}
	}

	return nil
}

// Returns the loopback entries for the app persistent storage.
func (p *Processor) persistentStorage() ([]loopbackMount, error) {
	entries := p.app.Storage.Persistent
	if len(entries) == 0 {
		return nil, nil
	}

	limits := storageLimits(p.tmpl, true)
	if limits == nil {
		slog.Error("cannot create persistent storage, platform does not define it")
		return nil, nil
	}

	fsType := limits.FSType
	if fsType == "" {
		fsType = defaultLoopbackFS
	}

	var mounts []loopbackMount
	for _, entry := range entries {
		imgSize, err := size.Parse(entry.Size)
		if err != nil {
			slog.Error("skipping persistent storage", "path", entry.Path, "error", err)
			continue
		}

		mounts = append(mounts, loopbackMount{
			Destination: entry.Path,
			Flags:       loopbackFlags,
			FSType:      fsType,
			Source:      filepath.Join(limits.StorageDir, p.app.ID, LoopbackImageName(entry.Path)),
			ImgSize:     imgSize,
		})

		if err := p.createRootfsDir(entry.Path); err != nil {
			return nil, err
		}
	}

	return mounts, nil
}

// Returns the loopback image file name for a mount destination.
func LoopbackImageName(destination string) string {
	return digest.FromString(destination).Encoded()[:loopbackNameLen] + ".img"
}

// Adds tmpfs mounts for the app temporary storage.
func (p *Processor) tempStorage(cfg *Config) error {
	for _, entry := range p.app.Storage.Temp {
		n, err := size.Parse(entry.Size)
		if err != nil {
			slog.Error("skipping temporary storage", "path", entry.Path, "error", err)
			continue
		}

		cfg.AddMount(specs.Mount{
			Destination: entry.Path,
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{"nosuid", "strictatime", "mode=755", "size=" + strconv.FormatInt(n, 10)},
		})

		if err := p.createRootfsDir(entry.Path); err != nil {
			return err
		}
	}
	return nil
}

// Moves mounts marked optional out of the mount list.
func promoteOptionalMounts(cfg *Config) []dynamicMount {
	var dynamic []dynamicMount

	cfg.Mounts = slices.DeleteFunc(cfg.Mounts, func(m specs.Mount) bool {
		if !slices.Contains(m.Options, optionalMountOption) {
			return false
		}

		slog.Debug("promoting optional mount", "src", m.Source, "dst", m.Destination)
		dynamic = append(dynamic, dynamicMount{
			Source:      m.Source,
			Destination: m.Destination,
			Options: slices.DeleteFunc(slices.Clone(m.Options), func(o string) bool {
				return o == optionalMountOption
			}),
		})
		return true
	})

	return dynamic
}

// Registers the logging plugin for the platform log sink.
func (p *Processor) processLogging(cfg *Config) error {
	logging := p.tmpl.Logging
	if logging == nil {
		slog.Info("platform has no logging settings, container will not produce logs")
		return nil
	}

	var data loggingData
	switch logging.Mode {
	case logModeFile:
		limit := logging.Limit
		if p.app.Logging != nil && p.app.Logging.Limit > 0 {
			limit = p.app.Logging.Limit
		}

		data = loggingData{
			Sink: logModeFile,
			FileOptions: &fileOptions{
				Path:  filepath.Join(logging.LogDir, p.app.ID+".log"),
				Limit: limit,
			},
		}

		cfg.annotate(annotationHookStdout, "/dev/stdout")
		cfg.annotate(annotationHookStderr, "/dev/stderr")

	case logModeJournald:
		data = loggingData{Sink: logModeJournald}
		if len(logging.JournaldOptions) > 0 {
			data.JournaldOptions = logging.JournaldOptions
		}

	case logModeDevNull:
		data = loggingData{Sink: logModeDevNull}

	default:
		slog.Warn("unknown logging mode, container will not produce logs", "mode", logging.Mode)
		return nil
	}

	cfg.RDKPlugins[pluginLogging] = Plugin{Required: true, Data: data}
	return nil
}

// Registers the devicemapper plugin for graphics devices whose numbers are
// assigned at boot.
func (p *Processor) processDeviceMapper(cfg *Config) error {
	if !p.app.Graphics || !p.tmpl.Hardware.Graphics {
		return nil
	}

	devices := dynamicDevices(p.tmpl.GPU)
	if len(devices) == 0 {
		return nil
	}

	cfg.RDKPlugins[pluginDeviceMapper] = Plugin{Required: true, Data: deviceMapperData{devices}}
	return nil
}

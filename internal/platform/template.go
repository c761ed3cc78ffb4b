package platform

import (
	"encoding/json"
	"slices"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Merged platform template for one device.
//
// Optional blocks are pointers and are nil when the template omits them.
type Template struct {
	Arch                   *Arch               `json:"arch,omitempty"`                   // Target architecture for image downloads and seccomp.
	OS                     string              `json:"os,omitempty"`                     // Target operating system (e.g., "linux").
	Kernel                 string              `json:"kernel,omitempty"`                 // Kernel version ("<major>.<minor>") used by seccomp filtering.
	Hardware               Hardware            `json:"hardware"`                         // Hardware capabilities.
	GPU                    *GPU                `json:"gpu,omitempty"`                    // Graphics configuration.
	Storage                *Storage            `json:"storage,omitempty"`                // Storage limits.
	UsersAndGroups         *UsersAndGroups     `json:"usersAndGroups,omitempty"`         // Container user and id mappings.
	Dobby                  Dobby               `json:"dobby"`                            // Dobby runtime settings.
	EnvVar                 []string            `json:"envvar,omitempty"`                 // Environment added to every container.
	ResourceLimits         []specs.POSIXRlimit `json:"resourceLimits,omitempty"`         // Process rlimits.
	Capabilities           []string            `json:"capabilities,omitempty"`           // Base capability set; nil selects the default set.
	Seccomp                *Seccomp            `json:"seccomp,omitempty"`                // Seccomp profile location.
	ApparmorProfile        string              `json:"apparmorProfile,omitempty"`        // AppArmor profile name.
	Root                   *Root               `json:"root,omitempty"`                   // Root filesystem settings.
	Hostname               string              `json:"hostname,omitempty"`               // Container hostname.
	DisableUserNamespacing bool                `json:"disableUserNamespacing,omitempty"` // Whether containers run without a user namespace.
	RDK                    *RDK                `json:"rdk,omitempty"`                    // RDK feature support.
	Network                *Network            `json:"network,omitempty"`                // Allowed network modes.
	Mounts                 []specs.Mount       `json:"mounts,omitempty"`                 // Mounts added to every container.
	Logging                *Logging            `json:"logging,omitempty"`                // Container log sink.
	IPC                    *IPC                `json:"ipc,omitempty"`                    // D-Bus addresses for the ipc plugin.
	Minidump               *Minidump           `json:"minidump,omitempty"`               // Minidump plugin settings.
	OOMCrash               *OOMCrash           `json:"oomcrash,omitempty"`               // OOM crash plugin settings.
	Tarball                *Tarball            `json:"tarball,omitempty"`                // Packaging settings.
	Libs                   []Library           `json:"libs,omitempty"`                   // Symbol-version metadata of host libraries.
	LibsSHA1Sums           map[string]string   `json:"libs_sha1sums,omitempty"`          // Legacy map of SHA-1 digest to host library path.
}

// Architecture triple used for image selection.
type Arch struct {
	Arch    string `json:"arch"`              // Architecture (e.g., "arm").
	Variant string `json:"variant,omitempty"` // Architecture variant (e.g., "v7").
}

// Hardware capabilities of the device.
type Hardware struct {
	Graphics bool   `json:"graphics"`         // Whether the device has graphics output.
	MaxRAM   string `json:"maxRam,omitempty"` // Upper bound on container memory (e.g., "120M").
}

// Graphics configuration applied to apps that need graphics.
type GPU struct {
	GfxLibs        []GfxLib      `json:"gfxLibs,omitempty"`        // Graphics libraries always taken from the host.
	ExtraMounts    []specs.Mount `json:"extraMounts,omitempty"`    // Additional mounts for graphics.
	EnvVar         []string      `json:"envvar,omitempty"`         // Additional environment for graphics.
	Devs           []Device      `json:"devs,omitempty"`           // Device nodes exposed to the container.
	Westeros       *Westeros     `json:"westeros,omitempty"`       // Westeros compositor socket.
	WaylandDisplay string        `json:"waylandDisplay,omitempty"` // WAYLAND_DISPLAY value; "westeros" when empty.
}

// Host graphics library and its location in the container.
type GfxLib struct {
	Src string `json:"src"` // Path on the host.
	Dst string `json:"dst"` // Path inside the container.
}

// Device node exposed to the container.
type Device struct {
	Path    string `json:"path"`              // Device path (e.g., "/dev/dri/card0").
	Type    string `json:"type"`              // Device type ("c" or "b").
	Major   int64  `json:"major"`             // Major number.
	Minor   int64  `json:"minor"`             // Minor number.
	Access  string `json:"access"`            // Cgroup access ("rw", "rwm").
	Dynamic bool   `json:"dynamic,omitempty"` // Whether the numbers are only known at container start.
}

// Westeros compositor settings.
type Westeros struct {
	HostSocket string `json:"hostSocket,omitempty"` // Path of the compositor socket on the host.
}

// Storage limits for persistent and temporary storage.
type Storage struct {
	Persistent    *StorageLimits `json:"persistent,omitempty"`    // Loopback-backed persistent storage.
	Temp          *StorageLimits `json:"temp,omitempty"`          // tmpfs-backed temporary storage.
	DynamicMounts bool           `json:"dynamicMounts,omitempty"` // Whether optional mounts are promoted to the storage plugin.
}

// Size limits and backing settings for one storage kind.
type StorageLimits struct {
	MaxSize      string `json:"maxSize,omitempty"`      // Largest single entry.
	MinSize      string `json:"minSize,omitempty"`      // Smallest single entry; smaller requests are raised.
	MaxTotalSize string `json:"maxTotalSize,omitempty"` // Cap on the sum of all entries.
	StorageDir   string `json:"storageDir,omitempty"`   // Host directory holding loopback images.
	FSType       string `json:"fstype,omitempty"`       // Loopback filesystem type; "ext4" when empty.
}

// Container user and id mappings.
type UsersAndGroups struct {
	User   *User                  `json:"user,omitempty"`   // User the container process runs as.
	UIDMap []specs.LinuxIDMapping `json:"uidMap,omitempty"` // User namespace uid mappings.
	GIDMap []specs.LinuxIDMapping `json:"gidMap,omitempty"` // User namespace gid mappings.
}

// Numeric user and group.
type User struct {
	UID *uint32 `json:"uid,omitempty"` // Container uid.
	GID *uint32 `json:"gid,omitempty"` // Container gid.
}

// Dobby runtime settings.
type Dobby struct {
	PluginDir                  string   `json:"pluginDir,omitempty"`                  // Directory holding Dobby plugins on the host.
	PluginDependencies         []string `json:"pluginDependencies,omitempty"`         // Libraries the plugins need inside the container.
	DobbyInitPath              string   `json:"dobbyInitPath,omitempty"`              // Init binary prepended to the process args.
	HookLauncherExecutablePath string   `json:"hookLauncherExecutablePath,omitempty"` // Hook launcher for compliant configs.
	HookLauncherParametersPath string   `json:"hookLauncherParametersPath,omitempty"` // Hook parameter path template containing "{id}".
	GenerateCompliantConfig    bool     `json:"generateCompliantConfig,omitempty"`    // Whether to emit a standard OCI config with hooks.
}

// Seccomp profile location.
type Seccomp struct {
	Profile string `json:"profile,omitempty"` // Path to a Moby-format seccomp profile.
}

// Root filesystem settings.
type Root struct {
	Path     string `json:"path,omitempty"`     // Root path relative to the bundle.
	Readonly bool   `json:"readonly,omitempty"` // Whether the root filesystem is read-only.
}

// RDK feature support.
type RDK struct {
	SupportedFeatures []string `json:"supportedFeatures,omitempty"` // Features apps may require.
}

// Allowed network modes.
type Network struct {
	Options []string `json:"options,omitempty"` // Network types apps may request (e.g., "nat").
}

// Container log sink settings.
type Logging struct {
	Mode            string          `json:"mode,omitempty"`            // "file", "journald" or "devnull".
	LogDir          string          `json:"logDir,omitempty"`          // Directory for file sinks.
	Limit           int64           `json:"limit,omitempty"`           // Log file size limit in bytes.
	JournaldOptions json.RawMessage `json:"journaldOptions,omitempty"` // Passed to the journald sink verbatim.
}

// D-Bus addresses used by the ipc plugin.
type IPC struct {
	Session string `json:"session,omitempty"` // Session bus address.
	System  string `json:"system,omitempty"`  // System bus address.
	Debug   string `json:"debug,omitempty"`   // Debug bus address.
}

// Minidump plugin settings.
type Minidump struct {
	DestinationPath string `json:"destinationPath,omitempty"` // Host directory receiving dumps.
}

// OOM crash plugin settings.
type OOMCrash struct {
	Path string `json:"path,omitempty"` // Host directory receiving crash markers.
}

// Packaging settings.
type Tarball struct {
	FileOwnershipSameAsUser bool   `json:"fileOwnershipSameAsUser,omitempty"` // Whether archive entries are owned by the container user.
	FileMask                string `json:"fileMask,omitempty"`                // Octal permission mask applied to entries (e.g., "770").
}

// Symbol-version metadata for one host library.
type Library struct {
	Name        string   `json:"name"`                  // Absolute path of the library on the host.
	APIVersions []string `json:"apiversions,omitempty"` // Version tags defined by the library.
	Deps        []string `json:"deps,omitempty"`        // Libraries it needs at runtime.
}

// Returns the library record with the given name, or nil.
func (t *Template) LibByName(name string) *Library {
	for i := range t.Libs {
		if t.Libs[i].Name == name {
			return &t.Libs[i]
		}
	}
	return nil
}

// Returns the init binary path, falling back to the Dobby default.
func (d Dobby) InitPath() string {
	if d.DobbyInitPath != "" {
		return d.DobbyInitPath
	}
	return DefaultDobbyInitPath
}

// Returns true if the device supports the named feature.
func (t *Template) SupportsFeature(feature string) bool {
	if t.RDK == nil {
		return false
	}
	return slices.Contains(t.RDK.SupportedFeatures, feature)
}

// Returns true if apps may request the given network type.
func (t *Template) AllowsNetwork(kind string) bool {
	if t.Network == nil {
		return false
	}
	return slices.Contains(t.Network.Options, kind)
}

// Default location of the Dobby init binary on the device.
const DefaultDobbyInitPath = "/usr/libexec/DobbyInit"

package bundle

import (
	"log/slog"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rdkcentral/bundlegen/internal/platform"
)

const (

	// Container path of the Westeros compositor socket.
	westerosSocket = "/tmp/westeros"

	// Default WAYLAND_DISPLAY value.
	defaultWaylandDisplay = "westeros"
)

// Options for the compositor socket bind mount. The socket must be writable.
var westerosBindOptions = []string{"rbind", "nosuid", "nodev"}

// Configures graphics for apps that need it.
//
// Adds the platform graphics mounts and environment, bind mounts the host
// graphics libraries, exposes the compositor socket, and adds the GPU
// device nodes with matching cgroup allow rules.
func (p *Processor) processGPU(cfg *Config) error {
	if !p.app.Graphics {
		return nil
	}

	if !p.tmpl.Hardware.Graphics {
		slog.Error("app requires graphics but platform does not support graphics output")
		return nil
	}

	gpu := p.tmpl.GPU
	if gpu == nil {
		slog.Warn("platform supports graphics but has no gpu settings")
		return nil
	}

	for _, m := range gpu.ExtraMounts {
		if cfg.AddMount(m) {
			if err := p.mountPoint(m); err != nil {
				return err
			}
		}
	}

	proc := cfg.process()
	proc.Env = append(proc.Env, gpu.EnvVar...)

	for _, lib := range gpu.GfxLibs {
		if err := p.matcher.Mount(lib.Src, lib.Dst); err != nil {
			return err
		}
	}

	if gpu.Westeros != nil && gpu.Westeros.HostSocket != "" {
		cfg.AddBindMount(gpu.Westeros.HostSocket, westerosSocket, westerosBindOptions)
		if err := p.mountPointFile(westerosSocket); err != nil {
			return err
		}
	}

	display := gpu.WaylandDisplay
	if display == "" {
		display = defaultWaylandDisplay
	}
	proc.Env = append(proc.Env, "WAYLAND_DISPLAY="+display)

	linux := cfg.linux()
	res := cfg.resources()
	for _, dev := range gpu.Devs {
		linux.Devices = append(linux.Devices, deviceNode(dev))
		res.Devices = append(res.Devices, deviceRule(dev))
	}

	return nil
}

// Returns the device node entry for a platform device.
func deviceNode(dev platform.Device) specs.LinuxDevice {
	return specs.LinuxDevice{
		Path:  dev.Path,
		Type:  dev.Type,
		Major: dev.Major,
		Minor: dev.Minor,
	}
}

// Returns the cgroup rule allowing access to a platform device.
func deviceRule(dev platform.Device) specs.LinuxDeviceCgroup {
	major, minor := dev.Major, dev.Minor
	return specs.LinuxDeviceCgroup{
		Allow:  true,
		Type:   dev.Type,
		Major:  &major,
		Minor:  &minor,
		Access: dev.Access,
	}
}

// Returns the paths of devices whose numbers are only known at start.
func dynamicDevices(gpu *platform.GPU) []string {
	if gpu == nil {
		return nil
	}

	var devices []string
	for _, dev := range gpu.Devs {
		if dev.Dynamic {
			devices = append(devices, dev.Path)
		}
	}
	return devices
}

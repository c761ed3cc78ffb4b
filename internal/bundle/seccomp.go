package bundle

import (
	"encoding/json"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"github.com/jmgilman/go/errors"
	"github.com/moby/profiles/seccomp"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// errno returned by syscalls outside an app allow-list (EPERM).
const allowListErrno uint = 1

// libseccomp architecture for each platform architecture.
var seccompArches = map[string]specs.Arch{
	"x86":         specs.ArchX86,
	"amd64":       specs.ArchX86_64,
	"arm":         specs.ArchARM,
	"arm64":       specs.ArchAARCH64,
	"mips64":      specs.ArchMIPS64,
	"mips64n32":   specs.ArchMIPS64N32,
	"mipsel64":    specs.ArchMIPSEL64,
	"mipsel64n32": specs.ArchMIPSEL64N32,
	"mipsle":      specs.ArchMIPSEL,
	"ppc":         specs.ArchPPC,
	"ppc64":       specs.ArchPPC64,
	"ppc64le":     specs.ArchPPC64LE,
	"s390":        specs.ArchS390,
	"s390x":       specs.ArchS390X,
}

// Adds a seccomp filter built for the platform.
//
// The profile is an allow-list built from the app metadata, or the Moby
// format profile file named by the platform. Rules are kept when their
// conditions match the platform architecture, the platform kernel version
// and the bounding capabilities. The build host plays no part. Without a
// profile, kernel version or architecture seccomp is left off.
func (p *Processor) processSeccomp(cfg *Config) error {
	profile, err := p.seccompProfile()
	if err != nil {
		return err
	}
	if profile == nil {
		slog.Debug("no seccomp profile, seccomp disabled")
		return nil
	}

	if p.tmpl.Kernel == "" {
		slog.Warn("cannot enable seccomp, platform kernel version is not set")
		return nil
	}
	kernel, err := parseKernel(p.tmpl.Kernel)
	if err != nil {
		slog.Warn("cannot enable seccomp", "error", err)
		return nil
	}

	if p.tmpl.Arch == nil || p.tmpl.Arch.Arch == "" {
		slog.Warn("cannot enable seccomp, platform architecture is not set")
		return nil
	}
	arch := p.tmpl.Arch.Arch
	scmpArch, ok := seccompArches[arch]
	if !ok {
		slog.Warn("cannot enable seccomp, unknown architecture", "arch", arch)
		return nil
	}

	if profile.DefaultAction == "" && len(profile.Syscalls) == 0 {
		slog.Warn("seccomp profile has no default action or rules, seccomp disabled")
		return nil
	}

	var bounding []string
	if cfg.Process != nil && cfg.Process.Capabilities != nil {
		bounding = cfg.Process.Capabilities.Bounding
	}

	env := seccompEnv{arch: arch, kernel: kernel, caps: bounding}

	filter := &specs.LinuxSeccomp{
		DefaultAction:   profile.DefaultAction,
		DefaultErrnoRet: profile.DefaultErrnoRet,
		Architectures:   architectures(profile, scmpArch),
		Flags:           profile.Flags,
		Syscalls:        []specs.LinuxSyscall{},
	}

	for _, rule := range profile.Syscalls {
		if rule == nil || !env.applies(rule) {
			continue
		}

		syscall := rule.LinuxSyscall
		if len(syscall.Names) == 0 && rule.Name != "" {
			syscall.Names = []string{rule.Name}
		}
		filter.Syscalls = append(filter.Syscalls, syscall)
	}

	cfg.linux().Seccomp = filter
	slog.Info("created seccomp rules", "rules", len(filter.Syscalls))
	return nil
}

// Returns the profile to apply, or nil when there is none.
func (p *Processor) seccompProfile() (*seccomp.Seccomp, error) {
	if p.app.Seccomp != nil && len(p.app.Seccomp.Allow) > 0 {
		slog.Info("creating seccomp profile from app allow-list")
		return allowListProfile(p.app.Seccomp.Allow), nil
	}

	if p.tmpl.Seccomp == nil || p.tmpl.Seccomp.Profile == "" {
		return nil, nil
	}

	path := p.tmpl.Seccomp.Profile
	slog.Info("loading platform seccomp profile", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrSeccomp, errors.CodeNotFound, "%s: %v", path, err)
	}

	var profile seccomp.Seccomp
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, errors.Wrapf(ErrSeccomp, errors.CodeInvalidConfig, "%s: %v", path, err)
	}

	return &profile, nil
}

// Returns a profile allowing only the given syscalls.
func allowListProfile(allow []string) *seccomp.Seccomp {
	errno := allowListErrno

	profile := &seccomp.Seccomp{
		Syscalls: []*seccomp.Syscall{{
			LinuxSyscall: specs.LinuxSyscall{
				Names:  slices.Clone(allow),
				Action: specs.ActAllow,
			},
		}},
	}
	profile.DefaultAction = specs.ActErrno
	profile.DefaultErrnoRet = &errno

	return profile
}

// Returns the platform architecture and the sub-architectures the profile
// maps it to.
func architectures(profile *seccomp.Seccomp, arch specs.Arch) []specs.Arch {
	arches := []specs.Arch{arch}
	for _, m := range profile.ArchMap {
		if m.Arch == arch {
			arches = append(arches, m.SubArches...)
		}
	}
	return arches
}

// Platform properties rules are filtered against.
type seccompEnv struct {
	arch   string                // Platform architecture.
	kernel seccomp.KernelVersion // Platform kernel version.
	caps   []string              // Bounding capabilities.
}

// Returns true if the rule applies to the platform.
func (e seccompEnv) applies(rule *seccomp.Syscall) bool {
	if ex := rule.Excludes; ex != nil {
		if slices.Contains(ex.Arches, e.arch) {
			return false
		}
		if e.hasAnyCap(ex.Caps) {
			return false
		}
		if ex.MinKernel != nil && e.atLeast(*ex.MinKernel) {
			return false
		}
	}

	if in := rule.Includes; in != nil {
		if len(in.Arches) > 0 && !slices.Contains(in.Arches, e.arch) {
			return false
		}
		if len(in.Caps) > 0 && !e.hasAnyCap(in.Caps) {
			return false
		}
		if in.MinKernel != nil && !e.atLeast(*in.MinKernel) {
			return false
		}
	}

	return true
}

// Returns true if any of caps is in the bounding set.
func (e seccompEnv) hasAnyCap(caps []string) bool {
	return slices.ContainsFunc(caps, func(c string) bool {
		return slices.Contains(e.caps, c)
	})
}

// Returns true if the platform kernel is at least floor.
func (e seccompEnv) atLeast(floor seccomp.KernelVersion) bool {
	if e.kernel.Kernel != floor.Kernel {
		return e.kernel.Kernel > floor.Kernel
	}
	return e.kernel.Major >= floor.Major
}

// Parses a platform kernel version ("5.15.0-rdk") the way profile
// minKernel values are parsed. Anything after "<kernel>.<major>" is ignored.
func parseKernel(s string) (seccomp.KernelVersion, error) {
	var v seccomp.KernelVersion
	if err := v.UnmarshalJSON(strconv.AppendQuote(nil, s)); err != nil {
		return v, errors.Wrapf(ErrSeccomp, errors.CodeInvalidConfig, "platform kernel %q: %v", s, err)
	}
	return v, nil
}

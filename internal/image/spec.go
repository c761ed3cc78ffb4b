package image

import (
	"context"
	"encoding/json"
	"os"

	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/containerd/v2/pkg/oci"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/jmgilman/go/errors"
	"github.com/moby/sys/user"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rdkcentral/bundlegen/internal"
	"github.com/rdkcentral/bundlegen/internal/paths"
)

const (

	// Namespace oci.GenerateSpec requires. Nothing is stored in it.
	specNamespace = "bundlegen"

	// Account files resolved inside the rootfs.
	passwdFile = "/etc/passwd"
	groupFile  = "/etc/group"
)

// Generates the runtime config of an unpacked image.
//
// The config starts from containerd's default spec for the platform, takes
// the process args, environment, working directory and user from the image
// config, and maps container root to the invoking user in a new user
// namespace, as a rootless unpack does.
func generateSpec(ctx context.Context, img ocispec.Image, rootfs, platform string) (*specs.Spec, error) {
	ctx = namespaces.WithNamespace(ctx, specNamespace)
	ic := img.Config

	opts := []oci.SpecOpts{
		oci.WithRootFSPath(bundleRootfs),
		oci.WithEnv(ic.Env),
		oci.WithUserNamespace(rootlessMapping(os.Getuid()), rootlessMapping(os.Getgid())),
	}

	if args := append(append([]string(nil), ic.Entrypoint...), ic.Cmd...); len(args) > 0 {
		opts = append(opts, oci.WithProcessArgs(args...))
	}
	if ic.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(ic.WorkingDir))
	}

	s, err := oci.GenerateSpecWithPlatform(ctx, nil, platform, &containers.Container{ID: internal.Name}, opts...)
	if err != nil {
		return nil, errors.Wrapf(ErrUnpack, errors.CodeInternal, "generate runtime config: %v", err)
	}

	if ic.User != "" {
		if err := resolveUser(s, ic.User, rootfs); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Maps container id 0 to the host id of the invoking user.
func rootlessMapping(hostID int) []specs.LinuxIDMapping {
	return []specs.LinuxIDMapping{{ContainerID: 0, HostID: uint32(hostID), Size: 1}}
}

// Sets the process user from an image user spec ("name", "uid:gid", ...).
//
// Names are looked up in the rootfs account files. Missing files are
// tolerated for numeric specs.
func resolveUser(s *specs.Spec, spec, rootfs string) error {
	passwd, err := securejoin.SecureJoin(rootfs, passwdFile)
	if err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeInternal, "resolve %s: %v", passwdFile, err)
	}
	group, err := securejoin.SecureJoin(rootfs, groupFile)
	if err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeInternal, "resolve %s: %v", groupFile, err)
	}

	execUser, err := user.GetExecUserPath(spec, nil, passwd, group)
	if err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeInvalidInput, "resolve image user %q: %v", spec, err)
	}

	s.Process.User.UID = uint32(execUser.Uid)
	s.Process.User.GID = uint32(execUser.Gid)
	s.Process.User.AdditionalGids = nil
	for _, g := range execUser.Sgids {
		s.Process.User.AdditionalGids = append(s.Process.User.AdditionalGids, uint32(g))
	}

	return nil
}

// Writes a runtime config as indented JSON.
func writeSpec(path string, s *specs.Spec) error {
	data, err := json.MarshalIndent(s, "", "\t")
	if err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeInternal, "encode runtime config: %v", err)
	}

	if err := os.WriteFile(path, data, paths.DefaultFileMode); err != nil {
		return errors.Wrapf(ErrUnpack, errors.CodeInternal, "write %s: %v", path, err)
	}
	return nil
}

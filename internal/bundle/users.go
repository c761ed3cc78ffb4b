package bundle

import (
	"log/slog"
	"slices"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Applies the platform user namespace settings.
//
// Platforms without user namespaces lose the user namespace and every id
// mapping. Otherwise the mappings written by the unpacker are replaced with
// the platform mappings, which may be empty when Dobby assigns them at run
// time, and the process user is set from the platform.
func (p *Processor) processUsersAndGroups(cfg *Config) error {
	linux := cfg.linux()

	if p.tmpl.DisableUserNamespacing {
		slog.Debug("user namespacing disabled on this platform")
		linux.Namespaces = slices.DeleteFunc(linux.Namespaces, func(ns specs.LinuxNamespace) bool {
			return ns.Type == specs.UserNamespace
		})
		linux.UIDMappings = nil
		linux.GIDMappings = nil
		return nil
	}

	linux.UIDMappings = []specs.LinuxIDMapping{}
	linux.GIDMappings = []specs.LinuxIDMapping{}

	ug := p.tmpl.UsersAndGroups
	if ug == nil {
		slog.Debug("platform has no user/group mappings, they must be set at run time")
		return nil
	}

	linux.UIDMappings = append(linux.UIDMappings, ug.UIDMap...)
	linux.GIDMappings = append(linux.GIDMappings, ug.GIDMap...)

	if ug.User == nil {
		return nil
	}

	user := &cfg.process().User
	if ug.User.UID != nil {
		user.UID = *ug.User.UID
	}
	if ug.User.GID != nil {
		user.GID = *ug.User.GID
	}

	if !isMapped(ug.User.UID, linux.UIDMappings) {
		slog.Warn("container uid is not covered by the uid mappings", "uid", user.UID)
	}
	if !isMapped(ug.User.GID, linux.GIDMappings) {
		slog.Warn("container gid is not covered by the gid mappings", "gid", user.GID)
	}

	return nil
}

// Returns true if id falls inside one of the mappings. An unset id is
// always mapped.
func isMapped(id *uint32, mappings []specs.LinuxIDMapping) bool {
	if id == nil {
		return true
	}
	_, ok := mapToHost(*id, mappings)
	return ok
}

// Translates a container id to a host id through the mappings.
func mapToHost(id uint32, mappings []specs.LinuxIDMapping) (uint32, bool) {
	for _, m := range mappings {
		if id >= m.ContainerID && uint64(id) < uint64(m.ContainerID)+uint64(m.Size) {
			return m.HostID + (id - m.ContainerID), true
		}
	}
	return 0, false
}

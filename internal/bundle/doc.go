// Package bundle turns an unpacked OCI bundle into one ready for an STB.
//
// The image unpacker leaves a generic config.json and a rootfs. A
// [Processor] first checks that the app metadata can be satisfied by the
// platform template, then rewrites the config section by section: the
// Dobby init process, mounts, resource limits, graphics, shared libraries,
// user namespace mappings, capabilities, and the rdkPlugins block that
// drives networking, storage and logging at run time. Library placement is
// delegated to [libmatch.Matcher].
//
// Sections run in a fixed order, each one receiving the working [Config]
// explicitly. The config is written back to disk once, after the last
// section.
//
// Example usage:
//
//	p, err := bundle.New(tmpl, dir, app, bundle.Options{Mode: libmatch.ModeNormal})
//	if err != nil {
//	    return err
//	}
//
//	if err := p.CheckCompatibility(); err != nil {
//	    return err
//	}
//
//	if err := p.Process(); err != nil {
//	    return err
//	}
package bundle

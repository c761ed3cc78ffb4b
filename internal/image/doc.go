// Package image downloads OCI images and unpacks them into runtime bundles.
//
// A [Downloader] copies an image from a registry into an OCI layout
// directory under the image cache, selecting the manifest for the target
// platform. An [Unpacker] turns an image into an unmodified bundle: a
// rootfs/ directory with every layer applied and a config.json generated
// from the image config for a rootless user namespace.
//
// Three unpackers are available. [Umoci] runs the umoci tool. [Layout]
// reads the OCI layout through a containerd local content store and
// applies the layers natively. [Containerd] sources the image from a
// running containerd daemon instead of a layout directory.
//
// Example usage:
//
//	ref := "docker://registry/app:1.0"
//	d := image.NewDownloader(paths.ImageCache())
//	layout, err := d.Download(ctx, ref, "", tmpl)
//	if err != nil {
//	    return err
//	}
//	defer os.RemoveAll(layout)
//
//	u := &image.Layout{Platform: "linux/arm/v7"}
//	if err := u.Unpack(ctx, layout, image.ImageTag(ref), "out/bundle"); err != nil {
//	    return err
//	}
package image

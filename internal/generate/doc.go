// Package generate runs one image-to-bundle conversion end to end.
//
// A run loads the platform template, downloads the image as an OCI layout,
// unpacks it into the output directory, resolves the app metadata, checks
// that the platform can run the app, rewrites the bundle for the platform
// and optionally packages it as a .tar.gz archive. The CLI and the daemon
// both go through [Run].
//
// A failed run leaves nothing behind: the output directory and the
// downloaded layout are removed. The output directory must not exist when
// the run starts.
//
// Example usage:
//
//	result, err := generate.Run(ctx, generate.Options{
//	    Image:    "docker://registry.example.com/app:1.0",
//	    Platform: "rpi3",
//	    Output:   "/tmp/app-bundle",
//	})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(result.Archive)
package generate

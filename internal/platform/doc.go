// Package platform loads STB platform templates.
//
// A platform template describes one device: its architecture, graphics and
// storage capabilities, Dobby plugin locations, user namespace mappings, and
// the symbol-version metadata of the libraries installed on it. A template
// may be split across several files in a search directory, typically
// "<name>.json" and "<name>_libs.json". The files are merged at the top
// level in a fixed order, later files replacing keys set by earlier ones.
//
// Templates may be written in JSON or YAML. Unknown keys are ignored.
//
// Example usage:
//
//	tmpl, err := platform.Load("rpi3_reference", paths.TemplateSearchPath())
//	if err != nil {
//	    return err
//	}
//
//	if tmpl.Hardware.Graphics {
//	    ...
//	}
package platform

package bundle

import (
	"slices"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Capabilities granted when the platform does not list its own.
var defaultCapabilities = []string{
	"CAP_CHOWN",
	"CAP_FSETID",
	"CAP_NET_RAW",
	"CAP_SETGID",
	"CAP_SETUID",
	"CAP_SETPCAP",
	"CAP_NET_BIND_SERVICE",
	"CAP_KILL",
	"CAP_AUDIT_WRITE",
}

// Returns (base ∪ add) \ drop, keeping first-seen order.
//
// A nil base selects the default capability set.
func Capabilities(base, add, drop []string) []string {
	if base == nil {
		base = defaultCapabilities
	}

	caps := make([]string, 0, len(base)+len(add))
	for _, c := range slices.Concat(base, add) {
		if slices.Contains(caps, c) || slices.Contains(drop, c) {
			continue
		}
		caps = append(caps, c)
	}
	return caps
}

// Writes the same capability set to every capability category.
func (p *Processor) processCapabilities(cfg *Config) error {
	var add, drop []string
	if p.app.Capabilities != nil {
		add, drop = p.app.Capabilities.Add, p.app.Capabilities.Drop
	}

	caps := Capabilities(p.tmpl.Capabilities, add, drop)

	cfg.process().Capabilities = &specs.LinuxCapabilities{
		Bounding:    slices.Clone(caps),
		Effective:   slices.Clone(caps),
		Inheritable: slices.Clone(caps),
		Permitted:   slices.Clone(caps),
		Ambient:     slices.Clone(caps),
	}

	return nil
}

package bundle

import (
	"log/slog"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Placeholder for the app id in the hook parameters path.
const hookIDPlaceholder = "{id}"

// Hook phases handled by the hook launcher.
const (
	phaseCreateRuntime   = "createRuntime"
	phaseCreateContainer = "createContainer"
	phasePoststart       = "poststart"
	phasePoststop        = "poststop"
)

// Adds lifecycle hooks running the Dobby hook launcher.
//
// Only compliant configs carry hooks; otherwise Dobby runs the plugins
// itself. Hooks are skipped when no plugin is registered or the launcher
// paths are missing.
func (p *Processor) processHooks(cfg *Config) error {
	dobby := p.tmpl.Dobby
	if !dobby.GenerateCompliantConfig {
		return nil
	}

	if len(cfg.RDKPlugins) == 0 {
		slog.Debug("no plugins registered, skipping hooks")
		return nil
	}

	if dobby.HookLauncherExecutablePath == "" || dobby.HookLauncherParametersPath == "" {
		slog.Error("cannot add hooks, hook launcher paths are not set in the platform template")
		return nil
	}

	params := HookParametersPath(dobby.HookLauncherParametersPath, p.app.ID)
	exe := dobby.HookLauncherExecutablePath

	hook := func(phase string) []specs.Hook {
		return []specs.Hook{{
			Path: exe,
			Args: []string{filepath.Base(exe), "-h", phase, "-c", params},
		}}
	}

	cfg.Hooks = &specs.Hooks{
		CreateRuntime:   hook(phaseCreateRuntime),
		CreateContainer: hook(phaseCreateContainer),
		Poststart:       hook(phasePoststart),
		Poststop:        hook(phasePoststop),
	}

	slog.Debug("added hooks", "launcher", exe, "config", params)
	return nil
}

// Returns the config path passed to the hook launcher.
//
// The app id replaces "{id}", and "config.json" is appended unless the
// path already names it.
func HookParametersPath(template, id string) string {
	path := strings.ReplaceAll(template, hookIDPlaceholder, id)
	if filepath.Base(path) != ConfigFile {
		path = filepath.Join(path, ConfigFile)
	}
	return path
}

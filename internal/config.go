package internal

import (
	"log/slog"
	"strconv"
	"sync/atomic"
)

// Level below debug used for per-library placement decisions.
const LevelTrace = slog.LevelDebug - 4

var (
	quietMode atomic.Bool  // Indicates whether quiet mode is enabled.
	debugMode atomic.Bool  // Indicates whether debug logging is enabled.
	verbosity atomic.Int32 // Number of -v flags seen (0 info, 1 debug, 2+ trace).
)

// Parses the linker flags into usable runtime variables.
//
// The raw variables are set via ldflags. Unparseable values are ignored and
// the zero defaults apply.
func init() {
	if v, err := strconv.ParseBool(rawQuiet); err == nil {
		quietMode.Store(v)
	}
	if v, err := strconv.ParseBool(rawDebug); err == nil {
		debugMode.Store(v)
	}
	if v, err := strconv.Atoi(rawVerbosity); err == nil {
		verbosity.Store(int32(v))
	}
}

// Enables or disables quiet mode.
func SetQuiet(enabled bool) {
	quietMode.Store(enabled)
}

// Returns true if quiet mode is enabled.
func IsQuiet() bool {
	return quietMode.Load()
}

// Enables or disables debug mode.
func SetDebug(enabled bool) {
	debugMode.Store(enabled)
}

// Returns true if debug mode is enabled.
func IsDebug() bool {
	return debugMode.Load()
}

// Sets the verbosity level. Negative values are clamped to zero.
func SetVerbosity(level int) {
	if level < 0 {
		level = 0
	}
	verbosity.Store(int32(level))
}

// Returns the verbosity level.
func Verbosity() int {
	return int(verbosity.Load())
}

// Returns the log level implied by the current flags.
//
// Quiet wins over everything else. Debug mode and one -v select debug, two or
// more -v select trace.
func LogLevel() slog.Level {
	switch {
	case IsQuiet():
		return slog.LevelWarn
	case Verbosity() >= 2:
		return LevelTrace
	case IsDebug() || Verbosity() == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

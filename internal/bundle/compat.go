package bundle

import (
	"log/slog"
	"strings"

	"github.com/jmgilman/go/errors"
	"github.com/rdkcentral/bundlegen/internal/appmeta"
	"github.com/rdkcentral/bundlegen/internal/platform"
	"github.com/rdkcentral/bundlegen/internal/size"
)

// Compatibility checks in evaluation order. The first failure wins.
var compatibilityChecks = []func(p *Processor) error{
	checkGraphics,
	checkFeatures,
	checkNetwork,
	checkPersistentStorage,
	checkTempStorage,
}

// Fails when the app needs graphics on a headless platform.
func checkGraphics(p *Processor) error {
	if p.app.Graphics && !p.tmpl.Hardware.Graphics {
		return incompatible("platform does not support graphics output")
	}
	return nil
}

// Fails when the app needs features the platform lacks. Platforms without a
// supported feature list accept any feature.
func checkFeatures(p *Processor) error {
	if p.tmpl.RDK == nil || len(p.tmpl.RDK.SupportedFeatures) == 0 {
		if len(p.app.Features) > 0 {
			slog.Debug("platform declares no supported features, skipping feature check")
		}
		return nil
	}

	var missing []string
	for _, feature := range p.app.Features {
		if !p.tmpl.SupportsFeature(feature) {
			missing = append(missing, feature)
		}
	}

	if len(missing) > 0 {
		return incompatible("platform does not support required features: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Fails when the app asks for a network mode the platform does not offer.
func checkNetwork(p *Processor) error {
	if p.app.Network == nil || p.app.Network.Type == "" {
		return nil
	}
	if !p.tmpl.AllowsNetwork(p.app.Network.Type) {
		return incompatible("platform does not support %s networking", p.app.Network.Type)
	}
	return nil
}

// Validates persistent storage against the platform limits. The platform
// must declare persistent storage when the app requests any.
func checkPersistentStorage(p *Processor) error {
	if p.app.Storage == nil {
		return nil
	}

	limits := storageLimits(p.tmpl, true)
	return checkStorage("persistent", p.app.Storage.Persistent, limits, true)
}

// Validates temporary storage against the platform limits. A platform
// without temporary storage limits accepts any request.
func checkTempStorage(p *Processor) error {
	if p.app.Storage == nil {
		return nil
	}

	limits := storageLimits(p.tmpl, false)
	return checkStorage("temp", p.app.Storage.Temp, limits, false)
}

// Validates storage entries against platform limits.
//
// Entries smaller than the minimum are raised to it in place. Entries
// larger than the maximum fail, as does a total above the platform cap.
func checkStorage(kind string, entries []appmeta.StorageEntry, limits *platform.StorageLimits, required bool) error {
	if len(entries) == 0 {
		return nil
	}

	if limits == nil {
		if required {
			return incompatible("platform does not support %s storage", kind)
		}
		return nil
	}

	maxSize, err := optionalSize(limits.MaxSize)
	if err != nil {
		return incompatible("%s storage maxSize: %v", kind, err)
	}
	minSize, err := optionalSize(limits.MinSize)
	if err != nil {
		return incompatible("%s storage minSize: %v", kind, err)
	}
	maxTotal, err := optionalSize(limits.MaxTotalSize)
	if err != nil {
		return incompatible("%s storage maxTotalSize: %v", kind, err)
	}

	var total int64
	for i := range entries {
		entry := &entries[i]

		n, err := size.Parse(entry.Size)
		if err != nil {
			return incompatible("%s storage for %s: %v", kind, entry.Path, err)
		}

		if maxSize > 0 && n > maxSize {
			return incompatible("%s storage for %s exceeds platform limit (%s > %s)", kind, entry.Path, entry.Size, limits.MaxSize)
		}

		if minSize > 0 && n < minSize {
			slog.Warn("storage request below platform minimum, raising it",
				"kind", kind,
				"path", entry.Path,
				"requested", entry.Size,
				"minimum", limits.MinSize,
			)
			entry.Size = limits.MinSize
			n = minSize
		}

		total += n
	}

	if maxTotal > 0 && total > maxTotal {
		return incompatible("total %s storage exceeds platform limit (%s > %s)", kind, size.Format(total), limits.MaxTotalSize)
	}

	return nil
}

// Parses a size that may be unset. Unset is zero.
func optionalSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return size.Parse(s)
}

// Returns an error wrapping [ErrIncompatible].
func incompatible(format string, args ...any) error {
	return errors.Wrapf(ErrIncompatible, errors.CodeConflict, format, args...)
}

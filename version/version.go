// Package version carries build information injected via ldflags, so a
// running image (or the CLI querying one) can confirm which firmware is
// live on a given bank.
package version

// Build information (injected via -ldflags; must NOT have default values).
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// BuildMarker is a hardcoded marker useful for sanity-checking that the
// expected firmware is flashed, independent of the ldflag values above.
const BuildMarker = "otacore-build-001"

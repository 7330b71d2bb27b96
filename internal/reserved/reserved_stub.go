//go:build !cgo

package reserved

// Without cgo there is no portable way to pin a blob into a custom-named
// object-file section, so a CGO_ENABLED=0 build of this binary cannot serve
// as gen-cli's base image (internal/patch would find no matching section).
// It still builds and runs standalone; only patchability is lost.
var region = func() [Capacity]byte {
	var b [Capacity]byte
	copy(b[:], sentinelPrefix)
	return b
}()

// Region returns the package-level blob; see the cgo-build variant for the
// version that actually lands in a named section.
func Region() []byte { return region[:] }

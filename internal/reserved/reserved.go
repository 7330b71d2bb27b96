// Package reserved defines the client binary's reserved configuration
// region (§4.1): a fixed-size, sentinel-initialized byte blob placed inside
// a dedicated, platform-named object-file section so internal/patch can
// locate and overwrite it in a built binary without touching anything else
// in the image. Grounded on original_source/src/gen.rs's use of a named
// section per binary format (".portguard"/"__portguard"/"pgmodify") backing
// a fixed CONF_BUF_LEN region.
package reserved

// Capacity is this build's CONFIG_CAPACITY (§6): the number of bytes
// internal/patch may overwrite in place.
const Capacity = 8192

// sentinelPrefix mirrors internal/patch.Sentinel; duplicated here (rather than
// imported) so this package stays leaf-level and buildable without cgo even
// when internal/patch is not otherwise linked in.
const sentinelPrefix = "PORTGUARD-CFG\x00\x00\x00"

// Package patch implements the Binary Patcher of §4.1: locating a named,
// fixed-size, sentinel-prefixed reserved section inside an ELF, Mach-O or PE
// image and overwriting it in place with a serialized client config,
// without touching file size or section layout.
//
// original_source/src/gen.rs performs the equivalent operation with Rust's
// `object` + `memmap2` crates, locating the section by name and rewriting a
// backing mmap directly. No comparable Go ecosystem library for locating and
// rewriting object-file sections turned up anywhere in the retrieved
// example pack (debug/elf, debug/macho and debug/pe cover *parsing* only,
// and no example repo imports a third-party alternative) — so this
// component is built on the standard library, recorded in DESIGN.md as a
// required stdlib fallback.
package patch

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
	"fmt"

	"portguard/internal/pgerrors"
)

// SectionName is the reserved section's name on ELF images. Mach-O and PE
// images carry the platform's closest equivalent instead (per §6's "uniform
// across platforms: .pgconf or the platform's closest equivalent"), matching
// original_source/src/gen.rs's get_client_config_section: "__portguard" on
// Mach-O, "pgmodify" on PE. internal/reserved defines the actual blob for
// each platform.
const SectionName = ".pgconf"

// Sentinel marks an unpatched reserved region.
var Sentinel = []byte("PORTGUARD-CFG\x00\x00\x00")

// Format identifies the executable image format.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatMachO
	FormatPE
)

// DetectFormat inspects magic bytes at the start of image.
func DetectFormat(image []byte) Format {
	switch {
	case len(image) >= 4 && bytes.Equal(image[:4], []byte{0x7f, 'E', 'L', 'F'}):
		return FormatELF
	case len(image) >= 4 && isMachOMagic(image[:4]):
		return FormatMachO
	case len(image) >= 2 && image[0] == 'M' && image[1] == 'Z':
		return FormatPE
	default:
		return FormatUnknown
	}
}

func isMachOMagic(b []byte) bool {
	magic := binary.BigEndian.Uint32(b)
	switch magic {
	case macho.Magic32, macho.Magic64, macho.MagicFat,
		0xcefaedfe /* little-endian 32-bit */, 0xcffaedfe /* little-endian 64-bit */ :
		return true
	default:
		return false
	}
}

// region is the located reserved section's file byte range.
type region struct {
	offset int64
	size   int64
}

func locateSection(image []byte, name string) (region, error) {
	format := DetectFormat(image)
	r := bytes.NewReader(image)

	switch format {
	case FormatELF:
		f, err := elf.NewFile(r)
		if err != nil {
			return region{}, fmt.Errorf("%w: %v", pgerrors.ErrUnsupportedFormat, err)
		}
		defer f.Close()
		for _, sec := range f.Sections {
			if sec.Name == name {
				return region{offset: int64(sec.Offset), size: int64(sec.Size)}, nil
			}
		}
	case FormatMachO:
		f, err := macho.NewFile(r)
		if err != nil {
			return region{}, fmt.Errorf("%w: %v", pgerrors.ErrUnsupportedFormat, err)
		}
		defer f.Close()
		for _, sec := range f.Sections {
			if sec.Name == name || sec.Name == "__portguard" {
				return region{offset: int64(sec.Offset), size: int64(sec.Size)}, nil
			}
		}
	case FormatPE:
		f, err := pe.NewFile(r)
		if err != nil {
			return region{}, fmt.Errorf("%w: %v", pgerrors.ErrUnsupportedFormat, err)
		}
		defer f.Close()
		for _, sec := range f.Sections {
			if sec.Name == name || sec.Name == "pgmodify" {
				return region{offset: int64(sec.Offset), size: int64(sec.Size)}, nil
			}
		}
	default:
		return region{}, pgerrors.ErrUnsupportedFormat
	}
	return region{}, pgerrors.ErrSectionNotFound
}

// ReadSection returns the raw bytes currently stored in the reserved
// section, without validating the sentinel.
func ReadSection(image []byte) ([]byte, error) {
	reg, err := locateSection(image, SectionName)
	if err != nil {
		return nil, err
	}
	if reg.offset < 0 || reg.offset+reg.size > int64(len(image)) {
		return nil, fmt.Errorf("%w: section range out of bounds", pgerrors.ErrSectionNotFound)
	}
	out := make([]byte, reg.size)
	copy(out, image[reg.offset:reg.offset+reg.size])
	return out, nil
}

// Patch returns a copy of image with the reserved section's content
// replaced by blob. blob must be exactly the section's size. The section
// must currently begin with Sentinel or already hold a length-prefixed
// config blob from a prior Patch call — the first confirms the located
// region really is the reserved one, the second keeps Patch idempotent per
// §8 (the sentinel need not still be present verbatim, only that patching
// is applied to the same fixed-size region every time).
func Patch(image []byte, blob []byte) ([]byte, error) {
	reg, err := locateSection(image, SectionName)
	if err != nil {
		return nil, err
	}
	if reg.offset < 0 || reg.offset+reg.size > int64(len(image)) {
		return nil, fmt.Errorf("%w: section range out of bounds", pgerrors.ErrSectionNotFound)
	}
	if int64(len(blob)) != reg.size {
		return nil, fmt.Errorf("%w: blob size %d does not match section size %d", pgerrors.ErrConfigTooLarge, len(blob), reg.size)
	}

	current := image[reg.offset : reg.offset+reg.size]
	if !bytes.HasPrefix(current, Sentinel) && !looksLikeWrappedConfig(current) {
		return nil, pgerrors.ErrSentinelMissing
	}

	out := make([]byte, len(image))
	copy(out, image)
	copy(out[reg.offset:reg.offset+reg.size], blob)
	return out, nil
}

// looksLikeWrappedConfig reports whether region already holds a previously
// patched config blob (u64 length prefix followed by that many bytes),
// which lets Patch be idempotent: re-patching an already-patched binary
// doesn't require the original sentinel to still be visible.
func looksLikeWrappedConfig(region []byte) bool {
	if len(region) < 8 {
		return false
	}
	n := binary.LittleEndian.Uint64(region[:8])
	return n <= uint64(len(region)-8)
}

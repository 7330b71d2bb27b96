//go:build cgo

package reserved

/*
#if defined(__APPLE__)
__attribute__((section("__DATA,__portguard")))
#elif defined(_WIN32)
__attribute__((section("pgmodify")))
#else
__attribute__((section(".pgconf")))
#endif
unsigned char pgconf_region[8192] = "PORTGUARD-CFG\0\0\0";
*/
import "C"
import "unsafe"

// Region returns a Go slice aliasing the reserved section's backing memory,
// so its initial sentinel bytes actually end up inside the linked object
// file's named section rather than in ordinary .data/.rodata.
func Region() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&C.pgconf_region[0])), Capacity)
}

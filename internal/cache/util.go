package cache

import (
	"path/filepath"
	"unsafe"
)

// parentDir returns the parent directory of path, or path itself if path is
// already the root (filepath.Dir's usual fixed point).
func parentDir(path string) string {
	return filepath.Dir(path)
}

// DirectIOAlignment is the alignment, in bytes, that O_DIRECT requires of
// both buffer addresses and file offsets on Linux. 4096 covers every common
// page and logical block size. The DirectIOCacheManager.PermissionCheck
// probe only opens a file with O_DIRECT and transfers no data, so it does not
// detect a filesystem that requires a coarser alignment.
const DirectIOAlignment = 4096

// AlignedBuffer returns a byte slice of length size backed by an array
// starting on a DirectIOAlignment-byte boundary, as spec.md §4.D and the
// Rust original (_examples/original_source/src/utils.rs's aligned
// allocation helper) require for buffers passed to an O_DIRECT-opened file:
// the kernel rejects unaligned user buffers with EINVAL. Go's allocator
// gives no alignment guarantee beyond a machine word, so over-allocate and
// slice to the first aligned offset, the same trick used by Go's existing
// direct-I/O helper packages.
func AlignedBuffer(size int) []byte {
	buf := make([]byte, size+DirectIOAlignment)
	offset := int(uintptr(unsafe.Pointer(&buf[0])) % DirectIOAlignment)
	if offset != 0 {
		offset = DirectIOAlignment - offset
	}
	return buf[offset : offset+size : offset+size]
}

package cache

import (
	"testing"
	"unsafe"
)

func TestAlignedBufferIsAligned(t *testing.T) {
	for _, size := range []int{0, 1, 17, blockSizeForTest, blockSizeForTest * 3} {
		buf := AlignedBuffer(size)
		if len(buf) != size {
			t.Fatalf("AlignedBuffer(%d) has length %d", size, len(buf))
		}
		if size == 0 {
			continue
		}
		addr := uintptr(unsafe.Pointer(&buf[0]))
		if addr%DirectIOAlignment != 0 {
			t.Fatalf("AlignedBuffer(%d) starts at unaligned address %#x", size, addr)
		}
	}
}

const blockSizeForTest = DirectIOAlignment

//go:build cupti

package cupti

/*
#include <stdlib.h>
#include <cuda.h>
#include <cupti.h>
*/
import "C"

import (
	"unsafe"

	"codeberg.org/mutker/openvprof/internal/activity"
)

//export goBufferRequested
func goBufferRequested(buffer **C.uint8_t, size *C.size_t, maxNumRecords *C.size_t) {
	*buffer, *size, *maxNumRecords = nil, 0, 0

	cb := active.Load()
	if cb == nil {
		return
	}

	buf := cb.requested(func(n int) []byte {
		p := C.aligned_alloc(C.size_t(activity.BufferAlignment), C.size_t(n))
		if p == nil {
			return nil
		}
		return unsafe.Slice((*byte)(p), n)
	})
	if len(buf) == 0 {
		return
	}

	*buffer = (*C.uint8_t)(unsafe.Pointer(&buf[0]))
	*size = C.size_t(len(buf))
}

//export goBufferCompleted
func goBufferCompleted(ctx C.CUcontext, streamID C.uint32_t, buffer *C.uint8_t, size C.size_t, validSize C.size_t) {
	defer C.free(unsafe.Pointer(buffer))

	cb := active.Load()
	if cb == nil || buffer == nil {
		return
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(buffer)), int(size))
	cb.ready(activity.ContextHandle(uintptr(unsafe.Pointer(ctx))), uint32(streamID), buf, int(validSize))
}

//go:build cupti

// Package cupti implements activity.Source on the CUPTI activity API.
// Building it requires the CUDA toolkit and the cupti build tag.
package cupti

/*
#cgo CFLAGS: -I/usr/local/cuda/include -I/usr/local/cuda/extras/CUPTI/include
#cgo LDFLAGS: -L/usr/local/cuda/lib64 -L/usr/local/cuda/extras/CUPTI/lib64 -lcupti -lcuda
#include <stdlib.h>
#include <cuda.h>
#include <cupti.h>

void goBufferRequested(uint8_t **buffer, size_t *size, size_t *maxNumRecords);
void goBufferCompleted(CUcontext ctx, uint32_t streamId, uint8_t *buffer, size_t size, size_t validSize);

static CUptiResult registerCallbacks(void) {
	return cuptiActivityRegisterCallbacks(goBufferRequested, goBufferCompleted);
}

static uint32_t overheadObjectId(CUpti_ActivityOverhead *o) {
	switch (o->objectKind) {
	case CUPTI_ACTIVITY_OBJECT_PROCESS:
		return o->objectId.pt.processId;
	case CUPTI_ACTIVITY_OBJECT_THREAD:
		return o->objectId.pt.threadId;
	case CUPTI_ACTIVITY_OBJECT_DEVICE:
		return o->objectId.dcs.deviceId;
	case CUPTI_ACTIVITY_OBJECT_CONTEXT:
		return o->objectId.dcs.contextId;
	case CUPTI_ACTIVITY_OBJECT_STREAM:
		return o->objectId.dcs.streamId;
	default:
		return 0xffffffff;
	}
}

static const char *callbackName(CUpti_ActivityKind kind, uint32_t cbid) {
	const char *name = NULL;
	CUpti_CallbackDomain domain = kind == CUPTI_ACTIVITY_KIND_RUNTIME ?
		CUPTI_CB_DOMAIN_RUNTIME_API : CUPTI_CB_DOMAIN_DRIVER_API;
	if (cuptiGetCallbackName(domain, cbid, &name) != CUPTI_SUCCESS) {
		return NULL;
	}
	return name;
}
*/
import "C"

import (
	"sync/atomic"
	"unsafe"

	"codeberg.org/mutker/openvprof/internal/activity"
	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
	"codeberg.org/mutker/openvprof/internal/record"
)

type callbacks struct {
	requested activity.BufferRequestedFunc
	ready     activity.BufferReadyFunc
}

// CUPTI calls back through C function pointers, so the registered Go
// callbacks live in a package variable. Only one Source can be registered.
var active atomic.Pointer[callbacks]

// Source is the CUPTI activity source.
type Source struct {
	logger logger.Logger
}

func New(log logger.Logger) *Source {
	return &Source{logger: log.With("cupti")}
}

func (s *Source) Enable(kind activity.Kind) error {
	return check(C.cuptiActivityEnable(C.CUpti_ActivityKind(kind)))
}

func (s *Source) ConfigureUnifiedMemoryCounters(kinds []record.UnifiedMemoryCounterKind) error {
	if len(kinds) == 0 {
		return nil
	}
	s.logger.Debug().Int("counters", len(kinds)).Msg("Configuring unified memory counters")

	// Counter configuration needs an initialized driver.
	if res := C.cuInit(0); res != C.CUDA_SUCCESS {
		return errors.New().WithData(activity.ErrConfigureCounters, int(res))
	}

	config := make([]C.CUpti_ActivityUnifiedMemoryCounterConfig, len(kinds))
	for i, k := range kinds {
		config[i].scope = C.CUPTI_ACTIVITY_UNIFIED_MEMORY_COUNTER_SCOPE_PROCESS_ALL_DEVICES
		config[i].kind = C.CUpti_ActivityUnifiedMemoryCounterKind(k)
		config[i].enable = 1
	}

	res := C.cuptiActivityConfigureUnifiedMemoryCounter(&config[0], C.uint32_t(len(config)))
	switch res {
	case C.CUPTI_ERROR_UM_PROFILING_NOT_SUPPORTED,
		C.CUPTI_ERROR_UM_PROFILING_NOT_SUPPORTED_ON_DEVICE,
		C.CUPTI_ERROR_UM_PROFILING_NOT_SUPPORTED_ON_NON_P2P_DEVICES:
		return errors.New().Wrap(activity.ErrNotSupported, cuptiError(res))
	default:
		return check(res)
	}
}

func (s *Source) RegisterCallbacks(requested activity.BufferRequestedFunc, ready activity.BufferReadyFunc) error {
	if !active.CompareAndSwap(nil, &callbacks{requested: requested, ready: ready}) {
		return errors.New().WithMessage(activity.ErrRegisterCallbacks, "a CUPTI source is already registered")
	}
	s.logger.Debug().Msg("Registering CUPTI buffer callbacks")
	return check(C.registerCallbacks())
}

func (s *Source) Attribute(attr activity.Attribute) (uint64, error) {
	var value C.size_t
	size := C.size_t(unsafe.Sizeof(value))
	if err := check(C.cuptiActivityGetAttribute(attribute(attr), &size, unsafe.Pointer(&value))); err != nil {
		return 0, err
	}
	return uint64(value), nil
}

func (s *Source) SetAttribute(attr activity.Attribute, v uint64) error {
	value := C.size_t(v)
	size := C.size_t(unsafe.Sizeof(value))
	return check(C.cuptiActivitySetAttribute(attribute(attr), &size, unsafe.Pointer(&value)))
}

func (s *Source) Entries(buf []byte) activity.Cursor {
	return &cursor{buf: buf}
}

func (s *Source) DroppedCount(ctx activity.ContextHandle, streamID uint32) (uint64, error) {
	var dropped C.size_t
	cctx := C.CUcontext(unsafe.Pointer(uintptr(ctx)))
	if err := check(C.cuptiActivityGetNumDroppedRecords(cctx, C.uint32_t(streamID), &dropped)); err != nil {
		return 0, err
	}
	return uint64(dropped), nil
}

func (s *Source) FlushAll() error {
	return check(C.cuptiActivityFlushAll(0))
}

func attribute(attr activity.Attribute) C.CUpti_ActivityAttribute {
	if attr == activity.AttrDeviceBufferPoolLimit {
		return C.CUPTI_ACTIVITY_ATTR_DEVICE_BUFFER_POOL_LIMIT
	}
	return C.CUPTI_ACTIVITY_ATTR_DEVICE_BUFFER_SIZE
}

type cursor struct {
	buf []byte
	rec *C.CUpti_Activity
}

func (c *cursor) Next() (activity.Entry, error) {
	if len(c.buf) == 0 {
		return nil, errors.New().New(activity.ErrEndOfBuffer)
	}

	res := C.cuptiActivityGetNextRecord((*C.uint8_t)(unsafe.Pointer(&c.buf[0])), C.size_t(len(c.buf)), &c.rec)
	switch res {
	case C.CUPTI_SUCCESS:
		return decode(c.rec), nil
	case C.CUPTI_ERROR_MAX_LIMIT_REACHED:
		return nil, errors.New().New(activity.ErrEndOfBuffer)
	default:
		return nil, errors.New().Wrap(activity.ErrMalformedEntry, cuptiError(res))
	}
}

func decode(rec *C.CUpti_Activity) activity.Entry {
	kind := activity.Kind(rec.kind)
	p := unsafe.Pointer(rec)

	switch kind {
	case activity.KindDriver, activity.KindRuntime:
		r := (*C.CUpti_ActivityAPI)(p)
		e := activity.APIEntry{
			Kind:          kind,
			Start:         uint64(r.start),
			End:           uint64(r.end),
			ProcessID:     uint32(r.processId),
			ThreadID:      uint32(r.threadId),
			CorrelationID: uint32(r.correlationId),
			CallbackID:    uint32(r.cbid),
		}
		if name := C.callbackName(rec.kind, C.uint32_t(r.cbid)); name != nil {
			e.Name = C.GoString(name)
		}
		return e
	case activity.KindKernel, activity.KindConcurrentKernel:
		r := (*C.CUpti_ActivityKernel4)(p)
		return activity.KernelEntry{
			Kind:          kind,
			Start:         uint64(r.start),
			End:           uint64(r.end),
			DeviceID:      uint32(r.deviceId),
			ContextID:     uint32(r.contextId),
			StreamID:      uint32(r.streamId),
			CorrelationID: uint32(r.correlationId),
			Name:          C.GoString(r.name),
		}
	case activity.KindMemcpy:
		r := (*C.CUpti_ActivityMemcpy)(p)
		return activity.MemcpyEntry{
			Start:         uint64(r.start),
			End:           uint64(r.end),
			Bytes:         uint64(r.bytes),
			CopyKind:      uint8(r.copyKind),
			SrcKind:       uint8(r.srcKind),
			DstKind:       uint8(r.dstKind),
			DeviceID:      uint32(r.deviceId),
			ContextID:     uint32(r.contextId),
			StreamID:      uint32(r.streamId),
			CorrelationID: uint32(r.correlationId),
		}
	case activity.KindMemset:
		r := (*C.CUpti_ActivityMemset)(p)
		return activity.MemsetEntry{
			Start:         uint64(r.start),
			End:           uint64(r.end),
			Bytes:         uint64(r.bytes),
			Value:         uint32(r.value),
			DeviceID:      uint32(r.deviceId),
			ContextID:     uint32(r.contextId),
			StreamID:      uint32(r.streamId),
			CorrelationID: uint32(r.correlationId),
		}
	case activity.KindUnifiedMemoryCounter:
		r := (*C.CUpti_ActivityUnifiedMemoryCounter2)(p)
		return activity.UnifiedMemoryCounterEntry{
			Start:       uint64(r.start),
			End:         uint64(r.end),
			Value:       uint64(r.value),
			Address:     uint64(r.address),
			CounterKind: uint32(r.counterKind),
			SrcID:       uint32(r.srcId),
			DstID:       uint32(r.dstId),
		}
	case activity.KindOverhead:
		r := (*C.CUpti_ActivityOverhead)(p)
		return activity.OverheadEntry{
			Start:        uint64(r.start),
			End:          uint64(r.end),
			OverheadKind: uint32(r.overheadKind),
			ObjectKind:   uint32(r.objectKind),
			ObjectID:     uint32(C.overheadObjectId(r)),
		}
	case activity.KindDevice:
		r := (*C.CUpti_ActivityDevice2)(p)
		return activity.DeviceEntry{
			ID:                     uint32(r.id),
			ComputeCapabilityMajor: uint32(r.computeCapabilityMajor),
			ComputeCapabilityMinor: uint32(r.computeCapabilityMinor),
			GlobalMemorySize:       uint64(r.globalMemorySize),
			GlobalMemoryBandwidth:  uint64(r.globalMemoryBandwidth),
			NumMultiprocessors:     uint32(r.numMultiprocessors),
			CoreClockRate:          uint32(r.coreClockRate),
			Name:                   C.GoString(r.name),
		}
	case activity.KindContext:
		r := (*C.CUpti_ActivityContext)(p)
		return activity.ContextEntry{
			ContextID:    uint32(r.contextId),
			DeviceID:     uint32(r.deviceId),
			ComputeAPI:   uint32(r.computeApiKind),
			NullStreamID: uint32(r.nullStreamId),
		}
	default:
		return activity.UnknownEntry{Kind: kind}
	}
}

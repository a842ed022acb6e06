package activity

import (
	"fmt"

	"codeberg.org/mutker/openvprof/internal/record"
)

// Kind is the activity kind tag of a raw buffer entry. Values match the
// CUPTI activity kind enumeration.
type Kind uint32

const (
	KindInvalid              Kind = 0
	KindMemcpy               Kind = 1
	KindMemset               Kind = 2
	KindKernel               Kind = 3
	KindDriver               Kind = 4
	KindRuntime              Kind = 5
	KindDevice               Kind = 8
	KindContext              Kind = 9
	KindConcurrentKernel     Kind = 10
	KindOverhead             Kind = 17
	KindUnifiedMemoryCounter Kind = 25
)

func (k Kind) String() string {
	switch k {
	case KindMemcpy:
		return "MEMCPY"
	case KindMemset:
		return "MEMSET"
	case KindKernel:
		return "KERNEL"
	case KindDriver:
		return "DRIVER"
	case KindRuntime:
		return "RUNTIME"
	case KindDevice:
		return "DEVICE"
	case KindContext:
		return "CONTEXT"
	case KindConcurrentKernel:
		return "CONCURRENT_KERNEL"
	case KindOverhead:
		return "OVERHEAD"
	case KindUnifiedMemoryCounter:
		return "UNIFIED_MEMORY_COUNTER"
	default:
		return fmt.Sprintf("KIND_%d", uint32(k))
	}
}

// DefaultKinds are enabled by Init in this order. The device kind comes
// first because device entries are emitted when the driver initializes.
// The unified-memory counter kind is enabled separately, after the counters
// have been configured.
var DefaultKinds = []Kind{
	KindDevice,
	KindContext,
	KindDriver,
	KindRuntime,
	KindMemcpy,
	KindMemset,
	KindKernel,
	KindOverhead,
}

// Attribute is a source-side tuning knob.
type Attribute int

const (
	AttrDeviceBufferSize Attribute = iota
	AttrDeviceBufferPoolLimit
)

func (a Attribute) String() string {
	switch a {
	case AttrDeviceBufferSize:
		return "DEVICE_BUFFER_SIZE"
	case AttrDeviceBufferPoolLimit:
		return "DEVICE_BUFFER_POOL_LIMIT"
	default:
		return fmt.Sprintf("ATTR_%d", int(a))
	}
}

// ContextHandle identifies the device context a buffer belongs to. Zero is
// the global buffer.
type ContextHandle uintptr

// Allocator returns a zeroed, 8-byte aligned buffer of the given size owned
// by the source.
type Allocator func(size int) []byte

// BufferRequestedFunc is called by the source when it needs an empty buffer.
type BufferRequestedFunc func(alloc Allocator) []byte

// BufferReadyFunc is called by the source with a buffer holding validSize
// bytes of packed entries. The buffer returns to the source when the call
// returns. It may be called from any goroutine, concurrently for different
// buffers.
type BufferReadyFunc func(ctx ContextHandle, streamID uint32, buf []byte, validSize int)

// Source is the asynchronous event-buffer source. Control calls return
// coded errors; ConfigureUnifiedMemoryCounters returns ErrNotSupported when
// the platform or device cannot collect the counters.
type Source interface {
	Enable(kind Kind) error
	ConfigureUnifiedMemoryCounters(kinds []record.UnifiedMemoryCounterKind) error
	RegisterCallbacks(requested BufferRequestedFunc, ready BufferReadyFunc) error
	Attribute(attr Attribute) (uint64, error)
	SetAttribute(attr Attribute, value uint64) error
	Entries(buf []byte) Cursor
	DroppedCount(ctx ContextHandle, streamID uint32) (uint64, error)
	FlushAll() error
}

// Cursor walks the entries of one buffer. Next returns ErrEndOfBuffer after
// the last entry and ErrMalformedEntry when the buffer cannot be decoded
// further.
type Cursor interface {
	Next() (Entry, error)
}

// Entry is one decoded raw buffer entry.
type Entry interface {
	ActivityKind() Kind
}

// APIEntry is a driver or runtime API call. Kind is KindDriver or
// KindRuntime.
type APIEntry struct {
	Kind          Kind
	Start, End    uint64
	ProcessID     uint32
	ThreadID      uint32
	CorrelationID uint32
	CallbackID    uint32
	Name          string
}

// KernelEntry is a kernel execution. Kind is KindKernel or
// KindConcurrentKernel.
type KernelEntry struct {
	Kind          Kind
	Start, End    uint64
	DeviceID      uint32
	ContextID     uint32
	StreamID      uint32
	CorrelationID uint32
	Name          string
}

type MemcpyEntry struct {
	Start, End    uint64
	Bytes         uint64
	CopyKind      uint8
	SrcKind       uint8
	DstKind       uint8
	DeviceID      uint32
	ContextID     uint32
	StreamID      uint32
	CorrelationID uint32
}

type MemsetEntry struct {
	Start, End    uint64
	Bytes         uint64
	Value         uint32
	DeviceID      uint32
	ContextID     uint32
	StreamID      uint32
	CorrelationID uint32
}

type UnifiedMemoryCounterEntry struct {
	Start, End  uint64
	Value       uint64
	Address     uint64
	CounterKind uint32
	SrcID       uint32
	DstID       uint32
}

type OverheadEntry struct {
	Start, End   uint64
	OverheadKind uint32
	ObjectKind   uint32
	ObjectID     uint32
}

type DeviceEntry struct {
	ID                     uint32
	ComputeCapabilityMajor uint32
	ComputeCapabilityMinor uint32
	GlobalMemorySize       uint64
	GlobalMemoryBandwidth  uint64
	NumMultiprocessors     uint32
	CoreClockRate          uint32
	Name                   string
}

type ContextEntry struct {
	ContextID    uint32
	DeviceID     uint32
	ComputeAPI   uint32
	NullStreamID uint32
}

// UnknownEntry is an entry whose kind this package does not decode.
type UnknownEntry struct {
	Kind Kind
}

func (e APIEntry) ActivityKind() Kind                { return e.Kind }
func (e KernelEntry) ActivityKind() Kind             { return e.Kind }
func (MemcpyEntry) ActivityKind() Kind               { return KindMemcpy }
func (MemsetEntry) ActivityKind() Kind               { return KindMemset }
func (UnifiedMemoryCounterEntry) ActivityKind() Kind { return KindUnifiedMemoryCounter }
func (OverheadEntry) ActivityKind() Kind             { return KindOverhead }
func (DeviceEntry) ActivityKind() Kind               { return KindDevice }
func (ContextEntry) ActivityKind() Kind              { return KindContext }
func (e UnknownEntry) ActivityKind() Kind            { return e.Kind }

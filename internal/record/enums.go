package record

import "fmt"

// CopyKind is the direction taxonomy of a memory copy.
type CopyKind uint8

const (
	CopyUnknown CopyKind = iota
	CopyHtoD
	CopyDtoH
	CopyHtoA
	CopyAtoH
	CopyAtoA
	CopyAtoD
	CopyDtoA
	CopyDtoD
	CopyHtoH
	CopyPtoP
)

var copyKindNames = [...]string{
	CopyUnknown: "UNKNOWN",
	CopyHtoD:    "HTOD",
	CopyDtoH:    "DTOH",
	CopyHtoA:    "HTOA",
	CopyAtoH:    "ATOH",
	CopyAtoA:    "ATOA",
	CopyAtoD:    "ATOD",
	CopyDtoA:    "DTOA",
	CopyDtoD:    "DTOD",
	CopyHtoH:    "HTOH",
	CopyPtoP:    "PTOP",
}

func (k CopyKind) String() string {
	if int(k) < len(copyKindNames) {
		return copyKindNames[k]
	}
	return "INVALID"
}

func (k CopyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// MemoryKind is the kind of memory on either end of a copy.
type MemoryKind uint8

const (
	MemoryUnknown MemoryKind = iota
	MemoryPageable
	MemoryPinned
	MemoryDevice
	MemoryArray
	MemoryManaged
	MemoryDeviceStatic
	MemoryManagedStatic
)

var memoryKindNames = [...]string{
	MemoryUnknown:       "UNKNOWN",
	MemoryPageable:      "PAGEABLE",
	MemoryPinned:        "PINNED",
	MemoryDevice:        "DEVICE",
	MemoryArray:         "ARRAY",
	MemoryManaged:       "MANAGED",
	MemoryDeviceStatic:  "DEVICE_STATIC",
	MemoryManagedStatic: "MANAGED_STATIC",
}

func (k MemoryKind) String() string {
	if int(k) < len(memoryKindNames) {
		return memoryKindNames[k]
	}
	return "INVALID"
}

func (k MemoryKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnifiedMemoryCounterKind names what a unified-memory counter counts.
type UnifiedMemoryCounterKind uint32

const (
	UVMCounterUnknown UnifiedMemoryCounterKind = iota
	UVMBytesTransferHtoD
	UVMBytesTransferDtoH
	UVMCPUPageFaultCount
	UVMGPUPageFault
	UVMThrashing
	UVMThrottling
	UVMRemoteMap
	UVMBytesTransferDtoD
)

// UnifiedMemoryCounterKinds are the counters the activity producer asks the
// source to collect.
var UnifiedMemoryCounterKinds = []UnifiedMemoryCounterKind{
	UVMBytesTransferHtoD,
	UVMBytesTransferDtoH,
	UVMCPUPageFaultCount,
	UVMGPUPageFault,
	UVMThrashing,
	UVMThrottling,
	UVMRemoteMap,
	UVMBytesTransferDtoD,
}

var uvmCounterKindNames = [...]string{
	UVMCounterUnknown:    "<unknown>",
	UVMBytesTransferHtoD: "BYTES_TRANSFER_HTOD",
	UVMBytesTransferDtoH: "BYTES_TRANSFER_DTOH",
	UVMCPUPageFaultCount: "CPU_PAGE_FAULT_COUNT",
	UVMGPUPageFault:      "GPU_PAGE_FAULT",
	UVMThrashing:         "THRASH",
	UVMThrottling:        "THROTTLE",
	UVMRemoteMap:         "MAP",
	UVMBytesTransferDtoD: "BYTES_TRANSFER_DTOD",
}

func (k UnifiedMemoryCounterKind) String() string {
	if int(k) < len(uvmCounterKindNames) {
		return uvmCounterKindNames[k]
	}
	return "<unknown>"
}

func (k UnifiedMemoryCounterKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// OverheadKind is the cause of source-side overhead.
type OverheadKind uint32

const (
	OverheadUnknown         OverheadKind = 0
	OverheadDriverCompiler  OverheadKind = 1
	OverheadBufferFlush     OverheadKind = 1 << 16
	OverheadInstrumentation OverheadKind = 2 << 16
	OverheadResource        OverheadKind = 3 << 16
)

func (k OverheadKind) String() string {
	switch k {
	case OverheadDriverCompiler:
		return "COMPILER"
	case OverheadBufferFlush:
		return "BUFFER_FLUSH"
	case OverheadInstrumentation:
		return "INSTRUMENTATION"
	case OverheadResource:
		return "RESOURCE"
	default:
		return "<unknown>"
	}
}

func (k OverheadKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ObjectKind is the kind of object an overhead is attributed to.
type ObjectKind uint32

const (
	ObjectUnknown ObjectKind = iota
	ObjectProcess
	ObjectThread
	ObjectDevice
	ObjectContext
	ObjectStream
)

var objectKindNames = [...]string{
	ObjectUnknown: "<unknown>",
	ObjectProcess: "PROCESS",
	ObjectThread:  "THREAD",
	ObjectDevice:  "DEVICE",
	ObjectContext: "CONTEXT",
	ObjectStream:  "STREAM",
}

func (k ObjectKind) String() string {
	if int(k) < len(objectKindNames) {
		return objectKindNames[k]
	}
	return "<unknown>"
}

func (k ObjectKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ComputeAPI is the API a context was created for.
type ComputeAPI uint32

const (
	ComputeAPIUnknown ComputeAPI = iota
	ComputeAPICUDA
	ComputeAPICUDAMPS
)

func (a ComputeAPI) String() string {
	switch a {
	case ComputeAPICUDA:
		return "CUDA"
	case ComputeAPICUDAMPS:
		return "CUDA_MPS"
	default:
		return "<unknown>"
	}
}

func (a ComputeAPI) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Direction is the transfer direction of a counter.
type Direction uint8

const (
	Receive Direction = iota
	Transmit
)

func (d Direction) String() string {
	switch d {
	case Receive:
		return "rx"
	case Transmit:
		return "tx"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

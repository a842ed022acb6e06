package record

// APIDomain tells driver API calls from runtime API calls.
type APIDomain uint8

const (
	DomainDriver APIDomain = iota
	DomainRuntime
)

// APICall is one driver or runtime API invocation.
type APICall struct {
	Span
	PID         uint32    `json:"pid"`
	TID         uint32    `json:"tid"`
	Correlation uint32    `json:"cor"`
	CBID        string    `json:"cbid"`
	Domain      APIDomain `json:"-"`
}

func (r APICall) Kind() Kind {
	if r.Domain == DomainRuntime {
		return KindAPIRuntime
	}
	return KindAPIDriver
}

// KernelLaunch is the device-side execution of one kernel.
type KernelLaunch struct {
	CorrelatedSpan
	Name    string `json:"name"`
	Device  uint32 `json:"dev"`
	Context uint32 `json:"ctx"`
	Stream  uint32 `json:"stream"`
}

func (KernelLaunch) Kind() Kind { return KindKernel }

// MemoryCopy is one memory transfer.
type MemoryCopy struct {
	CorrelatedSpan
	Bytes    uint64     `json:"bytes"`
	CopyKind CopyKind   `json:"copy_kind"`
	SrcKind  MemoryKind `json:"src_kind"`
	DstKind  MemoryKind `json:"dst_kind"`
	Device   uint32     `json:"dev"`
}

func (MemoryCopy) Kind() Kind { return KindMemcpy }

// MemorySet is one device memset.
type MemorySet struct {
	CorrelatedSpan
	Value   uint32 `json:"value"`
	Bytes   uint64 `json:"bytes"`
	Device  uint32 `json:"dev"`
	Context uint32 `json:"ctx"`
	Stream  uint32 `json:"stream"`
}

func (MemorySet) Kind() Kind { return KindMemset }

// UnifiedMemoryCounter is one unified-memory counter observation.
type UnifiedMemoryCounter struct {
	Span
	CounterKind UnifiedMemoryCounterKind `json:"counter_kind"`
	Value       uint64                   `json:"value"`
	SrcID       uint32                   `json:"src_id"`
	DstID       uint32                   `json:"dst_id"`
	Address     uint64                   `json:"address"`
}

func (UnifiedMemoryCounter) Kind() Kind { return KindUnifiedMemoryCounter }

// Overhead is time the event source itself spent on the host or device.
type Overhead struct {
	Span
	OverheadKind OverheadKind `json:"overhead_kind"`
	ObjectKind   ObjectKind   `json:"object_kind"`
	ObjectID     uint32       `json:"object_id"`
}

func (Overhead) Kind() Kind { return KindOverhead }

// DeviceInfo describes a device as reported when the driver initializes it.
type DeviceInfo struct {
	Device                    uint32 `json:"dev"`
	Name                      string `json:"name"`
	ComputeCapabilityMajor    uint32 `json:"cc_major"`
	ComputeCapabilityMinor    uint32 `json:"cc_minor"`
	GlobalMemoryBytes         uint64 `json:"global_memory_bytes"`
	GlobalMemoryBandwidthKBps uint64 `json:"global_memory_bandwidth_kbs"`
	Multiprocessors           uint32 `json:"multiprocessors"`
	CoreClockKHz              uint32 `json:"core_clock_khz"`
}

func (DeviceInfo) Kind() Kind { return KindDevice }

// ContextInfo describes a context creation.
type ContextInfo struct {
	Context    uint32     `json:"ctx"`
	Device     uint32     `json:"dev"`
	ComputeAPI ComputeAPI `json:"compute_api"`
	NullStream uint32     `json:"null_stream"`
}

func (ContextInfo) Kind() Kind { return KindContext }

func (APICall) record()              {}
func (KernelLaunch) record()         {}
func (MemoryCopy) record()           {}
func (MemorySet) record()            {}
func (UnifiedMemoryCounter) record() {}
func (Overhead) record()             {}
func (DeviceInfo) record()           {}
func (ContextInfo) record()          {}

package record

// DriverVersion is captured once per run.
type DriverVersion struct {
	Version int `json:"version"`
}

func (DriverVersion) Kind() Kind { return KindDriverVersion }

// PowerState is one performance-state sample of a device.
type PowerState struct {
	Device uint32 `json:"dev"`
	Pstate int    `json:"pstate"`
	Instant
}

func (PowerState) Kind() Kind { return KindPstate }

// LinkCounter is one cumulative interconnect byte counter sample.
type LinkCounter struct {
	Instant
	Bytes     uint64    `json:"bytes"`
	Device    uint32    `json:"dev"`
	Link      uint32    `json:"nvlink"`
	CounterID uint32    `json:"cntr_id"`
	Direction Direction `json:"cntr_kind"`
}

func (LinkCounter) Kind() Kind { return KindNvlinkCounter }

// PcieThroughput is one PCIe throughput sample over the device's sampling
// window.
type PcieThroughput struct {
	Span
	KBytes    uint32    `json:"kbytes"`
	Device    uint32    `json:"dev"`
	Direction Direction `json:"cntr_kind"`
}

func (PcieThroughput) Kind() Kind { return KindPcieThroughput }

func (DriverVersion) record()  {}
func (PowerState) record()     {}
func (LinkCounter) record()    {}
func (PcieThroughput) record() {}

// Package record defines the telemetry records that flow from the producers
// through the event queue to the writer.
//
// Records are immutable values. A producer builds one when an event is
// observed or sampled and pushes it into the queue; the writer pops it,
// serializes it with Marshal and drops it. Records never reference each
// other; correlation ids are plain join keys.
package record

import "time"

// Kind identifies the event class of a record. The value is written as the
// "kind" field of every serialized document.
type Kind string

const (
	KindAPIDriver            Kind = "activity_api_driver"
	KindAPIRuntime           Kind = "activity_api_runtime"
	KindKernel               Kind = "activity_kernel"
	KindMemcpy               Kind = "activity_memcpy"
	KindMemset               Kind = "activity_memset"
	KindUnifiedMemoryCounter Kind = "activity_unified_memory_counter"
	KindOverhead             Kind = "activity_overhead"
	KindDevice               Kind = "activity_device"
	KindContext              Kind = "activity_context"
	KindPstate               Kind = "pstate"
	KindNvlinkCounter        Kind = "nvlink_utilization_counter"
	KindPcieThroughput       Kind = "pcie_throughput"
	KindDriverVersion        Kind = "cuda_driver_version"
)

// Record is one observed telemetry event. The set of implementations is
// closed to this package.
type Record interface {
	Kind() Kind
	record()
}

// Instant is a point-in-time event.
type Instant struct {
	WallStartNS uint64 `json:"wall_start_ns"`
}

// Span is an event with a start and a duration.
type Span struct {
	WallStartNS    uint64 `json:"wall_start_ns"`
	WallDurationNS uint64 `json:"wall_duration_ns"`
}

// NewSpan builds a span from start and end timestamps. An end before the
// start yields a zero duration.
func NewSpan(startNS, endNS uint64) Span {
	s := Span{WallStartNS: startNS}
	if endNS > startNS {
		s.WallDurationNS = endNS - startNS
	}
	return s
}

// CorrelatedSpan is a span linked to the API call that triggered it.
type CorrelatedSpan struct {
	Span
	Correlation uint32 `json:"cor"`
}

// Timestamp converts a wall-clock time into record nanoseconds.
func Timestamp(t time.Time) uint64 {
	ns := t.UnixNano()
	if ns < 0 {
		return 0
	}
	return uint64(ns)
}

package device

import (
	"context"

	"codeberg.org/mutker/openvprof/internal/record"
)

// Handle identifies one device. It is the device index and becomes the "dev"
// field of device records.
type Handle int

// LinkCounterSlots is the number of utilization counter slots per link.
const LinkCounterSlots = 2

// Source is the device-monitor source.
type Source interface {
	EnumerateDevices() ([]Handle, error)
	DriverVersion() (int, error)
	PerformanceState(h Handle) (int, error)
	// ActiveLinks returns the ids of the interconnect links that are up.
	ActiveLinks(h Handle) ([]int, error)
	// ResetLinkCounters arms both counter slots of a link to count bytes
	// and zeroes them.
	ResetLinkCounters(h Handle, link int) error
	// ReadLinkCounter returns the cumulative receive and transmit bytes of
	// one counter slot.
	ReadLinkCounter(h Handle, link, slot int) (rx, tx uint64, err error)
	// PcieThroughput returns the PCIe throughput in KB/s over the source's
	// sampling window.
	PcieThroughput(h Handle, dir record.Direction) (uint32, error)
}

// Pusher is the producer side of the event queue.
type Pusher interface {
	Push(r record.Record) bool
}

// Producer is the device monitor lifecycle.
type Producer interface {
	Start() error
	Stop(ctx context.Context) error
	Pause() error
	Resume() error
	State() State
}

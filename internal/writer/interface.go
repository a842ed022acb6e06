package writer

import (
	"context"
	"time"

	"codeberg.org/mutker/openvprof/internal/record"
	"codeberg.org/mutker/openvprof/internal/sink"
)

// Queue is the consumer side of the event queue.
type Queue interface {
	Pop() (record.Record, bool)
	Len() int
}

// Collector drains the event queue into the trace file.
type Collector interface {
	Start() error
	Stop(ctx context.Context) error
	State() State
	Written() uint64
}

// Config holds the writer settings.
type Config struct {
	OutputPath    string
	Compression   sink.Compression
	DrainInterval time.Duration
}

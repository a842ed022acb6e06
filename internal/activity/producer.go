// Package activity bridges the callback-driven activity buffer source into
// records on the event queue.
package activity

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
	"codeberg.org/mutker/openvprof/internal/record"
)

const (
	// DefaultBufferSize is the size of each buffer handed to the source.
	DefaultBufferSize = 32 * 1024
	// BufferAlignment is the alignment the source requires of buffers and
	// of each entry within them.
	BufferAlignment = 8
)

// Pusher is the producer side of the event queue.
type Pusher interface {
	Push(r record.Record) bool
}

// Config holds the producer settings. Zero values select the defaults.
type Config struct {
	BufferSize int
	Kinds      []Kind
	Counters   []record.UnifiedMemoryCounterKind
}

// Stats are the producer counters.
type Stats struct {
	Buffers       uint64
	Enqueued      uint64
	Rejected      uint64
	Unknown       uint64
	Malformed     uint64
	SourceDropped uint64
}

// Producer decodes activity buffers into records.
type Producer struct {
	src    Source
	queue  Pusher
	logger logger.Logger
	cfg    Config

	buffers       atomic.Uint64
	enqueued      atomic.Uint64
	rejected      atomic.Uint64
	unknown       atomic.Uint64
	malformed     atomic.Uint64
	sourceDropped atomic.Uint64

	flushMu   sync.Mutex
	flushDone chan struct{}
	flushErr  error
}

func NewProducer(src Source, q Pusher, log logger.Logger, cfg Config) *Producer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize%BufferAlignment != 0 {
		cfg.BufferSize += BufferAlignment - cfg.BufferSize%BufferAlignment
	}
	if cfg.Kinds == nil {
		cfg.Kinds = DefaultKinds
	}
	if cfg.Counters == nil {
		cfg.Counters = record.UnifiedMemoryCounterKinds
	}

	return &Producer{
		src:    src,
		queue:  q,
		logger: log.With("activity"),
		cfg:    cfg,
	}
}

// Init enables the configured kinds, configures the unified-memory counters,
// registers the buffer callbacks and doubles the source's device buffer size
// and pool limit. Every error it returns is a setup failure the caller must
// treat as fatal.
func (p *Producer) Init() error {
	errFactory := errors.New()

	for _, kind := range p.cfg.Kinds {
		p.logger.Debug().Str("kind", kind.String()).Msg("Enabling activity kind")
		if err := p.src.Enable(kind); err != nil {
			return errFactory.WithData(ErrEnableKind, struct {
				Kind  string
				Error string
			}{
				Kind:  kind.String(),
				Error: err.Error(),
			})
		}
	}

	if len(p.cfg.Counters) > 0 {
		err := p.src.ConfigureUnifiedMemoryCounters(p.cfg.Counters)
		switch {
		case err == nil:
		case errors.HasCode(err, ErrNotSupported):
			p.logger.Warn().Err(err).Msg("Unified memory counters are not supported")
		default:
			return errFactory.Wrap(ErrConfigureCounters, err)
		}

		if err := p.src.Enable(KindUnifiedMemoryCounter); err != nil {
			return errFactory.WithData(ErrEnableKind, struct {
				Kind  string
				Error string
			}{
				Kind:  KindUnifiedMemoryCounter.String(),
				Error: err.Error(),
			})
		}
	}

	p.logger.Debug().Msg("Registering activity callbacks")
	if err := p.src.RegisterCallbacks(p.OnBufferRequested, p.OnBufferReady); err != nil {
		return errFactory.Wrap(ErrRegisterCallbacks, err)
	}

	for _, attr := range []Attribute{AttrDeviceBufferSize, AttrDeviceBufferPoolLimit} {
		value, err := p.src.Attribute(attr)
		if err != nil {
			return errFactory.WithData(ErrAttribute, struct {
				Phase     string
				Attribute string
				Error     string
			}{
				Phase:     "get",
				Attribute: attr.String(),
				Error:     err.Error(),
			})
		}

		if err := p.src.SetAttribute(attr, value*2); err != nil {
			return errFactory.WithData(ErrAttribute, struct {
				Phase     string
				Attribute string
				Error     string
			}{
				Phase:     "set",
				Attribute: attr.String(),
				Error:     err.Error(),
			})
		}

		p.logger.Debug().
			Str("attribute", attr.String()).
			Uint64("old", value).
			Uint64("new", value*2).
			Msg("Activity attribute doubled")
	}

	return nil
}

// Finalize asks the source to deliver every outstanding buffer. The final
// OnBufferReady calls have returned when it does. When ctx ends first it
// returns a shutdown_timeout error; the flush keeps running and a later
// Finalize waits for the same flush instead of starting another.
func (p *Producer) Finalize(ctx context.Context) error {
	p.flushMu.Lock()
	if p.flushDone == nil {
		done := make(chan struct{})
		p.flushDone = done
		go func() {
			p.flushErr = p.src.FlushAll()
			close(done)
		}()
	}
	done := p.flushDone
	p.flushMu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.New().WithData(errors.ErrShutdownTimeout, struct {
			Component string
			Buffers   uint64
			Error     string
		}{
			Component: "activity",
			Buffers:   p.buffers.Load(),
			Error:     ctx.Err().Error(),
		})
	}

	p.flushMu.Lock()
	err := p.flushErr
	p.flushDone = nil
	p.flushMu.Unlock()

	if err != nil {
		return errors.New().Wrap(ErrFlush, err)
	}

	stats := p.Stats()
	p.logger.Debug().
		Uint64("buffers", stats.Buffers).
		Uint64("enqueued", stats.Enqueued).
		Uint64("rejected", stats.Rejected).
		Uint64("source_dropped", stats.SourceDropped).
		Msg("Activity producer finalized")

	return nil
}

// OnBufferRequested hands the source an empty buffer of the configured size.
func (p *Producer) OnBufferRequested(alloc Allocator) []byte {
	p.logger.Trace().Int("size", p.cfg.BufferSize).Msg("Activity buffer requested")
	return alloc(p.cfg.BufferSize)
}

// OnBufferReady decodes every entry of a completed buffer, pushes the
// records and reports entries the source dropped.
func (p *Producer) OnBufferReady(ctx ContextHandle, streamID uint32, buf []byte, validSize int) {
	p.logger.Trace().Int("valid_size", validSize).Msg("Activity buffer completed")

	if validSize <= 0 {
		return
	}
	if validSize > len(buf) {
		validSize = len(buf)
	}
	p.buffers.Add(1)

	cursor := p.src.Entries(buf[:validSize])
	for {
		entry, err := cursor.Next()
		if err != nil {
			if !errors.HasCode(err, ErrEndOfBuffer) {
				p.malformed.Add(1)
				p.logger.Error().Err(err).Msg("Abandoning malformed activity buffer")
			}
			break
		}

		r, ok := p.decode(entry)
		if !ok {
			p.unknown.Add(1)
			p.logger.Warn().Uint32("kind", uint32(entry.ActivityKind())).Msg("Unknown activity kind")
			continue
		}

		if p.queue.Push(r) {
			p.enqueued.Add(1)
		} else {
			p.rejected.Add(1)
		}
	}

	dropped, err := p.src.DroppedCount(ctx, streamID)
	if err != nil {
		p.logger.Error().Err(errors.New().Wrap(ErrDroppedCount, err)).Msg("Failed to query dropped activity records")
		return
	}
	if dropped != 0 {
		p.sourceDropped.Add(dropped)
		p.logger.Warn().Uint64("dropped", dropped).Msg("Dropped activity records")
	}
}

// Stats returns a snapshot of the producer counters.
func (p *Producer) Stats() Stats {
	return Stats{
		Buffers:       p.buffers.Load(),
		Enqueued:      p.enqueued.Load(),
		Rejected:      p.rejected.Load(),
		Unknown:       p.unknown.Load(),
		Malformed:     p.malformed.Load(),
		SourceDropped: p.sourceDropped.Load(),
	}
}

func (p *Producer) decode(entry Entry) (record.Record, bool) {
	switch e := entry.(type) {
	case APIEntry:
		domain := record.DomainDriver
		if e.Kind == KindRuntime {
			domain = record.DomainRuntime
		}
		name := e.Name
		if name == "" {
			name = strconv.FormatUint(uint64(e.CallbackID), 10)
		}
		return record.APICall{
			Span:        record.NewSpan(e.Start, e.End),
			PID:         e.ProcessID,
			TID:         e.ThreadID,
			Correlation: e.CorrelationID,
			CBID:        name,
			Domain:      domain,
		}, true
	case KernelEntry:
		return record.KernelLaunch{
			CorrelatedSpan: correlated(e.Start, e.End, e.CorrelationID),
			Name:           e.Name,
			Device:         e.DeviceID,
			Context:        e.ContextID,
			Stream:         e.StreamID,
		}, true
	case MemcpyEntry:
		return record.MemoryCopy{
			CorrelatedSpan: correlated(e.Start, e.End, e.CorrelationID),
			Bytes:          e.Bytes,
			CopyKind:       record.CopyKind(e.CopyKind),
			SrcKind:        record.MemoryKind(e.SrcKind),
			DstKind:        record.MemoryKind(e.DstKind),
			Device:         e.DeviceID,
		}, true
	case MemsetEntry:
		return record.MemorySet{
			CorrelatedSpan: correlated(e.Start, e.End, e.CorrelationID),
			Value:          e.Value,
			Bytes:          e.Bytes,
			Device:         e.DeviceID,
			Context:        e.ContextID,
			Stream:         e.StreamID,
		}, true
	case UnifiedMemoryCounterEntry:
		return record.UnifiedMemoryCounter{
			Span:        record.NewSpan(e.Start, e.End),
			CounterKind: record.UnifiedMemoryCounterKind(e.CounterKind),
			Value:       e.Value,
			SrcID:       e.SrcID,
			DstID:       e.DstID,
			Address:     e.Address,
		}, true
	case OverheadEntry:
		return record.Overhead{
			Span:         record.NewSpan(e.Start, e.End),
			OverheadKind: record.OverheadKind(e.OverheadKind),
			ObjectKind:   record.ObjectKind(e.ObjectKind),
			ObjectID:     e.ObjectID,
		}, true
	case DeviceEntry:
		return record.DeviceInfo{
			Device:                    e.ID,
			Name:                      e.Name,
			ComputeCapabilityMajor:    e.ComputeCapabilityMajor,
			ComputeCapabilityMinor:    e.ComputeCapabilityMinor,
			GlobalMemoryBytes:         e.GlobalMemorySize,
			GlobalMemoryBandwidthKBps: e.GlobalMemoryBandwidth,
			Multiprocessors:           e.NumMultiprocessors,
			CoreClockKHz:              e.CoreClockRate,
		}, true
	case ContextEntry:
		return record.ContextInfo{
			Context:    e.ContextID,
			Device:     e.DeviceID,
			ComputeAPI: record.ComputeAPI(e.ComputeAPI),
			NullStream: e.NullStreamID,
		}, true
	default:
		return nil, false
	}
}

func correlated(start, end uint64, correlationID uint32) record.CorrelatedSpan {
	return record.CorrelatedSpan{
		Span:        record.NewSpan(start, end),
		Correlation: correlationID,
	}
}

// Package profiler sequences the start and teardown of the writer and the
// two producers around one event queue.
package profiler

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/openvprof/internal/activity"
	"codeberg.org/mutker/openvprof/internal/device"
	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
	"codeberg.org/mutker/openvprof/internal/queue"
	"codeberg.org/mutker/openvprof/internal/record"
	"codeberg.org/mutker/openvprof/internal/writer"
)

// DefaultShutdownTimeout bounds the whole teardown.
const DefaultShutdownTimeout = 10 * time.Second

// Config holds the controller settings.
type Config struct {
	QueueCapacity   int
	OverflowPolicy  queue.OverflowPolicy
	ShutdownTimeout time.Duration
	Writer          writer.Config
	Activity        activity.Config
	Device          device.Config
}

// Sources are the external collaborators. A nil source disables its
// producer.
type Sources struct {
	Activity activity.Source
	Device   device.Source
}

// Stats summarize a run.
type Stats struct {
	Written         uint64
	QueueDropped    uint64
	ActivityStats   activity.Stats
	DeviceRejected  uint64
	ActivityEnabled bool
	DeviceEnabled   bool
}

// Profiler owns the event queue for the duration of a run.
type Profiler struct {
	cfg    Config
	logger logger.Logger

	queue    *queue.Queue[record.Record]
	writer   writer.Collector
	activity *activity.Producer
	monitor  *device.Monitor

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates the queue, the writer and a producer for every non-nil
// source. Nothing runs until Start.
func New(cfg Config, src Sources, log logger.Logger) *Profiler {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	q := queue.New[record.Record](cfg.QueueCapacity, cfg.OverflowPolicy)

	p := &Profiler{
		cfg:    cfg,
		logger: log,
		queue:  q,
		writer: writer.New(q, cfg.Writer, log),
	}
	if src.Activity != nil {
		p.activity = activity.NewProducer(src.Activity, q, log, cfg.Activity)
	}
	if src.Device != nil {
		p.monitor = device.NewMonitor(src.Device, q, log, cfg.Device)
	}

	return p
}

// Start starts the writer, initializes the activity source and starts the
// device monitor, in that order. On failure the components already started
// are stopped again and the error is returned; the caller treats it as
// fatal.
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	errFactory := errors.New()

	if p.started {
		return errFactory.New(ErrAlreadyActive)
	}

	if err := p.writer.Start(); err != nil {
		return errFactory.Wrap(ErrStartWriter, err)
	}

	if p.activity != nil {
		if err := p.activity.Init(); err != nil {
			p.rollback(false)
			return errFactory.Wrap(ErrInitActivity, err)
		}
	}

	if p.monitor != nil {
		if err := p.monitor.Start(); err != nil {
			p.rollback(p.activity != nil)
			return errFactory.Wrap(ErrStartMonitor, err)
		}
	}

	p.started = true

	p.logger.Info().
		Int("queue_capacity", p.queue.Cap()).
		Str("overflow_policy", p.queue.Policy().String()).
		Bool("activity", p.activity != nil).
		Bool("device_monitor", p.monitor != nil).
		Msg("Profiler started")

	return nil
}

func (p *Profiler) rollback(flushActivity bool) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	defer cancel()

	if flushActivity {
		flushCtx, flushCancel := context.WithTimeout(ctx, p.flushTimeout())
		defer flushCancel()
		if err := p.activity.Finalize(flushCtx); err != nil {
			p.logger.Error().Err(err).Msg("Failed to flush activity during rollback")
		}
	}
	if err := p.writer.Stop(ctx); err != nil {
		p.logger.Error().Err(err).Msg("Failed to stop writer during rollback")
	}
}

// Stop flushes the activity source, stops the device monitor and finally
// stops the writer, which drains the queue and closes the trace. The whole
// sequence is bounded by the configured shutdown timeout and by ctx. The
// flush gets half of that budget so a stuck source still leaves time to
// write what is already queued. A second Stop returns nil.
func (p *Profiler) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.stopped {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error

	if p.activity != nil {
		p.logger.Debug().Msg("Flushing activity source")
		flushCtx, flushCancel := context.WithTimeout(ctx, p.flushTimeout())
		err := p.activity.Finalize(flushCtx)
		flushCancel()
		if err != nil {
			p.logger.Error().Err(err).Msg("Activity flush did not complete, continuing teardown")
			errs = append(errs, err)
		}
	}

	if p.monitor != nil {
		p.logger.Debug().Msg("Stopping device monitor")
		if err := p.monitor.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	p.logger.Debug().Msg("Stopping writer")
	if err := p.writer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	stats := p.Stats()
	event := p.logger.Info()
	if stats.QueueDropped > 0 || stats.ActivityStats.SourceDropped > 0 {
		event = p.logger.Warn()
	}
	event.
		Uint64("written", stats.Written).
		Uint64("queue_dropped", stats.QueueDropped).
		Uint64("activity_rejected", stats.ActivityStats.Rejected).
		Uint64("activity_source_dropped", stats.ActivityStats.SourceDropped).
		Uint64("device_rejected", stats.DeviceRejected).
		Msg("Profiler stopped")

	if len(errs) > 0 {
		// Leave stopped unset so a later Stop retries the components that
		// timed out.
		return errors.New().Wrap(ErrStopProfiler, errors.Join(errs...))
	}
	p.stopped = true

	return nil
}

func (p *Profiler) flushTimeout() time.Duration {
	return p.cfg.ShutdownTimeout / 2
}

// Stats returns the run counters.
func (p *Profiler) Stats() Stats {
	s := Stats{
		Written:         p.writer.Written(),
		QueueDropped:    p.queue.Dropped(),
		ActivityEnabled: p.activity != nil,
		DeviceEnabled:   p.monitor != nil,
	}
	if p.activity != nil {
		s.ActivityStats = p.activity.Stats()
	}
	if p.monitor != nil {
		s.DeviceRejected = p.monitor.Rejected()
	}
	return s
}

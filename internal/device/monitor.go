// Package device implements the device monitor: a background loop that
// samples device power states, interconnect link counters and PCIe
// throughput into records on the event queue.
package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
	"codeberg.org/mutker/openvprof/internal/record"
)

// Config holds the monitor settings.
type Config struct {
	PollInterval time.Duration
	// PCIe enables per-device PCIe throughput sampling.
	PCIe bool
}

type counterKey struct {
	device    Handle
	link      int
	slot      int
	direction record.Direction
}

// Monitor is the device monitor producer.
type Monitor struct {
	src    Source
	queue  Pusher
	logger logger.Logger
	cfg    Config
	now    func() time.Time

	mu           sync.Mutex
	state        atomic.Int32
	devices      []Handle
	links        map[Handle][]int
	last         map[counterKey]uint64
	noPcie       map[Handle]bool
	shutdownChan chan struct{}
	pollDone     chan struct{}

	samples   atomic.Uint64
	rejected  atomic.Uint64
	rollovers atomic.Uint64
}

// NewMonitor creates a stopped monitor.
func NewMonitor(src Source, q Pusher, log logger.Logger, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &Monitor{
		src:    src,
		queue:  q,
		logger: log.With("device"),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Start scans the system, enqueues the driver version, arms the link
// counters of every active link and spawns the poll loop. A failure to
// enumerate devices or to arm a link's counters is returned. Links whose
// counters are unsupported or out of range are logged and skipped.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	errFactory := errors.New()

	if s := m.State(); s != Stopped {
		return errFactory.WithData(ErrAlreadyStarted, s.String())
	}

	devices, err := m.src.EnumerateDevices()
	if err != nil {
		return errFactory.Wrap(ErrScanFailed, err)
	}

	if version, err := m.src.DriverVersion(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to read driver version")
	} else {
		m.push(record.DriverVersion{Version: version})
	}

	m.devices = devices
	m.links = make(map[Handle][]int, len(devices))
	m.last = make(map[counterKey]uint64)
	m.noPcie = make(map[Handle]bool)

	for _, h := range devices {
		links, err := m.src.ActiveLinks(h)
		if err != nil {
			m.logger.Warn().Err(err).Int("dev", int(h)).Msg("Failed to enumerate links")
		}

		armed := make([]int, 0, len(links))
		for _, link := range links {
			if err := m.src.ResetLinkCounters(h, link); err != nil {
				if !IsNotSupported(err) && !IsInvalidArgument(err) {
					return errFactory.Wrap(ErrScanFailed, err)
				}
				m.logger.Warn().Err(err).Int("dev", int(h)).Int("nvlink", link).Msg("Skipping link, counters could not be armed")
				continue
			}
			armed = append(armed, link)
		}
		m.links[h] = armed

		m.logger.Debug().Int("dev", int(h)).Ints("nvlinks", armed).Msg("Device scanned")
	}

	m.shutdownChan = make(chan struct{})
	m.pollDone = make(chan struct{})
	m.state.Store(int32(Running))

	go m.pollLoop(m.shutdownChan, m.pollDone)

	m.logger.Info().
		Int("devices", len(devices)).
		Dur("poll_interval", m.cfg.PollInterval).
		Msg("Device monitor started")

	return nil
}

// Stop requests the poll loop to exit and waits for it. The sample in
// progress completes first. Stop on a stopped monitor returns nil; if ctx
// ends first a shutdown_timeout error is returned and a later Stop waits
// again.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	switch m.State() {
	case Stopped:
		m.mu.Unlock()
		return nil
	case Running, Paused:
		m.state.Store(int32(Stopping))
		close(m.shutdownChan)
	}
	done := m.pollDone
	m.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.New().WithData(errors.ErrShutdownTimeout, struct {
			Component string
			State     string
		}{
			Component: "device",
			State:     m.State().String(),
		})
	}

	m.logger.Debug().
		Uint64("samples", m.samples.Load()).
		Uint64("rejected", m.rejected.Load()).
		Uint64("rollovers", m.rollovers.Load()).
		Msg("Device monitor stopped")

	return nil
}

// Pause suspends sampling. Cached devices, links and rollover baselines are
// kept. Pausing a paused monitor is a no-op.
func (m *Monitor) Pause() error {
	if m.state.CompareAndSwap(int32(Running), int32(Paused)) || m.State() == Paused {
		m.logger.Debug().Msg("Device monitor paused")
		return nil
	}
	return errors.New().WithData(ErrNotRunning, m.State().String())
}

// Resume continues sampling after Pause. Resuming a running monitor is a
// no-op.
func (m *Monitor) Resume() error {
	if m.state.CompareAndSwap(int32(Paused), int32(Running)) || m.State() == Running {
		m.logger.Debug().Msg("Device monitor resumed")
		return nil
	}
	return errors.New().WithData(ErrNotRunning, m.State().String())
}

func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Rejected returns the number of records the queue refused.
func (m *Monitor) Rejected() uint64 {
	return m.rejected.Load()
}

func (m *Monitor) pollLoop(shutdown <-chan struct{}, done chan<- struct{}) {
	defer func() {
		m.mu.Lock()
		m.state.Store(int32(Stopped))
		m.mu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-timer.C:
		}

		if m.State() == Running {
			m.sample()
		}
		timer.Reset(m.cfg.PollInterval)
	}
}

func (m *Monitor) sample() {
	m.logger.Trace().Msg("Polling devices")

	ts := record.Timestamp(m.now())
	for _, h := range m.devices {
		if pstate, err := m.src.PerformanceState(h); err != nil {
			m.logger.Debug().Err(err).Int("dev", int(h)).Msg("Skipping performance state")
		} else {
			m.push(record.PowerState{
				Device:  uint32(h),
				Pstate:  pstate,
				Instant: record.Instant{WallStartNS: ts},
			})
		}

		for _, link := range m.links[h] {
			for slot := 0; slot < LinkCounterSlots; slot++ {
				rx, tx, err := m.src.ReadLinkCounter(h, link, slot)
				if err != nil {
					m.logger.Debug().Err(err).Int("dev", int(h)).Int("nvlink", link).Int("cntr_id", slot).Msg("Skipping link counter")
					continue
				}
				m.pushLinkCounter(counterKey{h, link, slot, record.Receive}, rx, ts)
				m.pushLinkCounter(counterKey{h, link, slot, record.Transmit}, tx, ts)
			}
		}

		if m.cfg.PCIe && !m.noPcie[h] {
			m.samplePcie(h)
		}
	}
}

// pushLinkCounter enqueues the raw cumulative value. A value below the
// previous one for the same counter is logged as a rollover and recorded
// unchanged.
func (m *Monitor) pushLinkCounter(key counterKey, value, ts uint64) {
	if prev, ok := m.last[key]; ok && value < prev {
		m.rollovers.Add(1)
		m.logger.Warn().
			Int("dev", int(key.device)).
			Int("nvlink", key.link).
			Int("cntr_id", key.slot).
			Str("cntr_kind", key.direction.String()).
			Uint64("previous", prev).
			Uint64("value", value).
			Msg("Link counter rollover")
	}
	m.last[key] = value

	m.push(record.LinkCounter{
		Instant:   record.Instant{WallStartNS: ts},
		Bytes:     value,
		Device:    uint32(key.device),
		Link:      uint32(key.link),
		CounterID: uint32(key.slot),
		Direction: key.direction,
	})
}

func (m *Monitor) samplePcie(h Handle) {
	for _, dir := range []record.Direction{record.Transmit, record.Receive} {
		start := record.Timestamp(m.now())
		kbytes, err := m.src.PcieThroughput(h, dir)
		end := record.Timestamp(m.now())
		if err != nil {
			if IsNotSupported(err) {
				m.noPcie[h] = true
				m.logger.Info().Int("dev", int(h)).Msg("PCIe throughput not supported, disabling")
				return
			}
			m.logger.Debug().Err(err).Int("dev", int(h)).Msg("Skipping PCIe throughput")
			continue
		}

		m.push(record.PcieThroughput{
			Span:      record.NewSpan(start, end),
			KBytes:    kbytes,
			Device:    uint32(h),
			Direction: dir,
		})
	}
}

func (m *Monitor) push(r record.Record) {
	m.samples.Add(1)
	if !m.queue.Push(r) {
		m.rejected.Add(1)
	}
}

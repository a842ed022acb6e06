// Package writer implements the collector that drains the event queue into
// the trace file.
package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
	"codeberg.org/mutker/openvprof/internal/record"
	"codeberg.org/mutker/openvprof/internal/sink"
)

type writer struct {
	queue  Queue
	cfg    Config
	logger logger.Logger

	mu           sync.Mutex
	state        atomic.Int32
	out          *sink.Writer
	shutdownChan chan struct{}
	drainDone    chan struct{}
	closeErr     error

	written atomic.Uint64
	failed  atomic.Uint64
}

// New creates a stopped writer draining q.
func New(q Queue, cfg Config, log logger.Logger) Collector {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}

	return &writer{
		queue:  q,
		cfg:    cfg,
		logger: log.With("writer"),
	}
}

// Start opens the trace file and spawns the drain loop.
func (w *writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	errFactory := errors.New()

	if State(w.state.Load()) != Stopped || w.out != nil {
		return errFactory.WithData(ErrAlreadyStarted, State(w.state.Load()).String())
	}

	out, err := sink.Create(w.cfg.OutputPath, w.cfg.Compression)
	if err != nil {
		return errFactory.Wrap(ErrSinkOpen, err)
	}

	w.out = out
	w.shutdownChan = make(chan struct{})
	w.drainDone = make(chan struct{})
	w.state.Store(int32(Running))

	go w.drainLoop()

	w.logger.Debug().
		Str("path", w.cfg.OutputPath).
		Str("compression", w.cfg.Compression.Resolve(w.cfg.OutputPath).String()).
		Dur("drain_interval", w.cfg.DrainInterval).
		Msg("Writer started")

	return nil
}

// Stop requests the final drain and waits for the loop to close the array.
// It returns a shutdown_timeout error if ctx ends first; the loop keeps
// running and a later Stop waits for it again. Once the writer has stopped,
// Stop returns nil.
func (w *writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	switch State(w.state.Load()) {
	case Stopped:
		w.mu.Unlock()
		return nil
	case Running:
		w.state.Store(int32(Stopping))
		close(w.shutdownChan)
	}
	done := w.drainDone
	w.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.New().WithData(errors.ErrShutdownTimeout, struct {
			Component  string
			State      string
			QueueDepth int
		}{
			Component:  "writer",
			State:      w.State().String(),
			QueueDepth: w.queue.Len(),
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.closeErr
	w.closeErr = nil

	return err
}

func (w *writer) State() State {
	return State(w.state.Load())
}

// Written returns the number of documents appended to the trace.
func (w *writer) Written() uint64 {
	return w.written.Load()
}

func (w *writer) drainLoop() {
	defer close(w.drainDone)

	ticker := time.NewTicker(w.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.drain()
		case <-w.shutdownChan:
			w.drain()
			w.finish()
			return
		}
	}
}

// drain pops and writes every record currently queued.
func (w *writer) drain() {
	for {
		r, ok := w.queue.Pop()
		if !ok {
			break
		}
		w.write(r)
	}

	if err := w.out.Flush(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to flush trace")
	}
}

func (w *writer) write(r record.Record) {
	doc, err := record.Marshal(r)
	if err != nil {
		w.failed.Add(1)
		w.logger.Warn().Err(err).Msg("Skipping record that could not be serialized")
		return
	}

	if err := w.out.Append(doc); err != nil {
		w.failed.Add(1)
		w.logger.Error().Err(err).Str("kind", string(r.Kind())).Msg("Failed to append record")
		return
	}

	w.written.Add(1)
}

func (w *writer) finish() {
	err := w.out.Close()

	w.mu.Lock()
	if err != nil {
		w.closeErr = errors.New().Wrap(ErrSinkClose, err)
	}
	w.out = nil
	w.state.Store(int32(Stopped))
	w.mu.Unlock()

	w.logger.Debug().
		Uint64("written", w.written.Load()).
		Uint64("failed", w.failed.Load()).
		Msg("Writer stopped")
}

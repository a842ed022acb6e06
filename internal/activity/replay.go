package activity

import (
	"os"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
	"codeberg.org/mutker/openvprof/internal/record"
)

const (
	defaultDeviceBufferSize      = 8 * 1024 * 1024
	defaultDeviceBufferPoolLimit = 250
)

// ReplaySource delivers the entries of a packed activity file through the
// buffer callback protocol. Delivery starts on a background goroutine once
// the callbacks are registered; only entries of enabled kinds are delivered.
type ReplaySource struct {
	path   string
	logger logger.Logger

	mu       sync.Mutex
	enabled  map[Kind]bool
	counters []record.UnifiedMemoryCounterKind
	attrs    map[Attribute]uint64
	done     chan struct{}

	dropped atomic.Uint64
}

func NewReplaySource(path string, log logger.Logger) *ReplaySource {
	return &ReplaySource{
		path:    path,
		logger:  log.With("replay"),
		enabled: make(map[Kind]bool),
		attrs: map[Attribute]uint64{
			AttrDeviceBufferSize:      defaultDeviceBufferSize,
			AttrDeviceBufferPoolLimit: defaultDeviceBufferPoolLimit,
		},
	}
}

func (s *ReplaySource) Enable(kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enabled[kind] = true
	if kind == KindKernel {
		s.enabled[KindConcurrentKernel] = true
	}

	return nil
}

func (s *ReplaySource) ConfigureUnifiedMemoryCounters(kinds []record.UnifiedMemoryCounterKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters = append([]record.UnifiedMemoryCounterKind(nil), kinds...)
	return nil
}

func (s *ReplaySource) Attribute(attr Attribute) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.attrs[attr]
	if !ok {
		return 0, errors.New().WithData(ErrAttribute, attr.String())
	}
	return value, nil
}

func (s *ReplaySource) SetAttribute(attr Attribute, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attrs[attr]; !ok {
		return errors.New().WithData(ErrAttribute, attr.String())
	}
	s.attrs[attr] = value
	return nil
}

// RegisterCallbacks reads the replay file and starts delivering it.
func (s *ReplaySource) RegisterCallbacks(requested BufferRequestedFunc, ready BufferReadyFunc) error {
	errFactory := errors.New()

	if requested == nil || ready == nil {
		return errFactory.New(ErrCallbacksMissing)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return errFactory.Wrap(ErrReplayFile, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return errFactory.WithMessage(ErrRegisterCallbacks, "callbacks already registered")
	}

	enabled := make(map[Kind]bool, len(s.enabled))
	for k, v := range s.enabled {
		enabled[k] = v
	}

	s.done = make(chan struct{})
	go s.deliver(data, enabled, requested, ready)

	return nil
}

func (*ReplaySource) Entries(buf []byte) Cursor {
	return NewCursor(buf)
}

// DroppedCount returns the entries dropped since the previous call because
// they did not fit in a requested buffer.
func (s *ReplaySource) DroppedCount(ContextHandle, uint32) (uint64, error) {
	return s.dropped.Swap(0), nil
}

// FlushAll waits until every buffer of the file has been delivered.
func (s *ReplaySource) FlushAll() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	return nil
}

func (s *ReplaySource) deliver(data []byte, enabled map[Kind]bool, requested BufferRequestedFunc, ready BufferReadyFunc) {
	defer close(s.done)

	alloc := func(size int) []byte { return make([]byte, size) }

	var (
		buf     []byte
		used    int
		entries int
	)
	emit := func() {
		if buf != nil && used > 0 {
			ready(0, 0, buf, used)
		}
		buf, used = nil, 0
	}

	for off := 0; ; {
		raw, err := nextRaw(data, off)
		if err != nil {
			if !errors.HasCode(err, ErrEndOfBuffer) {
				s.logger.Error().Err(err).Str("path", s.path).Msg("Replay file truncated")
			}
			break
		}
		off += len(raw)

		if !enabled[Kind(le.Uint32(raw))] {
			continue
		}

		if buf == nil {
			buf = requested(alloc)
		}
		if len(raw) > len(buf) {
			s.dropped.Add(1)
			continue
		}
		if used+len(raw) > len(buf) {
			emit()
			buf = requested(alloc)
		}

		used += copy(buf[used:], raw)
		entries++
	}
	emit()

	s.logger.Debug().Int("entries", entries).Str("path", s.path).Msg("Replay delivered")
}

// WriteReplayFile writes entries as a packed activity file.
func WriteReplayFile(path string, entries []Entry) error {
	var (
		data []byte
		err  error
	)
	for _, e := range entries {
		if data, err = AppendEntry(data, e); err != nil {
			return err
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.New().Wrap(ErrReplayFile, err)
	}
	return nil
}

package activity_test

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/openvprof/internal/activity"
	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
	"codeberg.org/mutker/openvprof/internal/queue"
	"codeberg.org/mutker/openvprof/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceCursor struct {
	entries []activity.Entry
	tail    error
}

func (c *sliceCursor) Next() (activity.Entry, error) {
	if len(c.entries) == 0 {
		if c.tail != nil {
			return nil, c.tail
		}
		return nil, errors.New().New(activity.ErrEndOfBuffer)
	}
	e := c.entries[0]
	c.entries = c.entries[1:]
	return e, nil
}

type fakeSource struct {
	enabled      []activity.Kind
	counters     []record.UnifiedMemoryCounterKind
	attrs        map[activity.Attribute]uint64
	requested    activity.BufferRequestedFunc
	ready        activity.BufferReadyFunc
	entries      []activity.Entry
	tail         error
	dropped      uint64
	flushed      atomic.Int32
	flushGate    chan struct{}
	enableErr    map[activity.Kind]error
	configureErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		attrs: map[activity.Attribute]uint64{
			activity.AttrDeviceBufferSize:      4096,
			activity.AttrDeviceBufferPoolLimit: 4,
		},
		enableErr: map[activity.Kind]error{},
	}
}

func (f *fakeSource) Enable(kind activity.Kind) error {
	if err := f.enableErr[kind]; err != nil {
		return err
	}
	f.enabled = append(f.enabled, kind)
	return nil
}

func (f *fakeSource) ConfigureUnifiedMemoryCounters(kinds []record.UnifiedMemoryCounterKind) error {
	f.counters = kinds
	return f.configureErr
}

func (f *fakeSource) RegisterCallbacks(requested activity.BufferRequestedFunc, ready activity.BufferReadyFunc) error {
	f.requested, f.ready = requested, ready
	return nil
}

func (f *fakeSource) Attribute(attr activity.Attribute) (uint64, error) {
	return f.attrs[attr], nil
}

func (f *fakeSource) SetAttribute(attr activity.Attribute, value uint64) error {
	f.attrs[attr] = value
	return nil
}

func (f *fakeSource) Entries([]byte) activity.Cursor {
	return &sliceCursor{entries: f.entries, tail: f.tail}
}

func (f *fakeSource) DroppedCount(activity.ContextHandle, uint32) (uint64, error) {
	return f.dropped, nil
}

func (f *fakeSource) FlushAll() error {
	f.flushed.Add(1)
	if f.flushGate != nil {
		<-f.flushGate
	}
	return nil
}

func drainQueue(q *queue.Queue[record.Record]) []record.Record {
	var out []record.Record
	for {
		r, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

func TestInitEnablesKindsAndDoublesAttributes(t *testing.T) {
	src := newFakeSource()
	q := queue.New[record.Record](queue.DefaultCapacity, queue.RejectNew)
	p := activity.NewProducer(src, q, logger.Nop(), activity.Config{})

	require.NoError(t, p.Init())

	want := append(append([]activity.Kind{}, activity.DefaultKinds...), activity.KindUnifiedMemoryCounter)
	assert.Equal(t, want, src.enabled)
	assert.Equal(t, activity.KindDevice, src.enabled[0])
	assert.Len(t, src.counters, 8)
	assert.Equal(t, uint64(8192), src.attrs[activity.AttrDeviceBufferSize])
	assert.Equal(t, uint64(8), src.attrs[activity.AttrDeviceBufferPoolLimit])
	require.NotNil(t, src.requested)
	require.NotNil(t, src.ready)

	buf := src.requested(func(size int) []byte { return make([]byte, size) })
	assert.Len(t, buf, activity.DefaultBufferSize)
}

func TestInitWarnsWhenCountersUnsupported(t *testing.T) {
	var logs bytes.Buffer
	src := newFakeSource()
	src.configureErr = errors.New().WithMessage(activity.ErrNotSupported, "not supported on device")

	p := activity.NewProducer(src, queue.New[record.Record](4, queue.RejectNew),
		logger.NewWithWriter(&logs, logger.WarnLevel), activity.Config{})

	require.NoError(t, p.Init())
	assert.Contains(t, logs.String(), "Unified memory counters are not supported")
	assert.Contains(t, src.enabled, activity.KindUnifiedMemoryCounter)
}

func TestInitFailures(t *testing.T) {
	t.Run("enable", func(t *testing.T) {
		src := newFakeSource()
		src.enableErr[activity.KindMemset] = errors.New().New(errors.ErrUnavailable)
		p := activity.NewProducer(src, queue.New[record.Record](4, queue.RejectNew), logger.Nop(), activity.Config{})

		err := p.Init()
		assert.True(t, errors.HasCode(err, activity.ErrEnableKind))
		assert.Nil(t, src.ready, "callbacks must not be registered after a failed enable")
	})

	t.Run("configure", func(t *testing.T) {
		src := newFakeSource()
		src.configureErr = errors.New().New(errors.ErrInternal)
		p := activity.NewProducer(src, queue.New[record.Record](4, queue.RejectNew), logger.Nop(), activity.Config{})

		err := p.Init()
		assert.True(t, errors.HasCode(err, activity.ErrConfigureCounters))
	})
}

func TestOnBufferReadyDecodesAndSkipsUnknown(t *testing.T) {
	var logs bytes.Buffer
	src := newFakeSource()
	src.entries = []activity.Entry{
		activity.APIEntry{Kind: activity.KindRuntime, Start: 10, End: 30, ProcessID: 1, ThreadID: 2, CorrelationID: 5, Name: "cudaMemcpy"},
		activity.UnknownEntry{Kind: 42},
		activity.MemcpyEntry{Start: 40, End: 90, Bytes: 1024, CopyKind: 1, SrcKind: 1, DstKind: 3, DeviceID: 0, CorrelationID: 5},
		activity.KernelEntry{Kind: activity.KindConcurrentKernel, Start: 100, End: 150, Name: "saxpy", StreamID: 7, CorrelationID: 6},
	}
	src.dropped = 3

	q := queue.New[record.Record](queue.DefaultCapacity, queue.RejectNew)
	p := activity.NewProducer(src, q, logger.NewWithWriter(&logs, logger.WarnLevel), activity.Config{})

	p.OnBufferReady(0, 0, make([]byte, 64), 64)

	got := drainQueue(q)
	require.Len(t, got, 3)
	assert.Equal(t, record.APICall{
		Span:        record.Span{WallStartNS: 10, WallDurationNS: 20},
		PID:         1,
		TID:         2,
		Correlation: 5,
		CBID:        "cudaMemcpy",
		Domain:      record.DomainRuntime,
	}, got[0])
	assert.Equal(t, record.KindMemcpy, got[1].Kind())
	assert.Equal(t, record.CopyHtoD, got[1].(record.MemoryCopy).CopyKind)
	assert.Equal(t, "saxpy", got[2].(record.KernelLaunch).Name)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Unknown)
	assert.Equal(t, uint64(3), stats.SourceDropped)
	assert.Equal(t, uint64(3), stats.Enqueued)
	assert.Contains(t, logs.String(), "Unknown activity kind")
	assert.Contains(t, logs.String(), "Dropped activity records")
}

func TestOnBufferReadyStopsAtMalformedEntry(t *testing.T) {
	src := newFakeSource()
	src.entries = []activity.Entry{activity.OverheadEntry{Start: 1, End: 2}}
	src.tail = errors.New().New(activity.ErrMalformedEntry)

	q := queue.New[record.Record](queue.DefaultCapacity, queue.RejectNew)
	p := activity.NewProducer(src, q, logger.Nop(), activity.Config{})

	p.OnBufferReady(0, 0, make([]byte, 16), 16)

	assert.Len(t, drainQueue(q), 1)
	assert.Equal(t, uint64(1), p.Stats().Malformed)
}

func TestOnBufferReadyCountsRejectedPushes(t *testing.T) {
	src := newFakeSource()
	for i := 0; i < 5; i++ {
		src.entries = append(src.entries, activity.ContextEntry{ContextID: uint32(i)})
	}

	q := queue.New[record.Record](2, queue.RejectNew)
	p := activity.NewProducer(src, q, logger.Nop(), activity.Config{})

	p.OnBufferReady(0, 0, make([]byte, 8), 8)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Enqueued)
	assert.Equal(t, uint64(3), stats.Rejected)
	assert.Equal(t, uint64(3), q.Dropped())
}

func TestOnBufferReadyIgnoresEmptyBuffer(t *testing.T) {
	src := newFakeSource()
	src.entries = []activity.Entry{activity.ContextEntry{}}
	src.dropped = 9

	q := queue.New[record.Record](4, queue.RejectNew)
	p := activity.NewProducer(src, q, logger.Nop(), activity.Config{})

	p.OnBufferReady(0, 0, make([]byte, 8), 0)

	assert.Zero(t, q.Len())
	assert.Zero(t, p.Stats().SourceDropped)
}

func TestFinalizeFlushes(t *testing.T) {
	src := newFakeSource()
	p := activity.NewProducer(src, queue.New[record.Record](4, queue.RejectNew), logger.Nop(), activity.Config{})

	require.NoError(t, p.Finalize(context.Background()))
	assert.Equal(t, int32(1), src.flushed.Load())
}

func TestFinalizeTimesOutOnStuckFlush(t *testing.T) {
	src := newFakeSource()
	src.flushGate = make(chan struct{})
	p := activity.NewProducer(src, queue.New[record.Record](4, queue.RejectNew), logger.Nop(), activity.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Finalize(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrShutdownTimeout))

	// A retry waits for the flush already in progress.
	close(src.flushGate)
	require.NoError(t, p.Finalize(context.Background()))
	assert.Equal(t, int32(1), src.flushed.Load())
}

func TestBufferSizeIsAligned(t *testing.T) {
	src := newFakeSource()
	p := activity.NewProducer(src, queue.New[record.Record](4, queue.RejectNew), logger.Nop(),
		activity.Config{BufferSize: 1001})

	buf := p.OnBufferRequested(func(size int) []byte { return make([]byte, size) })
	assert.Len(t, buf, 1008)
}

package device_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/openvprof/internal/device"
	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
	"codeberg.org/mutker/openvprof/internal/queue"
	"codeberg.org/mutker/openvprof/internal/record"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	devices   []device.Handle
	links     map[device.Handle][]int
	resetErr  map[int]error
	rxScript  []uint64
	reads     int
	pstate    int
	pcieErr   error
	pcieCalls int
	enumErr   error
	resetLink []int
}

func (f *fakeSource) EnumerateDevices() ([]device.Handle, error) {
	return f.devices, f.enumErr
}

func (*fakeSource) DriverVersion() (int, error) { return 12020, nil }

func (f *fakeSource) PerformanceState(device.Handle) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pstate, nil
}

func (f *fakeSource) ActiveLinks(h device.Handle) ([]int, error) {
	return f.links[h], nil
}

func (f *fakeSource) ResetLinkCounters(_ device.Handle, link int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resetErr[link]; err != nil {
		return err
	}
	f.resetLink = append(f.resetLink, link)
	return nil
}

// ReadLinkCounter replays rxScript on slot 0 and repeats its last value
// once the script is exhausted.
func (f *fakeSource) ReadLinkCounter(_ device.Handle, _ int, slot int) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slot != 0 || len(f.rxScript) == 0 {
		return 0, 0, nil
	}
	i := f.reads
	if i >= len(f.rxScript) {
		i = len(f.rxScript) - 1
	}
	f.reads++
	return f.rxScript[i], 10, nil
}

func (f *fakeSource) PcieThroughput(device.Handle, record.Direction) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pcieCalls++
	if f.pcieErr != nil {
		return 0, f.pcieErr
	}
	return 2048, nil
}

func popAll(q *queue.Queue[record.Record]) []record.Record {
	var out []record.Record
	for {
		r, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

func TestZeroDevices(t *testing.T) {
	q := queue.New[record.Record](queue.DefaultCapacity, queue.RejectNew)
	m := device.NewMonitor(&fakeSource{}, q, logger.Nop(), device.Config{PollInterval: 20 * time.Millisecond})

	require.NoError(t, m.Start())
	assert.Equal(t, device.Running, m.State())
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Stop(context.Background()))
	assert.Less(t, time.Since(start), 20*time.Millisecond*5)
	assert.Equal(t, device.Stopped, m.State())

	got := popAll(q)
	require.Len(t, got, 1)
	assert.Equal(t, record.DriverVersion{Version: 12020}, got[0])
}

func TestStartFailsWhenEnumerationFails(t *testing.T) {
	q := queue.New[record.Record](queue.DefaultCapacity, queue.RejectNew)
	src := &fakeSource{enumErr: errors.New().New(device.ErrDeviceCountFailed)}
	m := device.NewMonitor(src, q, logger.Nop(), device.Config{})

	err := m.Start()
	assert.True(t, errors.HasCode(err, device.ErrScanFailed))
	assert.True(t, errors.HasCode(err, device.ErrDeviceCountFailed))
	assert.Equal(t, device.Stopped, m.State())
}

func TestRolloverIsWarnedAndRecordedRaw(t *testing.T) {
	var logs bytes.Buffer
	src := &fakeSource{
		devices:  []device.Handle{0},
		links:    map[device.Handle][]int{0: {0}},
		rxScript: []uint64{100, 50},
	}
	q := queue.New[record.Record](1024, queue.RejectNew)
	m := device.NewMonitor(src, q, logger.NewWithWriter(&logs, logger.WarnLevel), device.Config{PollInterval: time.Millisecond})

	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return q.Len() > 20 }, time.Second, time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))

	var rx []uint64
	for _, r := range popAll(q) {
		c, ok := r.(record.LinkCounter)
		if ok && c.CounterID == 0 && c.Direction == record.Receive {
			rx = append(rx, c.Bytes)
		}
	}

	require.GreaterOrEqual(t, len(rx), 2)
	assert.Equal(t, []uint64{100, 50}, rx[:2])
	assert.Equal(t, 1, strings.Count(logs.String(), "Link counter rollover"))
}

func TestSampleProducesFourCountersPerLink(t *testing.T) {
	src := &fakeSource{
		devices: []device.Handle{0, 1},
		links:   map[device.Handle][]int{0: {0, 2}},
		pstate:  2,
	}
	q := queue.New[record.Record](1024, queue.RejectNew)
	m := device.NewMonitor(src, q, logger.Nop(), device.Config{PollInterval: time.Hour})

	require.NoError(t, m.Start())
	// The first iteration runs immediately; the next one is an hour away.
	require.Eventually(t, func() bool { return q.Len() >= 11 }, time.Second, time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))

	got := popAll(q)
	require.Len(t, got, 11)
	assert.Equal(t, record.KindDriverVersion, got[0].Kind())

	counts := map[record.Kind]int{}
	for _, r := range got {
		counts[r.Kind()]++
	}
	assert.Equal(t, 2, counts[record.KindPstate])
	assert.Equal(t, 8, counts[record.KindNvlinkCounter])

	ps := got[1].(record.PowerState)
	assert.Equal(t, uint32(0), ps.Device)
	assert.Equal(t, 2, ps.Pstate)
	assert.NotZero(t, ps.WallStartNS)
}

func TestUnsupportedLinkIsSkipped(t *testing.T) {
	tests := []struct {
		name string
		ret  nvml.Return
	}{
		{"not supported", nvml.ERROR_NOT_SUPPORTED},
		{"invalid argument", nvml.ERROR_INVALID_ARGUMENT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{
				devices: []device.Handle{0},
				links:   map[device.Handle][]int{0: {0, 1}},
				resetErr: map[int]error{
					1: errors.New().Wrap(device.ErrLinkCounter, device.NVMLError(tt.ret)),
				},
			}
			q := queue.New[record.Record](1024, queue.RejectNew)
			m := device.NewMonitor(src, q, logger.Nop(), device.Config{PollInterval: time.Hour})

			require.NoError(t, m.Start())
			require.Eventually(t, func() bool { return q.Len() >= 6 }, time.Second, time.Millisecond)
			require.NoError(t, m.Stop(context.Background()))

			for _, r := range popAll(q) {
				if c, ok := r.(record.LinkCounter); ok {
					assert.Equal(t, uint32(0), c.Link)
				}
			}
			assert.Equal(t, []int{0}, src.resetLink)
		})
	}
}

func TestLinkArmFailureIsFatal(t *testing.T) {
	src := &fakeSource{
		devices: []device.Handle{0},
		links:   map[device.Handle][]int{0: {0, 1}},
		resetErr: map[int]error{
			1: errors.New().Wrap(device.ErrLinkCounter, device.NVMLError(nvml.ERROR_NO_PERMISSION)),
		},
	}
	q := queue.New[record.Record](1024, queue.RejectNew)
	m := device.NewMonitor(src, q, logger.Nop(), device.Config{PollInterval: time.Hour})

	err := m.Start()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, device.ErrScanFailed))
	assert.True(t, errors.HasCode(err, device.ErrLinkCounter))
	assert.Equal(t, device.Stopped, m.State())
	assert.NoError(t, m.Stop(context.Background()))
}

func TestPcieThroughput(t *testing.T) {
	src := &fakeSource{devices: []device.Handle{3}}
	q := queue.New[record.Record](1024, queue.RejectNew)
	m := device.NewMonitor(src, q, logger.Nop(), device.Config{PollInterval: time.Hour, PCIe: true})

	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return q.Len() >= 4 }, time.Second, time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))

	var dirs []record.Direction
	for _, r := range popAll(q) {
		if p, ok := r.(record.PcieThroughput); ok {
			assert.Equal(t, uint32(3), p.Device)
			assert.Equal(t, uint32(2048), p.KBytes)
			dirs = append(dirs, p.Direction)
		}
	}
	assert.Equal(t, []record.Direction{record.Transmit, record.Receive}, dirs)
}

func TestPcieUnsupportedIsDisabled(t *testing.T) {
	var logs bytes.Buffer
	src := &fakeSource{
		devices: []device.Handle{3},
		pstate:  5,
		pcieErr: errors.New().Wrap(device.ErrPcieThroughput, device.NVMLError(nvml.ERROR_NOT_SUPPORTED)),
	}
	q := queue.New[record.Record](1024, queue.RejectNew)
	m := device.NewMonitor(src, q, logger.NewWithWriter(&logs, logger.InfoLevel), device.Config{PollInterval: time.Millisecond, PCIe: true})

	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return q.Len() >= 6 }, time.Second, time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))

	pstates := 0
	for _, r := range popAll(q) {
		switch r.(type) {
		case record.PowerState:
			pstates++
		case record.PcieThroughput:
			t.Fatalf("unexpected PCIe record %v", r)
		}
	}

	assert.GreaterOrEqual(t, pstates, 5)
	src.mu.Lock()
	assert.Equal(t, 1, src.pcieCalls)
	src.mu.Unlock()
	assert.Equal(t, 1, strings.Count(logs.String(), "PCIe throughput not supported, disabling"))
}

func TestPauseResume(t *testing.T) {
	src := &fakeSource{devices: []device.Handle{0}}
	q := queue.New[record.Record](queue.DefaultCapacity, queue.EvictOldest)
	m := device.NewMonitor(src, q, logger.Nop(), device.Config{PollInterval: time.Millisecond})

	assert.True(t, errors.HasCode(m.Pause(), device.ErrNotRunning))

	require.NoError(t, m.Start())
	require.NoError(t, m.Pause())
	require.NoError(t, m.Pause())
	assert.Equal(t, device.Paused, m.State())

	// An iteration may have been in flight when Pause returned.
	time.Sleep(10 * time.Millisecond)
	popAll(q)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, q.Len(), "no samples while paused")

	require.NoError(t, m.Resume())
	assert.Equal(t, device.Running, m.State())
	require.Eventually(t, func() bool { return q.Len() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, m.Pause())
	require.NoError(t, m.Stop(context.Background()), "stop from paused")
	assert.Equal(t, device.Stopped, m.State())
	assert.True(t, errors.HasCode(m.Resume(), device.ErrNotRunning))
}

func TestStopIsIdempotent(t *testing.T) {
	q := queue.New[record.Record](queue.DefaultCapacity, queue.RejectNew)
	m := device.NewMonitor(&fakeSource{}, q, logger.Nop(), device.Config{})

	assert.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Start())
	assert.True(t, errors.HasCode(m.Start(), device.ErrAlreadyStarted))
	assert.NoError(t, m.Stop(context.Background()))
	assert.NoError(t, m.Stop(context.Background()))
}

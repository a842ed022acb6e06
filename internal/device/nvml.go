package device

import (
	"sync"

	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/record"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// NVMLSource reads device state through NVML.
type NVMLSource struct {
	mu          sync.Mutex
	initialized bool
	devices     map[Handle]nvml.Device
}

func NewNVMLSource() *NVMLSource {
	return &NVMLSource{devices: make(map[Handle]nvml.Device)}
}

func (s *NVMLSource) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	ret := nvml.Init()
	if !IsNVMLSuccess(ret) {
		return errors.New().Wrap(ErrInitFailed, newNVMLError(ret))
	}

	s.initialized = true

	return nil
}

func (s *NVMLSource) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}

	ret := nvml.Shutdown()
	if !IsNVMLSuccess(ret) {
		return errors.New().Wrap(ErrShutdownFailed, newNVMLError(ret))
	}

	s.initialized = false
	s.devices = make(map[Handle]nvml.Device)

	return nil
}

func (s *NVMLSource) EnumerateDevices() ([]Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	errFactory := errors.New()
	if !s.initialized {
		return nil, errFactory.New(ErrNotInitialized)
	}

	count, ret := nvml.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceCountFailed, newNVMLError(ret))
	}

	handles := make([]Handle, 0, count)
	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if !IsNVMLSuccess(ret) {
			return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret))
		}
		s.devices[Handle(i)] = dev
		handles = append(handles, Handle(i))
	}

	return handles, nil
}

func (s *NVMLSource) DriverVersion() (int, error) {
	version, ret := nvml.SystemGetCudaDriverVersion()
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrDriverVersion, newNVMLError(ret))
	}
	return version, nil
}

func (s *NVMLSource) PerformanceState(h Handle) (int, error) {
	dev, err := s.device(h)
	if err != nil {
		return 0, err
	}

	pstate, ret := dev.GetPerformanceState()
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrPerformanceState, newNVMLError(ret))
	}
	return int(pstate), nil
}

func (s *NVMLSource) ActiveLinks(h Handle) ([]int, error) {
	dev, err := s.device(h)
	if err != nil {
		return nil, err
	}

	var links []int
	for link := 0; link < nvml.NVLINK_MAX_LINKS; link++ {
		state, ret := dev.GetNvLinkState(link)
		switch {
		case IsNVMLSuccess(ret):
			if state == nvml.FEATURE_ENABLED {
				links = append(links, link)
			}
		case ret == nvml.ERROR_NOT_SUPPORTED, ret == nvml.ERROR_INVALID_ARGUMENT:
			// Devices without NVLink, or with fewer links than the maximum.
		default:
			return links, errors.New().Wrap(ErrLinkState, newNVMLError(ret))
		}
	}

	return links, nil
}

func (s *NVMLSource) ResetLinkCounters(h Handle, link int) error {
	dev, err := s.device(h)
	if err != nil {
		return err
	}

	control := &nvml.NvLinkUtilizationControl{
		Units:     uint32(nvml.NVLINK_COUNTER_UNIT_BYTES),
		Pktfilter: uint32(nvml.NVLINK_COUNTER_PKTFILTER_ALL),
	}
	for slot := 0; slot < LinkCounterSlots; slot++ {
		if ret := dev.SetNvLinkUtilizationControl(link, slot, control, true); !IsNVMLSuccess(ret) {
			return errors.New().Wrap(ErrLinkCounter, newNVMLError(ret))
		}
	}

	return nil
}

func (s *NVMLSource) ReadLinkCounter(h Handle, link, slot int) (uint64, uint64, error) {
	dev, err := s.device(h)
	if err != nil {
		return 0, 0, err
	}

	rx, tx, ret := dev.GetNvLinkUtilizationCounter(link, slot)
	if !IsNVMLSuccess(ret) {
		return 0, 0, errors.New().Wrap(ErrLinkCounter, newNVMLError(ret))
	}
	return rx, tx, nil
}

func (s *NVMLSource) PcieThroughput(h Handle, dir record.Direction) (uint32, error) {
	dev, err := s.device(h)
	if err != nil {
		return 0, err
	}

	counter := nvml.PCIE_UTIL_RX_BYTES
	if dir == record.Transmit {
		counter = nvml.PCIE_UTIL_TX_BYTES
	}

	kbytes, ret := dev.GetPcieThroughput(counter)
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrPcieThroughput, newNVMLError(ret))
	}
	return kbytes, nil
}

func (s *NVMLSource) device(h Handle) (nvml.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	errFactory := errors.New()
	if !s.initialized {
		return nil, errFactory.New(ErrNotInitialized)
	}

	dev, ok := s.devices[h]
	if !ok {
		return nil, errFactory.WithData(ErrDeviceNotFound, int(h))
	}
	return dev, nil
}

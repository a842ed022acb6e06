package activity

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"codeberg.org/mutker/openvprof/internal/errors"
)

// Packed buffers hold a sequence of entries, each starting on an 8-byte
// boundary with a {kind uint32, size uint32} header. size counts the header,
// the little-endian body and the trailing padding.
const headerSize = 8

var le = binary.LittleEndian

type apiBody struct {
	Start, End    uint64
	ProcessID     uint32
	ThreadID      uint32
	CorrelationID uint32
	CallbackID    uint32
	NameLen       uint32
}

type kernelBody struct {
	Start, End    uint64
	DeviceID      uint32
	ContextID     uint32
	StreamID      uint32
	CorrelationID uint32
	NameLen       uint32
}

type deviceBody struct {
	ID                     uint32
	ComputeCapabilityMajor uint32
	ComputeCapabilityMinor uint32
	GlobalMemorySize       uint64
	GlobalMemoryBandwidth  uint64
	NumMultiprocessors     uint32
	CoreClockRate          uint32
	NameLen                uint32
}

// AppendEntry appends the packed encoding of e to dst.
func AppendEntry(dst []byte, e Entry) ([]byte, error) {
	var body bytes.Buffer

	var err error
	switch e := e.(type) {
	case APIEntry:
		err = writeNamed(&body, apiBody{
			Start:         e.Start,
			End:           e.End,
			ProcessID:     e.ProcessID,
			ThreadID:      e.ThreadID,
			CorrelationID: e.CorrelationID,
			CallbackID:    e.CallbackID,
			NameLen:       uint32(len(e.Name)),
		}, e.Name)
	case KernelEntry:
		err = writeNamed(&body, kernelBody{
			Start:         e.Start,
			End:           e.End,
			DeviceID:      e.DeviceID,
			ContextID:     e.ContextID,
			StreamID:      e.StreamID,
			CorrelationID: e.CorrelationID,
			NameLen:       uint32(len(e.Name)),
		}, e.Name)
	case DeviceEntry:
		err = writeNamed(&body, deviceBody{
			ID:                     e.ID,
			ComputeCapabilityMajor: e.ComputeCapabilityMajor,
			ComputeCapabilityMinor: e.ComputeCapabilityMinor,
			GlobalMemorySize:       e.GlobalMemorySize,
			GlobalMemoryBandwidth:  e.GlobalMemoryBandwidth,
			NumMultiprocessors:     e.NumMultiprocessors,
			CoreClockRate:          e.CoreClockRate,
			NameLen:                uint32(len(e.Name)),
		}, e.Name)
	case MemcpyEntry, MemsetEntry, UnifiedMemoryCounterEntry, OverheadEntry, ContextEntry:
		err = binary.Write(&body, le, e)
	case UnknownEntry:
	default:
		err = fmt.Errorf("unsupported entry type %T", e)
	}
	if err != nil {
		return dst, errors.New().Wrap(ErrEncodeEntry, err)
	}

	size := align(headerSize + body.Len())
	dst = le.AppendUint32(dst, uint32(e.ActivityKind()))
	dst = le.AppendUint32(dst, uint32(size))
	dst = append(dst, body.Bytes()...)
	dst = append(dst, make([]byte, size-headerSize-body.Len())...)

	return dst, nil
}

func writeNamed(w *bytes.Buffer, fixed any, name string) error {
	if err := binary.Write(w, le, fixed); err != nil {
		return err
	}
	_, err := w.WriteString(name)
	return err
}

func align(n int) int {
	if rem := n % BufferAlignment; rem != 0 {
		n += BufferAlignment - rem
	}
	return n
}

// NewCursor returns a cursor over a packed buffer.
func NewCursor(buf []byte) Cursor {
	return &packedCursor{buf: buf}
}

type packedCursor struct {
	buf []byte
	off int
}

func (c *packedCursor) Next() (Entry, error) {
	raw, err := nextRaw(c.buf, c.off)
	if err != nil {
		return nil, err
	}
	c.off += len(raw)

	return decodeEntry(Kind(le.Uint32(raw)), raw[headerSize:])
}

// nextRaw returns the whole entry starting at off.
func nextRaw(buf []byte, off int) ([]byte, error) {
	errFactory := errors.New()

	if off >= len(buf) {
		return nil, errFactory.New(ErrEndOfBuffer)
	}

	rest := buf[off:]
	if len(rest) < headerSize {
		return nil, errFactory.WithData(ErrMalformedEntry, fmt.Sprintf("truncated header at offset %d", off))
	}

	size := int(le.Uint32(rest[4:]))
	if size < headerSize || size%BufferAlignment != 0 || size > len(rest) {
		return nil, errFactory.WithData(ErrMalformedEntry, fmt.Sprintf("invalid entry size %d at offset %d", size, off))
	}

	return rest[:size], nil
}

func decodeEntry(kind Kind, body []byte) (Entry, error) {
	r := bytes.NewReader(body)

	var (
		entry Entry
		err   error
	)
	switch kind {
	case KindDriver, KindRuntime:
		var b apiBody
		var name string
		if name, err = readNamed(r, &b, func() uint32 { return b.NameLen }); err == nil {
			entry = APIEntry{
				Kind:          kind,
				Start:         b.Start,
				End:           b.End,
				ProcessID:     b.ProcessID,
				ThreadID:      b.ThreadID,
				CorrelationID: b.CorrelationID,
				CallbackID:    b.CallbackID,
				Name:          name,
			}
		}
	case KindKernel, KindConcurrentKernel:
		var b kernelBody
		var name string
		if name, err = readNamed(r, &b, func() uint32 { return b.NameLen }); err == nil {
			entry = KernelEntry{
				Kind:          kind,
				Start:         b.Start,
				End:           b.End,
				DeviceID:      b.DeviceID,
				ContextID:     b.ContextID,
				StreamID:      b.StreamID,
				CorrelationID: b.CorrelationID,
				Name:          name,
			}
		}
	case KindDevice:
		var b deviceBody
		var name string
		if name, err = readNamed(r, &b, func() uint32 { return b.NameLen }); err == nil {
			entry = DeviceEntry{
				ID:                     b.ID,
				ComputeCapabilityMajor: b.ComputeCapabilityMajor,
				ComputeCapabilityMinor: b.ComputeCapabilityMinor,
				GlobalMemorySize:       b.GlobalMemorySize,
				GlobalMemoryBandwidth:  b.GlobalMemoryBandwidth,
				NumMultiprocessors:     b.NumMultiprocessors,
				CoreClockRate:          b.CoreClockRate,
				Name:                   name,
			}
		}
	case KindMemcpy:
		var e MemcpyEntry
		err = binary.Read(r, le, &e)
		entry = e
	case KindMemset:
		var e MemsetEntry
		err = binary.Read(r, le, &e)
		entry = e
	case KindUnifiedMemoryCounter:
		var e UnifiedMemoryCounterEntry
		err = binary.Read(r, le, &e)
		entry = e
	case KindOverhead:
		var e OverheadEntry
		err = binary.Read(r, le, &e)
		entry = e
	case KindContext:
		var e ContextEntry
		err = binary.Read(r, le, &e)
		entry = e
	default:
		return UnknownEntry{Kind: kind}, nil
	}

	if err != nil {
		return nil, errors.New().WithData(ErrMalformedEntry, fmt.Sprintf("%s: %v", kind, err))
	}

	return entry, nil
}

func readNamed(r *bytes.Reader, fixed any, nameLen func() uint32) (string, error) {
	if err := binary.Read(r, le, fixed); err != nil {
		return "", err
	}

	n := nameLen()
	if int64(n) > int64(r.Len()) {
		return "", io.ErrUnexpectedEOF
	}

	name := make([]byte, n)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", err
	}

	return string(name), nil
}

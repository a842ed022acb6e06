package record

import (
	"fmt"

	"codeberg.org/mutker/openvprof/internal/errors"
	"github.com/goccy/go-json"
)

const ErrUnknownRecord = errors.ErrorCode("record_unknown_variant")

// Marshal serializes a record into its JSON document. The "kind" field comes
// first, followed by the variant's fields in declaration order, so the same
// record always produces the same bytes.
func Marshal(r Record) ([]byte, error) {
	switch r := r.(type) {
	case APICall:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			APICall
		}{r.Kind(), r})
	case KernelLaunch:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			KernelLaunch
		}{r.Kind(), r})
	case MemoryCopy:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			MemoryCopy
		}{r.Kind(), r})
	case MemorySet:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			MemorySet
		}{r.Kind(), r})
	case UnifiedMemoryCounter:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			UnifiedMemoryCounter
		}{r.Kind(), r})
	case Overhead:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			Overhead
		}{r.Kind(), r})
	case DeviceInfo:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			DeviceInfo
		}{r.Kind(), r})
	case ContextInfo:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			ContextInfo
		}{r.Kind(), r})
	case DriverVersion:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			DriverVersion
		}{r.Kind(), r})
	case PowerState:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			PowerState
		}{r.Kind(), r})
	case LinkCounter:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			LinkCounter
		}{r.Kind(), r})
	case PcieThroughput:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			PcieThroughput
		}{r.Kind(), r})
	default:
		return nil, errors.New().WithData(ErrUnknownRecord, fmt.Sprintf("%T", r))
	}
}

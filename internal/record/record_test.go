package record_test

import (
	"encoding/json"
	"testing"

	"codeberg.org/mutker/openvprof/internal/record"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, r record.Record) map[string]any {
	t.Helper()

	data, err := record.Marshal(r)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	return doc
}

func TestMarshalMemoryCopy(t *testing.T) {
	r := record.MemoryCopy{
		CorrelatedSpan: record.CorrelatedSpan{Span: record.NewSpan(100, 350), Correlation: 7},
		Bytes:          1024,
		CopyKind:       record.CopyHtoD,
		SrcKind:        record.MemoryPageable,
		DstKind:        record.MemoryDevice,
		Device:         1,
	}

	data, err := record.Marshal(r)
	require.NoError(t, err)

	assert.Equal(t,
		`{"kind":"activity_memcpy","wall_start_ns":100,"wall_duration_ns":250,"cor":7,"bytes":1024,"copy_kind":"HTOD","src_kind":"PAGEABLE","dst_kind":"DEVICE","dev":1}`,
		string(data))
}

func TestMarshalIsDeterministic(t *testing.T) {
	records := []record.Record{
		record.APICall{Span: record.NewSpan(1, 2), PID: 10, TID: 11, Correlation: 3, CBID: "cuLaunchKernel"},
		record.KernelLaunch{CorrelatedSpan: record.CorrelatedSpan{Span: record.NewSpan(5, 9), Correlation: 3}, Name: "saxpy"},
		record.UnifiedMemoryCounter{Span: record.NewSpan(1, 5), CounterKind: record.UVMThrashing, Value: 4},
		record.PowerState{Device: 0, Pstate: 2, Instant: record.Instant{WallStartNS: 99}},
		record.LinkCounter{Instant: record.Instant{WallStartNS: 1}, Bytes: 50, Link: 2, CounterID: 1, Direction: record.Transmit},
		record.DriverVersion{Version: 12020},
	}

	for _, r := range records {
		first, err := record.Marshal(r)
		require.NoError(t, err)
		second, err := record.Marshal(r)
		require.NoError(t, err)
		assert.Equal(t, first, second, "kind %s", r.Kind())
	}
}

func TestMarshalFieldSets(t *testing.T) {
	tests := []struct {
		name   string
		record record.Record
		want   map[string]any
	}{
		{
			name:   "driver api",
			record: record.APICall{Span: record.NewSpan(10, 30), PID: 1, TID: 2, Correlation: 3, CBID: "cuMemAlloc_v2"},
			want: map[string]any{
				"kind": "activity_api_driver", "wall_start_ns": 10.0, "wall_duration_ns": 20.0,
				"pid": 1.0, "tid": 2.0, "cor": 3.0, "cbid": "cuMemAlloc_v2",
			},
		},
		{
			name:   "runtime api",
			record: record.APICall{Span: record.NewSpan(10, 30), CBID: "cudaMalloc", Domain: record.DomainRuntime},
			want: map[string]any{
				"kind": "activity_api_runtime", "wall_start_ns": 10.0, "wall_duration_ns": 20.0,
				"pid": 0.0, "tid": 0.0, "cor": 0.0, "cbid": "cudaMalloc",
			},
		},
		{
			name: "kernel",
			record: record.KernelLaunch{
				CorrelatedSpan: record.CorrelatedSpan{Span: record.NewSpan(100, 200), Correlation: 9},
				Name:           "vecAdd", Device: 1, Context: 2, Stream: 7,
			},
			want: map[string]any{
				"kind": "activity_kernel", "wall_start_ns": 100.0, "wall_duration_ns": 100.0,
				"cor": 9.0, "name": "vecAdd", "dev": 1.0, "ctx": 2.0, "stream": 7.0,
			},
		},
		{
			name: "unified memory counter",
			record: record.UnifiedMemoryCounter{
				Span: record.NewSpan(1, 3), CounterKind: record.UVMBytesTransferHtoD,
				Value: 4096, SrcID: 0, DstID: 1, Address: 0xdead,
			},
			want: map[string]any{
				"kind": "activity_unified_memory_counter", "wall_start_ns": 1.0, "wall_duration_ns": 2.0,
				"counter_kind": "BYTES_TRANSFER_HTOD", "value": 4096.0, "src_id": 0.0, "dst_id": 1.0,
				"address": float64(0xdead),
			},
		},
		{
			name:   "pstate",
			record: record.PowerState{Device: 3, Pstate: 8, Instant: record.Instant{WallStartNS: 42}},
			want:   map[string]any{"kind": "pstate", "dev": 3.0, "pstate": 8.0, "wall_start_ns": 42.0},
		},
		{
			name: "nvlink counter",
			record: record.LinkCounter{
				Instant: record.Instant{WallStartNS: 5}, Bytes: 100, Device: 1, Link: 3,
				CounterID: 0, Direction: record.Receive,
			},
			want: map[string]any{
				"kind": "nvlink_utilization_counter", "wall_start_ns": 5.0, "bytes": 100.0,
				"dev": 1.0, "nvlink": 3.0, "cntr_id": 0.0, "cntr_kind": "rx",
			},
		},
		{
			name:   "driver version",
			record: record.DriverVersion{Version: 11040},
			want:   map[string]any{"kind": "cuda_driver_version", "version": 11040.0},
		},
		{
			name:   "pcie throughput",
			record: record.PcieThroughput{Span: record.NewSpan(0, 20), KBytes: 12, Device: 0, Direction: record.Transmit},
			want: map[string]any{
				"kind": "pcie_throughput", "wall_start_ns": 0.0, "wall_duration_ns": 20.0,
				"kbytes": 12.0, "dev": 0.0, "cntr_kind": "tx",
			},
		},
		{
			name: "overhead",
			record: record.Overhead{
				Span: record.NewSpan(2, 4), OverheadKind: record.OverheadBufferFlush,
				ObjectKind: record.ObjectThread, ObjectID: 77,
			},
			want: map[string]any{
				"kind": "activity_overhead", "wall_start_ns": 2.0, "wall_duration_ns": 2.0,
				"overhead_kind": "BUFFER_FLUSH", "object_kind": "THREAD", "object_id": 77.0,
			},
		},
		{
			name:   "context",
			record: record.ContextInfo{Context: 1, Device: 0, ComputeAPI: record.ComputeAPICUDA, NullStream: 7},
			want: map[string]any{
				"kind": "activity_context", "ctx": 1.0, "dev": 0.0, "compute_api": "CUDA", "null_stream": 7.0,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, decode(t, tt.record)); diff != "" {
				t.Fatalf("document mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewSpanClampsNegativeDuration(t *testing.T) {
	s := record.NewSpan(100, 50)
	assert.Equal(t, uint64(100), s.WallStartNS)
	assert.Equal(t, uint64(0), s.WallDurationNS)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "PTOP", record.CopyPtoP.String())
	assert.Equal(t, "INVALID", record.CopyKind(42).String())
	assert.Equal(t, "MANAGED_STATIC", record.MemoryManagedStatic.String())
	assert.Equal(t, "BYTES_TRANSFER_DTOD", record.UVMBytesTransferDtoD.String())
	assert.Equal(t, "tx", record.Transmit.String())
	assert.Equal(t, "rx", record.Receive.String())
}

package nsys

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseActivities() []ActivityType {
	return []ActivityType{ActivityKernel, ActivityNVTX, ActivityCUDAAPI}
}

func endToEndFixture(t *testing.T) *fixture {
	return newFixture(t).
		str(1, "matmul").
		str(2, "launch").
		kernel(0, 7, 55, 1_000_000, 2_000_000, 1, 1234).
		api(900_000, 1_100_000, 2, 1234, 42, 55).
		nvtx(500_000, 2_500_000, "region_A", 1234, 42)
}

func eventsByCategory(events []Event) map[string][]Event {
	out := make(map[string][]Event)
	for _, event := range events {
		out[event.Category] = append(out[event.Category], event)
	}
	return out
}

func TestConvertEndToEnd(t *testing.T) {
	f := endToEndFixture(t)

	events, err := Convert(context.Background(), f.db, Options{Activities: baseActivities()})
	require.NoError(t, err)
	require.Len(t, events, 3)

	byCategory := eventsByCategory(events)
	require.Len(t, byCategory[CategoryKernel], 1)
	kernel := byCategory[CategoryKernel][0]
	assert.Equal(t, "matmul", kernel.Name)
	assert.Equal(t, PhaseComplete, kernel.Phase)
	assert.Equal(t, 1000.0, kernel.Timestamp)
	assert.Equal(t, 1000.0, kernel.Duration)
	assert.Equal(t, "CUDA API 7", kernel.ThreadID)
	assert.Equal(t, "Device 0", kernel.ProcessID)
	assert.Equal(t, []string{"region_A"}, kernel.Args.NVTXRegions)

	require.Len(t, byCategory[CategoryCUDAAPI], 1)
	api := byCategory[CategoryCUDAAPI][0]
	assert.Equal(t, "launch", api.Name)
	assert.Equal(t, "CUDA API 42", api.ThreadID)
	assert.Equal(t, "Host 0", api.ProcessID)
	require.NotNil(t, api.Args.CorrelationID)
	assert.EqualValues(t, 55, *api.Args.CorrelationID)

	require.Len(t, byCategory[CategoryNVTX], 1)
	nvtx := byCategory[CategoryNVTX][0]
	assert.Equal(t, "region_A", nvtx.Name)
	assert.Equal(t, 500.0, nvtx.Timestamp)
	assert.Equal(t, 2000.0, nvtx.Duration)
	assert.Equal(t, "NVTX 42", nvtx.ThreadID)
	assert.Equal(t, "Host 0", nvtx.ProcessID)
}

func TestConvertProjectsRangesOntoDevice(t *testing.T) {
	f := endToEndFixture(t)

	events, err := Convert(context.Background(), f.db, Options{})
	require.NoError(t, err)
	require.Len(t, events, 4)

	projected := eventsByCategory(events)[CategoryNVTXKernel]
	require.Len(t, projected, 1)
	assert.Equal(t, "region_A", projected[0].Name)
	assert.Equal(t, "NVTX Kernel Thread 42", projected[0].ThreadID)
	assert.Equal(t, "Device 0", projected[0].ProcessID)
	assert.Equal(t, 1000.0, projected[0].Timestamp)
	assert.Equal(t, 1000.0, projected[0].Duration)
}

func TestConvertSortsByLane(t *testing.T) {
	f := endToEndFixture(t)

	events, err := Convert(context.Background(), f.db, Options{})
	require.NoError(t, err)
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if prev.ProcessID == cur.ProcessID {
			assert.LessOrEqual(t, prev.ThreadID, cur.ThreadID)
			continue
		}
		assert.Less(t, prev.ProcessID, cur.ProcessID)
	}
}

func TestConvertIsIdempotent(t *testing.T) {
	f := endToEndFixture(t).
		kernel(1, 3, 90, 5_000, 7_500, 1, 77).
		api(4_000, 4_100, 2, 77, 5, 90).
		nvtx(3_000, 9_000, "outer", 77, 5).
		nvtx(3_500, 4_500, "inner", 77, 5).
		openNVTX(8_000, "tail", 77, 5)

	encode := func() []byte {
		events, err := Convert(context.Background(), f.db, Options{})
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, WriteJSON(&buf, events, false))
		return buf.Bytes()
	}
	assert.Equal(t, encode(), encode())
}

func TestConvertNestedRangesAnnotateInDiscoveryOrder(t *testing.T) {
	f := newFixture(t).
		str(1, "gemm").
		str(2, "cudaLaunchKernel").
		kernel(0, 1, 10, 2_000, 3_000, 1, 9).
		api(1_500, 1_600, 2, 9, 4, 10).
		nvtx(1_000, 5_000, "outer", 9, 4).
		nvtx(1_200, 1_800, "inner", 9, 4)

	events, err := Convert(context.Background(), f.db, Options{Activities: baseActivities()})
	require.NoError(t, err)

	kernels := eventsByCategory(events)[CategoryKernel]
	require.Len(t, kernels, 1)
	assert.Equal(t, []string{"outer", "inner"}, kernels[0].Args.NVTXRegions)
}

func TestConvertWithoutCorrelationLeavesKernelUnannotated(t *testing.T) {
	f := newFixture(t).
		str(1, "gemm").
		str(2, "cudaMalloc").
		kernel(0, 1, 10, 2_000, 3_000, 1, 9).
		api(1_500, 1_600, 2, 9, 4, 999).
		nvtx(1_000, 5_000, "outer", 9, 4)

	events, err := Convert(context.Background(), f.db, Options{})
	require.NoError(t, err)

	byCategory := eventsByCategory(events)
	require.Len(t, byCategory[CategoryKernel], 1)
	assert.Nil(t, byCategory[CategoryKernel][0].Args.NVTXRegions)
	assert.Empty(t, byCategory[CategoryNVTXKernel])

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, byCategory[CategoryKernel], false))
	assert.NotContains(t, buf.String(), "NVTXRegions")
}

func TestConvertOpenRangeLinksButIsNotEmitted(t *testing.T) {
	f := newFixture(t).
		str(1, "gemm").
		str(2, "cudaLaunchKernel").
		kernel(0, 1, 10, 2_000, 3_000, 1, 9).
		api(1_500, 1_600, 2, 9, 4, 10).
		openNVTX(1_000, "unfinished", 9, 4)

	events, err := Convert(context.Background(), f.db, Options{})
	require.NoError(t, err)

	byCategory := eventsByCategory(events)
	assert.Empty(t, byCategory[CategoryNVTX])
	require.Len(t, byCategory[CategoryKernel], 1)
	assert.Equal(t, []string{"unfinished"}, byCategory[CategoryKernel][0].Args.NVTXRegions)
	require.Len(t, byCategory[CategoryNVTXKernel], 1)
	assert.Equal(t, 2.0, byCategory[CategoryNVTXKernel][0].Timestamp)
}

func TestConvertPrefixFilter(t *testing.T) {
	f := newFixture(t).
		str(1, "gemm").
		kernel(0, 1, 10, 2_000, 3_000, 1, 9).
		nvtx(100, 200, "compute_step", 9, 4).
		nvtx(300, 400, "memory_copy", 9, 4).
		nvtx(500, 600, "compute_final", 9, 4).
		nvtx(700, 800, "Compute_upper", 9, 4)

	events, err := Convert(context.Background(), f.db, Options{
		Activities: []ActivityType{ActivityNVTX},
		Prefixes:   []string{"compute"},
	})
	require.NoError(t, err)

	var names []string
	for _, event := range events {
		names = append(names, event.Name)
	}
	assert.Equal(t, []string{"compute_step", "compute_final"}, names)
}

func TestConvertColorScheme(t *testing.T) {
	f := newFixture(t).
		str(1, "gemm").
		kernel(0, 1, 10, 2_000, 3_000, 1, 9).
		nvtx(100, 200, "my_compute_range", 9, 4).
		nvtx(300, 400, "idle", 9, 4)

	events, err := Convert(context.Background(), f.db, Options{
		Activities: []ActivityType{ActivityNVTX},
		Colors:     ColorScheme{{Match: "compute", Color: "red"}},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)

	colors := map[string]string{}
	for _, event := range events {
		colors[event.Name] = event.Color
	}
	assert.Equal(t, "red", colors["my_compute_range"])
	assert.Empty(t, colors["idle"])
}

func TestConvertDataConsistencyError(t *testing.T) {
	f := newFixture(t).
		str(1, "gemm").
		kernel(0, 1, 10, 2_000, 3_000, 1, 9).
		kernel(1, 1, 11, 4_000, 5_000, 1, 9)

	_, err := Convert(context.Background(), f.db, Options{})
	var consistency *DataConsistencyError
	require.True(t, errors.As(err, &consistency), "got %v", err)
	assert.EqualValues(t, 9, consistency.PID)
	assert.EqualValues(t, 0, consistency.Device)
	assert.EqualValues(t, 1, consistency.Other)
	assert.Equal(t, "a single PID (9) is associated with multiple devices (0 and 1)", err.Error())
}

func TestConvertDataConsistencyErrorWithoutKernelOutput(t *testing.T) {
	f := newFixture(t).
		kernel(0, 1, 10, 2_000, 3_000, 1, 9).
		kernel(1, 1, 11, 4_000, 5_000, 1, 9).
		nvtx(100, 200, "range", 9, 4)

	_, err := Convert(context.Background(), f.db, Options{Activities: []ActivityType{ActivityNVTX}})
	var consistency *DataConsistencyError
	assert.True(t, errors.As(err, &consistency), "got %v", err)
}

func TestConvertRejectsNegativeDuration(t *testing.T) {
	f := newFixture(t).
		str(1, "gemm").
		kernel(0, 1, 10, 3_000, 2_000, 1, 9)

	_, err := Convert(context.Background(), f.db, Options{})
	var invalid *InvalidIntervalError
	require.True(t, errors.As(err, &invalid), "got %v", err)
	assert.Equal(t, tableKernels, invalid.Table)
}

func TestConvertDurationsNeverNegative(t *testing.T) {
	f := endToEndFixture(t).
		kernel(0, 2, 56, 4_000, 4_000, 1, 1234).
		kernel(0, 2, 57, 4_001, 4_500, 1, 1234)

	events, err := Convert(context.Background(), f.db, Options{})
	require.NoError(t, err)
	for _, event := range events {
		assert.GreaterOrEqual(t, event.Duration, 0.0, event.Name)
	}
}

func TestConvertUnknownProcess(t *testing.T) {
	f := newFixture(t).
		str(1, "gemm").
		kernel(0, 1, 10, 2_000, 3_000, 1, 9).
		nvtx(100, 200, "elsewhere", 10, 4)

	_, err := Convert(context.Background(), f.db, Options{})
	var unknown *UnknownProcessError
	require.True(t, errors.As(err, &unknown), "got %v", err)
	assert.EqualValues(t, 10, unknown.PID)
}

func TestConvertUnresolvedNames(t *testing.T) {
	f := newFixture(t).
		kernel(0, 1, 10, 2_000, 3_000, 404, 9)

	events, err := Convert(context.Background(), f.db, Options{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, UnknownName, events[0].Name)
}

func TestConvertMissingActivityTables(t *testing.T) {
	f := newFixture(t).
		dropTable(tableKernels).
		dropTable(tableRuntime).
		dropTable(tableNVTX)

	events, err := Convert(context.Background(), f.db, Options{})
	require.NoError(t, err)
	assert.Empty(t, events)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, events, false))
	assert.Equal(t, "[]\n", buf.String())
}

func TestConvertMissingStringTable(t *testing.T) {
	f := newFixture(t).dropTable(tableStrings)

	_, err := Convert(context.Background(), f.db, Options{})
	assert.Error(t, err)
}

func TestConvertRejectsUnknownActivity(t *testing.T) {
	f := newFixture(t)

	_, err := Convert(context.Background(), f.db, Options{Activities: []ActivityType{"memcpy"}})
	assert.ErrorContains(t, err, "memcpy")
}

func TestConvertKernelOnly(t *testing.T) {
	f := endToEndFixture(t)

	events, err := Convert(context.Background(), f.db, Options{Activities: []ActivityType{ActivityKernel}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, CategoryKernel, events[0].Category)
	assert.Nil(t, events[0].Args.NVTXRegions)
}

func TestConvertSharedCorrelationAnnotatesEveryKernel(t *testing.T) {
	f := newFixture(t).
		str(1, "graph_node").
		kernel(0, 1, 10, 2_000, 3_000, 1, 9).
		kernel(0, 1, 10, 3_000, 4_000, 1, 9).
		api(1_500, 1_600, 1, 9, 4, 10).
		nvtx(1_000, 5_000, "outer", 9, 4)

	events, err := Convert(context.Background(), f.db, Options{
		Activities: []ActivityType{ActivityKernel, ActivityNVTXKernel},
	})
	require.NoError(t, err)
	byCategory := eventsByCategory(events)

	require.Len(t, byCategory[CategoryKernel], 2)
	for _, kernel := range byCategory[CategoryKernel] {
		assert.Equal(t, []string{"outer"}, kernel.Args.NVTXRegions, "kernel at %v", kernel.Timestamp)
	}

	require.Len(t, byCategory[CategoryNVTXKernel], 1)
	assert.Equal(t, 2.0, byCategory[CategoryNVTXKernel][0].Timestamp)
	assert.Equal(t, 2.0, byCategory[CategoryNVTXKernel][0].Duration)
}

func TestConvertInternedRangeNames(t *testing.T) {
	f := newFixture(t).
		str(1, "gemm").
		str(20, "compute_interned").
		kernel(0, 1, 10, 2_000, 3_000, 1, 9).
		internedNVTX(100, 200, 20, "", 9, 4).
		internedNVTX(300, 400, 77, "", 9, 4).
		internedNVTX(500, 600, 78, "compute_inline", 9, 4)

	events, err := Convert(context.Background(), f.db, Options{
		Activities: []ActivityType{ActivityNVTX},
	})
	require.NoError(t, err)

	var names []string
	for _, event := range events {
		names = append(names, event.Name)
	}
	assert.Equal(t, []string{"compute_interned", UnknownName, "compute_inline"}, names)
}

func TestConvertPrefixFilterMatchesEmittedNames(t *testing.T) {
	f := newFixture(t).
		str(1, "gemm").
		str(20, "compute_interned").
		str(21, "memory_interned").
		kernel(0, 1, 10, 2_000, 3_000, 1, 9).
		internedNVTX(100, 200, 20, "", 9, 4).
		internedNVTX(300, 400, 21, "compute_shadowed", 9, 4).
		internedNVTX(500, 600, 77, "compute_x", 9, 4).
		internedNVTX(700, 800, 78, "", 9, 4)

	events, err := Convert(context.Background(), f.db, Options{
		Activities: []ActivityType{ActivityNVTX},
		Prefixes:   []string{"compute"},
	})
	require.NoError(t, err)

	var names []string
	for _, event := range events {
		names = append(names, event.Name)
		assert.True(t, strings.HasPrefix(event.Name, "compute"), "emitted %q", event.Name)
	}
	assert.Equal(t, []string{"compute_interned", "compute_x"}, names)
}

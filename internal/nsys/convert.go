package nsys

import (
	"context"
	"io"
	"log/slog"
)

// Parse runs the pipeline against an export whose string table is already
// loaded and returns the selected events in no particular order.
//
// Kernels are read first whenever kernel or nvtx-kernel output is wanted
// and supply the PID to device mapping. NVTX ranges and CUDA API calls
// follow. Once all three sources are loaded, linking annotates kernel
// events with their NVTX regions before they are collected; nvtx-kernel
// additionally emits the projected ranges. Sources read only for linking
// are not emitted.
func Parse(ctx context.Context, q Querier, names StringTable, opts Options) ([]Event, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	want, err := opts.activitySet()
	if err != nil {
		return nil, err
	}
	needKernels := want[ActivityKernel] || want[ActivityNVTXKernel]
	needNVTX := want[ActivityNVTX] || want[ActivityNVTXKernel]
	needAPI := want[ActivityCUDAAPI] || want[ActivityNVTXKernel]

	var (
		kernelRows   PerDevice[KernelRow]
		kernelEvents PerDevice[Event]
		nvtxRows     PerDevice[RangeRow]
		nvtxEvents   PerDevice[Event]
		apiRows      PerDevice[APIRow]
		apiEvents    PerDevice[Event]
		devices      map[int64]int64
	)

	if needKernels {
		kernelRows, kernelEvents, err = ParseKernelEvents(ctx, q, names)
		if err != nil {
			return nil, err
		}
		devices, err = MapProcessesToDevices(DevicesFromKernels(kernelRows))
		if err != nil {
			return nil, err
		}
	} else if needNVTX || needAPI {
		pairs, err := LoadProcessDevices(ctx, q)
		if err != nil {
			return nil, err
		}
		devices, err = MapProcessesToDevices(pairs)
		if err != nil {
			return nil, err
		}
	}

	if needNVTX {
		nvtxRows, nvtxEvents, err = ParseNVTXEvents(ctx, q, names, devices, opts.Prefixes, opts.Colors)
		if err != nil {
			return nil, err
		}
	}
	if needAPI {
		apiRows, apiEvents, err = ParseCUDAAPIEvents(ctx, q, names, devices)
		if err != nil {
			return nil, err
		}
	}

	var spans []KernelSpan
	if needKernels && needNVTX && needAPI {
		spans = LinkNVTXToKernels(nvtxRows, apiRows, kernelRows, kernelEvents)
	}

	if missing := countUnresolved(names, kernelRows, nvtxRows, apiRows); missing > 0 {
		logger.Warn("unresolved string ids replaced", "count", missing, "placeholder", UnknownName)
	}

	var events []Event
	if want[ActivityKernel] {
		events = append(events, kernelEvents.Flatten()...)
	}
	if want[ActivityNVTX] {
		events = append(events, nvtxEvents.Flatten()...)
	}
	if want[ActivityCUDAAPI] {
		events = append(events, apiEvents.Flatten()...)
	}
	if want[ActivityNVTXKernel] {
		for _, span := range spans {
			events = append(events, nvtxKernelEvent(span, opts.Colors))
		}
	}

	logger.Debug("parsed export",
		"devices", len(kernelRows),
		"kernels", kernelRows.Len(),
		"nvtx_ranges", nvtxRows.Len(),
		"cuda_api_calls", apiRows.Len(),
		"linked_ranges", len(spans),
		"events", len(events),
	)
	return events, nil
}

// Convert loads the string table, runs Parse and orders the result by
// process lane, then thread lane. Converting the same export twice yields
// identical lists.
func Convert(ctx context.Context, q Querier, opts Options) ([]Event, error) {
	names, err := LoadStrings(ctx, q)
	if err != nil {
		return nil, err
	}
	events, err := Parse(ctx, q, names, opts)
	if err != nil {
		return nil, err
	}
	SortEvents(events)
	return events, nil
}

func countUnresolved(names StringTable, kernels PerDevice[KernelRow], ranges PerDevice[RangeRow], apis PerDevice[APIRow]) int {
	missing := 0
	for _, rows := range kernels {
		for _, row := range rows {
			if _, ok := names.Lookup(row.ShortName); !ok {
				missing++
			}
		}
	}
	for _, rows := range ranges {
		for _, row := range rows {
			if row.HasTextID && row.Name == UnknownName {
				missing++
			}
		}
	}
	for _, rows := range apis {
		for _, row := range rows {
			if _, ok := names.Lookup(row.NameID); !ok {
				missing++
			}
		}
	}
	return missing
}

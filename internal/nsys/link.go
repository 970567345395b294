package nsys

// KernelSpan is the GPU time attributed to one NVTX range: from the earliest
// start to the latest end of the kernels launched while it was open.
type KernelSpan struct {
	DeviceID int64
	Range    RangeRow
	Start    int64
	End      int64
}

// LinkNVTXToKernels attributes kernels to the NVTX ranges that launched them.
//
// Per device, the CUDA API calls issued while a range was open are matched
// to every kernel sharing their correlation id. Each matched kernel event
// gets the range name appended to its NVTXRegions. Calls that launched no
// kernel (memory allocation, synchronization) are skipped. The returned spans follow device
// order, then range order; ranges without kernels are left out.
func LinkNVTXToKernels(ranges PerDevice[RangeRow], apis PerDevice[APIRow], kernels PerDevice[KernelRow], kernelEvents PerDevice[Event]) []KernelSpan {
	var spans []KernelSpan

	for _, device := range ranges.Devices() {
		deviceRanges := ranges[device]
		deviceAPIs := apis[device]
		deviceKernels := kernels[device]
		deviceEvents := kernelEvents[device]
		if len(deviceAPIs) == 0 || len(deviceKernels) == 0 {
			continue
		}

		// Graph and cooperative launches share one correlation id.
		byCorrelation := make(map[int64][]int, len(deviceKernels))
		for k, row := range deviceKernels {
			byCorrelation[row.CorrelationID] = append(byCorrelation[row.CorrelationID], k)
		}

		matches := FindOverlapping(spansOf(deviceRanges), spansOf(deviceAPIs))
		for i, nvtx := range deviceRanges {
			var (
				found      bool
				start, end int64
			)
			for _, j := range matches[i] {
				for _, k := range byCorrelation[deviceAPIs[j].CorrelationID] {
					if k < len(deviceEvents) {
						deviceEvents[k].Args.NVTXRegions = append(deviceEvents[k].Args.NVTXRegions, nvtx.Name)
					}

					kernel := deviceKernels[k]
					if !found || kernel.Start < start {
						start = kernel.Start
					}
					if !found || kernel.End > end {
						end = kernel.End
					}
					found = true
				}
			}
			if found {
				spans = append(spans, KernelSpan{DeviceID: device, Range: nvtx, Start: start, End: end})
			}
		}
	}
	return spans
}

// nvtxKernelEvent projects a range onto the device timeline using the span
// of the kernels it launched.
func nvtxKernelEvent(span KernelSpan, colors ColorScheme) Event {
	event := Event{
		Name:      span.Range.Name,
		Phase:     PhaseComplete,
		Category:  CategoryNVTXKernel,
		Timestamp: ConvertTime(span.Start),
		Duration:  durationOf(span.Start, span.End),
		ThreadID:  nvtxKernelLane(span.Range.TID),
		ProcessID: deviceLane(span.DeviceID),
	}
	if color, ok := colors.ColorFor(span.Range.Name); ok {
		event.Color = color
	}
	return event
}

package nsys

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
)

// PhaseComplete is the trace-event phase of an event with a duration.
const PhaseComplete = "X"

// Event categories.
const (
	CategoryKernel     = "cuda"
	CategoryNVTX       = "nvtx"
	CategoryNVTXKernel = "nvtx-kernel"
	CategoryCUDAAPI    = "cuda_api"
)

// Event is one complete event in the Chrome trace-event format. Timestamps
// and durations are microseconds; tid and pid are lane labels.
type Event struct {
	Name      string  `json:"name"`
	Phase     string  `json:"ph"`
	Category  string  `json:"cat"`
	Timestamp float64 `json:"ts"`
	Duration  float64 `json:"dur"`
	ThreadID  string  `json:"tid"`
	ProcessID string  `json:"pid"`
	Color     string  `json:"cname,omitempty"`
	Args      Args    `json:"args"`
}

// Args holds the event attributes the pipeline fills in.
type Args struct {
	// CorrelationID links a CUDA API call to the device work it launched.
	CorrelationID *int64 `json:"correlationId,omitempty"`
	// NVTXRegions lists, in discovery order, the NVTX ranges that launched a
	// kernel. Nested ranges each contribute an entry.
	NVTXRegions []string `json:"NVTXRegions,omitempty"`
}

func kernelLane(streamID int64) string { return fmt.Sprintf("CUDA API %d", streamID) }
func deviceLane(deviceID int64) string { return fmt.Sprintf("Device %d", deviceID) }
func hostLane(deviceID int64) string { return fmt.Sprintf("Host %d", deviceID) }
func nvtxLane(tid int64) string { return fmt.Sprintf("NVTX %d", tid) }
func apiLane(tid int64) string { return fmt.Sprintf("CUDA API %d", tid) }
func nvtxKernelLane(tid int64) string { return fmt.Sprintf("NVTX Kernel Thread %d", tid) }
func durationOf(start, end int64) float64 { return ConvertTime(end - start) }

// SortEvents orders events by process lane, then thread lane. The sort is
// stable, so events sharing both labels keep their relative order.
func SortEvents(events []Event) {
	slices.SortStableFunc(events, func(a, b Event) int {
		if c := strings.Compare(a.ProcessID, b.ProcessID); c != 0 {
			return c
		}
		return strings.Compare(a.ThreadID, b.ThreadID)
	})
}

// WriteJSON writes events as a JSON array, the form Perfetto and
// chrome://tracing import directly.
func WriteJSON(w io.Writer, events []Event, indent bool) error {
	if events == nil {
		events = []Event{}
	}
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(events); err != nil {
		return fmt.Errorf("encode trace events: %w", err)
	}
	return nil
}

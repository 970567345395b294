// Package nsys converts Nsight Systems SQLite exports into Chrome trace
// events.
//
// The pipeline reads the kernel, CUDA runtime API and NVTX tables of an
// export, groups their rows per device, links NVTX ranges to the kernels
// launched from inside them and returns one flat, deterministically ordered
// list of complete ("X") events. It never writes to the source database and
// never closes it.
package nsys

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
)

// Querier is the read-only view of an export the pipeline needs. *sql.DB,
// *sql.Conn and *sql.Tx all satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const (
	tableStrings = "StringIds"
	tableKernels = "CUPTI_ACTIVITY_KIND_KERNEL"
	tableRuntime = "CUPTI_ACTIVITY_KIND_RUNTIME"
	tableNVTX    = "NVTX_EVENTS"
	tableGPUInfo = "TARGET_INFO_GPU"
)

// ConvertTime converts an nsys nanosecond timestamp into trace-event
// microseconds, keeping the fractional part.
func ConvertTime(ns int64) float64 {
	return float64(ns) / 1000
}

// tableExists reports whether the export contains the named table. nsys
// leaves out tables for activity kinds that recorded nothing.
func tableExists(ctx context.Context, q Querier, name string) (bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT 1 FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("look up table %s: %w", name, err)
	}
	defer rows.Close()

	exists := rows.Next()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("look up table %s: %w", name, err)
	}
	return exists, nil
}

// PerDevice groups rows or events by device index.
type PerDevice[T any] map[int64][]T

// Devices returns the device indices in ascending order.
func (p PerDevice[T]) Devices() []int64 {
	ids := make([]int64, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Flatten concatenates all groups in ascending device order.
func (p PerDevice[T]) Flatten() []T {
	var out []T
	for _, id := range p.Devices() {
		out = append(out, p[id]...)
	}
	return out
}

// Len returns the total number of entries across all devices.
func (p PerDevice[T]) Len() int {
	n := 0
	for _, items := range p {
		n += len(items)
	}
	return n
}

package nsys

import (
	"context"
	"fmt"
)

// KernelRow is one row of the CUPTI kernel activity table.
type KernelRow struct {
	DeviceID      int64
	StreamID      int64
	CorrelationID int64
	Start         int64
	End           int64
	ShortName     int64
	PID           int64
}

// Span returns the execution interval of the kernel.
func (r KernelRow) Span() Span {
	return Span{Start: r.Start, End: r.End}
}

const kernelQuery = `SELECT deviceId, streamId, correlationId, start, end, shortName,
	globalPid / 0x1000000 % 0x1000000 AS PID
FROM ` + tableKernels

// ParseKernelEvents reads every kernel execution and returns the rows and
// their events grouped by device. For each device the two slices are
// parallel: events[d][i] describes rows[d][i].
func ParseKernelEvents(ctx context.Context, q Querier, names StringTable) (PerDevice[KernelRow], PerDevice[Event], error) {
	rowsByDevice := make(PerDevice[KernelRow])
	eventsByDevice := make(PerDevice[Event])

	ok, err := tableExists(ctx, q, tableKernels)
	if err != nil || !ok {
		return rowsByDevice, eventsByDevice, err
	}

	rows, err := q.QueryContext(ctx, kernelQuery)
	if err != nil {
		return nil, nil, fmt.Errorf("query kernels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row KernelRow
		if err := rows.Scan(&row.DeviceID, &row.StreamID, &row.CorrelationID, &row.Start, &row.End, &row.ShortName, &row.PID); err != nil {
			return nil, nil, fmt.Errorf("scan kernel: %w", err)
		}
		if err := checkInterval(tableKernels, row.Start, row.End); err != nil {
			return nil, nil, err
		}

		rowsByDevice[row.DeviceID] = append(rowsByDevice[row.DeviceID], row)
		eventsByDevice[row.DeviceID] = append(eventsByDevice[row.DeviceID], Event{
			Name:      names.Name(row.ShortName),
			Phase:     PhaseComplete,
			Category:  CategoryKernel,
			Timestamp: ConvertTime(row.Start),
			Duration:  durationOf(row.Start, row.End),
			ThreadID:  kernelLane(row.StreamID),
			ProcessID: deviceLane(row.DeviceID),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read kernels: %w", err)
	}
	return rowsByDevice, eventsByDevice, nil
}

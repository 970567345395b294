package nsys

import (
	"context"
	"fmt"
)

// APIRow is one CUDA runtime API call.
type APIRow struct {
	Start         int64
	End           int64
	NameID        int64
	PID           int64
	TID           int64
	CorrelationID int64
	DeviceID      int64
}

// Span returns the interval of the call.
func (r APIRow) Span() Span {
	return Span{Start: r.Start, End: r.End}
}

const cudaAPIQuery = `SELECT start, end, nameId,
	globalTid / 0x1000000 % 0x1000000 AS PID,
	globalTid % 0x1000000 AS TID,
	correlationId
FROM ` + tableRuntime

// ParseCUDAAPIEvents reads CUDA runtime API calls and places them on the
// host lane of the device their process drives. Each event carries the
// call's correlation id.
func ParseCUDAAPIEvents(ctx context.Context, q Querier, names StringTable, devices map[int64]int64) (PerDevice[APIRow], PerDevice[Event], error) {
	rowsByDevice := make(PerDevice[APIRow])
	eventsByDevice := make(PerDevice[Event])

	ok, err := tableExists(ctx, q, tableRuntime)
	if err != nil || !ok {
		return rowsByDevice, eventsByDevice, err
	}

	rows, err := q.QueryContext(ctx, cudaAPIQuery)
	if err != nil {
		return nil, nil, fmt.Errorf("query cuda api calls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row APIRow
		if err := rows.Scan(&row.Start, &row.End, &row.NameID, &row.PID, &row.TID, &row.CorrelationID); err != nil {
			return nil, nil, fmt.Errorf("scan cuda api call: %w", err)
		}
		if err := checkInterval(tableRuntime, row.Start, row.End); err != nil {
			return nil, nil, err
		}

		device, ok := devices[row.PID]
		if !ok {
			return nil, nil, &UnknownProcessError{Table: tableRuntime, PID: row.PID}
		}
		row.DeviceID = device

		correlationID := row.CorrelationID
		rowsByDevice[device] = append(rowsByDevice[device], row)
		eventsByDevice[device] = append(eventsByDevice[device], Event{
			Name:      names.Name(row.NameID),
			Phase:     PhaseComplete,
			Category:  CategoryCUDAAPI,
			Timestamp: ConvertTime(row.Start),
			Duration:  durationOf(row.Start, row.End),
			ThreadID:  apiLane(row.TID),
			ProcessID: hostLane(device),
			Args:      Args{CorrelationID: &correlationID},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read cuda api calls: %w", err)
	}
	return rowsByDevice, eventsByDevice, nil
}

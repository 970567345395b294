package nsys

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// NVTX event types that describe ranges: push/pop and start/end.
const (
	nvtxPushPopRange  = 59
	nvtxStartEndRange = 60
)

// RangeRow is one NVTX range. A range still open when the capture stopped
// has no end.
type RangeRow struct {
	Start     int64
	End       int64
	Ended     bool
	TextID    int64
	HasTextID bool
	Name      string
	PID       int64
	TID       int64
	DeviceID  int64
}

// Span returns the interval covered by the range; an open range never ends.
func (r RangeRow) Span() Span {
	return Span{Start: r.Start, End: r.End, Unbounded: !r.Ended}
}

// nvtxQuery selects ranges together with their resolved text. The prefix
// filter is applied here so non-matching ranges never enter the pipeline.
func nvtxQuery(prefixes []string) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT n.start, n.end, n.textId, n.text,
	n.globalTid / 0x1000000 %% 0x1000000 AS PID,
	n.globalTid %% 0x1000000 AS TID
FROM %s AS n
LEFT JOIN %s AS s ON n.textId = s.id
WHERE n.eventType IN (%d, %d)`, tableNVTX, tableStrings, nvtxPushPopRange, nvtxStartEndRange)

	if len(prefixes) == 0 {
		return b.String(), nil
	}

	// Matches the name rangeName picks. instr is case sensitive, unlike LIKE.
	args := make([]any, 0, len(prefixes))
	clauses := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		clauses = append(clauses, `instr(COALESCE(s.value, n.text, ''), ?) = 1`)
		args = append(args, prefix)
	}
	b.WriteString("\n  AND (")
	b.WriteString(strings.Join(clauses, " OR "))
	b.WriteString(")")
	return b.String(), args
}

// ParseNVTXEvents reads NVTX ranges and places them on the host lane of the
// device their process drives. Prefixes restrict the ranges read; colors
// assign a display color to matching names. Open ranges yield a row but no
// event.
func ParseNVTXEvents(ctx context.Context, q Querier, names StringTable, devices map[int64]int64, prefixes []string, colors ColorScheme) (PerDevice[RangeRow], PerDevice[Event], error) {
	rowsByDevice := make(PerDevice[RangeRow])
	eventsByDevice := make(PerDevice[Event])

	ok, err := tableExists(ctx, q, tableNVTX)
	if err != nil || !ok {
		return rowsByDevice, eventsByDevice, err
	}

	query, args := nvtxQuery(prefixes)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query nvtx ranges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row    RangeRow
			end    sql.NullInt64
			textID sql.NullInt64
			text   sql.NullString
		)
		if err := rows.Scan(&row.Start, &end, &textID, &text, &row.PID, &row.TID); err != nil {
			return nil, nil, fmt.Errorf("scan nvtx range: %w", err)
		}
		row.End, row.Ended = end.Int64, end.Valid
		row.TextID, row.HasTextID = textID.Int64, textID.Valid

		row.Name = rangeName(names, textID, text)

		device, ok := devices[row.PID]
		if !ok {
			return nil, nil, &UnknownProcessError{Table: tableNVTX, PID: row.PID}
		}
		row.DeviceID = device
		rowsByDevice[device] = append(rowsByDevice[device], row)

		if !row.Ended {
			continue
		}
		if err := checkInterval(tableNVTX, row.Start, row.End); err != nil {
			return nil, nil, err
		}

		event := Event{
			Name:      row.Name,
			Phase:     PhaseComplete,
			Category:  CategoryNVTX,
			Timestamp: ConvertTime(row.Start),
			Duration:  durationOf(row.Start, row.End),
			ThreadID:  nvtxLane(row.TID),
			ProcessID: hostLane(device),
		}
		if color, ok := colors.ColorFor(row.Name); ok {
			event.Color = color
		}
		eventsByDevice[device] = append(eventsByDevice[device], event)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read nvtx ranges: %w", err)
	}
	return rowsByDevice, eventsByDevice, nil
}

// rangeName prefers the interned string, then the inline text. The prefix
// filter in nvtxQuery resolves names in the same order.
func rangeName(names StringTable, textID sql.NullInt64, text sql.NullString) string {
	if textID.Valid {
		if name, ok := names.Lookup(textID.Int64); ok {
			return name
		}
	}
	if text.Valid {
		return text.String
	}
	return UnknownName
}

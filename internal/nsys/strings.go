package nsys

import (
	"context"
	"fmt"
)

// UnknownName replaces string ids that are missing from the string table.
// Truncated captures routinely reference ids that were never flushed.
const UnknownName = "unknown"

// StringTable maps interned string ids to their text. It is loaded once per
// conversion and not modified afterwards.
type StringTable map[int64]string

// Lookup returns the text for id and whether it was present.
func (t StringTable) Lookup(id int64) (string, bool) {
	value, ok := t[id]
	return value, ok
}

// Name returns the text for id, or UnknownName when it is not interned.
func (t StringTable) Name(id int64) string {
	if value, ok := t[id]; ok {
		return value
	}
	return UnknownName
}

// LoadStrings reads the StringIds table. Duplicate ids keep the last value
// read.
func LoadStrings(ctx context.Context, q Querier) (StringTable, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, value FROM `+tableStrings)
	if err != nil {
		return nil, fmt.Errorf("query string table: %w", err)
	}
	defer rows.Close()

	table := make(StringTable)
	for rows.Next() {
		var (
			id    int64
			value string
		)
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("scan string table: %w", err)
		}
		table[id] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read string table: %w", err)
	}
	return table, nil
}

package nsys

import (
	"context"
	"fmt"
)

// ProcessDevice pairs a process with a device it launched work on.
type ProcessDevice struct {
	PID      int64
	DeviceID int64
}

// DevicesFromKernels lists the (process, device) pair of every kernel row,
// in ascending device order.
func DevicesFromKernels(rows PerDevice[KernelRow]) []ProcessDevice {
	pairs := make([]ProcessDevice, 0, rows.Len())
	for _, device := range rows.Devices() {
		for _, row := range rows[device] {
			pairs = append(pairs, ProcessDevice{PID: row.PID, DeviceID: row.DeviceID})
		}
	}
	return pairs
}

// LoadProcessDevices reads the distinct (process, device) pairs of the kernel
// table without materializing kernel rows.
func LoadProcessDevices(ctx context.Context, q Querier) ([]ProcessDevice, error) {
	ok, err := tableExists(ctx, q, tableKernels)
	if err != nil || !ok {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `SELECT DISTINCT deviceId, globalPid / 0x1000000 % 0x1000000 AS PID FROM `+tableKernels)
	if err != nil {
		return nil, fmt.Errorf("query process devices: %w", err)
	}
	defer rows.Close()

	var pairs []ProcessDevice
	for rows.Next() {
		var pair ProcessDevice
		if err := rows.Scan(&pair.DeviceID, &pair.PID); err != nil {
			return nil, fmt.Errorf("scan process devices: %w", err)
		}
		pairs = append(pairs, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read process devices: %w", err)
	}
	return pairs, nil
}

// MapProcessesToDevices builds the PID to device mapping. A PID seen on two
// devices yields a *DataConsistencyError.
func MapProcessesToDevices(pairs []ProcessDevice) (map[int64]int64, error) {
	devices := make(map[int64]int64)
	for _, pair := range pairs {
		if existing, ok := devices[pair.PID]; ok {
			if existing != pair.DeviceID {
				return nil, &DataConsistencyError{PID: pair.PID, Device: existing, Other: pair.DeviceID}
			}
			continue
		}
		devices[pair.PID] = pair.DeviceID
	}
	return devices, nil
}

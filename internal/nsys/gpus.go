package nsys

import (
	"context"
	"database/sql"
	"fmt"
)

// Device describes a GPU recorded in the export's target information.
type Device struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	BusLocation string `json:"bus_location"`
}

// LoadDevices reads TARGET_INFO_GPU. Exports without it yield no devices.
func LoadDevices(ctx context.Context, q Querier) ([]Device, error) {
	ok, err := tableExists(ctx, q, tableGPUInfo)
	if err != nil || !ok {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `SELECT id, name, busLocation FROM `+tableGPUInfo+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query gpu info: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var (
			device Device
			name   sql.NullString
			bus    sql.NullString
		)
		if err := rows.Scan(&device.ID, &name, &bus); err != nil {
			return nil, fmt.Errorf("scan gpu info: %w", err)
		}
		device.Name = name.String
		device.BusLocation = bus.String
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read gpu info: %w", err)
	}
	return devices, nil
}

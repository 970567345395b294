package nsys

import "fmt"

// DataConsistencyError reports a process observed on two different devices.
// The linker relies on every process driving a single device, so the
// conversion stops.
type DataConsistencyError struct {
	PID    int64
	Device int64
	Other  int64
}

func (e *DataConsistencyError) Error() string {
	return fmt.Sprintf("a single PID (%d) is associated with multiple devices (%d and %d)", e.PID, e.Device, e.Other)
}

// UnknownProcessError reports a host row whose process never ran a kernel,
// so it cannot be placed on a device lane.
type UnknownProcessError struct {
	Table string
	PID   int64
}

func (e *UnknownProcessError) Error() string {
	return fmt.Sprintf("%s: pid %d is not associated with any device", e.Table, e.PID)
}

// InvalidIntervalError reports a row whose end precedes its start.
type InvalidIntervalError struct {
	Table string
	Start int64
	End   int64
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("%s: row ends before it starts (start=%d end=%d)", e.Table, e.Start, e.End)
}

func checkInterval(table string, start, end int64) error {
	if end < start {
		return &InvalidIntervalError{Table: table, Start: start, End: end}
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/brycelelbach/nsightful/internal/gpu"
	"github.com/brycelelbach/nsightful/internal/nsys"
	"github.com/brycelelbach/nsightful/internal/report"
)

type devicesCmd struct {
	root      *rootCmd
	sysfsRoot string
	asJSON    bool
}

func newDevicesCmd(root *rootCmd) *ffcli.Command {
	cmd := devicesCmd{root: root}
	set := flag.NewFlagSet("devices", flag.ExitOnError)
	set.StringVar(&cmd.sysfsRoot, "sysfs", "/sys", "sysfs mount used to name devices present on this host")
	set.BoolVar(&cmd.asJSON, "json", false, "Print JSON instead of a table")
	return &ffcli.Command{
		Name:       "devices",
		ShortUsage: "nsightful devices [flags] <report.sqlite>",
		ShortHelp:  "List the GPUs recorded in an Nsight Systems export",
		FlagSet:    set,
		Options:    envOptions(),
		Exec:       cmd.exec,
	}
}

func (cmd *devicesCmd) exec(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return flag.ErrHelp
	}

	db, err := report.OpenExport(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	recorded, err := nsys.LoadDevices(ctx, db)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	resolver := gpu.NewResolver(cmd.sysfsRoot, gpu.LookupPCIName, cmd.root.log())
	devices := make([]report.Device, 0, len(recorded))
	for _, device := range recorded {
		devices = append(devices, report.Device{
			Device:      device,
			DisplayName: resolver.DisplayName(device.Name, device.BusLocation),
		})
	}
	return printDevices(os.Stdout, devices, cmd.asJSON)
}

func printDevices(w io.Writer, devices []report.Device, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "no GPU information in export")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tBUS\tRECORDED NAME")
	for _, device := range devices {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", device.ID, device.DisplayName, device.BusLocation, device.Name)
	}
	return tw.Flush()
}

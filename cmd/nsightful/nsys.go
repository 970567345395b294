package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/sync/errgroup"

	"github.com/brycelelbach/nsightful/internal/nsys"
	"github.com/brycelelbach/nsightful/internal/report"
)

type nsysCmd struct {
	root *rootCmd

	// User-specified command line arguments.
	output     string
	ext        string
	activities listFlag
	prefixes   listFlag
	colors     colorFlag
	indent     bool
	jobs       int
}

func newNsysCmd(root *rootCmd) *ffcli.Command {
	cmd := nsysCmd{root: root}
	set := flag.NewFlagSet("nsys", flag.ExitOnError)
	set.StringVar(&cmd.output, "o", "", "Output file for a single input (default stdout); .gz and .zst compress")
	set.StringVar(&cmd.ext, "ext", ".json", "Extension of the files written next to each input when converting several")
	set.Var(&cmd.activities, "activity", "Activity types to emit, lowercase: kernel, nvtx, nvtx-kernel, cuda-api (default all)")
	set.Var(&cmd.prefixes, "prefix", "Keep only NVTX ranges starting with this text; repeatable")
	set.Var(&cmd.colors, "color", "NVTX color rule substring=color, one per flag; repeatable, first match wins")
	set.BoolVar(&cmd.indent, "indent", false, "Indent the JSON output")
	set.IntVar(&cmd.jobs, "jobs", runtime.NumCPU(), "Exports converted concurrently")
	return &ffcli.Command{
		Name:       "nsys",
		ShortUsage: "nsightful nsys [flags] <report.sqlite>...",
		ShortHelp:  "Convert Nsight Systems SQLite exports to Chrome trace-event JSON",
		LongHelp: "Converts each export to a JSON array of trace events that Perfetto UI\n" +
			"and chrome://tracing load. With several inputs, each result is written\n" +
			"next to its input with the -ext extension.",
		FlagSet: set,
		Options: envOptions(),
		Exec:    cmd.exec,
	}
}

func (cmd *nsysCmd) options() (nsys.Options, error) {
	activities, err := nsys.ParseActivities(strings.Join(cmd.activities, ","))
	if err != nil {
		return nsys.Options{}, err
	}
	return nsys.Options{
		Activities: activities,
		Prefixes:   cmd.prefixes,
		Colors:     nsys.ColorScheme(cmd.colors),
		Logger:     cmd.root.log(),
	}, nil
}

func (cmd *nsysCmd) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return flag.ErrHelp
	}
	if cmd.output != "" && len(args) > 1 {
		return errors.New("-o accepts a single input; use -ext for several")
	}

	opts, err := cmd.options()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return cmd.convert(ctx, args[0], cmd.output, opts)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cmd.jobs, 1))
	for _, input := range args {
		g.Go(func() error {
			return cmd.convert(ctx, input, siblingOutput(input, cmd.ext), opts)
		})
	}
	return g.Wait()
}

func (cmd *nsysCmd) convert(ctx context.Context, input, output string, opts nsys.Options) error {
	logger := cmd.root.log().With("input", input)
	opts.Logger = logger
	started := time.Now()

	db, err := report.OpenExport(input)
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := nsys.Convert(ctx, db, opts)
	if err != nil {
		return fmt.Errorf("convert %s: %w", input, err)
	}

	err = writeOutput(output, func(w io.Writer) error {
		return nsys.WriteJSON(w, events, cmd.indent)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", input, err)
	}
	logger.Info("converted", "output", output, "events", len(events), "took", time.Since(started))
	return nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/brycelelbach/nsightful/internal/ncu"
)

type ncuCmd struct {
	root   *rootCmd
	output string
}

func newNcuCmd(root *rootCmd) *ffcli.Command {
	cmd := ncuCmd{root: root}
	set := flag.NewFlagSet("ncu", flag.ExitOnError)
	set.StringVar(&cmd.output, "o", "", "Output file (default stdout); .gz and .zst compress")
	return &ffcli.Command{
		Name:       "ncu",
		ShortUsage: "nsightful ncu [flags] <report.csv|->",
		ShortHelp:  "Render an Nsight Compute CSV export as Markdown",
		FlagSet:    set,
		Options:    envOptions(),
		Exec:       cmd.exec,
	}
}

func (cmd *ncuCmd) exec(_ context.Context, args []string) error {
	if len(args) != 1 {
		return flag.ErrHelp
	}

	in := io.Reader(os.Stdin)
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	parsed, err := ncu.Parse(in)
	if err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	cmd.root.log().Info("parsed compute report", "input", args[0], "kernels", len(parsed.Kernels))

	return writeOutput(cmd.output, func(w io.Writer) error {
		_, err := io.WriteString(w, ncu.Markdown(parsed))
		return err
	})
}

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/brycelelbach/nsightful/internal/version"
)

func newVersionCmd() *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "nsightful version",
		ShortHelp:  "Print build information",
		FlagSet:    flag.NewFlagSet("version", flag.ExitOnError),
		Exec: func(context.Context, []string) error {
			fmt.Println("nsightful " + version.Current().String())
			return nil
		},
	}
}

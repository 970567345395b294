// nsightful converts NVIDIA Nsight Systems and Nsight Compute exports into
// formats that general-purpose tools can read: Chrome trace-event JSON for
// Perfetto UI and Markdown for compute reports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/brycelelbach/nsightful/internal/nsys"
	"github.com/brycelelbach/nsightful/internal/version"
)

const envPrefix = "NSIGHTFUL"

var (
	buildVersion = ""
	buildCommit  = ""
	buildTime    = ""
)

// rootCmd holds the flags shared by every subcommand.
type rootCmd struct {
	logLevel string
	logger   *slog.Logger
}

func (r *rootCmd) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(r.logLevel)); err != nil {
		level = slog.LevelWarn
	}
	r.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return r.logger
}

func envOptions() []ff.Option {
	return []ff.Option{ff.WithEnvVarPrefix(envPrefix), ff.WithEnvVarSplit(",")}
}

func newRootCmd() *ffcli.Command {
	root := &rootCmd{}
	set := flag.NewFlagSet("nsightful", flag.ExitOnError)
	set.StringVar(&root.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")

	return &ffcli.Command{
		Name:       "nsightful",
		ShortUsage: "nsightful [flags] <subcommand> [flags] [args...]",
		ShortHelp:  "Convert Nsight Systems and Nsight Compute exports",
		FlagSet:    set,
		Options:    []ff.Option{ff.WithEnvVarPrefix(envPrefix)},
		Subcommands: []*ffcli.Command{
			newNsysCmd(root),
			newNcuCmd(root),
			newDevicesCmd(root),
			newVersionCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
}

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ParseAndRun(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "nsightful: %v\n", err)
		os.Exit(1)
	}
}

// listFlag collects repeated flag values. Each value may hold several
// comma-separated items.
type listFlag []string

func (l *listFlag) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(value string) error {
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*l = append(*l, item)
		}
	}
	return nil
}

// colorFlag collects one substring=color rule per flag value. Values are not
// split, so colors such as rgb(1,2,3) survive.
type colorFlag nsys.ColorScheme

func (c *colorFlag) String() string {
	if c == nil {
		return ""
	}
	rules := make([]string, 0, len(*c))
	for _, rule := range *c {
		rules = append(rules, rule.Match+"="+rule.Color)
	}
	return strings.Join(rules, ",")
}

func (c *colorFlag) Set(value string) error {
	rule, err := nsys.ParseColorRule(value)
	if err != nil {
		return err
	}
	*c = append(*c, rule)
	return nil
}

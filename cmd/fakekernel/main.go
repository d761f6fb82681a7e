// Command fakekernel is a toy kernel that speaks the kernel wire protocol.
// Point a kernelspec at it to exercise clients without a real kernel:
//
//	{"argv": ["fakekernel", "-f", "{connection_file}"], "display_name": "Fake"}
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/localrivet/gokernel/kerneltest"
	"github.com/localrivet/gokernel/logx"
)

func main() {
	var (
		connectionFile string
		delay          time.Duration
		silent         bool
		verbose        int
	)
	fs := flag.NewFlagSet("fakekernel", flag.ExitOnError)
	fs.StringVarP(&connectionFile, "connection-file", "f", "", "Connection file written by the launcher")
	fs.DurationVar(&delay, "delay", 0, "Wait this long before answering each request")
	fs.BoolVar(&silent, "silent-heartbeat", false, "Never answer heartbeats")
	fs.CountVarP(&verbose, "verbose", "v", "Increase verbosity (repeatable)")
	_ = fs.Parse(os.Args[1:])

	if connectionFile == "" && fs.NArg() > 0 {
		connectionFile = fs.Arg(fs.NArg() - 1)
	}
	if connectionFile == "" {
		fmt.Fprintln(os.Stderr, "fakekernel: a connection file is required")
		os.Exit(2)
	}

	level := logx.LevelWarn
	if verbose > 0 {
		level = logx.LevelDebug
	}
	logger := logx.NewZerologLogger(os.Stderr, level).With("kernel", "fake")

	// SIGINT interrupts the running cell; only SIGTERM stops the kernel.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	err := kerneltest.Serve(ctx, connectionFile,
		kerneltest.WithLogger(logger),
		kerneltest.WithBehavior(kerneltest.Behavior{Delay: delay, SilentHeartbeat: silent}),
	)
	if err != nil {
		logger.Error("fakekernel: %v", err)
		os.Exit(1)
	}
}

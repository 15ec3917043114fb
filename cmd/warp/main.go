package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/warp/internal/termio"
)

const version = "v0.2.0"

// exitUsage is returned for invalid flags, arguments or configuration.
const exitUsage = 64

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	termio.Init()
	defer termio.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, args, termio.Stdout(), termio.Stderr())
}

// execute runs one command line and returns the process exit code: the
// transfer report code, or exitUsage when the command never started.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := newCLI(stdout, stderr)
	root := c.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		if !c.started {
			return exitUsage
		}
		if c.exit == 0 {
			return 1
		}
	}
	return c.exit
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"

	"spacewatch/internal/app"
)

const stopTimeout = 30 * time.Second

func main() {
	fs := flag.NewFlagSet("spacewatch", flag.ExitOnError)
	var (
		cfgPath  = fs.String("config", "./config.yaml", "path to config file (json or yaml)")
		once     = fs.Bool("once", false, "run a single poll cycle and exit")
		logLevel = fs.String("log-level", "", "override logging.level")
		version  = fs.Bool("version", false, "print version and exit")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("SPACEWATCH")); err != nil {
		fmt.Fprintln(os.Stderr, "flags:", err)
		os.Exit(2)
	}
	if *version {
		fmt.Println(app.Version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(*cfgPath, app.Options{LogLevel: *logLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if *once {
		os.Exit(runOnce(ctx, a))
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stop(a)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	runErr := a.Err()
	stop(a)
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "fatal:", runErr)
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, a *app.App) int {
	rep, err := a.RunOnce(ctx)
	stop(a)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if rep.Failed() > 0 {
		fmt.Fprintln(os.Stderr, "cycle finished with failures:", rep.Err())
		return 1
	}
	return 0
}

func stop(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
}

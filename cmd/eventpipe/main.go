// eventpipe is the operator CLI for the event pipeline.
//
// Usage:
//
//	eventpipe send --config eventpipe.yaml --type user.login [--data '{"k":"v"}']
//	eventpipe deadletters list --db dead.db [--limit 20] [--json]
//	eventpipe deadletters purge --db dead.db
//	eventpipe deadletters replay --config eventpipe.yaml --db dead.db
//
// send delivers one event immediately with the configured auth and retry
// policy. The deadletters commands operate on the SQLite store written by
// clients configured with deadLetter.path.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// usageError is reported with exit code 2.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func (e *usageError) ExitCode() int { return 2 }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return usagef("missing command")
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	switch args[0] {
	case "send":
		return runSend(ctx, args[1:], stdout, logger)
	case "deadletters":
		return runDeadLetters(ctx, args[1:], stdout, logger)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return usagef("unknown command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `eventpipe delivers telemetry events and manages dead letters.

Usage:
  eventpipe send --config FILE --type TYPE [--data JSON] [--user ID] [--tenant ID]
  eventpipe deadletters list --db FILE [--limit N] [--json]
  eventpipe deadletters purge --db FILE
  eventpipe deadletters replay --config FILE --db FILE [--limit N]
`)
}

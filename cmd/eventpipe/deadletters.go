package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/deadletter"
)

func runDeadLetters(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		return usagef("deadletters: missing subcommand (list, purge, replay)")
	}

	var (
		dbPath     string
		configPath string
		limit      int
		asJSON     bool
	)
	flagSet := pflag.NewFlagSet("deadletters "+args[0], pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&dbPath, "db", "", "dead letter database file")
	switch args[0] {
	case "list":
		flagSet.IntVarP(&limit, "limit", "n", 0, "show at most N records (0 = all)")
		flagSet.BoolVar(&asJSON, "json", false, "print records as JSON lines")
	case "replay":
		flagSet.StringVarP(&configPath, "config", "c", "eventpipe.yaml", "client config file (YAML or JSON)")
		flagSet.IntVarP(&limit, "limit", "n", 0, "replay at most N records (0 = all)")
	case "purge":
	default:
		return usagef("deadletters: unknown subcommand %q", args[0])
	}
	if err := flagSet.Parse(args[1:]); err != nil {
		return usagef("deadletters %s: %v", args[0], err)
	}
	if dbPath == "" {
		return usagef("deadletters %s: --db is required", args[0])
	}

	store, err := deadletter.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "list":
		return listDeadLetters(ctx, store, limit, asJSON, stdout)
	case "purge":
		n, err := store.Purge(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "purged %d dead letters\n", n)
		return nil
	default:
		return replayDeadLetters(ctx, store, configPath, limit, stdout, logger)
	}
}

// jsonRecord is the --json rendering of a record.
type jsonRecord struct {
	ID       string          `json:"id"`
	FailedAt string          `json:"failedAt"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
	Event    json.RawMessage `json:"event"`
}

func listDeadLetters(ctx context.Context, store deadletter.Store, limit int, asJSON bool, stdout io.Writer) error {
	recs, err := store.List(ctx, limit)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		for _, rec := range recs {
			evt, err := json.Marshal(rec.Event)
			if err != nil {
				return err
			}
			if err := enc.Encode(jsonRecord{
				ID:       rec.ID,
				FailedAt: rec.FailedAt.Format(time.RFC3339),
				Attempts: rec.Attempts,
				Error:    rec.Error,
				Event:    evt,
			}); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFAILED AT\tEVENT\tTYPE\tATTEMPTS\tERROR")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.ID, rec.FailedAt.Format(time.RFC3339), rec.Event.ID, rec.Event.Type, rec.Attempts, rec.Error)
	}
	return tw.Flush()
}

func replayDeadLetters(ctx context.Context, store deadletter.Store, configPath string, limit int, stdout io.Writer, logger *slog.Logger) error {
	cfg, err := eventpipe.LoadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.DeadLetterPath = ""
	client, err := eventpipe.New(cfg, eventpipe.WithLogger(logger), eventpipe.WithDeadLetter(store))
	if err != nil {
		return err
	}
	defer client.Shutdown(ctx)

	sent, failed, err := client.Replay(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "replayed %d, failed %d\n", sent, failed)
	if failed > 0 {
		return fmt.Errorf("%d dead letters could not be delivered", failed)
	}
	return nil
}

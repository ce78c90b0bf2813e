package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
)

func runSend(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	var (
		configPath string
		eventType  string
		data       string
		userID     string
		tenantID   string
	)
	flagSet := pflag.NewFlagSet("send", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVarP(&configPath, "config", "c", "eventpipe.yaml", "client config file (YAML or JSON)")
	flagSet.StringVarP(&eventType, "type", "t", "", "event type, e.g. user.login")
	flagSet.StringVar(&data, "data", "", "event data as JSON")
	flagSet.StringVar(&userID, "user", "", "metadata user id")
	flagSet.StringVar(&tenantID, "tenant", "", "metadata tenant id")
	if err := flagSet.Parse(args); err != nil {
		return usagef("send: %v", err)
	}
	if eventType == "" {
		return usagef("send: --type is required")
	}

	var payloadData any
	if data != "" {
		if err := json.Unmarshal([]byte(data), &payloadData); err != nil {
			return usagef("send: --data is not valid JSON: %v", err)
		}
	}

	cfg, err := eventpipe.LoadConfig(configPath)
	if err != nil {
		return err
	}
	client, err := eventpipe.New(cfg, eventpipe.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Shutdown(ctx)

	res := client.Send(ctx, eventpipe.Payload{
		Type:     eventType,
		Data:     payloadData,
		Metadata: event.Metadata{UserID: userID, TenantID: tenantID},
	})
	if !res.Success {
		return fmt.Errorf("send %s: %w", res.EventID, res.Error)
	}
	fmt.Fprintln(stdout, res.EventID)
	return nil
}

// Package eventpipe is a client-side event telemetry pipeline.
//
// Application code produces discrete domain events; a Client buffers,
// batches, authenticates and delivers them to a remote collector over
// HTTP with bounded retries.
//
// # Quick Start
//
//	client, err := eventpipe.New(eventpipe.Config{
//	    Endpoint:    "https://collector.example.com/v1/events",
//	    Service:     "web",
//	    Environment: event.EnvProduction,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Shutdown(context.Background())
//
//	client.Enqueue(ctx, eventpipe.Payload{Type: "user.login", Data: map[string]any{"method": "sso"}})
//
// # Delivery
//
// Enqueue appends to a bounded in-memory buffer (see package buffer) which
// a batch.Processor drains on a timer, on Flush, and once more on Shutdown.
// Send bypasses the buffer and delivers a single event immediately. Both
// paths retry transient failures (5xx, 429, 408, network errors) with
// exponential backoff; other failures are final.
//
// Delivery is at-least-once. Nothing is persisted across restarts except,
// when configured, the dead letters of failed immediate sends.
//
// # Authentication
//
// Bearer tokens or HMAC-SHA256 request signing; see package auth. The
// user and tenant ids of a bearer JWT are copied into event metadata
// unless the payload sets them.
//
// # Observability
//
// Logging uses log/slog. Metrics and tracing use OpenTelemetry and are
// disabled unless WithMeterProvider / WithTracerProvider (or
// WithMetrics / WithSpanManager) are given.
package eventpipe

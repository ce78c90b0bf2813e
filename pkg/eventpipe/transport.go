package eventpipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/auth"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/retry"
)

// maxErrorBody bounds how much of a failed response is kept as the error message.
const maxErrorBody = 4 << 10

// BatchRequest is the request body accepted by the collector.
type BatchRequest struct {
	Events []event.Event `json:"events"`
}

// HTTPTransport posts batches to the collector.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	signer   auth.Signer
}

// NewHTTPTransport creates a transport posting to endpoint. The client's
// RoundTripper is wrapped with otelhttp using opts.
func NewHTTPTransport(endpoint string, client *http.Client, signer auth.Signer, opts ...otelhttp.Option) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	if signer == nil {
		signer = auth.None{}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	instrumented := *client
	instrumented.Transport = otelhttp.NewTransport(base, opts...)

	return &HTTPTransport{
		endpoint: endpoint,
		client:   &instrumented,
		signer:   signer,
	}
}

// Send delivers events as one batch. Any 2xx response succeeds; other
// statuses return *retry.HTTPError and failures to reach the collector
// return *retry.NetworkError. Signing errors are returned unchanged.
func (t *HTTPTransport) Send(ctx context.Context, events []event.Event) error {
	body, err := json.Marshal(BatchRequest{Events: events})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	hdr, err := t.signer.Sign(ctx, body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return &retry.NetworkError{Op: "POST", Endpoint: t.endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := strings.TrimSpace(string(msg))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &retry.HTTPError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Endpoint:   t.endpoint,
	}
}

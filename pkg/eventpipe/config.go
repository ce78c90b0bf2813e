package eventpipe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/auth"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/batch"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/buffer"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/config"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/retry"
)

// DefaultTimeout bounds a single HTTP request to the collector.
const DefaultTimeout = 10 * time.Second

// Config configures a Client. Zero fields take their defaults.
type Config struct {
	// Endpoint is the collector URL. Required unless Disabled or a custom
	// transport is injected with WithTransport.
	Endpoint string

	// Service names the emitting service. Required.
	Service event.Service

	// Environment is stamped on every event. Required.
	Environment event.Environment

	// SchemaVersion is stamped on every event.
	// Default: "1.0"
	SchemaVersion string

	// Retry applies to both batches and immediate sends. The zero value
	// means retry.DefaultConfig; use retry.NoRetry to disable retries.
	Retry retry.Config

	Batch  batch.Config
	Buffer buffer.Config

	// Disabled turns Send into a synthetic success and Enqueue into a
	// no-op. Nothing reaches the network.
	Disabled bool

	Auth auth.Config

	// Timeout bounds each HTTP request.
	// Default: 10s
	Timeout time.Duration

	// DeadLetterPath, when set, opens a SQLite dead-letter store at that
	// path unless WithDeadLetter supplies one.
	DeadLetterPath string
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.SchemaVersion == "" {
		c.SchemaVersion = event.DefaultVersion
	}
	if c.Retry == (retry.Config{}) {
		c.Retry = retry.DefaultConfig
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// validate reports every problem with c. requireEndpoint is false when a
// custom transport is injected.
func (c Config) validate(requireEndpoint bool) error {
	var errs []error
	if requireEndpoint && !c.Disabled && c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.Service == "" {
		errs = append(errs, errors.New("service is required"))
	}
	if !c.Environment.Valid() {
		errs = append(errs, fmt.Errorf("unknown environment %q", c.Environment))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must be non-negative, got %v", c.Timeout))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
}

// ConfigFromMap maps the file format onto a Config. Durations use the
// millisecond keys (retry.initialDelayMs, batch.flushIntervalMs, ...);
// secrets may be read from the environment with auth.secretEnv and
// auth.tokenEnv instead of being written into the file.
//
// Example YAML:
//
//	endpoint: https://collector.example.com/v1/events
//	service: web
//	environment: production
//	retry:
//	  maxRetries: 5
//	  initialDelayMs: 500
//	batch:
//	  maxBatchSize: 50
//	  flushIntervalMs: 2000
//	buffer:
//	  maxSize: 5000
//	  onOverflow: drop-newest
//	auth:
//	  method: hmac
//	  serviceId: web
//	  secretEnv: EVENTPIPE_SECRET
func ConfigFromMap(c config.Config) (Config, error) {
	def := retry.DefaultConfig
	cfg := Config{
		Endpoint:      c.String("endpoint", ""),
		Service:       event.Service(c.String("service", "")),
		Environment:   event.Environment(c.String("environment", "")),
		SchemaVersion: c.String("schemaVersion", event.DefaultVersion),
		Disabled:      c.Bool("disabled", false),
		Timeout:       c.Millis("timeoutMs", DefaultTimeout),
		Retry: retry.Config{
			MaxRetries:        c.Int("retry.maxRetries", def.MaxRetries),
			InitialDelay:      c.Millis("retry.initialDelayMs", def.InitialDelay),
			MaxDelay:          c.Millis("retry.maxDelayMs", def.MaxDelay),
			BackoffMultiplier: c.Float("retry.backoffMultiplier", def.BackoffMultiplier),
		},
		Batch: batch.Config{
			MaxBatchSize:  c.Int("batch.maxBatchSize", batch.DefaultConfig.MaxBatchSize),
			FlushInterval: c.Millis("batch.flushIntervalMs", batch.DefaultConfig.FlushInterval),
		},
		Buffer: buffer.Config{
			MaxSize:    c.Int("buffer.maxSize", buffer.DefaultConfig.MaxSize),
			OnOverflow: buffer.Policy(c.String("buffer.onOverflow", string(buffer.DefaultConfig.OnOverflow))),
		},
		DeadLetterPath: c.String("deadLetter.path", ""),
	}

	a := c.Sub("auth")
	cfg.Auth = auth.Config{
		Method:    auth.Method(a.String("method", "")),
		ServiceID: a.String("serviceId", ""),
		Secret:    a.String("secret", ""),
	}
	if env := a.String("secretEnv", ""); env != "" && cfg.Auth.Secret == "" {
		cfg.Auth.Secret = os.Getenv(env)
		if cfg.Auth.Secret == "" {
			return Config{}, fmt.Errorf("%w: auth secret variable %s is empty", ErrConfig, env)
		}
	}
	if tok := a.String("token", ""); tok != "" {
		cfg.Auth.Token = auth.StaticToken(tok)
	} else if env := a.String("tokenEnv", ""); env != "" {
		cfg.Auth.Token = envToken(env)
	}
	return cfg, nil
}

// envToken reads the variable on every request so rotated tokens are
// picked up.
func envToken(name string) auth.TokenProvider {
	return func(context.Context) (string, error) {
		return os.Getenv(name), nil
	}
}

// LoadConfig reads a YAML or JSON config file (selected by extension).
// ${VAR} references are expanded from the environment.
func LoadConfig(path string) (Config, error) {
	c, err := config.FromFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return ConfigFromMap(c)
}

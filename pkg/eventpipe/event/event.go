// Package event defines the telemetry record delivered to the collector.
//
// Events are immutable once created: every field is fixed by New and the
// pipeline only ever copies them. The JSON encoding is the wire format of
// the collector protocol.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultVersion is the schema version stamped on events when none is configured.
const DefaultVersion = "1.0"

// Environment identifies the deployment an event was emitted from.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// Valid reports whether e is one of the known environments.
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction, EnvTest:
		return true
	default:
		return false
	}
}

// Service names the emitting service (e.g. "web", "agent-runner", "sync").
type Service string

// Metadata carries the routing and identity context of an event.
// Optional fields are omitted from the wire format when empty.
type Metadata struct {
	Environment   Environment `json:"environment"`
	UserID        string      `json:"userId,omitempty"`
	TenantID      string      `json:"tenantId,omitempty"`
	SessionID     string      `json:"sessionId,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// Merge returns a copy of m where every non-empty field of override wins.
func (m Metadata) Merge(override Metadata) Metadata {
	if override.Environment != "" {
		m.Environment = override.Environment
	}
	if override.UserID != "" {
		m.UserID = override.UserID
	}
	if override.TenantID != "" {
		m.TenantID = override.TenantID
	}
	if override.SessionID != "" {
		m.SessionID = override.SessionID
	}
	if override.CorrelationID != "" {
		m.CorrelationID = override.CorrelationID
	}
	return m
}

// Event is a single telemetry record.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Service   Service   `json:"service"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Metadata  Metadata  `json:"metadata"`
	Data      any       `json:"data"`
}

// MarshalJSON encodes the timestamp as ISO-8601 UTC with millisecond precision.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(struct {
		alias
		Timestamp string `json:"timestamp"`
	}{
		alias:     alias(e),
		Timestamp: FormatTimestamp(e.Timestamp),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := struct {
		*alias
		Timestamp string `json:"timestamp"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Timestamp == "" {
		e.Timestamp = time.Time{}
		return nil
	}
	ts, err := ParseTimestamp(aux.Timestamp)
	if err != nil {
		return err
	}
	e.Timestamp = ts
	return nil
}

// Validate reports the first structural problem with the event, if any.
func (e Event) Validate() error {
	if !ValidID(e.ID) {
		return fmt.Errorf("event: invalid id %q", e.ID)
	}
	if e.Type == "" {
		return errors.New("event: type is required")
	}
	if e.Service == "" {
		return errors.New("event: service is required")
	}
	if !e.Metadata.Environment.Valid() {
		return fmt.Errorf("event: unknown environment %q", e.Metadata.Environment)
	}
	return nil
}

// Option configures event creation.
type Option func(*eventConfig)

type eventConfig struct {
	id        string
	timestamp time.Time
	version   string
	metadata  Metadata
}

// WithID sets a specific event ID (default: NewID()).
func WithID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.id = id
	}
}

// WithTimestamp sets the creation time (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(cfg *eventConfig) {
		cfg.timestamp = t
	}
}

// WithVersion sets the schema version (default: DefaultVersion).
func WithVersion(v string) Option {
	return func(cfg *eventConfig) {
		if v != "" {
			cfg.version = v
		}
	}
}

// WithMetadata sets the event metadata.
func WithMetadata(m Metadata) Option {
	return func(cfg *eventConfig) {
		cfg.metadata = m
	}
}

// New creates an event of the given type emitted by service.
// The timestamp is normalized to UTC and truncated to milliseconds so the
// value survives a round trip through the wire format unchanged.
func New(eventType string, service Service, data any, opts ...Option) Event {
	cfg := &eventConfig{
		version: DefaultVersion,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.id == "" {
		cfg.id = NewID()
	}
	if cfg.timestamp.IsZero() {
		cfg.timestamp = time.Now()
	}

	return Event{
		ID:        cfg.id,
		Type:      eventType,
		Service:   service,
		Timestamp: cfg.timestamp.UTC().Truncate(time.Millisecond),
		Version:   cfg.version,
		Metadata:  cfg.metadata,
		Data:      data,
	}
}

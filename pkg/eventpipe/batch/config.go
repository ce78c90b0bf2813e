package batch

import (
	"fmt"
	"time"
)

// Config configures a Processor.
type Config struct {
	// MaxBatchSize bounds the number of events per request.
	// Default: 100
	MaxBatchSize int

	// FlushInterval is the period of the background flush.
	// Default: 5s
	FlushInterval time.Duration
}

// DefaultConfig provides the documented defaults.
var DefaultConfig = Config{
	MaxBatchSize:  100,
	FlushInterval: 5 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultConfig.MaxBatchSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultConfig.FlushInterval
	}
	return c
}

// Validate reports configuration errors after defaults are applied.
func (c Config) Validate() error {
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("batch: max batch size must be positive, got %d", c.MaxBatchSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("batch: flush interval must be positive, got %s", c.FlushInterval)
	}
	return nil
}

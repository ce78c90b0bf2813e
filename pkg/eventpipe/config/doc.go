/*
Package config provides typed access to the nested map produced by decoding a
YAML or JSON configuration file.

# Basic Usage

Keys may be plain or dotted paths into nested sections:

	cfg := config.New(map[string]any{
	    "endpoint": "https://collector.example.com/v1/events",
	    "retry": map[string]any{
	        "maxRetries":     5,
	        "initialDelayMs": 250,
	    },
	})

	endpoint := cfg.String("endpoint", "")                      // as configured
	retries := cfg.Int("retry.maxRetries", 3)                   // 5
	delay := cfg.Millis("retry.initialDelayMs", time.Second)    // 250ms
	batch := cfg.Sub("batch")                                   // empty Config

Every accessor returns its default when the key is missing or the value
cannot be converted without loss.

# File Loading

	cfg, err := config.FromFile("eventpipe.yaml")

.yaml, .yml and .json are recognized by extension.

# Thread Safety

Config is safe for concurrent reads. The underlying map is never modified.
*/
package config

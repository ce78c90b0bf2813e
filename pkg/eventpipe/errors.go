package eventpipe

import "errors"

// Sentinel errors returned by the Client.
var (
	// ErrConfig is wrapped by every configuration error from New and LoadConfig.
	ErrConfig = errors.New("eventpipe: invalid configuration")

	// ErrShutdown is returned by Send and Enqueue after Shutdown.
	ErrShutdown = errors.New("eventpipe: client is shut down")

	// ErrInvalidPayload indicates a payload without an event type.
	ErrInvalidPayload = errors.New("eventpipe: invalid payload")
)

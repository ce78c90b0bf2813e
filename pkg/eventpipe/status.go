package eventpipe

// Status is a point-in-time snapshot of the client.
type Status struct {
	// Healthy is true when the client is not shut down and has no
	// recorded error.
	Healthy bool

	// Processing is true while a flush is executing.
	Processing bool

	// Running is true while the periodic flush timer is armed.
	Running bool

	Pending  int
	Dropped  uint64
	Disabled bool
	Shutdown bool

	LastError error
}

// Status returns a snapshot of the client state.
func (c *Client) Status() Status {
	lastErr := c.LastError()
	shutdown := c.shutdown.Load()
	return Status{
		Healthy:    !shutdown && lastErr == nil,
		Processing: c.processor.IsActive(),
		Running:    c.processor.IsRunning(),
		Pending:    c.buf.Size(),
		Dropped:    c.buf.Dropped(),
		Disabled:   c.cfg.Disabled,
		Shutdown:   shutdown,
		LastError:  lastErr,
	}
}

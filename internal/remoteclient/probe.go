package remoteclient

import (
	"context"
	"time"
)

// ProbeUntilConnected retry-probes Init with capped exponential backoff
// until it succeeds or ctx is done, used by the supervisor once a
// client has been marked disconnected after three consecutive failures.
func (c *Client) ProbeUntilConnected(ctx context.Context) error {
	backoff := backoffFloor
	for {
		if err := c.Init(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCeiling {
			backoff = backoffCeiling
		}
	}
}

// Connected reports the client's current health as tracked by Stats.
func (c *Client) Connected() bool { return c.Stats.connected.Load() }

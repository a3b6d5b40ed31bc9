package client

import (
	"context"
	"time"
)

const historyPollInterval = 25 * time.Millisecond

// FetchHistory waits until the replay stream settles and returns the
// reconstructed conversation. "Settled" means no frame has arrived for the
// idle duration, measured from the call or the most recent frame,
// whichever is later. A zero idle uses 500ms.
func (c *Client) FetchHistory(ctx context.Context, idle time.Duration) ([]Message, error) {
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}

	start := time.Now()
	for {
		c.mu.Lock()
		last := c.lastFrame
		c.mu.Unlock()
		if last.Before(start) {
			last = start
		}
		quiet := time.Since(last)
		if quiet >= idle {
			return c.Messages(), nil
		}
		select {
		case <-ctx.Done():
			return c.Messages(), ctx.Err()
		case <-time.After(minDuration(idle-quiet, historyPollInterval)):
		}
	}
}

// History opens a short-lived connection, lets the replay stream settle,
// and returns the reconstructed conversation. No handlers fire.
func History(ctx context.Context, opts Options, idle time.Duration) ([]Message, error) {
	c := New(opts, Handlers{})
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	defer c.Close()
	return c.FetchHistory(ctx, idle)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

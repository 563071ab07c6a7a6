// Package worker provides the gateway's background maintenance tasks: DNS
// cache refresh and KV store health probing, supervised by a Runner.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name returns a human-readable identifier for logging.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}

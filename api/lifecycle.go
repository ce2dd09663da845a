// Package api defines public API contracts for shmbus.
package api

import "context"

// Lifecycle defines the interface for long-running component lifecycle management.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Reload drops the current bus connection and establishes a new one.
	Reload(ctx context.Context) error
}

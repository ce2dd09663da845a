// Package api defines public API contracts for shmbus.
package api

// Health defines the interface for component health and liveness.
type Health interface {
	// Heartbeat returns nil while the component can still do its work.
	Heartbeat() error
	// LivenessCheck reports whether the component is alive. A false result with a nil
	// error means the component stopped cleanly.
	LivenessCheck() (bool, error)
}

// Package api defines public API contracts for shmbus.
package api

import "github.com/godbus/dbus/v5"

// Transport is one exclusive connection to a message bus. A bus.Connection owns exactly
// one Transport and serialises every call on it.
type Transport interface {
	// RequestName asks the bus daemon for a well-known name.
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	// Send queues msg for delivery. Send does not wait for a reply.
	Send(msg *dbus.Message) error
	// Flush blocks until queued outbound messages are written.
	Flush() error
	// ReadWrite pumps pending I/O and reports whether the connection is still alive.
	ReadWrite() bool
	// Pop returns the next inbound message, or nil when none is waiting.
	Pop() *dbus.Message
	// Close releases the connection. Pending inbound messages are discarded.
	Close() error
}

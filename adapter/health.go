// Package adapter connects shmbus components to external monitoring systems.
package adapter

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/shmbus/api"
	internalshm "github.com/srediag/shmbus/internal/shm"
	"github.com/srediag/shmbus/pkg/bus"
	"github.com/srediag/shmbus/pkg/errcode"
)

// ErrStopped is reported by a liveness check whose component stopped cleanly.
var ErrStopped = errors.New("component stopped")

// DefaultCheckTimeout bounds every check registered by RegisterHealth.
const DefaultCheckTimeout = time.Second

// RegisterHealth adds liveness and readiness checks for h to handler under name. A
// timeout of zero uses DefaultCheckTimeout.
func RegisterHealth(handler healthcheck.Handler, name string, h api.Health, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	handler.AddLivenessCheck(name, healthcheck.Timeout(LivenessCheck(h), timeout))
	handler.AddReadinessCheck(name+"-heartbeat", healthcheck.Timeout(h.Heartbeat, timeout))
}

// LivenessCheck turns api.Health's two-valued result into a healthcheck.Check.
func LivenessCheck(h api.Health) healthcheck.Check {
	return func() error {
		alive, err := h.LivenessCheck()
		if err != nil {
			return err
		}
		if !alive {
			return ErrStopped
		}
		return nil
	}
}

// ConnectionCheck fails once conn is closed or its transport is gone.
func ConnectionCheck(conn *bus.Connection) healthcheck.Check {
	return func() error {
		if conn == nil || !conn.Connected() {
			return errcode.ConnectionLost
		}
		return nil
	}
}

// ShmCapacityCheck fails while /dev/shm has less than size bytes free.
func ShmCapacityCheck(size uint64) healthcheck.Check {
	return func() error {
		if !internalshm.Available(size, internalshm.Path("capacity-probe")) {
			return fmt.Errorf("less than %d bytes free in shared memory", size)
		}
		return nil
	}
}
